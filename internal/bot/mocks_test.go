package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trendbot/internal/config"
	"trendbot/internal/exchange"
	"trendbot/internal/models"
	"trendbot/pkg/utils"
)

var errExchangeDown = errors.New("exchange unavailable")

// mockExchange - управляемая биржа для тестов.
// Условные ордера попадают в список активных, отмена их удаляет.
type mockExchange struct {
	mu sync.Mutex

	candles    map[string][]models.Candle
	candleErr  map[string]error
	candleHook func(symbol string)

	balance    exchange.Balance
	balanceErr error

	price     map[string]float64
	tickerErr error

	fillPrice  float64 // 0 - цена тикера
	noFill     bool    // ордер без цены исполнения
	marketErrs []error // ошибки по очереди для рыночных ордеров

	conditionalErr map[string]error // по виду ордера
	openErr        error
	cancelErr      error

	open map[string][]*exchange.OpenOrder
	seq  int

	marketCalls      []exchange.MarketOrderRequest
	conditionalCalls []exchange.ConditionalOrderRequest
	cancelCalls      []string
	candleCalls      []string
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		candles:        make(map[string][]models.Candle),
		candleErr:      make(map[string]error),
		balance:        exchange.Balance{Free: 6.9, Total: 6.9},
		price:          make(map[string]float64),
		conditionalErr: make(map[string]error),
		open:           make(map[string][]*exchange.OpenOrder),
	}
}

func (m *mockExchange) GetName() string                   { return "mock" }
func (m *mockExchange) Connect(ctx context.Context) error { return nil }
func (m *mockExchange) Close() error                      { return nil }

func (m *mockExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	m.mu.Lock()
	m.candleCalls = append(m.candleCalls, symbol)
	hook := m.candleHook
	m.mu.Unlock()

	if hook != nil {
		hook(symbol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.candleErr[symbol]; err != nil {
		return nil, err
	}
	out := make([]models.Candle, len(m.candles[symbol]))
	copy(out, m.candles[symbol])
	return out, nil
}

func (m *mockExchange) GetBalance(ctx context.Context) (*exchange.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	b := m.balance
	return &b, nil
}

func (m *mockExchange) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tickerErr != nil {
		return nil, m.tickerErr
	}
	p := m.price[symbol]
	return &exchange.Ticker{Symbol: symbol, LastPrice: p, BidPrice: p, AskPrice: p, Timestamp: time.Now()}, nil
}

func (m *mockExchange) PlaceMarketOrder(ctx context.Context, req exchange.MarketOrderRequest) (*exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.marketCalls = append(m.marketCalls, req)
	if len(m.marketErrs) > 0 {
		err := m.marketErrs[0]
		m.marketErrs = m.marketErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	price := m.fillPrice
	if price == 0 {
		price = m.price[req.Symbol]
	}
	qty := req.Base
	if qty <= 0 && price > 0 {
		qty = req.Quote / price
	}

	m.seq++
	order := &exchange.Order{
		ID:        fmt.Sprintf("M-%d", m.seq),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      exchange.OrderTypeMarket,
		Quantity:  qty,
		FilledQty: qty,
		Status:    exchange.OrderStatusFilled,
	}
	if !m.noFill {
		order.AvgFillPrice = price
	}
	return order, nil
}

func (m *mockExchange) PlaceConditionalOrder(ctx context.Context, req exchange.ConditionalOrderRequest) (*exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conditionalCalls = append(m.conditionalCalls, req)
	if err := m.conditionalErr[req.Kind]; err != nil {
		return nil, err
	}

	m.seq++
	id := fmt.Sprintf("C-%d", m.seq)
	m.open[req.Symbol] = append(m.open[req.Symbol], &exchange.OpenOrder{
		ID: id, Symbol: req.Symbol, Side: req.Side, Type: req.Kind, Price: req.TriggerPrice, Amount: req.Amount,
	})
	return &exchange.Order{ID: id, Symbol: req.Symbol, Side: req.Side, Type: req.Kind, TriggerPrice: req.TriggerPrice}, nil
}

func (m *mockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*exchange.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	out := make([]*exchange.OpenOrder, len(m.open[symbol]))
	copy(out, m.open[symbol])
	return out, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelCalls = append(m.cancelCalls, orderID)
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.removeLocked(symbol, orderID)
	return nil
}

// fill имитирует исполнение условного ордера биржей
func (m *mockExchange) fill(symbol, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.open[symbol] {
		if o.Type == kind {
			m.removeLocked(symbol, o.ID)
			return
		}
	}
}

func (m *mockExchange) removeLocked(symbol, id string) {
	list := m.open[symbol]
	for i, o := range list {
		if o.ID == id {
			m.open[symbol] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (m *mockExchange) setPrice(symbol string, p float64) {
	m.mu.Lock()
	m.price[symbol] = p
	m.mu.Unlock()
}

func (m *mockExchange) setBalance(free, total float64) {
	m.mu.Lock()
	m.balance = exchange.Balance{Free: free, Total: total}
	m.mu.Unlock()
}

func (m *mockExchange) marketCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marketCalls)
}

func (m *mockExchange) lastMarket() exchange.MarketOrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marketCalls[len(m.marketCalls)-1]
}

func (m *mockExchange) candleCallsCopy() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.candleCalls))
	copy(out, m.candleCalls)
	return out
}

// mockJournal запоминает записи журнала
type mockJournal struct {
	mu      sync.Mutex
	records []models.OrderRecord
}

func (j *mockJournal) RecordOrder(ctx context.Context, rec *models.OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, *rec)
	return nil
}

func (j *mockJournal) byPurpose(purpose string) []models.OrderRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []models.OrderRecord
	for _, r := range j.records {
		if r.Purpose == purpose {
			out = append(out, r)
		}
	}
	return out
}

// ============ Хелперы ============

func testLogger() *utils.Logger {
	return utils.InitLogger(utils.LogConfig{Level: "error"})
}

func testTradingConfig(symbols ...string) config.TradingConfig {
	if len(symbols) == 0 {
		symbols = []string{"ETHUSDT"}
	}
	return config.TradingConfig{
		AccountBalance: 6.9,
		MarginFraction: 0.1,
		StopLossPct:    0.1,
		TakeProfitPct:  0.2,
		GlobalStopLoss: 0.1,
		Symbols:        symbols,
		CandleInterval: "15m",
		CandleLimit:    200,
		CycleInterval:  time.Hour,
		RequestTimeout: time.Second,
		CloseRetries:   1,
	}
}

type managerFixture struct {
	exch    *mockExchange
	journal *mockJournal
	store   *PositionStore
	risk    *RiskController
	orders  *OrderExecutor
	manager *Manager
	notifs  chan *models.Notification
}

func newManagerFixture(symbols ...string) *managerFixture {
	cfg := testTradingConfig(symbols...)
	f := &managerFixture{
		exch:    newMockExchange(),
		journal: &mockJournal{},
		store:   NewPositionStore(cfg.Symbols),
		risk:    NewRiskController(cfg),
		notifs:  make(chan *models.Notification, 64),
	}
	f.orders = NewOrderExecutor(f.exch, f.journal, cfg.RequestTimeout, cfg.CloseRetries, testLogger())
	f.manager = NewManager(f.store, f.risk, f.orders, f.notifs, testLogger())
	return f
}

// drain возвращает типы накопленных уведомлений
func drain(ch chan *models.Notification) []string {
	var out []string
	for {
		select {
		case n := <-ch:
			out = append(out, n.Type)
		default:
			return out
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func fp(v float64) *float64 {
	return &v
}

// candle строит свечу с заданными индикаторами
func candle(open, close float64, ema34, ema50, rsi *float64) models.Candle {
	high, low := open, close
	if close > open {
		high, low = close, open
	}
	return models.Candle{
		Timestamp: time.Unix(1700000000, 0),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		EMA34:     ema34,
		EMA50:     ema50,
		RSI14:     rsi,
	}
}

// flatCandles - свечи без движения цены: сигналов на них нет
func flatCandles(n int, price float64) []models.Candle {
	out := make([]models.Candle, n)
	start := time.Unix(1700000000, 0)
	for i := range out {
		out[i] = models.Candle{
			Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      price, High: price, Low: price, Close: price,
		}
	}
	return out
}

func alwaysFlat(string) bool { return true }
