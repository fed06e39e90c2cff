package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"trendbot/internal/models"
	"trendbot/pkg/utils"
)

// MarketData - источник публичных рыночных данных для симулятора
type MarketData interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
}

// PaperConfig - параметры симулятора
type PaperConfig struct {
	Balance float64 // стартовый капитал в USDT
	FeeRate float64 // комиссия тейкера, доля от объёма
}

type paperPosition struct {
	side   string // buy (long) или sell (short)
	amount float64
	entry  float64
}

type paperOrder struct {
	id      string
	symbol  string
	kind    string
	side    string
	amount  float64
	trigger float64
}

// Paper - бумажная биржа: реальные котировки, симулированные исполнения.
// Рыночные ордера исполняются по последней цене, условные - при пересечении
// цены триггера во время следующего обращения к котировкам.
type Paper struct {
	market MarketData
	cfg    PaperConfig
	log    *utils.Logger

	mu        sync.Mutex
	cash      float64
	positions map[string]*paperPosition
	orders    map[string]*paperOrder
	lastPrice map[string]float64
	seq       int64
}

// NewPaper создаёт симулятор поверх источника рыночных данных
func NewPaper(market MarketData, cfg PaperConfig, log *utils.Logger) *Paper {
	if log == nil {
		log = utils.L()
	}
	return &Paper{
		market:    market,
		cfg:       cfg,
		log:       log.WithExchange("paper"),
		cash:      cfg.Balance,
		positions: make(map[string]*paperPosition),
		orders:    make(map[string]*paperOrder),
		lastPrice: make(map[string]float64),
	}
}

func (p *Paper) GetName() string {
	return "paper"
}

func (p *Paper) Connect(ctx context.Context) error {
	if c, ok := p.market.(interface{ Connect(context.Context) error }); ok {
		return c.Connect(ctx)
	}
	return nil
}

func (p *Paper) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return p.market.GetCandles(ctx, symbol, interval, limit)
}

// GetTicker возвращает котировку и исполняет сработавшие условные ордера
func (p *Paper) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	t, err := p.market.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.lastPrice[symbol] = t.LastPrice
	p.sweepLocked(symbol, t.LastPrice)
	p.mu.Unlock()

	return t, nil
}

// GetBalance: Free - деньги без маржи открытых позиций (плечо 1),
// Total - капитал с нереализованным PNL по последним ценам
func (p *Paper) GetBalance(ctx context.Context) (*Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	free, total := p.cash, p.cash
	for sym, pos := range p.positions {
		free -= pos.amount * pos.entry
		price, ok := p.lastPrice[sym]
		if !ok {
			price = pos.entry
		}
		total += pnl(pos, price, pos.amount)
	}
	return &Balance{Free: free, Total: total}, nil
}

func (p *Paper) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*Order, error) {
	t, err := p.GetTicker(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	price := t.LastPrice
	if err := utils.ValidatePrice("last_price", price); err != nil {
		return nil, err
	}

	size := req.Base
	if size <= 0 {
		size = req.Quote / price
	}
	if err := utils.ValidateAmount("size", size); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos := p.positions[req.Symbol]
	if req.ReduceOnly {
		if pos == nil || pos.side == req.Side {
			return nil, &ExchangeError{Exchange: "paper", Code: "22002", Message: "no position to reduce"}
		}
		size = math.Min(size, pos.amount)
	} else if pos == nil || pos.side == req.Side {
		var used float64
		for _, other := range p.positions {
			used += other.amount * other.entry
		}
		if size*price > p.cash-used {
			return nil, &ExchangeError{Exchange: "paper", Code: "40762", Message: "insufficient balance"}
		}
	}

	p.applyFillLocked(req.Symbol, req.Side, size, price)

	p.seq++
	order := &Order{
		ID:           fmt.Sprintf("PAPER-%d", p.seq),
		ClientID:     req.ClientID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         OrderTypeMarket,
		Quantity:     size,
		FilledQty:    size,
		AvgFillPrice: price,
		Status:       OrderStatusFilled,
		CreatedAt:    time.Now().UTC(),
	}
	p.log.Info("paper market fill",
		utils.Symbol(req.Symbol), utils.Side(req.Side), utils.Amount(size), utils.Price(price))
	return order, nil
}

func (p *Paper) PlaceConditionalOrder(ctx context.Context, req ConditionalOrderRequest) (*Order, error) {
	if err := utils.ValidatePrice("trigger_price", req.TriggerPrice); err != nil {
		return nil, err
	}
	if err := utils.ValidateAmount("size", req.Amount); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	o := &paperOrder{
		id:      fmt.Sprintf("PAPER-%d", p.seq),
		symbol:  req.Symbol,
		kind:    req.Kind,
		side:    req.Side,
		amount:  req.Amount,
		trigger: req.TriggerPrice,
	}
	p.orders[o.id] = o

	return &Order{
		ID:           o.id,
		Symbol:       o.symbol,
		Side:         o.side,
		Type:         o.kind,
		Quantity:     o.amount,
		TriggerPrice: o.trigger,
		Status:       OrderStatusNew,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// GetOpenOrders обновляет котировку (исполняя триггеры) и возвращает оставшиеся ордера
func (p *Paper) GetOpenOrders(ctx context.Context, symbol string) ([]*OpenOrder, error) {
	if _, err := p.GetTicker(ctx, symbol); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*OpenOrder, 0, 2)
	for _, o := range p.orders {
		if o.symbol != symbol {
			continue
		}
		out = append(out, &OpenOrder{ID: o.id, Symbol: o.symbol, Side: o.side, Type: o.kind, Price: o.trigger, Amount: o.amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.symbol != symbol {
		return &ExchangeError{Exchange: "paper", Code: "40768", Message: "order does not exist"}
	}
	delete(p.orders, orderID)
	return nil
}

func (p *Paper) Close() error {
	if c, ok := p.market.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// sweepLocked исполняет условные ордера, чей триггер пересечён ценой
func (p *Paper) sweepLocked(symbol string, price float64) {
	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		o, ok := p.orders[id]
		if !ok || o.symbol != symbol || !triggered(o, price) {
			continue
		}
		delete(p.orders, id)

		pos := p.positions[symbol]
		if pos == nil || pos.side == o.side {
			continue
		}
		p.applyFillLocked(symbol, o.side, math.Min(o.amount, pos.amount), o.trigger)
		p.log.Info("paper conditional fill",
			utils.Symbol(symbol), utils.OrderID(id), utils.String("kind", o.kind), utils.Price(o.trigger))
	}
}

// applyFillLocked учитывает исполнение в позиции и деньгах
func (p *Paper) applyFillLocked(symbol, side string, size, price float64) {
	p.cash -= size * price * p.cfg.FeeRate

	pos := p.positions[symbol]
	switch {
	case pos == nil:
		p.positions[symbol] = &paperPosition{side: side, amount: size, entry: price}
	case pos.side == side:
		total := pos.amount + size
		pos.entry = (pos.entry*pos.amount + price*size) / total
		pos.amount = total
	default:
		closed := math.Min(size, pos.amount)
		p.cash += pnl(pos, price, closed)
		pos.amount -= closed
		rest := size - closed

		if pos.amount <= 1e-12 {
			delete(p.positions, symbol)
			// позиция закрыта: защитные ордера по ней больше не действуют
			for id, o := range p.orders {
				if o.symbol == symbol {
					delete(p.orders, id)
				}
			}
			if rest > 1e-12 {
				p.positions[symbol] = &paperPosition{side: side, amount: rest, entry: price}
			}
		}
	}
}

func triggered(o *paperOrder, price float64) bool {
	// ордер закрытия sell защищает long, buy - short
	long := o.side == SideSell
	switch {
	case o.kind == OrderKindStopLoss && long, o.kind == OrderKindTakeProfit && !long:
		return price <= o.trigger
	default:
		return price >= o.trigger
	}
}

func pnl(pos *paperPosition, price, amount float64) float64 {
	side := models.SideShort
	if pos.side == SideBuy {
		side = models.SideLong
	}
	return utils.CalculatePNL(side, pos.entry, price, amount)
}
