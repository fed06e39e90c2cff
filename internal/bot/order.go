package bot

import (
	"context"
	"fmt"
	"time"

	"trendbot/internal/exchange"
	"trendbot/internal/models"
	"trendbot/pkg/retry"
	"trendbot/pkg/utils"
)

// OrderJournal - журнал ордеров для аудита. Бот его не читает.
type OrderJournal interface {
	RecordOrder(ctx context.Context, rec *models.OrderRecord) error
}

// OrderExecutor - исполнитель ордеров одного шлюза.
//
// Каждое обращение к бирже ограничено requestTimeout. Защитные ордера
// стоп-лосс и тейк-профит отправляются ОДНОВРЕМЕННО: общее время равно
// времени более медленной ноги.
type OrderExecutor struct {
	exch           exchange.Exchange
	journal        OrderJournal
	requestTimeout time.Duration
	closeRetries   int
	log            *utils.Logger
}

// ProtectParams - параметры защитных ордеров позиции
type ProtectParams struct {
	Symbol   string
	ExitSide string // сторона закрытия: sell для long, buy для short
	Amount   float64
	Levels   Levels
}

// LegResult - результат одной ноги
type LegResult struct {
	Kind  string
	Order *exchange.Order
	Error error
}

// NewOrderExecutor создаёт исполнитель
func NewOrderExecutor(exch exchange.Exchange, journal OrderJournal, requestTimeout time.Duration, closeRetries int, log *utils.Logger) *OrderExecutor {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	if log == nil {
		log = utils.L()
	}
	return &OrderExecutor{
		exch:           exch,
		journal:        journal,
		requestTimeout: requestTimeout,
		closeRetries:   closeRetries,
		log:            log.WithComponent("orders"),
	}
}

// MarketOrder размещает рыночный ордер с таймаутом и записью в журнал
func (oe *OrderExecutor) MarketOrder(ctx context.Context, req exchange.MarketOrderRequest, purpose string) (*exchange.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, oe.requestTimeout)
	defer cancel()

	start := time.Now()
	order, err := oe.exch.PlaceMarketOrder(callCtx, req)
	RecordOrderLatency(oe.exch.GetName(), req.Side, time.Since(start))

	qty := req.Base
	if order != nil {
		qty = order.Quantity
	}
	oe.record(&models.OrderRecord{
		Symbol:          req.Symbol,
		ExchangeOrderID: orderID(order),
		Side:            req.Side,
		Type:            exchange.OrderTypeMarket,
		Purpose:         purpose,
		Quantity:        qty,
		Price:           fillPrice(order),
		ReduceOnly:      req.ReduceOnly,
	}, err)

	if err != nil {
		return nil, ioError("place market order", req.Symbol, err)
	}
	return order, nil
}

// PlaceProtection выставляет стоп-лосс и тейк-профит ПАРАЛЛЕЛЬНО.
//
// Если одна нога не выставилась, успешная отменяется и возвращается
// ErrProtectionFailed. Закрытие самой позиции остаётся вызывающему.
func (oe *OrderExecutor) PlaceProtection(ctx context.Context, p ProtectParams) (models.ProtectiveOrders, error) {
	slCh := make(chan LegResult, 1)
	tpCh := make(chan LegResult, 1)

	go func() {
		order, err := oe.conditional(ctx, p, exchange.OrderKindStopLoss, p.Levels.StopLoss)
		slCh <- LegResult{Kind: exchange.OrderKindStopLoss, Order: order, Error: err}
	}()

	go func() {
		order, err := oe.conditional(ctx, p, exchange.OrderKindTakeProfit, p.Levels.TakeProfit)
		tpCh <- LegResult{Kind: exchange.OrderKindTakeProfit, Order: order, Error: err}
	}()

	// каналы буферизованы, горутины не зависнут даже без чтения
	sl, tp := <-slCh, <-tpCh

	if sl.Error == nil && tp.Error == nil {
		return models.ProtectiveOrders{StopLossID: sl.Order.ID, TakeProfitID: tp.Order.ID}, nil
	}

	// откат успешной ноги
	if sl.Error == nil {
		oe.cancelDetached(p.Symbol, sl.Order.ID)
	}
	if tp.Error == nil {
		oe.cancelDetached(p.Symbol, tp.Order.ID)
	}

	return models.ProtectiveOrders{}, fmt.Errorf("%w: stop_loss=%v, take_profit=%v", ErrProtectionFailed, sl.Error, tp.Error)
}

func (oe *OrderExecutor) conditional(ctx context.Context, p ProtectParams, kind string, trigger float64) (*exchange.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, oe.requestTimeout)
	defer cancel()

	order, err := oe.exch.PlaceConditionalOrder(callCtx, exchange.ConditionalOrderRequest{
		Symbol:       p.Symbol,
		Kind:         kind,
		Side:         p.ExitSide,
		Amount:       p.Amount,
		TriggerPrice: trigger,
	})
	oe.record(&models.OrderRecord{
		Symbol:          p.Symbol,
		ExchangeOrderID: orderID(order),
		Side:            p.ExitSide,
		Type:            kind,
		Purpose:         models.OrderPurposeProtect,
		Quantity:        p.Amount,
		Price:           trigger,
		ReduceOnly:      true,
	}, err)

	if err != nil {
		return nil, ioError("place "+kind, p.Symbol, err)
	}
	return order, nil
}

// Compensate закрывает позицию, оставшуюся без защиты, с повторными попытками.
// Работает на отдельном контексте: отмена цикла не должна оставить голую позицию.
func (oe *OrderExecutor) Compensate(symbol, exitSide string, amount float64) (*exchange.Order, error) {
	cfg := retry.CloseConfig(oe.closeRetries)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		oe.log.Warn("compensating close failed, retrying",
			utils.Symbol(symbol), utils.Int("attempt", attempt), utils.Err(err), utils.Dur("delay", delay))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.MaxAttempts+1)*oe.requestTimeout)
	defer cancel()

	return retry.DoWithResult(ctx, func() (*exchange.Order, error) {
		order, err := oe.MarketOrder(ctx, exchange.MarketOrderRequest{
			Symbol:     symbol,
			Side:       exitSide,
			Base:       amount,
			ReduceOnly: true,
		}, models.OrderPurposeCompensate)
		if utils.IsValidationError(err) {
			return nil, retry.Permanent(err)
		}
		return order, err
	}, cfg)
}

// Close закрывает позицию рыночным reduce-only ордером
func (oe *OrderExecutor) Close(ctx context.Context, pos *models.Position) (*exchange.Order, error) {
	return oe.MarketOrder(ctx, exchange.MarketOrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.ExitSide(),
		Base:       pos.Amount,
		ReduceOnly: true,
	}, models.OrderPurposeExit)
}

// Cancel отменяет условный ордер
func (oe *OrderExecutor) Cancel(ctx context.Context, symbol, id string) error {
	callCtx, cancel := context.WithTimeout(ctx, oe.requestTimeout)
	defer cancel()

	err := oe.exch.CancelOrder(callCtx, symbol, id)
	oe.record(&models.OrderRecord{
		Symbol:          symbol,
		ExchangeOrderID: id,
		Purpose:         models.OrderPurposeCancel,
	}, err)
	return ioError("cancel order", symbol, err)
}

// CancelAll отменяет перечисленные ордера, возвращает первую ошибку
func (oe *OrderExecutor) CancelAll(ctx context.Context, symbol string, ids []string) error {
	var first error
	for _, id := range ids {
		if err := oe.Cancel(ctx, symbol, id); err != nil {
			oe.log.Warn("cancel order failed", utils.Symbol(symbol), utils.OrderID(id), utils.Err(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// cancelDetached отменяет ногу при откате вне контекста цикла
func (oe *OrderExecutor) cancelDetached(symbol, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), oe.requestTimeout)
	defer cancel()

	if err := oe.Cancel(ctx, symbol, id); err != nil {
		oe.log.Error("rollback cancel failed", utils.Symbol(symbol), utils.OrderID(id), utils.Err(err))
	}
}

// Ticker получает цену с таймаутом
func (oe *OrderExecutor) Ticker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	callCtx, cancel := context.WithTimeout(ctx, oe.requestTimeout)
	defer cancel()

	t, err := oe.exch.GetTicker(callCtx, symbol)
	if err != nil {
		return nil, ioError("get ticker", symbol, err)
	}
	return t, nil
}

// OpenOrders получает активные условные ордера с таймаутом
func (oe *OrderExecutor) OpenOrders(ctx context.Context, symbol string) ([]*exchange.OpenOrder, error) {
	callCtx, cancel := context.WithTimeout(ctx, oe.requestTimeout)
	defer cancel()

	orders, err := oe.exch.GetOpenOrders(callCtx, symbol)
	if err != nil {
		return nil, ioError("get open orders", symbol, err)
	}
	return orders, nil
}

// Balance получает баланс с таймаутом
func (oe *OrderExecutor) Balance(ctx context.Context) (*exchange.Balance, error) {
	callCtx, cancel := context.WithTimeout(ctx, oe.requestTimeout)
	defer cancel()

	bal, err := oe.exch.GetBalance(callCtx)
	if err != nil {
		return nil, ioError("get balance", "", err)
	}
	return bal, nil
}

// Candles получает свечи с таймаутом
func (oe *OrderExecutor) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	callCtx, cancel := context.WithTimeout(ctx, oe.requestTimeout)
	defer cancel()

	candles, err := oe.exch.GetCandles(callCtx, symbol, interval, limit)
	if err != nil {
		return nil, ioError("get candles", symbol, err)
	}
	return candles, nil
}

// record пишет ордер в журнал. Ошибка журнала не влияет на торговлю.
func (oe *OrderExecutor) record(rec *models.OrderRecord, orderErr error) {
	if oe.journal == nil {
		return
	}

	rec.Exchange = oe.exch.GetName()
	rec.CreatedAt = time.Now().UTC()
	switch {
	case orderErr != nil:
		rec.Status = models.OrderStatusRejected
		rec.ErrorMessage = orderErr.Error()
	case rec.Purpose == models.OrderPurposeCancel:
		rec.Status = models.OrderStatusCancelled
	case rec.Type == exchange.OrderTypeMarket:
		rec.Status = models.OrderStatusFilled
	default:
		rec.Status = models.OrderStatusPlaced
	}

	ctx, cancel := context.WithTimeout(context.Background(), oe.requestTimeout)
	defer cancel()
	if err := oe.journal.RecordOrder(ctx, rec); err != nil {
		oe.log.Warn("order journal write failed", utils.Symbol(rec.Symbol), utils.Err(err))
	}
}

func orderID(o *exchange.Order) string {
	if o == nil {
		return ""
	}
	return o.ID
}

func fillPrice(o *exchange.Order) float64 {
	if o == nil {
		return 0
	}
	return o.AvgFillPrice
}
