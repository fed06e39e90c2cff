package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trendbot/internal/exchange"
	"trendbot/internal/models"
	"trendbot/pkg/utils"
)

// Manager - жизненный цикл позиций: вход, защита, мониторинг, закрытие.
//
// Состояние символов хранится в PositionStore, биржевые вызовы идут
// через OrderExecutor. Позиция фиксируется только после выставления
// обоих защитных ордеров.
type Manager struct {
	store   *PositionStore
	risk    *RiskController
	orders  *OrderExecutor
	notifCh chan<- *models.Notification
	log     *utils.Logger
}

// NewManager создаёт менеджер позиций
func NewManager(store *PositionStore, risk *RiskController, orders *OrderExecutor, notifCh chan<- *models.Notification, log *utils.Logger) *Manager {
	if log == nil {
		log = utils.L()
	}
	return &Manager{
		store:   store,
		risk:    risk,
		orders:  orders,
		notifCh: notifCh,
		log:     log.WithComponent("manager"),
	}
}

// Store возвращает хранилище состояний
func (m *Manager) Store() *PositionStore {
	return m.store
}

// Open открывает позицию по сигналу.
//
// FLAT -> ENTERING -> OPEN при успехе. При отказе до исполнения входа
// символ возвращается в FLAT. Если не выставилась защита, позиция
// закрывается компенсирующим ордером; если и он не прошёл - ERROR.
func (m *Manager) Open(ctx context.Context, sig *Signal) error {
	log := m.log.WithSymbol(sig.Symbol)

	if m.risk.Tripped() {
		return ErrCircuitBreakerTripped
	}
	if err := m.store.TryReserve(sig.Symbol); err != nil {
		return err
	}

	// до исполнения входа любой выход из функции возвращает символ в FLAT
	filled := false
	defer func() {
		if !filled {
			if terr := m.store.Transition(sig.Symbol, models.StateFlat); terr != nil {
				log.Error("failed to release symbol", utils.Err(terr))
			}
		}
	}()

	bal, err := m.orders.Balance(ctx)
	if err != nil {
		return err
	}
	if err := m.risk.CheckMargin(bal.Free); err != nil {
		log.Warn("entry skipped", utils.Balance(bal.Free), utils.Float64("margin", m.risk.TradeMargin()), utils.Err(err))
		n := newNotification(models.NotificationTypeMargin, models.SeverityWarn, sig.Symbol,
			"Insufficient balance for %s: free %.4f USDT, margin %.4f USDT", sig.Symbol, bal.Free, m.risk.TradeMargin())
		n.Meta["free"] = bal.Free
		n.Meta["margin"] = m.risk.TradeMargin()
		tryEnqueueNotification(m.notifCh, n)
		RecordTrade(sig.Symbol, "rejected")
		return err
	}

	req, err := m.entryRequest(sig)
	if err != nil {
		return err
	}

	order, err := m.orders.MarketOrder(ctx, req, models.OrderPurposeEntry)
	if err != nil {
		RecordTrade(sig.Symbol, "failed")
		return err
	}
	filled = true

	pos := &models.Position{
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		Amount:       order.FilledQty,
		EntryPrice:   order.AvgFillPrice,
		Rule:         sig.Rule,
		EntryOrderID: order.ID,
		OpenedAt:     time.Now().UTC(),
	}
	if pos.Amount <= 0 {
		pos.Amount = order.Quantity
	}
	if pos.EntryPrice <= 0 {
		// биржа не вернула цену исполнения, берём текущую
		if t, terr := m.orders.Ticker(ctx, sig.Symbol); terr == nil {
			pos.EntryPrice = t.LastPrice
		}
	}

	if verr := validateFill(pos); verr != nil {
		return m.rollback(pos, verr)
	}

	lv := m.risk.Levels(pos.Side, pos.EntryPrice)
	pos.StopLossPrice = lv.StopLoss
	pos.TakeProfitPrice = lv.TakeProfit

	prot, err := m.orders.PlaceProtection(ctx, ProtectParams{
		Symbol:   pos.Symbol,
		ExitSide: pos.ExitSide(),
		Amount:   pos.Amount,
		Levels:   lv,
	})
	if err != nil {
		return m.rollback(pos, err)
	}
	pos.Protective = prot

	if err := m.store.Open(pos); err != nil {
		return err
	}

	log.Info("position opened",
		utils.Side(pos.Side),
		utils.Rule(pos.Rule),
		utils.Amount(pos.Amount),
		utils.Price(pos.EntryPrice),
		utils.Float64("stop_loss", pos.StopLossPrice),
		utils.Float64("take_profit", pos.TakeProfitPrice),
	)
	n := newNotification(models.NotificationTypeOpen, models.SeverityInfo, pos.Symbol,
		"Opened %s %s %.6f @ %.4f (SL %.4f, TP %.4f) by %s",
		pos.Side, pos.Symbol, pos.Amount, pos.EntryPrice, pos.StopLossPrice, pos.TakeProfitPrice, pos.Rule)
	n.Meta["side"] = pos.Side
	n.Meta["amount"] = pos.Amount
	n.Meta["entry_price"] = pos.EntryPrice
	n.Meta["rule"] = pos.Rule
	tryEnqueueNotification(m.notifCh, n)
	RecordTrade(pos.Symbol, "opened")
	return nil
}

// entryRequest: long размером в USDT (маржа), short - в базовой валюте
// по закрытию свечи сигнала
func (m *Manager) entryRequest(sig *Signal) (exchange.MarketOrderRequest, error) {
	margin := m.risk.TradeMargin()
	req := exchange.MarketOrderRequest{Symbol: sig.Symbol}

	if sig.Side == models.SideShort {
		if err := utils.ValidatePrice("reference_close", sig.ReferenceClose); err != nil {
			return req, err
		}
		req.Side = exchange.SideSell
		req.Base = margin / sig.ReferenceClose
		return req, nil
	}

	req.Side = exchange.SideBuy
	req.Quote = margin
	return req, nil
}

func validateFill(pos *models.Position) error {
	if err := utils.ValidatePrice("fill_price", pos.EntryPrice); err != nil {
		return err
	}
	return utils.ValidateAmount("fill_amount", pos.Amount)
}

// rollback закрывает позицию, оставшуюся без защиты.
// ENTERING -> FLAT при успехе, ENTERING -> ERROR если закрыть не удалось.
func (m *Manager) rollback(pos *models.Position, cause error) error {
	log := m.log.WithSymbol(pos.Symbol)
	log.Error("entry without protection, closing", utils.Amount(pos.Amount), utils.Err(cause))

	if _, err := m.orders.Compensate(pos.Symbol, pos.ExitSide(), pos.Amount); err != nil {
		reason := fmt.Sprintf("compensating close failed: %v", err)
		if merr := m.store.MarkError(pos.Symbol, pos, reason); merr != nil {
			log.Error("failed to mark error state", utils.Err(merr))
		}
		log.Error("POSITION LEFT UNPROTECTED, manual close required", utils.Side(pos.Side), utils.Amount(pos.Amount), utils.Err(err))
		n := newNotification(models.NotificationTypeError, models.SeverityError, pos.Symbol,
			"%s %s %.6f left without protection: %v. Manual close required", pos.Side, pos.Symbol, pos.Amount, err)
		n.Meta["cause"] = cause.Error()
		tryEnqueueNotification(m.notifCh, n)
		RecordTrade(pos.Symbol, "error")
		return fmt.Errorf("%w: %w", cause, err)
	}

	if err := m.store.Transition(pos.Symbol, models.StateFlat); err != nil {
		log.Error("failed to release symbol", utils.Err(err))
	}

	n := newNotification(models.NotificationTypeRollback, models.SeverityWarn, pos.Symbol,
		"Entry %s %s rolled back: %v", pos.Side, pos.Symbol, cause)
	n.Meta["cause"] = cause.Error()
	tryEnqueueNotification(m.notifCh, n)
	RecordTrade(pos.Symbol, "rollback")
	return cause
}

// Monitor проверяет открытую позицию по активным ордерам и цене.
//
// Нет ни одного защитного ордера - позиция закрыта биржей. Остался один -
// второй исполнился, оставшийся снимается. Оба на месте - цена сверяется
// с уровнями, при пересечении позиция закрывается рыночным ордером.
func (m *Manager) Monitor(ctx context.Context, symbol string) error {
	if m.store.State(symbol) != models.StateOpen {
		return nil
	}
	pos := m.store.Position(symbol)
	if pos == nil {
		return nil
	}

	open, err := m.orders.OpenOrders(ctx, symbol)
	if err != nil {
		return err
	}

	active := make(map[string]bool, len(open))
	for _, o := range open {
		active[o.ID] = true
	}
	slActive := active[pos.Protective.StopLossID]
	tpActive := active[pos.Protective.TakeProfitID]

	switch {
	case !slActive && !tpActive:
		return m.settle(pos, models.NotificationTypeClose, "closed on exchange", 0)

	case slActive != tpActive:
		filledKind, sibling := models.NotificationTypeTP, pos.Protective.StopLossID
		exitPrice := pos.TakeProfitPrice
		if !slActive {
			filledKind, sibling = models.NotificationTypeSL, pos.Protective.TakeProfitID
			exitPrice = pos.StopLossPrice
		}
		if err := m.orders.Cancel(ctx, symbol, sibling); err != nil {
			// позиция остаётся OPEN, отмена повторится в следующем цикле
			return err
		}
		return m.settle(pos, filledKind, "protective order filled", exitPrice)
	}

	t, err := m.orders.Ticker(ctx, symbol)
	if err != nil {
		return err
	}
	lv := Levels{StopLoss: pos.StopLossPrice, TakeProfit: pos.TakeProfitPrice}
	if !ExitTriggered(pos.Side, t.LastPrice, lv) {
		return nil
	}

	reason := models.NotificationTypeTP
	if (pos.Side == models.SideShort && t.LastPrice >= lv.StopLoss) || (pos.Side != models.SideShort && t.LastPrice <= lv.StopLoss) {
		reason = models.NotificationTypeSL
	}
	m.log.Info("exit level reached", utils.Symbol(symbol), utils.Price(t.LastPrice), utils.String("reason", reason))
	return m.exit(ctx, pos, reason)
}

// settle переводит позицию, закрытую на бирже, в FLAT.
// Если символ уже занят ручным закрытием, отчёт остаётся за ним.
func (m *Manager) settle(pos *models.Position, kind, what string, exitPrice float64) error {
	if err := m.store.TransitionFrom(pos.Symbol, models.StateOpen, models.StateFlat); err != nil {
		return err
	}
	m.reportClose(pos, kind, what, exitPrice)
	return nil
}

// Close закрывает позицию вручную. Для символа без позиции ничего не делает.
func (m *Manager) Close(ctx context.Context, symbol string) error {
	if !m.store.Has(symbol) {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	switch st := m.store.State(symbol); st {
	case models.StateFlat:
		return nil
	case models.StateOpen, models.StateError:
		pos := m.store.Position(symbol)
		if pos == nil {
			if _, err := m.store.BeginExit(symbol); err != nil {
				return err
			}
			return m.store.TransitionFrom(symbol, models.StateExiting, models.StateFlat)
		}
		err := m.exit(ctx, pos, models.NotificationTypeClose)
		if errors.Is(err, ErrInvalidTransition) && m.store.IsFlat(symbol) {
			// биржа закрыла позицию раньше, мониторинг уже отчитался
			return nil
		}
		return err
	default:
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, symbol, st)
	}
}

// exit: OPEN/ERROR -> EXITING -> рыночное закрытие -> отмена ордеров -> FLAT.
// Если закрытие не прошло, символ возвращается в прежнее состояние.
func (m *Manager) exit(ctx context.Context, pos *models.Position, reason string) error {
	prev, err := m.store.BeginExit(pos.Symbol)
	if err != nil {
		return err
	}

	order, err := m.orders.Close(ctx, pos)
	if err != nil {
		if terr := m.store.TransitionFrom(pos.Symbol, models.StateExiting, prev); terr != nil {
			m.log.Error("failed to restore state", utils.Symbol(pos.Symbol), utils.Err(terr))
		}
		RecordTrade(pos.Symbol, "close_failed")
		return err
	}

	// ошибки отмены не критичны: позиция уже закрыта, reduce-only ордера
	// без позиции не исполнятся
	if cerr := m.orders.CancelAll(ctx, pos.Symbol, pos.Protective.IDs()); cerr != nil && !errors.Is(cerr, context.Canceled) {
		m.log.Warn("protective orders not cancelled after close", utils.Symbol(pos.Symbol), utils.Err(cerr))
	}

	if err := m.store.TransitionFrom(pos.Symbol, models.StateExiting, models.StateFlat); err != nil {
		return err
	}
	m.reportClose(pos, reason, "closed by market order", order.AvgFillPrice)
	return nil
}

func (m *Manager) reportClose(pos *models.Position, kind, what string, exitPrice float64) {
	fields := []utils.Field{utils.Symbol(pos.Symbol), utils.Side(pos.Side), utils.String("reason", kind)}

	n := newNotification(kind, models.SeverityInfo, pos.Symbol, "%s %s %s", pos.Side, pos.Symbol, what)
	if kind == models.NotificationTypeSL {
		n.Severity = models.SeverityWarn
	}
	if exitPrice > 0 {
		pnl := pos.UnrealizedPNL(exitPrice)
		fields = append(fields, utils.Price(exitPrice), utils.PNL(pnl))
		n.Message = fmt.Sprintf("%s %s %s @ %.4f, PNL %.4f USDT", pos.Side, pos.Symbol, what, exitPrice, pnl)
		n.Meta["exit_price"] = exitPrice
		n.Meta["pnl"] = pnl
		RecordPnl(pnl)
	}
	n.Meta["side"] = pos.Side
	n.Meta["entry_price"] = pos.EntryPrice

	m.log.Info("position closed", fields...)
	tryEnqueueNotification(m.notifCh, n)
	RecordTrade(pos.Symbol, "closed")
}
