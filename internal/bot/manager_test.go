package bot

import (
	"context"
	"errors"
	"testing"

	"trendbot/internal/exchange"
	"trendbot/internal/models"
)

func longSignal() *Signal {
	return &Signal{Symbol: "ETHUSDT", Side: models.SideLong, Rule: RuleEngulfing, ReferenceClose: 100}
}

func shortSignal() *Signal {
	return &Signal{Symbol: "ETHUSDT", Side: models.SideShort, Rule: RuleEMA50, ReferenceClose: 100}
}

// openLong открывает long по цене 100 и проверяет успех
func openLong(t *testing.T, f *managerFixture) *models.Position {
	t.Helper()
	f.exch.setPrice("ETHUSDT", 100)
	if err := f.manager.Open(context.Background(), longSignal()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	pos := f.store.Position("ETHUSDT")
	if pos == nil {
		t.Fatal("position not stored")
	}
	drain(f.notifs)
	return pos
}

func TestManager_OpenLong(t *testing.T) {
	f := newManagerFixture()
	f.exch.setPrice("ETHUSDT", 100)

	if err := f.manager.Open(context.Background(), longSignal()); err != nil {
		t.Fatalf("Open() = %v", err)
	}

	if f.store.State("ETHUSDT") != models.StateOpen {
		t.Fatalf("state = %s, want OPEN", f.store.State("ETHUSDT"))
	}
	entry := f.exch.marketCalls[0]
	if entry.Side != exchange.SideBuy || entry.Quote != 0.69 || entry.Base != 0 || entry.ReduceOnly {
		t.Errorf("entry request = %+v, want buy 0.69 USDT", entry)
	}

	pos := f.store.Position("ETHUSDT")
	if pos.EntryPrice != 100 || pos.StopLossPrice != 90 || pos.TakeProfitPrice != 120 {
		t.Errorf("position = %+v, want entry 100 SL 90 TP 120", pos)
	}
	if !pos.Protective.Complete() || pos.Rule != RuleEngulfing {
		t.Errorf("position = %+v", pos)
	}
	if len(f.exch.open["ETHUSDT"]) != 2 {
		t.Errorf("open protective orders = %d, want 2", len(f.exch.open["ETHUSDT"]))
	}

	if !contains(drain(f.notifs), models.NotificationTypeOpen) {
		t.Error("OPEN notification expected")
	}
	if len(f.journal.byPurpose(models.OrderPurposeEntry)) != 1 {
		t.Error("entry must be journaled")
	}
}

func TestManager_OpenShort(t *testing.T) {
	f := newManagerFixture()
	f.exch.setPrice("ETHUSDT", 100)

	if err := f.manager.Open(context.Background(), shortSignal()); err != nil {
		t.Fatalf("Open() = %v", err)
	}

	ref := 100.0
	entry := f.exch.marketCalls[0]
	if entry.Side != exchange.SideSell || entry.Base != f.risk.TradeMargin()/ref || entry.Quote != 0 {
		t.Errorf("entry request = %+v, want sell 0.0069 base", entry)
	}
	pos := f.store.Position("ETHUSDT")
	if pos.StopLossPrice != 110 || pos.TakeProfitPrice != 80 {
		t.Errorf("short levels = %v/%v, want 110/80", pos.StopLossPrice, pos.TakeProfitPrice)
	}
	for _, c := range f.exch.conditionalCalls {
		if c.Side != exchange.SideBuy {
			t.Errorf("protective leg side = %s, want buy", c.Side)
		}
	}
}

func TestManager_OpenInsufficientBalance(t *testing.T) {
	f := newManagerFixture()
	f.exch.setBalance(0.5, 6.9)

	err := f.manager.Open(context.Background(), longSignal())
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Open() = %v, want ErrInsufficientBalance", err)
	}
	if f.store.State("ETHUSDT") != models.StateFlat {
		t.Errorf("state = %s, want FLAT", f.store.State("ETHUSDT"))
	}
	if f.exch.marketCount() != 0 {
		t.Error("no order must be placed")
	}
	if !contains(drain(f.notifs), models.NotificationTypeMargin) {
		t.Error("MARGIN notification expected")
	}
}

func TestManager_OpenBalanceError(t *testing.T) {
	f := newManagerFixture()
	f.exch.balanceErr = errExchangeDown

	if err := f.manager.Open(context.Background(), longSignal()); !IsTransientIO(err) {
		t.Fatalf("Open() = %v, want transient io error", err)
	}
	if !f.store.IsFlat("ETHUSDT") {
		t.Error("symbol must be released")
	}
}

func TestManager_OpenEntryFails(t *testing.T) {
	f := newManagerFixture()
	f.exch.marketErrs = []error{errExchangeDown}

	if err := f.manager.Open(context.Background(), longSignal()); !IsTransientIO(err) {
		t.Fatalf("Open() = %v, want transient io error", err)
	}
	if !f.store.IsFlat("ETHUSDT") {
		t.Error("symbol must be released")
	}
	if len(f.exch.conditionalCalls) != 0 {
		t.Error("no protection without entry")
	}
}

func TestManager_OpenProtectionFailsRollsBack(t *testing.T) {
	f := newManagerFixture()
	f.exch.setPrice("ETHUSDT", 100)
	f.exch.conditionalErr[exchange.OrderKindStopLoss] = errExchangeDown

	err := f.manager.Open(context.Background(), longSignal())
	if !errors.Is(err, ErrProtectionFailed) {
		t.Fatalf("Open() = %v, want ErrProtectionFailed", err)
	}

	if !f.store.IsFlat("ETHUSDT") {
		t.Errorf("state = %s, want FLAT", f.store.State("ETHUSDT"))
	}
	if f.exch.marketCount() != 2 {
		t.Fatalf("market calls = %d, want entry + compensate", f.exch.marketCount())
	}
	comp := f.exch.lastMarket()
	if !comp.ReduceOnly || comp.Side != exchange.SideSell || comp.Base != f.exch.marketCalls[0].Quote/100 {
		t.Errorf("compensating order = %+v", comp)
	}
	if len(f.exch.open["ETHUSDT"]) != 0 {
		t.Error("take profit leg must be cancelled")
	}
	if !contains(drain(f.notifs), models.NotificationTypeRollback) {
		t.Error("ROLLBACK notification expected")
	}
	if len(f.journal.byPurpose(models.OrderPurposeCompensate)) != 1 {
		t.Error("compensating order must be journaled")
	}
}

func TestManager_OpenCompensationFailsMarksError(t *testing.T) {
	f := newManagerFixture()
	f.exch.setPrice("ETHUSDT", 100)
	f.exch.conditionalErr[exchange.OrderKindTakeProfit] = errExchangeDown
	f.exch.marketErrs = []error{nil, errExchangeDown}

	err := f.manager.Open(context.Background(), longSignal())
	if !errors.Is(err, ErrProtectionFailed) || !errors.Is(err, errExchangeDown) {
		t.Fatalf("Open() = %v, want protection and close errors", err)
	}

	if f.store.State("ETHUSDT") != models.StateError {
		t.Fatalf("state = %s, want ERROR", f.store.State("ETHUSDT"))
	}
	if f.store.Position("ETHUSDT") == nil {
		t.Error("unprotected position must be kept for manual close")
	}
	if !contains(drain(f.notifs), models.NotificationTypeError) {
		t.Error("ERROR notification expected")
	}

	// в ERROR новые входы невозможны
	if err := f.manager.Open(context.Background(), longSignal()); !errors.Is(err, ErrPositionExists) {
		t.Errorf("Open() in ERROR = %v, want ErrPositionExists", err)
	}
}

func TestManager_OpenUsesTickerWithoutFillPrice(t *testing.T) {
	f := newManagerFixture()
	f.exch.setPrice("ETHUSDT", 100)
	f.exch.noFill = true

	if err := f.manager.Open(context.Background(), longSignal()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if pos := f.store.Position("ETHUSDT"); pos.EntryPrice != 100 {
		t.Errorf("entry price = %v, want ticker 100", pos.EntryPrice)
	}
}

func TestManager_OpenWithoutAnyPriceRollsBack(t *testing.T) {
	f := newManagerFixture()
	f.exch.setPrice("ETHUSDT", 100)
	f.exch.noFill = true
	f.exch.tickerErr = errExchangeDown

	if err := f.manager.Open(context.Background(), longSignal()); err == nil {
		t.Fatal("Open() without fill price must fail")
	}
	if !f.store.IsFlat("ETHUSDT") {
		t.Errorf("state = %s, want FLAT after rollback", f.store.State("ETHUSDT"))
	}
	if f.exch.marketCount() != 2 {
		t.Errorf("market calls = %d, want entry + compensate", f.exch.marketCount())
	}
}

func TestManager_OpenTwice(t *testing.T) {
	f := newManagerFixture()
	openLong(t, f)

	if err := f.manager.Open(context.Background(), longSignal()); !errors.Is(err, ErrPositionExists) {
		t.Errorf("second Open() = %v, want ErrPositionExists", err)
	}
	if f.exch.marketCount() != 1 {
		t.Errorf("market calls = %d, want 1", f.exch.marketCount())
	}
}

func TestManager_OpenBreakerTripped(t *testing.T) {
	f := newManagerFixture()
	f.risk.Evaluate(6.0)

	if err := f.manager.Open(context.Background(), longSignal()); !errors.Is(err, ErrCircuitBreakerTripped) {
		t.Fatalf("Open() = %v, want ErrCircuitBreakerTripped", err)
	}
	if !f.store.IsFlat("ETHUSDT") || f.exch.marketCount() != 0 {
		t.Error("breaker must block the entry before any order")
	}
}

func TestManager_MonitorInsideRange(t *testing.T) {
	f := newManagerFixture()
	openLong(t, f)
	f.exch.setPrice("ETHUSDT", 105)

	if err := f.manager.Monitor(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("Monitor() = %v", err)
	}
	if f.store.State("ETHUSDT") != models.StateOpen {
		t.Errorf("state = %s, want OPEN", f.store.State("ETHUSDT"))
	}
	if f.exch.marketCount() != 1 {
		t.Error("no exit order expected")
	}
}

func TestManager_MonitorStopLevelReached(t *testing.T) {
	f := newManagerFixture()
	openLong(t, f)
	f.exch.setPrice("ETHUSDT", 89)

	if err := f.manager.Monitor(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("Monitor() = %v", err)
	}
	if !f.store.IsFlat("ETHUSDT") {
		t.Fatalf("state = %s, want FLAT", f.store.State("ETHUSDT"))
	}
	exit := f.exch.lastMarket()
	if !exit.ReduceOnly || exit.Side != exchange.SideSell {
		t.Errorf("exit order = %+v", exit)
	}
	if len(f.exch.open["ETHUSDT"]) != 0 {
		t.Error("protective orders must be cancelled after exit")
	}
	if !contains(drain(f.notifs), models.NotificationTypeSL) {
		t.Error("SL notification expected")
	}
}

func TestManager_MonitorProtectiveFilled(t *testing.T) {
	f := newManagerFixture()
	openLong(t, f)
	f.exch.fill("ETHUSDT", exchange.OrderKindTakeProfit)

	if err := f.manager.Monitor(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("Monitor() = %v", err)
	}
	if !f.store.IsFlat("ETHUSDT") {
		t.Fatalf("state = %s, want FLAT", f.store.State("ETHUSDT"))
	}
	if len(f.exch.open["ETHUSDT"]) != 0 {
		t.Error("remaining stop loss must be cancelled")
	}
	if f.exch.marketCount() != 1 {
		t.Error("no market order when the exchange closed the position")
	}
	if !contains(drain(f.notifs), models.NotificationTypeTP) {
		t.Error("TP notification expected")
	}
}

func TestManager_MonitorSiblingCancelFails(t *testing.T) {
	f := newManagerFixture()
	openLong(t, f)
	f.exch.fill("ETHUSDT", exchange.OrderKindStopLoss)
	f.exch.cancelErr = errExchangeDown

	if err := f.manager.Monitor(context.Background(), "ETHUSDT"); !IsTransientIO(err) {
		t.Fatalf("Monitor() = %v, want transient io error", err)
	}
	if f.store.State("ETHUSDT") != models.StateOpen {
		t.Errorf("state = %s, want OPEN until the sibling is cancelled", f.store.State("ETHUSDT"))
	}
}

func TestManager_MonitorNoProtectiveOrders(t *testing.T) {
	f := newManagerFixture()
	openLong(t, f)
	f.exch.fill("ETHUSDT", exchange.OrderKindStopLoss)
	f.exch.fill("ETHUSDT", exchange.OrderKindTakeProfit)

	if err := f.manager.Monitor(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("Monitor() = %v", err)
	}
	if !f.store.IsFlat("ETHUSDT") {
		t.Errorf("state = %s, want FLAT", f.store.State("ETHUSDT"))
	}
	if !contains(drain(f.notifs), models.NotificationTypeClose) {
		t.Error("CLOSE notification expected")
	}
}

func TestManager_MonitorIOError(t *testing.T) {
	f := newManagerFixture()
	openLong(t, f)
	f.exch.openErr = errExchangeDown

	if err := f.manager.Monitor(context.Background(), "ETHUSDT"); !IsTransientIO(err) {
		t.Fatalf("Monitor() = %v, want transient io error", err)
	}
	if f.store.State("ETHUSDT") != models.StateOpen {
		t.Error("position must stay OPEN")
	}
}

func TestManager_MonitorFlatIsNoop(t *testing.T) {
	f := newManagerFixture()
	f.exch.openErr = errExchangeDown

	if err := f.manager.Monitor(context.Background(), "ETHUSDT"); err != nil {
		t.Errorf("Monitor() on FLAT = %v, want nil", err)
	}
}

func TestManager_CloseIdempotent(t *testing.T) {
	f := newManagerFixture()

	for i := 0; i < 2; i++ {
		if err := f.manager.Close(context.Background(), "ETHUSDT"); err != nil {
			t.Fatalf("Close() on FLAT = %v", err)
		}
	}
	if f.exch.marketCount() != 0 {
		t.Error("closing FLAT must not place orders")
	}
	if err := f.manager.Close(context.Background(), "XRPUSDT"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("Close(unknown) = %v, want ErrUnknownSymbol", err)
	}
}

func TestManager_CloseOpenPosition(t *testing.T) {
	f := newManagerFixture()
	openLong(t, f)
	f.exch.setPrice("ETHUSDT", 110)

	if err := f.manager.Close(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if !f.store.IsFlat("ETHUSDT") {
		t.Fatalf("state = %s, want FLAT", f.store.State("ETHUSDT"))
	}
	if len(f.exch.open["ETHUSDT"]) != 0 {
		t.Error("protective orders must be cancelled")
	}
	if len(f.journal.byPurpose(models.OrderPurposeExit)) != 1 {
		t.Error("exit must be journaled")
	}

	// повторное закрытие ничего не делает
	if err := f.manager.Close(context.Background(), "ETHUSDT"); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if f.exch.marketCount() != 2 {
		t.Errorf("market calls = %d, want entry + exit", f.exch.marketCount())
	}
}

func TestManager_CloseFailureKeepsPosition(t *testing.T) {
	f := newManagerFixture()
	openLong(t, f)
	f.exch.marketErrs = []error{errExchangeDown}

	if err := f.manager.Close(context.Background(), "ETHUSDT"); !IsTransientIO(err) {
		t.Fatalf("Close() = %v, want transient io error", err)
	}
	if f.store.State("ETHUSDT") != models.StateOpen {
		t.Errorf("state = %s, want OPEN", f.store.State("ETHUSDT"))
	}
	if len(f.exch.open["ETHUSDT"]) != 2 {
		t.Error("protective orders must stay while the position exists")
	}
}

// Мониторинг не закрывает символ, который уже закрывается вручную
func TestManager_SettleSkipsExitingSymbol(t *testing.T) {
	f := newManagerFixture()
	pos := openLong(t, f)

	if _, err := f.store.BeginExit("ETHUSDT"); err != nil {
		t.Fatal(err)
	}
	if err := f.manager.settle(pos, models.NotificationTypeTP, "protective order filled", 120); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("settle() while EXITING = %v, want ErrInvalidTransition", err)
	}
	if f.store.State("ETHUSDT") != models.StateExiting {
		t.Errorf("state = %s, want EXITING", f.store.State("ETHUSDT"))
	}
	if len(drain(f.notifs)) != 0 {
		t.Error("no close report while the manual exit owns the symbol")
	}
}

// Ручной выход после закрытия на бирже не отправляет рыночный ордер
func TestManager_ExitAfterSettleSendsNoOrder(t *testing.T) {
	f := newManagerFixture()
	pos := openLong(t, f)
	f.exch.fill("ETHUSDT", exchange.OrderKindStopLoss)
	f.exch.fill("ETHUSDT", exchange.OrderKindTakeProfit)

	if err := f.manager.Monitor(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("Monitor() = %v", err)
	}
	drain(f.notifs)

	if err := f.manager.exit(context.Background(), pos, models.NotificationTypeClose); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("exit() after settle = %v, want ErrInvalidTransition", err)
	}
	if f.exch.marketCount() != 1 {
		t.Errorf("market calls = %d, want entry only", f.exch.marketCount())
	}
	if err := f.manager.Close(context.Background(), "ETHUSDT"); err != nil {
		t.Errorf("Close() after settle = %v, want nil", err)
	}
}

func TestManager_CloseFromError(t *testing.T) {
	f := newManagerFixture()
	f.exch.setPrice("ETHUSDT", 100)
	f.exch.conditionalErr[exchange.OrderKindTakeProfit] = errExchangeDown
	f.exch.marketErrs = []error{nil, errExchangeDown}
	_ = f.manager.Open(context.Background(), longSignal())
	if f.store.State("ETHUSDT") != models.StateError {
		t.Fatalf("state = %s, want ERROR", f.store.State("ETHUSDT"))
	}

	if err := f.manager.Close(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("Close() from ERROR = %v", err)
	}
	if !f.store.IsFlat("ETHUSDT") {
		t.Errorf("state = %s, want FLAT", f.store.State("ETHUSDT"))
	}
}

// Поглощение и пересечение EMA50 на одной свече дают ровно один вход
func TestSignalToPosition_OpensOnce(t *testing.T) {
	f := newManagerFixture()
	f.exch.setPrice("ETHUSDT", 106)
	detector := NewSignalDetector(0)
	candles := engulfingAndCrossPair()

	sig := detector.Detect("ETHUSDT", candles, f.store.IsFlat)
	if sig == nil {
		t.Fatal("signal expected")
	}
	if err := f.manager.Open(context.Background(), sig); err != nil {
		t.Fatalf("Open() = %v", err)
	}

	if again := detector.Detect("ETHUSDT", candles, f.store.IsFlat); again != nil {
		t.Errorf("second Detect() = %+v, want nil with open position", again)
	}
	if f.exch.marketCount() != 1 {
		t.Errorf("entries = %d, want 1", f.exch.marketCount())
	}
}
