package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"trendbot/internal/config"
	"trendbot/internal/exchange"
	"trendbot/internal/indicator"
	"trendbot/internal/models"
	"trendbot/pkg/utils"
)

var (
	// ErrAlreadyRunning - цикл уже запущен
	ErrAlreadyRunning = errors.New("trading loop already running")

	// ErrNotRunning - цикл не запущен
	ErrNotRunning = errors.New("trading loop is not running")
)

// WebSocketHub - получатель снимков состояния после каждого прохода.
// Реализуется пакетом internal/websocket.
type WebSocketHub interface {
	BroadcastStatus(status *Status)
}

// Status - снимок состояния бота для API и UI
type Status struct {
	Running       bool                   `json:"running"`
	StopRequested bool                   `json:"stop_requested"`
	Exchange      string                 `json:"exchange"`
	Passes        int64                  `json:"passes"`
	LastPassAt    *time.Time             `json:"last_pass_at,omitempty"`
	Risk          RiskState              `json:"risk"`
	Symbols       []models.SymbolRuntime `json:"symbols"`
}

// Engine - планировщик торгового цикла.
//
// Один проход - все символы по порядку конфигурации. Для каждого символа:
// проверка автомата, свечи, индикаторы, сигнал, вход, мониторинг ордеров.
// Флаг остановки проверяется только между проходами: начатый проход
// всегда доводится до конца. Между проходами - пауза CycleInterval.
type Engine struct {
	cfg      config.TradingConfig
	exchName string

	orders   *OrderExecutor
	manager  *Manager
	risk     *RiskController
	detector *SignalDetector
	store    *PositionStore

	notifCh chan *models.Notification
	wsHub   WebSocketHub
	log     *utils.Logger

	// runMu упорядочивает запуск цикла и его выход на границе прохода
	runMu         sync.Mutex
	running       int32
	stopRequested int32
	wake          chan struct{}
	done          chan struct{}

	passes     int64
	lastPassAt atomic.Value // time.Time
}

// NewEngine создаёт движок поверх шлюза биржи
func NewEngine(cfg config.TradingConfig, exch exchange.Exchange, journal OrderJournal, wsHub WebSocketHub, log *utils.Logger) *Engine {
	if log == nil {
		log = utils.L()
	}
	log = log.WithComponent("engine")

	notifCh := make(chan *models.Notification, 256)
	store := NewPositionStore(cfg.Symbols)
	risk := NewRiskController(cfg)
	orders := NewOrderExecutor(exch, journal, cfg.RequestTimeout, cfg.CloseRetries, log)

	return &Engine{
		cfg:      cfg,
		exchName: exch.GetName(),
		orders:   orders,
		manager:  NewManager(store, risk, orders, notifCh, log),
		risk:     risk,
		detector: NewSignalDetector(cfg.SignalLookback),
		store:    store,
		notifCh:  notifCh,
		wsHub:    wsHub,
		log:      log,
		wake:     make(chan struct{}, 1),
	}
}

// Notifications - поток уведомлений для сохранения и рассылки
func (e *Engine) Notifications() <-chan *models.Notification {
	return e.notifCh
}

// Start запускает цикл. Повторный запуск работающего цикла не создаёт
// второй цикл; отложенная остановка при этом отменяется.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if atomic.LoadInt32(&e.running) == 1 {
		if atomic.CompareAndSwapInt32(&e.stopRequested, 1, 0) {
			// сигнал от Stop не должен сократить паузу после прохода
			select {
			case <-e.wake:
			default:
			}
			e.log.Info("pending stop cancelled")
			return nil
		}
		return ErrAlreadyRunning
	}

	atomic.StoreInt32(&e.stopRequested, 0)
	atomic.StoreInt32(&e.running, 1)
	e.done = make(chan struct{})
	SetEngineRunning(true)

	e.notify(models.NotificationTypeEngine, models.SeverityInfo, "Trading loop started")
	go e.loop(ctx, e.done)
	return nil
}

// Stop запрашивает остановку. Текущий проход завершается, новый не начинается.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if atomic.LoadInt32(&e.running) == 0 {
		return ErrNotRunning
	}
	if atomic.CompareAndSwapInt32(&e.stopRequested, 0, 1) {
		e.log.Info("stop requested, finishing current pass")
	}

	// прерываем паузу между проходами
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Wait блокируется до завершения цикла
func (e *Engine) Wait() {
	e.runMu.Lock()
	done := e.done
	e.runMu.Unlock()
	if done != nil {
		<-done
	}
}

// IsRunning - цикл запущен
func (e *Engine) IsRunning() bool {
	return atomic.LoadInt32(&e.running) == 1
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if e.exitAtBoundary(ctx) {
			return
		}

		e.RunPass(ctx)

		if e.exitAtBoundary(ctx) {
			return
		}

		timer := time.NewTimer(e.cfg.CycleInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// exitAtBoundary проверяет остановку между проходами
func (e *Engine) exitAtBoundary(ctx context.Context) bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if ctx.Err() == nil && atomic.LoadInt32(&e.stopRequested) == 0 {
		return false
	}

	atomic.StoreInt32(&e.stopRequested, 0)
	atomic.StoreInt32(&e.running, 0)
	SetEngineRunning(false)

	// сигнал пробуждения мог остаться от Stop
	select {
	case <-e.wake:
	default:
	}

	e.log.Info("trading loop stopped", utils.Int64("passes", atomic.LoadInt64(&e.passes)))
	e.notify(models.NotificationTypeEngine, models.SeverityInfo, "Trading loop stopped")
	return true
}

// RunPass выполняет один проход по всем символам
func (e *Engine) RunPass(ctx context.Context) {
	start := time.Now()

	for _, symbol := range e.store.Symbols() {
		if ctx.Err() != nil {
			return
		}
		e.processSymbol(ctx, symbol)
	}

	atomic.AddInt64(&e.passes, 1)
	e.lastPassAt.Store(time.Now())
	RecordPass(time.Since(start))
	SetSymbolStates(e.store.CountByState())

	if e.wsHub != nil {
		e.wsHub.BroadcastStatus(e.Status())
	}
}

// processSymbol обрабатывает один символ. Паника не выходит за его пределы.
func (e *Engine) processSymbol(ctx context.Context, symbol string) {
	log := e.log.WithSymbol(symbol)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing symbol", zap.Any("panic", r), zap.Stack("stack"))
			RecordSymbolError(symbol, "panic")
			e.store.SetLastError(symbol, fmt.Errorf("panic: %v", r))
		}
	}()

	monitorOnly := !e.checkBreaker(ctx, symbol, log)

	if err := e.evaluate(ctx, symbol, monitorOnly, log); err != nil {
		e.handleError(symbol, err, log)
		return
	}

	if err := e.manager.Monitor(ctx, symbol); err != nil {
		e.handleError(symbol, err, log)
		return
	}
	e.store.SetLastError(symbol, nil)
}

// checkBreaker обновляет баланс и автомат. Возвращает true, если новые
// входы разрешены.
func (e *Engine) checkBreaker(ctx context.Context, symbol string, log *utils.Logger) bool {
	bal, err := e.orders.Balance(ctx)
	if err != nil {
		// без баланса автомат не проверить: символ только мониторится
		log.Error("balance unavailable, entries skipped", utils.Err(err))
		RecordSymbolError(symbol, "io")
		return false
	}
	SetBalance(bal.Free, bal.Total)

	if e.risk.Evaluate(bal.Total) {
		log.Error("CIRCUIT BREAKER TRIPPED, new entries disabled",
			utils.Float64("total", bal.Total), utils.Float64("threshold", e.risk.Threshold()))
		e.notify(models.NotificationTypeBreaker, models.SeverityError,
			fmt.Sprintf("Circuit breaker tripped: balance %.4f USDT below %.4f USDT", bal.Total, e.risk.Threshold()))
	}
	SetCircuitBreaker(e.risk.Tripped())
	return !e.risk.Tripped()
}

// evaluate: свечи -> индикаторы -> сигнал -> вход
func (e *Engine) evaluate(ctx context.Context, symbol string, monitorOnly bool, log *utils.Logger) error {
	candles, err := e.orders.Candles(ctx, symbol, e.cfg.CandleInterval, e.cfg.CandleLimit)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		log.Warn("no candles received")
		return nil
	}

	candles = indicator.Attach(candles)
	last := candles[len(candles)-1]
	e.store.UpdateMarket(symbol, last)
	e.logInfoLine(log, symbol, last)

	if monitorOnly {
		return nil
	}

	sig := e.detector.Detect(symbol, candles, e.store.IsFlat)
	if sig == nil {
		return nil
	}

	RecordSignal(symbol, sig.Rule, sig.Side)
	e.store.SetLastSignal(symbol, fmt.Sprintf("%s %s @ %s", sig.Rule, sig.Side, sig.CandleTime.UTC().Format(time.RFC3339)))
	log.Info("entry signal", utils.Rule(sig.Rule), utils.Side(sig.Side), utils.Price(sig.ReferenceClose))

	return e.manager.Open(ctx, sig)
}

// logInfoLine - строка торговой информации по символу
func (e *Engine) logInfoLine(log *utils.Logger, symbol string, c models.Candle) {
	fields := []utils.Field{
		utils.State(e.store.State(symbol)),
		utils.Float64("close", c.Close),
	}
	if c.EMA34 != nil {
		fields = append(fields, utils.Float64("ema34", *c.EMA34))
	}
	if c.EMA50 != nil {
		fields = append(fields, utils.Float64("ema50", *c.EMA50))
	}
	if c.RSI14 != nil {
		fields = append(fields, utils.Float64("rsi14", *c.RSI14))
	}
	log.Info("trading info", fields...)
}

// handleError логирует ошибку символа с уровнем по её виду
func (e *Engine) handleError(symbol string, err error, log *utils.Logger) {
	kind := classifyError(err)
	RecordSymbolError(symbol, kind)

	switch kind {
	case "balance":
		log.Warn("insufficient balance", utils.Err(err))
	case "busy":
		log.Debug("symbol busy", utils.Err(err))
		return
	case "breaker":
		log.Warn("entry blocked by circuit breaker")
		return
	default:
		log.Error("symbol processing failed", utils.String("kind", kind), utils.Err(err))
	}
	e.store.SetLastError(symbol, err)
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "balance"
	case errors.Is(err, ErrPositionExists), errors.Is(err, ErrInvalidTransition):
		return "busy"
	case errors.Is(err, ErrCircuitBreakerTripped):
		return "breaker"
	case utils.IsValidationError(err):
		return "validation"
	case IsTransientIO(err):
		return "io"
	default:
		return "other"
	}
}

// ReportBalance логирует баланс счёта при запуске
func (e *Engine) ReportBalance(ctx context.Context) (*exchange.Balance, error) {
	bal, err := e.orders.Balance(ctx)
	if err != nil {
		return nil, err
	}
	SetBalance(bal.Free, bal.Total)

	e.log.Info("account balance",
		utils.Exchange(e.exchName),
		utils.Float64("free", bal.Free),
		utils.Float64("total", bal.Total),
		utils.Float64("configured", e.cfg.AccountBalance),
		utils.Float64("trade_margin", e.risk.TradeMargin()),
	)
	if bal.Total < e.cfg.AccountBalance {
		e.log.Warn("account balance below configured ACCOUNT_BALANCE",
			utils.Float64("total", bal.Total), utils.Float64("configured", e.cfg.AccountBalance))
	}
	return bal, nil
}

// ClosePosition закрывает позицию по символу вручную
func (e *Engine) ClosePosition(ctx context.Context, symbol string) error {
	return e.manager.Close(ctx, symbol)
}

// Positions возвращает открытые позиции
func (e *Engine) Positions() []*models.Position {
	return e.store.OpenPositions()
}

// Status возвращает снимок состояния
func (e *Engine) Status() *Status {
	st := &Status{
		Running:       e.IsRunning(),
		StopRequested: atomic.LoadInt32(&e.stopRequested) == 1,
		Exchange:      e.exchName,
		Passes:        atomic.LoadInt64(&e.passes),
		Risk:          e.risk.State(),
		Symbols:       e.store.Snapshot(),
	}
	if t, ok := e.lastPassAt.Load().(time.Time); ok {
		st.LastPassAt = &t
	}
	return st
}

// Symbol возвращает состояние одного символа
func (e *Engine) Symbol(symbol string) (models.SymbolRuntime, bool) {
	return e.store.Runtime(symbol)
}

func (e *Engine) notify(typ, severity, message string) {
	tryEnqueueNotification(e.notifCh, newNotification(typ, severity, "", "%s", message))
}
