package bot

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"trendbot/internal/config"
	"trendbot/internal/models"
)

// RiskState - параметры риска и состояние автомата
type RiskState struct {
	InitialBalance         float64 `json:"initial_balance"`
	MarginFraction         float64 `json:"margin_fraction"`
	StopLossPct            float64 `json:"stop_loss_pct"`
	TakeProfitPct          float64 `json:"take_profit_pct"`
	GlobalStopLossFraction float64 `json:"global_stop_loss"`
	CircuitBreakerTripped  bool    `json:"circuit_breaker_tripped"`
	TradeMargin            float64 `json:"trade_margin"`
	Threshold              float64 `json:"threshold"`
	LastTotal              float64 `json:"last_total"`
}

// Levels - цены защитных ордеров
type Levels struct {
	StopLoss   float64
	TakeProfit float64
}

// RiskController - расчёт маржи, защитных уровней и глобальный автомат.
//
// Автомат срабатывает, когда общий баланс опускается ниже
// InitialBalance*(1-GlobalStopLoss), и больше не сбрасывается.
// Суммы считаются в decimal: 6.9*0.9 во float64 даёт 6.2100000000000009.
type RiskController struct {
	initialBalance decimal.Decimal
	marginFraction decimal.Decimal
	stopLossPct    decimal.Decimal
	takeProfitPct  decimal.Decimal
	globalStopLoss decimal.Decimal

	margin    decimal.Decimal
	threshold decimal.Decimal

	tripped int32

	mu        sync.RWMutex
	lastTotal float64
}

// NewRiskController создаёт контроллер по параметрам торговли
func NewRiskController(cfg config.TradingConfig) *RiskController {
	rc := &RiskController{
		initialBalance: decimal.NewFromFloat(cfg.AccountBalance),
		marginFraction: decimal.NewFromFloat(cfg.MarginFraction),
		stopLossPct:    decimal.NewFromFloat(cfg.StopLossPct),
		takeProfitPct:  decimal.NewFromFloat(cfg.TakeProfitPct),
		globalStopLoss: decimal.NewFromFloat(cfg.GlobalStopLoss),
	}
	rc.margin = rc.initialBalance.Mul(rc.marginFraction)
	rc.threshold = rc.initialBalance.Mul(decimal.NewFromInt(1).Sub(rc.globalStopLoss))
	return rc
}

// TradeMargin - маржа одной сделки
func (rc *RiskController) TradeMargin() float64 {
	return rc.margin.InexactFloat64()
}

// CheckMargin отклоняет вход, если свободных средств меньше маржи сделки
func (rc *RiskController) CheckMargin(free float64) error {
	if decimal.NewFromFloat(free).LessThan(rc.margin) {
		return fmt.Errorf("%w: free %.4f < margin %s", ErrInsufficientBalance, free, rc.margin.String())
	}
	return nil
}

// Levels рассчитывает стоп-лосс и тейк-профит от цены входа
func (rc *RiskController) Levels(side string, entry float64) Levels {
	e := decimal.NewFromFloat(entry)
	one := decimal.NewFromInt(1)

	if side == models.SideShort {
		return Levels{
			StopLoss:   e.Mul(one.Add(rc.stopLossPct)).InexactFloat64(),
			TakeProfit: e.Mul(one.Sub(rc.takeProfitPct)).InexactFloat64(),
		}
	}
	return Levels{
		StopLoss:   e.Mul(one.Sub(rc.stopLossPct)).InexactFloat64(),
		TakeProfit: e.Mul(one.Add(rc.takeProfitPct)).InexactFloat64(),
	}
}

// ExitTriggered - цена достигла одного из защитных уровней
func ExitTriggered(side string, price float64, lv Levels) bool {
	if side == models.SideShort {
		return price >= lv.StopLoss || price <= lv.TakeProfit
	}
	return price <= lv.StopLoss || price >= lv.TakeProfit
}

// Threshold - общий баланс, ниже которого срабатывает автомат
func (rc *RiskController) Threshold() float64 {
	return rc.threshold.InexactFloat64()
}

// Evaluate проверяет общий баланс. Возвращает true, если автомат
// сработал именно на этой проверке.
func (rc *RiskController) Evaluate(total float64) bool {
	rc.mu.Lock()
	rc.lastTotal = total
	rc.mu.Unlock()

	if !decimal.NewFromFloat(total).LessThan(rc.threshold) {
		return false
	}
	return atomic.CompareAndSwapInt32(&rc.tripped, 0, 1)
}

// Tripped - автомат сработал
func (rc *RiskController) Tripped() bool {
	return atomic.LoadInt32(&rc.tripped) == 1
}

// State возвращает снимок параметров и состояния автомата
func (rc *RiskController) State() RiskState {
	rc.mu.RLock()
	last := rc.lastTotal
	rc.mu.RUnlock()

	return RiskState{
		InitialBalance:         rc.initialBalance.InexactFloat64(),
		MarginFraction:         rc.marginFraction.InexactFloat64(),
		StopLossPct:            rc.stopLossPct.InexactFloat64(),
		TakeProfitPct:          rc.takeProfitPct.InexactFloat64(),
		GlobalStopLossFraction: rc.globalStopLoss.InexactFloat64(),
		CircuitBreakerTripped:  rc.Tripped(),
		TradeMargin:            rc.TradeMargin(),
		Threshold:              rc.Threshold(),
		LastTotal:              last,
	}
}
