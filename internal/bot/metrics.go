package bot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового цикла
// ============================================================
//
// Экспортируются на /metrics HTTP сервера управления.

// ============ Метрики латентности ============

// OrderExecutionLatency - время исполнения рыночного ордера на бирже
var OrderExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "trendbot",
		Subsystem: "trading",
		Name:      "order_execution_latency_ms",
		Help:      "Time to execute market order on exchange in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"exchange", "side"},
)

// PassDuration - длительность прохода по символам
var PassDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "trendbot",
		Subsystem: "scheduler",
		Name:      "pass_duration_seconds",
		Help:      "Duration of one pass over all symbols",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	},
)

// ============ Счётчики событий ============

// PassesTotal - количество завершённых проходов
var PassesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "trendbot",
		Subsystem: "scheduler",
		Name:      "passes_total",
		Help:      "Total number of completed passes",
	},
)

// SignalsDetected - найденные сигналы входа
var SignalsDetected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trendbot",
		Subsystem: "trading",
		Name:      "signals_total",
		Help:      "Entry signals detected",
	},
	[]string{"symbol", "rule", "side"},
)

// TradesTotal - исходы операций с позициями
var TradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trendbot",
		Subsystem: "trading",
		Name:      "trades_total",
		Help:      "Total number of trade outcomes",
	},
	[]string{"symbol", "result"}, // opened, closed, rejected, failed, rollback, error, close_failed
)

// SymbolErrors - ошибки обработки символа
var SymbolErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trendbot",
		Subsystem: "scheduler",
		Name:      "symbol_errors_total",
		Help:      "Errors while processing a symbol",
	},
	[]string{"symbol", "kind"}, // io, balance, validation, panic, other
)

// PnlTotal - суммарный оценочный PNL закрытых позиций в USDT
var PnlTotal = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "trendbot",
		Subsystem: "trading",
		Name:      "pnl_total_usdt",
		Help:      "Estimated realized PnL of closed positions in USDT",
	},
)

// BufferOverflows - переполнения буферов каналов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trendbot",
		Subsystem: "runtime",
		Name:      "buffer_overflows_total",
		Help:      "Number of channel buffer overflows (events dropped)",
	},
	[]string{"buffer"},
)

// ============ Метрики состояния ============

// SymbolStates - количество символов по состояниям
var SymbolStates = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "trendbot",
		Subsystem: "trading",
		Name:      "symbols",
		Help:      "Number of symbols by state",
	},
	[]string{"state"},
)

// AccountBalance - баланс счёта
var AccountBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "trendbot",
		Subsystem: "exchange",
		Name:      "balance_usdt",
		Help:      "Account balance in USDT",
	},
	[]string{"kind"}, // free, total
)

// CircuitBreaker - 1 если автомат сработал
var CircuitBreaker = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "trendbot",
		Subsystem: "risk",
		Name:      "circuit_breaker_tripped",
		Help:      "Circuit breaker state (1=tripped)",
	},
)

// EngineRunning - 1 если торговый цикл запущен
var EngineRunning = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "trendbot",
		Subsystem: "scheduler",
		Name:      "running",
		Help:      "Trading loop state (1=running)",
	},
)

// ============ Хелперы ============

// RecordOrderLatency записывает время исполнения ордера
func RecordOrderLatency(exchange, side string, d time.Duration) {
	OrderExecutionLatency.WithLabelValues(exchange, side).Observe(float64(d.Microseconds()) / 1000)
}

// RecordPass записывает завершённый проход
func RecordPass(d time.Duration) {
	PassesTotal.Inc()
	PassDuration.Observe(d.Seconds())
}

// RecordSignal записывает найденный сигнал
func RecordSignal(symbol, rule, side string) {
	SignalsDetected.WithLabelValues(symbol, rule, side).Inc()
}

// RecordTrade записывает исход операции с позицией
func RecordTrade(symbol, result string) {
	TradesTotal.WithLabelValues(symbol, result).Inc()
}

// RecordSymbolError записывает ошибку обработки символа
func RecordSymbolError(symbol, kind string) {
	SymbolErrors.WithLabelValues(symbol, kind).Inc()
}

// RecordPnl добавляет PNL закрытой позиции
func RecordPnl(pnl float64) {
	PnlTotal.Add(pnl)
}

// RecordBufferOverflow записывает переполнение буфера
func RecordBufferOverflow(buffer string) {
	BufferOverflows.WithLabelValues(buffer).Inc()
}

// SetSymbolStates обновляет распределение символов по состояниям
func SetSymbolStates(counts map[string]int) {
	for state, n := range counts {
		SymbolStates.WithLabelValues(state).Set(float64(n))
	}
}

// SetBalance обновляет баланс счёта
func SetBalance(free, total float64) {
	AccountBalance.WithLabelValues("free").Set(free)
	AccountBalance.WithLabelValues("total").Set(total)
}

// SetCircuitBreaker обновляет состояние автомата
func SetCircuitBreaker(tripped bool) {
	CircuitBreaker.Set(boolToFloat(tripped))
}

// SetEngineRunning обновляет состояние цикла
func SetEngineRunning(running bool) {
	EngineRunning.Set(boolToFloat(running))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
