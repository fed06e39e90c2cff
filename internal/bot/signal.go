package bot

import (
	"time"

	"trendbot/internal/models"
)

// Правила входа
const (
	RuleEngulfing = "engulfing"
	RuleEMA50     = "ema50_cross"
)

// Пороги RSI: выше overbought лонг не открываем, ниже oversold - шорт
const (
	RSIOverbought = 70.0
	RSIOversold   = 30.0
)

// Signal - решение открыть позицию
type Signal struct {
	Symbol         string
	Side           string // long, short
	Rule           string
	ReferenceClose float64 // закрытие свечи сигнала, база для размера шорта
	CandleTime     time.Time
}

// FlatProbe сообщает, нет ли сейчас позиции по символу
type FlatProbe func(symbol string) bool

// SignalDetector ищет сигналы входа по свечам с индикаторами.
//
// Пары соседних свечей проверяются по порядку. Для каждой пары сначала
// поглощение, затем пересечение EMA50. Перед каждым правилом заново
// спрашивается, свободен ли символ. Возвращается не больше одного сигнала.
type SignalDetector struct {
	lookback int // 0 - вся история
}

// NewSignalDetector создаёт детектор. lookback - число последних пар свечей.
func NewSignalDetector(lookback int) *SignalDetector {
	if lookback < 0 {
		lookback = 0
	}
	return &SignalDetector{lookback: lookback}
}

// Detect возвращает первый найденный сигнал или nil
func (d *SignalDetector) Detect(symbol string, candles []models.Candle, isFlat FlatProbe) *Signal {
	if len(candles) < 2 {
		return nil
	}

	start := 1
	if d.lookback > 0 && len(candles)-d.lookback > start {
		start = len(candles) - d.lookback
	}

	for i := start; i < len(candles); i++ {
		prev, curr := candles[i-1], candles[i]

		if !isFlat(symbol) {
			return nil
		}
		if side, ok := Engulfing(prev, curr); ok {
			return newSignal(symbol, side, RuleEngulfing, curr)
		}

		if !isFlat(symbol) {
			return nil
		}
		if side, ok := EMA50Cross(prev, curr); ok {
			return newSignal(symbol, side, RuleEMA50, curr)
		}
	}
	return nil
}

func newSignal(symbol, side, rule string, c models.Candle) *Signal {
	return &Signal{
		Symbol:         symbol,
		Side:           side,
		Rule:           rule,
		ReferenceClose: c.Close,
		CandleTime:     c.Timestamp,
	}
}

// IsBullishEngulfing: медвежья свеча поглощена бычьей
func IsBullishEngulfing(prev, curr models.Candle) bool {
	return prev.IsBearish() && curr.IsBullish() &&
		curr.Close > prev.Open && curr.Open < prev.Close
}

// IsBearishEngulfing: бычья свеча поглощена медвежьей
func IsBearishEngulfing(prev, curr models.Candle) bool {
	return prev.IsBullish() && curr.IsBearish() &&
		curr.Close < prev.Open && curr.Open > prev.Close
}

// Engulfing - поглощение с фильтрами EMA34 и RSI14
func Engulfing(prev, curr models.Candle) (string, bool) {
	if curr.EMA34 == nil || curr.RSI14 == nil {
		return "", false
	}
	ema, rsi := *curr.EMA34, *curr.RSI14

	if IsBullishEngulfing(prev, curr) && curr.Close > ema && rsi < RSIOverbought {
		return models.SideLong, true
	}
	if IsBearishEngulfing(prev, curr) && curr.Close < ema && rsi > RSIOversold {
		return models.SideShort, true
	}
	return "", false
}

// EMA50Cross - цена пересекла EMA50.
// Лонг: EMA50 была ниже закрытия, стала выше. Шорт - наоборот.
func EMA50Cross(prev, curr models.Candle) (string, bool) {
	if prev.EMA50 == nil || curr.EMA50 == nil || curr.RSI14 == nil {
		return "", false
	}
	prevEMA, currEMA, rsi := *prev.EMA50, *curr.EMA50, *curr.RSI14

	if prevEMA < prev.Close && currEMA > curr.Close && rsi < RSIOverbought {
		return models.SideLong, true
	}
	if prevEMA > prev.Close && currEMA < curr.Close && rsi > RSIOversold {
		return models.SideShort, true
	}
	return "", false
}
