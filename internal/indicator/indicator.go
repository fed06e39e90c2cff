// Package indicator рассчитывает технические индикаторы по закрытиям свечей.
//
// Все функции чистые и детерминированные: на недостаточной истории
// возвращается ряд из nil той же длины, что и вход.
package indicator

import "trendbot/internal/models"

// Периоды индикаторов стратегии
const (
	PeriodEMA34  = 34
	PeriodEMA50  = 50
	PeriodEMA150 = 150
	PeriodEMA200 = 200
	PeriodRSI    = 14
)

// Series - ряд значений индикатора, выровненный по индексам свечей
type Series []*float64

// At возвращает значение и признак его наличия
func (s Series) At(i int) (float64, bool) {
	if i < 0 || i >= len(s) || s[i] == nil {
		return 0, false
	}
	return *s[i], true
}

// Last возвращает последнее значение ряда
func (s Series) Last() (float64, bool) {
	return s.At(len(s) - 1)
}

// Closes извлекает цены закрытия
func Closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Attach возвращает копию свечей с заполненными EMA34/50/150/200 и RSI14.
// Входной срез не изменяется.
func Attach(candles []models.Candle) []models.Candle {
	closes := Closes(candles)

	ema34 := EMA(closes, PeriodEMA34)
	ema50 := EMA(closes, PeriodEMA50)
	ema150 := EMA(closes, PeriodEMA150)
	ema200 := EMA(closes, PeriodEMA200)
	rsi14 := RSI(closes, PeriodRSI)

	out := make([]models.Candle, len(candles))
	for i, c := range candles {
		c.EMA34 = ema34[i]
		c.EMA50 = ema50[i]
		c.EMA150 = ema150[i]
		c.EMA200 = ema200[i]
		c.RSI14 = rsi14[i]
		out[i] = c
	}
	return out
}

func ptr(v float64) *float64 {
	return &v
}
