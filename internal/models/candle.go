package models

import "time"

// Candle - свеча OHLCV с рассчитанными индикаторами.
//
// Поля индикаторов равны nil, пока истории недостаточно для расчёта.
// После построения свеча не изменяется.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`

	EMA34  *float64 `json:"ema34,omitempty"`
	EMA50  *float64 `json:"ema50,omitempty"`
	EMA150 *float64 `json:"ema150,omitempty"`
	EMA200 *float64 `json:"ema200,omitempty"`
	RSI14  *float64 `json:"rsi14,omitempty"`
}

// IsBullish - свеча закрылась выше открытия
func (c Candle) IsBullish() bool {
	return c.Close > c.Open
}

// IsBearish - свеча закрылась ниже открытия
func (c Candle) IsBearish() bool {
	return c.Close < c.Open
}
