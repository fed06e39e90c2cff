package models

import "time"

// SymbolRuntime - runtime состояние символа для API и UI
type SymbolRuntime struct {
	Symbol     string    `json:"symbol"`
	State      string    `json:"state"` // FLAT, ENTERING, OPEN, EXITING, ERROR
	Position   *Position `json:"position,omitempty"`
	LastClose  float64   `json:"last_close"`
	EMA34      *float64  `json:"ema34,omitempty"`
	EMA50      *float64  `json:"ema50,omitempty"`
	RSI14      *float64  `json:"rsi14,omitempty"`
	LastSignal string    `json:"last_signal,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Состояния символа (state machine)
const (
	StateFlat     = "FLAT"     // позиции нет, ожидание сигнала
	StateEntering = "ENTERING" // вход и выставление защитных ордеров
	StateOpen     = "OPEN"     // позиция открыта и защищена
	StateExiting  = "EXITING"  // закрытие позиции
	StateError    = "ERROR"    // компенсирующее закрытие не удалось, нужно ручное закрытие
)
