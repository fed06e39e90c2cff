package models

import "time"

// OrderRecord - запись журнала ордеров (только для аудита, не читается ботом)
type OrderRecord struct {
	ID              int       `json:"id" db:"id"`
	Symbol          string    `json:"symbol" db:"symbol"`
	Exchange        string    `json:"exchange" db:"exchange"`
	ExchangeOrderID string    `json:"exchange_order_id" db:"exchange_order_id"`
	Side            string    `json:"side" db:"side"` // buy, sell
	Type            string    `json:"type" db:"type"` // market, stop_loss, take_profit
	Purpose         string    `json:"purpose" db:"purpose"`
	Quantity        float64   `json:"quantity" db:"quantity"`
	Price           float64   `json:"price" db:"price"` // средняя цена или цена триггера
	ReduceOnly      bool      `json:"reduce_only" db:"reduce_only"`
	Status          string    `json:"status" db:"status"`
	ErrorMessage    string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Назначение ордера
const (
	OrderPurposeEntry      = "entry"
	OrderPurposeProtect    = "protect"
	OrderPurposeExit       = "exit"
	OrderPurposeCompensate = "compensate"
	OrderPurposeCancel     = "cancel"
)

// Статусы ордера
const (
	OrderStatusPlaced    = "placed"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)
