package exchange

import (
	"context"
	"time"

	"trendbot/internal/models"
)

// Exchange - шлюз к бирже, которым пользуется торговое ядро.
// Все методы с context учитывают его отмену и таймаут.
type Exchange interface {
	// GetName возвращает имя биржи
	GetName() string

	// Connect проверяет доступ к API и загружает параметры контрактов
	Connect(ctx context.Context) error

	// GetCandles получает свечи в хронологическом порядке
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)

	// GetBalance получает свободный и общий баланс фьючерсного счёта в USDT
	GetBalance(ctx context.Context) (*Balance, error)

	// GetTicker получает текущую цену актива
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// PlaceMarketOrder размещает рыночный ордер
	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*Order, error)

	// PlaceConditionalOrder размещает стоп-лосс или тейк-профит с триггером
	PlaceConditionalOrder(ctx context.Context, req ConditionalOrderRequest) (*Order, error)

	// GetOpenOrders получает активные условные ордера по символу
	GetOpenOrders(ctx context.Context, symbol string) ([]*OpenOrder, error)

	// CancelOrder отменяет условный ордер
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// Close закрывает соединения с биржей
	Close() error
}

// Balance - баланс счёта
type Balance struct {
	Free  float64 `json:"free"`  // доступно для новых позиций
	Total float64 `json:"total"` // капитал с учётом открытых позиций
}

// Ticker содержит информацию о текущей цене
type Ticker struct {
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketOrderRequest - рыночный ордер. Размер задаётся либо в валюте
// котировки (Quote), либо в базовой валюте (Base).
type MarketOrderRequest struct {
	Symbol     string
	Side       string // buy, sell
	Quote      float64
	Base       float64
	ReduceOnly bool
	ClientID   string
}

// ConditionalOrderRequest - защитный ордер с ценой срабатывания
type ConditionalOrderRequest struct {
	Symbol       string
	Kind         string // stop_loss, take_profit
	Side         string // сторона закрытия позиции
	Amount       float64
	TriggerPrice float64
}

// Order представляет ордер
type Order struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id,omitempty"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"` // buy, sell
	Type         string    `json:"type"` // market, stop_loss, take_profit
	Quantity     float64   `json:"quantity"`
	FilledQty    float64   `json:"filled_qty"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	TriggerPrice float64   `json:"trigger_price,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// OpenOrder - активный ордер на бирже
type OpenOrder struct {
	ID     string  `json:"id"`
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Type   string  `json:"type"`
	Price  float64 `json:"price"` // цена триггера
	Amount float64 `json:"amount"`
}

// ExchangeError представляет ошибку от биржи
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return e.Exchange + ": [" + e.Code + "] " + e.Message
	}
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Стороны ордеров
const (
	SideBuy  = "buy"  // покупка (открытие long или закрытие short)
	SideSell = "sell" // продажа (открытие short или закрытие long)
)

// Типы ордеров
const (
	OrderTypeMarket     = "market"
	OrderKindStopLoss   = "stop_loss"
	OrderKindTakeProfit = "take_profit"
)

// Статусы ордеров
const (
	OrderStatusNew       = "new"
	OrderStatusFilled    = "filled"
	OrderStatusPartial   = "partial"
	OrderStatusCancelled = "cancelled"
)

// OppositeSide возвращает противоположную сторону ордера
func OppositeSide(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}
