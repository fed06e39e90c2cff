package websocket

import (
	"time"

	"trendbot/internal/bot"
	"trendbot/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeStatus - снимок состояния бота.
	// Отправляется после каждого прохода торгового цикла.
	MessageTypeStatus MessageType = "statusUpdate"

	// MessageTypeNotification - новое уведомление
	// (открытие, закрытие, SL/TP, откат, ошибки, глобальный стоп)
	MessageTypeNotification MessageType = "notification"

	// MessageTypeBalanceUpdate - баланс счёта
	MessageTypeBalanceUpdate MessageType = "balanceUpdate"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusMessage - состояние цикла, риск-контроля и всех символов
type StatusMessage struct {
	BaseMessage
	Data *StatusData `json:"data"`
}

// StatusData - данные снимка
type StatusData struct {
	Running       bool         `json:"running"`
	StopRequested bool         `json:"stop_requested"`
	Passes        int64        `json:"passes"`
	Breaker       bool         `json:"circuit_breaker"`
	Symbols       []SymbolData `json:"symbols"`
}

// SymbolData - состояние одного символа
type SymbolData struct {
	Symbol    string   `json:"symbol"`
	State     string   `json:"state"`
	LastClose float64  `json:"last_close"`
	EMA34     *float64 `json:"ema34,omitempty"`
	EMA50     *float64 `json:"ema50,omitempty"`
	RSI14     *float64 `json:"rsi14,omitempty"`

	// Заполнены только при открытой позиции
	Side          string  `json:"side,omitempty"`
	EntryPrice    float64 `json:"entry_price,omitempty"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
	UnrealizedPnl float64 `json:"unrealized_pnl,omitempty"`
}

// NotificationMessage - сообщение о новом уведомлении
type NotificationMessage struct {
	BaseMessage
	Data *NotificationData `json:"data"`
}

// NotificationData - данные уведомления
type NotificationData struct {
	ID        int                    `json:"id,omitempty"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// BalanceUpdateMessage - сообщение об обновлении баланса счёта
type BalanceUpdateMessage struct {
	BaseMessage
	Exchange string  `json:"exchange"`
	Free     float64 `json:"free"`
	Total    float64 `json:"total"`
}

// ============ Фабричные функции для создания сообщений ============

// NewStatusMessage создает сообщение со снимком состояния
func NewStatusMessage(st *bot.Status) *StatusMessage {
	data := &StatusData{
		Running:       st.Running,
		StopRequested: st.StopRequested,
		Passes:        st.Passes,
		Breaker:       st.Risk.CircuitBreakerTripped,
		Symbols:       make([]SymbolData, len(st.Symbols)),
	}

	for i, rt := range st.Symbols {
		sd := SymbolData{
			Symbol:    rt.Symbol,
			State:     rt.State,
			LastClose: rt.LastClose,
			EMA34:     rt.EMA34,
			EMA50:     rt.EMA50,
			RSI14:     rt.RSI14,
		}
		if p := rt.Position; p != nil {
			sd.Side = p.Side
			sd.EntryPrice = p.EntryPrice
			sd.StopLoss = p.StopLossPrice
			sd.TakeProfit = p.TakeProfitPrice
			if rt.LastClose > 0 {
				sd.UnrealizedPnl = p.UnrealizedPNL(rt.LastClose)
			}
		}
		data.Symbols[i] = sd
	}

	return &StatusMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeStatus,
			Timestamp: time.Now(),
		},
		Data: data,
	}
}

// NewNotificationMessage создает сообщение уведомления
func NewNotificationMessage(notif *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeNotification,
			Timestamp: time.Now(),
		},
		Data: &NotificationData{
			ID:        notif.ID,
			Type:      notif.Type,
			Severity:  notif.Severity,
			Symbol:    notif.Symbol,
			Message:   notif.Message,
			Meta:      notif.Meta,
			Timestamp: notif.Timestamp,
		},
	}
}

// NewBalanceUpdateMessage создает сообщение обновления баланса
func NewBalanceUpdateMessage(exchange string, free, total float64) *BalanceUpdateMessage {
	return &BalanceUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeBalanceUpdate,
			Timestamp: time.Now(),
		},
		Exchange: exchange,
		Free:     free,
		Total:    total,
	}
}
