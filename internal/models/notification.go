package models

import "time"

// Notification представляет уведомление о событии
type Notification struct {
	ID        int                    `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Type      string                 `json:"type" db:"type"`         // OPEN, CLOSE, SL, TP, ERROR, MARGIN, BREAKER, ROLLBACK, ENGINE
	Severity  string                 `json:"severity" db:"severity"` // info, warn, error
	Symbol    string                 `json:"symbol,omitempty" db:"symbol"`
	Message   string                 `json:"message" db:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"` // JSON в БД
}

// Типы уведомлений
const (
	NotificationTypeOpen     = "OPEN"     // позиция открыта и защищена
	NotificationTypeClose    = "CLOSE"    // позиция закрыта
	NotificationTypeSL       = "SL"       // сработал стоп-лосс
	NotificationTypeTP       = "TP"       // сработал тейк-профит
	NotificationTypeError    = "ERROR"    // ошибка API/ордера
	NotificationTypeMargin   = "MARGIN"   // недостаточно средств
	NotificationTypeBreaker  = "BREAKER"  // сработал глобальный стоп
	NotificationTypeRollback = "ROLLBACK" // откат входа без защиты
	NotificationTypeEngine   = "ENGINE"   // запуск/остановка цикла
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// NotificationFilter - выборка журнала: пустые поля не ограничивают
type NotificationFilter struct {
	Types  []string
	Symbol string
	Limit  int
}
