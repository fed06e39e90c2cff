package bot

import (
	"fmt"
	"time"

	"trendbot/internal/models"
)

// tryEnqueueNotification отправляет уведомление в канал с метриками переполнения.
// Возвращает true, если уведомление поставлено в очередь.
func tryEnqueueNotification(ch chan<- *models.Notification, notif *models.Notification) bool {
	if ch == nil || notif == nil {
		return false
	}

	select {
	case ch <- notif:
		return true
	default:
		RecordBufferOverflow("notification")
		return false
	}
}

func newNotification(typ, severity, symbol, format string, args ...interface{}) *models.Notification {
	return &models.Notification{
		Timestamp: time.Now(),
		Type:      typ,
		Severity:  severity,
		Symbol:    symbol,
		Message:   fmt.Sprintf(format, args...),
		Meta:      make(map[string]interface{}),
	}
}
