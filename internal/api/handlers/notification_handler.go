package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trendbot/internal/models"
	"trendbot/pkg/utils"
)

// NotificationProvider - источник журнала событий.
// Реализуется service.NotificationService.
type NotificationProvider interface {
	GetNotifications(ctx context.Context, filter models.NotificationFilter) ([]*models.Notification, error)
}

// NotificationHandler отвечает за журнал событий бота
//
// Endpoints:
// - GET /api/v1/notifications - получение списка уведомлений
// - GET /api/v1/notifications?types=open,close,sl - с фильтрацией по типам
// - GET /api/v1/notifications?limit=50 - с ограничением количества
// - GET /api/v1/notifications?symbol=ETHUSDT - события одного символа
type NotificationHandler struct {
	notifications NotificationProvider
}

// NewNotificationHandler создает новый NotificationHandler с внедрением зависимости
func NewNotificationHandler(provider NotificationProvider) *NotificationHandler {
	return &NotificationHandler{notifications: provider}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []NotificationDTO `json:"notifications"`
	Total         int               `json:"total"`
}

// NotificationDTO представляет уведомление в API
type NotificationDTO struct {
	ID        int                    `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// parseNotificationFilter читает types, limit и symbol.
// Некорректный limit заменяется значением по умолчанию, верхнюю границу держит сервис.
func parseNotificationFilter(r *http.Request) models.NotificationFilter {
	filter := models.NotificationFilter{Limit: 100}
	values := r.URL.Query()

	for _, part := range strings.Split(values.Get("types"), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			filter.Types = append(filter.Types, strings.ToUpper(trimmed))
		}
	}
	if parsed, err := strconv.Atoi(values.Get("limit")); err == nil && parsed > 0 {
		filter.Limit = parsed
	}
	filter.Symbol = utils.NormalizeSymbol(values.Get("symbol"))
	return filter
}

func toNotificationDTO(n *models.Notification) NotificationDTO {
	return NotificationDTO{
		ID:        n.ID,
		Timestamp: n.Timestamp.Format(time.RFC3339),
		Type:      n.Type,
		Severity:  n.Severity,
		Symbol:    n.Symbol,
		Message:   n.Message,
		Meta:      n.Meta,
	}
}

// GetNotifications возвращает журнал событий, новые сверху
//
// GET /api/v1/notifications?types=open,sl&limit=50&symbol=ETHUSDT
//
// 500 - ошибка журнала.
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	notifications, err := h.notifications.GetNotifications(r.Context(), parseNotificationFilter(r))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Failed to get notifications: "+err.Error())
		return
	}

	dtos := make([]NotificationDTO, 0, len(notifications))
	for _, n := range notifications {
		dtos = append(dtos, toNotificationDTO(n))
	}

	respondWithJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: dtos,
		Total:         len(dtos),
	})
}
