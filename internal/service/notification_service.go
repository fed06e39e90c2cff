package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"trendbot/internal/models"
	"trendbot/pkg/utils"
)

const (
	defaultNotificationLimit = 100
	maxNotificationLimit     = 500

	// сколько последних уведомлений держим в памяти
	recentCapacity = 500

	persistTimeout = 5 * time.Second
)

// WebSocketBroadcaster - интерфейс для отправки WebSocket сообщений
//
// Позволяет избежать циклических зависимостей между пакетами
// и упрощает тестирование (можно подставить mock)
type WebSocketBroadcaster interface {
	BroadcastNotification(notif *models.Notification)
}

// NotificationStore - журнал уведомлений в БД.
// Реализуется repository.NotificationRepository.
type NotificationStore interface {
	Create(ctx context.Context, notif *models.Notification) error
	Find(ctx context.Context, filter models.NotificationFilter) ([]*models.Notification, error)
	KeepRecent(ctx context.Context, keep int) (int64, error)
}

// NotificationService принимает уведомления торгового цикла.
//
// Отвечает за:
// - Сохранение в журнал (если БД настроена)
// - Кольцевой буфер последних событий для API без БД
// - Broadcast через WebSocket
type NotificationService struct {
	store NotificationStore
	wsHub WebSocketBroadcaster
	log   *utils.Logger

	mu     sync.RWMutex
	recent []*models.Notification // от старых к новым
}

// NewNotificationService создает сервис. store может быть nil - тогда
// уведомления живут только в памяти.
func NewNotificationService(store NotificationStore, log *utils.Logger) *NotificationService {
	if log == nil {
		log = utils.L()
	}
	return &NotificationService{
		store:  store,
		log:    log.WithComponent("notifications"),
		recent: make([]*models.Notification, 0, recentCapacity),
	}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast уведомлений.
func (s *NotificationService) SetWebSocketHub(hub WebSocketBroadcaster) {
	s.wsHub = hub
}

// Run читает поток уведомлений до отмены контекста или закрытия канала
func (s *NotificationService) Run(ctx context.Context, in <-chan *models.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case notif, ok := <-in:
			if !ok {
				return
			}
			if err := s.CreateNotification(ctx, notif); err != nil {
				s.log.Warn("failed to persist notification",
					utils.Symbol(notif.Symbol),
					utils.String("type", notif.Type),
					utils.Err(err),
				)
			}
		}
	}
}

// CreateNotification запоминает уведомление, сохраняет его в журнал и
// рассылает клиентам. Ошибка журнала не мешает рассылке.
func (s *NotificationService) CreateNotification(ctx context.Context, notif *models.Notification) error {
	if notif == nil {
		return nil
	}
	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now()
	}
	notif.Type = strings.ToUpper(notif.Type)
	if notif.Severity == "" {
		notif.Severity = models.SeverityInfo
	}

	var err error
	if s.store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		err = s.store.Create(pctx, notif)
		cancel()
	}

	s.remember(notif)

	if s.wsHub != nil {
		s.wsHub.BroadcastNotification(notif)
	}
	return err
}

// GetNotifications возвращает последние уведомления, новые сверху.
//
// Types - фильтр по типам (пустой - все), неизвестные типы отбрасываются.
// Symbol сужает выборку до одного символа.
// Limit ограничен диапазоном 1..500, по умолчанию 100.
func (s *NotificationService) GetNotifications(ctx context.Context, filter models.NotificationFilter) ([]*models.Notification, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultNotificationLimit
	}
	if filter.Limit > maxNotificationLimit {
		filter.Limit = maxNotificationLimit
	}

	normalized := make([]string, 0, len(filter.Types))
	for _, t := range filter.Types {
		t = strings.ToUpper(strings.TrimSpace(t))
		if IsValidNotificationType(t) {
			normalized = append(normalized, t)
		}
	}
	// все типы отфильтрованы как неизвестные - пустой результат, а не все подряд
	if len(filter.Types) > 0 && len(normalized) == 0 {
		return []*models.Notification{}, nil
	}
	filter.Types = normalized
	filter.Symbol = utils.NormalizeSymbol(filter.Symbol)

	if s.store != nil {
		return s.store.Find(ctx, filter)
	}
	return s.fromMemory(filter), nil
}

// CleanupOld оставляет в журнале только последние keep записей
func (s *NotificationService) CleanupOld(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		keep = defaultNotificationLimit
	}
	if s.store == nil {
		return 0, nil
	}
	return s.store.KeepRecent(ctx, keep)
}

func (s *NotificationService) remember(notif *models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.recent) == recentCapacity {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:recentCapacity-1]
	}
	s.recent = append(s.recent, notif)
}

func (s *NotificationService) fromMemory(filter models.NotificationFilter) []*models.Notification {
	allowed := make(map[string]struct{}, len(filter.Types))
	for _, t := range filter.Types {
		allowed[t] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Notification, 0, filter.Limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		n := s.recent[i]
		if len(allowed) > 0 {
			if _, ok := allowed[n.Type]; !ok {
				continue
			}
		}
		if filter.Symbol != "" && n.Symbol != filter.Symbol {
			continue
		}
		out = append(out, n)
	}
	return out
}

var validNotificationTypes = map[string]bool{
	models.NotificationTypeOpen:     true,
	models.NotificationTypeClose:    true,
	models.NotificationTypeSL:       true,
	models.NotificationTypeTP:       true,
	models.NotificationTypeError:    true,
	models.NotificationTypeMargin:   true,
	models.NotificationTypeBreaker:  true,
	models.NotificationTypeRollback: true,
	models.NotificationTypeEngine:   true,
}

// IsValidNotificationType проверяет, является ли тип допустимым
func IsValidNotificationType(notifType string) bool {
	return validNotificationTypes[strings.ToUpper(notifType)]
}
