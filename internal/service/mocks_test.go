package service

import (
	"context"
	"sync"

	"trendbot/internal/models"
)

// ============ Mock NotificationRepository ============

type MockNotificationRepository struct {
	mu            sync.Mutex
	notifications []*models.Notification
	createErr     error
	getErr        error
	deleteErr     error
	nextID        int

	lastTypes  []string
	lastLimit  int
	lastSymbol string
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{
		notifications: make([]*models.Notification, 0),
		nextID:        1,
	}
}

func (m *MockNotificationRepository) Create(ctx context.Context, notif *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	notif.ID = m.nextID
	m.nextID++
	m.notifications = append(m.notifications, notif)
	return nil
}

func (m *MockNotificationRepository) Find(ctx context.Context, filter models.NotificationFilter) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTypes = filter.Types
	m.lastLimit = filter.Limit
	m.lastSymbol = filter.Symbol
	if m.getErr != nil {
		return nil, m.getErr
	}
	typeSet := make(map[string]bool)
	for _, t := range filter.Types {
		typeSet[t] = true
	}
	var result []*models.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if len(typeSet) > 0 && !typeSet[n.Type] {
			continue
		}
		if filter.Symbol != "" && n.Symbol != filter.Symbol {
			continue
		}
		result = append(result, n)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MockNotificationRepository) KeepRecent(ctx context.Context, keepCount int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	if len(m.notifications) <= keepCount {
		return 0, nil
	}
	deleted := int64(len(m.notifications) - keepCount)
	m.notifications = m.notifications[len(m.notifications)-keepCount:]
	return deleted, nil
}

func (m *MockNotificationRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}

// ============ Mock WebSocketBroadcaster ============

type MockWebSocketBroadcaster struct {
	mu            sync.Mutex
	notifications []*models.Notification
}

func NewMockWebSocketBroadcaster() *MockWebSocketBroadcaster {
	return &MockWebSocketBroadcaster{}
}

func (m *MockWebSocketBroadcaster) BroadcastNotification(notif *models.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, notif)
}

func (m *MockWebSocketBroadcaster) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}
