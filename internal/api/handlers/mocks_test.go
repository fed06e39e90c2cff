package handlers

import (
	"context"
	"strings"
	"sync"
	"time"

	"trendbot/internal/bot"
	"trendbot/internal/models"
)

// ============ Mock Bot Controller ============

// MockBotController мок для BotController
type MockBotController struct {
	mu sync.Mutex

	running   bool
	startErr  error
	stopErr   error
	closeErr  error
	positions []*models.Position

	startCtx     context.Context
	closedSymbol string
}

func NewMockBotController() *MockBotController {
	return &MockBotController{}
}

func (m *MockBotController) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	if m.running {
		return bot.ErrAlreadyRunning
	}
	m.running = true
	m.startCtx = ctx
	return nil
}

func (m *MockBotController) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopErr != nil {
		return m.stopErr
	}
	if !m.running {
		return bot.ErrNotRunning
	}
	m.running = false
	return nil
}

func (m *MockBotController) Status() *bot.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &bot.Status{
		Running:  m.running,
		Exchange: "paper",
		Symbols: []models.SymbolRuntime{
			{Symbol: "ETHUSDT", State: models.StateFlat, LastClose: 2500},
		},
	}
}

func (m *MockBotController) Positions() []*models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions
}

func (m *MockBotController) ClosePosition(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedSymbol = symbol
	return m.closeErr
}

// ============ Mock Notification Service ============

// MockNotificationService мок для NotificationProvider
type MockNotificationService struct {
	notifications []*models.Notification
	getErr        error
	nextID        int
	mu            sync.RWMutex

	lastTypes  []string
	lastLimit  int
	lastSymbol string
}

func NewMockNotificationService() *MockNotificationService {
	return &MockNotificationService{nextID: 1}
}

func (m *MockNotificationService) AddNotification(notifType, severity, symbol, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, &models.Notification{
		ID:        m.nextID,
		Timestamp: time.Now(),
		Type:      notifType,
		Severity:  severity,
		Symbol:    symbol,
		Message:   message,
	})
	m.nextID++
}

func (m *MockNotificationService) GetNotifications(ctx context.Context, filter models.NotificationFilter) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	types, limit := filter.Types, filter.Limit
	m.lastTypes = types
	m.lastLimit = limit
	m.lastSymbol = filter.Symbol

	if m.getErr != nil {
		return nil, m.getErr
	}

	var result []*models.Notification
	for _, n := range m.notifications {
		if filter.Symbol != "" && n.Symbol != filter.Symbol {
			continue
		}
		if len(types) == 0 {
			result = append(result, n)
			continue
		}
		for _, t := range types {
			if strings.EqualFold(n.Type, t) {
				result = append(result, n)
				break
			}
		}
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
