//go:build integration

// Интеграционные тесты журнала на реальном PostgreSQL.
// Запуск: TEST_DATABASE_URL=postgres://... go test -tags=integration ./internal/repository/...
package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"trendbot/internal/config"
	"trendbot/internal/models"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping: TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, config.DatabaseConfig{URL: url, MaxOpenConns: 4})
	if err != nil {
		t.Skipf("Skipping: database not available: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		t.Fatalf("failed to migrate: %v", err)
	}
	for _, table := range []string{"orders", "notifications"} {
		if _, err := db.ExecContext(ctx, "TRUNCATE TABLE "+table+" RESTART IDENTITY"); err != nil {
			db.Close()
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate_Idempotent_Integration(t *testing.T) {
	db := setupTestDB(t)

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	for _, table := range []string{"orders", "notifications"} {
		var exists bool
		err := db.QueryRow(`
			SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table existence: %v", err)
		}
		if !exists {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestOrderRepository_Integration(t *testing.T) {
	db := setupTestDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	records := []*models.OrderRecord{
		{Symbol: "ETHUSDT", Exchange: "paper", ExchangeOrderID: "p-1", Side: "buy", Type: "market",
			Purpose: models.OrderPurposeEntry, Quantity: 0.5, Price: 2000, Status: models.OrderStatusFilled},
		{Symbol: "ETHUSDT", Exchange: "paper", ExchangeOrderID: "p-2", Side: "sell", Type: "stop_loss",
			Purpose: models.OrderPurposeProtect, Quantity: 0.5, Price: 1800, ReduceOnly: true, Status: models.OrderStatusPlaced},
		{Symbol: "BTCUSDT", Exchange: "paper", Side: "buy", Type: "market",
			Purpose: models.OrderPurposeEntry, Quantity: 0.01, Status: models.OrderStatusRejected, ErrorMessage: "insufficient margin"},
	}
	for _, rec := range records {
		if err := repo.RecordOrder(ctx, rec); err != nil {
			t.Fatalf("RecordOrder failed: %v", err)
		}
		if rec.ID == 0 {
			t.Error("expected ID to be assigned")
		}
	}

	eth, err := repo.GetBySymbol(ctx, "ETHUSDT", 10)
	if err != nil {
		t.Fatalf("GetBySymbol failed: %v", err)
	}
	if len(eth) != 2 {
		t.Errorf("expected 2 ETHUSDT orders, got %d", len(eth))
	}

	rejected, err := repo.CountByStatus(ctx, models.OrderStatusRejected)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if rejected != 1 {
		t.Errorf("expected 1 rejected order, got %d", rejected)
	}

	deleted, err := repo.DeleteOlderThan(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted, got %d", deleted)
	}
}

func TestNotificationRepository_Integration(t *testing.T) {
	db := setupTestDB(t)
	repo := NewNotificationRepository(db)
	ctx := context.Background()

	notifs := []*models.Notification{
		{Type: models.NotificationTypeOpen, Severity: models.SeverityInfo, Symbol: "ETHUSDT", Message: "Opened long ETHUSDT",
			Meta: map[string]interface{}{"entry": 2000.0}},
		{Type: models.NotificationTypeSL, Severity: models.SeverityWarn, Symbol: "ETHUSDT", Message: "Stop loss ETHUSDT"},
		{Type: models.NotificationTypeEngine, Severity: models.SeverityInfo, Message: "Trading loop started"},
	}
	for _, n := range notifs {
		n.Timestamp = time.Now()
		if err := repo.Create(ctx, n); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	got, err := repo.GetByID(ctx, notifs[0].ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Meta["entry"] != 2000.0 {
		t.Errorf("expected meta entry 2000, got %v", got.Meta["entry"])
	}

	byType, err := repo.Find(ctx, models.NotificationFilter{
		Types: []string{models.NotificationTypeOpen, models.NotificationTypeSL},
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(byType) != 2 {
		t.Errorf("expected 2 notifications, got %d", len(byType))
	}

	bySymbol, err := repo.Find(ctx, models.NotificationFilter{Symbol: "ETHUSDT", Limit: 10})
	if err != nil {
		t.Fatalf("Find by symbol failed: %v", err)
	}
	if len(bySymbol) != 2 {
		t.Errorf("expected 2 ETHUSDT notifications, got %d", len(bySymbol))
	}

	removed, err := repo.KeepRecent(ctx, 1)
	if err != nil {
		t.Fatalf("KeepRecent failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
}
