package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"trendbot/internal/config"
)

// schema - журнал ордеров и уведомлений. Бот его только пишет.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id SERIAL PRIMARY KEY,
		symbol VARCHAR(30) NOT NULL,
		exchange VARCHAR(30) NOT NULL,
		exchange_order_id VARCHAR(64) DEFAULT '',
		side VARCHAR(10) DEFAULT '',
		type VARCHAR(20) DEFAULT 'market',
		purpose VARCHAR(20) NOT NULL,
		quantity DECIMAL(30, 12) DEFAULT 0,
		price DECIMAL(30, 12) DEFAULT 0,
		reduce_only BOOLEAN DEFAULT false,
		status VARCHAR(20) NOT NULL,
		error_message TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_symbol_created ON orders (symbol, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMP DEFAULT NOW(),
		type VARCHAR(20) NOT NULL,
		severity VARCHAR(10) DEFAULT 'info',
		symbol VARCHAR(30) DEFAULT '',
		message TEXT NOT NULL,
		meta JSONB DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications (timestamp DESC)`,
}

// Open подключается к PostgreSQL и проверяет соединение
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Migrate создаёт таблицы журнала, если их нет
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
