package repository

import (
	"context"
	"database/sql"
	"time"

	"trendbot/internal/models"
)

// OrderRepository - работа с таблицей orders (журнал аудита)
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, symbol, exchange, exchange_order_id, side, type, purpose, quantity, price, reduce_only, status, error_message, created_at`

// RecordOrder добавляет запись об ордере
func (r *OrderRepository) RecordOrder(ctx context.Context, order *models.OrderRecord) error {
	query := `
		INSERT INTO orders (symbol, exchange, exchange_order_id, side, type, purpose, quantity, price, reduce_only, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	return r.db.QueryRowContext(ctx, query,
		order.Symbol,
		order.Exchange,
		order.ExchangeOrderID,
		order.Side,
		order.Type,
		order.Purpose,
		order.Quantity,
		order.Price,
		order.ReduceOnly,
		order.Status,
		order.ErrorMessage,
		order.CreatedAt,
	).Scan(&order.ID)
}

// GetRecent возвращает последние N ордеров
func (r *OrderRepository) GetRecent(ctx context.Context, limit int) ([]*models.OrderRecord, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC LIMIT $1`
	return r.query(ctx, query, limit)
}

// GetBySymbol возвращает последние ордера символа
func (r *OrderRepository) GetBySymbol(ctx context.Context, symbol string, limit int) ([]*models.OrderRecord, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE symbol = $1 ORDER BY created_at DESC LIMIT $2`
	return r.query(ctx, query, symbol, limit)
}

// CountByStatus возвращает количество ордеров с определенным статусом
func (r *OrderRepository) CountByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteOlderThan удаляет ордера старше указанной даты
func (r *OrderRepository) DeleteOlderThan(ctx context.Context, timestamp time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE created_at < $1`, timestamp)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *OrderRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.OrderRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.OrderRecord
	for rows.Next() {
		order := &models.OrderRecord{}
		err := rows.Scan(
			&order.ID,
			&order.Symbol,
			&order.Exchange,
			&order.ExchangeOrderID,
			&order.Side,
			&order.Type,
			&order.Purpose,
			&order.Quantity,
			&order.Price,
			&order.ReduceOnly,
			&order.Status,
			&order.ErrorMessage,
			&order.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}
