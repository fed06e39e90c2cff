package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"trendbot/internal/models"
)

// ErrNotificationNotFound - уведомление не найдено
var ErrNotificationNotFound = errors.New("notification not found")

// NotificationRepository - работа с таблицей notifications
//
// Типы уведомлений: OPEN, CLOSE, SL, TP, ERROR, MARGIN, BREAKER, ROLLBACK, ENGINE
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

const notificationColumns = `id, timestamp, type, severity, symbol, message, meta`

// Create сохраняет уведомление
func (r *NotificationRepository) Create(ctx context.Context, notif *models.Notification) error {
	query := `
		INSERT INTO notifications (timestamp, type, severity, symbol, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now().UTC()
	}

	var meta []byte
	if len(notif.Meta) > 0 {
		var err error
		meta, err = json.Marshal(notif.Meta)
		if err != nil {
			return err
		}
	}

	return r.db.QueryRowContext(ctx, query,
		notif.Timestamp,
		notif.Type,
		notif.Severity,
		notif.Symbol,
		notif.Message,
		meta,
	).Scan(&notif.ID)
}

// GetByID возвращает уведомление по ID
func (r *NotificationRepository) GetByID(ctx context.Context, id int) (*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	return n, nil
}

// GetRecent возвращает последние N уведомлений
func (r *NotificationRepository) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications ORDER BY timestamp DESC LIMIT $1`
	return r.query(ctx, query, limit)
}

// Find возвращает последние уведомления по фильтру типов и символа
func (r *NotificationRepository) Find(ctx context.Context, filter models.NotificationFilter) ([]*models.Notification, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Types) > 0 {
		args = append(args, pq.Array(filter.Types))
		where = append(where, "type = ANY($"+strconv.Itoa(len(args))+")")
	}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		where = append(where, "symbol = $"+strconv.Itoa(len(args)))
	}
	if len(where) == 0 {
		return r.GetRecent(ctx, filter.Limit)
	}

	args = append(args, filter.Limit)
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY timestamp DESC LIMIT $` + strconv.Itoa(len(args))
	return r.query(ctx, query, args...)
}

// GetBySymbol возвращает последние уведомления символа
func (r *NotificationRepository) GetBySymbol(ctx context.Context, symbol string, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE symbol = $1 ORDER BY timestamp DESC LIMIT $2`
	return r.query(ctx, query, symbol, limit)
}

// CountByType возвращает количество уведомлений типа
func (r *NotificationRepository) CountByType(ctx context.Context, notifType string) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE type = $1`, notifType).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteOlderThan удаляет уведомления старше указанной даты
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, timestamp time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < $1`, timestamp)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// KeepRecent оставляет только последние N уведомлений
func (r *NotificationRepository) KeepRecent(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM notifications
		WHERE id NOT IN (SELECT id FROM notifications ORDER BY timestamp DESC LIMIT $1)`

	result, err := r.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	n := &models.Notification{}
	var symbol sql.NullString
	var meta []byte

	if err := row.Scan(&n.ID, &n.Timestamp, &n.Type, &n.Severity, &symbol, &n.Message, &meta); err != nil {
		return nil, err
	}
	n.Symbol = symbol.String

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Meta); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (r *NotificationRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
