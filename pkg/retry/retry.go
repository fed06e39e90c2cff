package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config - параметры повторных попыток
//
// Экспоненциальный backoff с jitter:
// delay = min(InitialDelay * Multiplier^attempt, MaxDelay) ± jitter
type Config struct {
	// MaxAttempts - общее число попыток, включая первую (минимум 1)
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterFactor - доля случайного отклонения задержки (0.0 - 1.0)
	JitterFactor float64

	// RetryIf решает, повторять ли ошибку. nil - повторять всё, кроме Permanent
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием очередной попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig - 3 попытки: 200ms, 400ms
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// CloseConfig - для компенсирующего закрытия позиции.
// Голая позиция на бирже хуже лишних запросов, поэтому попыток больше.
func CloseConfig(attempts int) Config {
	if attempts < 1 {
		attempts = 4
	}
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     4 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
		RetryIf:      RetryIfNotContext,
	}
}

func (c *Config) normalize() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// Delay возвращает задержку перед попыткой attempt+1 (attempt с нуля)
func (c Config) Delay(attempt int) time.Duration {
	c.normalize()

	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do выполняет операцию с повторными попытками.
// Возвращает nil при первом успехе или последнюю ошибку.
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult - Do для операций, возвращающих значение
//
//	order, err := retry.DoWithResult(ctx, func() (*exchange.Order, error) {
//	    return exch.PlaceMarketOrder(ctx, req)
//	}, retry.CloseConfig(4))
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.normalize()

	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !shouldRetry(cfg, err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}

	return zero, unwrapPermanent(lastErr)
}

func shouldRetry(cfg Config, err error) bool {
	if IsPermanent(err) {
		return false
	}
	if cfg.RetryIf != nil {
		return cfg.RetryIf(err)
	}
	return true
}

// RetryIfNotContext не повторяет ошибки отмены и таймаута контекста
func RetryIfNotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// PermanentError - ошибка, которую бессмысленно повторять
// (например, биржа отклонила ордер по валидации)
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent проверяет пометку Permanent в цепочке ошибок
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

func unwrapPermanent(err error) error {
	var p *PermanentError
	if errors.As(err, &p) {
		return p.Err
	}
	return err
}
