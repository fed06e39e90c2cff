package bot

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBalance - свободных средств меньше маржи сделки
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrCircuitBreakerTripped - автомат сработал, новые входы запрещены
	ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")

	// ErrPositionExists - по символу уже есть позиция или идёт вход
	ErrPositionExists = errors.New("position already exists")

	// ErrInvalidTransition - недопустимый переход состояния символа
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownSymbol - символ не входит в список торгуемых
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrProtectionFailed - защитные ордера не выставлены, вход откачен
	ErrProtectionFailed = errors.New("protective orders failed")
)

// TransientIOError - сбой обращения к бирже (сеть, таймаут, отказ API).
// Прерывает обработку текущего символа, цикл продолжается.
type TransientIOError struct {
	Op     string
	Symbol string
	Err    error
}

func (e *TransientIOError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}

// ioError оборачивает ошибку шлюза, nil остаётся nil
func ioError(op, symbol string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *TransientIOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &TransientIOError{Op: op, Symbol: symbol, Err: err}
}

// IsTransientIO проверяет, что ошибка - сбой обращения к бирже
func IsTransientIO(err error) bool {
	var ioErr *TransientIOError
	return errors.As(err, &ioErr)
}
