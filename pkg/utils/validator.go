package utils

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// validator.go - валидация данных
//
// Проверки символов, цен, объёмов и долей счёта. Ошибки возвращаются как
// *ValidationError, чтобы вызывающий код мог отличить некорректные данные
// от сетевых ошибок через errors.As.

var (
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrInvalidPrice    = errors.New("invalid price")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidFraction = errors.New("invalid fraction")
	ErrInvalidExchange = errors.New("unsupported exchange")
	ErrInvalidAPIKey   = errors.New("invalid api key")
)

// SupportedExchanges - биржи, для которых есть реализация шлюза
var SupportedExchanges = []string{"bitget", "paper"}

var (
	symbolRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9/_\-]{1,29}$`)
	apiKeyRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{16,128}$`)
)

// ValidationError - значение не прошло проверку
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s=%v: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError проверяет, является ли ошибка ошибкой валидации
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidationErrors - набор ошибок валидации (для конфигурации)
type ValidationErrors []ValidationError

func (ve *ValidationErrors) Add(field, message string) {
	*ve = append(*ve, ValidationError{Field: field, Message: message})
}

func (ve *ValidationErrors) AddError(field string, err error) {
	if err == nil {
		return
	}
	*ve = append(*ve, ValidationError{Field: field, Message: err.Error(), Err: err})
}

func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

func (ve ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve))
	for _, e := range ve {
		msgs = append(msgs, e.Field+": "+e.Message)
	}
	return strings.Join(msgs, "; ")
}

// ValidateSymbol проверяет формат символа (ETHUSDT, ETH/USDT, ETH-USDT)
func ValidateSymbol(symbol string) error {
	if !symbolRegex.MatchString(symbol) {
		return &ValidationError{Field: "symbol", Value: symbol, Message: "expected 2-30 alphanumeric chars", Err: ErrInvalidSymbol}
	}
	return nil
}

// NormalizeSymbol приводит символ к виду BTCUSDT
func NormalizeSymbol(symbol string) string {
	r := strings.NewReplacer("-", "", "_", "", "/", "", ":USDT", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(symbol)))
}

// ValidatePrice - цена должна быть конечной и положительной
func ValidatePrice(field string, price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return &ValidationError{Field: field, Value: price, Message: "must be a positive finite number", Err: ErrInvalidPrice}
	}
	return nil
}

// ValidateAmount - объём должен быть конечным и положительным
func ValidateAmount(field string, amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return &ValidationError{Field: field, Value: amount, Message: "must be a positive finite number", Err: ErrInvalidAmount}
	}
	return nil
}

// ValidateFraction - доля в интервале (0, 1)
func ValidateFraction(field string, v float64) error {
	if math.IsNaN(v) || v <= 0 || v >= 1 {
		return &ValidationError{Field: field, Value: v, Message: "must be in (0, 1)", Err: ErrInvalidFraction}
	}
	return nil
}

// ValidateExchange проверяет, что биржа поддерживается
func ValidateExchange(name string) error {
	if !IsValidExchange(name) {
		return &ValidationError{Field: "exchange", Value: name, Message: "supported: " + strings.Join(SupportedExchanges, ", "), Err: ErrInvalidExchange}
	}
	return nil
}

// NormalizeExchange приводит название биржи к нижнему регистру
func NormalizeExchange(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateAPIKey - базовая проверка формата ключа
func ValidateAPIKey(key string) error {
	if !apiKeyRegex.MatchString(key) {
		return &ValidationError{Field: "api_key", Message: "expected 16-128 chars [A-Za-z0-9_-]", Err: ErrInvalidAPIKey}
	}
	return nil
}

func IsValidExchange(name string) bool {
	n := NormalizeExchange(name)
	for _, e := range SupportedExchanges {
		if e == n {
			return true
		}
	}
	return false
}
