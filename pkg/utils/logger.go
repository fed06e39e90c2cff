package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - структурированное логирование на базе zap
//
// Основной вывод (консоль или файл) плюс опциональное зеркало в
// append-only файл журнала торговли.

// LogConfig - параметры логгера
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json или text
	Output      string // stdout, stderr или путь к файлу (по умолчанию stderr)
	File        string // дополнительный файл-зеркало (append), пусто - без зеркала
	Development bool
}

// Logger - обёртка над zap.Logger с полями предметной области
type Logger struct {
	*zap.Logger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создаёт логгер. Не паникует: при ошибке открытия файла
// вывод переключается на stderr.
func InitLogger(cfg LogConfig) *Logger {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") || strings.EqualFold(cfg.Format, "console") {
		textCfg := encCfg
		textCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(textCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, openSink(cfg.Output), level)}

	if cfg.File != "" {
		if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			// в файл всегда пишем JSON, чтобы журнал можно было разбирать
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level))
		}
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	z := zap.New(zapcore.NewTee(cores...), opts...)
	return &Logger{Logger: z}
}

func openSink(output string) zapcore.WriteSyncer {
	switch strings.ToLower(output) {
	case "", "stderr":
		return zapcore.Lock(os.Stderr)
	case "stdout":
		return zapcore.Lock(os.Stdout)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(f)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============ Глобальный логгер ============

// GetGlobalLogger возвращает глобальный логгер, создавая логгер по умолчанию
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий алиас GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// InitGlobalLogger создаёт логгер и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger заменяет глобальный логгер
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// ============ Методы Logger ============

func (l *Logger) With(fields ...zap.Field) *Logger {
	z := l.Logger.With(fields...)
	return &Logger{Logger: z}
}

func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

func (l *Logger) WithExchange(name string) *Logger {
	return l.With(Exchange(name))
}

func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(Symbol(symbol))
}

func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

// ============ Поля предметной области ============

func Exchange(name string) zap.Field { return zap.String("exchange", name) }
func Symbol(symbol string) zap.Field { return zap.String("symbol", symbol) }
func OrderID(id string) zap.Field { return zap.String("order_id", id) }
func Price(price float64) zap.Field { return zap.Float64("price", price) }
func Amount(amount float64) zap.Field { return zap.Float64("amount", amount) }
func PNL(pnl float64) zap.Field { return zap.Float64("pnl", pnl) }
func Side(side string) zap.Field { return zap.String("side", side) }
func State(state string) zap.Field { return zap.String("state", state) }
func Rule(rule string) zap.Field { return zap.String("rule", rule) }
func Latency(ms float64) zap.Field { return zap.Float64("latency_ms", ms) }
func RequestID(id string) zap.Field { return zap.String("request_id", id) }
func Component(name string) zap.Field { return zap.String("component", name) }
func Balance(balance float64) zap.Field { return zap.Float64("balance", balance) }

// Field - поле структурированного лога
type Field = zap.Field

// Переэкспорт базовых конструкторов zap
var (
	String  = zap.String
	Int     = zap.Int
	Int64   = zap.Int64
	Float64 = zap.Float64
	Err     = zap.Error
	Any     = zap.Any
	Dur     = zap.Duration
)
