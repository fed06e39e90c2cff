package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"trendbot/pkg/crypto"
	"trendbot/pkg/utils"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Exchange ExchangeConfig
	Trading  TradingConfig
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ExchangeConfig - подключение к бирже
type ExchangeConfig struct {
	Name        string // bitget | paper
	APIKey      string
	APISecret   string
	Passphrase  string
	BaseURL     string
	ProductType string // USDT-FUTURES
	MarginCoin  string
	RateLimit   float64 // запросов в секунду к REST API

	// Поток котировок через публичный WebSocket
	TickerStream bool

	// Стартовый баланс и комиссия симулятора (режим paper)
	PaperBalance float64
	PaperFeeRate float64
}

// TradingConfig - параметры стратегии и риска
type TradingConfig struct {
	AccountBalance float64 // базовый баланс для расчёта маржи и порога автомата
	MarginFraction float64 // доля баланса на одну сделку
	StopLossPct    float64
	TakeProfitPct  float64
	GlobalStopLoss float64 // допустимая просадка счёта до остановки входов

	Symbols        []string
	CandleInterval string
	CandleLimit    int
	SignalLookback int // сколько последних пар свечей сканировать, 0 - вся история

	CycleInterval  time.Duration // пауза между проходами
	RequestTimeout time.Duration // таймаут одного обращения к бирже
	CloseRetries   int           // попытки компенсирующего закрытия

	AutoStart     bool // запуск цикла сразу после отчёта о балансе; false - ждать команду start
	StdinCommands bool // читать команды start/stop из stdin
}

// ServerConfig - настройки HTTP сервера управления
type ServerConfig struct {
	Enabled bool
	Host    string
	Port    int

	// Origin браузерных клиентов для CORS и /ws/stream, пусто - локальные dev-адреса
	AllowedOrigins []string
}

// DatabaseConfig - журнал ордеров и уведомлений (опционально)
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	APITokenHash  string // bcrypt-хеш токена управляющего API, пусто - без авторизации
	EncryptionKey string // ключ для секретов вида enc:...
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

// Load загружает конфигурацию из .env и переменных окружения
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile загружает конфигурацию, дополняя окружение значениями из envFile
func LoadFile(envFile string) (*Config, error) {
	r := newEnvReader(envFile)

	cfg := &Config{
		Exchange: ExchangeConfig{
			Name:         utils.NormalizeExchange(r.getEnv("EXCHANGE", "bitget")),
			APIKey:       r.getEnv("BITGET_API_KEY", ""),
			APISecret:    r.getEnv("BITGET_API_SECRET", ""),
			Passphrase:   r.getEnv("BITGET_PASSPHRASE", ""),
			BaseURL:      r.getEnv("BITGET_BASE_URL", "https://api.bitget.com"),
			ProductType:  r.getEnv("BITGET_PRODUCT_TYPE", "USDT-FUTURES"),
			MarginCoin:   r.getEnv("BITGET_MARGIN_COIN", "USDT"),
			RateLimit:    r.getEnvAsFloat("EXCHANGE_RATE_LIMIT", 10),
			TickerStream: r.getEnvAsBool("BITGET_TICKER_STREAM", true),
			PaperBalance: r.getEnvAsFloat("PAPER_BALANCE", 0),
			PaperFeeRate: r.getEnvAsFloat("PAPER_FEE_RATE", 0.0006),
		},
		Trading: TradingConfig{
			AccountBalance: r.getEnvAsFloat("ACCOUNT_BALANCE", 6.9),
			MarginFraction: r.getEnvAsFloat("MARGIN_PER_TRADE", 0.1),
			StopLossPct:    r.getEnvAsFloat("STOP_LOSS_PCT", 0.1),
			TakeProfitPct:  r.getEnvAsFloat("TAKE_PROFIT_PCT", 0.2),
			GlobalStopLoss: r.getEnvAsFloat("GLOBAL_STOP_LOSS", 0.1),

			Symbols:        r.getEnvAsList("TRADING_PAIRS", []string{"ETHUSDT", "BTCUSDT"}),
			CandleInterval: r.getEnv("CANDLE_INTERVAL", "15m"),
			CandleLimit:    r.getEnvAsInt("CANDLE_LIMIT", 200),
			SignalLookback: r.getEnvAsInt("SIGNAL_LOOKBACK", 0),

			CycleInterval:  r.getEnvAsDuration("CYCLE_INTERVAL", time.Minute),
			RequestTimeout: r.getEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
			CloseRetries:   r.getEnvAsInt("MAX_CLOSE_RETRIES", 4),

			AutoStart:     r.getEnvAsBool("AUTO_START", true),
			StdinCommands: r.getEnvAsBool("STDIN_COMMANDS", true),
		},
		Server: ServerConfig{
			Enabled: r.getEnvAsBool("SERVER_ENABLED", true),
			Host:    r.getEnv("SERVER_HOST", "127.0.0.1"),
			Port:    r.getEnvAsInt("SERVER_PORT", 8080),

			AllowedOrigins: r.getEnvAsList("ALLOWED_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			URL:          r.getEnv("DATABASE_URL", ""),
			MaxOpenConns: r.getEnvAsInt("DB_MAX_OPEN_CONNS", 5),
		},
		Security: SecurityConfig{
			APITokenHash:  r.getEnv("API_TOKEN_HASH", ""),
			EncryptionKey: r.getEnv("ENCRYPTION_KEY", ""),
		},
		Logging: LoggingConfig{
			Level:  r.getEnv("LOG_LEVEL", "info"),
			Format: r.getEnv("LOG_FORMAT", "text"),
			File:   r.getEnv("LOG_FILE", "trading_log.txt"),
		},
	}

	// в режиме paper стартовый баланс симулятора совпадает с базовым
	if cfg.Exchange.PaperBalance <= 0 {
		cfg.Exchange.PaperBalance = cfg.Trading.AccountBalance
	}

	for i, s := range cfg.Trading.Symbols {
		cfg.Trading.Symbols[i] = utils.NormalizeSymbol(s)
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет ключи биржи и расшифровывает секреты enc:...
func (c *Config) validateSecurity() error {
	if err := utils.ValidateExchange(c.Exchange.Name); err != nil {
		return err
	}

	key := []byte(c.Security.EncryptionKey)
	if len(key) != 0 && len(key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	secrets := []struct {
		name  string
		value *string
	}{
		{"BITGET_API_KEY", &c.Exchange.APIKey},
		{"BITGET_API_SECRET", &c.Exchange.APISecret},
		{"BITGET_PASSPHRASE", &c.Exchange.Passphrase},
	}
	for _, s := range secrets {
		plain, err := crypto.RevealSecret(*s.value, key)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.value = plain
	}

	// торговые ключи нужны только для реальной биржи
	if c.Exchange.Name == "bitget" {
		for _, s := range secrets {
			if *s.value == "" {
				return fmt.Errorf("%s is required for exchange bitget", s.name)
			}
		}
		if err := utils.ValidateAPIKey(c.Exchange.APIKey); err != nil {
			return fmt.Errorf("BITGET_API_KEY: %w", err)
		}
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	var errs utils.ValidationErrors
	t := c.Trading

	if t.AccountBalance <= 0 {
		errs.Add("ACCOUNT_BALANCE", fmt.Sprintf("must be positive, got %v", t.AccountBalance))
	}
	errs.AddError("MARGIN_PER_TRADE", utils.ValidateFraction("margin", t.MarginFraction))
	errs.AddError("STOP_LOSS_PCT", utils.ValidateFraction("stop_loss", t.StopLossPct))
	errs.AddError("GLOBAL_STOP_LOSS", utils.ValidateFraction("global_stop_loss", t.GlobalStopLoss))
	if t.TakeProfitPct <= 0 || t.TakeProfitPct > 10 {
		errs.Add("TAKE_PROFIT_PCT", fmt.Sprintf("must be in (0, 10], got %v", t.TakeProfitPct))
	}

	if len(t.Symbols) == 0 {
		errs.Add("TRADING_PAIRS", "at least one symbol is required")
	}
	seen := make(map[string]bool, len(t.Symbols))
	for _, s := range t.Symbols {
		errs.AddError("TRADING_PAIRS", utils.ValidateSymbol(s))
		if seen[s] {
			errs.Add("TRADING_PAIRS", "duplicate symbol "+s)
		}
		seen[s] = true
	}

	if _, err := utils.ParseTimeframe(t.CandleInterval); err != nil {
		errs.AddError("CANDLE_INTERVAL", err)
	}
	if t.CandleLimit < 2 || t.CandleLimit > 1000 {
		errs.Add("CANDLE_LIMIT", fmt.Sprintf("must be between 2 and 1000, got %d", t.CandleLimit))
	}
	if t.SignalLookback < 0 {
		errs.Add("SIGNAL_LOOKBACK", fmt.Sprintf("cannot be negative, got %d", t.SignalLookback))
	}
	if t.CycleInterval <= 0 {
		errs.Add("CYCLE_INTERVAL", fmt.Sprintf("must be positive, got %v", t.CycleInterval))
	}
	if t.RequestTimeout <= 0 {
		errs.Add("REQUEST_TIMEOUT", fmt.Sprintf("must be positive, got %v", t.RequestTimeout))
	}
	if t.CloseRetries < 1 || t.CloseRetries > 10 {
		errs.Add("MAX_CLOSE_RETRIES", fmt.Sprintf("must be between 1 and 10, got %d", t.CloseRetries))
	}

	if c.Exchange.RateLimit <= 0 {
		errs.Add("EXCHANGE_RATE_LIMIT", fmt.Sprintf("must be positive, got %v", c.Exchange.RateLimit))
	}
	if c.Exchange.PaperFeeRate < 0 || c.Exchange.PaperFeeRate >= 0.01 {
		errs.Add("PAPER_FEE_RATE", fmt.Sprintf("must be in [0, 0.01), got %v", c.Exchange.PaperFeeRate))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs.Add("SERVER_PORT", fmt.Sprintf("must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Database.MaxOpenConns < 1 {
		errs.Add("DB_MAX_OPEN_CONNS", fmt.Sprintf("must be positive, got %d", c.Database.MaxOpenConns))
	}

	if errs.HasErrors() {
		return fmt.Errorf("invalid configuration: %w", errs)
	}
	return nil
}

// Addr возвращает адрес HTTP сервера
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	u, err := url.Parse(d.URL)
	if err != nil || u.User == nil {
		return d.URL
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// Вспомогательные функции для чтения переменных окружения

type envReader struct {
	v *viper.Viper
}

func newEnvReader(envFile string) *envReader {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		// отсутствие .env - нормальная ситуация
		_ = v.ReadInConfig()
	}
	v.AutomaticEnv()
	return &envReader{v: v}
}

func (r *envReader) getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(r.v.GetString(key)); value != "" {
		return value
	}
	return defaultValue
}

func (r *envReader) getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(r.getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func (r *envReader) getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(r.getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func (r *envReader) getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(r.getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func (r *envReader) getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(r.getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func (r *envReader) getEnvAsList(key string, defaultValue []string) []string {
	raw := r.getEnv(key, "")
	if raw == "" {
		out := make([]string, len(defaultValue))
		copy(out, defaultValue)
		return out
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
