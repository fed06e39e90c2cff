package exchange

import (
	"fmt"

	"trendbot/internal/config"
	"trendbot/pkg/utils"
)

// NewExchange создаёт шлюз по конфигурации: bitget (реальная торговля)
// или paper (симуляция поверх публичных данных Bitget).
// stream может быть nil, тогда котировки берутся только через REST.
func NewExchange(cfg config.ExchangeConfig, stream *TickerStream, log *utils.Logger) (Exchange, error) {
	bitgetCfg := BitgetConfig{
		BaseURL:     cfg.BaseURL,
		ProductType: cfg.ProductType,
		MarginCoin:  cfg.MarginCoin,
		RateLimit:   cfg.RateLimit,
		Logger:      log,
	}

	switch utils.NormalizeExchange(cfg.Name) {
	case "bitget":
		bitgetCfg.APIKey = cfg.APIKey
		bitgetCfg.APISecret = cfg.APISecret
		bitgetCfg.Passphrase = cfg.Passphrase
		return withStream(NewBitget(bitgetCfg), stream), nil
	case "paper":
		// ключи симулятору не нужны: используются только публичные методы
		market := withStream(NewBitget(bitgetCfg), stream)
		return NewPaper(market, PaperConfig{Balance: cfg.PaperBalance, FeeRate: cfg.PaperFeeRate}, log), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.Name)
	}
}

// NewTickerStreamFor создаёт поток котировок под тип контрактов из конфигурации.
// Возвращает nil, если поток выключен.
func NewTickerStreamFor(cfg config.ExchangeConfig, symbols []string, log *utils.Logger) *TickerStream {
	if !cfg.TickerStream || len(symbols) == 0 {
		return nil
	}
	streamCfg := DefaultTickerStreamConfig()
	if cfg.ProductType != "" {
		streamCfg.InstType = cfg.ProductType
	}
	return NewTickerStream(streamCfg, symbols, log)
}

func withStream(b *Bitget, stream *TickerStream) *Bitget {
	if stream == nil {
		return b
	}
	return b.WithTickerStream(stream)
}
