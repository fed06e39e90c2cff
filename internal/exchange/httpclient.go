// Package exchange предоставляет шлюз к бирже: REST клиент Bitget,
// поток котировок и бумажный симулятор для режима paper.
package exchange

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTPClientConfig содержит настройки HTTP клиента для биржи
type HTTPClientConfig struct {
	ConnectTimeout      time.Duration // установка TCP соединения
	ResponseTimeout     time.Duration // ожидание заголовков ответа
	TotalTimeout        time.Duration // общий таймаут как fallback к context
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	KeepAliveInterval   time.Duration
}

// DefaultHTTPClientConfig возвращает конфигурацию по умолчанию
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout:      5 * time.Second,
		ResponseTimeout:     10 * time.Second,
		TotalTimeout:        30 * time.Second,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

var (
	globalClient     *http.Client
	globalClientOnce sync.Once
)

// GetGlobalHTTPClient возвращает общий HTTP клиент с пулом соединений
func GetGlobalHTTPClient() *http.Client {
	globalClientOnce.Do(func() {
		globalClient = NewHTTPClient(DefaultHTTPClientConfig())
	})
	return globalClient
}

// NewHTTPClient создаёт HTTP клиент с keep-alive и таймаутами
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.TotalTimeout,
	}
}

// CloseGlobalClient закрывает idle соединения общего клиента (graceful shutdown)
func CloseGlobalClient() {
	if globalClient == nil {
		return
	}
	if t, ok := globalClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
