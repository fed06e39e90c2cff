package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"trendbot/pkg/utils"
)

const bitgetPublicWS = "wss://ws.bitget.com/v2/ws/public"

// TickerStreamConfig - параметры потока котировок
type TickerStreamConfig struct {
	URL          string
	InstType     string        // USDT-FUTURES
	InitialDelay time.Duration // первая пауза перед переподключением
	MaxDelay     time.Duration // предел exponential backoff
	PingInterval time.Duration // Bitget закрывает соединение без ping дольше 2 минут
	MaxAge       time.Duration // котировка старше считается устаревшей
}

// DefaultTickerStreamConfig возвращает конфигурацию по умолчанию
func DefaultTickerStreamConfig() TickerStreamConfig {
	return TickerStreamConfig{
		URL:          bitgetPublicWS,
		InstType:     "USDT-FUTURES",
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		PingInterval: 25 * time.Second,
		MaxAge:       15 * time.Second,
	}
}

// Состояния соединения
const (
	streamDisconnected int32 = iota
	streamConnected
	streamClosed
)

// TickerStream держит подписку на канал ticker публичного WebSocket Bitget
// и кеширует последнюю цену по каждому символу. Соединение
// восстанавливается с exponential backoff, подписки повторяются.
type TickerStream struct {
	cfg     TickerStreamConfig
	symbols []string
	log     *utils.Logger

	mu     sync.RWMutex
	prices map[string]*Ticker

	state   int32
	writeMu sync.Mutex
	conn    *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTickerStream создаёт поток котировок по символам
func NewTickerStream(cfg TickerStreamConfig, symbols []string, log *utils.Logger) *TickerStream {
	if log == nil {
		log = utils.L()
	}
	return &TickerStream{
		cfg:     cfg,
		symbols: symbols,
		log:     log.WithComponent("ticker_stream"),
		prices:  make(map[string]*Ticker),
		done:    make(chan struct{}),
	}
}

// Start запускает цикл подключения в фоне
func (s *TickerStream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Latest возвращает свежую котировку символа
func (s *TickerStream) Latest(symbol string) (*Ticker, bool) {
	s.mu.RLock()
	t, ok := s.prices[symbol]
	s.mu.RUnlock()
	if !ok || time.Since(t.Timestamp) > s.cfg.MaxAge {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// IsConnected проверяет, установлено ли соединение
func (s *TickerStream) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == streamConnected
}

// Close останавливает поток и ждёт завершения цикла
func (s *TickerStream) Close() {
	if !atomic.CompareAndSwapInt32(&s.state, streamConnected, streamClosed) {
		atomic.StoreInt32(&s.state, streamClosed)
	}
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *TickerStream) run(ctx context.Context) {
	defer close(s.done)

	delay := s.cfg.InitialDelay
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Warn("ticker stream disconnected", utils.Err(err), utils.Dur("retry_in", delay))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		delay *= 2
		if delay > s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
		}
	}
}

// session обслуживает одно соединение до его разрыва
func (s *TickerStream) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() {
		atomic.CompareAndSwapInt32(&s.state, streamConnected, streamDisconnected)
		conn.Close()
	}()

	s.conn = conn
	if err := s.subscribe(); err != nil {
		return err
	}
	atomic.StoreInt32(&s.state, streamConnected)
	s.log.Info("ticker stream connected", utils.Int("symbols", len(s.symbols)))

	// закрываем соединение при отмене контекста, чтобы прервать ReadMessage
	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(ctx, conn, stop)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

func (s *TickerStream) subscribe() error {
	args := make([]map[string]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		args = append(args, map[string]string{
			"instType": s.cfg.InstType,
			"channel":  "ticker",
			"instId":   sym,
		})
	}
	return s.write(websocket.TextMessage, mustJSON(map[string]interface{}{"op": "subscribe", "args": args}))
}

func (s *TickerStream) pingLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if err := s.write(websocket.TextMessage, []byte("ping")); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *TickerStream) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(messageType, data)
}

func (s *TickerStream) handleMessage(msg []byte) {
	if string(msg) == "pong" {
		return
	}

	var m struct {
		Event string `json:"event"`
		Code  int    `json:"code"`
		Msg   string `json:"msg"`
		Data  []struct {
			InstID string `json:"instId"`
			LastPr string `json:"lastPr"`
			BidPr  string `json:"bidPr"`
			AskPr  string `json:"askPr"`
			Ts     string `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &m); err != nil {
		return
	}
	if m.Event == "error" {
		s.log.Warn("ticker stream error", utils.Int("code", m.Code), utils.String("msg", m.Msg))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range m.Data {
		last := parseFloat(d.LastPr)
		if last <= 0 {
			continue
		}
		// время получения, а не биржевое: свежесть считается по локальным часам
		s.prices[d.InstID] = &Ticker{
			Symbol:    d.InstID,
			LastPrice: last,
			BidPrice:  parseFloat(d.BidPr),
			AskPrice:  parseFloat(d.AskPr),
			Timestamp: time.Now(),
		}
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
