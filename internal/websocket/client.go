package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"trendbot/pkg/utils"
)

const (
	// дедлайн на одну запись в сокет
	writeWait = 10 * time.Second

	// без pong дольше этого клиент считается мертвым
	pongWait = 60 * time.Second

	// ping чаще, чем истекает pongWait
	pingPeriod = (pongWait * 9) / 10

	// Поток только исходящий, от клиента принимаем лишь control frames
	maxMessageSize = 4096

	// Снимок со всеми символами отправляется раз в проход, буфера хватает с запасом
	clientSendBufferSize = 64
)

// OriginChecker - белый список Origin для upgrade запроса
// После создания только читается
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

// NewOriginChecker строит проверку по списку origin.
// Пустой список или "*" разрешают всё.
func NewOriginChecker(origins []string) *OriginChecker {
	checker := &OriginChecker{allowedOrigins: make(map[string]struct{})}

	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			checker.allowAll = true
			return checker
		}
		if origin != "" {
			checker.allowedOrigins[origin] = struct{}{}
		}
	}
	checker.allowAll = len(checker.allowedOrigins) == 0
	return checker
}

// Check - пустой Origin (не браузер) пропускается всегда
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" {
		return true // curl, скрипты мониторинга
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}

func newUpgrader(checker *OriginChecker) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return checker.Check(r.Header.Get("Origin"))
		},
		EnableCompression: true,
	}
}

// Client - одно WebSocket соединение.
//
// У каждого клиента две горутины: readPump держит соединение живым
// (pong, закрытие), writePump отправляет сообщения из send.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
}

// readPump читает control frames и отслеживает разрыв соединения
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", utils.Err(err))
			}
			return
		}
	}
}

// writePump отправляет сообщения клиенту.
// Накопившиеся сообщения уходят одним фреймом через '\n'.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// канал закрыт хабом при отключении
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

		drainLoop:
			for {
				select {
				case msg, ok := <-c.send:
					if !ok {
						break drainLoop
					}
					w.Write([]byte{'\n'})
					w.Write(msg)
				default:
					break drainLoop
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS апгрейдит HTTP запрос до WebSocket и регистрирует клиента.
//
// router.HandleFunc("/ws/stream", hub.ServeWS)
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	upgrader := h.upgrader
	h.mu.RUnlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", utils.Err(err))
		return
	}

	client := &Client{
		conn: conn,
		hub:  h,
		send: make(chan []byte, clientSendBufferSize),
	}

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
