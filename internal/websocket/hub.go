package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"trendbot/internal/bot"
	"trendbot/internal/models"
	"trendbot/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sync.Pool для JSON буферов: без аллокации на каждый Broadcast
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

const broadcastBufferSize = 256

// Hub управляет всеми активными WebSocket соединениями /ws/stream.
//
// Рассылает всем клиентам снимки состояния после каждого прохода цикла
// и уведомления о торговых событиях. Медленные клиенты отключаются,
// переполнение очереди рассылки считается в DroppedMessages: торговый
// цикл никогда не ждёт UI.
//
// Использование:
// 1. hub := NewHub(log)
// 2. go hub.Run()
// 3. hub.BroadcastStatus(engine.Status())
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once

	dropped int64

	upgrader *websocket.Upgrader

	log *utils.Logger
	mu  sync.RWMutex
}

// NewHub создает новый Hub
func NewHub(log *utils.Logger) *Hub {
	if log == nil {
		log = utils.L()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		upgrader:   newUpgrader(NewOriginChecker(nil)),
		log:        log.WithComponent("websocket"),
	}
}

// SetAllowedOrigins ограничивает Origin браузерных клиентов. Пустой список разрешает всё.
func (h *Hub) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	h.upgrader = newUpgrader(NewOriginChecker(origins))
	h.mu.Unlock()
}

// Run запускает главный цикл Hub до вызова Stop
//
// Список клиентов копируется под коротким RLock, отправка идёт без
// блокировки, медленные клиенты удаляются под Write Lock.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", utils.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", utils.Int("clients", total))

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.log.Warn("removed slow clients", utils.Int("removed", len(toRemove)), utils.Int("clients", total))
			}
		}
	}
}

// Stop завершает Run и закрывает все соединения. Повторный вызов безопасен.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Broadcast сериализует сообщение и ставит его в очередь рассылки.
// Не блокирует: при полной очереди сообщение отбрасывается.
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.log.Error("failed to marshal broadcast message", utils.Err(err))
		jsonBufferPool.Put(buf)
		return
	}

	data := bytes.TrimRight(buf.Bytes(), "\n")
	msgCopy := make([]byte, len(data))
	copy(msgCopy, data)
	jsonBufferPool.Put(buf)

	select {
	case h.broadcast <- msgCopy:
	default:
		atomic.AddInt64(&h.dropped, 1)
		bot.RecordBufferOverflow("websocket")
	}
}

// BroadcastStatus отправляет снимок состояния бота
func (h *Hub) BroadcastStatus(status *bot.Status) {
	if status == nil {
		return
	}
	h.Broadcast(NewStatusMessage(status))
}

// BroadcastNotification отправляет новое уведомление
func (h *Hub) BroadcastNotification(notif *models.Notification) {
	if notif == nil {
		return
	}
	h.Broadcast(NewNotificationMessage(notif))
}

// BroadcastBalance отправляет баланс счёта
func (h *Hub) BroadcastBalance(exchange string, free, total float64) {
	h.Broadcast(NewBalanceUpdateMessage(exchange, free, total))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - сколько сообщений отброшено из-за полной очереди
func (h *Hub) DroppedMessages() int64 {
	return atomic.LoadInt64(&h.dropped)
}
