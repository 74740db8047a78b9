package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/councilbot/gocouncil/internal/events"
)

var log = logrus.WithField("component", "stream")

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	clientBuffer   = 64 // 每个客户端的发送队列长度
	maxMessageSize = 4096
)

// Frame 推给前端的统一帧格式
type Frame struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub WebSocket 广播中心
// 订阅事件总线，把引擎事件实时推给全部已连接客户端。
// 慢客户端发送队列满时直接断开，不阻塞广播。
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client 的 send 队列从不关闭：广播侧快照取到客户端后可能在
// drop 之后仍然投递，关闭队列会让这次投递 panic。退出信号走
// done，废弃的队列连同客户端一起被回收。
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewHub 创建广播中心并挂到事件总线上
func NewHub(bus *events.Bus) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 控制台是同源部署，跨域校验交给反向代理
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	if bus != nil {
		bus.Subscribe(h.onEvent)
	}
	return h
}

// onEvent 把引擎事件翻译成推送帧
func (h *Hub) onEvent(event any) {
	var frame Frame
	frame.Timestamp = time.Now()

	switch e := event.(type) {
	case events.OpinionReceivedEvent:
		frame.Type = "opinion_received"
		frame.Payload = e
	case events.ConsensusChangedEvent:
		frame.Type = "consensus_changed"
		frame.Payload = e
	case events.RecommendationsRefreshedEvent:
		frame.Type = "recommendations_refreshed"
		frame.Payload = e
	case events.AdjustmentAppliedEvent:
		frame.Type = "adjustment_applied"
		frame.Payload = e
	case events.ExecutionCompletedEvent:
		frame.Type = "execution_completed"
		frame.Payload = e
	default:
		return
	}

	h.Broadcast(frame)
}

// Broadcast 向全部客户端推送一帧
func (h *Hub) Broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Errorf("帧序列化失败: %v", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// 发送队列满：慢客户端，断开
			log.Warnf("客户端发送队列满，断开连接")
			h.drop(c)
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS 把 HTTP 请求升级为 WebSocket 并纳入广播
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("WebSocket 升级失败: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Infof("📤 客户端接入: %s（当前 %d 个）", conn.RemoteAddr(), h.ClientCount())

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readLoop 只为响应 close/pong，推送是单向的
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}
