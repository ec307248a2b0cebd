// Package notify 透過 WebSocket 推送快取事件
//
// Hub 註冊為 Store 的 Listener，每次 set / delete / evict / expire
// 都會序列化成 JSON 推送給所有訂閱中的客戶端。
//
// 設計重點：
//   - Publish 不阻塞：每個連線有 256 格的緩衝 channel，滿了就丟棄該事件
//   - Ping/Pong 心跳：54 秒 Ping，60 秒未收到 Pong 視為死連接
//   - 客戶端可用 ?prefix= 只訂閱特定前綴的 key
package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/mini-redis/internal/cache"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Hub WebSocket 連接中心
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// client 單一 WebSocket 連線
type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	prefix    string
	closeOnce sync.Once // 確保 channel 只關閉一次
}

// NewHub 建立 Hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeWS 升級為 WebSocket 連線並開始推送事件
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "event stream is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已經回覆了錯誤
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		prefix: r.URL.Query().Get("prefix"),
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	h.logger.Info("websocket subscriber connected",
		"remote", r.RemoteAddr,
		"prefix", c.prefix)
}

// Publish 推送事件給所有符合前綴的客戶端，不會阻塞。
//
// 並發寫入時事件可能亂序抵達，客戶端以 seq 欄位還原順序。
func (h *Hub) Publish(ev cache.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}

	message, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event failed", "error", err)
		return
	}

	for c := range h.clients {
		if !strings.HasPrefix(ev.Key, c.prefix) {
			continue
		}
		select {
		case c.send <- message:
		default:
			// 慢客戶端不拖累其他人
			h.logger.Warn("subscriber buffer full, dropping event",
				"type", ev.Type,
				"key", ev.Key)
		}
	}
}

// ClientCount 目前的訂閱者數量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close 關閉所有連線，之後的 ServeWS 會被拒絕
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for c := range h.clients {
		// 先關閉 send channel，writePump 會送出 close frame
		c.closeSend()
		delete(h.clients, c)
	}
	h.logger.Info("websocket hub stopped")
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.closeSend()
	}
}

// closeSend 必須持有 hub.mu 寫鎖，Publish 在讀鎖下寫入 send
func (c *client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump 只處理控制幀（Pong / Close），客戶端送來的資料一律丟棄
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump 將 send 中的事件寫到連線，並定期送出 Ping
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 關閉了 channel
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
