package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"storecrawl/internal/shared/logger"
)

const writeWait = 5 * time.Second

// Hub 把日志文件中新追加的行广播给所有 /logs/stream 的 websocket 客户端。
// 日志文件由控制面和调度进程共同追加，因此客户端能看到两边的事件。
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
	}
}

// Follow 记下 path 的当前末尾后立即返回，之后在后台每隔 interval 检查一次，
// 把新增的行交给 Run 广播，直到 ctx 结束。
func (h *Hub) Follow(ctx context.Context, path string, interval time.Duration) {
	t := newFileTail(path)
	go h.follow(ctx, t, interval)
}

func (h *Hub) follow(ctx context.Context, t *fileTail, interval time.Duration) {
	l := logger.WithComponent("Web/Hub")
	defer t.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		lines, err := t.Poll()
		if err != nil {
			l.Warn().Err(err).Str("path", t.path).Msg("Failed to read log file.")
			continue
		}
		for _, line := range lines {
			select {
			case h.broadcast <- line:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Clients 返回当前连接数
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run 处理注册、注销和广播，直到 ctx 结束后关闭所有连接。
func (h *Hub) Run(ctx context.Context) {
	l := logger.WithComponent("Web/Hub")
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			l.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("Log stream client registered.")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				l.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("Log stream client unregistered.")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			var dropped []string
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					// 写失败的连接立即移除，读循环随后的注销是空操作
					delete(h.clients, conn)
					conn.Close()
					dropped = append(dropped, conn.RemoteAddr().String())
				}
			}
			h.mu.Unlock()
			for _, addr := range dropped {
				l.Info().Str("remote_addr", addr).Msg("Log stream client dropped after a failed write.")
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs 升级连接并注册到 hub，客户端发来的消息被忽略。
func ServeWs(ctx context.Context, hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := logger.WithComponent("Web/Hub")
		l.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	select {
	case hub.register <- conn:
	case <-ctx.Done():
		conn.Close()
		return
	}

	// 读循环，用于发现客户端断开
	go func() {
		defer func() {
			select {
			case hub.unregister <- conn:
			case <-ctx.Done():
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					l := logger.WithComponent("Web/Hub")
					l.Warn().Err(err).Msg("Unexpected websocket close error")
				}
				break
			}
		}
	}()
}
