package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"storecrawl/internal/shared/logger"
)

// --- DIAGNOSTIC HELPER: A listener that logs accepted connections ---
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		log := logger.WithComponent("Web/Server")
		log.Trace().Msgf("Connection accepted from: %s", conn.RemoteAddr())
	}
	return conn, err
}

// route 同时用于注册 mux 和生成 /api/spec
type route struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Auth    bool   `json:"auth"`
	Summary string `json:"summary"`
	handler http.HandlerFunc
}

func (h *Handler) routes(ctx context.Context, hub *Hub) []route {
	rs := []route{
		{Method: http.MethodPost, Path: "/login", Summary: "Exchange admin credentials for an access token", handler: h.HandleLogin},
		{Method: http.MethodPost, Path: "/scheduler/start", Auth: true, Summary: "Start the scheduler process", handler: h.HandleSchedulerStart},
		{Method: http.MethodPost, Path: "/scheduler/stop", Auth: true, Summary: "Stop the scheduler and its descendants", handler: h.HandleSchedulerStop},
		{Method: http.MethodPost, Path: "/scheduler/status", Auth: true, Summary: "Report whether the scheduler is running", handler: h.HandleSchedulerStatus},
		{Method: http.MethodGet, Path: "/games", Auth: true, Summary: "Page through a live dataset, optionally projected to one region", handler: h.HandleGames},
		{Method: http.MethodGet, Path: "/games/count", Auth: true, Summary: "Count records in a live dataset", handler: h.HandleGamesCount},
		{Method: http.MethodGet, Path: "/logs", Auth: true, Summary: "Download the log file", handler: h.HandleLogs},
	}
	if hub != nil {
		rs = append(rs, route{
			Method: http.MethodGet, Path: "/logs/stream", Auth: true, Summary: "Stream log lines over a websocket",
			handler: func(w http.ResponseWriter, r *http.Request) { ServeWs(ctx, hub, w, r) },
		})
	}
	return rs
}

// NewMux 构建 HTTP 路由。除 /login 和 /api/spec 外的接口都需要令牌。
// ctx 结束时 websocket 注册不再阻塞。
func NewMux(ctx context.Context, h *Handler, hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	rs := h.routes(ctx, hub)
	for _, rt := range rs {
		var handler http.Handler = rt.handler
		if rt.Auth {
			handler = tokenAuthMiddleware(handler, h.tokens)
		}
		mux.Handle(rt.Method+" "+rt.Path, handler)
	}

	mux.HandleFunc("GET /api/spec", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"title":    "storecrawl control API",
			"auth":     "raw token in the Authorization header",
			"services": h.services,
			"routes":   rs,
		})
	})
	return mux
}

// StartServer 在 addr 上监听并在后台提供服务，ctx 结束时优雅关闭。
func StartServer(ctx context.Context, wg *sync.WaitGroup, addr string, h *Handler, hub *Hub) (net.Addr, error) {
	l := logger.WithComponent("Web/Server")
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           NewMux(ctx, h, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	l.Info().Msgf("SUCCESS: control API is listening on http://%s", listener.Addr())

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error")
		}
		l.Info().Msg("Web server stopped.")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return listener.Addr(), nil
}
