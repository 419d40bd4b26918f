package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"socks_sentinel/internal/shared/logger"
	"socks_sentinel/internal/shared/types"
)

// loggingListener logs accepted connections at debug level.
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("[WebServer] Connection accepted.")
	}
	return conn, err
}

// basicAuthMiddleware 检查 user 和 pass 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewMux builds the route table. Status, progress, websocket and metrics
// are public; everything else sits behind basic auth when it is configured.
func NewMux(handler *Handler, hub *Hub, user, pass string) *http.ServeMux {
	mux := http.NewServeMux()
	auth := func(f http.HandlerFunc) http.Handler {
		return basicAuthMiddleware(f, user, pass)
	}

	mux.Handle("GET /api/proxies", auth(handler.HandleProxies))
	mux.Handle("GET /api/best", auth(handler.HandleBest))
	mux.Handle("POST /api/update", auth(handler.HandleUpdate))
	mux.Handle("POST /api/retest/{proxy}", auth(handler.HandleRetest))
	mux.Handle("POST /api/set_proxy/{proxy}", auth(handler.HandleSetProxy))
	mux.Handle("GET /api/current_proxy", auth(handler.HandleCurrentProxy))
	mux.Handle("GET /api/qb_status", auth(handler.HandleQBStatus))

	// 公开的状态 API
	mux.HandleFunc("GET /api/status", handler.HandleStatus)
	mux.HandleFunc("GET /api/progress", handler.HandleProgress)
	mux.Handle("GET /metrics", promhttp.Handler())

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	return mux
}

// StartServer listens on the configured port and serves until ctx is done.
// A zero port disables the web surface.
func StartServer(ctx context.Context, wg *sync.WaitGroup, cfg types.WebConf, handler *Handler, hub *Hub) error {
	l := logger.WithComponent("Web/Server")
	if cfg.Port <= 0 {
		l.Info().Msg("Web API is disabled (port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start web API on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           NewMux(handler, hub, cfg.User, cfg.Password),
		ReadHeaderTimeout: 10 * time.Second,
	}

	l.Info().Msgf("SUCCESS: Web API is listening on http://%s", addr)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error.")
		}
		l.Info().Msg("Web server stopped.")
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	return nil
}
