package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/internal/shared/types"
)

//go:embed all:static
var staticFiles embed.FS

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
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

// Server 是只读为主的运维仪表盘。
type Server struct {
	cfg     types.WebConf
	handler *Handler
	hub     *Hub
	srv     *http.Server
	cancel  context.CancelFunc
}

func NewServer(cfg types.WebConf, controller Controller, hub *Hub) *Server {
	return &Server{
		cfg:     cfg,
		handler: NewHandler(controller, hub),
		hub:     hub,
	}
}

// Routes 构造路由。除 /api/status 外都受 basic auth 保护。
func (s *Server) Routes() http.Handler {
	user, pass := s.cfg.User, s.cfg.Password
	h := s.handler
	mux := http.NewServeMux()

	mux.Handle("/api/identities", basicAuthMiddleware(http.HandlerFunc(h.HandleIdentities), user, pass))
	mux.Handle("/api/identities/import", basicAuthMiddleware(http.HandlerFunc(h.HandleImport), user, pass))
	mux.Handle("/api/refresh", basicAuthMiddleware(http.HandlerFunc(h.HandleRefresh), user, pass))
	mux.Handle("/api/verify", basicAuthMiddleware(http.HandlerFunc(h.HandleVerify), user, pass))

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.hub, w, r)
	})
	mux.HandleFunc("/api/status", h.HandleStatus)

	rootHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		index, err := staticFiles.ReadFile("static/index.html")
		if err != nil {
			http.Error(w, "Could not load index.html", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(index)
	})
	staticFS, _ := fs.Sub(staticFiles, "static")
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	mux.Handle("/", basicAuthMiddleware(rootHandler, user, pass))
	return mux
}

// Start 监听 [web] port。port <= 0 时不启动。
func (s *Server) Start(wg *sync.WaitGroup) error {
	if s.cfg.Port <= 0 {
		logger.Info().Msg("[WebServer] Web UI is disabled (port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start Web UI on %s: %w", addr, err)
	}
	s.srv = &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	logger.Info().Msgf("SUCCESS: Web UI is listening on http://%s", addr)

	wg.Add(3)
	go func() {
		defer wg.Done()
		s.hub.Run()
	}()
	go func() {
		defer wg.Done()
		s.hub.PushStatus(ctx, 5*time.Second, s.handler.status)
	}()
	go func() {
		defer wg.Done()
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Shutdown stops the HTTP server, the status pusher and the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.cancel()
	s.hub.Close()
	return s.srv.Shutdown(ctx)
}
