package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketgate/internal/config"
)

// Server exposes the WebSocket endpoint plus health and metrics.
type Server struct {
	hub    *Hub
	cfg    config.ServerConfig
	logger *slog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer builds the HTTP surface around a hub.
func NewServer(hub *Hub, cfg config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		hub:    hub,
		cfg:    cfg,
		logger: logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Personal gateway: clients connect from local tooling, not
			// browsers on foreign origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	return s
}

// Start serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("websocket server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(s.hub, conn, s.cfg.SendQueueSize, s.cfg.WriteTimeout, s.logger)
	s.hub.Attach(client)
	s.logger.Debug("client connected", "remote", r.RemoteAddr)

	// The request context dies when this handler returns; the connection
	// lives until the peer goes away.
	go client.run(context.Background())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"clients":       s.hub.ClientCount(),
		"subscriptions": s.hub.SubscriptionCount(),
	})
}
