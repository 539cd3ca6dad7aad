package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/kaibot/internal/channels"
	"github.com/nextlevelbuilder/kaibot/internal/config"
	httpapi "github.com/nextlevelbuilder/kaibot/internal/http"
)

// Server is the HTTP front door: platform webhooks, health probes and the
// admin API.
type Server struct {
	cfg      *config.Config
	channels *channels.Manager
	version  string

	statusHandler *httpapi.StatusHandler // optional admin API

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, channelMgr *channels.Manager, version string) *Server {
	return &Server{
		cfg:      cfg,
		channels: channelMgr,
		version:  version,
	}
}

// SetStatusHandler enables the admin API.
func (s *Server) SetStatusHandler(h *httpapi.StatusHandler) { s.statusHandler = h }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Webhook receivers (POST); the platform's console verifies the URL
	// with a plain GET as well.
	if s.channels != nil {
		s.channels.RegisterRoutes(mux)
	}
	mux.HandleFunc("GET "+s.cfg.Line.WebhookPath, s.handleWebhookProbe)

	if s.statusHandler != nil {
		s.statusHandler.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", ln.Addr().String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		grace := s.cfg.ShutdownGrace()
		if grace <= 0 {
			grace = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown", "error", err)
		}
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	<-done
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Kai bot running"))
}

func (s *Server) handleWebhookProbe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("OK"))
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": s.version})
}
