package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsprobe-dev/opsprobe/internal/config"
	"github.com/opsprobe-dev/opsprobe/internal/queue"
	"github.com/opsprobe-dev/opsprobe/internal/registry"
	"github.com/opsprobe-dev/opsprobe/internal/store"
	"github.com/opsprobe-dev/opsprobe/internal/workflow"
)

// Server is the viewer-facing gateway: the WebSocket endpoint, health and
// metrics. Investigation work itself runs out of process via the queue.
type Server struct {
	cfg      config.ServerConfig
	store    *store.Store
	sessions *store.SessionCache
	queue    *queue.Queue
	engine   *workflow.Engine
	registry *registry.Registry
	logger   logr.Logger

	httpServer *http.Server
}

// New creates a gateway server
func New(
	cfg config.ServerConfig,
	st *store.Store,
	sessions *store.SessionCache,
	q *queue.Queue,
	engine *workflow.Engine,
	reg *registry.Registry,
	logger logr.Logger,
) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		queue:    q,
		engine:   engine,
		registry: reg,
		logger:   logger.WithName("gateway"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/agent/ws", s.handleWebSocket)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.registry.ConnectionCount())
}
