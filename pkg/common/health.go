package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/arl/statsviz"

	"github.com/ahrav/binlog-relay/pkg/common/logger"
)

// HealthServer serves liveness and readiness probes along with a live runtime
// dashboard under /debug/statsviz.
type HealthServer struct {
	srv   *http.Server
	ready *atomic.Bool
	log   *logger.Logger
}

// NewHealthServer builds the server. /readiness reports 503 until ready is set.
func NewHealthServer(addr string, ready *atomic.Bool, log *logger.Logger) (*HealthServer, error) {
	h := &HealthServer{ready: ready, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	mux.HandleFunc("/readiness", func(w http.ResponseWriter, r *http.Request) {
		if !h.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "Not Ready")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "Ready")
	})
	if err := statsviz.Register(mux, statsviz.Root("/debug/statsviz")); err != nil {
		return nil, fmt.Errorf("registering statsviz: %w", err)
	}

	h.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}
	return h, nil
}

// Handler returns the server's routes.
func (h *HealthServer) Handler() http.Handler { return h.srv.Handler }

// Start serves in the background. Listen errors other than a clean shutdown
// are logged.
func (h *HealthServer) Start(ctx context.Context) {
	go func() {
		h.log.Info(ctx, "startup", "status", "http health server started", "host", h.srv.Addr)
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error(ctx, "health server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (h *HealthServer) Shutdown(ctx context.Context) error { return h.srv.Shutdown(ctx) }
