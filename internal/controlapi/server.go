package controlapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/vk/labsched/internal/ctxlog"
)

// Server is the Control API's command plane: one net/http handler per
// spec §4.7 command, plus the observation-plane Hub's websocket endpoint.
// Generalized from the teacher's healthcheck server (one mux, one
// logged ListenAndServe call in a goroutine) to a command surface with
// several routes and a graceful shutdown path.
type Server struct {
	handler     CommandHandler
	hub         *Hub
	idempotency *idempotencyCache

	httpServer *http.Server
}

// NewServer creates a Server dispatching commands to handler and
// broadcasting state transitions over hub.
func NewServer(handler CommandHandler, hub *Hub) *Server {
	return &Server{
		handler:     handler,
		hub:         hub,
		idempotency: newIdempotencyCache(),
	}
}

// Start runs the command plane on addr until ctx is cancelled, then shuts
// it down gracefully. It blocks until shutdown completes (or 5s elapse).
func (s *Server) Start(ctx context.Context, addr string) error {
	logger := ctxlog.FromContext(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit_process", s.handleSubmitProcess)
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("POST /resume", s.handleResume)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("POST /enable_simulation", s.handleEnableSimulation)
	mux.HandleFunc("POST /disable_simulation", s.handleDisableSimulation)
	mux.HandleFunc("GET /query_status", s.handleQueryStatus)
	mux.HandleFunc("POST /configure_lab", s.handleConfigureLab)
	mux.HandleFunc("/observe", s.hub.ServeWS)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control API server starting", "address", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("control API server stopping")
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
