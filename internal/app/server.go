package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/fxnlabs/rdna/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Server is the HTTP server bound to the application lifecycle.
type Server struct {
	http   *http.Server
	logger *zap.Logger

	mu   sync.Mutex
	addr net.Addr
}

// NewServer creates the server; it listens on start and shuts down on stop.
func NewServer(lc fx.Lifecycle, cfg *config.Config, handler *Handler, logger *zap.Logger) *Server {
	s := &Server{
		http: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler.Routes(),
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
		},
		logger: logger.Named("server"),
	}
	lc.Append(fx.Hook{
		OnStart: s.start,
		OnStop: func(ctx context.Context) error {
			if cfg.Server.ShutdownTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
				defer cancel()
			}
			return s.http.Shutdown(ctx)
		},
	})
	return s
}

func (s *Server) start(context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("Starting server on", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the address the server listens on, or nil before start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
