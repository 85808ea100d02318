package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/relayctrl/internal/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	// drainTimeout bounds shutdown; a stuck replay or slow upstream must not
	// keep the process alive indefinitely.
	drainTimeout = 5 * time.Second
)

// Server runs the relay API listener and drains it exactly once on shutdown.
type Server struct {
	logger *slog.Logger
	http   *http.Server
	once   sync.Once
}

// New binds the relay API handler to the configured listen address. The
// service is meant to sit on loopback next to its callers, so no TLS.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	addr := net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port))
	return &Server{
		logger: logger.With(slog.String("agent", "lifecycle")),
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
		},
	}, nil
}

// Run blocks until the listener fails or the context is cancelled.
// Cancellation drains in-flight requests before returning the context error.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay api listening", slog.String("address", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		if err := s.drain(); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// drain stops accepting connections and waits for in-flight requests, at
// most once; cascading cancellations share the same shutdown.
func (s *Server) drain() error {
	var drainErr error
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		s.logger.Info("draining relay api")
		drainErr = s.http.Shutdown(ctx)
	})
	return drainErr
}
