package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/porta/internal/logging"
)

// Server runs the proxy listener and, when enabled, the admin
// listener, and shuts both down gracefully.
type Server struct {
	proxy *http.Server
	admin *http.Server
}

// NewServer builds the listeners. adminHandler may be nil to disable
// the admin API.
func NewServer(host string, port, adminPort int, proxyHandler, adminHandler http.Handler) *Server {
	s := &Server{
		proxy: &http.Server{
			Addr:              net.JoinHostPort(host, fmt.Sprintf("%d", port)),
			Handler:           proxyHandler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if adminHandler != nil {
		s.admin = &http.Server{
			Addr:              net.JoinHostPort(host, fmt.Sprintf("%d", adminPort)),
			Handler:           adminHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s
}

// Start brings up the listeners and blocks until one of them fails or
// the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		logging.Info("proxy listening", zap.String("addr", s.proxy.Addr))
		if err := s.proxy.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()
	if s.admin != nil {
		go func() {
			logging.Info("admin listening", zap.String("addr", s.admin.Addr))
			if err := s.admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown drains in-flight requests on both listeners.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	if err := s.proxy.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
