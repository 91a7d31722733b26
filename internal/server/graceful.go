// Package server runs the loginguard HTTP server and tears down its
// dependencies when the process is asked to stop.
package server

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Shutdownable represents a component that can be gracefully shut down
type Shutdownable interface {
	Shutdown(ctx context.Context) error
	Name() string
}

// ShutdownFunc wraps a function to implement Shutdownable
type ShutdownFunc struct {
	name string
	fn   func(context.Context) error
}

// NewShutdownFunc creates a Shutdownable from a function
func NewShutdownFunc(name string, fn func(context.Context) error) *ShutdownFunc {
	return &ShutdownFunc{name: name, fn: fn}
}

// Name returns the component name
func (s *ShutdownFunc) Name() string { return s.name }

// Shutdown calls the wrapped function
func (s *ShutdownFunc) Shutdown(ctx context.Context) error { return s.fn(ctx) }

// Config holds configuration for graceful shutdown
type Config struct {
	Server          *http.Server
	Logger          *zap.Logger
	ShutdownTimeout time.Duration
}

// GracefulShutdown owns the HTTP server lifecycle. Components are shut down
// after the server, in reverse registration order, so a component registered
// early (the store) outlives the ones built on top of it.
type GracefulShutdown struct {
	server  *http.Server
	logger  *zap.Logger
	timeout time.Duration

	mu         sync.Mutex
	components []Shutdownable
}

// New creates a new GracefulShutdown manager
func New(cfg Config) *GracefulShutdown {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &GracefulShutdown{
		server:  cfg.Server,
		logger:  cfg.Logger,
		timeout: cfg.ShutdownTimeout,
	}
}

// Register adds a component to the shutdown list
func (g *GracefulShutdown) Register(s Shutdownable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.components = append(g.components, s)
}

// RegisterFunc adds a shutdown function as a component
func (g *GracefulShutdown) RegisterFunc(name string, fn func(context.Context) error) {
	g.Register(NewShutdownFunc(name, fn))
}

// Run serves HTTP until ctx is cancelled or SIGINT/SIGTERM arrives, then
// shuts everything down. It returns the listener error if the server could
// not start.
func (g *GracefulShutdown) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("Server listening", zap.String("addr", g.server.Addr))
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("Shutdown requested")
	case serveErr = <-errCh:
		if serveErr != nil {
			g.logger.Error("Server error", zap.Error(serveErr))
		}
	}

	g.Shutdown()
	return serveErr
}

// Shutdown stops the server and then every registered component. Errors are
// logged; shutdown always runs to completion or until the timeout elapses.
func (g *GracefulShutdown) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Warn("HTTP server shutdown incomplete, forcing close", zap.Error(err))
			_ = g.server.Close()
		} else {
			g.logger.Info("HTTP server stopped")
		}
	}

	g.mu.Lock()
	components := make([]Shutdownable, len(g.components))
	copy(components, g.components)
	g.mu.Unlock()

	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if ctx.Err() != nil {
			g.logger.Warn("Shutdown timed out, skipping component", zap.String("component", c.Name()))
			continue
		}
		if err := c.Shutdown(ctx); err != nil {
			g.logger.Error("Error shutting down component",
				zap.String("component", c.Name()),
				zap.Error(err))
			continue
		}
		g.logger.Info("Component shutdown complete", zap.String("component", c.Name()))
	}
}

// Closer adapts anything with a Close method (database pools, Redis clients)
func Closer(name string, c interface{ Close() error }) Shutdownable {
	return NewShutdownFunc(name, func(context.Context) error {
		return c.Close()
	})
}
