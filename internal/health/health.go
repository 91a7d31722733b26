// Package health serves liveness and readiness probes for loginguard
// services based on the state of their backing dependencies.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Component states
const (
	StatusUp       = "up"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// checkTimeout bounds a single dependency check
const checkTimeout = 5 * time.Second

// ComponentStatus is the result of checking one dependency
type ComponentStatus struct {
	Status    string  `json:"status"`
	LatencyMS float64 `json:"latency_ms"`
	Details   string  `json:"details,omitempty"`
}

// Response is the body of the detailed health endpoint
type Response struct {
	Status     string                     `json:"status"`
	Service    string                     `json:"service"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentStatus `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Checker checks a single dependency. Critical checkers that report down
// make the service not ready.
type Checker interface {
	Name() string
	Critical() bool
	Check(ctx context.Context) ComponentStatus
}

// Service aggregates registered checkers
type Service struct {
	service string
	version string
	started time.Time
	logger  *zap.Logger

	mu       sync.RWMutex
	checkers []Checker
}

// NewService creates a health service for the named service
func NewService(service, version string, logger *zap.Logger) *Service {
	return &Service{
		service: service,
		version: version,
		started: time.Now(),
		logger:  logger.With(zap.String("component", "health")),
	}
}

// Register adds checkers to the service
func (s *Service) Register(checkers ...Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers = append(s.checkers, checkers...)
}

func (s *Service) snapshot() []Checker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Checker(nil), s.checkers...)
}

// Check runs every checker concurrently and reports the worst status.
// The second result is false when a critical checker is down.
func (s *Service) Check(ctx context.Context) (*Response, bool) {
	checkers := s.snapshot()
	results := make([]ComponentStatus, len(checkers))

	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			results[i] = c.Check(cctx)
		}()
	}
	wg.Wait()

	resp := &Response{
		Status:     StatusUp,
		Service:    s.service,
		Version:    s.version,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Components: make(map[string]ComponentStatus, len(checkers)),
		CheckedAt:  time.Now().UTC(),
	}
	ready := true
	for i, c := range checkers {
		st := results[i]
		resp.Components[c.Name()] = st
		switch st.Status {
		case StatusDown:
			resp.Status = StatusDown
			if c.Critical() {
				ready = false
			}
			s.logger.Warn("Component is down", zap.String("name", c.Name()), zap.String("details", st.Details))
		case StatusDegraded:
			if resp.Status == StatusUp {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp, ready
}

// Handler serves the detailed report. Only a down component yields 503.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, _ := s.Check(c.Request.Context())
		code := http.StatusOK
		if resp.Status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, resp)
	}
}

// ReadyHandler answers readiness probes
func (s *Service) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, ready := s.Check(c.Request.Context())
		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "components": resp.Components})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "components": resp.Components})
	}
}

// LiveHandler answers liveness probes; it never touches dependencies
func (s *Service) LiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive", "service": s.service})
	}
}

// RegisterRoutes mounts /health, /health/live and /health/ready plus the
// bare /ready alias used by older probes.
func (s *Service) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", s.Handler())
	router.GET("/health/live", s.LiveHandler())
	router.GET("/health/ready", s.ReadyHandler())
	router.GET("/ready", s.ReadyHandler())
}
