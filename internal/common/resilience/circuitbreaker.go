// Package resilience provides circuit breaker protection for the external
// reputation and geolocation providers consulted during login.
package resilience

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// ErrCircuitOpen is returned when a request is rejected without being attempted
var ErrCircuitOpen = errors.New("circuit breaker is open")

var (
	cbStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "loginguard",
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	cbTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loginguard",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	cbRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loginguard",
			Name:      "circuit_breaker_requests_total",
			Help:      "Total requests through circuit breaker",
		},
		[]string{"name", "result"},
	)
)

func stateFromGobreaker(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func stateToFloat(s CircuitState) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreakerConfig configures a CircuitBreaker
type CircuitBreakerConfig struct {
	Name         string
	Threshold    uint32        // consecutive failures before opening
	ResetTimeout time.Duration // how long to stay open before half-open
	Logger       *zap.Logger
}

// CircuitBreakerStats holds stats for readiness reporting
type CircuitBreakerStats struct {
	Name                string       `json:"name"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures uint32       `json:"consecutive_failures"`
	Threshold           uint32       `json:"threshold"`
}

// CircuitBreaker wraps a gobreaker instance with logging and metrics
type CircuitBreaker struct {
	name      string
	threshold uint32
	cb        *gobreaker.CircuitBreaker[any]
	logger    *zap.Logger
}

// NewCircuitBreaker creates a new CircuitBreaker with the given configuration
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Threshold == 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &CircuitBreaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		logger:    logger,
	}

	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f, t := stateFromGobreaker(from), stateFromGobreaker(to)
			cbStateGauge.WithLabelValues(name).Set(stateToFloat(t))
			cbTransitionsTotal.WithLabelValues(name, string(f), string(t)).Inc()
			if t == StateOpen {
				b.logger.Error("Circuit breaker opened",
					zap.String("name", name),
					zap.Duration("reset_timeout", cfg.ResetTimeout))
			} else {
				b.logger.Info("Circuit breaker state changed",
					zap.String("name", name),
					zap.String("from", string(f)),
					zap.String("to", string(t)))
			}
		},
	})
	cbStateGauge.WithLabelValues(cfg.Name).Set(0)
	return b
}

// Name returns the breaker name
func (b *CircuitBreaker) Name() string {
	return b.name
}

// Execute runs fn through the circuit breaker. If the circuit is open the
// call is rejected with ErrCircuitOpen and fn is not invoked.
func (b *CircuitBreaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		cbRequestsTotal.WithLabelValues(b.name, "rejected").Inc()
		return ErrCircuitOpen
	case err != nil:
		cbRequestsTotal.WithLabelValues(b.name, "failure").Inc()
		b.logger.Debug("Circuit breaker recorded failure",
			zap.String("name", b.name),
			zap.Error(err))
		return err
	}
	cbRequestsTotal.WithLabelValues(b.name, "success").Inc()
	return nil
}

// State returns the current state of the circuit breaker
func (b *CircuitBreaker) State() CircuitState {
	return stateFromGobreaker(b.cb.State())
}

// Stats returns current stats for readiness reporting
func (b *CircuitBreaker) Stats() CircuitBreakerStats {
	return CircuitBreakerStats{
		Name:                b.name,
		State:               b.State(),
		ConsecutiveFailures: b.cb.Counts().ConsecutiveFailures,
		Threshold:           b.threshold,
	}
}
