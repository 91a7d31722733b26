package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openidx/loginguard/internal/common/resilience"
)

// Pinger is satisfied by the Postgres and Redis wrappers
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a dependency down when Ping fails and degraded when
// it answers slower than SlowAfter.
type PingChecker struct {
	name      string
	pinger    Pinger
	critical  bool
	slowAfter time.Duration
}

// NewPingChecker creates a checker for a pingable dependency
func NewPingChecker(name string, p Pinger, critical bool, slowAfter time.Duration) *PingChecker {
	return &PingChecker{name: name, pinger: p, critical: critical, slowAfter: slowAfter}
}

func (p *PingChecker) Name() string   { return p.name }
func (p *PingChecker) Critical() bool { return p.critical }

// Check pings the dependency and measures latency
func (p *PingChecker) Check(ctx context.Context) ComponentStatus {
	start := time.Now()
	err := p.pinger.Ping(ctx)
	latency := time.Since(start)

	st := ComponentStatus{Status: StatusUp, LatencyMS: float64(latency.Microseconds()) / 1000}
	switch {
	case err != nil:
		st.Status = StatusDown
		st.Details = err.Error()
	case p.slowAfter > 0 && latency > p.slowAfter:
		st.Status = StatusDegraded
		st.Details = "high latency"
	}
	return st
}

// BreakerChecker reports degraded while any tracked upstream circuit is
// open. Open circuits never make the service unready: reputation lookups
// have a fail mode.
type BreakerChecker struct {
	mu       sync.RWMutex
	breakers []*resilience.CircuitBreaker
}

func NewBreakerChecker() *BreakerChecker {
	return &BreakerChecker{}
}

// Track adds cb to the report, replacing a breaker with the same name
func (b *BreakerChecker) Track(cb *resilience.CircuitBreaker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, have := range b.breakers {
		if have.Name() == cb.Name() {
			b.breakers[i] = cb
			return
		}
	}
	b.breakers = append(b.breakers, cb)
	sort.Slice(b.breakers, func(i, j int) bool { return b.breakers[i].Name() < b.breakers[j].Name() })
}

func (b *BreakerChecker) Name() string   { return "circuit_breakers" }
func (b *BreakerChecker) Critical() bool { return false }

// Check lists the circuits that are not closed
func (b *BreakerChecker) Check(context.Context) ComponentStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var open []string
	for _, cb := range b.breakers {
		if st := cb.State(); st != resilience.StateClosed {
			open = append(open, fmt.Sprintf("%s=%s", cb.Name(), st))
		}
	}
	if len(open) == 0 {
		return ComponentStatus{Status: StatusUp}
	}
	return ComponentStatus{Status: StatusDegraded, Details: strings.Join(open, ", ")}
}
