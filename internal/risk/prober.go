package risk

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultProxyPorts are ports commonly used by open HTTP and SOCKS proxies
var DefaultProxyPorts = []int{80, 443, 808, 1080, 3128, 8080, 8888, 9999}

// Dialer is the TCP connect primitive used by the prober. *net.Dialer
// satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var errPortOpen = errors.New("port open")

// OpenProxyProber actively connects to a login address on common proxy
// ports. It probes the caller's own address during authentication, so it is
// only constructed when explicitly enabled.
type OpenProxyProber struct {
	dialer  Dialer
	ports   []int
	timeout time.Duration
	logger  *zap.Logger
}

// NewOpenProxyProber creates a prober. Empty ports selects DefaultProxyPorts.
func NewOpenProxyProber(dialer Dialer, ports []int, timeout time.Duration, logger *zap.Logger) *OpenProxyProber {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if len(ports) == 0 {
		ports = DefaultProxyPorts
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenProxyProber{
		dialer:  dialer,
		ports:   ports,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "open_proxy_prober")),
	}
}

// Probe dials every port in parallel, each bounded by the per-port timeout.
// The first successful connect cancels the rest and returns true. Refused or
// timed-out connects are negative.
func (p *OpenProxyProber) Probe(ctx context.Context, ip string) bool {
	g, gctx := errgroup.WithContext(ctx)
	for _, port := range p.ports {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()

			conn, err := p.dialer.DialContext(dctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
			if err != nil {
				return nil
			}
			_ = conn.Close()
			p.logger.Debug("Open port found", zap.String("ip", ip), zap.Int("port", port))
			return errPortOpen
		})
	}
	return errors.Is(g.Wait(), errPortOpen)
}
