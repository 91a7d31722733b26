package risk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openidx/loginguard/internal/metrics"
)

// FailMode decides what a transport failure means for a reputation signal
type FailMode string

const (
	// FailOpen treats an unreachable provider as a negative signal
	FailOpen FailMode = "open"
	// FailClosed treats an unreachable provider as a positive signal
	FailClosed FailMode = "closed"
)

// Cache namespaces, one per predicate
const (
	cacheKindVPN   = "vpn_check"
	cacheKindTor   = "tor_check"
	cacheKindProxy = "proxy_check"
)

var tracer = otel.Tracer("github.com/openidx/loginguard/internal/risk")

var errSignalPositive = errors.New("positive signal")

// ReputationVerdict holds the three reputation predicates for one address
type ReputationVerdict struct {
	VPNOrProxy  bool `json:"vpn_or_proxy"`
	TorExitNode bool `json:"tor_exit_node"`
	OpenProxy   bool `json:"open_proxy"`
}

// CheckerConfig wires a ReputationChecker. Nil collaborators disable the
// signals that need them.
type CheckerConfig struct {
	Providers []ReputationProvider // queried in order; order decides the reported reason
	TorList   *TorExitList
	Resolver  *Resolver
	Hosts     HostResolver
	Prober    *OpenProxyProber // nil disables IsOpenProxy
	Cache     Cache
	Policy    *Policy

	FailMode FailMode
	Deadline time.Duration // overall budget for one VPN-or-proxy verdict

	VPNCacheTTL   time.Duration
	TorCacheTTL   time.Duration
	ProxyCacheTTL time.Duration

	Logger *zap.Logger
}

// ReputationChecker classifies addresses as VPN, proxy, Tor or hosting
// networks. Every predicate answers from the cache when it can and never
// returns an error; transport failures are resolved by the fail mode.
type ReputationChecker struct {
	providers []ReputationProvider
	tor       *TorExitList
	resolver  *Resolver
	hosts     HostResolver
	prober    *OpenProxyProber
	cache     Cache
	policy    *Policy
	failMode  FailMode
	deadline  time.Duration
	vpnTTL    time.Duration
	torTTL    time.Duration
	proxyTTL  time.Duration
	logger    *zap.Logger

	hostnameSignal signal
}

// NewReputationChecker validates cfg and builds a checker
func NewReputationChecker(cfg CheckerConfig) (*ReputationChecker, error) {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy()
	}
	patterns, err := cfg.Policy.compileHostnamePatterns()
	if err != nil {
		return nil, err
	}
	switch cfg.FailMode {
	case "":
		cfg.FailMode = FailOpen
	case FailOpen, FailClosed:
	default:
		return nil, fmt.Errorf("unknown fail mode %q", cfg.FailMode)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &ReputationChecker{
		providers:      cfg.Providers,
		tor:            cfg.TorList,
		resolver:       cfg.Resolver,
		hosts:          cfg.Hosts,
		prober:         cfg.Prober,
		cache:          cfg.Cache,
		policy:         cfg.Policy,
		failMode:       cfg.FailMode,
		deadline:       durationOr(cfg.Deadline, 3*time.Second),
		vpnTTL:         durationOr(cfg.VPNCacheTTL, 24*time.Hour),
		torTTL:         durationOr(cfg.TorCacheTTL, 12*time.Hour),
		proxyTTL:       durationOr(cfg.ProxyCacheTTL, 6*time.Hour),
		logger:         cfg.Logger.With(zap.String("component", "reputation")),
		hostnameSignal: hostnameSignal(cfg.Hosts, patterns),
	}, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// FailMode returns the configured fail mode
func (c *ReputationChecker) FailMode() FailMode { return c.failMode }

// ProbingEnabled reports whether IsOpenProxy actively probes
func (c *ReputationChecker) ProbingEnabled() bool { return c.prober != nil }

// IsVPNOrProxy combines the provider APIs, Tor membership, the hosting
// network lists, reverse DNS and the timezone heuristic with a logical OR.
func (c *ReputationChecker) IsVPNOrProxy(ctx context.Context, ip string) bool {
	ip = strings.TrimSpace(ip)
	if !isLookupable(ip) {
		return false
	}
	ctx, span := tracer.Start(ctx, "risk.IsVPNOrProxy")
	defer span.End()

	positive, err := c.lookup(ctx, cacheKindVPN, ip, c.vpnTTL, c.vpnOrProxy)
	if err != nil {
		span.SetAttributes(attribute.Bool("reputation.degraded", true))
		return c.failMode == FailClosed
	}
	span.SetAttributes(attribute.Bool("reputation.positive", positive))
	return positive
}

// IsTorExitNode reports whether ip appears on the Tor bulk exit list
func (c *ReputationChecker) IsTorExitNode(ctx context.Context, ip string) bool {
	ip = strings.TrimSpace(ip)
	if !isLookupable(ip) {
		return false
	}
	positive, err := c.torExitNode(ctx, ip)
	if err != nil {
		return c.failMode == FailClosed && !errors.Is(err, ErrNotConfigured)
	}
	return positive
}

// IsOpenProxy reports whether ip accepts TCP connections on a common proxy
// port. It is always false unless probing was enabled.
func (c *ReputationChecker) IsOpenProxy(ctx context.Context, ip string) bool {
	ip = strings.TrimSpace(ip)
	if c.prober == nil || !isLookupable(ip) {
		return false
	}
	positive, err := c.lookup(ctx, cacheKindProxy, ip, c.proxyTTL, func(ctx context.Context, ip string) (bool, error) {
		open := c.prober.Probe(ctx, ip)
		if !open && ctx.Err() != nil {
			return false, ctx.Err()
		}
		return open, nil
	})
	if err != nil {
		return c.failMode == FailClosed
	}
	return positive
}

// Check runs all three predicates concurrently
func (c *ReputationChecker) Check(ctx context.Context, ip string) ReputationVerdict {
	var v ReputationVerdict
	var g errgroup.Group
	g.Go(func() error { v.VPNOrProxy = c.IsVPNOrProxy(ctx, ip); return nil })
	g.Go(func() error { v.TorExitNode = c.IsTorExitNode(ctx, ip); return nil })
	g.Go(func() error { v.OpenProxy = c.IsOpenProxy(ctx, ip); return nil })
	_ = g.Wait()
	return v
}

// FlushCaches deletes every cached reputation verdict and drops the Tor list
// snapshot. It returns the number of cache entries removed.
func (c *ReputationChecker) FlushCaches(ctx context.Context) (int64, error) {
	var total int64
	if c.cache != nil {
		for _, kind := range []string{cacheKindVPN, cacheKindTor, cacheKindProxy} {
			n, err := c.cache.DeletePattern(ctx, kind+":*")
			total += n
			if err != nil {
				return total, fmt.Errorf("flush %s: %w", kind, err)
			}
		}
	}
	if c.tor != nil {
		c.tor.Reset()
	}
	c.logger.Info("Reputation caches flushed", zap.Int64("deleted", total))
	return total, nil
}

func (c *ReputationChecker) torExitNode(ctx context.Context, ip string) (bool, error) {
	if c.tor == nil {
		return false, ErrNotConfigured
	}
	return c.lookup(ctx, cacheKindTor, ip, c.torTTL, func(ctx context.Context, ip string) (bool, error) {
		listed, err := c.tor.Contains(ctx, ip)
		if err != nil {
			c.logger.Debug("Tor exit list unavailable", zap.Error(err))
		}
		return listed, err
	})
}

// lookup answers from the cache or computes and stores the result. A compute
// error is returned as-is and nothing is cached.
func (c *ReputationChecker) lookup(ctx context.Context, kind, ip string, ttl time.Duration,
	compute func(context.Context, string) (bool, error)) (bool, error) {
	key := kind + ":" + ip

	if c.cache != nil {
		raw, err := c.cache.Get(ctx, key)
		switch {
		case err == nil:
			if v, perr := strconv.ParseBool(raw); perr == nil {
				return v, nil
			}
		case !errors.Is(err, ErrCacheMiss):
			c.logger.Debug("Reputation cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	positive, err := compute(ctx, ip)
	if err != nil {
		return false, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, strconv.FormatBool(positive), ttl); err != nil {
			c.logger.Debug("Reputation cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return positive, nil
}

type signalResult struct {
	positive bool
	err      error
}

// vpnOrProxy fans the signals out under the checker deadline. The first
// positive cancels the others. With no positive, any transport failure is
// returned so the caller can apply the fail mode and skip caching.
func (c *ReputationChecker) vpnOrProxy(ctx context.Context, ip string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	signals := c.signals()
	results := make([]signalResult, len(signals))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range signals {
		g.Go(func() error {
			ok, err := s.check(gctx, ip)
			results[i] = signalResult{positive: ok, err: err}
			if ok || (c.failMode == FailClosed && err != nil && !errors.Is(err, ErrNotConfigured)) {
				return errSignalPositive
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		if r.positive {
			metrics.RecordReputationSignal(signals[i].name, "positive")
			c.logger.Debug("Address flagged", zap.String("ip", ip), zap.String("signal", signals[i].name))
			return true, nil
		}
	}

	var failures []error
	for i, r := range results {
		name := signals[i].name
		switch {
		case r.err == nil:
			metrics.RecordReputationSignal(name, "negative")
		case errors.Is(r.err, ErrNotConfigured):
			metrics.RecordReputationSignal(name, "skipped")
		default:
			metrics.RecordReputationSignal(name, "error")
			failures = append(failures, fmt.Errorf("%s: %w", name, r.err))
		}
	}
	if len(failures) > 0 {
		err := errors.Join(failures...)
		log := c.logger.Warn
		if ctx.Err() != nil {
			// cut short by the caller or the deadline, not a provider outage
			log = c.logger.Debug
		}
		log("Reputation signals unavailable",
			zap.String("ip", ip),
			zap.String("fail_mode", string(c.failMode)),
			zap.Error(err))
		return false, err
	}
	return false, nil
}

// signals builds the ordered signal list for one verdict. The datacenter and
// timezone signals share a single geolocation lookup.
func (c *ReputationChecker) signals() []signal {
	out := make([]signal, 0, len(c.providers)+5)
	for _, p := range c.providers {
		out = append(out, signal{name: p.Name(), check: p.Check})
	}
	out = append(out, signal{name: SignalTor, check: c.torExitNode})

	once := &locationOnce{}
	loc := func(ctx context.Context, ip string) (ResolvedLocation, bool) {
		if c.resolver == nil {
			return ResolvedLocation{}, false
		}
		l := once.get(ctx, c.resolver, ip)
		return l, l.Resolved()
	}
	out = append(out,
		datacenterSignal(c.policy, loc),
		c.hostnameSignal,
		timezoneSignal(c.policy, loc),
	)
	return out
}
