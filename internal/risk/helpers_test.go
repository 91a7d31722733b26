package risk

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

func float(v float64) *float64 { return &v }

// located builds a login attempt with a stored location
func located(id, cc string, lat, lon float64, at time.Time) LoginAttempt {
	return LoginAttempt{
		ID:        id,
		UserID:    "user-1",
		IPAddress: "203.0.113.10",
		UserAgent: "Mozilla/5.0",
		CreatedAt: at,
		Location: &AttemptLocation{
			Country:     cc,
			CountryCode: cc,
			Latitude:    float(lat),
			Longitude:   float(lon),
		},
	}
}

// mapCache is an in-process Cache that counts writes
type mapCache struct {
	mu     sync.Mutex
	data   map[string]string
	ttls   map[string]time.Duration
	sets   int
	getErr error
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (c *mapCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return "", c.getErr
	}
	v, ok := c.data[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (c *mapCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.ttls[key] = ttl
	c.sets++
	return nil
}

func (c *mapCache) DeletePattern(_ context.Context, pattern string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var n int64
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.data, k)
			n++
		}
	}
	return n, nil
}

func (c *mapCache) value(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

// stubProvider answers a fixed verdict and counts calls
type stubProvider struct {
	name     string
	positive bool
	err      error
	delay    time.Duration
	calls    atomic.Int32
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Check(ctx context.Context, _ string) (bool, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return p.positive, p.err
}

// stubSource is a GeoSource with canned answers keyed by IP
type stubSource struct {
	locations map[string]ResolvedLocation
	err       error
	calls     atomic.Int32
}

func (s *stubSource) Lookup(_ context.Context, ip string) (ResolvedLocation, error) {
	s.calls.Add(1)
	if s.err != nil {
		return ResolvedLocation{}, s.err
	}
	loc, ok := s.locations[ip]
	if !ok {
		return ResolvedLocation{}, ErrLocationNotFound
	}
	return loc, nil
}

// fakeHosts answers reverse lookups from a table
type fakeHosts map[string][]string

func (h fakeHosts) LookupAddr(_ context.Context, addr string) ([]string, error) {
	names, ok := h[addr]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
	}
	return names, nil
}

// fakeDialer accepts connections only on the listed addresses
type fakeDialer struct {
	open  map[string]bool
	mu    sync.Mutex
	dials []string
}

func (d *fakeDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, address)
	d.mu.Unlock()
	if d.open[address] {
		client, server := net.Pipe()
		_ = server.Close()
		return client, nil
	}
	return nil, errors.New("connection refused")
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}
