package risk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const publicIP = "198.51.100.7"

func newChecker(t *testing.T, cfg CheckerConfig) *ReputationChecker {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	c, err := NewReputationChecker(cfg)
	require.NoError(t, err)
	return c
}

func torServer(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.WriteHeader(status)
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewReputationChecker_RejectsUnknownFailMode(t *testing.T) {
	_, err := NewReputationChecker(CheckerConfig{FailMode: "sideways"})
	assert.Error(t, err)
}

func TestReputation_PrivateAddressesNeverQueried(t *testing.T) {
	p := &stubProvider{name: "stub", positive: true}
	c := newChecker(t, CheckerConfig{Providers: []ReputationProvider{p}, Prober: NewOpenProxyProber(&fakeDialer{}, nil, 0, nil)})

	for _, ip := range []string{"10.0.0.8", "192.168.1.1", "127.0.0.1", "::1", "bogus"} {
		assert.False(t, c.IsVPNOrProxy(context.Background(), ip), ip)
		assert.False(t, c.IsTorExitNode(context.Background(), ip), ip)
		assert.False(t, c.IsOpenProxy(context.Background(), ip), ip)
	}
	assert.Zero(t, p.calls.Load())
}

func TestReputation_ProviderPositiveIsCached(t *testing.T) {
	p := &stubProvider{name: "stub", positive: true}
	cache := newMapCache()
	c := newChecker(t, CheckerConfig{Providers: []ReputationProvider{p}, Cache: cache})

	assert.True(t, c.IsVPNOrProxy(context.Background(), publicIP))
	assert.True(t, c.IsVPNOrProxy(context.Background(), publicIP))
	assert.Equal(t, int32(1), p.calls.Load())

	v, ok := cache.value("vpn_check:" + publicIP)
	require.True(t, ok)
	assert.Equal(t, "true", v)
	assert.Equal(t, 24*time.Hour, cache.ttls["vpn_check:"+publicIP])
}

func TestReputation_CachedVerdictSkipsCompute(t *testing.T) {
	p := &stubProvider{name: "stub", positive: true}
	cache := newMapCache()
	cache.data["vpn_check:"+publicIP] = "false"
	c := newChecker(t, CheckerConfig{Providers: []ReputationProvider{p}, Cache: cache})

	assert.False(t, c.IsVPNOrProxy(context.Background(), publicIP))
	assert.Zero(t, p.calls.Load())
}

func TestReputation_CacheOutageStillComputes(t *testing.T) {
	p := &stubProvider{name: "stub", positive: true}
	cache := newMapCache()
	cache.getErr = errors.New("redis down")
	c := newChecker(t, CheckerConfig{Providers: []ReputationProvider{p}, Cache: cache})

	assert.True(t, c.IsVPNOrProxy(context.Background(), publicIP))
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestReputation_NegativeIsCached(t *testing.T) {
	p := &stubProvider{name: "stub"}
	cache := newMapCache()
	c := newChecker(t, CheckerConfig{Providers: []ReputationProvider{p}, Cache: cache})

	assert.False(t, c.IsVPNOrProxy(context.Background(), publicIP))
	v, ok := cache.value("vpn_check:" + publicIP)
	require.True(t, ok)
	assert.Equal(t, "false", v)
}

func TestReputation_FailModes(t *testing.T) {
	outage := errors.New("dial tcp: i/o timeout")

	t.Run("open", func(t *testing.T) {
		cache := newMapCache()
		c := newChecker(t, CheckerConfig{
			Providers: []ReputationProvider{&stubProvider{name: "stub", err: outage}},
			Cache:     cache,
			FailMode:  FailOpen,
		})
		assert.False(t, c.IsVPNOrProxy(context.Background(), publicIP))
		assert.Zero(t, cache.sets)
	})

	t.Run("closed", func(t *testing.T) {
		cache := newMapCache()
		c := newChecker(t, CheckerConfig{
			Providers: []ReputationProvider{&stubProvider{name: "stub", err: outage}},
			Cache:     cache,
			FailMode:  FailClosed,
		})
		assert.True(t, c.IsVPNOrProxy(context.Background(), publicIP))
		assert.Zero(t, cache.sets, "a verdict forced by an outage is not cached")
	})

	t.Run("positive beats outage in open mode", func(t *testing.T) {
		c := newChecker(t, CheckerConfig{
			Providers: []ReputationProvider{
				&stubProvider{name: "down", err: outage},
				&stubProvider{name: "up", positive: true},
			},
			FailMode: FailOpen,
		})
		assert.True(t, c.IsVPNOrProxy(context.Background(), publicIP))
	})
}

func TestReputation_UnconfiguredProvidersAreSkipped(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cache := newMapCache()
	c := newChecker(t, CheckerConfig{
		Providers: []ReputationProvider{
			NewIPQualityScoreClient("", srv.URL, 85, srv.Client()),
			NewProxyCheckClient("  ", srv.URL, 75, srv.Client()),
		},
		Cache:    cache,
		FailMode: FailClosed,
	})

	assert.False(t, c.IsVPNOrProxy(context.Background(), publicIP))
	assert.Zero(t, hits.Load())
	assert.Equal(t, 1, cache.sets, "a verdict with only skipped signals is a genuine negative")
}

func TestReputation_SlowProviderHitsDeadline(t *testing.T) {
	p := &stubProvider{name: "slow", delay: time.Second}
	cache := newMapCache()
	c := newChecker(t, CheckerConfig{
		Providers: []ReputationProvider{p},
		Cache:     cache,
		Deadline:  50 * time.Millisecond,
	})

	start := time.Now()
	assert.False(t, c.IsVPNOrProxy(context.Background(), publicIP))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Zero(t, cache.sets)
}

func TestReputation_FirstPositiveCancelsOthers(t *testing.T) {
	slow := &stubProvider{name: "slow", delay: 5 * time.Second}
	fast := &stubProvider{name: "fast", positive: true}
	c := newChecker(t, CheckerConfig{Providers: []ReputationProvider{slow, fast}})

	start := time.Now()
	assert.True(t, c.IsVPNOrProxy(context.Background(), publicIP))
	assert.Less(t, time.Since(start), time.Second)
}

func TestReputation_TorExitNode(t *testing.T) {
	t.Run("listed", func(t *testing.T) {
		var hits atomic.Int32
		srv := torServer(t, http.StatusOK, "# header\n"+publicIP+"\n\n203.0.113.50\n", &hits)
		cache := newMapCache()
		c := newChecker(t, CheckerConfig{
			TorList: NewTorExitList(srv.URL, srv.Client(), 0, nil),
			Cache:   cache,
		})

		assert.True(t, c.IsTorExitNode(context.Background(), publicIP))
		assert.False(t, c.IsTorExitNode(context.Background(), "203.0.113.51"))
		assert.Equal(t, int32(1), hits.Load(), "the list is fetched once per refresh interval")
		assert.Equal(t, 12*time.Hour, cache.ttls["tor_check:"+publicIP])
	})

	t.Run("list unavailable", func(t *testing.T) {
		srv := torServer(t, http.StatusInternalServerError, "", nil)
		cache := newMapCache()
		open := newChecker(t, CheckerConfig{TorList: NewTorExitList(srv.URL, srv.Client(), 0, nil), Cache: cache})
		closed := newChecker(t, CheckerConfig{TorList: NewTorExitList(srv.URL, srv.Client(), 0, nil), Cache: cache, FailMode: FailClosed})

		assert.False(t, open.IsTorExitNode(context.Background(), publicIP))
		assert.True(t, closed.IsTorExitNode(context.Background(), publicIP))
		assert.Zero(t, cache.sets)
	})

	t.Run("not configured", func(t *testing.T) {
		c := newChecker(t, CheckerConfig{FailMode: FailClosed})
		assert.False(t, c.IsTorExitNode(context.Background(), publicIP))
	})

	t.Run("tor membership flags vpn or proxy", func(t *testing.T) {
		srv := torServer(t, http.StatusOK, publicIP+"\n", nil)
		c := newChecker(t, CheckerConfig{TorList: NewTorExitList(srv.URL, srv.Client(), 0, nil)})
		assert.True(t, c.IsVPNOrProxy(context.Background(), publicIP))
	})
}

func TestTorExitList_Refresh(t *testing.T) {
	var hits atomic.Int32
	srv := torServer(t, http.StatusOK, publicIP+"\n", &hits)
	list := NewTorExitList(srv.URL, srv.Client(), time.Minute, nil)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	list.now = func() time.Time { return now }

	ok, err := list.Contains(context.Background(), publicIP)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(30 * time.Second)
	_, _ = list.Contains(context.Background(), publicIP)
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(time.Minute)
	_, _ = list.Contains(context.Background(), publicIP)
	assert.Equal(t, int32(2), hits.Load())

	list.Reset()
	_, _ = list.Contains(context.Background(), publicIP)
	assert.Equal(t, int32(3), hits.Load())
}

func TestTorExitList_SharedFetchOutlivesCancelledCaller(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(150 * time.Millisecond)
		_, _ = fmt.Fprint(w, publicIP+"\n")
	}))
	t.Cleanup(srv.Close)
	list := NewTorExitList(srv.URL, srv.Client(), time.Hour, nil)
	closed := newChecker(t, CheckerConfig{TorList: list, FailMode: FailClosed})

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	errA := make(chan error, 1)
	go func() {
		_, err := list.Contains(shortCtx, publicIP)
		errA <- err
	}()

	time.Sleep(10 * time.Millisecond)
	ok, err := list.Contains(context.Background(), publicIP)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, closed.IsTorExitNode(context.Background(), "203.0.113.51"))

	assert.ErrorIs(t, <-errA, context.DeadlineExceeded)
	assert.Equal(t, int32(1), hits.Load())
}

func TestReputation_DatacenterSignal(t *testing.T) {
	src := &stubSource{locations: map[string]ResolvedLocation{
		publicIP:       {Country: "Netherlands", CountryCode: "NL", ASN: 14061, Org: "DigitalOcean", Timezone: "Europe/Amsterdam"},
		"203.0.113.20": {Country: "Germany", CountryCode: "DE", ASN: 64500, ISP: "Example Hosting GmbH", Timezone: "Europe/Berlin"},
		"203.0.113.30": {Country: "Germany", CountryCode: "DE", ASN: 3320, ISP: "Deutsche Telekom AG", Timezone: "Europe/Berlin"},
	}}
	c := newChecker(t, CheckerConfig{Resolver: NewResolver(src, nil, 0, nil)})

	assert.True(t, c.IsVPNOrProxy(context.Background(), publicIP), "known hosting ASN")
	assert.True(t, c.IsVPNOrProxy(context.Background(), "203.0.113.20"), "hosting keyword")
	assert.False(t, c.IsVPNOrProxy(context.Background(), "203.0.113.30"))
}

func TestReputation_TimezoneSignal(t *testing.T) {
	src := &stubSource{locations: map[string]ResolvedLocation{
		publicIP:       {Country: "United States", CountryCode: "US", ISP: "Comcast", Timezone: "Europe/Amsterdam"},
		"203.0.113.40": {Country: "United States", CountryCode: "US", ISP: "Comcast", Timezone: "America/New_York"},
	}}
	c := newChecker(t, CheckerConfig{Resolver: NewResolver(src, nil, 0, nil)})

	assert.True(t, c.IsVPNOrProxy(context.Background(), publicIP))
	assert.False(t, c.IsVPNOrProxy(context.Background(), "203.0.113.40"))
}

func TestReputation_SharesOneGeolocationLookup(t *testing.T) {
	src := &stubSource{locations: map[string]ResolvedLocation{
		publicIP: {Country: "United States", CountryCode: "US", ISP: "Comcast", Timezone: "America/Chicago"},
	}}
	c := newChecker(t, CheckerConfig{Resolver: NewResolver(src, nil, 0, nil)})

	assert.False(t, c.IsVPNOrProxy(context.Background(), publicIP))
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestReputation_HostnameSignal(t *testing.T) {
	hosts := fakeHosts{
		publicIP:       {"us-nyc-042.NordVPN.com."},
		"203.0.113.60": {"cpe-203-0-113-60.res.example.net."},
	}
	c := newChecker(t, CheckerConfig{Hosts: hosts, FailMode: FailClosed})

	assert.True(t, c.IsVPNOrProxy(context.Background(), publicIP))
	assert.False(t, c.IsVPNOrProxy(context.Background(), "203.0.113.60"))
	assert.False(t, c.IsVPNOrProxy(context.Background(), "203.0.113.61"), "a missing PTR record is not an outage")
}

func TestReputation_OpenProxy(t *testing.T) {
	t.Run("disabled without prober", func(t *testing.T) {
		c := newChecker(t, CheckerConfig{})
		assert.False(t, c.ProbingEnabled())
		assert.False(t, c.IsOpenProxy(context.Background(), publicIP))
	})

	t.Run("open port", func(t *testing.T) {
		dialer := &fakeDialer{open: map[string]bool{publicIP + ":3128": true}}
		cache := newMapCache()
		c := newChecker(t, CheckerConfig{Prober: NewOpenProxyProber(dialer, nil, 0, nil), Cache: cache})

		assert.True(t, c.ProbingEnabled())
		assert.True(t, c.IsOpenProxy(context.Background(), publicIP))
		assert.Equal(t, 6*time.Hour, cache.ttls["proxy_check:"+publicIP])
	})

	t.Run("closed ports", func(t *testing.T) {
		dialer := &fakeDialer{}
		c := newChecker(t, CheckerConfig{Prober: NewOpenProxyProber(dialer, nil, 0, nil)})
		assert.False(t, c.IsOpenProxy(context.Background(), publicIP))
		assert.Equal(t, len(DefaultProxyPorts), dialer.dialCount())
	})
}

func TestReputation_Check(t *testing.T) {
	srv := torServer(t, http.StatusOK, publicIP+"\n", nil)
	c := newChecker(t, CheckerConfig{TorList: NewTorExitList(srv.URL, srv.Client(), 0, nil)})

	v := c.Check(context.Background(), publicIP)
	assert.Equal(t, ReputationVerdict{VPNOrProxy: true, TorExitNode: true}, v)
}

func TestReputation_FlushCaches(t *testing.T) {
	cache := newMapCache()
	cache.data["vpn_check:"+publicIP] = "true"
	cache.data["tor_check:"+publicIP] = "false"
	cache.data["proxy_check:"+publicIP] = "false"
	cache.data["geoip:"+publicIP] = "{}"

	var hits atomic.Int32
	srv := torServer(t, http.StatusOK, "", &hits)
	list := NewTorExitList(srv.URL, srv.Client(), time.Hour, nil)
	_, err := list.Contains(context.Background(), publicIP)
	require.NoError(t, err)

	c := newChecker(t, CheckerConfig{Cache: cache, TorList: list})
	n, err := c.FlushCaches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, ok := cache.value("geoip:" + publicIP)
	assert.True(t, ok, "geolocation entries are not reputation verdicts")

	_, err = list.Contains(context.Background(), publicIP)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "flushing drops the Tor snapshot")
}

func TestProviders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/ipqs/"):
			ip := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			switch ip {
			case "198.51.100.1":
				_, _ = fmt.Fprint(w, `{"success":true,"vpn":true,"fraud_score":10}`)
			case "198.51.100.2":
				_, _ = fmt.Fprint(w, `{"success":true,"fraud_score":90}`)
			case "198.51.100.3":
				_, _ = fmt.Fprint(w, `{"success":true,"fraud_score":85}`)
			default:
				_, _ = fmt.Fprint(w, `{"success":false,"message":"invalid key"}`)
			}
		case strings.HasPrefix(r.URL.Path, "/pc/"):
			assert.Equal(t, "1", r.URL.Query().Get("vpn"))
			ip := strings.TrimPrefix(r.URL.Path, "/pc/")
			switch ip {
			case "198.51.100.1":
				_, _ = fmt.Fprintf(w, `{"status":"ok","%s":{"proxy":"yes","type":"SOCKS5","risk":10}}`, ip)
			case "198.51.100.2":
				_, _ = fmt.Fprintf(w, `{"status":"ok","%s":{"proxy":"no","type":"VPN","risk":10}}`, ip)
			case "198.51.100.3":
				_, _ = fmt.Fprintf(w, `{"status":"warning","%s":{"proxy":"no","type":"Business","risk":76}}`, ip)
			case "198.51.100.4":
				_, _ = fmt.Fprintf(w, `{"status":"ok","%s":{"proxy":"no","type":"Residential","risk":75}}`, ip)
			case "198.51.100.5":
				_, _ = fmt.Fprint(w, `{"status":"ok"}`)
			default:
				_, _ = fmt.Fprint(w, `{"status":"denied","message":"quota exceeded"}`)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	t.Run("ipqualityscore", func(t *testing.T) {
		p := NewIPQualityScoreClient("key", srv.URL+"/ipqs", 85, srv.Client())

		got, err := p.Check(ctx, "198.51.100.1")
		require.NoError(t, err)
		assert.True(t, got)

		got, err = p.Check(ctx, "198.51.100.2")
		require.NoError(t, err)
		assert.True(t, got, "fraud score above threshold")

		got, err = p.Check(ctx, "198.51.100.3")
		require.NoError(t, err)
		assert.False(t, got, "threshold itself is not enough")

		_, err = p.Check(ctx, "198.51.100.9")
		assert.Error(t, err)
	})

	t.Run("proxycheck", func(t *testing.T) {
		p := NewProxyCheckClient("key", srv.URL+"/pc", 75, srv.Client())

		for ip, want := range map[string]bool{
			"198.51.100.1": true,
			"198.51.100.2": true,
			"198.51.100.3": true,
			"198.51.100.4": false,
			"198.51.100.5": false,
		} {
			got, err := p.Check(ctx, ip)
			require.NoError(t, err, ip)
			assert.Equal(t, want, got, ip)
		}

		_, err := p.Check(ctx, "198.51.100.9")
		assert.Error(t, err)
	})

	t.Run("http error", func(t *testing.T) {
		p := NewIPQualityScoreClient("key", srv.URL+"/missing", 85, srv.Client())
		_, err := p.Check(ctx, "198.51.100.1")
		assert.Error(t, err)
	})

	t.Run("not configured", func(t *testing.T) {
		_, err := NewIPQualityScoreClient("", srv.URL, 85, srv.Client()).Check(ctx, "198.51.100.1")
		assert.ErrorIs(t, err, ErrNotConfigured)
		_, err = NewProxyCheckClient("", srv.URL, 75, srv.Client()).Check(ctx, "198.51.100.1")
		assert.ErrorIs(t, err, ErrNotConfigured)
	})
}
