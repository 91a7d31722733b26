package risk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.1", true},
		{"172.16.5.4", true},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"169.254.10.10", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fe80::1", true},
		{"fc00::1", true},
		{"8.8.8.8", false},
		{"2001:4860:4860::8888", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPrivateIP(tt.ip))
		})
	}
}

func TestParseASN(t *testing.T) {
	assert.Equal(t, uint(15169), parseASN("AS15169 Google LLC"))
	assert.Equal(t, uint(14061), parseASN("as14061"))
	assert.Equal(t, uint(0), parseASN(""))
	assert.Equal(t, uint(0), parseASN("Google"))
	assert.Equal(t, uint(0), parseASN("ASxyz Foo"))
}

func ipAPIServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.NotEmpty(t, r.URL.Query().Get("fields"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/8.8.8.8":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status":      "success",
				"country":     "United States",
				"countryCode": "US",
				"regionName":  "California",
				"city":        "Mountain View",
				"lat":         37.386,
				"lon":         -122.0838,
				"timezone":    "America/Los_Angeles",
				"isp":         "Google LLC",
				"org":         "Google Public DNS",
				"as":          "AS15169 Google LLC",
				"hosting":     true,
			})
		case "/203.0.113.9":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status":  "fail",
				"message": "reserved range",
			})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolver_Resolve(t *testing.T) {
	var hits atomic.Int32
	srv := ipAPIServer(t, &hits)
	cache := newMapCache()
	r := NewResolver(NewIPAPISource(srv.URL, "", srv.Client()), cache, time.Hour, zaptest.NewLogger(t))

	loc := r.Resolve(context.Background(), "8.8.8.8")
	require.True(t, loc.Resolved())
	assert.Equal(t, "8.8.8.8", loc.IP)
	assert.Equal(t, "US", loc.CountryCode)
	assert.Equal(t, "Mountain View", loc.City)
	assert.Equal(t, ContinentNorthAmerica, loc.Continent)
	assert.Equal(t, uint(15169), loc.ASN)
	assert.True(t, loc.Risky)
	assert.InDelta(t, 37.386, loc.Latitude, 1e-9)

	_, cached := cache.value("geoip:8.8.8.8")
	assert.True(t, cached)
	assert.Equal(t, time.Hour, cache.ttls["geoip:8.8.8.8"])

	again := r.Resolve(context.Background(), "8.8.8.8")
	assert.Equal(t, loc, again)
	assert.Equal(t, int32(1), hits.Load(), "second lookup should come from the cache")
}

func TestResolver_PrivateAddressesSkipLookup(t *testing.T) {
	src := &stubSource{}
	r := NewResolver(src, nil, 0, zaptest.NewLogger(t))

	for _, ip := range []string{"10.1.2.3", "192.168.0.10", "127.0.0.1", "::1", "", "garbage"} {
		loc := r.Resolve(context.Background(), ip)
		assert.False(t, loc.Resolved(), ip)
	}
	assert.Zero(t, src.calls.Load())
}

func TestResolver_FailuresDegradeToUnresolved(t *testing.T) {
	var hits atomic.Int32
	srv := ipAPIServer(t, &hits)
	cache := newMapCache()
	r := NewResolver(NewIPAPISource(srv.URL, "", srv.Client()), cache, 0, zaptest.NewLogger(t))

	// provider says no data
	loc := r.Resolve(context.Background(), "203.0.113.9")
	assert.False(t, loc.Resolved())
	assert.Equal(t, "203.0.113.9", loc.IP)

	// provider errors
	loc = r.Resolve(context.Background(), "198.51.100.1")
	assert.False(t, loc.Resolved())

	assert.Zero(t, cache.sets, "failed lookups are not cached")
}

func TestResolver_SourceError(t *testing.T) {
	src := &stubSource{err: errors.New("connection reset")}
	r := NewResolver(src, newMapCache(), 0, zaptest.NewLogger(t))

	loc := r.Resolve(context.Background(), "8.8.4.4")
	assert.Equal(t, ResolvedLocation{IP: "8.8.4.4"}, loc)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestIPAPISource_NotFound(t *testing.T) {
	var hits atomic.Int32
	srv := ipAPIServer(t, &hits)
	src := NewIPAPISource(srv.URL, "", srv.Client())

	_, err := src.Lookup(context.Background(), "203.0.113.9")
	assert.ErrorIs(t, err, ErrLocationNotFound)
}

func TestResolvedLocation_AttemptLocation(t *testing.T) {
	loc := ResolvedLocation{Country: "Japan", CountryCode: "JP", City: "Tokyo", Latitude: 35.68, Longitude: 139.69, Timezone: "Asia/Tokyo"}
	al := loc.AttemptLocation()

	lat, lon, ok := al.Coordinates()
	require.True(t, ok)
	assert.Equal(t, 35.68, lat)
	assert.Equal(t, 139.69, lon)
	assert.Equal(t, "Asia/Tokyo", al.Timezone)
}
