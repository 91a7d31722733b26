// Package risk evaluates login attempts: it resolves where an address is,
// classifies the network it comes from, and decides whether a user's recent
// login history looks suspicious.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openidx/loginguard/internal/common/resilience"
	"github.com/openidx/loginguard/internal/metrics"
)

const geoIPKeyPrefix = "geoip:"

// ResolvedLocation is the result of a geolocation lookup. The unresolved
// value carries only IP.
type ResolvedLocation struct {
	IP          string  `json:"ip"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	Region      string  `json:"region,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Timezone    string  `json:"timezone,omitempty"`
	Continent   string  `json:"continent,omitempty"`
	ASN         uint    `json:"asn,omitempty"`
	Org         string  `json:"org,omitempty"`
	ISP         string  `json:"isp,omitempty"`
	// Risky is the provider's own proxy/hosting flag
	Risky bool `json:"risky"`
}

// Resolved reports whether the lookup produced any location data
func (l ResolvedLocation) Resolved() bool {
	return l.Country != "" || l.CountryCode != ""
}

// AttemptLocation converts a resolved location into the form stored on a
// login attempt
func (l ResolvedLocation) AttemptLocation() AttemptLocation {
	lat, lon := l.Latitude, l.Longitude
	return AttemptLocation{
		Country:     l.Country,
		CountryCode: l.CountryCode,
		City:        l.City,
		Region:      l.Region,
		Latitude:    &lat,
		Longitude:   &lon,
		Timezone:    l.Timezone,
	}
}

// IsPrivateIP reports whether ip is private, loopback, link-local or
// unspecified. Unparsable input is not private; see isLookupable.
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	return parsed.IsPrivate() ||
		parsed.IsLoopback() ||
		parsed.IsLinkLocalUnicast() ||
		parsed.IsLinkLocalMulticast() ||
		parsed.IsUnspecified()
}

// isLookupable is true for a well-formed public address
func isLookupable(ip string) bool {
	ip = strings.TrimSpace(ip)
	return ip != "" && net.ParseIP(ip) != nil && !IsPrivateIP(ip)
}

// GeoSource is an external geolocation data source
type GeoSource interface {
	// Lookup returns ErrLocationNotFound when the source has no data for ip
	Lookup(ctx context.Context, ip string) (ResolvedLocation, error)
}

// Resolver maps an IP address to a location. It never fails: errors from the
// source degrade to the unresolved value and are logged.
type Resolver struct {
	source GeoSource
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewResolver creates a resolver. cache may be nil.
func NewResolver(source GeoSource, cache Cache, ttl time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Resolver{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "geoip")),
	}
}

// Resolve looks up ip. Private and malformed addresses return the unresolved
// value without consulting the cache or the source.
func (r *Resolver) Resolve(ctx context.Context, ip string) ResolvedLocation {
	ip = strings.TrimSpace(ip)
	unresolved := ResolvedLocation{IP: ip}
	if !isLookupable(ip) {
		return unresolved
	}

	key := geoIPKeyPrefix + ip
	if r.cache != nil {
		if raw, err := r.cache.Get(ctx, key); err == nil {
			var loc ResolvedLocation
			if json.Unmarshal([]byte(raw), &loc) == nil {
				return loc
			}
		} else if !errors.Is(err, ErrCacheMiss) {
			r.logger.Debug("GeoIP cache read failed", zap.String("ip", ip), zap.Error(err))
		}
	}

	if r.source == nil {
		return unresolved
	}

	loc, err := r.source.Lookup(ctx, ip)
	if err != nil {
		if errors.Is(err, ErrLocationNotFound) {
			r.logger.Debug("No location for address", zap.String("ip", ip))
		} else {
			r.logger.Warn("GeoIP lookup failed", zap.String("ip", ip), zap.Error(err))
		}
		return unresolved
	}
	loc.IP = ip
	loc.Continent = ContinentFor(loc.CountryCode)

	if r.cache != nil {
		if data, err := json.Marshal(loc); err == nil {
			if err := r.cache.Set(ctx, key, string(data), r.ttl); err != nil {
				r.logger.Debug("GeoIP cache write failed", zap.String("ip", ip), zap.Error(err))
			}
		}
	}
	return loc
}

const (
	ipAPIFreeURL = "http://ip-api.com/json"
	ipAPIProURL  = "https://pro.ip-api.com/json"
	ipAPIFields  = "status,message,country,countryCode,regionName,city,lat,lon,timezone,isp,org,as,proxy,hosting"
)

// ipAPIResponse is the ip-api.com JSON shape
type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	AS          string  `json:"as"`
	Proxy       bool    `json:"proxy"`
	Hosting     bool    `json:"hosting"`
}

// IPAPISource looks addresses up against ip-api.com. With an API key the
// HTTPS pro endpoint is used.
type IPAPISource struct {
	baseURL string
	apiKey  string
	client  resilience.HTTPDoer
}

// NewIPAPISource creates an ip-api source. An empty baseURL selects the
// public endpoint matching whether apiKey is set.
func NewIPAPISource(baseURL, apiKey string, client resilience.HTTPDoer) *IPAPISource {
	if baseURL == "" {
		baseURL = ipAPIFreeURL
		if apiKey != "" {
			baseURL = ipAPIProURL
		}
	}
	return &IPAPISource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

func (s *IPAPISource) Lookup(ctx context.Context, ip string) (loc ResolvedLocation, err error) {
	defer func() { metrics.RecordProviderRequest("ip-api", err) }()

	q := url.Values{}
	q.Set("fields", ipAPIFields)
	if s.apiKey != "" {
		q.Set("key", s.apiKey)
	}
	endpoint := s.baseURL + "/" + url.PathEscape(ip) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ResolvedLocation{}, fmt.Errorf("build ip-api request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return ResolvedLocation{}, fmt.Errorf("ip-api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ResolvedLocation{}, fmt.Errorf("ip-api returned HTTP %d", resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return ResolvedLocation{}, fmt.Errorf("decode ip-api response: %w", err)
	}
	if body.Status != "success" {
		return ResolvedLocation{}, fmt.Errorf("%w: %s", ErrLocationNotFound, body.Message)
	}

	return ResolvedLocation{
		IP:          ip,
		Country:     body.Country,
		CountryCode: body.CountryCode,
		Region:      body.RegionName,
		City:        body.City,
		Latitude:    body.Lat,
		Longitude:   body.Lon,
		Timezone:    body.Timezone,
		ASN:         parseASN(body.AS),
		Org:         body.Org,
		ISP:         body.ISP,
		Risky:       body.Proxy || body.Hosting,
	}, nil
}

// parseASN extracts 15169 from "AS15169 Google LLC"
func parseASN(as string) uint {
	as = strings.TrimSpace(as)
	if len(as) < 3 || !strings.EqualFold(as[:2], "AS") {
		return 0
	}
	num := as[2:]
	if i := strings.IndexByte(num, ' '); i >= 0 {
		num = num[:i]
	}
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return 0
	}
	return uint(n)
}
