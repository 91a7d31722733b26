package risk

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RestrictedAction is what the gate does with an attempt whose history
// touches a restricted region
type RestrictedAction string

const (
	RestrictedActionFlag  RestrictedAction = "flag"
	RestrictedActionBlock RestrictedAction = "block"
)

// Policy holds every list and threshold the evaluator and the reputation
// checker consult. It is loaded from a YAML document so deployments can audit
// and override it without a rebuild.
type Policy struct {
	// Country names, ISO country codes or continent names. Matching is
	// case-sensitive. Empty disables the restricted-location check.
	RestrictedRegions []string         `mapstructure:"restricted_regions"`
	RestrictedAction  RestrictedAction `mapstructure:"restricted_action"`

	HistoryWindow int `mapstructure:"history_window"`

	GeoPatternWindow    int     `mapstructure:"geo_pattern_window"`
	GeoPatternDistantKm float64 `mapstructure:"geo_pattern_distant_km"`
	GeoPatternMinFar    int     `mapstructure:"geo_pattern_min_far"`
	DistinctCountryMin  int     `mapstructure:"distinct_country_min"`

	MaxTravelSpeedKmh float64 `mapstructure:"max_travel_speed_kmh"`

	UnusualHourStart int `mapstructure:"unusual_hour_start"` // inclusive
	UnusualHourEnd   int `mapstructure:"unusual_hour_end"`   // exclusive

	FailureWindow time.Duration `mapstructure:"failure_window"`
	MaxFailures   int           `mapstructure:"max_failures"`

	FraudScoreThreshold int `mapstructure:"fraud_score_threshold"`
	ProxyRiskThreshold  int `mapstructure:"proxy_risk_threshold"`

	DatacenterASNs     []uint              `mapstructure:"datacenter_asns"`
	DatacenterKeywords []string            `mapstructure:"datacenter_keywords"`
	HostnamePatterns   []string            `mapstructure:"hostname_patterns"`
	CountryTimezones   map[string][]string `mapstructure:"country_timezones"`
}

// DefaultPolicy returns the built-in policy. The restricted-region list is
// deliberately empty; a deployment that wants one must name it.
func DefaultPolicy() *Policy {
	return &Policy{
		RestrictedRegions: []string{},
		RestrictedAction:  RestrictedActionFlag,

		HistoryWindow: 10,

		GeoPatternWindow:    5,
		GeoPatternDistantKm: 500,
		GeoPatternMinFar:    2,
		DistinctCountryMin:  3,

		MaxTravelSpeedKmh: 800,

		UnusualHourStart: 2,
		UnusualHourEnd:   5,

		FailureWindow: 24 * time.Hour,
		MaxFailures:   5,

		FraudScoreThreshold: 85,
		ProxyRiskThreshold:  75,

		DatacenterASNs: []uint{
			14061,  // DigitalOcean
			16509,  // Amazon
			24940,  // Hetzner
			20473,  // Vultr
			8075,   // Microsoft
			15169,  // Google
			13335,  // Cloudflare
			16276,  // OVH
			63949,  // Linode
			51167,  // Contabo
			9009,   // M247
			212238, // Datacamp
			60068,  // CDN77
		},
		DatacenterKeywords: []string{"vpn", "proxy", "hosting", "cloud", "server", "dedicated", "virtual"},
		HostnamePatterns: []string{
			`vpn`,
			`proxy`,
			`tunnel`,
			`exit`,
			`relay`,
			`anon`,
			`tor-?(node|router)`,
			`hide-?my-?(ass|ip)`,
			`nord`,
			`mullvad`,
			`surfshark`,
			`express-?vpn`,
			`cyberghost`,
			`private-?internet-?access`,
			`windscribe`,
		},
		CountryTimezones: map[string][]string{
			"US": {"America/", "Pacific/Honolulu"},
			"CA": {"America/"},
			"BR": {"America/"},
			"MX": {"America/"},
			"GB": {"Europe/London"},
			"DE": {"Europe/Berlin", "Europe/Busingen"},
			"FR": {"Europe/Paris"},
			"NL": {"Europe/Amsterdam"},
			"RU": {"Europe/", "Asia/"},
			"JP": {"Asia/Tokyo"},
			"CN": {"Asia/Shanghai", "Asia/Urumqi"},
			"IN": {"Asia/Kolkata", "Asia/Calcutta"},
			"AU": {"Australia/", "Antarctica/Macquarie"},
		},
	}
}

// LoadPolicy reads a policy document. Keys absent from the file keep their
// default value; country_timezones entries are merged with the defaults.
func LoadPolicy(path string) (*Policy, error) {
	v := viper.New()
	setPolicyDefaults(v, DefaultPolicy())

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read risk policy %s: %w", path, err)
	}

	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("decode risk policy %s: %w", path, err)
	}

	// viper lower-cases map keys
	tz := make(map[string][]string, len(p.CountryTimezones))
	for code, prefixes := range p.CountryTimezones {
		tz[strings.ToUpper(code)] = prefixes
	}
	p.CountryTimezones = tz

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("risk policy %s: %w", path, err)
	}
	return &p, nil
}

func setPolicyDefaults(v *viper.Viper, d *Policy) {
	v.SetDefault("restricted_regions", d.RestrictedRegions)
	v.SetDefault("restricted_action", string(d.RestrictedAction))
	v.SetDefault("history_window", d.HistoryWindow)
	v.SetDefault("geo_pattern_window", d.GeoPatternWindow)
	v.SetDefault("geo_pattern_distant_km", d.GeoPatternDistantKm)
	v.SetDefault("geo_pattern_min_far", d.GeoPatternMinFar)
	v.SetDefault("distinct_country_min", d.DistinctCountryMin)
	v.SetDefault("max_travel_speed_kmh", d.MaxTravelSpeedKmh)
	v.SetDefault("unusual_hour_start", d.UnusualHourStart)
	v.SetDefault("unusual_hour_end", d.UnusualHourEnd)
	v.SetDefault("failure_window", d.FailureWindow)
	v.SetDefault("max_failures", d.MaxFailures)
	v.SetDefault("fraud_score_threshold", d.FraudScoreThreshold)
	v.SetDefault("proxy_risk_threshold", d.ProxyRiskThreshold)
	v.SetDefault("datacenter_asns", d.DatacenterASNs)
	v.SetDefault("datacenter_keywords", d.DatacenterKeywords)
	v.SetDefault("hostname_patterns", d.HostnamePatterns)

	// A typed map would be stored as a single leaf and could not merge with
	// per-country keys from the file.
	tz := make(map[string]interface{}, len(d.CountryTimezones))
	for code, prefixes := range d.CountryTimezones {
		tz[code] = prefixes
	}
	v.SetDefault("country_timezones", tz)
}

// Validate checks thresholds and that every hostname pattern compiles
func (p *Policy) Validate() error {
	switch p.RestrictedAction {
	case RestrictedActionFlag, RestrictedActionBlock:
	default:
		return fmt.Errorf("restricted_action must be %q or %q, got %q",
			RestrictedActionFlag, RestrictedActionBlock, p.RestrictedAction)
	}
	if p.HistoryWindow < 2 {
		return fmt.Errorf("history_window must be at least 2")
	}
	if p.GeoPatternWindow < 2 || p.GeoPatternWindow > p.HistoryWindow {
		return fmt.Errorf("geo_pattern_window must be between 2 and history_window")
	}
	if p.MaxTravelSpeedKmh <= 0 {
		return fmt.Errorf("max_travel_speed_kmh must be positive")
	}
	if p.UnusualHourStart < 0 || p.UnusualHourEnd > 24 || p.UnusualHourStart > p.UnusualHourEnd {
		return fmt.Errorf("unusual hour window [%d,%d) is invalid", p.UnusualHourStart, p.UnusualHourEnd)
	}
	if p.FailureWindow <= 0 || p.MaxFailures < 1 {
		return fmt.Errorf("failure_window and max_failures must be positive")
	}
	if _, err := p.compileHostnamePatterns(); err != nil {
		return err
	}
	return nil
}

// Restricts reports whether any of the given location names is a restricted region
func (p *Policy) Restricts(names ...string) bool {
	for _, region := range p.RestrictedRegions {
		for _, n := range names {
			if n != "" && n == region {
				return true
			}
		}
	}
	return false
}

func (p *Policy) compileHostnamePatterns() ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(p.HostnamePatterns))
	for _, pat := range p.HostnamePatterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, fmt.Errorf("hostname pattern %q: %w", pat, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (p *Policy) isDatacenterASN(asn uint) bool {
	if asn == 0 {
		return false
	}
	for _, a := range p.DatacenterASNs {
		if a == asn {
			return true
		}
	}
	return false
}

func (p *Policy) hasDatacenterKeyword(names ...string) bool {
	for _, n := range names {
		n = strings.ToLower(n)
		if n == "" {
			continue
		}
		for _, kw := range p.DatacenterKeywords {
			if kw != "" && strings.Contains(n, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

// timezoneMismatch is true only when countryCode has an entry in the table
// and tz starts with none of its prefixes
func (p *Policy) timezoneMismatch(countryCode, tz string) bool {
	if countryCode == "" || tz == "" {
		return false
	}
	prefixes, ok := p.CountryTimezones[strings.ToUpper(countryCode)]
	if !ok {
		return false
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(tz, prefix) {
			return false
		}
	}
	return true
}
