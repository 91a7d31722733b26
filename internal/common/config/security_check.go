package config

import "go.uber.org/zap"

// LogSecurityWarnings logs actionable warnings when running in production
// with a configuration that weakens login risk detection. Call this at
// service startup after configuration is loaded.
func (c *Config) LogSecurityWarnings(log *zap.Logger) {
	if !c.IsProduction() {
		return
	}

	warnings := c.ProductionWarnings()

	for _, w := range warnings {
		log.Warn("SECURITY", zap.String("warning", w))
	}

	if len(warnings) > 0 {
		log.Warn("SECURITY: production deployment has degraded risk detection",
			zap.Int("warning_count", len(warnings)))
	}
}

// ProductionWarnings returns the list of configuration weaknesses
func (c *Config) ProductionWarnings() []string {
	var warnings []string

	if !c.Auth.Enabled {
		warnings = append(warnings, "auth disabled: anyone who can reach the risk API can erase login history")
	}
	if c.Storage == StorageMemory {
		warnings = append(warnings, "storage=memory: login history is lost on restart and not shared between replicas")
	}
	if c.Reputation.IPQualityScoreKey == "" {
		warnings = append(warnings, "IPQUALITYSCORE_API_KEY not set: quality-score reputation lookups are skipped")
	}
	if c.Reputation.ProxyCheckKey == "" {
		warnings = append(warnings, "PROXYCHECK_API_KEY not set: proxy-check reputation lookups are skipped")
	}
	if c.GeoIP.APIKey == "" {
		warnings = append(warnings, "GEOIP_API_KEY not set: geolocation uses the rate-limited plain HTTP endpoint")
	}
	if c.PolicyFile == "" {
		warnings = append(warnings, "policy_file not set: built-in risk policy in use, restricted regions are empty")
	}
	if c.OpenProxyProbe.Enabled {
		warnings = append(warnings, "open_proxy_probe enabled: login IPs are actively port-scanned")
	}

	return warnings
}
