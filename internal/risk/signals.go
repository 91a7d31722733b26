package risk

import (
	"context"
	"regexp"
	"strings"
	"sync"
)

// HostResolver performs reverse DNS. *net.Resolver satisfies it.
type HostResolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Signal names, in the order their results are reported
const (
	SignalIPQualityScore = "ipqualityscore"
	SignalProxyCheck     = "proxycheck"
	SignalTor            = "tor"
	SignalDatacenter     = "datacenter"
	SignalHostname       = "hostname"
	SignalTimezone       = "timezone"
)

// signal is one input to the VPN-or-proxy verdict. A non-nil error other
// than ErrNotConfigured is a transport failure and is judged by fail mode.
type signal struct {
	name  string
	check func(ctx context.Context, ip string) (bool, error)
}

// locationOnce shares one geolocation lookup between the signals of a single
// verdict
type locationOnce struct {
	once sync.Once
	loc  ResolvedLocation
}

func (l *locationOnce) get(ctx context.Context, r *Resolver, ip string) ResolvedLocation {
	l.once.Do(func() { l.loc = r.Resolve(ctx, ip) })
	return l.loc
}

func datacenterSignal(policy *Policy, loc func(context.Context, string) (ResolvedLocation, bool)) signal {
	return signal{
		name: SignalDatacenter,
		check: func(ctx context.Context, ip string) (bool, error) {
			l, ok := loc(ctx, ip)
			if !ok {
				return false, ErrNotConfigured
			}
			if policy.isDatacenterASN(l.ASN) {
				return true, nil
			}
			return policy.hasDatacenterKeyword(l.Org, l.ISP), nil
		},
	}
}

func timezoneSignal(policy *Policy, loc func(context.Context, string) (ResolvedLocation, bool)) signal {
	return signal{
		name: SignalTimezone,
		check: func(ctx context.Context, ip string) (bool, error) {
			l, ok := loc(ctx, ip)
			if !ok {
				return false, ErrNotConfigured
			}
			return policy.timezoneMismatch(l.CountryCode, l.Timezone), nil
		},
	}
}

// hostnameSignal never reports an error: an address without a PTR record is
// the common case, not a provider outage.
func hostnameSignal(hosts HostResolver, patterns []*regexp.Regexp) signal {
	return signal{
		name: SignalHostname,
		check: func(ctx context.Context, ip string) (bool, error) {
			if hosts == nil {
				return false, ErrNotConfigured
			}
			names, err := hosts.LookupAddr(ctx, ip)
			if err != nil {
				return false, nil
			}
			for _, name := range names {
				host := strings.TrimSuffix(strings.ToLower(name), ".")
				for _, re := range patterns {
					if re.MatchString(host) {
						return true, nil
					}
				}
			}
			return false, nil
		},
	}
}
