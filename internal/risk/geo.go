package risk

import (
	"math"
	"time"
	_ "time/tzdata" // unusual-hour checks must not depend on the host's zoneinfo
)

const earthRadiusKm = 6371

// HaversineDistance returns the great-circle distance in km between two
// points given in degrees
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	// rounding can push a a hair past 1 for antipodal points
	a = math.Min(1, math.Max(0, a))
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// distanceBetween is false when either attempt lacks coordinates
func distanceBetween(a, b *LoginAttempt) (float64, bool) {
	lat1, lon1, ok1 := a.Location.Coordinates()
	lat2, lon2, ok2 := b.Location.Coordinates()
	if !ok1 || !ok2 {
		return 0, false
	}
	return HaversineDistance(lat1, lon1, lat2, lon2), true
}

// ImpossibleTravel reports whether getting from prev to cur would need a
// speed above maxSpeedKmh. Missing coordinates yield false.
func ImpossibleTravel(prev, cur *LoginAttempt, maxSpeedKmh float64) bool {
	dist, ok := distanceBetween(prev, cur)
	if !ok {
		return false
	}
	elapsed := math.Abs(cur.CreatedAt.Sub(prev.CreatedAt).Hours())
	return dist > elapsed*maxSpeedKmh
}

// SuspiciousGeoPattern inspects the newest attempt of history (newest first)
// against the rest of the geo pattern window. It is true when at least
// policy.GeoPatternMinFar of the other attempts are farther than
// policy.GeoPatternDistantKm from it, or when the window spans at least
// policy.DistinctCountryMin countries.
func SuspiciousGeoPattern(history []LoginAttempt, policy *Policy) bool {
	if len(history) < 2 {
		return false
	}
	window := history
	if len(window) > policy.GeoPatternWindow {
		window = window[:policy.GeoPatternWindow]
	}

	newest := &window[0]
	far := 0
	for i := 1; i < len(window); i++ {
		if d, ok := distanceBetween(newest, &window[i]); ok && d > policy.GeoPatternDistantKm {
			far++
		}
	}
	if far >= policy.GeoPatternMinFar {
		return true
	}

	countries := make(map[string]struct{}, len(window))
	for i := range window {
		if c := countryOf(window[i].Location); c != "" {
			countries[c] = struct{}{}
		}
	}
	return len(countries) >= policy.DistinctCountryMin
}

func countryOf(l *AttemptLocation) string {
	if l == nil {
		return ""
	}
	if l.CountryCode != "" {
		return l.CountryCode
	}
	return l.Country
}

// UnusualLocalHour reports whether the attempt happened within
// [startHour, endHour) in its own timezone. An unknown timezone yields false.
func UnusualLocalHour(a *LoginAttempt, startHour, endHour int) bool {
	if a.Location == nil || a.Location.Timezone == "" {
		return false
	}
	loc, err := time.LoadLocation(a.Location.Timezone)
	if err != nil {
		return false
	}
	h := a.CreatedAt.In(loc).Hour()
	return h >= startHour && h < endHour
}
