package risk

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openidx/loginguard/internal/metrics"
)

// Reason names the sub-check that made a verdict suspicious
type Reason string

const (
	ReasonRestrictedLocation Reason = "restricted_location"
	ReasonNetworkReputation  Reason = "network_reputation"
	ReasonGeoPattern         Reason = "geo_pattern"
	ReasonImpossibleTravel   Reason = "impossible_travel"
	ReasonUnusualHour        Reason = "unusual_hour"
	ReasonExcessiveFailures  Reason = "excessive_failures"
)

// Verdict is the outcome of evaluating one login attempt. It is never stored.
type Verdict struct {
	Suspicious bool     `json:"suspicious"`
	Restricted bool     `json:"restricted"`
	Reasons    []Reason `json:"reasons,omitempty"`
	// Degraded is set when history could not be read or the evaluation ran
	// out of time, so some checks answered without their data
	Degraded    bool      `json:"degraded"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Evaluator decides whether a user's recent login activity is suspicious
type Evaluator struct {
	store      ActivityStore
	resolver   *Resolver
	reputation *ReputationChecker
	policy     *Policy
	timeout    time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewEvaluator creates an evaluator. resolver and reputation may be nil, in
// which case the checks that need them are negative.
func NewEvaluator(store ActivityStore, resolver *Resolver, reputation *ReputationChecker, policy *Policy, timeout time.Duration, logger *zap.Logger) *Evaluator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		store:      store,
		resolver:   resolver,
		reputation: reputation,
		policy:     policy,
		timeout:    durationOr(timeout, 3*time.Second),
		logger:     logger.With(zap.String("component", "risk_evaluator")),
		now:        time.Now,
	}
}

// IsSuspicious reports whether the login attempt should be treated as suspicious
func (e *Evaluator) IsSuspicious(ctx context.Context, userID string, current *LoginAttempt) bool {
	return e.Evaluate(ctx, userID, current).Suspicious
}

// Evaluate runs the sub-checks in order and stops at the first positive one.
// current is treated as the newest history record even when the store has
// not returned it yet. Nothing here fails: missing data makes a check
// negative and an exhausted deadline marks the verdict degraded.
func (e *Evaluator) Evaluate(ctx context.Context, userID string, current *LoginAttempt) Verdict {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "risk.Evaluate")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	v := Verdict{EvaluatedAt: e.now().UTC()}

	history, err := e.history(ctx, userID, current)
	if err != nil {
		v.Degraded = true
		e.logger.Warn("Login history unavailable, evaluating without it",
			zap.String("user_id", userID), zap.Error(err))
	}

	checks := []struct {
		reason Reason
		run    func() bool
	}{
		{ReasonRestrictedLocation, func() bool { return e.restrictedLocation(ctx, history) }},
		{ReasonNetworkReputation, func() bool { return e.networkReputation(ctx, history) }},
		{ReasonGeoPattern, func() bool { return SuspiciousGeoPattern(history, e.policy) }},
		{ReasonImpossibleTravel, func() bool {
			return len(history) >= 2 && ImpossibleTravel(&history[1], &history[0], e.policy.MaxTravelSpeedKmh)
		}},
		{ReasonUnusualHour, func() bool {
			return len(history) > 0 && UnusualLocalHour(&history[0], e.policy.UnusualHourStart, e.policy.UnusualHourEnd)
		}},
		{ReasonExcessiveFailures, func() bool {
			hit, err := e.excessiveFailures(ctx, userID, current)
			if err != nil {
				v.Degraded = true
				e.logger.Warn("Failure count unavailable", zap.String("user_id", userID), zap.Error(err))
			}
			return hit
		}},
	}

	for _, c := range checks {
		hit := c.run()
		metrics.RecordRiskCheck(string(c.reason), hit)
		if !hit {
			continue
		}
		v.Suspicious = true
		v.Reasons = append(v.Reasons, c.reason)
		v.Restricted = c.reason == ReasonRestrictedLocation
		break
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		v.Degraded = true
	}

	metrics.ObserveEvaluation(time.Since(start))
	span.SetAttributes(
		attribute.Bool("risk.suspicious", v.Suspicious),
		attribute.Bool("risk.degraded", v.Degraded),
		attribute.Int("risk.history", len(history)),
	)
	if v.Suspicious {
		e.logger.Info("Suspicious login activity",
			zap.String("user_id", userID),
			zap.Any("reasons", v.Reasons),
			zap.Bool("degraded", v.Degraded))
	}
	return v
}

// history returns up to HistoryWindow attempts, newest first, with current
// merged in
func (e *Evaluator) history(ctx context.Context, userID string, current *LoginAttempt) ([]LoginAttempt, error) {
	var recent []LoginAttempt
	var err error
	if userID != "" {
		recent, err = e.store.Recent(ctx, userID, e.policy.HistoryWindow)
		if err != nil {
			recent = nil
		}
	}
	if current == nil {
		return recent, err
	}

	for i := range recent {
		if recent[i].ID == current.ID {
			recent[i] = current.clone()
			return recent, err
		}
	}
	recent = append(recent, current.clone())
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].CreatedAt.After(recent[j].CreatedAt)
	})
	if len(recent) > e.policy.HistoryWindow {
		recent = recent[:e.policy.HistoryWindow]
	}
	return recent, err
}

func (e *Evaluator) restrictedLocation(ctx context.Context, history []LoginAttempt) bool {
	if len(e.policy.RestrictedRegions) == 0 {
		return false
	}
	for i := range history {
		var country, code, continent string
		if loc := history[i].Location; loc != nil {
			country, code = loc.Country, loc.CountryCode
			continent = ContinentFor(code)
		} else if e.resolver != nil {
			resolved := e.resolver.Resolve(ctx, history[i].IPAddress)
			if !resolved.Resolved() {
				continue
			}
			country, code, continent = resolved.Country, resolved.CountryCode, resolved.Continent
		}
		if continent == ContinentUnknown {
			continent = ""
		}
		if e.policy.Restricts(country, code, continent) {
			return true
		}
	}
	return false
}

// networkReputation checks each distinct address in parallel; the first
// flagged address cancels the rest
func (e *Evaluator) networkReputation(ctx context.Context, history []LoginAttempt) bool {
	if e.reputation == nil || len(history) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(history))
	g, gctx := errgroup.WithContext(ctx)
	for i := range history {
		ip := history[i].IPAddress
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		g.Go(func() error {
			if e.reputation.IsVPNOrProxy(gctx, ip) || e.reputation.IsOpenProxy(gctx, ip) {
				return errSignalPositive
			}
			return nil
		})
	}
	return errors.Is(g.Wait(), errSignalPositive)
}

func (e *Evaluator) excessiveFailures(ctx context.Context, userID string, current *LoginAttempt) (bool, error) {
	if userID == "" {
		return false, nil
	}
	// the window ends at the attempt being judged, like the other checks
	exclude, end := "", e.now()
	if current != nil {
		exclude = current.ID
		if !current.CreatedAt.IsZero() {
			end = current.CreatedAt
		}
	}
	n, err := e.store.CountFailuresSince(ctx, userID, end.Add(-e.policy.FailureWindow), exclude)
	if err != nil {
		return false, err
	}
	return n >= e.policy.MaxFailures, nil
}
