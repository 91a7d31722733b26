package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type evalFixture struct {
	store *MemoryActivityStore
	eval  *Evaluator
	now   time.Time
}

func newEvalFixture(t *testing.T, policy *Policy, reputation *ReputationChecker, resolver *Resolver) *evalFixture {
	t.Helper()
	store := NewMemoryActivityStore()
	e := NewEvaluator(store, resolver, reputation, policy, time.Second, zaptest.NewLogger(t))
	now := time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return &evalFixture{store: store, eval: e, now: now}
}

// record stores an attempt and its location, finalizing it as given
func (f *evalFixture) record(t *testing.T, a LoginAttempt, outcome string) *LoginAttempt {
	t.Helper()
	ctx := context.Background()
	loc := a.Location
	a.ID = ""
	a.Location = nil
	require.NoError(t, f.store.Create(ctx, &a))
	if loc != nil {
		require.NoError(t, f.store.SetLocation(ctx, a.ID, *loc))
		a.Location = loc
	}
	switch outcome {
	case "success":
		require.NoError(t, f.store.MarkSucceeded(ctx, a.ID))
		a.Success = true
	case "failure":
		require.NoError(t, f.store.MarkFailed(ctx, a.ID, "invalid credentials"))
	}
	return &a
}

func TestEvaluate_EmptyHistory(t *testing.T) {
	f := newEvalFixture(t, nil, nil, nil)

	v := f.eval.Evaluate(context.Background(), "nobody", nil)
	assert.False(t, v.Suspicious)
	assert.False(t, v.Degraded)
	assert.Empty(t, v.Reasons)
	assert.False(t, f.eval.IsSuspicious(context.Background(), "", nil))
}

func TestEvaluate_OrdinaryLogin(t *testing.T) {
	f := newEvalFixture(t, nil, nil, nil)
	nyc := located("", "US", newYork[0], newYork[1], f.now.Add(-24*time.Hour))
	nyc.Location.Timezone = "America/New_York"
	f.record(t, nyc, "success")

	cur := located("", "US", boston[0], boston[1], f.now)
	cur.Location.Timezone = "America/New_York"
	current := f.record(t, cur, "")

	v := f.eval.Evaluate(context.Background(), "user-1", current)
	assert.False(t, v.Suspicious, "reasons: %v", v.Reasons)
}

func TestEvaluate_ImpossibleTravel(t *testing.T) {
	f := newEvalFixture(t, nil, nil, nil)
	f.record(t, located("", "US", newYork[0], newYork[1], f.now.Add(-time.Hour)), "success")
	current := f.record(t, located("", "GB", london[0], london[1], f.now), "")

	v := f.eval.Evaluate(context.Background(), "user-1", current)
	assert.True(t, v.Suspicious)
	assert.Equal(t, []Reason{ReasonImpossibleTravel}, v.Reasons)
}

func TestEvaluate_TravelOverADayIsFine(t *testing.T) {
	f := newEvalFixture(t, nil, nil, nil)
	f.record(t, located("", "US", newYork[0], newYork[1], f.now.Add(-20*time.Hour)), "success")
	current := f.record(t, located("", "US", newYork[0]+0.01, newYork[1], f.now), "")

	assert.False(t, f.eval.IsSuspicious(context.Background(), "user-1", current))
}

func TestEvaluate_CurrentAttemptNotYetStored(t *testing.T) {
	f := newEvalFixture(t, nil, nil, nil)
	f.record(t, located("", "US", newYork[0], newYork[1], f.now.Add(-time.Hour)), "success")

	cur := located("pending", "JP", tokyo[0], tokyo[1], f.now)
	v := f.eval.Evaluate(context.Background(), "user-1", &cur)
	assert.Equal(t, []Reason{ReasonImpossibleTravel}, v.Reasons)
}

func TestEvaluate_GeoPatternTakesPrecedence(t *testing.T) {
	f := newEvalFixture(t, nil, nil, nil)
	f.record(t, located("", "JP", tokyo[0], tokyo[1], f.now.Add(-3*time.Hour)), "success")
	f.record(t, located("", "AU", sydney[0], sydney[1], f.now.Add(-2*time.Hour)), "success")
	current := f.record(t, located("", "US", newYork[0], newYork[1], f.now), "")

	v := f.eval.Evaluate(context.Background(), "user-1", current)
	assert.True(t, v.Suspicious)
	assert.Equal(t, []Reason{ReasonGeoPattern}, v.Reasons, "only the first positive check is reported")
}

func TestEvaluate_UnusualHour(t *testing.T) {
	f := newEvalFixture(t, nil, nil, nil)
	// 16:00 UTC is 02:00 in Sydney during June (AEST, UTC+10)
	cur := located("", "AU", sydney[0], sydney[1], f.now)
	cur.Location.Timezone = "Australia/Sydney"
	current := f.record(t, cur, "")

	v := f.eval.Evaluate(context.Background(), "user-1", current)
	assert.Equal(t, []Reason{ReasonUnusualHour}, v.Reasons)
}

func TestEvaluate_ExcessiveFailures(t *testing.T) {
	f := newEvalFixture(t, nil, nil, nil)
	for i := 1; i <= 4; i++ {
		f.record(t, located("", "US", newYork[0], newYork[1], f.now.Add(-time.Duration(i)*time.Hour)), "failure")
	}
	current := f.record(t, located("", "US", newYork[0], newYork[1], f.now), "")

	assert.False(t, f.eval.IsSuspicious(context.Background(), "user-1", current), "four failures plus the current attempt")

	f.record(t, located("", "US", newYork[0], newYork[1], f.now.Add(-5*time.Hour)), "failure")
	v := f.eval.Evaluate(context.Background(), "user-1", current)
	assert.Equal(t, []Reason{ReasonExcessiveFailures}, v.Reasons)
}

func TestEvaluate_FailureWindowEndsAtAttempt(t *testing.T) {
	f := newEvalFixture(t, nil, nil, nil)
	at := f.now.Add(-10 * 24 * time.Hour)
	for i := 1; i <= 5; i++ {
		f.record(t, located("", "US", newYork[0], newYork[1], at.Add(-time.Duration(i)*time.Hour)), "failure")
	}
	current := f.record(t, located("", "US", newYork[0], newYork[1], at), "")

	v := f.eval.Evaluate(context.Background(), "user-1", current)
	assert.Equal(t, []Reason{ReasonExcessiveFailures}, v.Reasons)
}

func TestEvaluate_FailuresOutsideWindowIgnored(t *testing.T) {
	f := newEvalFixture(t, nil, nil, nil)
	for i := 0; i < 6; i++ {
		f.record(t, located("", "US", newYork[0], newYork[1], f.now.Add(-48*time.Hour-time.Duration(i)*time.Minute)), "failure")
	}
	current := f.record(t, located("", "US", newYork[0], newYork[1], f.now), "")

	assert.False(t, f.eval.IsSuspicious(context.Background(), "user-1", current))
}

func TestEvaluate_RestrictedLocation(t *testing.T) {
	for _, region := range []string{"KP", "North Korea", "Asia"} {
		t.Run(region, func(t *testing.T) {
			p := DefaultPolicy()
			p.RestrictedRegions = []string{region}
			f := newEvalFixture(t, p, nil, nil)

			cur := located("", "KP", 39.03, 125.75, f.now)
			cur.Location.Country = "North Korea"
			current := f.record(t, cur, "")

			v := f.eval.Evaluate(context.Background(), "user-1", current)
			assert.True(t, v.Suspicious)
			assert.True(t, v.Restricted)
			assert.Equal(t, []Reason{ReasonRestrictedLocation}, v.Reasons)
		})
	}
}

func TestEvaluate_RestrictedLocationResolvesUnlocatedHistory(t *testing.T) {
	p := DefaultPolicy()
	p.RestrictedRegions = []string{"IR"}
	src := &stubSource{locations: map[string]ResolvedLocation{
		"203.0.113.77": {Country: "Iran", CountryCode: "IR", Latitude: 35.7, Longitude: 51.4},
	}}
	f := newEvalFixture(t, p, nil, NewResolver(src, nil, 0, nil))

	old := LoginAttempt{UserID: "user-1", IPAddress: "203.0.113.77", UserAgent: "x", CreatedAt: f.now.Add(-time.Hour)}
	f.record(t, old, "success")
	current := f.record(t, located("", "DE", 52.52, 13.40, f.now), "")

	v := f.eval.Evaluate(context.Background(), "user-1", current)
	assert.True(t, v.Restricted)
}

func TestEvaluate_NetworkReputation(t *testing.T) {
	provider := &stubProvider{name: "stub", positive: true}
	checker, err := NewReputationChecker(CheckerConfig{Providers: []ReputationProvider{provider}})
	require.NoError(t, err)
	f := newEvalFixture(t, nil, checker, nil)

	current := f.record(t, located("", "US", newYork[0], newYork[1], f.now), "")
	v := f.eval.Evaluate(context.Background(), "user-1", current)
	assert.Equal(t, []Reason{ReasonNetworkReputation}, v.Reasons)
	assert.False(t, v.Restricted)
}

func TestEvaluate_PrivateAddressesSkipReputation(t *testing.T) {
	provider := &stubProvider{name: "stub", positive: true}
	checker, err := NewReputationChecker(CheckerConfig{Providers: []ReputationProvider{provider}})
	require.NoError(t, err)
	f := newEvalFixture(t, nil, checker, nil)

	cur := located("", "US", newYork[0], newYork[1], f.now)
	cur.IPAddress = "10.20.30.40"
	current := f.record(t, cur, "")

	assert.False(t, f.eval.IsSuspicious(context.Background(), "user-1", current))
	assert.Zero(t, provider.calls.Load())
}

type brokenStore struct{ *MemoryActivityStore }

func (brokenStore) Recent(context.Context, string, int) ([]LoginAttempt, error) {
	return nil, errors.New("connection refused")
}

func (brokenStore) CountFailuresSince(context.Context, string, time.Time, string) (int, error) {
	return 0, errors.New("connection refused")
}

func TestEvaluate_StoreOutageDegrades(t *testing.T) {
	e := NewEvaluator(brokenStore{NewMemoryActivityStore()}, nil, nil, nil, time.Second, zaptest.NewLogger(t))

	cur := located("c", "US", newYork[0], newYork[1], time.Now())
	v := e.Evaluate(context.Background(), "user-1", &cur)
	assert.False(t, v.Suspicious)
	assert.True(t, v.Degraded)
}

func TestEvaluate_DeadlineDegrades(t *testing.T) {
	slow := &stubProvider{name: "slow", delay: 5 * time.Second}
	checker, err := NewReputationChecker(CheckerConfig{Providers: []ReputationProvider{slow}, Deadline: 5 * time.Second})
	require.NoError(t, err)
	e := NewEvaluator(NewMemoryActivityStore(), nil, checker, nil, 50*time.Millisecond, zaptest.NewLogger(t))

	cur := located("c", "US", newYork[0], newYork[1], time.Now())
	start := time.Now()
	v := e.Evaluate(context.Background(), "user-1", &cur)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, v.Degraded)
	assert.False(t, v.Suspicious)
}

func TestEvaluator_HistoryMergesCurrent(t *testing.T) {
	p := DefaultPolicy()
	p.HistoryWindow = 3
	p.GeoPatternWindow = 3
	f := newEvalFixture(t, p, nil, nil)

	for i := 1; i <= 4; i++ {
		f.record(t, located("", "US", newYork[0], newYork[1], f.now.Add(-time.Duration(i)*time.Hour)), "success")
	}
	stored := f.record(t, located("", "US", newYork[0], newYork[1], f.now), "")

	h, err := f.eval.history(context.Background(), "user-1", stored)
	require.NoError(t, err)
	require.Len(t, h, 3)
	assert.Equal(t, stored.ID, h[0].ID)

	unsaved := located("new", "US", newYork[0], newYork[1], f.now.Add(time.Minute))
	h, err = f.eval.history(context.Background(), "user-1", &unsaved)
	require.NoError(t, err)
	require.Len(t, h, 3)
	assert.Equal(t, "new", h[0].ID)
	assert.Equal(t, stored.ID, h[1].ID)
}
