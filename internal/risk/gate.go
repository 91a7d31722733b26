package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/openidx/loginguard/internal/common/logger"
	"github.com/openidx/loginguard/internal/metrics"
)

// Decision is what the authentication flow should do with an attempt
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionFlag  Decision = "flag"  // allow, but treat the session as suspicious
	DecisionBlock Decision = "block" // credentials were fine, policy refused the login
	DecisionDeny  Decision = "deny"  // credentials were wrong
)

// LoginRequest is an authentication attempt as seen by the gate
type LoginRequest struct {
	UserID    string
	IPAddress string
	UserAgent string
	At        time.Time // zero means now
}

// CredentialVerifier checks the user's credentials. Any error means the
// credentials were rejected.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, req LoginRequest) error
}

// CredentialVerifierFunc adapts a function to CredentialVerifier
type CredentialVerifierFunc func(ctx context.Context, req LoginRequest) error

func (f CredentialVerifierFunc) VerifyCredentials(ctx context.Context, req LoginRequest) error {
	return f(ctx, req)
}

// Outcome is the result of Gate.Authenticate
type Outcome struct {
	Attempt  *LoginAttempt `json:"attempt"`
	Decision Decision      `json:"decision"`
	Verdict  Verdict       `json:"verdict"`
}

const failureInvalidCredentials = "invalid credentials"

// Gate sits in front of session creation. It persists the pending attempt,
// runs the evaluator and records the outcome exactly once.
type Gate struct {
	store     ActivityStore
	resolver  *Resolver
	evaluator *Evaluator
	policy    *Policy
	logger    *zap.Logger
	audit     *logger.AuditLogger
	now       func() time.Time
}

// NewGate creates a gate. resolver may be nil, in which case attempts are
// stored without a location.
func NewGate(store ActivityStore, resolver *Resolver, evaluator *Evaluator, policy *Policy, log *zap.Logger) *Gate {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		store:     store,
		resolver:  resolver,
		evaluator: evaluator,
		policy:    policy,
		logger:    log.With(zap.String("component", "session_gate")),
		audit:     logger.NewAuditLogger(log),
		now:       time.Now,
	}
}

// Begin stores a pending attempt and attaches its location when the address
// resolves. A failed location write is logged and the attempt is returned
// without one.
func (g *Gate) Begin(ctx context.Context, req LoginRequest) (*LoginAttempt, error) {
	at := req.At
	if at.IsZero() {
		at = g.now()
	}
	attempt := &LoginAttempt{
		UserID:    req.UserID,
		IPAddress: strings.TrimSpace(req.IPAddress),
		UserAgent: req.UserAgent,
		CreatedAt: at.UTC(),
	}
	if err := g.store.Create(ctx, attempt); err != nil {
		return nil, fmt.Errorf("record login attempt: %w", err)
	}

	if g.resolver == nil {
		return attempt, nil
	}
	loc := g.resolver.Resolve(ctx, attempt.IPAddress)
	if !loc.Resolved() {
		return attempt, nil
	}
	al := loc.AttemptLocation()
	if err := g.store.SetLocation(ctx, attempt.ID, al); err != nil {
		g.logger.Warn("Failed to store attempt location",
			zap.String("attempt_id", attempt.ID), zap.Error(err))
		return attempt, nil
	}
	attempt.Location = &al
	return attempt, nil
}

// Decide evaluates attempt and maps the verdict to a decision. It does not
// record an outcome.
func (g *Gate) Decide(ctx context.Context, attempt *LoginAttempt) (Decision, Verdict) {
	v := g.evaluator.Evaluate(ctx, attempt.UserID, attempt)
	d := DecisionAllow
	switch {
	case v.Restricted && g.policy.RestrictedAction == RestrictedActionBlock:
		d = DecisionBlock
	case v.Suspicious:
		d = DecisionFlag
	}
	return d, v
}

// Authenticate runs the whole login flow: record, verify credentials,
// evaluate, record the outcome. Only store failures are returned as errors;
// rejected credentials and blocked logins are decisions.
func (g *Gate) Authenticate(ctx context.Context, req LoginRequest, verifier CredentialVerifier) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "risk.Authenticate")
	defer span.End()

	attempt, err := g.Begin(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	log := logger.WithTraceContext(g.logger, ctx).With(zap.String("attempt_id", attempt.ID), zap.String("user_id", attempt.UserID))

	if err := verifier.VerifyCredentials(ctx, req); err != nil {
		log.Info("Credentials rejected", zap.Error(err))
		if err := g.store.MarkFailed(ctx, attempt.ID, failureInvalidCredentials); err != nil {
			return Outcome{}, fmt.Errorf("record failed login: %w", err)
		}
		reason := failureInvalidCredentials
		attempt.FailureReason = &reason
		return g.finish(span, Outcome{Attempt: attempt, Decision: DecisionDeny}), nil
	}

	decision, verdict := g.Decide(ctx, attempt)
	if decision == DecisionBlock {
		reason := "blocked: " + joinReasons(verdict.Reasons)
		if err := g.store.MarkFailed(ctx, attempt.ID, reason); err != nil {
			return Outcome{}, fmt.Errorf("record blocked login: %w", err)
		}
		attempt.FailureReason = &reason
		log.Warn("Login blocked by risk policy", zap.String("reason", reason))
	} else {
		if err := g.store.MarkSucceeded(ctx, attempt.ID); err != nil {
			return Outcome{}, fmt.Errorf("record successful login: %w", err)
		}
		attempt.Success = true
	}

	return g.finish(span, Outcome{Attempt: attempt, Decision: decision, Verdict: verdict}), nil
}

func (g *Gate) finish(span interface{ SetAttributes(...attribute.KeyValue) }, o Outcome) Outcome {
	metrics.RecordLoginDecision(string(o.Decision))
	g.audit.LogLoginDecision(logger.LoginDecision{
		AttemptID: o.Attempt.ID,
		UserID:    o.Attempt.UserID,
		IPAddress: o.Attempt.IPAddress,
		UserAgent: o.Attempt.UserAgent,
		Decision:  string(o.Decision),
		Reasons:   reasonStrings(o.Verdict.Reasons),
		Degraded:  o.Verdict.Degraded,
	})
	span.SetAttributes(attribute.String("risk.decision", string(o.Decision)))
	return o
}

func reasonStrings(reasons []Reason) []string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return parts
}

func joinReasons(reasons []Reason) string {
	return strings.Join(reasonStrings(reasons), ",")
}
