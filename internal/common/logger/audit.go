package logger

import (
	"time"

	"go.uber.org/zap"
)

// Audit event statuses
const (
	AuditSuccess = "success"
	AuditFlagged = "flagged"
	AuditDenied  = "denied"
	AuditFailure = "failure"
)

// AuditEvent is a security-relevant event written to the audit stream
type AuditEvent struct {
	EventType  string                 `json:"event_type"`
	Actor      string                 `json:"actor"` // user ID or caller address
	Action     string                 `json:"action"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Status     string                 `json:"status"`
	Reason     string                 `json:"reason,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// AuditLogger writes audit events through zap with log_type=audit so they
// can be routed separately from operational logs.
type AuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{logger: logger.With(zap.String("log_type", "audit"))}
}

// Log logs an audit event
func (a *AuditLogger) Log(event *AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("actor", event.Actor),
		zap.String("action", event.Action),
		zap.String("status", event.Status),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", event.ResourceID))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if event.IPAddress != "" {
		fields = append(fields, zap.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", event.UserAgent))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	switch event.Status {
	case AuditDenied, AuditFlagged:
		a.logger.Warn("Audit event", fields...)
	default:
		a.logger.Info("Audit event", fields...)
	}
}

// LoginDecision describes the outcome of a gated login for the audit stream
type LoginDecision struct {
	AttemptID string
	UserID    string
	IPAddress string
	UserAgent string
	Decision  string
	Reasons   []string
	Degraded  bool
}

// LogLoginDecision records the decision taken for a login attempt
func (a *AuditLogger) LogLoginDecision(d LoginDecision) {
	status := AuditSuccess
	switch d.Decision {
	case "flag":
		status = AuditFlagged
	case "block":
		status = AuditDenied
	case "deny":
		status = AuditFailure
	}
	var metadata map[string]interface{}
	if len(d.Reasons) > 0 || d.Degraded {
		metadata = map[string]interface{}{"reasons": d.Reasons, "degraded": d.Degraded}
	}
	a.Log(&AuditEvent{
		EventType:  "login_decision",
		Actor:      d.UserID,
		Action:     d.Decision,
		ResourceID: d.AttemptID,
		Status:     status,
		IPAddress:  d.IPAddress,
		UserAgent:  d.UserAgent,
		Metadata:   metadata,
	})
}

// LogHistoryDeleted records erasure of a user's login history
func (a *AuditLogger) LogHistoryDeleted(actorIP, userID string, deleted int64) {
	a.Log(&AuditEvent{
		EventType:  "login_history_deleted",
		Actor:      actorIP,
		Action:     "delete",
		ResourceID: userID,
		Status:     AuditSuccess,
		IPAddress:  actorIP,
		Metadata:   map[string]interface{}{"deleted": deleted},
	})
}

// LogCacheFlush records a flush of the reputation caches
func (a *AuditLogger) LogCacheFlush(actorIP string, deleted int64) {
	a.Log(&AuditEvent{
		EventType: "reputation_cache_flushed",
		Actor:     actorIP,
		Action:    "flush",
		Status:    AuditSuccess,
		IPAddress: actorIP,
		Metadata:  map[string]interface{}{"deleted": deleted},
	})
}
