package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AttemptLocation is the location stored on a login attempt. It is written
// in one piece; a nil *AttemptLocation means the address was never resolved.
type AttemptLocation struct {
	Country     string   `json:"country,omitempty"`
	CountryCode string   `json:"country_code,omitempty"`
	City        string   `json:"city,omitempty"`
	Region      string   `json:"region,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
}

// Coordinates returns the stored position, if both halves are present
func (l *AttemptLocation) Coordinates() (lat, lon float64, ok bool) {
	if l == nil || l.Latitude == nil || l.Longitude == nil {
		return 0, 0, false
	}
	return *l.Latitude, *l.Longitude, true
}

func (l *AttemptLocation) clone() *AttemptLocation {
	if l == nil {
		return nil
	}
	c := *l
	if l.Latitude != nil {
		lat := *l.Latitude
		c.Latitude = &lat
	}
	if l.Longitude != nil {
		lon := *l.Longitude
		c.Longitude = &lon
	}
	return &c
}

// LoginAttempt is one row of the login activity log
type LoginAttempt struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	IPAddress     string           `json:"ip_address"`
	UserAgent     string           `json:"user_agent"`
	CreatedAt     time.Time        `json:"created_at"`
	Success       bool             `json:"success"`
	FailureReason *string          `json:"failure_reason,omitempty"`
	Location      *AttemptLocation `json:"location,omitempty"`
}

// Finalized reports whether the attempt's outcome has been recorded
func (a *LoginAttempt) Finalized() bool {
	return a.Success || a.FailureReason != nil
}

func (a *LoginAttempt) clone() LoginAttempt {
	c := *a
	if a.FailureReason != nil {
		r := *a.FailureReason
		c.FailureReason = &r
	}
	c.Location = a.Location.clone()
	return c
}

// validate checks the mandatory fields and fills in an ID
func (a *LoginAttempt) validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidAttempt)
	}
	if strings.TrimSpace(a.IPAddress) == "" {
		return fmt.Errorf("%w: ip_address is required", ErrInvalidAttempt)
	}
	if strings.TrimSpace(a.UserAgent) == "" {
		return fmt.Errorf("%w: user_agent is required", ErrInvalidAttempt)
	}
	if a.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrInvalidAttempt)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// ActivityStore is the append-only login log the evaluator reads from. Only
// the session gate records outcomes, once per attempt.
type ActivityStore interface {
	// Create stores a pending attempt (Success=false, no failure reason)
	Create(ctx context.Context, a *LoginAttempt) error
	// SetLocation writes the whole location in one update
	SetLocation(ctx context.Context, id string, loc AttemptLocation) error
	// MarkSucceeded returns ErrAttemptFinalized if an outcome was already recorded
	MarkSucceeded(ctx context.Context, id string) error
	// MarkFailed returns ErrAttemptFinalized if an outcome was already recorded
	MarkFailed(ctx context.Context, id, reason string) error
	Get(ctx context.Context, id string) (*LoginAttempt, error)
	// Recent returns at most limit attempts for userID, newest first
	Recent(ctx context.Context, userID string, limit int) ([]LoginAttempt, error)
	// CountFailuresSince counts attempts that did not succeed, created at or
	// after since, ignoring excludeID
	CountFailuresSince(ctx context.Context, userID string, since time.Time, excludeID string) (int, error)
	// DeleteForUser removes every attempt owned by userID
	DeleteForUser(ctx context.Context, userID string) (int64, error)
}
