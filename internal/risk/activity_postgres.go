package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/openidx/loginguard/internal/common/database"
)

// The host application owns the users table. Where it lives in the same
// database, add
//
//	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
//
// so attempts disappear with their owner; otherwise call DeleteForUser.
const loginAttemptsSchema = `
CREATE TABLE IF NOT EXISTS login_attempts (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	ip_address     TEXT NOT NULL,
	user_agent     TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	success        BOOLEAN NOT NULL DEFAULT false,
	failure_reason TEXT,
	located        BOOLEAN NOT NULL DEFAULT false,
	country        TEXT,
	country_code   TEXT,
	city           TEXT,
	region         TEXT,
	latitude       DOUBLE PRECISION,
	longitude      DOUBLE PRECISION,
	timezone       TEXT,
	seq            BIGSERIAL
);
ALTER TABLE login_attempts ADD COLUMN IF NOT EXISTS seq BIGSERIAL;
DROP INDEX IF EXISTS idx_login_attempts_user_created;
CREATE INDEX IF NOT EXISTS idx_login_attempts_user_created_seq
	ON login_attempts (user_id, created_at DESC, seq DESC);
`

const attemptColumns = `id, user_id, ip_address, user_agent, created_at, success, failure_reason,
	located, country, country_code, city, region, latitude, longitude, timezone`

// PostgresActivityStore persists the login log in PostgreSQL
type PostgresActivityStore struct {
	db     *database.PostgresDB
	logger *zap.Logger
}

// NewPostgresActivityStore creates a store on an existing pool
func NewPostgresActivityStore(db *database.PostgresDB, logger *zap.Logger) *PostgresActivityStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresActivityStore{
		db:     db,
		logger: logger.With(zap.String("component", "activity_store")),
	}
}

// Migrate creates the login_attempts table if it does not exist
func (s *PostgresActivityStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Pool.Exec(ctx, loginAttemptsSchema); err != nil {
		return fmt.Errorf("migrate login_attempts: %w", err)
	}
	return nil
}

func (s *PostgresActivityStore) Create(ctx context.Context, a *LoginAttempt) error {
	if err := a.validate(); err != nil {
		return err
	}
	a.Success = false
	a.FailureReason = nil

	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO login_attempts (id, user_id, ip_address, user_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.UserID, a.IPAddress, a.UserAgent, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

func (s *PostgresActivityStore) SetLocation(ctx context.Context, id string, loc AttemptLocation) error {
	result, err := s.db.Pool.Exec(ctx,
		`UPDATE login_attempts
		 SET located = true, country = $2, country_code = $3, city = $4, region = $5,
		     latitude = $6, longitude = $7, timezone = $8
		 WHERE id = $1`,
		id, loc.Country, loc.CountryCode, loc.City, loc.Region, loc.Latitude, loc.Longitude, loc.Timezone)
	if err != nil {
		return fmt.Errorf("update attempt location: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (s *PostgresActivityStore) MarkSucceeded(ctx context.Context, id string) error {
	result, err := s.db.Pool.Exec(ctx,
		`UPDATE login_attempts SET success = true
		 WHERE id = $1 AND success = false AND failure_reason IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark attempt succeeded: %w", err)
	}
	if result.RowsAffected() == 0 {
		return s.finalizeMiss(ctx, id)
	}
	return nil
}

func (s *PostgresActivityStore) MarkFailed(ctx context.Context, id, reason string) error {
	result, err := s.db.Pool.Exec(ctx,
		`UPDATE login_attempts SET failure_reason = $2
		 WHERE id = $1 AND success = false AND failure_reason IS NULL`, id, reason)
	if err != nil {
		return fmt.Errorf("mark attempt failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return s.finalizeMiss(ctx, id)
	}
	return nil
}

// finalizeMiss tells an unknown ID apart from one that already has an outcome
func (s *PostgresActivityStore) finalizeMiss(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM login_attempts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check attempt: %w", err)
	}
	if !exists {
		return ErrAttemptNotFound
	}
	return ErrAttemptFinalized
}

func (s *PostgresActivityStore) Get(ctx context.Context, id string) (*LoginAttempt, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM login_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get login attempt: %w", err)
	}
	return &a, nil
}

func (s *PostgresActivityStore) Recent(ctx context.Context, userID string, limit int) ([]LoginAttempt, error) {
	if limit <= 0 {
		limit = DefaultPolicy().HistoryWindow
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM login_attempts
		 WHERE user_id = $1
		 ORDER BY created_at DESC, seq DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]LoginAttempt, 0, limit)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan login attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read recent attempts: %w", err)
	}
	return attempts, nil
}

func (s *PostgresActivityStore) CountFailuresSince(ctx context.Context, userID string, since time.Time, excludeID string) (int, error) {
	var n int
	err := s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM login_attempts
		 WHERE user_id = $1 AND success = false AND created_at >= $2 AND id <> $3`,
		userID, since.UTC(), excludeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed attempts: %w", err)
	}
	return n, nil
}

func (s *PostgresActivityStore) DeleteForUser(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.Pool.Exec(ctx, `DELETE FROM login_attempts WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete attempts for user: %w", err)
	}
	n := result.RowsAffected()
	s.logger.Info("Deleted login attempts", zap.String("user_id", userID), zap.Int64("count", n))
	return n, nil
}

func scanAttempt(row pgx.Row) (LoginAttempt, error) {
	var (
		a                                     LoginAttempt
		located                               bool
		country, code, city, region, timezone *string
		lat, lon                              *float64
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.IPAddress, &a.UserAgent, &a.CreatedAt, &a.Success, &a.FailureReason,
		&located, &country, &code, &city, &region, &lat, &lon, &timezone); err != nil {
		return LoginAttempt{}, err
	}
	if located {
		a.Location = &AttemptLocation{
			Country:     deref(country),
			CountryCode: deref(code),
			City:        deref(city),
			Region:      deref(region),
			Latitude:    lat,
			Longitude:   lon,
			Timezone:    deref(timezone),
		}
	}
	return a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
