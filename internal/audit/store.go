// Package audit implements the durable, append-only audit store. Every
// refusal, escalation and resolution lands here; the only permitted update
// is the one-way escalated→resolved transition.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"         // Postgres driver
	_ "modernc.org/sqlite"        // in-memory fallback for degraded mode

	"github.com/aegis/backend/internal/core"
)

// Status is the lifecycle state of an audit row.
type Status string

const (
	StatusOpen      Status = "open"
	StatusEscalated Status = "escalated"
	StatusResolved  Status = "resolved"
)

// ErrNotEscalated is returned when Resolve targets a row that is not in the
// escalated state (already resolved, or never escalated).
var ErrNotEscalated = errors.New("audit row is not in escalated state")

// Record is one audit row. Append-only except for the resolution fields.
type Record struct {
	ID             string
	RequestID      string
	UserID         string
	TrustTier      core.TrustTier
	Input          string
	ModelOutput    string
	DetectorScores map[string]float64
	ReasonCode     string
	Severity       core.Severity
	Status         Status
	CreatedAt      time.Time
	ResolvedAt     *time.Time
	ReviewerID     string
	Notes          string
	TraceID        string
}

// Store wraps the audit database. healthy is a 0/1 gauge the middleware
// observes: any failed read/write drops it until the next success.
type Store struct {
	db      *sql.DB
	healthy atomic.Bool
}

// Open connects to the audit database. When degraded is set an in-memory
// SQLite database is used instead of Postgres so integration tests and
// degraded-mode runs keep the full safety logic active.
func Open(dsn string, degraded bool) (*Store, error) {
	driver := "postgres"
	if degraded {
		driver = "sqlite"
		dsn = "file:audit?mode=memory&cache=shared"
		slog.Warn("audit store running degraded: in-memory sqlite")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	s.healthy.Store(true)
	return s, nil
}

// Healthy reports the last-known health of the store.
func (s *Store) Healthy() bool { return s.healthy.Load() }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	// TEXT + CHECK instead of native enums keeps the schema identical across
	// Postgres and the degraded-mode SQLite backend.
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audits (
			id              TEXT PRIMARY KEY,
			request_id      TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			trust_tier      TEXT NOT NULL CHECK (trust_tier IN ('anon','user','verified','privileged')),
			input           TEXT NOT NULL,
			model_output    TEXT NOT NULL DEFAULT '',
			detector_scores TEXT NOT NULL DEFAULT '{}',
			reason_code     TEXT NOT NULL,
			severity        TEXT NOT NULL CHECK (severity IN ('low','medium','high','critical')),
			status          TEXT NOT NULL CHECK (status IN ('open','escalated','resolved')),
			created_at      TIMESTAMP NOT NULL,
			resolved_at     TIMESTAMP,
			reviewer_id     TEXT NOT NULL DEFAULT '',
			notes           TEXT NOT NULL DEFAULT '',
			trace_id        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audits_request ON audits (request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audits_user ON audits (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audits_created ON audits (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audits_req_user_created ON audits (request_id, user_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit migrate: %w", err)
		}
	}
	return nil
}

// Insert appends one audit row inside a short transaction.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	scores, err := json.Marshal(rec.DetectorScores)
	if err != nil {
		scores = []byte("{}")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("audit insert begin: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audits (id, request_id, user_id, trust_tier, input, model_output,
			detector_scores, reason_code, severity, status, created_at, trace_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, rec.RequestID, rec.UserID, string(rec.TrustTier), rec.Input,
		rec.ModelOutput, string(scores), rec.ReasonCode, string(rec.Severity),
		string(rec.Status), rec.CreatedAt.UTC(), rec.TraceID)
	if err != nil {
		tx.Rollback()
		s.healthy.Store(false)
		return fmt.Errorf("audit insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("audit insert commit: %w", err)
	}
	s.healthy.Store(true)
	return nil
}

// Resolve transitions a row escalated→resolved exactly once and returns the
// resolution latency. The guard in the WHERE clause makes the transition
// atomic under concurrent reviewers.
func (s *Store) Resolve(ctx context.Context, requestID, reviewerID, notes string, now time.Time) (time.Duration, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.healthy.Store(false)
		return 0, fmt.Errorf("audit resolve begin: %w", err)
	}
	var createdAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT created_at FROM audits WHERE request_id = $1 AND status = 'escalated'`,
		requestID).Scan(&createdAt)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return 0, ErrNotEscalated
	}
	if err != nil {
		tx.Rollback()
		s.healthy.Store(false)
		return 0, fmt.Errorf("audit resolve select: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE audits SET status = 'resolved', resolved_at = $1, reviewer_id = $2, notes = $3
		WHERE request_id = $4 AND status = 'escalated'`,
		now.UTC(), reviewerID, notes, requestID)
	if err != nil {
		tx.Rollback()
		s.healthy.Store(false)
		return 0, fmt.Errorf("audit resolve update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return 0, ErrNotEscalated
	}
	if err := tx.Commit(); err != nil {
		s.healthy.Store(false)
		return 0, fmt.Errorf("audit resolve commit: %w", err)
	}
	s.healthy.Store(true)
	latency := now.Sub(createdAt)
	if latency < 0 {
		latency = 0
	}
	return latency, nil
}

// GetByRequestID returns the most recent audit row for a request.
func (s *Store) GetByRequestID(ctx context.Context, requestID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, user_id, trust_tier, input, model_output,
		       detector_scores, reason_code, severity, status, created_at,
		       resolved_at, reviewer_id, notes, trace_id
		FROM audits WHERE request_id = $1 ORDER BY created_at DESC LIMIT 1`, requestID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		s.healthy.Store(false)
		return nil, fmt.Errorf("audit get: %w", err)
	}
	s.healthy.Store(true)
	return rec, nil
}

// ListByUser returns the newest rows for a user, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, user_id, trust_tier, input, model_output,
		       detector_scores, reason_code, severity, status, created_at,
		       resolved_at, reviewer_id, notes, trace_id
		FROM audits WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		s.healthy.Store(false)
		return nil, fmt.Errorf("audit list: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	s.healthy.Store(true)
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var tier, severity, status, scores string
	var resolvedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.UserID, &tier, &rec.Input,
		&rec.ModelOutput, &scores, &rec.ReasonCode, &severity, &status,
		&rec.CreatedAt, &resolvedAt, &rec.ReviewerID, &rec.Notes, &rec.TraceID)
	if err != nil {
		return nil, err
	}
	rec.TrustTier = core.TrustTier(tier)
	rec.Severity = core.Severity(severity)
	rec.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	_ = json.Unmarshal([]byte(scores), &rec.DetectorScores)
	return &rec, nil
}
