package emergency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteTime is fixed width so text comparison orders timestamps.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS emergency_cases (
		id TEXT PRIMARY KEY,
		source_ref TEXT NOT NULL UNIQUE,
		incident TEXT NOT NULL,
		assessment TEXT NULL,
		decision TEXT NOT NULL,
		corridor_status TEXT NOT NULL,
		hospital_status TEXT NOT NULL,
		notify_status TEXT NOT NULL,
		corridor_ack TEXT NULL,
		hospital_ack TEXT NULL,
		corridor_released_at TEXT NULL,
		state TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_emergency_cases_state ON emergency_cases (state, created_at DESC);
`

// sqliteRepo is the single-node store used when no Postgres is available.
type sqliteRepo struct {
	db *sql.DB
}

// NewSQLiteRepository creates the schema if needed and returns a store bound to db.
func NewSQLiteRepository(ctx context.Context, db *sql.DB) (Repository, error) {
	if db == nil {
		return nil, errors.New("sqlite repository: db is nil")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("sqlite repository: create schema: %w", err)
	}
	return &sqliteRepo{db: db}, nil
}

func (r *sqliteRepo) Create(ctx context.Context, c *EmergencyCase) error {
	row, err := encodeCase(c)
	if err != nil {
		return err
	}
	c.Version = 1

	query := `INSERT INTO emergency_cases (` + caseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		c.ID.String(), c.Incident.SourceRef, string(row.incident), nullText(row.assessment), string(c.Decision),
		string(c.CorridorStatus), string(c.HospitalStatus), string(c.NotifyStatus),
		nullText(row.corridorAck), nullText(row.hospitalAck), formatOptionalTime(c.CorridorReleasedAt),
		string(c.State), c.FailureReason, c.Version, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		if isDuplicateSourceRef(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateIncident, c.Incident.SourceRef)
		}
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (r *sqliteRepo) GetByID(ctx context.Context, id uuid.UUID) (*EmergencyCase, error) {
	query := `SELECT ` + caseColumns + ` FROM emergency_cases WHERE id = ?`

	c, err := scanSQLiteCase(r.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return c, nil
}

func (r *sqliteRepo) Update(ctx context.Context, c *EmergencyCase, expectedVersion int64) error {
	row, err := encodeCase(c)
	if err != nil {
		return err
	}
	next := expectedVersion + 1

	query := `
		UPDATE emergency_cases SET
			assessment = ?,
			decision = ?,
			corridor_status = ?,
			hospital_status = ?,
			notify_status = ?,
			corridor_ack = ?,
			hospital_ack = ?,
			corridor_released_at = ?,
			state = ?,
			failure_reason = ?,
			version = ?,
			updated_at = ?
		WHERE id = ? AND version = ?
	`
	res, err := r.db.ExecContext(ctx, query,
		nullText(row.assessment), string(c.Decision),
		string(c.CorridorStatus), string(c.HospitalStatus), string(c.NotifyStatus),
		nullText(row.corridorAck), nullText(row.hospitalAck), formatOptionalTime(c.CorridorReleasedAt),
		string(c.State), c.FailureReason, next, formatTime(c.UpdatedAt),
		c.ID.String(), expectedVersion)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	if n == 0 {
		var count int
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM emergency_cases WHERE id = ?`, c.ID.String()).Scan(&count); err != nil {
			return fmt.Errorf("update case: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
		}
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, c.ID, expectedVersion)
	}
	c.Version = next
	return nil
}

func (r *sqliteRepo) ListByState(ctx context.Context, states ...State) ([]*EmergencyCase, error) {
	if len(states) == 0 {
		return []*EmergencyCase{}, nil
	}
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	query := `SELECT ` + caseColumns + ` FROM emergency_cases WHERE state IN (` + placeholders + `) ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	out := make([]*EmergencyCase, 0)
	for rows.Next() {
		c, err := scanSQLiteCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// isDuplicateSourceRef reports a unique violation; source_ref carries the only
// unique index besides the primary key, which fails as SQLITE_CONSTRAINT_PRIMARYKEY.
func isDuplicateSourceRef(err error) bool {
	var sqlErr *sqlite.Error
	return errors.As(err, &sqlErr) && sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// scanSQLiteCase reads timestamps stored as text and delegates the JSON
// columns to the shared decoder.
func scanSQLiteCase(s scanner) (*EmergencyCase, error) {
	var id, createdAt, updatedAt string
	var releasedAt sql.NullString
	var incident string
	var assessment, corridorAck, hospitalAck sql.NullString
	var c EmergencyCase
	var sourceRef string

	err := s.Scan(
		&id,
		&sourceRef,
		&incident,
		&assessment,
		&c.Decision,
		&c.CorridorStatus,
		&c.HospitalStatus,
		&c.NotifyStatus,
		&corridorAck,
		&hospitalAck,
		&releasedAt,
		&c.State,
		&c.FailureReason,
		&c.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse case id: %w", err)
	}
	if c.CreatedAt, err = time.Parse(sqliteTime, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(sqliteTime, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if releasedAt.Valid {
		t, err := time.Parse(sqliteTime, releasedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse corridor_released_at: %w", err)
		}
		c.CorridorReleasedAt = &t
	}

	if err := decodeCase(&c, []byte(incident), nullBytes(assessment), nullBytes(corridorAck), nullBytes(hospitalAck)); err != nil {
		return nil, err
	}
	return &c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullBytes(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}
