package emergency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Repository is the durable case store. Update is a conditional write: it only
// succeeds when the stored version still equals expectedVersion, and on success
// it advances c.Version by one.
type Repository interface {
	Create(ctx context.Context, c *EmergencyCase) error
	GetByID(ctx context.Context, id uuid.UUID) (*EmergencyCase, error)
	Update(ctx context.Context, c *EmergencyCase, expectedVersion int64) error
	ListByState(ctx context.Context, states ...State) ([]*EmergencyCase, error)
}

// uniqueViolation is the Postgres SQLSTATE for a unique index collision.
const uniqueViolation = "23505"

type postgresRepo struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &postgresRepo{db: db}
}

const caseColumns = `id, source_ref, incident, assessment, decision, corridor_status, hospital_status, notify_status,
	corridor_ack, hospital_ack, corridor_released_at, state, failure_reason, version, created_at, updated_at`

func (r *postgresRepo) Create(ctx context.Context, c *EmergencyCase) error {
	row, err := encodeCase(c)
	if err != nil {
		return err
	}
	c.Version = 1

	query := `
		INSERT INTO emergency_cases (` + caseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.db.ExecContext(ctx, query,
		c.ID, c.Incident.SourceRef, row.incident, row.assessment, c.Decision,
		c.CorridorStatus, c.HospitalStatus, c.NotifyStatus,
		row.corridorAck, row.hospitalAck, c.CorridorReleasedAt,
		c.State, c.FailureReason, c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateIncident, c.Incident.SourceRef)
		}
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (r *postgresRepo) GetByID(ctx context.Context, id uuid.UUID) (*EmergencyCase, error) {
	query := `SELECT ` + caseColumns + ` FROM emergency_cases WHERE id = $1`

	c, err := scanCase(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return c, nil
}

func (r *postgresRepo) Update(ctx context.Context, c *EmergencyCase, expectedVersion int64) error {
	row, err := encodeCase(c)
	if err != nil {
		return err
	}
	next := expectedVersion + 1

	query := `
		UPDATE emergency_cases SET
			assessment = $3,
			decision = $4,
			corridor_status = $5,
			hospital_status = $6,
			notify_status = $7,
			corridor_ack = $8,
			hospital_ack = $9,
			corridor_released_at = $10,
			state = $11,
			failure_reason = $12,
			version = $13,
			updated_at = $14
		WHERE id = $1 AND version = $2
	`
	res, err := r.db.ExecContext(ctx, query,
		c.ID, expectedVersion, row.assessment, c.Decision,
		c.CorridorStatus, c.HospitalStatus, c.NotifyStatus,
		row.corridorAck, row.hospitalAck, c.CorridorReleasedAt,
		c.State, c.FailureReason, next, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	if n == 0 {
		var exists bool
		err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM emergency_cases WHERE id = $1)`, c.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("update case: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
		}
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, c.ID, expectedVersion)
	}
	c.Version = next
	return nil
}

func (r *postgresRepo) ListByState(ctx context.Context, states ...State) ([]*EmergencyCase, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	query := `SELECT ` + caseColumns + ` FROM emergency_cases WHERE state = ANY($1) ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var out []*EmergencyCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type encodedCase struct {
	incident    []byte
	assessment  []byte
	corridorAck []byte
	hospitalAck []byte
}

func encodeCase(c *EmergencyCase) (encodedCase, error) {
	var row encodedCase
	var err error
	if row.incident, err = json.Marshal(c.Incident); err != nil {
		return row, fmt.Errorf("failed to marshal incident: %w", err)
	}
	if row.assessment, err = marshalOptional(c.Assessment); err != nil {
		return row, fmt.Errorf("failed to marshal assessment: %w", err)
	}
	if row.corridorAck, err = marshalOptional(c.CorridorAck); err != nil {
		return row, fmt.Errorf("failed to marshal corridor ack: %w", err)
	}
	if row.hospitalAck, err = marshalOptional(c.HospitalAck); err != nil {
		return row, fmt.Errorf("failed to marshal hospital ack: %w", err)
	}
	return row, nil
}

// marshalOptional keeps SQL NULL for absent values instead of the JSON literal null.
func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(s scanner) (*EmergencyCase, error) {
	var c EmergencyCase
	var sourceRef string
	var incidentJSON, assessmentJSON, corridorAckJSON, hospitalAckJSON []byte
	var releasedAt sql.NullTime

	err := s.Scan(
		&c.ID,
		&sourceRef,
		&incidentJSON,
		&assessmentJSON,
		&c.Decision,
		&c.CorridorStatus,
		&c.HospitalStatus,
		&c.NotifyStatus,
		&corridorAckJSON,
		&hospitalAckJSON,
		&releasedAt,
		&c.State,
		&c.FailureReason,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeCase(&c, incidentJSON, assessmentJSON, corridorAckJSON, hospitalAckJSON); err != nil {
		return nil, err
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		c.CorridorReleasedAt = &t
	}
	return &c, nil
}

// decodeCase fills the JSON-encoded columns. Empty optional columns stay nil.
func decodeCase(c *EmergencyCase, incident, assessment, corridorAck, hospitalAck []byte) error {
	if err := json.Unmarshal(incident, &c.Incident); err != nil {
		return fmt.Errorf("failed to unmarshal incident: %w", err)
	}
	if len(assessment) > 0 {
		if err := json.Unmarshal(assessment, &c.Assessment); err != nil {
			return fmt.Errorf("failed to unmarshal assessment: %w", err)
		}
	}
	if len(corridorAck) > 0 {
		if err := json.Unmarshal(corridorAck, &c.CorridorAck); err != nil {
			return fmt.Errorf("failed to unmarshal corridor ack: %w", err)
		}
	}
	if len(hospitalAck) > 0 {
		if err := json.Unmarshal(hospitalAck, &c.HospitalAck); err != nil {
			return fmt.Errorf("failed to unmarshal hospital ack: %w", err)
		}
	}
	return nil
}
