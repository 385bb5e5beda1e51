package emergency

import "errors"

var (
	// ErrInvalidIncident is returned when a report is missing required fields.
	ErrInvalidIncident = errors.New("invalid incident report")

	// ErrDuplicateIncident is returned when the source reference was already ingested.
	ErrDuplicateIncident = errors.New("duplicate incident")

	// ErrNotFound is returned when no case exists for the given id.
	ErrNotFound = errors.New("case not found")

	// ErrVersionConflict is returned by a conditional write whose expected version is stale.
	ErrVersionConflict = errors.New("case version conflict")

	// ErrConflictRetries is returned when a read-compute-write cycle kept losing races.
	ErrConflictRetries = errors.New("case update retries exhausted")

	// ErrScoringUnavailable is returned once the scoring oracle's retry budget is spent.
	ErrScoringUnavailable = errors.New("scoring unavailable")

	// ErrInvalidTransition is returned when a mutation would break the lifecycle.
	ErrInvalidTransition = errors.New("invalid case transition")
)
