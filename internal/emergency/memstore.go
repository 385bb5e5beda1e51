package emergency

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// memoryRepo keeps cases in process memory. It honours the same conditional
// write contract as the Postgres store and is used for local runs and tests.
type memoryRepo struct {
	mu       sync.RWMutex
	cases    map[uuid.UUID]*EmergencyCase
	bySource map[string]uuid.UUID
}

func NewMemoryRepository() Repository {
	return &memoryRepo{
		cases:    make(map[uuid.UUID]*EmergencyCase),
		bySource: make(map[string]uuid.UUID),
	}
}

func (r *memoryRepo) Create(_ context.Context, c *EmergencyCase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySource[c.Incident.SourceRef]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIncident, c.Incident.SourceRef)
	}
	c.Version = 1
	r.cases[c.ID] = c.Clone()
	r.bySource[c.Incident.SourceRef] = c.ID
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*EmergencyCase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.cases[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

func (r *memoryRepo) Update(_ context.Context, c *EmergencyCase, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.cases[c.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, c.ID, expectedVersion)
	}
	next := c.Clone()
	next.Version = expectedVersion + 1
	// Identity fields are fixed at creation.
	next.Incident = stored.Incident
	next.CreatedAt = stored.CreatedAt
	r.cases[c.ID] = next
	c.Version = next.Version
	return nil
}

func (r *memoryRepo) ListByState(_ context.Context, states ...State) ([]*EmergencyCase, error) {
	want := make(map[State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	r.mu.RLock()
	out := make([]*EmergencyCase, 0)
	for _, c := range r.cases {
		if want[c.State] {
			out = append(out, c.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
