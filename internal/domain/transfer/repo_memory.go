package transfer

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/locations/internal/platform/versioning"
	"github.com/ehr/locations/pkg/apperrors"
	"github.com/ehr/locations/pkg/pagination"
)

type memoryRepo struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Transfer
}

// NewMemoryRepo returns a process-local Repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{byID: make(map[uuid.UUID]*Transfer)}
}

func (r *memoryRepo) Create(_ context.Context, t *Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if _, exists := r.byID[t.ID]; exists {
		return apperrors.Conflict("transfer %s already exists", t.ID)
	}
	r.byID[t.ID] = t.Clone()
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id uuid.UUID) (*Transfer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, apperrors.NotFound("transfer %s not found", id)
	}
	return t.Clone(), nil
}

func (r *memoryRepo) CompareAndSwap(_ context.Context, next *Transfer, expected int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[next.ID]
	if !ok {
		return apperrors.NotFound("transfer %s not found", next.ID)
	}
	if cur.VersionID != expected {
		return versioning.ErrVersionMismatch
	}
	r.byID[next.ID] = next.Clone()
	return nil
}

func (r *memoryRepo) List(_ context.Context, f Filter) ([]*Transfer, int, error) {
	r.mu.RLock()
	matched := make([]*Transfer, 0, len(r.byID))
	for _, t := range r.byID {
		if f.Matches(t) {
			matched = append(matched, t.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	return pagination.Page(matched, f.Limit, f.Offset), len(matched), nil
}

func (r *memoryRepo) CountInFlight(_ context.Context, locationID uuid.UUID) (int, error) {
	return r.count(func(t *Transfer) bool { return t.Status.InFlight() && t.Involves(locationID) }), nil
}

func (r *memoryRepo) CountReferencing(_ context.Context, locationID uuid.UUID) (int, error) {
	return r.count(func(t *Transfer) bool { return t.Involves(locationID) }), nil
}

func (r *memoryRepo) CountCommitted(_ context.Context, locationID uuid.UUID) (int, error) {
	return r.count(func(t *Transfer) bool { return t.Status.Committed() && t.ToLocationID == locationID }), nil
}

func (r *memoryRepo) count(pred func(*Transfer) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.byID {
		if pred(t) {
			n++
		}
	}
	return n
}
