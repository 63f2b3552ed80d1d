package location

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/locations/internal/platform/versioning"
	"github.com/ehr/locations/pkg/apperrors"
	"github.com/ehr/locations/pkg/pagination"
)

type memoryRepo struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Location
	byCode map[string]uuid.UUID
}

// NewMemoryRepo returns a process-local Repository. Records are cloned on the
// way in and out so callers never share state with the store.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		byID:   make(map[uuid.UUID]*Location),
		byCode: make(map[string]uuid.UUID),
	}
}

func codeKey(code string) string { return strings.ToLower(strings.TrimSpace(code)) }

func (r *memoryRepo) Create(_ context.Context, loc *Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byCode[codeKey(loc.LocationCode)]; exists {
		return apperrors.DuplicateCode(loc.LocationCode)
	}
	if loc.ParentLocationID != nil {
		if _, ok := r.byID[*loc.ParentLocationID]; !ok {
			return apperrors.InvalidParent("parent location %s does not exist", loc.ParentLocationID)
		}
	}
	if loc.ID == uuid.Nil {
		loc.ID = uuid.New()
	}
	r.byID[loc.ID] = loc.Clone()
	r.byCode[codeKey(loc.LocationCode)] = loc.ID
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id uuid.UUID) (*Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.byID[id]
	if !ok {
		return nil, apperrors.NotFound("location %s not found", id)
	}
	return loc.Clone(), nil
}

func (r *memoryRepo) GetByCode(_ context.Context, code string) (*Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCode[codeKey(code)]
	if !ok {
		return nil, apperrors.NotFound("location with code %q not found", code)
	}
	return r.byID[id].Clone(), nil
}

func (r *memoryRepo) CompareAndSwap(_ context.Context, next *Location, expected int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[next.ID]
	if !ok {
		return apperrors.NotFound("location %s not found", next.ID)
	}
	if cur.VersionID != expected {
		return versioning.ErrVersionMismatch
	}
	if next.ParentLocationID != nil {
		if _, ok := r.byID[*next.ParentLocationID]; !ok {
			return apperrors.InvalidParent("parent location %s does not exist", next.ParentLocationID)
		}
	}
	r.byID[next.ID] = next.Clone()
	return nil
}

func (r *memoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	loc, ok := r.byID[id]
	if !ok {
		return apperrors.NotFound("location %s not found", id)
	}
	delete(r.byCode, codeKey(loc.LocationCode))
	delete(r.byID, id)
	return nil
}

func (r *memoryRepo) List(_ context.Context, f Filter) ([]*Location, int, error) {
	r.mu.RLock()
	matched := make([]*Location, 0, len(r.byID))
	for _, loc := range r.byID {
		if f.Matches(loc) {
			matched = append(matched, loc.Clone())
		}
	}
	r.mu.RUnlock()

	sortByCode(matched)
	total := len(matched)
	return pagination.Page(matched, f.Limit, f.Offset), total, nil
}

func sortByCode(locs []*Location) {
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].LocationCode != locs[j].LocationCode {
			return locs[i].LocationCode < locs[j].LocationCode
		}
		return locs[i].ID.String() < locs[j].ID.String()
	})
}
