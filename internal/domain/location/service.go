package location

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ehr/locations/internal/platform/events"
	"github.com/ehr/locations/internal/platform/versioning"
	"github.com/ehr/locations/pkg/apperrors"
)

var tracer = otel.Tracer("github.com/ehr/locations/internal/domain/location")

// TransferReferences answers questions about transfers that point at a
// location. It is implemented by the transfer repository.
type TransferReferences interface {
	// CountInFlight counts pending, approved and in-transit transfers whose
	// source or destination is locationID.
	CountInFlight(ctx context.Context, locationID uuid.UUID) (int, error)
	// CountReferencing counts all transfers, terminal ones included.
	CountReferencing(ctx context.Context, locationID uuid.UUID) (int, error)
	// CountCommitted counts approved and in-transit transfers holding a bed
	// reserved at locationID.
	CountCommitted(ctx context.Context, locationID uuid.UUID) (int, error)
}

// Service is the location registry. It is the only holder of the location
// Applier, so every mutation, capacity counters included, runs through a
// compare-and-swap.
type Service struct {
	repo      Repository
	applier   *versioning.Applier[*Location]
	refs      TransferReferences
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	// hierarchyMu serialises parent changes so two concurrent re-parentings
	// cannot close a cycle between them.
	hierarchyMu sync.Mutex

	droppedReleases metric.Int64Counter
}

func NewService(repo Repository, retry versioning.RetryConfig, publisher events.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	dropped, _ := otel.Meter("github.com/ehr/locations/location").Int64Counter("location.capacity.dropped_releases",
		metric.WithDescription("Bed releases skipped because the counter was already at total_beds"))
	return &Service{
		repo:            repo,
		applier:         versioning.NewApplier[*Location]("location", repo, retry, logger),
		publisher:       publisher,
		logger:          logger.With().Str("component", "location").Logger(),
		now:             func() time.Time { return time.Now().UTC() },
		droppedReleases: dropped,
	}
}

// SetTransferReferences wires the transfer side after both services exist.
func (s *Service) SetTransferReferences(refs TransferReferences) {
	s.refs = refs
}

func (s *Service) emit(ctx context.Context, eventType string, loc *Location) {
	events.Emit(ctx, s.publisher, s.logger,
		events.New(eventType, events.TopicLocations, "Location", loc.ID.String(), loc),
		events.New(eventType, events.LocationTopic(loc.ID.String()), "Location", loc.ID.String(), loc),
	)
}

// Create registers a new location at revision 1.
func (s *Service) Create(ctx context.Context, loc *Location) (*Location, error) {
	ctx, span := tracer.Start(ctx, "location.Create")
	defer span.End()

	loc = loc.Clone()
	loc.ID = uuid.New()
	loc.LocationCode = strings.TrimSpace(loc.LocationCode)
	if loc.Status == "" {
		loc.Status = StatusActive
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}

	s.hierarchyMu.Lock()
	defer s.hierarchyMu.Unlock()

	if loc.ParentLocationID != nil {
		if _, err := s.repo.Get(ctx, *loc.ParentLocationID); err != nil {
			if apperrors.IsNotFound(err) {
				return nil, apperrors.InvalidParent("parent location %s does not exist", loc.ParentLocationID)
			}
			return nil, err
		}
	}
	if _, err := s.repo.GetByCode(ctx, loc.LocationCode); err == nil {
		return nil, apperrors.DuplicateCode(loc.LocationCode)
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}

	now := s.now()
	loc.VersionID = 1
	loc.CreatedAt = now
	loc.UpdatedAt = now
	if err := s.repo.Create(ctx, loc); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("location.id", loc.ID.String()), attribute.String("location.code", loc.LocationCode))
	s.logger.Info().Str("location_id", loc.ID.String()).Str("code", loc.LocationCode).Msg("location created")
	s.emit(ctx, events.LocationCreated, loc)
	return loc, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Location, error) {
	return s.repo.Get(ctx, id)
}

// List returns matching locations ordered by code, and the unpaginated total.
func (s *Service) List(ctx context.Context, f Filter) ([]*Location, int, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, 0, apperrors.Validation("invalid location_type filter %q", f.Type)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperrors.Validation("invalid status filter %q", f.Status)
	}
	return s.repo.List(ctx, f)
}

// All returns every location ordered by code.
func (s *Service) All(ctx context.Context) ([]*Location, error) {
	locs, _, err := s.repo.List(ctx, Filter{})
	return locs, err
}

// Children returns the direct children of id.
func (s *Service) Children(ctx context.Context, id uuid.UUID) ([]*Location, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	locs, _, err := s.repo.List(ctx, Filter{ParentID: &id})
	return locs, err
}

// Update applies patch when the stored revision still equals expected.
func (s *Service) Update(ctx context.Context, id uuid.UUID, expected int, patch Patch) (*Location, error) {
	ctx, span := tracer.Start(ctx, "location.Update")
	defer span.End()

	if expected <= 0 {
		return nil, apperrors.Validation("expected revision is required")
	}

	if patch.ClearParent || patch.ParentLocationID != nil {
		s.hierarchyMu.Lock()
		defer s.hierarchyMu.Unlock()
	}

	updated, err := s.applier.Apply(ctx, id, func(cur *Location) (*Location, error) {
		if cur.VersionID != expected {
			return nil, apperrors.Conflict("location %s is at revision %d, not %d; re-fetch and retry", id, cur.VersionID, expected)
		}
		if patch.changesParent(cur) && patch.ParentLocationID != nil && !patch.ClearParent {
			if err := s.checkParent(ctx, id, *patch.ParentLocationID); err != nil {
				return nil, err
			}
		}
		if patch.touchesFreeBeds(cur) {
			if err := s.checkNoInFlight(ctx, id); err != nil {
				return nil, err
			}
		}
		if patch.changesTotal(cur) {
			if err := s.checkCommitted(ctx, id, patch.capacity(cur)); err != nil {
				return nil, err
			}
		}
		patch.apply(cur)
		cur.UpdatedAt = s.now()
		if err := cur.Validate(); err != nil {
			return nil, err
		}
		return cur, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("location_id", id.String()).Int("version", updated.VersionID).Msg("location updated")
	s.emit(ctx, events.LocationUpdated, updated)
	return updated, nil
}

func (s *Service) checkParent(ctx context.Context, id, parent uuid.UUID) error {
	all, err := s.All(ctx)
	if err != nil {
		return err
	}
	forest := NewForest(all)
	if !forest.Contains(parent) {
		return apperrors.InvalidParent("parent location %s does not exist", parent)
	}
	if forest.WouldCycle(id, parent) {
		return apperrors.InvalidParent("location %s cannot be placed under its own descendant %s", id, parent)
	}
	return nil
}

func (s *Service) checkNoInFlight(ctx context.Context, id uuid.UUID) error {
	if s.refs == nil {
		return nil
	}
	n, err := s.refs.CountInFlight(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return apperrors.CapacityLocked("location %s has %d in-flight transfer(s); free bed counters change only through transfers", id, n)
	}
	return nil
}

// checkCommitted keeps reserved beds inside the pool: total_beds may not drop
// below available_beds plus the reservations approved transfers hold here.
func (s *Service) checkCommitted(ctx context.Context, id uuid.UUID, next Capacity) error {
	if s.refs == nil {
		return nil
	}
	n, err := s.refs.CountCommitted(ctx, id)
	if err != nil {
		return err
	}
	if next.AvailableBeds+n > next.TotalBeds {
		return apperrors.CapacityLocked("location %s holds %d reserved bed(s); total_beds %d is below available_beds plus reservations (%d)",
			id, n, next.TotalBeds, next.AvailableBeds+n)
	}
	return nil
}

// Deactivate soft-deletes a location by moving it to inactive.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID, expected int) (*Location, error) {
	if expected <= 0 {
		return nil, apperrors.Validation("expected revision is required")
	}
	updated, err := s.applier.Apply(ctx, id, func(cur *Location) (*Location, error) {
		if cur.VersionID != expected {
			return nil, apperrors.Conflict("location %s is at revision %d, not %d; re-fetch and retry", id, cur.VersionID, expected)
		}
		cur.Status = StatusInactive
		cur.UpdatedAt = s.now()
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("location_id", id.String()).Msg("location deactivated")
	s.emit(ctx, events.LocationDeactivated, updated)
	return updated, nil
}

// Delete physically removes a location that no transfer and no child refers to.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	s.hierarchyMu.Lock()
	defer s.hierarchyMu.Unlock()

	loc, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.refs != nil {
		n, err := s.refs.CountReferencing(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperrors.LocationInUse("location %s is referenced by %d transfer(s); deactivate it instead", id, n)
		}
	}
	all, err := s.All(ctx)
	if err != nil {
		return err
	}
	if NewForest(all).HasChildren(id) {
		return apperrors.LocationInUse("location %s still has child locations", id)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("location_id", id.String()).Msg("location deleted")
	s.emit(ctx, events.LocationDeleted, loc)
	return nil
}
