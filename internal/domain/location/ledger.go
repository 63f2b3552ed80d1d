package location

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ehr/locations/internal/platform/events"
	"github.com/ehr/locations/pkg/apperrors"
)

// CapacityLedger is the narrow capacity surface the transfer engine is given.
// Each call is one compare-and-swap on one location.
type CapacityLedger interface {
	// ReserveBed takes one free bed (and one ICU bed for BedICU) at an active
	// location, failing with CapacityExceeded when none is free.
	ReserveBed(ctx context.Context, id uuid.UUID, category BedCategory) (*Location, error)
	// ReleaseReservation returns what ReserveBed took. A counter already at
	// total_beds is left there and the dropped release is logged and counted.
	ReleaseReservation(ctx context.Context, id uuid.UUID, category BedCategory) (*Location, error)
	// FreeBed returns one bed at a location a patient has left. released is
	// false when the location already reported every bed free.
	FreeBed(ctx context.Context, id uuid.UUID) (loc *Location, released bool, err error)
	// ClaimBed takes back a bed handed out by FreeBed or ReleaseReservation
	// whose transfer write did not commit. Unlike ReserveBed it ignores the
	// location status.
	ClaimBed(ctx context.Context, id uuid.UUID, category BedCategory) (*Location, error)
}

var _ CapacityLedger = (*Service)(nil)

var errUnchanged = errors.New("location: no change")

func (s *Service) ReserveBed(ctx context.Context, id uuid.UUID, category BedCategory) (*Location, error) {
	if !category.Valid() {
		return nil, apperrors.Validation("invalid bed category %q", category)
	}
	loc, err := s.applier.Apply(ctx, id, func(cur *Location) (*Location, error) {
		if !cur.IsActive() {
			return nil, apperrors.LocationInactive(cur.ID)
		}
		if cur.Capacity.AvailableBeds < 1 {
			return nil, apperrors.CapacityExceeded("location %s has no available beds", cur.LocationCode)
		}
		if category == BedICU && cur.Capacity.ICUBeds < 1 {
			return nil, apperrors.CapacityExceeded("location %s has no available ICU beds", cur.LocationCode)
		}
		cur.Capacity.AvailableBeds--
		if category == BedICU {
			cur.Capacity.ICUBeds--
		}
		cur.UpdatedAt = s.now()
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	s.logCapacity(loc, "bed reserved")
	s.emit(ctx, events.CapacityChanged, loc)
	return loc, nil
}

func (s *Service) ReleaseReservation(ctx context.Context, id uuid.UUID, category BedCategory) (*Location, error) {
	var dropped []string
	loc, err := s.applier.Apply(ctx, id, func(cur *Location) (*Location, error) {
		dropped = dropped[:0]
		if cur.Capacity.AvailableBeds < cur.Capacity.TotalBeds {
			cur.Capacity.AvailableBeds++
		} else {
			dropped = append(dropped, "available_beds")
		}
		if category == BedICU {
			if cur.Capacity.ICUBeds < cur.Capacity.TotalBeds {
				cur.Capacity.ICUBeds++
			} else {
				dropped = append(dropped, "icu_beds")
			}
		}
		cur.UpdatedAt = s.now()
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	for _, counter := range dropped {
		s.countDropped(ctx, counter)
		s.logger.Warn().
			Str("location_id", id.String()).
			Str("counter", counter).
			Int("total_beds", loc.Capacity.TotalBeds).
			Msg("counter already at total_beds; reservation release dropped")
	}
	s.logCapacity(loc, "reservation released")
	s.emit(ctx, events.CapacityChanged, loc)
	return loc, nil
}

func (s *Service) FreeBed(ctx context.Context, id uuid.UUID) (*Location, bool, error) {
	loc, err := s.applier.Apply(ctx, id, func(cur *Location) (*Location, error) {
		if cur.Capacity.AvailableBeds >= cur.Capacity.TotalBeds {
			return nil, errUnchanged
		}
		cur.Capacity.AvailableBeds++
		cur.UpdatedAt = s.now()
		return cur, nil
	})
	if errors.Is(err, errUnchanged) {
		current, getErr := s.repo.Get(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		s.countDropped(ctx, "available_beds")
		s.logger.Warn().Str("location_id", id.String()).Msg("source already reports every bed free; nothing to release")
		return current, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.logCapacity(loc, "bed freed")
	s.emit(ctx, events.CapacityChanged, loc)
	return loc, true, nil
}

func (s *Service) ClaimBed(ctx context.Context, id uuid.UUID, category BedCategory) (*Location, error) {
	if !category.Valid() {
		return nil, apperrors.Validation("invalid bed category %q", category)
	}
	loc, err := s.applier.Apply(ctx, id, func(cur *Location) (*Location, error) {
		if cur.Capacity.AvailableBeds < 1 {
			return nil, apperrors.CapacityExceeded("location %s has no available beds to claim", cur.LocationCode)
		}
		if category == BedICU && cur.Capacity.ICUBeds < 1 {
			return nil, apperrors.CapacityExceeded("location %s has no available ICU beds to claim", cur.LocationCode)
		}
		cur.Capacity.AvailableBeds--
		if category == BedICU {
			cur.Capacity.ICUBeds--
		}
		cur.UpdatedAt = s.now()
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	s.logCapacity(loc, "bed claimed")
	s.emit(ctx, events.CapacityChanged, loc)
	return loc, nil
}

func (s *Service) countDropped(ctx context.Context, counter string) {
	if s.droppedReleases != nil {
		s.droppedReleases.Add(ctx, 1, metric.WithAttributes(attribute.String("counter", counter)))
	}
}

func (s *Service) logCapacity(loc *Location, msg string) {
	s.logger.Debug().
		Str("location_id", loc.ID.String()).
		Int("available_beds", loc.Capacity.AvailableBeds).
		Int("icu_beds", loc.Capacity.ICUBeds).
		Int("version", loc.VersionID).
		Msg(msg)
}
