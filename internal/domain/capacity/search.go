package capacity

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/locations/internal/domain/location"
)

var tracer = otel.Tracer("github.com/ehr/locations/internal/domain/capacity")

// Unreachable is the distance reported for candidates outside the origin's tree.
const Unreachable = -1

// Locations is the read side of the location registry used by the search.
type Locations interface {
	Get(ctx context.Context, id uuid.UUID) (*location.Location, error)
	All(ctx context.Context) ([]*location.Location, error)
}

// Result is one ranked candidate.
type Result struct {
	Location *location.Location `json:"location"`
	Distance int                `json:"distance"`
}

// Service answers nearest-capacity queries. It reads a snapshot of the
// registry per call and never writes.
type Service struct {
	locations Locations
	logger    zerolog.Logger
}

func NewService(locations Locations, logger zerolog.Logger) *Service {
	return &Service{
		locations: locations,
		logger:    logger.With().Str("component", "capacity").Logger(),
	}
}

// FindNearestWithCapacity returns the best candidate for the query. found is
// false when no location qualifies; that is an expected outcome, not an error.
func (s *Service) FindNearestWithCapacity(ctx context.Context, origin uuid.UUID, service string, minFreeBeds int) (*Result, bool, error) {
	ranked, err := s.RankCandidates(ctx, origin, service, minFreeBeds, 1)
	if err != nil {
		return nil, false, err
	}
	if len(ranked) == 0 {
		return nil, false, nil
	}
	return &ranked[0], true, nil
}

// RankCandidates returns up to limit qualifying locations, nearest first.
// A limit of 0 or less returns all of them.
func (s *Service) RankCandidates(ctx context.Context, origin uuid.UUID, service string, minFreeBeds, limit int) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "capacity.RankCandidates", trace.WithAttributes(
		attribute.String("origin", origin.String()),
		attribute.String("service", service),
		attribute.Int("min_free_beds", minFreeBeds),
	))
	defer span.End()

	service = strings.ToLower(strings.TrimSpace(service))
	if _, err := (location.Services{}).Has(service); err != nil {
		return nil, err
	}
	if minFreeBeds < 1 {
		minFreeBeds = 1
	}
	if _, err := s.locations.Get(ctx, origin); err != nil {
		return nil, err
	}

	all, err := s.locations.All(ctx)
	if err != nil {
		return nil, err
	}
	dist := location.NewForest(all).HopDistances(origin)

	var out []Result
	for _, loc := range all {
		if loc.ID == origin || !qualifies(loc, service, minFreeBeds) {
			continue
		}
		d, ok := dist[loc.ID]
		if !ok {
			d = Unreachable
		}
		out = append(out, Result{Location: loc, Distance: d})
	}
	sortResults(out)

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	span.SetAttributes(attribute.Int("candidates", len(out)))
	s.logger.Debug().
		Str("origin", origin.String()).
		Str("service", service).
		Int("min_free_beds", minFreeBeds).
		Int("candidates", len(out)).
		Msg("capacity search")
	return out, nil
}

func qualifies(loc *location.Location, service string, minFreeBeds int) bool {
	if !loc.IsActive() {
		return false
	}
	if has, err := loc.Services.Has(service); err != nil || !has {
		return false
	}
	if loc.Capacity.AvailableBeds < minFreeBeds {
		return false
	}
	if service == "icu" && loc.Capacity.ICUBeds < minFreeBeds {
		return false
	}
	return true
}

// sortResults orders by distance with unreachable last, then by more free
// beds, then by location code.
func sortResults(rs []Result) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Distance != b.Distance {
			if a.Distance == Unreachable {
				return false
			}
			if b.Distance == Unreachable {
				return true
			}
			return a.Distance < b.Distance
		}
		if a.Location.Capacity.AvailableBeds != b.Location.Capacity.AvailableBeds {
			return a.Location.Capacity.AvailableBeds > b.Location.Capacity.AvailableBeds
		}
		return a.Location.LocationCode < b.Location.LocationCode
	})
}
