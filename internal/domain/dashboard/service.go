package dashboard

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/ehr/locations/internal/domain/location"
	"github.com/ehr/locations/internal/domain/transfer"
	"github.com/ehr/locations/pkg/apperrors"
)

var tracer = otel.Tracer("github.com/ehr/locations/internal/domain/dashboard")

const (
	DefaultRecent = 10
	MaxRecent     = 100

	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

type Locations interface {
	All(ctx context.Context) ([]*location.Location, error)
}

type Transfers interface {
	List(ctx context.Context, f transfer.Filter) ([]*transfer.Transfer, int, error)
}

// Window bounds the throughput figures by completion time. Since is
// inclusive, Until exclusive; nil leaves that side open.
type Window struct {
	Since *time.Time `json:"since,omitempty"`
	Until *time.Time `json:"until,omitempty"`
}

func (w Window) contains(t *time.Time) bool {
	if t == nil {
		return false
	}
	if w.Since != nil && t.Before(*w.Since) {
		return false
	}
	if w.Until != nil && !t.Before(*w.Until) {
		return false
	}
	return true
}

type LocationStats struct {
	LocationID       uuid.UUID `json:"location_id"`
	LocationCode     string    `json:"location_code"`
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	TotalBeds        int       `json:"total_beds"`
	AvailableBeds    int       `json:"available_beds"`
	OccupancyPercent float64   `json:"occupancy_percent"`
	TransfersIn      int       `json:"transfers_in"`
	TransfersOut     int       `json:"transfers_out"`
	Throughput       int       `json:"throughput"`
}

type RecentTransfer struct {
	ID               uuid.UUID         `json:"id"`
	PatientID        string            `json:"patient_id"`
	Status           transfer.Status   `json:"status"`
	TransferType     transfer.Type     `json:"transfer_type"`
	Priority         transfer.Priority `json:"priority"`
	FromLocationID   uuid.UUID         `json:"from_location_id"`
	FromLocationName string            `json:"from_location_name"`
	ToLocationID     uuid.UUID         `json:"to_location_id"`
	ToLocationName   string            `json:"to_location_name"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Dashboard is a point-in-time rollup. It carries no clock reading of its
// own, so identical state yields an identical value.
type Dashboard struct {
	Window             Window           `json:"window"`
	TotalLocations     int              `json:"total_locations"`
	ActiveLocations    int              `json:"active_locations"`
	SystemHealth       string           `json:"system_health"`
	PendingTransfers   int              `json:"pending_transfers"`
	ApprovedTransfers  int              `json:"approved_transfers"`
	InTransitTransfers int              `json:"in_transit_transfers"`
	CompletedTransfers int              `json:"completed_transfers"`
	CancelledTransfers int              `json:"cancelled_transfers"`
	TotalBeds          int              `json:"total_beds"`
	AvailableBeds      int              `json:"available_beds"`
	OccupancyRate      float64          `json:"occupancy_rate"`
	PerLocation        []LocationStats  `json:"per_location"`
	RecentTransfers    []RecentTransfer `json:"recent_transfers"`
}

type Service struct {
	locations Locations
	transfers Transfers
	logger    zerolog.Logger
}

func NewService(locations Locations, transfers Transfers, logger zerolog.Logger) *Service {
	return &Service{
		locations: locations,
		transfers: transfers,
		logger:    logger.With().Str("component", "dashboard").Logger(),
	}
}

// Get recomputes the dashboard from the registry and the transfer log.
func (s *Service) Get(ctx context.Context, window Window, recent int) (*Dashboard, error) {
	ctx, span := tracer.Start(ctx, "dashboard.Get")
	defer span.End()

	if window.Since != nil && window.Until != nil && !window.Since.Before(*window.Until) {
		return nil, apperrors.Validation("since must be before until")
	}
	if recent <= 0 {
		recent = DefaultRecent
	}
	if recent > MaxRecent {
		recent = MaxRecent
	}

	locs, err := s.locations.All(ctx)
	if err != nil {
		return nil, err
	}
	transfers, _, err := s.transfers.List(ctx, transfer.Filter{})
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		Window:          window,
		SystemHealth:    HealthHealthy,
		PerLocation:     make([]LocationStats, 0, len(locs)),
		RecentTransfers: make([]RecentTransfer, 0, recent),
	}

	byID := make(map[uuid.UUID]int, len(locs))
	for _, l := range locs {
		d.TotalLocations++
		if l.IsActive() {
			d.ActiveLocations++
		}
		if l.Status == location.StatusTemporarilyClosed {
			d.SystemHealth = HealthDegraded
		}
		d.TotalBeds += l.Capacity.TotalBeds
		d.AvailableBeds += l.Capacity.AvailableBeds

		byID[l.ID] = len(d.PerLocation)
		d.PerLocation = append(d.PerLocation, LocationStats{
			LocationID:       l.ID,
			LocationCode:     l.LocationCode,
			Name:             l.Name,
			Status:           string(l.Status),
			TotalBeds:        l.Capacity.TotalBeds,
			AvailableBeds:    l.Capacity.AvailableBeds,
			OccupancyPercent: round(l.OccupancyRate()*100, 2),
		})
	}
	d.OccupancyRate = occupancy(d.TotalBeds, d.AvailableBeds)

	for _, t := range transfers {
		switch t.Status {
		case transfer.StatusPending:
			d.PendingTransfers++
		case transfer.StatusApproved:
			d.ApprovedTransfers++
		case transfer.StatusInTransit:
			d.InTransitTransfers++
		case transfer.StatusCompleted:
			d.CompletedTransfers++
		case transfer.StatusCancelled:
			d.CancelledTransfers++
		}
		if t.Status == transfer.StatusCompleted && window.contains(t.CompletedAt) {
			if i, ok := byID[t.ToLocationID]; ok {
				d.PerLocation[i].TransfersIn++
			}
			if i, ok := byID[t.FromLocationID]; ok {
				d.PerLocation[i].TransfersOut++
			}
		}
	}
	for i := range d.PerLocation {
		d.PerLocation[i].Throughput = d.PerLocation[i].TransfersIn + d.PerLocation[i].TransfersOut
	}
	sort.Slice(d.PerLocation, func(i, j int) bool {
		return d.PerLocation[i].LocationCode < d.PerLocation[j].LocationCode
	})

	names := make(map[uuid.UUID]string, len(locs))
	for _, l := range locs {
		names[l.ID] = l.Name
	}
	for _, t := range transfers {
		if len(d.RecentTransfers) == recent {
			break
		}
		d.RecentTransfers = append(d.RecentTransfers, RecentTransfer{
			ID:               t.ID,
			PatientID:        t.PatientID,
			Status:           t.Status,
			TransferType:     t.TransferType,
			Priority:         t.Priority,
			FromLocationID:   t.FromLocationID,
			FromLocationName: names[t.FromLocationID],
			ToLocationID:     t.ToLocationID,
			ToLocationName:   names[t.ToLocationID],
			CreatedAt:        t.CreatedAt,
		})
	}

	s.logger.Debug().
		Int("locations", d.TotalLocations).
		Int("transfers", len(transfers)).
		Str("health", d.SystemHealth).
		Msg("dashboard computed")
	return d, nil
}

// occupancy is 1 - available/total rounded to four places, and 0 when there
// are no beds at all.
func occupancy(total, available int) float64 {
	if total <= 0 {
		return 0
	}
	return round(1-float64(available)/float64(total), 4)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
