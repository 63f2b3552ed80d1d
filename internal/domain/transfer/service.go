package transfer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/locations/internal/domain/location"
	"github.com/ehr/locations/internal/platform/events"
	"github.com/ehr/locations/internal/platform/versioning"
	"github.com/ehr/locations/pkg/apperrors"
)

var tracer = otel.Tracer("github.com/ehr/locations/internal/domain/transfer")

// Locations is what the engine needs from the location registry: lookups and
// the capacity ledger.
type Locations interface {
	Get(ctx context.Context, id uuid.UUID) (*location.Location, error)
	location.CapacityLedger
}

const (
	// maxRounds bounds how often a transition is re-evaluated after the
	// transfer moved underneath it.
	maxRounds = 3
	// settleAttempts bounds retries of a compensation that must not be lost.
	settleAttempts = 5
)

// errStatusMoved aborts a transfer write whose precondition status changed
// after the capacity step was taken.
var errStatusMoved = errors.New("transfer: status changed concurrently")

// Service is the transfer workflow engine.
type Service struct {
	repo      Repository
	locations Locations
	applier   *versioning.Applier[*Transfer]
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	transitions metric.Int64Counter
	settleFails metric.Int64Counter
}

func NewService(repo Repository, locations Locations, retry versioning.RetryConfig, publisher events.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	meter := otel.Meter("github.com/ehr/locations/transfer")
	transitions, _ := meter.Int64Counter("transfer.transitions",
		metric.WithDescription("Transfer workflow operations by action and outcome"))
	settleFails, _ := meter.Int64Counter("transfer.settlement_failures",
		metric.WithDescription("Capacity compensations that could not be applied"))

	return &Service{
		repo:        repo,
		locations:   locations,
		applier:     versioning.NewApplier[*Transfer]("transfer", repo, retry, logger),
		publisher:   publisher,
		logger:      logger.With().Str("component", "transfer").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		transitions: transitions,
		settleFails: settleFails,
	}
}

func (s *Service) emit(ctx context.Context, eventType string, t *Transfer) {
	events.Emit(ctx, s.publisher, s.logger,
		events.New(eventType, events.TopicTransfers, "Transfer", t.ID.String(), t),
		events.New(eventType, events.LocationTopic(t.FromLocationID.String()), "Transfer", t.ID.String(), t),
		events.New(eventType, events.LocationTopic(t.ToLocationID.String()), "Transfer", t.ID.String(), t),
	)
}

func (s *Service) record(ctx context.Context, span trace.Span, action Action, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if s.transitions != nil {
		s.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(action)),
			attribute.String("outcome", outcome),
		))
	}
}

// Create records a pending transfer between two distinct active locations.
// No capacity changes hands until approval.
func (s *Service) Create(ctx context.Context, req *Transfer, requestedBy string) (*Transfer, error) {
	ctx, span := tracer.Start(ctx, "transfer.Create")
	defer span.End()

	t := req.Clone()
	t.applyDefaults()
	if strings.TrimSpace(t.RequestedBy) == "" {
		t.RequestedBy = requestedBy
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(t.RequestedBy) == "" {
		return nil, apperrors.Validation("requested_by is required")
	}

	for _, id := range []uuid.UUID{t.FromLocationID, t.ToLocationID} {
		loc, err := s.locations.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !loc.IsActive() {
			return nil, apperrors.LocationInactive(loc.ID)
		}
	}

	now := s.now()
	t.ID = uuid.New()
	t.Status = StatusPending
	t.ApprovedBy, t.CancelReason = nil, nil
	t.ApprovedAt, t.InTransitAt, t.CompletedAt, t.CancelledAt = nil, nil, nil, nil
	t.SourceBedReleased = false
	t.CreatedAt = now
	if t.TransferDate.IsZero() {
		t.TransferDate = now
	}
	t.VersionID = 1

	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("transfer.id", t.ID.String()))
	s.logger.Info().
		Str("transfer_id", t.ID.String()).
		Str("from", t.FromLocationID.String()).
		Str("to", t.ToLocationID.String()).
		Str("type", string(t.TransferType)).
		Msg("transfer requested")
	s.emit(ctx, events.TransferCreated, t)
	return t, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	return s.repo.Get(ctx, id)
}

// List returns matching transfers newest first and the unpaginated total.
func (s *Service) List(ctx context.Context, f Filter) ([]*Transfer, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperrors.Validation("invalid status filter %q", f.Status)
	}
	if f.Since != nil && f.Until != nil && !f.Since.Before(*f.Until) {
		return nil, 0, apperrors.Validation("since must be before until")
	}
	return s.repo.List(ctx, f)
}

// step is the capacity side of one transition round. undo reverses do when
// the transfer write that follows it does not commit.
type step struct {
	name string
	do   func(ctx context.Context) error
	undo func(ctx context.Context) error
}

// transition runs one saga: it reads the transfer, checks the action is legal,
// applies the capacity step planned for the observed transfer and then writes
// the new status on condition that nobody moved the transfer in between. A
// failed write undoes the step; a moved transfer is re-evaluated from scratch,
// at most maxRounds times.
func (s *Service) transition(ctx context.Context, id uuid.UUID, action Action,
	plan func(observed *Transfer) *step, mutate func(cur *Transfer, now time.Time)) (*Transfer, error) {
	for round := 1; round <= maxRounds; round++ {
		observed, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, err := Next(observed.Status, action); err != nil {
			return nil, err
		}

		st := plan(observed)
		if st != nil {
			if err := st.do(ctx); err != nil {
				s.logger.Info().Err(err).Str("transfer_id", id.String()).Str("step", st.name).
					Str("action", string(action)).Msg("capacity step refused")
				return nil, err
			}
		}

		updated, err := s.applier.Apply(ctx, id, func(cur *Transfer) (*Transfer, error) {
			if cur.Status != observed.Status {
				return nil, errStatusMoved
			}
			next, err := Next(cur.Status, action)
			if err != nil {
				return nil, err
			}
			cur.Status = next
			mutate(cur, s.now())
			return cur, nil
		})
		if err == nil {
			return updated, nil
		}

		if st != nil {
			s.logger.Warn().Err(err).Str("transfer_id", id.String()).Int("round", round).
				Str("step", st.name).Msg("transfer write failed after capacity step, compensating")
			s.settle(ctx, observed, "undo "+st.name, st.undo)
		}
		if !errors.Is(err, errStatusMoved) {
			return nil, err
		}
	}
	return nil, apperrors.Conflict("transfer %s kept changing during %s; re-fetch and retry", id, action)
}

// Approve reserves a bed at the destination and then marks the transfer
// approved. If the transfer write fails the reservation is released before
// returning, so a failed approval never holds a bed.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, approverID string) (result *Transfer, err error) {
	ctx, span := tracer.Start(ctx, "transfer.Approve", trace.WithAttributes(attribute.String("transfer.id", id.String())))
	defer span.End()
	defer func() { s.record(ctx, span, ActionApprove, err) }()

	if strings.TrimSpace(approverID) == "" {
		return nil, apperrors.Validation("approver is required")
	}

	updated, err := s.transition(ctx, id, ActionApprove,
		func(t *Transfer) *step {
			return &step{
				name: "reserve bed",
				do: func(ctx context.Context) error {
					_, err := s.locations.ReserveBed(ctx, t.ToLocationID, t.BedCategory)
					return err
				},
				undo: func(ctx context.Context) error {
					_, err := s.locations.ReleaseReservation(ctx, t.ToLocationID, t.BedCategory)
					return err
				},
			}
		},
		func(cur *Transfer, now time.Time) {
			approver := approverID
			cur.ApprovedBy = &approver
			cur.ApprovedAt = &now
		})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("transfer_id", id.String()).
		Str("approved_by", approverID).
		Str("destination", updated.ToLocationID.String()).
		Msg("transfer approved")
	s.emit(ctx, events.TransferApproved, updated)
	return updated, nil
}

// BeginTransit moves an approved transfer to in-transit.
func (s *Service) BeginTransit(ctx context.Context, id uuid.UUID) (result *Transfer, err error) {
	ctx, span := tracer.Start(ctx, "transfer.BeginTransit", trace.WithAttributes(attribute.String("transfer.id", id.String())))
	defer span.End()
	defer func() { s.record(ctx, span, ActionTransit, err) }()

	updated, err := s.transition(ctx, id, ActionTransit,
		func(*Transfer) *step { return nil },
		func(cur *Transfer, now time.Time) { cur.InTransitAt = &now })
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("transfer_id", id.String()).Msg("transfer in transit")
	s.emit(ctx, events.TransferInTransit, updated)
	return updated, nil
}

// Complete returns one bed to the source and then marks the transfer
// completed. The destination keeps the bed reserved at approval, which the
// patient now occupies. SourceBedReleased is false when the source already
// reported every bed free.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (result *Transfer, err error) {
	ctx, span := tracer.Start(ctx, "transfer.Complete", trace.WithAttributes(attribute.String("transfer.id", id.String())))
	defer span.End()
	defer func() { s.record(ctx, span, ActionComplete, err) }()

	var released bool
	updated, err := s.transition(ctx, id, ActionComplete,
		func(t *Transfer) *step {
			released = false
			return &step{
				name: "free source bed",
				do: func(ctx context.Context) error {
					_, ok, err := s.locations.FreeBed(ctx, t.FromLocationID)
					released = ok
					return err
				},
				undo: func(ctx context.Context) error {
					if !released {
						return nil
					}
					_, err := s.locations.ClaimBed(ctx, t.FromLocationID, location.BedGeneral)
					return err
				},
			}
		},
		func(cur *Transfer, now time.Time) {
			cur.CompletedAt = &now
			cur.SourceBedReleased = released
		})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("transfer_id", id.String()).
		Bool("source_bed_released", updated.SourceBedReleased).
		Msg("transfer completed")
	s.emit(ctx, events.TransferCompleted, updated)
	return updated, nil
}

// Cancel stops a pending or approved transfer. Cancelling an approved
// transfer gives its reservation back to the destination before the status
// is written, and takes it again if that write fails.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (result *Transfer, err error) {
	ctx, span := tracer.Start(ctx, "transfer.Cancel", trace.WithAttributes(attribute.String("transfer.id", id.String())))
	defer span.End()
	defer func() { s.record(ctx, span, ActionCancel, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperrors.Validation("cancel reason is required")
	}

	var from Status
	updated, err := s.transition(ctx, id, ActionCancel,
		func(t *Transfer) *step {
			from = t.Status
			if t.Status != StatusApproved {
				return nil
			}
			return &step{
				name: "release reservation",
				do: func(ctx context.Context) error {
					_, err := s.locations.ReleaseReservation(ctx, t.ToLocationID, t.BedCategory)
					return err
				},
				undo: func(ctx context.Context) error {
					_, err := s.locations.ClaimBed(ctx, t.ToLocationID, t.BedCategory)
					return err
				},
			}
		},
		func(cur *Transfer, now time.Time) {
			cur.CancelReason = &reason
			cur.CancelledAt = &now
		})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("transfer_id", id.String()).Str("from_status", string(from)).Msg("transfer cancelled")
	s.emit(ctx, events.TransferCancelled, updated)
	return updated, nil
}

// settle applies a compensating capacity change. It ignores request
// cancellation and retries Conflict results; a change that still fails is
// logged and counted for reconciliation.
func (s *Service) settle(ctx context.Context, t *Transfer, what string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return
		}
		if !apperrors.IsConflict(err) {
			break
		}
	}
	if s.settleFails != nil {
		s.settleFails.Add(ctx, 1)
	}
	s.logger.Error().Err(err).
		Str("transfer_id", t.ID.String()).
		Str("step", what).
		Str("from", t.FromLocationID.String()).
		Str("to", t.ToLocationID.String()).
		Msg("capacity settlement failed; location counters need reconciliation")
}
