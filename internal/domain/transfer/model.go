package transfer

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/locations/internal/domain/location"
	"github.com/ehr/locations/pkg/apperrors"
)

// Type is the clinical reason class of a transfer.
type Type string

const (
	TypeEmergency     Type = "emergency"
	TypeRoutine       Type = "routine"
	TypeSpecialtyCare Type = "specialty-care"
	TypeCapacity      Type = "capacity"
)

func (t Type) Valid() bool {
	switch t {
	case TypeEmergency, TypeRoutine, TypeSpecialtyCare, TypeCapacity:
		return true
	}
	return false
}

type TransportMethod string

const (
	TransportAmbulance TransportMethod = "ambulance"
	TransportPrivate   TransportMethod = "private"
	TransportPublic    TransportMethod = "public"
	TransportAir       TransportMethod = "air-transport"
)

func (m TransportMethod) Valid() bool {
	switch m {
	case TransportAmbulance, TransportPrivate, TransportPublic, TransportAir:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Status is a state of the transfer workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusInTransit Status = "in-transit"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusInTransit, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// InFlight reports whether a transfer in this status still holds or awaits a
// reservation.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusApproved || s == StatusInTransit
}

// Committed reports whether a transfer in this status holds a bed reserved at
// its destination.
func (s Status) Committed() bool {
	return s == StatusApproved || s == StatusInTransit
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Action is a workflow operation.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionTransit  Action = "transit"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// transitions is the complete edge set of the workflow:
//
//	pending  --approve-->  approved  --transit-->  in-transit
//	approved --complete--> completed <--complete-- in-transit
//	pending|approved --cancel--> cancelled
var transitions = map[Status]map[Action]Status{
	StatusPending: {
		ActionApprove: StatusApproved,
		ActionCancel:  StatusCancelled,
	},
	StatusApproved: {
		ActionTransit:  StatusInTransit,
		ActionComplete: StatusCompleted,
		ActionCancel:   StatusCancelled,
	},
	StatusInTransit: {
		ActionComplete: StatusCompleted,
	},
}

// Next returns the status reached by applying action in from, or an
// InvalidTransition error when the workflow has no such edge.
func Next(from Status, action Action) (Status, error) {
	if to, ok := transitions[from][action]; ok {
		return to, nil
	}
	return "", apperrors.InvalidTransition(string(from), string(action))
}

// Transfer maps to the transfer table.
type Transfer struct {
	ID                uuid.UUID            `db:"id" json:"id"`
	PatientID         string               `db:"patient_id" json:"patient_id"`
	FromLocationID    uuid.UUID            `db:"from_location_id" json:"from_location_id"`
	ToLocationID      uuid.UUID            `db:"to_location_id" json:"to_location_id"`
	TransferType      Type                 `db:"transfer_type" json:"transfer_type"`
	BedCategory       location.BedCategory `db:"bed_category" json:"bed_category"`
	TransportMethod   TransportMethod      `db:"transport_method" json:"transport_method"`
	MedicalEscort     bool                 `db:"medical_escort" json:"medical_escort"`
	Priority          Priority             `db:"priority" json:"priority"`
	TransferReason    string               `db:"transfer_reason" json:"transfer_reason"`
	Notes             string               `db:"notes" json:"notes,omitempty"`
	Status            Status               `db:"status" json:"status"`
	RequestedBy       string               `db:"requested_by" json:"requested_by"`
	ApprovedBy        *string              `db:"approved_by" json:"approved_by,omitempty"`
	CancelReason      *string              `db:"cancel_reason" json:"cancel_reason,omitempty"`
	SourceBedReleased bool                 `db:"source_bed_released" json:"source_bed_released"`
	TransferDate      time.Time            `db:"transfer_date" json:"transfer_date"`
	ApprovedAt        *time.Time           `db:"approved_at" json:"approved_at,omitempty"`
	InTransitAt       *time.Time           `db:"in_transit_at" json:"in_transit_at,omitempty"`
	CompletedAt       *time.Time           `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt       *time.Time           `db:"cancelled_at" json:"cancelled_at,omitempty"`
	VersionID         int                  `db:"version_id" json:"version_id"`
	CreatedAt         time.Time            `db:"created_at" json:"created_at"`
}

func (t *Transfer) GetVersionID() int  { return t.VersionID }
func (t *Transfer) SetVersionID(v int) { t.VersionID = v }

// Involves reports whether locationID is the source or the destination.
func (t *Transfer) Involves(locationID uuid.UUID) bool {
	return t.FromLocationID == locationID || t.ToLocationID == locationID
}

// Clone returns a deep copy.
func (t *Transfer) Clone() *Transfer {
	c := *t
	c.ApprovedBy = cloneString(t.ApprovedBy)
	c.CancelReason = cloneString(t.CancelReason)
	c.ApprovedAt = cloneTime(t.ApprovedAt)
	c.InTransitAt = cloneTime(t.InTransitAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// applyDefaults fills optional fields left empty by the requester.
func (t *Transfer) applyDefaults() {
	if t.BedCategory == "" {
		t.BedCategory = location.BedGeneral
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
		if t.TransferType == TypeEmergency {
			t.Priority = PriorityHigh
		}
	}
}

// Validate checks field-level rules of a new transfer request.
func (t *Transfer) Validate() error {
	if strings.TrimSpace(t.PatientID) == "" {
		return apperrors.Validation("patient_id is required")
	}
	if t.FromLocationID == uuid.Nil || t.ToLocationID == uuid.Nil {
		return apperrors.Validation("from_location_id and to_location_id are required")
	}
	if t.FromLocationID == t.ToLocationID {
		return apperrors.SameLocation()
	}
	if !t.TransferType.Valid() {
		return apperrors.Validation("invalid transfer_type %q", t.TransferType)
	}
	if !t.TransportMethod.Valid() {
		return apperrors.Validation("invalid transport_method %q", t.TransportMethod)
	}
	if !t.BedCategory.Valid() {
		return apperrors.Validation("invalid bed_category %q", t.BedCategory)
	}
	if !t.Priority.Valid() {
		return apperrors.Validation("invalid priority %q", t.Priority)
	}
	if strings.TrimSpace(t.TransferReason) == "" {
		return apperrors.Validation("transfer_reason is required")
	}
	return nil
}

// Filter selects transfers for List. Since and Until bound CreatedAt
// (inclusive, exclusive). Limit 0 returns all matches.
type Filter struct {
	Status     Status
	LocationID *uuid.UUID
	PatientID  string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

func (f Filter) Matches(t *Transfer) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.LocationID != nil && !t.Involves(*f.LocationID) {
		return false
	}
	if f.PatientID != "" && t.PatientID != f.PatientID {
		return false
	}
	if f.Since != nil && t.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !t.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}
