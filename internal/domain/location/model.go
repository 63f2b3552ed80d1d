package location

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/locations/pkg/apperrors"
)

// Type classifies a facility.
type Type string

const (
	TypeMainHospital    Type = "main-hospital"
	TypeClinic          Type = "clinic"
	TypeHealthCenter    Type = "health-center"
	TypeSpecialtyCenter Type = "specialty-center"
	TypeBranch          Type = "branch"
)

func (t Type) Valid() bool {
	switch t {
	case TypeMainHospital, TypeClinic, TypeHealthCenter, TypeSpecialtyCenter, TypeBranch:
		return true
	}
	return false
}

// Status is the lifecycle state of a Location.
type Status string

const (
	StatusActive            Status = "active"
	StatusInactive          Status = "inactive"
	StatusUnderConstruction Status = "under-construction"
	StatusTemporarilyClosed Status = "temporarily-closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusUnderConstruction, StatusTemporarilyClosed:
		return true
	}
	return false
}

// BedCategory is the kind of bed a transfer reserves.
type BedCategory string

const (
	BedGeneral BedCategory = "general"
	BedICU     BedCategory = "icu"
)

func (b BedCategory) Valid() bool {
	return b == BedGeneral || b == BedICU
}

type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

type Contact struct {
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email,omitempty"`
	EmergencyPhone string `json:"emergency_phone,omitempty"`
	Website        string `json:"website,omitempty"`
}

// DayHours is one weekday's operating window, "HH:MM" in local facility time.
type DayHours struct {
	Open   string `json:"open,omitempty"`
	Close  string `json:"close,omitempty"`
	IsOpen bool   `json:"is_open"`
}

// OperatingHours is keyed by lower-case weekday name.
type OperatingHours map[string]DayHours

var weekdays = map[string]struct{}{
	"monday": {}, "tuesday": {}, "wednesday": {}, "thursday": {},
	"friday": {}, "saturday": {}, "sunday": {},
}

func (h OperatingHours) validate() error {
	for day, hours := range h {
		if _, ok := weekdays[day]; !ok {
			return apperrors.Validation("unknown weekday %q in operating hours", day)
		}
		if !hours.IsOpen {
			continue
		}
		open, err := time.Parse("15:04", hours.Open)
		if err != nil {
			return apperrors.Validation("%s: open time must be HH:MM", day)
		}
		closing, err := time.Parse("15:04", hours.Close)
		if err != nil {
			return apperrors.Validation("%s: close time must be HH:MM", day)
		}
		if !closing.After(open) {
			return apperrors.Validation("%s: close time must be after open time", day)
		}
	}
	return nil
}

// Services is the closed set of capability flags a facility can offer.
type Services struct {
	Emergency  bool `json:"emergency"`
	Surgery    bool `json:"surgery"`
	ICU        bool `json:"icu"`
	Laboratory bool `json:"laboratory"`
	Pharmacy   bool `json:"pharmacy"`
	Radiology  bool `json:"radiology"`
	Maternity  bool `json:"maternity"`
	Pediatrics bool `json:"pediatrics"`
	Cardiology bool `json:"cardiology"`
	Oncology   bool `json:"oncology"`
}

// ServiceNames lists every recognised service flag.
var ServiceNames = []string{
	"emergency", "surgery", "icu", "laboratory", "pharmacy",
	"radiology", "maternity", "pediatrics", "cardiology", "oncology",
}

// Has reports whether the named service is offered. Unknown names are a
// validation error rather than false.
func (s Services) Has(name string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "emergency":
		return s.Emergency, nil
	case "surgery":
		return s.Surgery, nil
	case "icu":
		return s.ICU, nil
	case "laboratory":
		return s.Laboratory, nil
	case "pharmacy":
		return s.Pharmacy, nil
	case "radiology":
		return s.Radiology, nil
	case "maternity":
		return s.Maternity, nil
	case "pediatrics":
		return s.Pediatrics, nil
	case "cardiology":
		return s.Cardiology, nil
	case "oncology":
		return s.Oncology, nil
	}
	return false, apperrors.Validation("unknown service %q (expected one of %s)", name, strings.Join(ServiceNames, ", "))
}

// Capacity holds the countable resources of a facility. AvailableBeds and
// ICUBeds are free counts and move with transfer reservations.
type Capacity struct {
	TotalBeds       int `json:"total_beds"`
	AvailableBeds   int `json:"available_beds"`
	ICUBeds         int `json:"icu_beds"`
	EmergencyBeds   int `json:"emergency_beds"`
	OperatingRooms  int `json:"operating_rooms"`
	OutpatientRooms int `json:"outpatient_rooms"`
}

func (c Capacity) validate() error {
	for name, v := range map[string]int{
		"total_beds": c.TotalBeds, "available_beds": c.AvailableBeds, "icu_beds": c.ICUBeds,
		"emergency_beds": c.EmergencyBeds, "operating_rooms": c.OperatingRooms, "outpatient_rooms": c.OutpatientRooms,
	} {
		if v < 0 {
			return apperrors.Validation("capacity.%s must not be negative", name)
		}
	}
	if c.AvailableBeds > c.TotalBeds {
		return apperrors.Validation("capacity.available_beds (%d) exceeds total_beds (%d)", c.AvailableBeds, c.TotalBeds)
	}
	return nil
}

// CapacityPatch changes individual capacity counters. Nil fields keep their
// current value.
type CapacityPatch struct {
	TotalBeds       *int `json:"total_beds,omitempty"`
	AvailableBeds   *int `json:"available_beds,omitempty"`
	ICUBeds         *int `json:"icu_beds,omitempty"`
	EmergencyBeds   *int `json:"emergency_beds,omitempty"`
	OperatingRooms  *int `json:"operating_rooms,omitempty"`
	OutpatientRooms *int `json:"outpatient_rooms,omitempty"`
}

func (p CapacityPatch) applyTo(c Capacity) Capacity {
	for _, f := range []struct {
		src *int
		dst *int
	}{
		{p.TotalBeds, &c.TotalBeds},
		{p.AvailableBeds, &c.AvailableBeds},
		{p.ICUBeds, &c.ICUBeds},
		{p.EmergencyBeds, &c.EmergencyBeds},
		{p.OperatingRooms, &c.OperatingRooms},
		{p.OutpatientRooms, &c.OutpatientRooms},
	} {
		if f.src != nil {
			*f.dst = *f.src
		}
	}
	return c
}

type Staffing struct {
	Doctors        int `json:"doctors"`
	Nurses         int `json:"nurses"`
	Technicians    int `json:"technicians"`
	Administrators int `json:"administrators"`
	Support        int `json:"support"`
}

func (s Staffing) validate() error {
	if s.Doctors < 0 || s.Nurses < 0 || s.Technicians < 0 || s.Administrators < 0 || s.Support < 0 {
		return apperrors.Validation("staffing counts must not be negative")
	}
	return nil
}

type Equipment struct {
	CTScan      bool `json:"ct_scan"`
	MRI         bool `json:"mri"`
	XRay        bool `json:"xray"`
	Ventilators int  `json:"ventilators"`
	Ambulances  int  `json:"ambulances"`
}

func (e Equipment) validate() error {
	if e.Ventilators < 0 || e.Ambulances < 0 {
		return apperrors.Validation("equipment counts must not be negative")
	}
	return nil
}

// Location maps to the location table.
type Location struct {
	ID               uuid.UUID      `db:"id" json:"id"`
	LocationCode     string         `db:"location_code" json:"location_code"`
	Name             string         `db:"name" json:"name"`
	ParentLocationID *uuid.UUID     `db:"parent_location_id" json:"parent_location_id,omitempty"`
	LocationType     Type           `db:"location_type" json:"location_type"`
	Address          Address        `db:"address" json:"address"`
	Contact          Contact        `db:"contact" json:"contact"`
	OperatingHours   OperatingHours `db:"operating_hours" json:"operating_hours,omitempty"`
	Services         Services       `db:"services" json:"services"`
	Capacity         Capacity       `db:"-" json:"capacity"`
	Staffing         Staffing       `db:"staffing" json:"staffing"`
	Equipment        Equipment      `db:"equipment" json:"equipment"`
	Status           Status         `db:"status" json:"status"`
	EstablishedDate  *time.Time     `db:"established_date" json:"established_date,omitempty"`
	VersionID        int            `db:"version_id" json:"version_id"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (l *Location) GetVersionID() int { return l.VersionID }

// SetVersionID sets the current version.
func (l *Location) SetVersionID(v int) { l.VersionID = v }

// IsActive reports whether the location may take part in new transfers.
func (l *Location) IsActive() bool { return l.Status == StatusActive }

// OccupancyRate is the occupied share of beds, 0 when the location has none.
func (l *Location) OccupancyRate() float64 {
	if l.Capacity.TotalBeds == 0 {
		return 0
	}
	return 1 - float64(l.Capacity.AvailableBeds)/float64(l.Capacity.TotalBeds)
}

// Clone returns a deep copy.
func (l *Location) Clone() *Location {
	c := *l
	if l.ParentLocationID != nil {
		p := *l.ParentLocationID
		c.ParentLocationID = &p
	}
	if l.EstablishedDate != nil {
		d := *l.EstablishedDate
		c.EstablishedDate = &d
	}
	if l.OperatingHours != nil {
		c.OperatingHours = make(OperatingHours, len(l.OperatingHours))
		for k, v := range l.OperatingHours {
			c.OperatingHours[k] = v
		}
	}
	return &c
}

// Validate checks field-level rules. Hierarchy and uniqueness rules need the
// store and are checked by the Service.
func (l *Location) Validate() error {
	if strings.TrimSpace(l.LocationCode) == "" {
		return apperrors.Validation("location_code is required")
	}
	if strings.TrimSpace(l.Name) == "" {
		return apperrors.Validation("name is required")
	}
	if !l.LocationType.Valid() {
		return apperrors.Validation("invalid location_type %q", l.LocationType)
	}
	if !l.Status.Valid() {
		return apperrors.Validation("invalid status %q", l.Status)
	}
	if l.ParentLocationID != nil && *l.ParentLocationID == l.ID {
		return apperrors.InvalidParent("a location cannot be its own parent")
	}
	if err := l.Capacity.validate(); err != nil {
		return err
	}
	if err := l.Staffing.validate(); err != nil {
		return err
	}
	if err := l.Equipment.validate(); err != nil {
		return err
	}
	return l.OperatingHours.validate()
}

func (l *Location) String() string {
	return fmt.Sprintf("%s (%s)", l.LocationCode, l.ID)
}

// Patch is a partial update. Nil fields are left unchanged; ClearParent
// detaches the location from its parent.
type Patch struct {
	Name             *string         `json:"name,omitempty"`
	ParentLocationID *uuid.UUID      `json:"parent_location_id,omitempty"`
	ClearParent      bool            `json:"clear_parent,omitempty"`
	LocationType     *Type           `json:"location_type,omitempty"`
	Address          *Address        `json:"address,omitempty"`
	Contact          *Contact        `json:"contact,omitempty"`
	OperatingHours   *OperatingHours `json:"operating_hours,omitempty"`
	Services         *Services       `json:"services,omitempty"`
	Capacity         *CapacityPatch  `json:"capacity,omitempty"`
	Staffing         *Staffing       `json:"staffing,omitempty"`
	Equipment        *Equipment      `json:"equipment,omitempty"`
	Status           *Status         `json:"status,omitempty"`
	EstablishedDate  *time.Time      `json:"established_date,omitempty"`
}

// changesParent reports whether applying p would move l in the hierarchy.
func (p Patch) changesParent(l *Location) bool {
	if p.ClearParent {
		return l.ParentLocationID != nil
	}
	if p.ParentLocationID == nil {
		return false
	}
	return l.ParentLocationID == nil || *l.ParentLocationID != *p.ParentLocationID
}

// touchesFreeBeds reports whether applying p would overwrite the counters
// that transfer reservations move.
func (p Patch) touchesFreeBeds(l *Location) bool {
	next := p.capacity(l)
	return next.AvailableBeds != l.Capacity.AvailableBeds || next.ICUBeds != l.Capacity.ICUBeds
}

// changesTotal reports whether applying p would resize the bed pool.
func (p Patch) changesTotal(l *Location) bool {
	return p.capacity(l).TotalBeds != l.Capacity.TotalBeds
}

// capacity is l's capacity with p applied.
func (p Patch) capacity(l *Location) Capacity {
	if p.Capacity == nil {
		return l.Capacity
	}
	return p.Capacity.applyTo(l.Capacity)
}

func (p Patch) apply(l *Location) {
	if p.Name != nil {
		l.Name = *p.Name
	}
	if p.ClearParent {
		l.ParentLocationID = nil
	} else if p.ParentLocationID != nil {
		parent := *p.ParentLocationID
		l.ParentLocationID = &parent
	}
	if p.LocationType != nil {
		l.LocationType = *p.LocationType
	}
	if p.Address != nil {
		l.Address = *p.Address
	}
	if p.Contact != nil {
		l.Contact = *p.Contact
	}
	if p.OperatingHours != nil {
		l.OperatingHours = *p.OperatingHours
	}
	if p.Services != nil {
		l.Services = *p.Services
	}
	l.Capacity = p.capacity(l)
	if p.Staffing != nil {
		l.Staffing = *p.Staffing
	}
	if p.Equipment != nil {
		l.Equipment = *p.Equipment
	}
	if p.Status != nil {
		l.Status = *p.Status
	}
	if p.EstablishedDate != nil {
		d := *p.EstablishedDate
		l.EstablishedDate = &d
	}
}

// Filter selects locations for List. Zero values match everything; Limit 0
// returns all matches.
type Filter struct {
	Type     Type
	Status   Status
	ParentID *uuid.UUID
	Text     string
	Limit    int
	Offset   int
}

// Matches reports whether l satisfies the predicate part of f.
func (f Filter) Matches(l *Location) bool {
	if f.Type != "" && l.LocationType != f.Type {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.ParentID != nil && (l.ParentLocationID == nil || *l.ParentLocationID != *f.ParentID) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Text)); q != "" {
		if !strings.Contains(strings.ToLower(l.Name), q) && !strings.Contains(strings.ToLower(l.LocationCode), q) {
			return false
		}
	}
	return true
}
