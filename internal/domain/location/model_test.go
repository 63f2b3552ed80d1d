package location

import (
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/locations/pkg/apperrors"
)

func validLocation() *Location {
	return &Location{
		ID:           uuid.New(),
		LocationCode: "HQ-001",
		Name:         "Central Hospital",
		LocationType: TypeMainHospital,
		Status:       StatusActive,
		Capacity:     Capacity{TotalBeds: 100, AvailableBeds: 40, ICUBeds: 5},
	}
}

func TestLocation_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Location)
		code   apperrors.Code
	}{
		{"valid", func(*Location) {}, ""},
		{"missing code", func(l *Location) { l.LocationCode = "  " }, apperrors.CodeValidation},
		{"missing name", func(l *Location) { l.Name = "" }, apperrors.CodeValidation},
		{"bad type", func(l *Location) { l.LocationType = "hospice" }, apperrors.CodeValidation},
		{"bad status", func(l *Location) { l.Status = "closed" }, apperrors.CodeValidation},
		{"negative beds", func(l *Location) { l.Capacity.ICUBeds = -1 }, apperrors.CodeValidation},
		{"available over total", func(l *Location) { l.Capacity.AvailableBeds = 101 }, apperrors.CodeValidation},
		{"negative staffing", func(l *Location) { l.Staffing.Nurses = -2 }, apperrors.CodeValidation},
		{"negative ventilators", func(l *Location) { l.Equipment.Ventilators = -1 }, apperrors.CodeValidation},
		{"own parent", func(l *Location) { id := l.ID; l.ParentLocationID = &id }, apperrors.CodeInvalidParent},
		{"bad weekday", func(l *Location) {
			l.OperatingHours = OperatingHours{"funday": {Open: "08:00", Close: "17:00", IsOpen: true}}
		}, apperrors.CodeValidation},
		{"close before open", func(l *Location) {
			l.OperatingHours = OperatingHours{"monday": {Open: "18:00", Close: "08:00", IsOpen: true}}
		}, apperrors.CodeValidation},
		{"closed day ignores times", func(l *Location) {
			l.OperatingHours = OperatingHours{"sunday": {IsOpen: false}}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := validLocation()
			tt.mutate(l)
			err := l.Validate()
			if tt.code == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if got := apperrors.CodeOf(err); got != tt.code {
				t.Errorf("expected %s, got %s (%v)", tt.code, got, err)
			}
		})
	}
}

func TestLocation_OccupancyRate(t *testing.T) {
	l := validLocation()
	if got := l.OccupancyRate(); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("expected 0.6, got %v", got)
	}
	l.Capacity = Capacity{}
	if got := l.OccupancyRate(); got != 0 {
		t.Errorf("expected 0 for a location without beds, got %v", got)
	}
}

func TestLocation_CloneIsDeep(t *testing.T) {
	parent := uuid.New()
	l := validLocation()
	l.ParentLocationID = &parent
	l.OperatingHours = OperatingHours{"monday": {Open: "08:00", Close: "17:00", IsOpen: true}}

	c := l.Clone()
	*c.ParentLocationID = uuid.New()
	c.OperatingHours["monday"] = DayHours{}

	if *l.ParentLocationID != parent {
		t.Error("clone shares parent pointer")
	}
	if l.OperatingHours["monday"].Open != "08:00" {
		t.Error("clone shares operating hours map")
	}
}

func TestServices_Has(t *testing.T) {
	s := Services{ICU: true, Emergency: true}

	ok, err := s.Has("ICU ")
	if err != nil || !ok {
		t.Errorf("expected icu offered, got %v %v", ok, err)
	}
	ok, err = s.Has("oncology")
	if err != nil || ok {
		t.Errorf("expected oncology not offered, got %v %v", ok, err)
	}
	if _, err := s.Has("teleportation"); apperrors.CodeOf(err) != apperrors.CodeValidation {
		t.Errorf("expected validation error for unknown service, got %v", err)
	}
}

func intp(v int) *int { return &v }

func TestPatch_TouchesFreeBeds(t *testing.T) {
	l := validLocation()

	resize := Patch{Capacity: &CapacityPatch{TotalBeds: intp(120)}}
	if resize.touchesFreeBeds(l) {
		t.Error("changing only total_beds should not touch free counters")
	}
	if !resize.changesTotal(l) {
		t.Error("expected total_beds change to be detected")
	}

	same := Patch{Capacity: &CapacityPatch{AvailableBeds: intp(l.Capacity.AvailableBeds)}}
	if same.touchesFreeBeds(l) || same.changesTotal(l) {
		t.Error("restating the current value changes nothing")
	}

	if !(Patch{Capacity: &CapacityPatch{AvailableBeds: intp(10)}}).touchesFreeBeds(l) {
		t.Error("changing available_beds should touch free counters")
	}
	if !(Patch{Capacity: &CapacityPatch{ICUBeds: intp(l.Capacity.ICUBeds + 1)}}).touchesFreeBeds(l) {
		t.Error("changing icu_beds should touch free counters")
	}
	if (Patch{}).touchesFreeBeds(l) || (Patch{}).changesTotal(l) {
		t.Error("empty patch touches nothing")
	}
}

func TestPatch_CapacityIsPerField(t *testing.T) {
	l := validLocation()
	before := l.Capacity

	Patch{Capacity: &CapacityPatch{TotalBeds: intp(before.TotalBeds + 5)}}.apply(l)

	want := before
	want.TotalBeds = before.TotalBeds + 5
	if l.Capacity != want {
		t.Errorf("expected only total_beds to change, got %+v (was %+v)", l.Capacity, before)
	}
}

func TestPatch_ChangesParent(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	l := validLocation()

	if (Patch{ClearParent: true}).changesParent(l) {
		t.Error("clearing an absent parent is not a change")
	}
	if !(Patch{ParentLocationID: &p1}).changesParent(l) {
		t.Error("setting a parent is a change")
	}
	l.ParentLocationID = &p1
	if (Patch{ParentLocationID: &p1}).changesParent(l) {
		t.Error("same parent is not a change")
	}
	if !(Patch{ParentLocationID: &p2}).changesParent(l) {
		t.Error("different parent is a change")
	}
	if !(Patch{ClearParent: true}).changesParent(l) {
		t.Error("clearing a parent is a change")
	}
}

func TestFilter_Matches(t *testing.T) {
	parent := uuid.New()
	l := validLocation()
	l.ParentLocationID = &parent

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"type match", Filter{Type: TypeMainHospital}, true},
		{"type mismatch", Filter{Type: TypeClinic}, false},
		{"status mismatch", Filter{Status: StatusInactive}, false},
		{"parent match", Filter{ParentID: &parent}, true},
		{"text on name", Filter{Text: "central"}, true},
		{"text on code", Filter{Text: "hq-0"}, true},
		{"text miss", Filter{Text: "north"}, false},
	}
	for _, tt := range tests {
		if got := tt.f.Matches(l); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}
