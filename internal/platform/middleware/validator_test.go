package middleware

import (
	"strings"
	"testing"

	"github.com/ehr/locations/pkg/apperrors"
)

type sampleRequest struct {
	Code  string `json:"locationCode" validate:"required"`
	Beds  int    `json:"totalBeds" validate:"min=0"`
	Scope string `json:"scope" validate:"omitempty,oneof=general icu"`
}

func TestValidator_NamesJSONFields(t *testing.T) {
	v := NewValidator()

	err := v.Validate(&sampleRequest{Beds: -1, Scope: "ward"})
	if apperrors.CodeOf(err) != apperrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	msg := err.Error()
	for _, want := range []string{"locationCode is required", "totalBeds must be at least 0", "scope must be one of [general icu]"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}

	if err := v.Validate(&sampleRequest{Code: "ICU-1"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
