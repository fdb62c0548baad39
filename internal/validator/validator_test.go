package validator

import (
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fields map[string]string

func (f fields) Validate() map[string]string { return f }

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate(fields(nil)); err != nil {
		t.Errorf("Validate(nil) = %v, want nil", err)
	}
	if err := Validate(fields{}); err != nil {
		t.Errorf("Validate(empty) = %v, want nil", err)
	}

	err := Validate(fields{"limit": "must be a positive integer"})
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	if err.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %d, want 422", err.StatusCode)
	}
	if diff := cmp.Diff(map[string]string{"limit": "must be a positive integer"}, err.Validation.Fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}
