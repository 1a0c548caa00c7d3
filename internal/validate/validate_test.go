package validate

import (
	"strings"
	"testing"

	perr "lungctanalyzer/internal/errors"
)

type window struct {
	Name string  `yaml:"name" validate:"required"`
	Low  float64 `yaml:"low" validate:"ltefield=High"`
	High float64 `yaml:"high"`
	Mode string  `yaml:"mode" validate:"omitempty,oneof=fast exact"`
}

func TestStructPasses(t *testing.T) {
	if err := Struct(window{Name: "lung", Low: -1000, High: -400}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStructReportsYamlFieldNames(t *testing.T) {
	err := Struct(window{Name: "lung", Low: 10, High: -10})
	if !perr.IsCode(err, perr.ErrorCodeValidation) {
		t.Fatalf("expected validation code, got %v", err)
	}
	e, _ := perr.As(err)
	if e.Field() != "window.low" {
		t.Fatalf("field = %q, want window.low", e.Field())
	}
	if !strings.Contains(err.Error(), "must not exceed High") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestStructRequiredAndOneOf(t *testing.T) {
	if err := Struct(window{Low: 1, High: 2}); err == nil || !strings.Contains(err.Error(), "name is required") {
		t.Fatalf("expected required failure, got %v", err)
	}
	if err := Struct(window{Name: "x", Mode: "slow"}); err == nil || !strings.Contains(err.Error(), "must be one of") {
		t.Fatalf("expected oneof failure, got %v", err)
	}
}
