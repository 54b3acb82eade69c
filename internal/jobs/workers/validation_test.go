package workers

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/models"
)

func validationOp(t *testing.T, input ValidationInput) *models.Operation {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("Failed to marshal input: %v", err)
	}
	return &models.Operation{ID: "op_validate", Input: raw}
}

func floatPtr(v float64) *float64 { return &v }

func TestValidationPasses(t *testing.T) {
	h := NewValidationHandler(arbor.NewLogger())

	op := validationOp(t, ValidationInput{
		Target: "users",
		Records: []map[string]interface{}{
			{"id": float64(1), "email": "a@example.com"},
			{"id": float64(2), "email": "b@example.com"},
		},
		Rules: []ValidationRule{
			{Field: "id", Rule: "not_null"},
			{Field: "email", Rule: "unique"},
			{Field: "id", Rule: "range", Min: floatPtr(1), Max: floatPtr(10)},
		},
	})

	payload, err := h.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var result ValidationResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if !result.Passed || len(result.Violations) != 0 {
		t.Errorf("Expected clean pass, got %+v", result)
	}
	if result.Records != 2 || result.Rules != 3 {
		t.Errorf("Counts = %d records / %d rules", result.Records, result.Rules)
	}
}

func TestValidationCollectsViolations(t *testing.T) {
	h := NewValidationHandler(arbor.NewLogger())

	op := validationOp(t, ValidationInput{
		Target: "orders",
		Records: []map[string]interface{}{
			{"id": float64(1), "amount": float64(50)},
			{"id": float64(1), "amount": float64(-5)},
			{"amount": "not a number"},
		},
		Rules: []ValidationRule{
			{Field: "id", Rule: "not_null"},
			{Field: "id", Rule: "unique"},
			{Field: "amount", Rule: "range", Min: floatPtr(0)},
		},
	})

	payload, err := h.Execute(context.Background(), op)
	if err == nil {
		t.Fatal("Expected failing target to return an error")
	}
	if !strings.Contains(err.Error(), "failed validation") {
		t.Errorf("Error = %q", err.Error())
	}

	// The result payload is still produced so the violations are recorded
	var result ValidationResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result.Passed {
		t.Error("Passed = true, want false")
	}
	// Missing id at record 2, duplicate id at record 1, negative amount at
	// record 1, non-numeric amount at record 2
	if len(result.Violations) != 4 {
		t.Errorf("Violations = %d, want 4: %+v", len(result.Violations), result.Violations)
	}
}

func TestValidationReportOnly(t *testing.T) {
	h := NewValidationHandler(arbor.NewLogger())

	op := validationOp(t, ValidationInput{
		Target: "audit",
		Records: []map[string]interface{}{
			{"name": nil},
		},
		Rules:      []ValidationRule{{Field: "name", Rule: "not_null"}},
		ReportOnly: true,
	})

	payload, err := h.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("ReportOnly should not fail the operation: %v", err)
	}

	var result ValidationResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result.Passed || len(result.Violations) != 1 {
		t.Errorf("Expected one recorded violation, got %+v", result)
	}
}

func TestValidationRejectsBadInput(t *testing.T) {
	h := NewValidationHandler(arbor.NewLogger())

	cases := []struct {
		name  string
		input ValidationInput
	}{
		{"missing target", ValidationInput{Rules: []ValidationRule{{Field: "x", Rule: "not_null"}}}},
		{"no rules", ValidationInput{Target: "t"}},
		{"unknown rule", ValidationInput{Target: "t", Rules: []ValidationRule{{Field: "x", Rule: "regex"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.Execute(context.Background(), validationOp(t, tc.input)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
