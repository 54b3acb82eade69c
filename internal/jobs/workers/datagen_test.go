package workers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/models"
)

func datagenOp(t *testing.T, input DatagenInput) *models.Operation {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("Failed to marshal input: %v", err)
	}
	return &models.Operation{ID: "op_gen", Input: raw}
}

func TestDatagenProducesRows(t *testing.T) {
	h := NewDatagenHandler(arbor.NewLogger(), 0)

	payload, err := h.Execute(context.Background(), datagenOp(t, DatagenInput{
		Dataset: "customers",
		Rows:    100,
		Seed:    42,
		Schema: map[string]string{
			"id":         "uuid",
			"age":        "int",
			"balance":    "float",
			"active":     "bool",
			"created_at": "timestamp",
			"label":      "text",
		},
	}))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var result DatagenResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result.Rows != 100 || result.Dataset != "customers" {
		t.Errorf("Result = %+v", result)
	}
	if len(result.Sample) != 6 {
		t.Fatalf("Sample has %d fields, want 6", len(result.Sample))
	}
	if _, ok := result.Sample["age"].(float64); !ok {
		t.Errorf("Sample age = %T, want numeric", result.Sample["age"])
	}
	if _, ok := result.Sample["active"].(bool); !ok {
		t.Errorf("Sample active = %T, want bool", result.Sample["active"])
	}
	// Unrecognized schema types fall back to ordinal strings
	if result.Sample["label"] != "label_0" {
		t.Errorf("Sample label = %v, want label_0", result.Sample["label"])
	}
}

func TestDatagenSeedIsDeterministic(t *testing.T) {
	h := NewDatagenHandler(arbor.NewLogger(), 0)
	input := DatagenInput{
		Dataset: "seeded",
		Rows:    1,
		Seed:    7,
		Schema:  map[string]string{"n": "int"},
	}

	first, err := h.Execute(context.Background(), datagenOp(t, input))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	second, err := h.Execute(context.Background(), datagenOp(t, input))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var a, b DatagenResult
	if err := json.Unmarshal(first, &a); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if err := json.Unmarshal(second, &b); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if a.Sample["n"] != b.Sample["n"] {
		t.Errorf("Seeded runs diverged: %v vs %v", a.Sample["n"], b.Sample["n"])
	}
}

func TestDatagenRejectsBadInput(t *testing.T) {
	h := NewDatagenHandler(arbor.NewLogger(), 0)

	cases := []struct {
		name  string
		input DatagenInput
	}{
		{"missing dataset", DatagenInput{Rows: 10}},
		{"zero rows", DatagenInput{Dataset: "d"}},
		{"negative rows", DatagenInput{Dataset: "d", Rows: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.Execute(context.Background(), datagenOp(t, tc.input)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
