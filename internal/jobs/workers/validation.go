package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/models"
)

// ValidationRule is one check applied to a field across all records
type ValidationRule struct {
	Field string   `json:"field"`
	Rule  string   `json:"rule"` // not_null, unique, range
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
}

// ValidationInput carries one target's records and the rules to apply
type ValidationInput struct {
	Target  string                   `json:"target"`
	Records []map[string]interface{} `json:"records"`
	Rules   []ValidationRule         `json:"rules"`

	// ReportOnly records violations without failing the operation
	ReportOnly bool `json:"report_only,omitempty"`
}

// Violation is one rule breach at a specific record
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Record  int    `json:"record"`
	Message string `json:"message"`
}

// ValidationResult is the outcome recorded for one target
type ValidationResult struct {
	Target     string      `json:"target"`
	Records    int         `json:"records"`
	Rules      int         `json:"rules"`
	Violations []Violation `json:"violations,omitempty"`
	Passed     bool        `json:"passed"`
}

// ValidationHandler executes multi-target-validation operations. Each
// operation validates one target; a target with violations fails its
// operation so the job surfaces partial success across targets.
type ValidationHandler struct {
	logger arbor.ILogger
}

func NewValidationHandler(logger arbor.ILogger) *ValidationHandler {
	return &ValidationHandler{logger: logger}
}

func (h *ValidationHandler) Type() models.OperationType {
	return models.OperationType(models.JobTypeMultiTargetValidation)
}

func (h *ValidationHandler) Execute(ctx context.Context, op *models.Operation) (json.RawMessage, error) {
	var input ValidationInput
	if err := json.Unmarshal(op.Input, &input); err != nil {
		return nil, fmt.Errorf("invalid validation input: %w", err)
	}
	if input.Target == "" {
		return nil, fmt.Errorf("validation target is required")
	}
	if len(input.Rules) == 0 {
		return nil, fmt.Errorf("no validation rules for target %q", input.Target)
	}

	var violations []Violation
	for _, rule := range input.Rules {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		switch rule.Rule {
		case "not_null":
			violations = append(violations, checkNotNull(rule, input.Records)...)
		case "unique":
			violations = append(violations, checkUnique(rule, input.Records)...)
		case "range":
			violations = append(violations, checkRange(rule, input.Records)...)
		default:
			return nil, fmt.Errorf("unknown validation rule %q", rule.Rule)
		}
	}

	result := ValidationResult{
		Target:     input.Target,
		Records:    len(input.Records),
		Rules:      len(input.Rules),
		Violations: violations,
		Passed:     len(violations) == 0,
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	if !result.Passed && !input.ReportOnly {
		h.logger.Warn().
			Str("operation_id", op.ID).
			Str("target", input.Target).
			Int("violations", len(violations)).
			Msg("Validation target failed")
		return payload, fmt.Errorf("target %s failed validation with %d violation(s)", input.Target, len(violations))
	}
	return payload, nil
}

func checkNotNull(rule ValidationRule, records []map[string]interface{}) []Violation {
	var out []Violation
	for i, record := range records {
		value, ok := record[rule.Field]
		if !ok || value == nil {
			out = append(out, Violation{
				Field:   rule.Field,
				Rule:    "not_null",
				Record:  i,
				Message: fmt.Sprintf("field %s is null or missing", rule.Field),
			})
		}
	}
	return out
}

func checkUnique(rule ValidationRule, records []map[string]interface{}) []Violation {
	seen := make(map[string]int)
	var out []Violation
	for i, record := range records {
		value, ok := record[rule.Field]
		if !ok || value == nil {
			continue
		}
		key := fmt.Sprintf("%v", value)
		if first, dup := seen[key]; dup {
			out = append(out, Violation{
				Field:   rule.Field,
				Rule:    "unique",
				Record:  i,
				Message: fmt.Sprintf("duplicate value %q first seen at record %d", key, first),
			})
			continue
		}
		seen[key] = i
	}
	return out
}

func checkRange(rule ValidationRule, records []map[string]interface{}) []Violation {
	var out []Violation
	for i, record := range records {
		value, ok := record[rule.Field]
		if !ok || value == nil {
			continue
		}
		num, ok := value.(float64)
		if !ok {
			out = append(out, Violation{
				Field:   rule.Field,
				Rule:    "range",
				Record:  i,
				Message: fmt.Sprintf("field %s is not numeric", rule.Field),
			})
			continue
		}
		if rule.Min != nil && num < *rule.Min {
			out = append(out, Violation{
				Field:   rule.Field,
				Rule:    "range",
				Record:  i,
				Message: fmt.Sprintf("value %v below minimum %v", num, *rule.Min),
			})
		}
		if rule.Max != nil && num > *rule.Max {
			out = append(out, Violation{
				Field:   rule.Field,
				Rule:    "range",
				Record:  i,
				Message: fmt.Sprintf("value %v above maximum %v", num, *rule.Max),
			})
		}
	}
	return out
}
