package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/models"
)

// MetadataInput carries the records one extraction operation inspects
type MetadataInput struct {
	Source  string                   `json:"source"`
	Records []map[string]interface{} `json:"records"`
}

// FieldMetadata describes one inferred field
type FieldMetadata struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Distinct int    `json:"distinct"`
}

// MetadataResult is the inferred schema of an extraction operation
type MetadataResult struct {
	Source      string          `json:"source"`
	RecordCount int             `json:"record_count"`
	Fields      []FieldMetadata `json:"fields"`
}

// MetadataHandler executes metadata-extraction operations: it infers a
// field-level schema from a sample of records.
type MetadataHandler struct {
	logger arbor.ILogger
}

func NewMetadataHandler(logger arbor.ILogger) *MetadataHandler {
	return &MetadataHandler{logger: logger}
}

func (h *MetadataHandler) Type() models.OperationType {
	return models.OperationType(models.JobTypeMetadataExtraction)
}

func (h *MetadataHandler) Execute(ctx context.Context, op *models.Operation) (json.RawMessage, error) {
	var input MetadataInput
	if err := json.Unmarshal(op.Input, &input); err != nil {
		return nil, fmt.Errorf("invalid metadata input: %w", err)
	}
	if len(input.Records) == 0 {
		return nil, fmt.Errorf("no records to inspect for source %q", input.Source)
	}

	type fieldAccum struct {
		types    map[string]bool
		nulls    int
		present  int
		distinct map[string]bool
	}
	accum := make(map[string]*fieldAccum)

	for _, record := range input.Records {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		for name, value := range record {
			fa := accum[name]
			if fa == nil {
				fa = &fieldAccum{types: make(map[string]bool), distinct: make(map[string]bool)}
				accum[name] = fa
			}
			fa.present++
			if value == nil {
				fa.nulls++
				continue
			}
			fa.types[jsonTypeOf(value)] = true
			fa.distinct[fmt.Sprintf("%v", value)] = true
		}
	}

	fields := make([]FieldMetadata, 0, len(accum))
	for name, fa := range accum {
		fields = append(fields, FieldMetadata{
			Name:     name,
			Type:     dominantType(fa.types),
			Nullable: fa.nulls > 0 || fa.present < len(input.Records),
			Distinct: len(fa.distinct),
		})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	h.logger.Debug().
		Str("operation_id", op.ID).
		Str("source", input.Source).
		Int("fields", len(fields)).
		Msg("Schema inferred")

	return json.Marshal(MetadataResult{
		Source:      input.Source,
		RecordCount: len(input.Records),
		Fields:      fields,
	})
}

func jsonTypeOf(value interface{}) string {
	switch v := value.(type) {
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64:
		if v == float64(int64(v)) {
			return "integer"
		}
		return "number"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	default:
		return "string"
	}
}

// dominantType collapses the observed JSON types of a field. A field seen
// as both integer and number widens to number; anything else mixed
// degrades to string.
func dominantType(types map[string]bool) string {
	switch len(types) {
	case 0:
		return "null"
	case 1:
		for t := range types {
			return t
		}
	case 2:
		if types["integer"] && types["number"] {
			return "number"
		}
	}
	return "string"
}
