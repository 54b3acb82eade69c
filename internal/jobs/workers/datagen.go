package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/models"
	"golang.org/x/time/rate"
)

// DatagenInput describes one synthetic dataset to generate
type DatagenInput struct {
	Dataset string            `json:"dataset"`
	Rows    int               `json:"rows"`
	Schema  map[string]string `json:"schema"`
	Seed    int64             `json:"seed,omitempty"`
}

// DatagenResult summarizes a generation run
type DatagenResult struct {
	Dataset    string                 `json:"dataset"`
	Rows       int                    `json:"rows"`
	Sample     map[string]interface{} `json:"sample,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
}

// DatagenHandler executes data-generation operations. Row production is
// paced through a shared rate limiter so a large batch cannot starve
// concurrent operations of CPU.
type DatagenHandler struct {
	logger  arbor.ILogger
	limiter *rate.Limiter
}

// NewDatagenHandler creates a handler producing at most one row per
// interval across all concurrent operations. A zero interval disables
// pacing.
func NewDatagenHandler(logger arbor.ILogger, interval time.Duration) *DatagenHandler {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 100)
	}
	return &DatagenHandler{logger: logger, limiter: limiter}
}

func (h *DatagenHandler) Type() models.OperationType {
	return models.OperationType(models.JobTypeDataGeneration)
}

func (h *DatagenHandler) Execute(ctx context.Context, op *models.Operation) (json.RawMessage, error) {
	var input DatagenInput
	if err := json.Unmarshal(op.Input, &input); err != nil {
		return nil, fmt.Errorf("invalid datagen input: %w", err)
	}
	if input.Dataset == "" {
		return nil, fmt.Errorf("dataset name is required")
	}
	if input.Rows <= 0 {
		return nil, fmt.Errorf("rows must be positive, got %d", input.Rows)
	}
	if len(input.Schema) == 0 {
		input.Schema = map[string]string{"id": "uuid", "value": "float"}
	}

	seed := input.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	started := time.Now()
	var sample map[string]interface{}
	for i := 0; i < input.Rows; i++ {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		row := generateRow(input.Schema, rng, i)
		if i == 0 {
			sample = row
		}
	}

	h.logger.Debug().
		Str("operation_id", op.ID).
		Str("dataset", input.Dataset).
		Int("rows", input.Rows).
		Msg("Dataset generated")

	return json.Marshal(DatagenResult{
		Dataset:    input.Dataset,
		Rows:       input.Rows,
		Sample:     sample,
		DurationMS: time.Since(started).Milliseconds(),
	})
}

func generateRow(schema map[string]string, rng *rand.Rand, ordinal int) map[string]interface{} {
	row := make(map[string]interface{}, len(schema))
	for field, fieldType := range schema {
		switch fieldType {
		case "uuid":
			row[field] = uuid.New().String()
		case "int", "integer":
			row[field] = rng.Intn(1_000_000)
		case "float", "number":
			row[field] = rng.Float64() * 1000
		case "bool", "boolean":
			row[field] = rng.Intn(2) == 1
		case "timestamp":
			row[field] = time.Now().Add(-time.Duration(rng.Intn(86_400)) * time.Second).UTC().Format(time.RFC3339)
		default:
			row[field] = fmt.Sprintf("%s_%d", field, ordinal)
		}
	}
	return row
}
