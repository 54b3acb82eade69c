// -----------------------------------------------------------------------
// Job - durable batch job record and its operations
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a batch job
type JobStatus string

const (
	JobStatusPending        JobStatus = "pending"
	JobStatusQueued         JobStatus = "queued"
	JobStatusRunning        JobStatus = "running"
	JobStatusPaused         JobStatus = "paused"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusFailed         JobStatus = "failed"
	JobStatusCancelled      JobStatus = "cancelled"
	JobStatusPartialSuccess JobStatus = "partial_success"
)

// IsTerminal returns true if the status is final and the job is frozen
// (retry is the only action that can move it out of a terminal state).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusPartialSuccess:
		return true
	}
	return false
}

// OperationStatus represents the state of one operation inside a job
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusRunning   OperationStatus = "running"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
	OperationStatusSkipped   OperationStatus = "skipped"
)

// IsTerminal returns true once the operation can no longer change state.
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case OperationStatusCompleted, OperationStatusFailed, OperationStatusSkipped:
		return true
	}
	return false
}

// JobType tags a job with the family of work its operations perform.
// The same tag space is used for operation types; the registry dispatches
// on it.
type JobType string

const (
	JobTypePipelineExecution     JobType = "pipeline-execution"
	JobTypeDataGeneration        JobType = "data-generation"
	JobTypeMultiTargetValidation JobType = "multi-target-validation"
	JobTypeMetadataExtraction    JobType = "metadata-extraction"
)

// OperationType selects the handler that executes an operation. When an
// operation does not set its own type it inherits the job's type.
type OperationType string

const (
	// Clamp bounds for JobConfig.MaxParallel
	MinParallel = 1
	MaxParallel = 10
)

// JobConfig controls how a job's operations are scheduled
type JobConfig struct {
	Parallel    bool `json:"parallel"`
	MaxParallel int  `json:"max_parallel"`
	StopOnError bool `json:"stop_on_error"`
}

// Normalize clamps MaxParallel into the supported range. A zero value is
// treated as 1 so a parallel job with no explicit bound degrades to a
// single worker rather than an unbounded pool.
func (c *JobConfig) Normalize() {
	if c.MaxParallel < MinParallel {
		c.MaxParallel = MinParallel
	}
	if c.MaxParallel > MaxParallel {
		c.MaxParallel = MaxParallel
	}
}

// Operation is one unit of work inside a job. The operations slice is fixed
// at job creation time; executors mutate status/result fields only.
type Operation struct {
	ID         string          `json:"id"`
	Type       OperationType   `json:"operation_type"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Status     OperationStatus `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	RetryCount int             `json:"retry_count"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Duration returns the elapsed execution time of a finished operation,
// or 0 when timestamps are missing.
func (o *Operation) Duration() time.Duration {
	if o.StartedAt == nil || o.FinishedAt == nil {
		return 0
	}
	return o.FinishedAt.Sub(*o.StartedAt)
}

// JobProgress is a derived snapshot computed from operation statuses.
// It is never mutated independently of the operations it summarizes.
type JobProgress struct {
	Total                    int      `json:"total"`
	Completed                int      `json:"completed"`
	Failed                   int      `json:"failed"`
	Skipped                  int      `json:"skipped"`
	Running                  int      `json:"running"`
	Pending                  int      `json:"pending"`
	PercentComplete          float64  `json:"percent_complete"`
	CurrentOperation         string   `json:"current_operation,omitempty"`
	CurrentOperations        []string `json:"current_operations,omitempty"`
	EstimatedTimeRemainingMS *int64   `json:"estimated_time_remaining_ms"`
}

// Job is one batch submission: an ordered, fixed set of operations plus
// the execution configuration. Persisted whole, keyed by ID.
type Job struct {
	ID           string       `json:"id" badgerhold:"key"`
	Type         JobType      `json:"type"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	ProjectRef   string       `json:"project_ref,omitempty"`
	Status       JobStatus    `json:"status"`
	Operations   []Operation  `json:"operations"`
	Config       JobConfig    `json:"config"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Progress     *JobProgress `json:"progress,omitempty"`
	CancelReason string       `json:"cancel_reason,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// OperationSpec describes one operation at job-creation time
type OperationSpec struct {
	Type  OperationType
	Name  string
	Input json.RawMessage
}

// NewJob builds a job in Pending state. Operation IDs are derived from the
// job ID, the operation type and the target name; duplicate derivations get
// an ordinal suffix so IDs stay unique within the job.
func NewJob(jobType JobType, name string, specs []OperationSpec, config JobConfig) *Job {
	config.Normalize()

	job := &Job{
		ID:         "job_" + uuid.New().String(),
		Type:       jobType,
		Name:       name,
		Status:     JobStatusPending,
		Config:     config,
		CreatedAt:  time.Now(),
		Operations: make([]Operation, 0, len(specs)),
	}

	seen := make(map[string]int, len(specs))
	for _, spec := range specs {
		opType := spec.Type
		if opType == "" {
			opType = OperationType(jobType)
		}

		id := deriveOperationID(job.ID, opType, spec.Name)
		seen[id]++
		if n := seen[id]; n > 1 {
			id = fmt.Sprintf("%s-%d", id, n)
		}

		job.Operations = append(job.Operations, Operation{
			ID:     id,
			Type:   opType,
			Name:   spec.Name,
			Input:  spec.Input,
			Status: OperationStatusPending,
		})
	}

	return job
}

// deriveOperationID builds a stable operation identifier. The job ID prefix
// keeps IDs unique across jobs even when type and name repeat.
func deriveOperationID(jobID string, opType OperationType, name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, slug)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "op"
	}
	return fmt.Sprintf("%s:%s:%s", jobID, opType, slug)
}

// Validate checks the structural invariants of a job record
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.Type == "" {
		return fmt.Errorf("job type is required")
	}
	if len(j.Operations) == 0 {
		return fmt.Errorf("job requires at least one operation")
	}
	if j.Config.MaxParallel < MinParallel || j.Config.MaxParallel > MaxParallel {
		return fmt.Errorf("max_parallel must be between %d and %d", MinParallel, MaxParallel)
	}
	ids := make(map[string]bool, len(j.Operations))
	for i := range j.Operations {
		op := &j.Operations[i]
		if op.ID == "" {
			return fmt.Errorf("operation %d has no ID", i)
		}
		if ids[op.ID] {
			return fmt.Errorf("duplicate operation ID: %s", op.ID)
		}
		ids[op.ID] = true
	}
	return nil
}

// Operation returns a pointer to the operation with the given ID, or nil.
func (j *Job) Operation(opID string) *Operation {
	for i := range j.Operations {
		if j.Operations[i].ID == opID {
			return &j.Operations[i]
		}
	}
	return nil
}

// CountByStatus tallies operations per status
func (j *Job) CountByStatus() map[OperationStatus]int {
	counts := make(map[OperationStatus]int, 5)
	for i := range j.Operations {
		counts[j.Operations[i].Status]++
	}
	return counts
}

// HasRunnableOperations reports whether any operation is still pending or
// running; resolution applies once this is false.
func (j *Job) HasRunnableOperations() bool {
	for i := range j.Operations {
		switch j.Operations[i].Status {
		case OperationStatusPending, OperationStatusRunning:
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand outside the manager's lock
func (j *Job) Clone() *Job {
	clone := *j

	clone.Operations = make([]Operation, len(j.Operations))
	copy(clone.Operations, j.Operations)
	for i := range clone.Operations {
		src := &j.Operations[i]
		dst := &clone.Operations[i]
		if src.Input != nil {
			dst.Input = append(json.RawMessage(nil), src.Input...)
		}
		if src.Result != nil {
			dst.Result = append(json.RawMessage(nil), src.Result...)
		}
		if src.StartedAt != nil {
			t := *src.StartedAt
			dst.StartedAt = &t
		}
		if src.FinishedAt != nil {
			t := *src.FinishedAt
			dst.FinishedAt = &t
		}
	}

	if j.Tags != nil {
		clone.Tags = append([]string(nil), j.Tags...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		clone.FinishedAt = &t
	}
	if j.Progress != nil {
		p := *j.Progress
		if j.Progress.CurrentOperations != nil {
			p.CurrentOperations = append([]string(nil), j.Progress.CurrentOperations...)
		}
		clone.Progress = &p
	}

	return &clone
}

// ToJSON serializes the job for storage or transport
func (j *Job) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// JobFromJSON deserializes a job record
func JobFromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// JobStatistics aggregates counts across all known jobs. Computed on
// demand, never cached.
type JobStatistics struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByType   map[string]int `json:"by_type"`
}
