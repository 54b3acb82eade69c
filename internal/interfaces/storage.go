package interfaces

import (
	"context"

	"github.com/ternarybob/curo/internal/models"
)

// JobListOptions control filtering and pagination of job listings
type JobListOptions struct {
	Status     string
	Type       string
	ProjectRef string
	Limit      int
	Offset     int
}

// JobStorage persists job records, one unit of storage per job. Writes are
// atomic with respect to a single job; a failed write never corrupts the
// previous durable version.
type JobStorage interface {
	// SaveJob creates or overwrites the record for job.ID
	SaveJob(ctx context.Context, job *models.Job) error

	// GetJob returns models.ErrJobNotFound for unknown IDs
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// ListJobs applies filters and pagination, ordered by created_at
	// descending. A nil opts lists everything (used for the startup load).
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)

	// DeleteJob removes the record; deleting an unknown ID is a no-op
	DeleteJob(ctx context.Context, jobID string) error

	// CountJobs returns the total number of stored jobs
	CountJobs(ctx context.Context) (int, error)
}

// StorageManager owns the database connection and the storage interfaces
// built on top of it.
type StorageManager interface {
	JobStorage() JobStorage
	Close() error
}
