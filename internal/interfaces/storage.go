package interfaces

import (
	"context"

	"github.com/ternarybob/atelier/internal/models"
)

// JobStorage - interface for job persistence across the global and
// per-client scopes. Writes go to both scopes atomically.
type JobStorage interface {
	// Lifecycle operations
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetClientJob(ctx context.Context, clientID, jobID string) (*models.Job, error)
	UpdateJob(ctx context.Context, jobID string, update *models.JobUpdate) (*models.Job, error)
	ResetJobForRerun(ctx context.Context, jobID string) (*models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error

	// Result operations. Appends are idempotent per (job, index).
	AppendResults(ctx context.Context, jobID string, results []models.ArtifactLocator) error
	GetResults(ctx context.Context, jobID string) ([]models.ArtifactLocator, error)

	// List operations
	ListJobs(ctx context.Context, opts *models.JobListOptions) ([]*models.Job, error)
	ListClientJobs(ctx context.Context, clientID string, opts *models.JobListOptions) ([]*models.Job, error)
	CountJobs(ctx context.Context, opts *models.JobListOptions) (int, error)

	// Stats operations
	GetStats(ctx context.Context) (*models.JobStats, error)

	// Recovery: jobs left in processing after a crash
	GetProcessingJobs(ctx context.Context) ([]*models.Job, error)

	// Retention
	DeleteTerminalJobsBefore(ctx context.Context, cutoffUnix int64) (int, error)
}

// UploadStorage - interface for upload record persistence
type UploadStorage interface {
	SaveUpload(ctx context.Context, upload *models.Upload) error
	GetUpload(ctx context.Context, id string) (*models.Upload, error)
	GetUploadByPath(ctx context.Context, relPath string) (*models.Upload, error)
	ListUploads(ctx context.Context, clientID string, limit, offset int) ([]*models.Upload, error)
	DeleteUpload(ctx context.Context, id string) error
	DeleteUploadsBefore(ctx context.Context, cutoffUnix int64) ([]*models.Upload, error)
}

// StorageManager - composite interface over the badger-backed stores
type StorageManager interface {
	JobStorage() JobStorage
	UploadStorage() UploadStorage
	Close() error
}
