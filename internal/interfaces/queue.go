package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/atelier/internal/models"
)

// AckFunc acknowledges (deletes) a received message. Safe to call once.
type AckFunc func() error

// QueueManager manages the per-kind job queue partitions. Delivery is
// at-least-once: a received message becomes invisible for the visibility
// timeout and reappears unless acknowledged.
type QueueManager interface {
	Start() error
	Stop() error
	Enqueue(ctx context.Context, msg *models.JobMessage) error
	EnqueueWithDelay(ctx context.Context, msg *models.JobMessage, delay time.Duration) error
	// Receive returns the next visible message for the kind, or
	// models.ErrNoMessage when the partition is empty.
	Receive(ctx context.Context, kind models.JobKind) (*models.JobMessage, AckFunc, error)
	Length(ctx context.Context, kind models.JobKind) (int, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
}

// JobHandler executes one dequeued job to a terminal status.
type JobHandler func(ctx context.Context, msg *models.JobMessage) error

// WorkerPool runs per-kind consumer goroutines against the queue.
type WorkerPool interface {
	RegisterHandler(kind models.JobKind, handler JobHandler)
	Start() error
	Stop() error
	// Cancel aborts the in-flight execution of a job, if this pool owns it.
	Cancel(jobID string) bool
}
