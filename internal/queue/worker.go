// -----------------------------------------------------------------------
// Worker Pool - per-kind consumers with cooperative job cancellation
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// ErrCancelledByUser marks a cancellation requested through the API, as
// opposed to an internal abort (node offline, shutdown).
var ErrCancelledByUser = errors.New("cancelled by user")

// WorkerPool runs a fixed set of consumer goroutines per job kind. Each
// in-flight job gets a cancellable context registered under its job ID so
// the cancel endpoint and the node-offline path can abort it.
type WorkerPool struct {
	queueMgr       interfaces.QueueManager
	handlers       map[models.JobKind]interfaces.JobHandler
	workersPerKind int
	pollInterval   time.Duration
	logger         arbor.ILogger

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queueMgr interfaces.QueueManager, workersPerKind int, pollInterval time.Duration, logger arbor.ILogger) *WorkerPool {
	if workersPerKind < 1 {
		workersPerKind = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queueMgr:       queueMgr,
		handlers:       make(map[models.JobKind]interfaces.JobHandler),
		workersPerKind: workersPerKind,
		pollInterval:   pollInterval,
		logger:         logger,
		inflight:       make(map[string]context.CancelCauseFunc),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// RegisterHandler registers the executor for one job kind
func (wp *WorkerPool) RegisterHandler(kind models.JobKind, handler interfaces.JobHandler) {
	wp.handlers[kind] = handler
	wp.logger.Debug().
		Str("kind", string(kind)).
		Msg("Job handler registered")
}

// Start starts the consumer goroutines
func (wp *WorkerPool) Start() error {
	for kind := range wp.handlers {
		for i := 0; i < wp.workersPerKind; i++ {
			wp.wg.Add(1)
			go wp.worker(kind, i)
		}
	}
	wp.logger.Info().
		Int("workers_per_kind", wp.workersPerKind).
		Int("kinds", len(wp.handlers)).
		Msg("Worker pool started")
	return nil
}

// Stop cancels all workers and waits for in-flight jobs to unwind
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	return nil
}

// Cancel aborts the in-flight execution of a job. Returns false when the
// job is not currently executing in this pool.
func (wp *WorkerPool) Cancel(jobID string) bool {
	return wp.cancelWithCause(jobID, ErrCancelledByUser)
}

// Abort aborts an in-flight job with an internal cause, used when the
// executing node goes offline.
func (wp *WorkerPool) Abort(jobID string, cause error) bool {
	return wp.cancelWithCause(jobID, cause)
}

func (wp *WorkerPool) cancelWithCause(jobID string, cause error) bool {
	wp.mu.Lock()
	cancel, ok := wp.inflight[jobID]
	wp.mu.Unlock()
	if !ok {
		return false
	}
	cancel(cause)
	return true
}

func (wp *WorkerPool) register(jobID string, cancel context.CancelCauseFunc) {
	wp.mu.Lock()
	wp.inflight[jobID] = cancel
	wp.mu.Unlock()
}

func (wp *WorkerPool) unregister(jobID string) {
	wp.mu.Lock()
	delete(wp.inflight, jobID)
	wp.mu.Unlock()
}

func (wp *WorkerPool) worker(kind models.JobKind, workerID int) {
	defer wp.wg.Done()

	// Stagger worker starts to reduce receive contention on the shared DB.
	staggerDelay := (wp.pollInterval / time.Duration(wp.workersPerKind)) * time.Duration(workerID)
	if staggerDelay > 0 {
		select {
		case <-wp.ctx.Done():
			return
		case <-time.After(staggerDelay):
		}
	}

	wp.logger.Debug().
		Str("kind", string(kind)).
		Int("worker_id", workerID).
		Msg("Worker started")

	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Str("kind", string(kind)).
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			// Drain the partition before going back to sleep.
			for {
				processed, err := wp.processOne(kind, workerID)
				if err != nil && !errors.Is(err, models.ErrNoMessage) {
					wp.logger.Warn().
						Err(err).
						Str("kind", string(kind)).
						Int("worker_id", workerID).
						Msg("Error processing message")
				}
				if !processed || wp.ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// processOne receives and executes a single message. The handler returns
// nil once it has written a terminal status, success or failure; a non-nil
// error means job state could not be recorded, so the message is left
// unacknowledged for redelivery after the visibility timeout.
func (wp *WorkerPool) processOne(kind models.JobKind, workerID int) (bool, error) {
	msg, ack, err := wp.queueMgr.Receive(wp.ctx, kind)
	if err != nil {
		return false, err
	}

	handler, exists := wp.handlers[kind]
	if !exists {
		// Cannot happen for started pools; drop defensively.
		_ = ack()
		return true, nil
	}

	wp.logger.Debug().
		Str("job_id", msg.JobID).
		Str("kind", string(kind)).
		Int("worker_id", workerID).
		Msg("Processing job")

	jobCtx, cancel := context.WithCancelCause(wp.ctx)
	wp.register(msg.JobID, cancel)

	handlerErr := handler(jobCtx, msg)

	wp.unregister(msg.JobID)
	cancel(nil)

	if handlerErr != nil {
		wp.logger.Warn().
			Err(handlerErr).
			Str("job_id", msg.JobID).
			Msg("Job state could not be recorded; leaving message for redelivery")
		return true, nil
	}

	if err := ack(); err != nil {
		wp.logger.Warn().
			Err(err).
			Str("job_id", msg.JobID).
			Msg("Failed to acknowledge message")
	}
	return true, nil
}
