// -----------------------------------------------------------------------
// Execution Driver - runs one job from queued to a terminal status
// -----------------------------------------------------------------------

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/atelier/internal/comfy"
	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
	"github.com/ternarybob/atelier/internal/queue"
	"github.com/ternarybob/atelier/internal/workflow"
)

// progressWritesPerSecond throttles Job Store traffic from monitor events.
// The completion write is always unconditional.
const progressWritesPerSecond = 2

// submitAttempts bounds transport-level retries around prompt submission.
const submitAttempts = 3

// Options carries the driver's tunables.
type Options struct {
	SingleNode       bool
	LocalNodeOutput  string // node output dir for absolute locators in single-node mode
	SubmitTimeout    time.Duration
	SelectBackoffMax time.Duration
	MonitorTimeout   func(kind models.JobKind) time.Duration
}

// FileResolver provides the pre-flight file plumbing the driver needs.
type FileResolver interface {
	DownloadURL(relPath string) string
}

// Driver executes one job per invocation inside a worker goroutine.
type Driver struct {
	opts     Options
	jobs     interfaces.JobStorage
	uploads  interfaces.UploadStorage
	nodeMgr  interfaces.NodeManager
	engine   *workflow.Engine
	client   *comfy.Client
	monitor  *comfy.Monitor
	resolver FileResolver
	logger   arbor.ILogger
}

// NewDriver creates an execution driver.
func NewDriver(opts Options, jobs interfaces.JobStorage, uploads interfaces.UploadStorage, nodeMgr interfaces.NodeManager, engine *workflow.Engine, client *comfy.Client, monitor *comfy.Monitor, resolver FileResolver, logger arbor.ILogger) *Driver {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 30 * time.Second
	}
	if opts.SelectBackoffMax <= 0 {
		opts.SelectBackoffMax = 2 * time.Minute
	}
	return &Driver{
		opts:     opts,
		jobs:     jobs,
		uploads:  uploads,
		nodeMgr:  nodeMgr,
		engine:   engine,
		client:   client,
		monitor:  monitor,
		resolver: resolver,
		logger:   logger,
	}
}

// Handle is the worker pool's job handler. It returns nil once the job has
// reached a recorded terminal status; a non-nil return means job state
// could not be persisted and the queue entry should be redelivered.
func (d *Driver) Handle(ctx context.Context, msg *models.JobMessage) error {
	job, err := d.jobs.GetJob(ctx, msg.JobID)
	if err != nil {
		if models.AsJobError(err).Kind == models.ErrKindNotFound {
			// Deleted between enqueue and dequeue; nothing to run.
			return nil
		}
		return err
	}

	// Cancelled (or already terminal) while queued: ack and move on.
	if job.Status != models.JobStatusQueued {
		d.logger.Debug().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("Skipping job no longer queued")
		return nil
	}

	status := models.JobStatusProcessing
	progress := 0.0
	message := "starting"
	now := time.Now()
	if _, err := d.jobs.UpdateJob(ctx, job.ID, &models.JobUpdate{
		Status:    &status,
		Progress:  &progress,
		Message:   &message,
		StartedAt: &now,
	}); err != nil {
		return err
	}

	runErr := d.run(ctx, job)

	if runErr == nil {
		return d.finish(job.ID, &models.JobUpdate{
			Status:      statusPtr(models.JobStatusCompleted),
			Message:     strPtr("completed"),
			CompletedAt: timePtr(time.Now()),
		})
	}

	// User cancellation lands as cancelled; everything else as failed with
	// its structured error.
	if errors.Is(runErr, queue.ErrCancelledByUser) || errors.Is(context.Cause(ctx), queue.ErrCancelledByUser) {
		d.logger.Info().Str("job_id", job.ID).Msg("Job cancelled")
		return d.finish(job.ID, &models.JobUpdate{
			Status:      statusPtr(models.JobStatusCancelled),
			Message:     strPtr("cancelled"),
			CompletedAt: timePtr(time.Now()),
		})
	}

	je := models.AsJobError(runErr)
	d.logger.Warn().
		Str("job_id", job.ID).
		Str("kind", string(je.Kind)).
		Str("error", je.Message).
		Msg("Job failed")
	return d.finish(job.ID, &models.JobUpdate{
		Status:      statusPtr(models.JobStatusFailed),
		Message:     strPtr(je.Message),
		Error:       je,
		CompletedAt: timePtr(time.Now()),
	})
}

// finish writes the terminal update outside the job context so that a
// cancelled context cannot block recording the outcome.
func (d *Driver) finish(jobID string, update *models.JobUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := d.jobs.UpdateJob(ctx, jobID, update)
	return err
}

// run executes resolve-params → select-node → submit → monitor → harvest.
func (d *Driver) run(ctx context.Context, job *models.Job) error {
	graph, err := d.engine.Process(job.WorkflowName, job.Params)
	if err != nil {
		return err
	}

	node, err := d.selectWithBackoff(ctx, job.Kind)
	if err != nil {
		return err
	}
	if err := d.nodeMgr.AssignJob(node.ID, job.ID); err != nil {
		return err
	}
	defer d.nodeMgr.ReleaseJob(node.ID, job.ID)

	if _, err := d.jobs.UpdateJob(ctx, job.ID, &models.JobUpdate{NodeID: &node.ID}); err != nil {
		return err
	}

	var downloads []models.FileDownload
	if job.Kind == models.KindImageToVideo {
		downloads, err = d.preflightFiles(ctx, graph)
		if err != nil {
			return err
		}
	}

	promptID, err := d.submitWithRetry(ctx, node, graph, job.ID, downloads)
	if err != nil {
		return err
	}
	if _, err := d.jobs.UpdateJob(ctx, job.ID, &models.JobUpdate{PromptID: &promptID}); err != nil {
		return err
	}

	if err := d.monitorRun(ctx, node, job); err != nil {
		return err
	}

	return d.harvest(ctx, node, job.ID, promptID)
}

// selectWithBackoff retries node selection with exponential backoff, up to
// the configured cap, then fails with a retriable no-node error.
func (d *Driver) selectWithBackoff(ctx context.Context, kind models.JobKind) (*models.Node, error) {
	delay := time.Second
	for {
		node, err := d.nodeMgr.SelectNode(ctx, kind)
		if err == nil {
			return node, nil
		}
		if models.AsJobError(err).Kind != models.ErrKindNoNode {
			return nil, err
		}
		if delay > d.opts.SelectBackoffMax {
			return nil, err
		}

		d.logger.Debug().
			Str("kind", string(kind)).
			Dur("backoff", delay).
			Msg("No node available; backing off")
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// preflightFiles embeds file-download instructions for every LoadImage
// input that names an orchestrator upload, rewriting the graph input to
// the path the node will place the file under. The orchestrator never
// pushes bytes; the node pulls them with the scoped token.
func (d *Driver) preflightFiles(ctx context.Context, graph models.TemplateGraph) ([]models.FileDownload, error) {
	var downloads []models.FileDownload
	for nodeID, gnode := range graph {
		if gnode.ClassType != "LoadImage" {
			continue
		}
		ref, ok := gnode.Inputs["image"].(string)
		if !ok || ref == "" {
			continue
		}

		upload, err := d.resolveUpload(ctx, ref)
		if err != nil {
			return nil, models.NewJobError(models.ErrKindValidation,
				"input image %q is not a known upload", ref)
		}

		// The node mirrors the orchestrator's date-partitioned layout
		// under its own input directory.
		gnode.Inputs["image"] = upload.Path
		downloads = append(downloads, models.FileDownload{
			DownloadURL: d.resolver.DownloadURL(upload.Path),
			LocalPath:   upload.Path,
			Filename:    path.Base(upload.Path),
			FileSize:    upload.Size,
			TargetField: fmt.Sprintf("%s.inputs.image", nodeID),
		})
	}
	return downloads, nil
}

func (d *Driver) resolveUpload(ctx context.Context, ref string) (*models.Upload, error) {
	if strings.HasPrefix(ref, "file_") {
		return d.uploads.GetUpload(ctx, ref)
	}
	return d.uploads.GetUploadByPath(ctx, strings.ReplaceAll(ref, `\`, "/"))
}

// submitWithRetry posts the prompt, retrying transport failures with a
// short backoff. Node-reported rejections are final on first sight.
func (d *Driver) submitWithRetry(ctx context.Context, node *models.Node, graph models.TemplateGraph, jobID string, downloads []models.FileDownload) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		submitCtx, cancel := context.WithTimeout(ctx, d.opts.SubmitTimeout)
		promptID, err := d.client.SubmitPrompt(submitCtx, node, graph, jobID, downloads)
		cancel()
		if err == nil {
			return promptID, nil
		}
		lastErr = err

		if models.AsJobError(err).Kind != models.ErrKindTransport {
			return "", err
		}
		d.logger.Debug().
			Err(err).
			Str("job_id", jobID).
			Int("attempt", attempt).
			Msg("Prompt submit transport error; retrying")

		select {
		case <-ctx.Done():
			return "", context.Cause(ctx)
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return "", lastErr
}

// monitorRun drives the WebSocket loop under the kind-dependent deadline,
// throttling progress writes to the store.
func (d *Driver) monitorRun(ctx context.Context, node *models.Node, job *models.Job) error {
	deadline := 10 * time.Minute
	if d.opts.MonitorTimeout != nil {
		deadline = d.opts.MonitorTimeout(job.Kind)
	}
	monitorCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(progressWritesPerSecond), 1)
	onProgress := func(pct float64) {
		if !limiter.Allow() {
			return
		}
		if _, err := d.jobs.UpdateJob(monitorCtx, job.ID, &models.JobUpdate{Progress: &pct}); err != nil {
			d.logger.Debug().Err(err).Str("job_id", job.ID).Msg("Progress write failed")
		}
	}

	return d.monitor.Run(monitorCtx, node, job.ID, onProgress)
}

// harvest collects artifact locators from the run history. Zero outputs is
// a no-output failure; a completed job always has at least one result.
func (d *Driver) harvest(ctx context.Context, node *models.Node, jobID, promptID string) error {
	harvestCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	artifacts, err := d.client.History(harvestCtx, node, promptID)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return models.NewJobError(models.ErrKindNoOutput, "run %s finished with no outputs", promptID)
	}

	locators := make([]models.ArtifactLocator, len(artifacts))
	for i, artifact := range artifacts {
		locators[i] = d.locatorFor(node, artifact)
	}
	return d.jobs.AppendResults(ctx, jobID, locators)
}

// locatorFor builds the mode-dependent locator. Fleet locators keep the
// node's reported separator verbatim; single-node locators are absolute
// paths on the shared filesystem.
func (d *Driver) locatorFor(node *models.Node, artifact comfy.HistoryArtifact) models.ArtifactLocator {
	rel := artifact.Filename
	if artifact.Subfolder != "" {
		sep := "/"
		if strings.Contains(artifact.Subfolder, `\`) {
			sep = `\`
		}
		rel = artifact.Subfolder + sep + artifact.Filename
	}

	if d.opts.SingleNode {
		abs := rel
		if d.opts.LocalNodeOutput != "" {
			abs = path.Join(d.opts.LocalNodeOutput, strings.ReplaceAll(rel, `\`, "/"))
		}
		return models.ArtifactLocator{RelPath: abs}
	}
	return models.ArtifactLocator{NodeID: node.ID, RelPath: rel}
}

func statusPtr(s models.JobStatus) *models.JobStatus { return &s }
func strPtr(s string) *string                        { return &s }
func timePtr(t time.Time) *time.Time                 { return &t }
