package badger

import (
	"context"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/common"
	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func createJob(t *testing.T, store interfaces.JobStorage, clientID string, kind models.JobKind) *models.Job {
	t.Helper()
	job := models.NewJob(kind, clientID, "flux_schnell", map[string]interface{}{"prompt": "a fox"}, 5)
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	return job
}

func TestCreateAndGetBothScopes(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()

	job := createJob(t, store, "client-1", models.KindTextToImage)

	global, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	scoped, err := store.GetClientJob(ctx, "client-1", job.ID)
	if err != nil {
		t.Fatalf("GetClientJob failed: %v", err)
	}

	if global.ID != scoped.ID || global.Status != scoped.Status {
		t.Error("global and client scopes disagree after create")
	}
	if _, err := store.GetClientJob(ctx, "client-2", job.ID); err == nil {
		t.Error("client scope leaked another client's job")
	}
}

func TestGetJobNotFound(t *testing.T) {
	store := newTestManager(t).JobStorage()

	// An id carrying a formatting verb must come through the error message
	// verbatim.
	_, err := store.GetJob(context.Background(), "job_100%")
	if err == nil {
		t.Fatal("missing job returned without error")
	}
	if models.AsJobError(err).Kind != models.ErrKindNotFound {
		t.Errorf("error kind = %s, want not-found", models.AsJobError(err).Kind)
	}
	if want := "job not found: job_100%"; models.AsJobError(err).Message != want {
		t.Errorf("message = %q, want %q", models.AsJobError(err).Message, want)
	}
}

func TestUpdateJobPartial(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	job := createJob(t, store, "client-1", models.KindTextToImage)

	status := models.JobStatusProcessing
	progress := 30.0
	nodeID := "gpu-1"
	updated, err := store.UpdateJob(ctx, job.ID, &models.JobUpdate{
		Status:   &status,
		Progress: &progress,
		NodeID:   &nodeID,
	})
	if err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	if updated.Status != models.JobStatusProcessing || updated.Progress != 30 || updated.NodeID != "gpu-1" {
		t.Errorf("partial update not applied: %+v", updated)
	}
	// Untouched fields survive.
	if updated.WorkflowName != "flux_schnell" || updated.Priority != 5 {
		t.Error("partial update clobbered unrelated fields")
	}

	// Both scopes see the update.
	scoped, _ := store.GetClientJob(ctx, "client-1", job.ID)
	if scoped.Status != models.JobStatusProcessing {
		t.Error("client scope missed the update")
	}
}

func TestUpdateJobProgressMonotonic(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	job := createJob(t, store, "client-1", models.KindTextToImage)

	for _, p := range []float64{40, 20} {
		progress := p
		if _, err := store.UpdateJob(ctx, job.ID, &models.JobUpdate{Progress: &progress}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Progress != 40 {
		t.Errorf("progress = %f after a lower write, want 40", got.Progress)
	}
}

func TestUpdateJobTerminalStickiness(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	job := createJob(t, store, "client-1", models.KindTextToImage)

	completed := models.JobStatusCompleted
	if _, err := store.UpdateJob(ctx, job.ID, &models.JobUpdate{Status: &completed}); err != nil {
		t.Fatal(err)
	}

	// A late monitor write must not resurrect the job.
	processing := models.JobStatusProcessing
	progress := 55.0
	if _, err := store.UpdateJob(ctx, job.ID, &models.JobUpdate{Status: &processing, Progress: &progress}); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusCompleted {
		t.Errorf("status = %s after late write, want completed", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("completed job progress = %f, want 100", got.Progress)
	}
}

func TestUpdateJobProgressReservedForCompleted(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	job := createJob(t, store, "client-1", models.KindTextToImage)

	processing := models.JobStatusProcessing
	full := 100.0
	if _, err := store.UpdateJob(ctx, job.ID, &models.JobUpdate{Status: &processing, Progress: &full}); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Progress >= 100 {
		t.Errorf("processing job progress = %f, want < 100", got.Progress)
	}

	// The run then fails: the stored job must not read as fully done.
	failed := models.JobStatusFailed
	if _, err := store.UpdateJob(ctx, job.ID, &models.JobUpdate{Status: &failed}); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusFailed || got.Progress >= 100 {
		t.Errorf("failed job = %s with progress %f, want progress < 100", got.Status, got.Progress)
	}
}

func TestUpdateJobProgressResetsOnNewRun(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	job := createJob(t, store, "client-1", models.KindTextToImage)

	progress := 40.0
	if _, err := store.UpdateJob(ctx, job.ID, &models.JobUpdate{Progress: &progress}); err != nil {
		t.Fatal(err)
	}

	// Crash recovery returns the job to queued with zero progress; the
	// monotonic guard must not keep the stale value.
	queued := models.JobStatusQueued
	zero := 0.0
	if _, err := store.UpdateJob(ctx, job.ID, &models.JobUpdate{Status: &queued, Progress: &zero}); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Progress != 0 {
		t.Errorf("recovered job progress = %f, want 0", got.Progress)
	}

	// The worker's start transition resets the same way.
	progress = 40.0
	if _, err := store.UpdateJob(ctx, job.ID, &models.JobUpdate{Progress: &progress}); err != nil {
		t.Fatal(err)
	}
	processing := models.JobStatusProcessing
	if _, err := store.UpdateJob(ctx, job.ID, &models.JobUpdate{Status: &processing, Progress: &zero}); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetJob(ctx, job.ID)
	if got.Progress != 0 {
		t.Errorf("started job progress = %f, want 0", got.Progress)
	}
}

func TestResetJobForRerun(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	job := createJob(t, store, "client-1", models.KindTextToImage)

	// Running jobs cannot be rerun.
	if _, err := store.ResetJobForRerun(ctx, job.ID); err == nil {
		t.Error("rerun of a queued job accepted")
	}

	failed := models.JobStatusFailed
	if _, err := store.UpdateJob(ctx, job.ID, &models.JobUpdate{
		Status: &failed,
		Error:  models.NewJobError(models.ErrKindExecution, "boom"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendResults(ctx, job.ID, []models.ArtifactLocator{{NodeID: "gpu-1", RelPath: "out.png"}}); err != nil {
		t.Fatal(err)
	}

	reset, err := store.ResetJobForRerun(ctx, job.ID)
	if err != nil {
		t.Fatalf("ResetJobForRerun failed: %v", err)
	}
	if reset.Status != models.JobStatusQueued || reset.Error != nil || reset.Results != nil {
		t.Errorf("rerun reset incomplete: %+v", reset)
	}

	results, err := store.GetResults(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("result rows survive a rerun reset: %v", results)
	}
}

func TestAppendResultsIdempotent(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	job := createJob(t, store, "client-1", models.KindTextToImage)

	locators := []models.ArtifactLocator{
		{NodeID: "gpu-1", RelPath: "a.png"},
		{NodeID: "gpu-1", RelPath: "b.png"},
	}
	// A redelivered harvest writes the same rows again.
	for i := 0; i < 2; i++ {
		if err := store.AppendResults(ctx, job.ID, locators); err != nil {
			t.Fatal(err)
		}
	}

	results, err := store.GetResults(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d rows after duplicate harvest, want 2", len(results))
	}
	if results[0].RelPath != "a.png" || results[1].RelPath != "b.png" {
		t.Errorf("result order broken: %v", results)
	}
}

func TestListJobsFilters(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()

	createJob(t, store, "client-1", models.KindTextToImage)
	createJob(t, store, "client-1", models.KindImageToVideo)
	createJob(t, store, "client-2", models.KindTextToImage)

	all, err := store.ListJobs(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("ListJobs(nil) = %d jobs, want 3", len(all))
	}

	videos, err := store.ListJobs(ctx, &models.JobListOptions{Kind: models.KindImageToVideo})
	if err != nil {
		t.Fatal(err)
	}
	if len(videos) != 1 {
		t.Errorf("kind filter returned %d jobs, want 1", len(videos))
	}

	mine, err := store.ListClientJobs(ctx, "client-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 {
		t.Errorf("client scope listing returned %d jobs, want 2", len(mine))
	}

	count, err := store.CountJobs(ctx, &models.JobListOptions{ClientID: "client-2"})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("CountJobs = %d, want 1", count)
	}
}

func TestGetStats(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()

	createJob(t, store, "client-1", models.KindTextToImage)
	job := createJob(t, store, "client-1", models.KindTextToImage)
	completed := models.JobStatusCompleted
	if _, err := store.UpdateJob(ctx, job.ID, &models.JobUpdate{Status: &completed}); err != nil {
		t.Fatal(err)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.Queued != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestGetProcessingJobs(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()

	job := createJob(t, store, "client-1", models.KindTextToImage)
	createJob(t, store, "client-1", models.KindTextToImage)
	processing := models.JobStatusProcessing
	if _, err := store.UpdateJob(ctx, job.ID, &models.JobUpdate{Status: &processing}); err != nil {
		t.Fatal(err)
	}

	stuck, err := store.GetProcessingJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stuck) != 1 || stuck[0].ID != job.ID {
		t.Errorf("GetProcessingJobs = %v", stuck)
	}
}

func TestDeleteJobRemovesBothScopesAndRows(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()
	job := createJob(t, store, "client-1", models.KindTextToImage)
	if err := store.AppendResults(ctx, job.ID, []models.ArtifactLocator{{RelPath: "out.png"}}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteJob(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetJob(ctx, job.ID); err == nil {
		t.Error("global record survives delete")
	}
	if _, err := store.GetClientJob(ctx, "client-1", job.ID); err == nil {
		t.Error("client record survives delete")
	}
}

func TestDeleteTerminalJobsBefore(t *testing.T) {
	store := newTestManager(t).JobStorage()
	ctx := context.Background()

	old := createJob(t, store, "client-1", models.KindTextToImage)
	failed := models.JobStatusFailed
	if _, err := store.UpdateJob(ctx, old.ID, &models.JobUpdate{Status: &failed}); err != nil {
		t.Fatal(err)
	}
	fresh := createJob(t, store, "client-1", models.KindTextToImage)

	// A cutoff in the future catches the terminal job but never the queued one.
	deleted, err := store.DeleteTerminalJobsBefore(ctx, old.CreatedAt.Unix()+3600)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := store.GetJob(ctx, fresh.ID); err != nil {
		t.Error("retention sweep removed a non-terminal job")
	}
}
