// -----------------------------------------------------------------------
// Job Storage - two-scope durable job records over badgerhold
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// GlobalJobRecord is the authoritative job row, keyed by job ID. Query
// fields are lifted to the top level so listings never deserialise the
// full job just to filter.
type GlobalJobRecord struct {
	ID        string
	ClientID  string
	Status    models.JobStatus
	Kind      models.JobKind
	CreatedAt time.Time
	Job       models.Job
}

// ClientJobRecord mirrors the job under the client scope, keyed by
// "<client-id>/<job-id>". Client-facing reads never touch the global scope.
type ClientJobRecord struct {
	ClientID  string
	JobID     string
	Status    models.JobStatus
	Kind      models.JobKind
	CreatedAt time.Time
	Job       models.Job
}

// JobParamRow is one submitted parameter, keyed "<seq>/<name>". The row key
// makes parameter names unique per job by construction.
type JobParamRow struct {
	Seq   uint64
	Name  string
	Value string // JSON-encoded
}

// JobResultRow is one harvested artifact locator, keyed "<seq>/<index>".
// Upserting on that key makes result appends idempotent per (job, index).
type JobResultRow struct {
	Seq     uint64
	Index   int
	Locator models.ArtifactLocator
}

// JobStorage implements interfaces.JobStorage over Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func clientKey(clientID, jobID string) string {
	return clientID + "/" + jobID
}

func paramKey(seq uint64, name string) string {
	return fmt.Sprintf("%020d/%s", seq, name)
}

func resultKey(seq uint64, index int) string {
	return fmt.Sprintf("%020d/%06d", seq, index)
}

// upsertBothScopes writes the job to the global and client scopes. Badger
// transactions cover both writes, so the scopes never diverge.
func (s *JobStorage) upsertBothScopes(job *models.Job) error {
	global := &GlobalJobRecord{
		ID:        job.ID,
		ClientID:  job.ClientID,
		Status:    job.Status,
		Kind:      job.Kind,
		CreatedAt: job.CreatedAt,
		Job:       *job,
	}
	client := &ClientJobRecord{
		ClientID:  job.ClientID,
		JobID:     job.ID,
		Status:    job.Status,
		Kind:      job.Kind,
		CreatedAt: job.CreatedAt,
		Job:       *job,
	}

	tx := s.db.Store().Badger().NewTransaction(true)
	defer tx.Discard()

	if err := s.db.Store().TxUpsert(tx, job.ID, global); err != nil {
		return fmt.Errorf("failed to upsert global job record: %w", err)
	}
	if err := s.db.Store().TxUpsert(tx, clientKey(job.ClientID, job.ID), client); err != nil {
		return fmt.Errorf("failed to upsert client job record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job upsert: %w", err)
	}
	return nil
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.ClientID == "" {
		return fmt.Errorf("job client ID is required")
	}

	seq, err := s.db.NextSeq("jobs")
	if err != nil {
		return err
	}
	job.Seq = seq

	if err := s.upsertBothScopes(job); err != nil {
		return err
	}

	// Parameter side table: one row per submitted parameter.
	for name, value := range job.Params {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode parameter %s: %w", name, err)
		}
		row := &JobParamRow{Seq: seq, Name: name, Value: string(encoded)}
		if err := s.db.Store().Upsert(paramKey(seq, name), row); err != nil {
			return fmt.Errorf("failed to save parameter %s: %w", name, err)
		}
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("client_id", job.ClientID).
		Str("kind", string(job.Kind)).
		Msg("Job created")
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var record GlobalJobRecord
	if err := s.db.Store().Get(jobID, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewJobError(models.ErrKindNotFound, "job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	job := record.Job
	return &job, nil
}

func (s *JobStorage) GetClientJob(ctx context.Context, clientID, jobID string) (*models.Job, error) {
	var record ClientJobRecord
	if err := s.db.Store().Get(clientKey(clientID, jobID), &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewJobError(models.ErrKindNotFound, "job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get client job: %w", err)
	}
	job := record.Job
	return &job, nil
}

// UpdateJob applies a partial update and returns the stored job. Progress
// never moves backwards within a run, and terminal statuses are sticky
// against late monitor writes. A write that starts a run (status queued or
// processing) may reset progress so recovered and rerun jobs do not carry
// stale progress into their next run.
func (s *JobStorage) UpdateJob(ctx context.Context, jobID string, update *models.JobUpdate) (*models.Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status.IsTerminal() && update.Status != nil && !update.Status.IsTerminal() {
		return job, nil
	}

	startsRun := update.Status != nil &&
		(*update.Status == models.JobStatusQueued || *update.Status == models.JobStatusProcessing)

	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Progress != nil && (startsRun || *update.Progress > job.Progress) {
		job.Progress = *update.Progress
	}
	if update.Message != nil {
		job.Message = *update.Message
	}
	if update.Error != nil {
		job.Error = update.Error
	}
	if update.NodeID != nil {
		job.NodeID = *update.NodeID
	}
	if update.PromptID != nil {
		job.PromptID = *update.PromptID
	}
	if update.StartedAt != nil {
		job.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		job.CompletedAt = update.CompletedAt
	}
	// Progress 100 is reserved for completed jobs; a monitor forwarding
	// value==max before the run is over gets capped.
	if job.Status == models.JobStatusCompleted {
		job.Progress = 100
	} else if job.Progress > 99 {
		job.Progress = 99
	}
	job.UpdatedAt = time.Now()

	if err := s.upsertBothScopes(job); err != nil {
		return nil, err
	}
	return job, nil
}

// ResetJobForRerun returns a terminal job to queued and clears its result
// rows so the next harvest starts from index zero.
func (s *JobStorage) ResetJobForRerun(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, models.NewJobError(models.ErrKindValidation,
			"job %s is %s; only terminal jobs can be rerun", jobID, job.Status)
	}

	if err := s.deleteResultRows(job.Seq); err != nil {
		return nil, err
	}

	job.ResetForRerun()
	if err := s.upsertBothScopes(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if err := s.db.Store().Delete(jobID, &GlobalJobRecord{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete global job record: %w", err)
	}
	if err := s.db.Store().Delete(clientKey(job.ClientID, jobID), &ClientJobRecord{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete client job record: %w", err)
	}
	if err := s.db.Store().DeleteMatching(&JobParamRow{}, badgerhold.Where("Seq").Eq(job.Seq)); err != nil {
		return fmt.Errorf("failed to delete parameter rows: %w", err)
	}
	return s.deleteResultRows(job.Seq)
}

func (s *JobStorage) deleteResultRows(seq uint64) error {
	if err := s.db.Store().DeleteMatching(&JobResultRow{}, badgerhold.Where("Seq").Eq(seq)); err != nil {
		return fmt.Errorf("failed to delete result rows: %w", err)
	}
	return nil
}

// AppendResults stores harvested locators. Rows are keyed (seq, index), so
// a redelivered harvest overwrites rather than duplicates.
func (s *JobStorage) AppendResults(ctx context.Context, jobID string, results []models.ArtifactLocator) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	for i, loc := range results {
		row := &JobResultRow{Seq: job.Seq, Index: i, Locator: loc}
		if err := s.db.Store().Upsert(resultKey(job.Seq, i), row); err != nil {
			return fmt.Errorf("failed to save result %d: %w", i, err)
		}
	}

	job.Results = append([]models.ArtifactLocator(nil), results...)
	job.UpdatedAt = time.Now()
	return s.upsertBothScopes(job)
}

func (s *JobStorage) GetResults(ctx context.Context, jobID string) ([]models.ArtifactLocator, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var rows []JobResultRow
	if err := s.db.Store().Find(&rows, badgerhold.Where("Seq").Eq(job.Seq).SortBy("Index")); err != nil {
		return nil, fmt.Errorf("failed to load result rows: %w", err)
	}

	locators := make([]models.ArtifactLocator, len(rows))
	for i, row := range rows {
		locators[i] = row.Locator
	}
	return locators, nil
}

func buildJobQuery(opts *models.JobListOptions) *badgerhold.Query {
	query := badgerhold.Where("ID").Ne("")
	if opts != nil {
		if opts.ClientID != "" {
			query = query.And("ClientID").Eq(opts.ClientID)
		}
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.Kind != "" {
			query = query.And("Kind").Eq(opts.Kind)
		}
	}
	return query
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *models.JobListOptions) ([]*models.Job, error) {
	query := buildJobQuery(opts).SortBy("CreatedAt").Reverse()
	if opts != nil {
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	}

	var records []GlobalJobRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*models.Job, len(records))
	for i := range records {
		job := records[i].Job
		jobs[i] = &job
	}
	return jobs, nil
}

func (s *JobStorage) ListClientJobs(ctx context.Context, clientID string, opts *models.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("ClientID").Eq(clientID)
	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.Kind != "" {
			query = query.And("Kind").Eq(opts.Kind)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()
	if opts != nil {
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	}

	var records []ClientJobRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list client jobs: %w", err)
	}

	jobs := make([]*models.Job, len(records))
	for i := range records {
		job := records[i].Job
		jobs[i] = &job
	}
	return jobs, nil
}

func (s *JobStorage) CountJobs(ctx context.Context, opts *models.JobListOptions) (int, error) {
	count, err := s.db.Store().Count(&GlobalJobRecord{}, buildJobQuery(opts))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func (s *JobStorage) GetStats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}
	for _, entry := range []struct {
		status models.JobStatus
		target *int
	}{
		{models.JobStatusQueued, &stats.Queued},
		{models.JobStatusProcessing, &stats.Processing},
		{models.JobStatusCompleted, &stats.Completed},
		{models.JobStatusFailed, &stats.Failed},
		{models.JobStatusCancelled, &stats.Cancelled},
	} {
		count, err := s.db.Store().Count(&GlobalJobRecord{}, badgerhold.Where("Status").Eq(entry.status))
		if err != nil {
			return nil, fmt.Errorf("failed to count %s jobs: %w", entry.status, err)
		}
		*entry.target = int(count)
		stats.Total += int(count)
	}
	return stats, nil
}

func (s *JobStorage) GetProcessingJobs(ctx context.Context) ([]*models.Job, error) {
	var records []GlobalJobRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("Status").Eq(models.JobStatusProcessing)); err != nil {
		return nil, fmt.Errorf("failed to find processing jobs: %w", err)
	}

	jobs := make([]*models.Job, len(records))
	for i := range records {
		job := records[i].Job
		jobs[i] = &job
	}
	return jobs, nil
}

// DeleteTerminalJobsBefore removes terminal jobs created before the cutoff.
// Used by the maintenance sweep.
func (s *JobStorage) DeleteTerminalJobsBefore(ctx context.Context, cutoffUnix int64) (int, error) {
	cutoff := time.Unix(cutoffUnix, 0)

	var records []GlobalJobRecord
	query := badgerhold.Where("Status").In(
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled).
		And("CreatedAt").Lt(cutoff)
	if err := s.db.Store().Find(&records, query); err != nil {
		return 0, fmt.Errorf("failed to find expired jobs: %w", err)
	}

	deleted := 0
	for i := range records {
		if err := s.DeleteJob(ctx, records[i].ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", records[i].ID).Msg("Failed to delete expired job")
			continue
		}
		deleted++
	}
	return deleted, nil
}
