// -----------------------------------------------------------------------
// Job - a single generation request and its lifecycle state
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// JobKind identifies the category of inference a job requires. It selects
// the queue partition the job is dispatched through and the node capability
// set that may serve it.
type JobKind string

const (
	KindTextToImage  JobKind = "text-to-image"
	KindImageToVideo JobKind = "image-to-video"
)

// KnownKinds lists every kind the orchestrator dispatches.
var KnownKinds = []JobKind{KindTextToImage, KindImageToVideo}

// IsKnownKind reports whether k is a dispatchable job kind.
func IsKnownKind(k JobKind) bool {
	for _, known := range KnownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// JobStatus is the lifecycle state of a job. Transitions are monotonic
// except that a rerun resets a terminal job back to queued.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether s is a terminal status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobSource distinguishes who submitted a job.
type JobSource string

const (
	SourceClient JobSource = "client"
	SourceSystem JobSource = "system"
)

// ArtifactLocator is a value sufficient to fetch one result byte-stream.
// In fleet mode NodeID names the node that produced the artifact and
// RelPath is the node's reported relative path, preserved verbatim
// (including the node's native separator) because it is passed back to the
// node when re-fetching. In single-node mode NodeID is empty and RelPath
// is an absolute path on the shared filesystem.
type ArtifactLocator struct {
	NodeID  string `json:"node_id,omitempty"`
	RelPath string `json:"rel_path"`
}

// IsLocal reports whether the artifact lives on the orchestrator's own
// filesystem rather than behind a node.
func (a ArtifactLocator) IsLocal() bool {
	return a.NodeID == ""
}

// Job is a single request to produce one or more artifacts.
type Job struct {
	ID       string `json:"id"`
	Seq      uint64 `json:"seq"`                 // storage sequence, keys the parameter and result side tables
	PromptID string `json:"prompt_id,omitempty"` // backend correlation id assigned at dispatch

	Kind     JobKind   `json:"kind"`
	ClientID string    `json:"client_id"`
	Source   JobSource `json:"source"`

	WorkflowName string                 `json:"workflow_name"`
	Params       map[string]interface{} `json:"params"`

	Status   JobStatus `json:"status"`
	Progress float64   `json:"progress"` // [0,100]; 100 iff completed
	Message  string    `json:"message,omitempty"`

	Priority int    `json:"priority"`
	NodeID   string `json:"node_id,omitempty"` // node currently or last handling the job

	Error   *JobError         `json:"error,omitempty"`
	Results []ArtifactLocator `json:"results,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewJob creates a queued job for a client submission.
func NewJob(kind JobKind, clientID, workflowName string, params map[string]interface{}, priority int) *Job {
	if params == nil {
		params = make(map[string]interface{})
	}
	now := time.Now()
	return &Job{
		ID:           "job_" + uuid.New().String(),
		Kind:         kind,
		ClientID:     clientID,
		Source:       SourceClient,
		WorkflowName: workflowName,
		Params:       params,
		Status:       JobStatusQueued,
		Priority:     priority,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ResetForRerun returns a terminal job to queued, preserving parameters,
// priority and created-at while clearing every run-specific field.
func (j *Job) ResetForRerun() {
	j.Status = JobStatusQueued
	j.Progress = 0
	j.Message = ""
	j.Error = nil
	j.Results = nil
	j.NodeID = ""
	j.PromptID = ""
	j.StartedAt = nil
	j.CompletedAt = nil
	j.UpdatedAt = time.Now()
}

// JobUpdate is a partial update applied to a stored job. Nil fields are
// preserved.
type JobUpdate struct {
	Status      *JobStatus
	Progress    *float64
	Message     *string
	Error       *JobError
	NodeID      *string
	PromptID    *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// JobListOptions filters job listings.
type JobListOptions struct {
	ClientID string
	Status   JobStatus
	Kind     JobKind
	Limit    int
	Offset   int
}

// JobStats aggregates job counts per status.
type JobStats struct {
	Total      int `json:"total_jobs"`
	Queued     int `json:"queued_jobs"`
	Processing int `json:"processing_jobs"`
	Completed  int `json:"completed_jobs"`
	Failed     int `json:"failed_jobs"`
	Cancelled  int `json:"cancelled_jobs"`
}
