// -----------------------------------------------------------------------
// Queue Message - the immutable descriptor enqueued per job execution
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobMessage is the descriptor the intake enqueues after the Job Store
// persist succeeds and the worker pool consumes. Delivery is at-least-once;
// the consumer acknowledges after the job reaches a terminal status.
type JobMessage struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Kind       JobKind   `json:"kind"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewJobMessage creates a queue message for a persisted job.
func NewJobMessage(job *Job) *JobMessage {
	return &JobMessage{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		Kind:       job.Kind,
		Priority:   job.Priority,
		EnqueuedAt: time.Now(),
	}
}

// ToJSON serialises the message for queue storage.
func (m *JobMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job message: %w", err)
	}
	return data, nil
}

// JobMessageFromJSON deserialises a queue message.
func JobMessageFromJSON(data []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job message: %w", err)
	}
	return &msg, nil
}
