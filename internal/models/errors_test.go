package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestJobErrorRetriable(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		retriable bool
	}{
		{ErrKindValidation, false},
		{ErrKindAuth, false},
		{ErrKindNotFound, false},
		{ErrKindNoNode, true},
		{ErrKindSubmit, true},
		{ErrKindExecution, false},
		{ErrKindTimeout, true},
		{ErrKindNoOutput, false},
		{ErrKindTransport, true},
		{ErrKindInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			je := NewJobError(tt.kind, "boom")
			if je.Retriable() != tt.retriable {
				t.Errorf("Retriable() for %s = %v, want %v", tt.kind, je.Retriable(), tt.retriable)
			}
		})
	}
}

func TestJobErrorMessage(t *testing.T) {
	je := NewJobError(ErrKindSubmit, "node %s returned %d", "gpu-1", 502)
	if je.Message != "node gpu-1 returned 502" {
		t.Errorf("unexpected message: %s", je.Message)
	}
	if je.Error() != "submit: node gpu-1 returned 502" {
		t.Errorf("unexpected Error(): %s", je.Error())
	}
}

func TestAsJobError(t *testing.T) {
	if AsJobError(nil) != nil {
		t.Error("AsJobError(nil) should be nil")
	}

	je := NewJobError(ErrKindTimeout, "deadline")
	got := AsJobError(fmt.Errorf("wrapped: %w", je))
	if got.Kind != ErrKindTimeout {
		t.Errorf("wrapped JobError lost its kind: %s", got.Kind)
	}

	plain := AsJobError(errors.New("disk full"))
	if plain.Kind != ErrKindInternal {
		t.Errorf("plain error should map to internal, got %s", plain.Kind)
	}
	if plain.Message != "disk full" {
		t.Errorf("plain error message lost: %s", plain.Message)
	}
}
