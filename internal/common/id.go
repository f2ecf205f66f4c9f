package common

import (
	"github.com/google/uuid"
)

// NewUploadID generates a unique upload ID with the "file_" prefix
// Format: file_<uuid>
func NewUploadID() string {
	return "file_" + uuid.New().String()
}

// NewClientID generates an ephemeral WebSocket client ID for node monitors
func NewClientID() string {
	return uuid.New().String()
}
