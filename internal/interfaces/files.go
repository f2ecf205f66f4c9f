package interfaces

import (
	"context"
	"io"
	"mime/multipart"

	"github.com/ternarybob/atelier/internal/models"
)

// FileService owns the file plane: client uploads, artifact retrieval and
// scoped download tokens for node-initiated fetches.
type FileService interface {
	// SaveUpload stores one multipart part under the date-partitioned
	// uploads layout and records it.
	SaveUpload(ctx context.Context, clientID string, fh *multipart.FileHeader) (*models.Upload, error)

	// OpenUpload resolves an upload by id and opens its bytes.
	OpenUpload(ctx context.Context, id string) (*models.Upload, io.ReadCloser, error)

	// OpenUploadByPath resolves a date-partitioned relative path, rejecting
	// any path that escapes the uploads root.
	OpenUploadByPath(ctx context.Context, relPath string) (*models.Upload, io.ReadCloser, error)

	ListUploads(ctx context.Context, clientID string, limit, offset int) ([]*models.Upload, error)
	DeleteUpload(ctx context.Context, id string) error

	// OpenArtifact opens a result byte-stream, either from the local
	// filesystem or proxied from the producing node.
	OpenArtifact(ctx context.Context, loc models.ArtifactLocator) (io.ReadCloser, string, error)

	// Download tokens scope node-initiated fetches to one upload path.
	MintDownloadToken(relPath string) string
	VerifyDownloadToken(token, relPath string) bool
}
