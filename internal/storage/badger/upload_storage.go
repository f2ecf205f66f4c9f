// -----------------------------------------------------------------------
// Upload Storage - client input file records over badgerhold
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// UploadRecord is one stored upload, keyed by upload ID.
type UploadRecord struct {
	ID        string
	ClientID  string
	Path      string
	CreatedAt time.Time
	Upload    models.Upload
}

// UploadStorage implements interfaces.UploadStorage over Badger
type UploadStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewUploadStorage creates a new UploadStorage instance
func NewUploadStorage(db *BadgerDB, logger arbor.ILogger) interfaces.UploadStorage {
	return &UploadStorage{
		db:     db,
		logger: logger,
	}
}

func (s *UploadStorage) SaveUpload(ctx context.Context, upload *models.Upload) error {
	if upload.ID == "" {
		return fmt.Errorf("upload ID is required")
	}
	record := &UploadRecord{
		ID:        upload.ID,
		ClientID:  upload.ClientID,
		Path:      upload.Path,
		CreatedAt: upload.CreatedAt,
		Upload:    *upload,
	}
	if err := s.db.Store().Upsert(upload.ID, record); err != nil {
		return fmt.Errorf("failed to save upload: %w", err)
	}
	return nil
}

func (s *UploadStorage) GetUpload(ctx context.Context, id string) (*models.Upload, error) {
	var record UploadRecord
	if err := s.db.Store().Get(id, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewJobError(models.ErrKindNotFound, "upload not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	upload := record.Upload
	return &upload, nil
}

func (s *UploadStorage) GetUploadByPath(ctx context.Context, relPath string) (*models.Upload, error) {
	var records []UploadRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("Path").Eq(relPath).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find upload by path: %w", err)
	}
	if len(records) == 0 {
		return nil, models.NewJobError(models.ErrKindNotFound, "upload not found: %s", relPath)
	}
	upload := records[0].Upload
	return &upload, nil
}

func (s *UploadStorage) ListUploads(ctx context.Context, clientID string, limit, offset int) ([]*models.Upload, error) {
	query := badgerhold.Where("ID").Ne("")
	if clientID != "" {
		query = badgerhold.Where("ClientID").Eq(clientID)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if offset > 0 {
		query = query.Skip(offset)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []UploadRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}

	uploads := make([]*models.Upload, len(records))
	for i := range records {
		upload := records[i].Upload
		uploads[i] = &upload
	}
	return uploads, nil
}

func (s *UploadStorage) DeleteUpload(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &UploadRecord{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.NewJobError(models.ErrKindNotFound, "upload not found: %s", id)
		}
		return fmt.Errorf("failed to delete upload: %w", err)
	}
	return nil
}

// DeleteUploadsBefore removes upload records older than the cutoff and
// returns them so the file service can remove the bytes too.
func (s *UploadStorage) DeleteUploadsBefore(ctx context.Context, cutoffUnix int64) ([]*models.Upload, error) {
	cutoff := time.Unix(cutoffUnix, 0)

	var records []UploadRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("CreatedAt").Lt(cutoff)); err != nil {
		return nil, fmt.Errorf("failed to find expired uploads: %w", err)
	}

	deleted := make([]*models.Upload, 0, len(records))
	for i := range records {
		if err := s.db.Store().Delete(records[i].ID, &UploadRecord{}); err != nil {
			s.logger.Warn().Err(err).Str("upload_id", records[i].ID).Msg("Failed to delete expired upload")
			continue
		}
		upload := records[i].Upload
		deleted = append(deleted, &upload)
	}
	return deleted, nil
}
