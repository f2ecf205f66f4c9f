// -----------------------------------------------------------------------
// File Service - upload ingest, artifact egress and download tokens
// -----------------------------------------------------------------------

package files

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/common"
	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// NodeFetcher proxies one artifact from a backend node.
type NodeFetcher interface {
	View(ctx context.Context, node *models.Node, filename, subfolder string) (io.ReadCloser, string, error)
}

// Service implements interfaces.FileService. Uploads live under a
// date-partitioned tree whose layout nodes mirror exactly; artifacts are
// served locally in single-node mode and proxied from nodes in fleet mode.
type Service struct {
	uploadsDir  string
	outputDir   string // single-node artifact root, may be empty in fleet mode
	maxSize     int64
	secret      []byte
	tokenTTL    time.Duration
	baseURL     string
	uploadStore interfaces.UploadStorage
	nodeMgr     interfaces.NodeManager
	fetcher     NodeFetcher
	cache       *artifactCache
	logger      arbor.ILogger
}

// Options configures the file service.
type Options struct {
	UploadsDir     string
	OutputDir      string
	MaxSizeMB      int
	DownloadSecret string
	TokenTTL       time.Duration
	BaseURL        string
	CacheEnabled   bool
	CacheTTL       time.Duration
}

// NewService creates the file service. An empty download secret gets a
// random one, which invalidates outstanding tokens on restart.
func NewService(opts Options, uploadStore interfaces.UploadStorage, nodeMgr interfaces.NodeManager, fetcher NodeFetcher, logger arbor.ILogger) (*Service, error) {
	if err := os.MkdirAll(opts.UploadsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}

	secret := []byte(opts.DownloadSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate download secret: %w", err)
		}
		logger.Warn().Msg("No download secret configured; using an ephemeral one")
	}

	maxSize := int64(opts.MaxSizeMB)
	if maxSize <= 0 {
		maxSize = 50
	}

	var cache *artifactCache
	if opts.CacheEnabled {
		cache = newArtifactCache(opts.CacheTTL)
	}

	return &Service{
		uploadsDir:  opts.UploadsDir,
		outputDir:   opts.OutputDir,
		maxSize:     maxSize * 1024 * 1024,
		secret:      secret,
		tokenTTL:    opts.TokenTTL,
		baseURL:     opts.BaseURL,
		uploadStore: uploadStore,
		nodeMgr:     nodeMgr,
		fetcher:     fetcher,
		cache:       cache,
		logger:      logger,
	}, nil
}

// SaveUpload stores one multipart part under YYYY/MM/DD/HHMMSS_<8hex>.<ext>
// and records it.
func (s *Service) SaveUpload(ctx context.Context, clientID string, fh *multipart.FileHeader) (*models.Upload, error) {
	if fh.Size > s.maxSize {
		return nil, models.NewJobError(models.ErrKindValidation,
			"file %s exceeds the %d byte upload limit", fh.Filename, s.maxSize)
	}

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer src.Close()

	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if ext == "" {
		ext = ".bin"
	}

	now := time.Now()
	rand8 := make([]byte, 4)
	if _, err := rand.Read(rand8); err != nil {
		return nil, fmt.Errorf("failed to generate file suffix: %w", err)
	}
	relPath := path.Join(
		now.Format("2006/01/02"),
		fmt.Sprintf("%s_%s%s", now.Format("150405"), hex.EncodeToString(rand8), ext),
	)

	absPath := filepath.Join(s.uploadsDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	dst, err := os.Create(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}
	written, err := io.Copy(dst, io.LimitReader(src, s.maxSize+1))
	dst.Close()
	if err != nil {
		os.Remove(absPath)
		return nil, fmt.Errorf("failed to write upload file: %w", err)
	}
	if written > s.maxSize {
		os.Remove(absPath)
		return nil, models.NewJobError(models.ErrKindValidation,
			"file %s exceeds the %d byte upload limit", fh.Filename, s.maxSize)
	}

	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(ext)
	}

	upload := &models.Upload{
		ID:           common.NewUploadID(),
		ClientID:     clientID,
		OriginalName: fh.Filename,
		Path:         relPath,
		Size:         written,
		MimeType:     mimeType,
		CreatedAt:    now,
	}
	if err := s.uploadStore.SaveUpload(ctx, upload); err != nil {
		os.Remove(absPath)
		return nil, err
	}

	s.logger.Debug().
		Str("upload_id", upload.ID).
		Str("path", relPath).
		Int64("size", written).
		Msg("Upload stored")
	return upload, nil
}

func (s *Service) OpenUpload(ctx context.Context, id string) (*models.Upload, io.ReadCloser, error) {
	upload, err := s.uploadStore.GetUpload(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(s.uploadsDir, filepath.FromSlash(upload.Path)))
	if err != nil {
		return nil, nil, models.NewJobError(models.ErrKindNotFound, "upload bytes missing: %s", id)
	}
	return upload, f, nil
}

// OpenUploadByPath resolves a relative path in either separator style,
// rejecting traversal outside the uploads root.
func (s *Service) OpenUploadByPath(ctx context.Context, relPath string) (*models.Upload, io.ReadCloser, error) {
	normalised, err := s.normaliseRelPath(relPath)
	if err != nil {
		return nil, nil, err
	}

	upload, err := s.uploadStore.GetUploadByPath(ctx, normalised)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(s.uploadsDir, filepath.FromSlash(normalised)))
	if err != nil {
		return nil, nil, models.NewJobError(models.ErrKindNotFound, "upload bytes missing: %s", normalised)
	}
	return upload, f, nil
}

func (s *Service) normaliseRelPath(relPath string) (string, error) {
	normalised := path.Clean(strings.ReplaceAll(relPath, `\`, "/"))
	if normalised == "." || strings.HasPrefix(normalised, "..") || path.IsAbs(normalised) {
		return "", models.NewJobError(models.ErrKindValidation, "invalid file path: %s", relPath)
	}
	return normalised, nil
}

func (s *Service) ListUploads(ctx context.Context, clientID string, limit, offset int) ([]*models.Upload, error) {
	return s.uploadStore.ListUploads(ctx, clientID, limit, offset)
}

func (s *Service) DeleteUpload(ctx context.Context, id string) error {
	upload, err := s.uploadStore.GetUpload(ctx, id)
	if err != nil {
		return err
	}
	if err := s.uploadStore.DeleteUpload(ctx, id); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.uploadsDir, filepath.FromSlash(upload.Path))); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("upload_id", id).Msg("Failed to remove upload bytes")
	}
	return nil
}

// RemoveUploadBytes deletes the stored file for an already-deleted record.
// Used by the maintenance sweep.
func (s *Service) RemoveUploadBytes(upload *models.Upload) {
	if err := os.Remove(filepath.Join(s.uploadsDir, filepath.FromSlash(upload.Path))); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("upload_id", upload.ID).Msg("Failed to remove expired upload bytes")
	}
}

// OpenArtifact returns a result byte-stream. Local locators open the
// shared filesystem; fleet locators proxy from the producing node, falling
// back to any other online node since some fleets share storage.
func (s *Service) OpenArtifact(ctx context.Context, loc models.ArtifactLocator) (io.ReadCloser, string, error) {
	if loc.IsLocal() {
		abs := loc.RelPath
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(s.outputDir, filepath.FromSlash(abs))
		}
		f, err := os.Open(abs)
		if err != nil {
			return nil, "", models.NewJobError(models.ErrKindNotFound, "artifact missing: %s", loc.RelPath)
		}
		return f, mime.TypeByExtension(strings.ToLower(filepath.Ext(abs))), nil
	}

	if s.cache != nil {
		if rc, contentType, ok := s.cache.get(loc); ok {
			return rc, contentType, nil
		}
	}

	filename, subfolder := splitLocator(loc.RelPath)

	// Producing node first, then any other online node.
	tried := map[string]bool{}
	var candidates []*models.Node
	if node, err := s.nodeMgr.GetNode(loc.NodeID); err == nil {
		candidates = append(candidates, node)
	}
	for _, node := range s.nodeMgr.ListNodes() {
		if node.Status == models.NodeStatusOnline && node.ID != loc.NodeID {
			candidates = append(candidates, node)
		}
	}

	for _, node := range candidates {
		if tried[node.ID] {
			continue
		}
		tried[node.ID] = true

		rc, contentType, err := s.fetcher.View(ctx, node, filename, subfolder)
		if err != nil {
			s.logger.Debug().
				Err(err).
				Str("node_id", node.ID).
				Str("rel_path", loc.RelPath).
				Msg("Artifact fetch failed; trying next node")
			continue
		}
		if contentType == "" {
			contentType = mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
		}
		if s.cache != nil {
			return s.cache.tee(loc, rc, contentType), contentType, nil
		}
		return rc, contentType, nil
	}

	return nil, "", models.NewJobError(models.ErrKindNotFound, "artifact unavailable: %s", loc.RelPath)
}

// splitLocator splits a node-reported relative path into filename and
// subfolder on the last separator of either style, preserving the native
// separator inside the subfolder.
func splitLocator(relPath string) (filename, subfolder string) {
	idx := strings.LastIndexAny(relPath, `/\`)
	if idx < 0 {
		return relPath, ""
	}
	return relPath[idx+1:], relPath[:idx]
}

// DownloadURL builds the orchestrator URL a node fetches an upload from,
// with its scoped token attached.
func (s *Service) DownloadURL(relPath string) string {
	return fmt.Sprintf("%s/files/upload/path/%s?token=%s", s.baseURL, relPath, s.MintDownloadToken(relPath))
}

// MintDownloadToken signs a token scoped to one upload path.
// Format: <expiry-unix>.<hex hmac-sha256(secret, path|expiry)>.
func (s *Service) MintDownloadToken(relPath string) string {
	ttl := s.tokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	expiry := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%d.%s", expiry, s.sign(relPath, expiry))
}

// VerifyDownloadToken checks a token against the requested path.
func (s *Service) VerifyDownloadToken(token, relPath string) bool {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return false
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || time.Now().Unix() > expiry {
		return false
	}
	expected := s.sign(relPath, expiry)
	return hmac.Equal([]byte(expected), []byte(parts[1]))
}

func (s *Service) sign(relPath string, expiry int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%d", relPath, expiry)
	return hex.EncodeToString(mac.Sum(nil))
}
