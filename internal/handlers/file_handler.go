// -----------------------------------------------------------------------
// File Handler - uploads and the file plane egress endpoints
// -----------------------------------------------------------------------

package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// FileHandler serves uploads and file retrieval.
type FileHandler struct {
	files  interfaces.FileService
	logger arbor.ILogger
}

// NewFileHandler creates a file handler.
func NewFileHandler(files interfaces.FileService, logger arbor.ILogger) *FileHandler {
	return &FileHandler{files: files, logger: logger}
}

// Upload handles POST /uploads (multipart, field name "file").
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		WriteError(w, http.StatusBadRequest, models.ErrKindValidation, "invalid multipart body")
		return
	}
	_, fh, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, models.ErrKindValidation, `multipart field "file" is required`)
		return
	}

	upload, err := h.files.SaveUpload(r.Context(), ClientID(r), fh)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, upload)
}

// ListUploads handles GET /uploads.
func (h *FileHandler) ListUploads(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	limit, offset := GetPaginationParams(r)
	uploads, err := h.files.ListUploads(r.Context(), ClientID(r), limit, offset)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"uploads": uploads})
}

// HandleUploadsRoute dispatches POST and GET on /uploads.
func (h *FileHandler) HandleUploadsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.Upload(w, r)
	case http.MethodGet:
		h.ListUploads(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// GetByID handles GET /files/{file-id}.
func (h *FileHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/files/")
	if id == "" || strings.Contains(id, "/") {
		WriteError(w, http.StatusNotFound, models.ErrKindNotFound, "file id is required")
		return
	}

	upload, rc, err := h.files.OpenUpload(r.Context(), id)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	defer rc.Close()
	h.serve(w, upload, rc)
}

// GetByPath handles GET /files/upload/path/<relative-path>. Nodes present
// the scoped download token minted into their file_downloads instruction;
// authenticated clients pass through the normal auth middleware.
func (h *FileHandler) GetByPath(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	relPath := strings.TrimPrefix(r.URL.Path, "/files/upload/path/")
	if relPath == "" {
		WriteError(w, http.StatusNotFound, models.ErrKindNotFound, "file path is required")
		return
	}

	upload, rc, err := h.files.OpenUploadByPath(r.Context(), relPath)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	defer rc.Close()
	h.serve(w, upload, rc)
}

func (h *FileHandler) serve(w http.ResponseWriter, upload *models.Upload, rc io.Reader) {
	contentType := upload.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	setArtifactCacheHeaders(w, contentType)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Debug().Err(err).Str("upload_id", upload.ID).Msg("Upload stream interrupted")
	}
}
