package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ternarybob/atelier/internal/models"
)

func TestClientIDDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/jobs/job_1", nil)
	if got := ClientID(req); got != "default" {
		t.Errorf("ClientID without auth = %q, want default", got)
	}
	if got := ClientID(asClient(req, "client-1")); got != "client-1" {
		t.Errorf("ClientID = %q", got)
	}
}

func TestGetPaginationParams(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 50, 0},
		{"limit=10&offset=20", 10, 20},
		{"limit=0", 50, 0},
		{"limit=-5", 50, 0},
		{"limit=9999", 50, 0}, // above the cap, fall back
		{"limit=abc&offset=xyz", 50, 0},
		{"offset=-1", 50, 0},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs?"+tt.query, nil)
		limit, offset := GetPaginationParams(req)
		if limit != tt.wantLimit || offset != tt.wantOffset {
			t.Errorf("GetPaginationParams(%q) = (%d, %d), want (%d, %d)",
				tt.query, limit, offset, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestWriteJobErrorStatusMapping(t *testing.T) {
	tests := []struct {
		kind       models.ErrorKind
		wantStatus int
	}{
		{models.ErrKindValidation, http.StatusBadRequest},
		{models.ErrKindAuth, http.StatusUnauthorized},
		{models.ErrKindNotFound, http.StatusNotFound},
		{models.ErrKindTransport, http.StatusInternalServerError},
		{models.ErrKindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		WriteJobError(rec, models.NewJobError(tt.kind, "boom"))
		if rec.Code != tt.wantStatus {
			t.Errorf("kind %s -> status %d, want %d", tt.kind, rec.Code, tt.wantStatus)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
	}
}
