package badger

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/atelier/internal/models"
)

func sampleUpload(id, clientID, relPath string, createdAt time.Time) *models.Upload {
	return &models.Upload{
		ID:           id,
		ClientID:     clientID,
		OriginalName: "photo.png",
		Path:         relPath,
		Size:         1024,
		MimeType:     "image/png",
		CreatedAt:    createdAt,
	}
}

func TestUploadSaveGetDelete(t *testing.T) {
	store := newTestManager(t).UploadStorage()
	ctx := context.Background()

	up := sampleUpload("file_1", "client-1", "2026/08/24/120000_aabbccdd.png", time.Now())
	if err := store.SaveUpload(ctx, up); err != nil {
		t.Fatalf("SaveUpload failed: %v", err)
	}

	got, err := store.GetUpload(ctx, "file_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != up.Path || got.ClientID != "client-1" {
		t.Errorf("stored upload = %+v", got)
	}

	byPath, err := store.GetUploadByPath(ctx, up.Path)
	if err != nil {
		t.Fatal(err)
	}
	if byPath.ID != "file_1" {
		t.Errorf("path lookup returned %s", byPath.ID)
	}

	if err := store.DeleteUpload(ctx, "file_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetUpload(ctx, "file_1"); err == nil {
		t.Error("deleted upload still readable")
	}
	if err := store.DeleteUpload(ctx, "file_1"); models.AsJobError(err).Kind != models.ErrKindNotFound {
		t.Errorf("repeat delete error kind = %v", err)
	}
}

func TestUploadNotFoundKinds(t *testing.T) {
	store := newTestManager(t).UploadStorage()
	ctx := context.Background()

	_, err := store.GetUpload(ctx, "file_nope")
	if models.AsJobError(err).Kind != models.ErrKindNotFound {
		t.Errorf("GetUpload error kind = %s, want not-found", models.AsJobError(err).Kind)
	}
	_, err = store.GetUploadByPath(ctx, "2026/01/01/missing.png")
	if models.AsJobError(err).Kind != models.ErrKindNotFound {
		t.Errorf("GetUploadByPath error kind = %s, want not-found", models.AsJobError(err).Kind)
	}
}

func TestListUploadsByClient(t *testing.T) {
	store := newTestManager(t).UploadStorage()
	ctx := context.Background()

	now := time.Now()
	for i, spec := range []struct{ id, client string }{
		{"file_1", "client-1"},
		{"file_2", "client-1"},
		{"file_3", "client-2"},
	} {
		up := sampleUpload(spec.id, spec.client, "2026/08/24/"+spec.id+".png", now.Add(time.Duration(i)*time.Second))
		if err := store.SaveUpload(ctx, up); err != nil {
			t.Fatal(err)
		}
	}

	mine, err := store.ListUploads(ctx, "client-1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 {
		t.Errorf("client listing returned %d uploads, want 2", len(mine))
	}
	// Newest first.
	if len(mine) == 2 && mine[0].ID != "file_2" {
		t.Errorf("listing order = %s first, want file_2", mine[0].ID)
	}

	limited, err := store.ListUploads(ctx, "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limit ignored, got %d uploads", len(limited))
	}
}

func TestDeleteUploadsBefore(t *testing.T) {
	store := newTestManager(t).UploadStorage()
	ctx := context.Background()

	now := time.Now()
	old := sampleUpload("file_old", "client-1", "2026/01/01/old.png", now.Add(-48*time.Hour))
	fresh := sampleUpload("file_new", "client-1", "2026/08/24/new.png", now)
	for _, up := range []*models.Upload{old, fresh} {
		if err := store.SaveUpload(ctx, up); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := store.DeleteUploadsBefore(ctx, now.Add(-24*time.Hour).Unix())
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 1 || deleted[0].ID != "file_old" {
		t.Errorf("deleted = %v, want the old upload", deleted)
	}
	if _, err := store.GetUpload(ctx, "file_new"); err != nil {
		t.Error("retention sweep removed a fresh upload")
	}
}
