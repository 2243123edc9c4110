package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"frame-extractor/internal/auth"
	"frame-extractor/internal/models"
	"frame-extractor/internal/storage"
)

// newJobsHandler wires a handler with an idle processor so queued jobs stay
// pending and tests can assert on the accepted state.
func newJobsHandler(t *testing.T, queueSize int) (*Handler, *fakeExtractor) {
	t.Helper()
	fake := &fakeExtractor{}
	handler := newTestHandler(t, fake)
	handler.Processor = NewJobProcessor(JobProcessorConfig{
		Store:      handler.Store,
		Extractor:  fake,
		ArchiveDir: handler.ArchiveDir,
		QueueSize:  queueSize,
		Logger:     discardLogger(),
		Metrics:    handler.Metrics,
	})
	return handler, fake
}

func seedJob(t *testing.T, store storage.Repository, name string) models.Job {
	t.Helper()
	job, err := store.CreateJob(storage.CreateJobParams{
		SourceName: name,
		SourcePath: filepath.Join(t.TempDir(), name),
		Params:     models.ExtractionParams{EveryS: 1, Quality: 95, MaxFrames: 1000, Format: "jpg", ZipName: "frames_1s.zip"},
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func decodeJobView(t *testing.T, body []byte) jobView {
	t.Helper()
	var view jobView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode job view %q: %v", body, err)
	}
	return view
}

func TestCreateJobAccepted(t *testing.T) {
	handler, _ := newJobsHandler(t, 4)

	body, contentType := multipartUpload(t, "clip.mp4", []byte("video"), map[string]string{"every_s": "2"})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.Jobs(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	view := decodeJobView(t, rec.Body.Bytes())
	if view.ID == "" || view.Status != models.JobStatusPending {
		t.Fatalf("unexpected job view: %+v", view)
	}
	if view.SourceName != "clip.mp4" || view.Params.EveryS != 2 {
		t.Fatalf("unexpected job view: %+v", view)
	}
	if strings.Contains(rec.Body.String(), "sourcePath") || strings.Contains(rec.Body.String(), "archivePath") {
		t.Fatalf("filesystem paths leaked into the API response: %s", rec.Body.String())
	}

	stored, ok := handler.Store.GetJob(view.ID)
	if !ok {
		t.Fatal("job not persisted")
	}
	if _, err := os.Stat(stored.SourcePath); err != nil {
		t.Fatalf("upload spool missing for queued job: %v", err)
	}
}

func TestCreateJobQueueFull(t *testing.T) {
	handler, _ := newJobsHandler(t, 1)

	post := func() *httptest.ResponseRecorder {
		body, contentType := multipartUpload(t, "clip.mp4", []byte("video"), nil)
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		handler.Jobs(rec, req)
		return rec
	}

	if rec := post(); rec.Code != http.StatusAccepted {
		t.Fatalf("first job: expected 202, got %d", rec.Code)
	}
	rec := post()
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("second job: expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if jobs := handler.Store.ListJobs(storage.JobFilter{}); len(jobs) != 1 {
		t.Fatalf("rejected job should be removed, store has %d jobs", len(jobs))
	}
}

func TestListJobsFiltersAndOrders(t *testing.T) {
	handler, _ := newJobsHandler(t, 4)
	first := seedJob(t, handler.Store, "a.mp4")
	second := seedJob(t, handler.Store, "b.mp4")
	ready := models.JobStatusReady
	if _, err := handler.Store.UpdateJob(first.ID, storage.JobUpdate{Status: &ready}); err != nil {
		t.Fatalf("update job: %v", err)
	}

	list := func(query string) []jobView {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs"+query, nil)
		rec := httptest.NewRecorder()
		handler.Jobs(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("list %q: expected 200, got %d", query, rec.Code)
		}
		var payload struct {
			Jobs []jobView `json:"jobs"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode list: %v", err)
		}
		return payload.Jobs
	}

	all := list("")
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(all))
	}
	if all[0].CreatedAt.Before(all[1].CreatedAt) {
		t.Fatal("jobs should be newest first")
	}

	pending := list("?status=pending")
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("unexpected pending filter result: %+v", pending)
	}

	limited := list("?limit=1")
	if len(limited) != 1 {
		t.Fatalf("expected 1 job with limit=1, got %d", len(limited))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?status=bogus", nil)
	rec := httptest.NewRecorder()
	handler.Jobs(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestGetJobByID(t *testing.T) {
	handler, _ := newJobsHandler(t, 4)
	job := seedJob(t, handler.Store, "a.mp4")

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	handler.JobByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if view := decodeJobView(t, rec.Body.Bytes()); view.ID != job.ID {
		t.Fatalf("unexpected job view: %+v", view)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	rec = httptest.NewRecorder()
	handler.JobByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDownloadJobArchive(t *testing.T) {
	handler, _ := newJobsHandler(t, 4)
	job := seedJob(t, handler.Store, "a.mp4")

	download := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/archive", nil)
		rec := httptest.NewRecorder()
		handler.JobByID(rec, req)
		return rec
	}

	if rec := download(); rec.Code != http.StatusConflict {
		t.Fatalf("pending job: expected 409, got %d", rec.Code)
	}

	ready := models.JobStatusReady
	missing := filepath.Join(t.TempDir(), "gone.zip")
	if _, err := handler.Store.UpdateJob(job.ID, storage.JobUpdate{Status: &ready, ArchivePath: &missing}); err != nil {
		t.Fatalf("update job: %v", err)
	}
	if rec := download(); rec.Code != http.StatusGone {
		t.Fatalf("missing archive: expected 410, got %d", rec.Code)
	}

	archive := filepath.Join(t.TempDir(), "frames.zip")
	if err := os.WriteFile(archive, []byte("zip-bytes"), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	if _, err := handler.Store.UpdateJob(job.ID, storage.JobUpdate{ArchivePath: &archive}); err != nil {
		t.Fatalf("update job: %v", err)
	}
	rec := download()
	if rec.Code != http.StatusOK {
		t.Fatalf("ready job: expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "zip-bytes" {
		t.Fatalf("unexpected archive body %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(got, "attachment;") {
		t.Fatalf("unexpected disposition %q", got)
	}
}

func TestDeleteJobRequiresAPIKey(t *testing.T) {
	handler, _ := newJobsHandler(t, 4)
	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	handler.APIKeyHash = hash
	job := seedJob(t, handler.Store, "a.mp4")

	del := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/api/jobs/"+job.ID, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.JobByID(rec, req)
		return rec
	}

	if rec := del(""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}
	if rec := del("wrong-key"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}
	if rec := del(key); rec.Code != http.StatusNoContent {
		t.Fatalf("valid token: expected 204, got %d", rec.Code)
	}
	if _, ok := handler.Store.GetJob(job.ID); ok {
		t.Fatal("job should be deleted")
	}
}

func TestDeleteJobConflictsWhileProcessing(t *testing.T) {
	handler, _ := newJobsHandler(t, 4)
	job := seedJob(t, handler.Store, "a.mp4")
	processing := models.JobStatusProcessing
	if _, err := handler.Store.UpdateJob(job.ID, storage.JobUpdate{Status: &processing}); err != nil {
		t.Fatalf("update job: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	handler.JobByID(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestDeleteJobRemovesArtifacts(t *testing.T) {
	handler, _ := newJobsHandler(t, 4)
	dir := t.TempDir()
	source := filepath.Join(dir, "source.mp4")
	archive := filepath.Join(dir, "frames.zip")
	for _, path := range []string{source, archive} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	job, err := handler.Store.CreateJob(storage.CreateJobParams{SourceName: "source.mp4", SourcePath: source})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	failed := models.JobStatusFailed
	if _, err := handler.Store.UpdateJob(job.ID, storage.JobUpdate{Status: &failed, ArchivePath: &archive}); err != nil {
		t.Fatalf("update job: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	handler.JobByID(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, path := range []string{source, archive} {
		if _, err := os.Stat(path); err == nil {
			t.Fatalf("artifact %s should be removed", path)
		}
	}
}

func TestJobByIDUnknownSubresource(t *testing.T) {
	handler, _ := newJobsHandler(t, 4)
	job := seedJob(t, handler.Store, "a.mp4")

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/thumbnails", nil)
	rec := httptest.NewRecorder()
	handler.JobByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// Guards against regressions in the accepted-state timestamps.
func TestCreateJobTimestamps(t *testing.T) {
	handler, _ := newJobsHandler(t, 4)
	before := time.Now().Add(-time.Minute)

	body, contentType := multipartUpload(t, "clip.mp4", []byte("video"), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.Jobs(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	view := decodeJobView(t, rec.Body.Bytes())
	if view.CreatedAt.Before(before) || view.CompletedAt != nil || view.ExpiresAt != nil {
		t.Fatalf("unexpected timestamps: %+v", view)
	}
}
