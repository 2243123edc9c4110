package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"frame-extractor/internal/extractor"
	"frame-extractor/internal/models"
	"frame-extractor/internal/observability/metrics"
	"frame-extractor/internal/storage"
)

// newProcessorFixture builds a processor over a JSON store plus a seeded job
// whose source file exists on disk.
func newProcessorFixture(t *testing.T, fake *fakeExtractor, cfg JobProcessorConfig) (storage.Repository, *JobProcessor, models.Job) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewJSONRepository(filepath.Join(dir, "jobs.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}

	source := filepath.Join(dir, "source.mp4")
	if err := os.WriteFile(source, []byte("video"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	job, err := store.CreateJob(storage.CreateJobParams{
		SourceName: "source.mp4",
		SourcePath: source,
		Params:     extractor.DefaultParams(),
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	cfg.Store = store
	cfg.Extractor = fake
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(dir, "archives")
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	processor := NewJobProcessor(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
	})
	return store, processor, job
}

func waitForTerminal(t *testing.T, store storage.Repository, id string) models.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := store.GetJob(id); ok && job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := store.GetJob(id)
	t.Fatalf("job %s never reached a terminal state, last: %+v", id, job)
	return models.Job{}
}

// spoolingExtractor fabricates a fresh archive file per call, the way the
// real pipeline hands back a spool the caller owns.
func spoolingExtractor(t *testing.T, content []byte, frames int) *fakeExtractor {
	t.Helper()
	dir := t.TempDir()
	counter := 0
	return &fakeExtractor{extractFn: func(ctx context.Context, req extractor.Request, progress extractor.ProgressFunc) (extractor.Result, error) {
		counter++
		spool := filepath.Join(dir, fmt.Sprintf("spool-%d.zip", counter))
		if err := os.WriteFile(spool, content, 0o644); err != nil {
			return extractor.Result{}, err
		}
		if progress != nil {
			progress(50)
		}
		return extractor.Result{ArchivePath: spool, FrameCount: frames, ArchiveSizeBytes: int64(len(content))}, nil
	}}
}

func TestProcessorCompletesJob(t *testing.T) {
	fake := spoolingExtractor(t, []byte("zip-bytes"), 7)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	retention := 24 * time.Hour
	store, processor, job := newProcessorFixture(t, fake, JobProcessorConfig{
		Retention: retention,
		Clock:     func() time.Time { return fixed },
	})

	processor.Start()
	if !processor.Enqueue(job.ID) {
		t.Fatal("enqueue rejected")
	}

	done := waitForTerminal(t, store, job.ID)
	if done.Status != models.JobStatusReady {
		t.Fatalf("expected ready, got %s (%s)", done.Status, done.Error)
	}
	if done.Progress != 100 || done.FrameCount != 7 || done.ArchiveSizeBytes != 9 {
		t.Fatalf("unexpected result fields: %+v", done)
	}
	if done.ArchivePath == "" || filepath.Base(done.ArchivePath) != job.ID+".zip" {
		t.Fatalf("unexpected archive path %q", done.ArchivePath)
	}
	data, err := os.ReadFile(done.ArchivePath)
	if err != nil || string(data) != "zip-bytes" {
		t.Fatalf("archive not stashed: %v %q", err, data)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(fixed) {
		t.Fatalf("unexpected completion time: %v", done.CompletedAt)
	}
	if done.ExpiresAt == nil || !done.ExpiresAt.Equal(fixed.Add(retention)) {
		t.Fatalf("unexpected expiry: %v", done.ExpiresAt)
	}
	if _, err := os.Stat(job.SourcePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("source file should be removed after completion, stat err=%v", err)
	}
}

func TestProcessorFailsJob(t *testing.T) {
	fake := &fakeExtractor{err: fmt.Errorf("scan: %w", extractor.ErrNoFrames)}
	store, processor, job := newProcessorFixture(t, fake, JobProcessorConfig{Retention: time.Hour})

	processor.Start()
	if !processor.Enqueue(job.ID) {
		t.Fatal("enqueue rejected")
	}

	done := waitForTerminal(t, store, job.ID)
	if done.Status != models.JobStatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.Error != "No frames were extracted (check your time range)." {
		t.Fatalf("unexpected error message %q", done.Error)
	}
	if done.ExpiresAt == nil {
		t.Fatal("failed jobs must still get an expiry when retention is on")
	}
	if _, err := os.Stat(job.SourcePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("source file should be removed after failure, stat err=%v", err)
	}
}

func TestProcessorZeroRetentionDisablesExpiry(t *testing.T) {
	fake := spoolingExtractor(t, []byte("zip"), 1)
	store, processor, job := newProcessorFixture(t, fake, JobProcessorConfig{Retention: 0})

	processor.Start()
	if !processor.Enqueue(job.ID) {
		t.Fatal("enqueue rejected")
	}

	done := waitForTerminal(t, store, job.ID)
	if done.Status != models.JobStatusReady {
		t.Fatalf("expected ready, got %s (%s)", done.Status, done.Error)
	}
	if done.CompletedAt == nil {
		t.Fatal("completion time must still be recorded")
	}
	if done.ExpiresAt != nil {
		t.Fatalf("zero retention must not stamp an expiry, got %v", done.ExpiresAt)
	}
}

func TestProcessorZeroRetentionOnFailure(t *testing.T) {
	fake := &fakeExtractor{err: fmt.Errorf("scan: %w", extractor.ErrOpenVideo)}
	store, processor, job := newProcessorFixture(t, fake, JobProcessorConfig{})

	processor.Start()
	if !processor.Enqueue(job.ID) {
		t.Fatal("enqueue rejected")
	}

	done := waitForTerminal(t, store, job.ID)
	if done.Status != models.JobStatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.ExpiresAt != nil {
		t.Fatalf("zero retention must not stamp an expiry, got %v", done.ExpiresAt)
	}
}

func TestProcessorRecoversPendingJobs(t *testing.T) {
	fake := spoolingExtractor(t, []byte("zip"), 1)
	store, processor, job := newProcessorFixture(t, fake, JobProcessorConfig{})

	// No explicit Enqueue: Start must pick up the persisted pending job.
	processor.Start()

	done := waitForTerminal(t, store, job.ID)
	if done.Status != models.JobStatusReady {
		t.Fatalf("expected recovered job to complete, got %s (%s)", done.Status, done.Error)
	}
}

func TestProcessorSkipsTerminalJobs(t *testing.T) {
	fake := spoolingExtractor(t, []byte("zip"), 1)
	store, processor, job := newProcessorFixture(t, fake, JobProcessorConfig{})

	ready := models.JobStatusReady
	if _, err := store.UpdateJob(job.ID, storage.JobUpdate{Status: &ready}); err != nil {
		t.Fatalf("update job: %v", err)
	}

	processor.Start()
	if !processor.Enqueue(job.ID) {
		t.Fatal("enqueue rejected")
	}
	time.Sleep(50 * time.Millisecond)

	fake.mu.Lock()
	invoked := len(fake.requests)
	fake.mu.Unlock()
	if invoked != 0 {
		t.Fatal("terminal jobs must not be re-extracted")
	}
}

func TestEnqueueReportsBackpressure(t *testing.T) {
	fake := &fakeExtractor{}
	_, processor, _ := newProcessorFixture(t, fake, JobProcessorConfig{QueueSize: 1})

	// Workers are not started, so the buffered queue fills immediately.
	if !processor.Enqueue("job-a") {
		t.Fatal("first enqueue should succeed")
	}
	if processor.Enqueue("job-b") {
		t.Fatal("second enqueue should report a full queue")
	}
	if processor.Enqueue("") {
		t.Fatal("blank ids must be rejected")
	}
}

func TestEnqueueAfterShutdown(t *testing.T) {
	fake := &fakeExtractor{}
	_, processor, job := newProcessorFixture(t, fake, JobProcessorConfig{})
	processor.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := processor.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if processor.Enqueue(job.ID) {
		t.Fatal("enqueue must fail after shutdown")
	}
}

func TestProcessorTimeoutFailsJob(t *testing.T) {
	fake := &fakeExtractor{extractFn: func(ctx context.Context, req extractor.Request, progress extractor.ProgressFunc) (extractor.Result, error) {
		<-ctx.Done()
		return extractor.Result{}, ctx.Err()
	}}
	store, processor, job := newProcessorFixture(t, fake, JobProcessorConfig{Timeout: 20 * time.Millisecond})

	processor.Start()
	if !processor.Enqueue(job.ID) {
		t.Fatal("enqueue rejected")
	}

	done := waitForTerminal(t, store, job.ID)
	if done.Status != models.JobStatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.Error == "" {
		t.Fatal("timeout failure should carry an error message")
	}
}
