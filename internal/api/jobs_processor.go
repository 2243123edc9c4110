package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"frame-extractor/internal/extractor"
	"frame-extractor/internal/models"
	"frame-extractor/internal/observability/logging"
	"frame-extractor/internal/observability/metrics"
	"frame-extractor/internal/storage"
)

// JobProcessorConfig configures the background extraction workers.
type JobProcessorConfig struct {
	Store     storage.Repository
	Extractor FrameExtractor
	// ArchiveDir is where finished job archives are moved for later download.
	ArchiveDir string
	Workers    int
	QueueSize  int
	// Timeout bounds one extraction. Retention is how long finished jobs and
	// their archives are kept before the purger removes them; zero or less
	// disables expiry.
	Timeout   time.Duration
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Clock     func() time.Time
}

// JobProcessor drains the job queue with a fixed pool of workers. Each job is
// processed at most once at a time even if enqueued twice.
type JobProcessor struct {
	store      storage.Repository
	extractor  FrameExtractor
	archiveDir string
	workers    int
	timeout    time.Duration
	retention  time.Duration
	logger     *slog.Logger
	metrics    *metrics.Recorder
	clock      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const (
	defaultJobWorkers   = 2
	defaultJobQueueSize = 16
	defaultJobTimeout   = 15 * time.Minute
)

func NewJobProcessor(cfg JobProcessorConfig) *JobProcessor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultJobWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultJobQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	retention := cfg.Retention
	if retention < 0 {
		retention = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobProcessor{
		store:      cfg.Store,
		extractor:  cfg.Extractor,
		archiveDir: cfg.ArchiveDir,
		workers:    workers,
		timeout:    timeout,
		retention:  retention,
		logger:     logger,
		metrics:    recorder,
		clock:      clock,
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan string, queueSize),
		inFlight:   make(map[string]struct{}),
	}
}

func (p *JobProcessor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	go p.recoverPending()
}

// Shutdown stops accepting work and waits for in-flight extractions to finish
// or the context to expire.
func (p *JobProcessor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue hands a job to the workers without blocking. Returns false when the
// queue is full or the processor is shutting down.
func (p *JobProcessor) Enqueue(id string) bool {
	if p == nil || strings.TrimSpace(id) == "" {
		return false
	}
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.queue <- id:
		p.metrics.SetQueueDepth(len(p.queue))
		return true
	default:
		return false
	}
}

func (p *JobProcessor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			p.metrics.SetQueueDepth(len(p.queue))
			if strings.TrimSpace(id) == "" {
				continue
			}
			if !p.beginWork(id) {
				continue
			}
			p.processJob(id)
			p.finishWork(id)
		}
	}
}

func (p *JobProcessor) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *JobProcessor) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// recoverPending re-enqueues jobs interrupted by a previous shutdown.
func (p *JobProcessor) recoverPending() {
	if p.store == nil {
		return
	}
	jobs := p.store.ListJobs(storage.JobFilter{})
	for _, job := range jobs {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		if !job.Status.Terminal() {
			if !p.Enqueue(job.ID) {
				p.logger.Warn("queue full during recovery, job left pending", "job_id", job.ID)
			}
		}
	}
}

func (p *JobProcessor) processJob(id string) {
	if p.store == nil || p.extractor == nil {
		return
	}
	job, ok := p.store.GetJob(id)
	if !ok {
		return
	}
	if job.Status.Terminal() {
		return
	}

	logger := p.logger.With("job_id", id, "source", job.SourceName)
	ctx := logging.ContextWithJobID(p.ctx, id)

	processing := models.JobStatusProcessing
	if _, err := p.store.UpdateJob(id, storage.JobUpdate{
		Status:   &processing,
		Progress: intPtr(5),
		Error:    stringPtr(""),
	}); err != nil {
		logger.Error("failed to mark job processing", "error", err)
		return
	}

	p.metrics.ExtractionStarted("job")

	extractCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	result, err := p.extractor.Extract(extractCtx, extractor.Request{
		InputPath: job.SourcePath,
		Params:    job.Params,
	}, func(percent int) {
		if _, err := p.store.UpdateJob(id, storage.JobUpdate{Progress: intPtr(percent)}); err != nil {
			logger.Warn("failed to record job progress", "error", err)
		}
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("extraction timed out after %s", p.timeout)
		}
		p.failJob(job, err)
		return
	}

	archivePath, err := p.stashArchive(id, result.ArchivePath)
	if err != nil {
		p.failJob(job, err)
		return
	}

	completedAt := p.clock()
	ready := models.JobStatusReady
	if _, err := p.store.UpdateJob(id, storage.JobUpdate{
		Status:           &ready,
		Progress:         intPtr(100),
		FrameCount:       intPtr(result.FrameCount),
		ArchiveSizeBytes: int64Ptr(result.ArchiveSizeBytes),
		ArchivePath:      &archivePath,
		Error:            stringPtr(""),
		CompletedAt:      &completedAt,
		ExpiresAt:        p.expiry(completedAt),
	}); err != nil {
		logger.Error("failed to mark job ready", "error", err)
		_ = os.Remove(archivePath)
		return
	}
	p.removeSource(job)
	p.metrics.ExtractionCompleted("job", result.FrameCount, result.ArchiveSizeBytes)
	logger.Info("extraction job completed", "frames", result.FrameCount, "archive_bytes", result.ArchiveSizeBytes)
}

// stashArchive moves the extractor's spool file into the archive directory so
// it survives until the retention purger removes it.
func (p *JobProcessor) stashArchive(id, spoolPath string) (string, error) {
	if err := os.MkdirAll(p.archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("prepare archive dir: %w", err)
	}
	dest := filepath.Join(p.archiveDir, id+".zip")
	if err := os.Rename(spoolPath, dest); err != nil {
		// Rename fails across filesystems; fall back to copying.
		if copyErr := copyFile(spoolPath, dest); copyErr != nil {
			return "", fmt.Errorf("stash archive: %w", copyErr)
		}
		_ = os.Remove(spoolPath)
	}
	return dest, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dest)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (p *JobProcessor) failJob(job models.Job, cause error) {
	failed := models.JobStatusFailed
	message := extractor.UserMessage(cause)
	completedAt := p.clock()
	if _, err := p.store.UpdateJob(job.ID, storage.JobUpdate{
		Status:      &failed,
		Progress:    intPtr(0),
		Error:       &message,
		CompletedAt: &completedAt,
		ExpiresAt:   p.expiry(completedAt),
	}); err != nil {
		p.logger.Error("failed to update failed job", "job_id", job.ID, "error", err, "failure", cause)
		return
	}
	p.removeSource(job)
	p.metrics.ExtractionFailed("job")
	p.logger.Error("extraction job failed", "job_id", job.ID, "error", cause)
}

// expiry stamps terminal jobs for the retention purger. Nil when retention is
// disabled, so the record and its archive are kept indefinitely.
func (p *JobProcessor) expiry(completedAt time.Time) *time.Time {
	if p.retention <= 0 {
		return nil
	}
	expiresAt := completedAt.Add(p.retention)
	return &expiresAt
}

func (p *JobProcessor) removeSource(job models.Job) {
	if job.SourcePath == "" {
		return
	}
	if err := os.Remove(job.SourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("failed to remove job source", "job_id", job.ID, "path", job.SourcePath, "error", err)
	}
}

func stringPtr(s string) *string { return &s }

func intPtr(v int) *int { return &v }

func int64Ptr(v int64) *int64 { return &v }
