package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"frame-extractor/internal/models"
)

type dataset struct {
	Jobs map[string]models.Job `json:"jobs"`
}

func newDataset() dataset {
	return dataset{Jobs: make(map[string]models.Job)}
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, job := range src.Jobs {
		clone.Jobs[id] = job.Clone()
	}
	return clone
}

// Storage is the JSON-file-backed datastore. Every mutation rewrites the
// backing file atomically; a failed persist rolls the in-memory state back so
// memory and disk never diverge.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	clock           func() time.Time
}

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Jobs == nil {
		s.data.Jobs = make(map[string]models.Job)
	}
	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports whether the backing file's directory is writable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.filePath)
	probe, err := os.CreateTemp(dir, "ping-*")
	if err != nil {
		return fmt.Errorf("data dir unwritable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

func (s *Storage) CreateJob(params CreateJobParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := generateID()
	if err != nil {
		return models.Job{}, err
	}

	now := s.clock()
	job := models.Job{
		ID:         id,
		Status:     models.JobStatusPending,
		SourceName: strings.TrimSpace(params.SourceName),
		SourcePath: params.SourcePath,
		Params:     params.Params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.data.Jobs[id] = job
	if err := s.persist(); err != nil {
		delete(s.data.Jobs, id)
		return models.Job{}, err
	}
	return job.Clone(), nil
}

func (s *Storage) GetJob(id string) (models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.data.Jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return job.Clone(), true
}

func (s *Storage) ListJobs(filter JobFilter) []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]models.Job, 0, len(s.data.Jobs))
	for _, job := range s.data.Jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs
}

func (s *Storage) UpdateJob(id string, update JobUpdate) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.data.Jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	previous := job.Clone()

	applyJobUpdate(&job, update)
	job.UpdatedAt = s.clock()

	s.data.Jobs[id] = job
	if err := s.persist(); err != nil {
		s.data.Jobs[id] = previous
		return models.Job{}, err
	}
	return job.Clone(), nil
}

func (s *Storage) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.data.Jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	delete(s.data.Jobs, id)
	if err := s.persist(); err != nil {
		s.data.Jobs[id] = job
		return err
	}
	return nil
}

// PurgeExpiredJobs removes terminal jobs whose ExpiresAt is at or before the
// cutoff and returns the removed jobs so the caller can delete their
// artifacts.
func (s *Storage) PurgeExpiredJobs(cutoff time.Time) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged []models.Job
	removed := make(map[string]models.Job)
	for id, job := range s.data.Jobs {
		if !job.Status.Terminal() || job.ExpiresAt == nil {
			continue
		}
		if job.ExpiresAt.After(cutoff) {
			continue
		}
		removed[id] = job
		purged = append(purged, job.Clone())
	}
	if len(removed) == 0 {
		return nil, nil
	}

	for id := range removed {
		delete(s.data.Jobs, id)
	}
	if err := s.persist(); err != nil {
		for id, job := range removed {
			s.data.Jobs[id] = job
		}
		return nil, err
	}

	sort.Slice(purged, func(i, j int) bool { return purged[i].CreatedAt.Before(purged[j].CreatedAt) })
	return purged, nil
}

func applyJobUpdate(job *models.Job, update JobUpdate) {
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Progress != nil {
		job.Progress = *update.Progress
	}
	if update.FrameCount != nil {
		job.FrameCount = *update.FrameCount
	}
	if update.ArchiveSizeBytes != nil {
		job.ArchiveSizeBytes = *update.ArchiveSizeBytes
	}
	if update.ArchivePath != nil {
		job.ArchivePath = *update.ArchivePath
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.CompletedAt != nil {
		completed := *update.CompletedAt
		job.CompletedAt = &completed
	}
	if update.ExpiresAt != nil {
		expires := *update.ExpiresAt
		job.ExpiresAt = &expires
	}
}

// Snapshot returns a copy of every stored job for export tooling.
func (s *Storage) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Jobs: cloneDataset(s.data).Jobs}
}
