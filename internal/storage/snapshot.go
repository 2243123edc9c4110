package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"frame-extractor/internal/models"
)

// Snapshot is a complete JSON-serialisable view of the job datastore, keyed
// by job id, used by the migration tooling to move data between backends.
type Snapshot struct {
	Jobs map[string]models.Job `json:"jobs"`
}

func (s *Snapshot) ensureInitialized() {
	if s.Jobs == nil {
		s.Jobs = make(map[string]models.Job)
	}
}

// Counts reports how many jobs the snapshot holds.
func (s *Snapshot) Counts() int {
	if s == nil {
		return 0
	}
	return len(s.Jobs)
}

// LoadSnapshotFromJSON reads a previously exported snapshot, or the raw JSON
// datastore file, from disk.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	var snapshot Snapshot
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&snapshot); err != nil {
		if errors.Is(err, io.EOF) {
			snapshot.ensureInitialized()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

// ImportSnapshotToPostgres loads every job from the snapshot into the target
// repository and returns the number of jobs now stored there. The target must
// be a Postgres repository.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot *Snapshot) (int, error) {
	pg, ok := repo.(*postgresRepository)
	if !ok {
		return 0, fmt.Errorf("snapshot import requires a postgres repository")
	}
	if snapshot == nil {
		return 0, fmt.Errorf("nil snapshot")
	}
	if err := pg.importSnapshot(ctx, snapshot); err != nil {
		return 0, err
	}
	return pg.countJobs(ctx)
}
