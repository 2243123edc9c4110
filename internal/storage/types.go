package storage

import (
	"errors"
	"time"

	"frame-extractor/internal/models"
)

// ErrJobNotFound is returned when an operation names a job id the datastore
// does not hold.
var ErrJobNotFound = errors.New("job not found")

// CreateJobParams captures the attributes that can be set when recording a
// new extraction job. The job always starts pending with zero progress.
type CreateJobParams struct {
	SourceName string
	SourcePath string
	Params     models.ExtractionParams
}

// JobUpdate applies a partial update to a stored job. Nil fields are left
// untouched. Error and ArchivePath may be set to the empty string to clear a
// previous value.
type JobUpdate struct {
	Status           *models.JobStatus
	Progress         *int
	FrameCount       *int
	ArchiveSizeBytes *int64
	ArchivePath      *string
	Error            *string
	CompletedAt      *time.Time
	ExpiresAt        *time.Time
}

// JobFilter narrows ListJobs results. A nil Status matches every job; Limit
// of zero or less means no cap.
type JobFilter struct {
	Status *models.JobStatus
	Limit  int
}
