// Package models defines the persisted entities shared by the API handlers,
// the job processor, and the storage drivers.
package models

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus tracks an extraction job through its lifecycle.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusReady      JobStatus = "ready"
	JobStatusFailed     JobStatus = "failed"
)

// ParseJobStatus normalises a status string and rejects unknown values.
func ParseJobStatus(raw string) (JobStatus, error) {
	status := JobStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case JobStatusPending, JobStatusProcessing, JobStatusReady, JobStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("unknown job status %q", raw)
	}
}

// Terminal reports whether the status is a resting state that no worker will
// advance further.
func (s JobStatus) Terminal() bool {
	return s == JobStatusReady || s == JobStatusFailed
}

// ExtractionParams carries the client-supplied sampling parameters for one
// extraction. EndS of zero means "until the end of the video".
type ExtractionParams struct {
	EveryS    float64 `json:"everyS"`
	StartS    float64 `json:"startS"`
	EndS      float64 `json:"endS"`
	Format    string  `json:"fmt"`
	Quality   int     `json:"quality"`
	MaxFrames int     `json:"maxFrames"`
	ZipName   string  `json:"zipName"`
}

// Job records one extraction request together with the artifacts it produced.
// SourcePath and ArchivePath are filesystem locations owned by the service and
// are never exposed through the API.
type Job struct {
	ID               string           `json:"id"`
	Status           JobStatus        `json:"status"`
	Progress         int              `json:"progress"`
	SourceName       string           `json:"sourceName"`
	SourcePath       string           `json:"sourcePath"`
	Params           ExtractionParams `json:"params"`
	FrameCount       int              `json:"frameCount"`
	ArchiveSizeBytes int64            `json:"archiveSizeBytes"`
	ArchivePath      string           `json:"archivePath"`
	Error            string           `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
	ExpiresAt        *time.Time       `json:"expiresAt,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate stored state through
// shared pointers.
func (j Job) Clone() Job {
	out := j
	if j.CompletedAt != nil {
		completed := *j.CompletedAt
		out.CompletedAt = &completed
	}
	if j.ExpiresAt != nil {
		expires := *j.ExpiresAt
		out.ExpiresAt = &expires
	}
	return out
}
