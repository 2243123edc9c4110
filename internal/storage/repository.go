package storage

import (
	"context"
	"time"

	"frame-extractor/internal/models"
)

// Repository exposes the datastore operations required by the API handlers,
// the job processor, and the retention purger.
type Repository interface {
	Ping(ctx context.Context) error

	CreateJob(params CreateJobParams) (models.Job, error)
	GetJob(id string) (models.Job, bool)
	ListJobs(filter JobFilter) []models.Job
	UpdateJob(id string, update JobUpdate) (models.Job, error)
	DeleteJob(id string) error
	PurgeExpiredJobs(cutoff time.Time) ([]models.Job, error)
}

var _ Repository = (*Storage)(nil)
