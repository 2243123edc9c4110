package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"frame-extractor/internal/models"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS extraction_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	source_name TEXT NOT NULL DEFAULT '',
	source_path TEXT NOT NULL DEFAULT '',
	params JSONB NOT NULL DEFAULT '{}'::jsonb,
	frame_count INTEGER NOT NULL DEFAULT 0,
	archive_size_bytes BIGINT NOT NULL DEFAULT 0,
	archive_path TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS extraction_jobs_created_at_idx ON extraction_jobs (created_at DESC);
CREATE INDEX IF NOT EXISTS extraction_jobs_expires_at_idx ON extraction_jobs (expires_at) WHERE expires_at IS NOT NULL;
`

const jobColumns = `id, status, progress, source_name, source_path, params, frame_count,
	archive_size_bytes, archive_path, error, created_at, updated_at, completed_at, expires_at`

type postgresRepository struct {
	pool  *pgxpool.Pool
	cfg   PostgresConfig
	clock func() time.Time
}

var _ Repository = (*postgresRepository)(nil)

// NewPostgresRepository opens a pooled Postgres connection and ensures the
// jobs table exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg, clock: cfg.Clock}
	if err := repo.ensureSchema(); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// opCtx bounds every statement by the acquire timeout so a saturated pool
// surfaces as an error instead of a stalled request.
func (r *postgresRepository) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.AcquireTimeout)
}

func (r *postgresRepository) ensureSchema() error {
	ctx, cancel := r.opCtx()
	defer cancel()
	if _, err := r.pool.Exec(ctx, jobsSchema); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the connection pool. Callers shut the repository down after
// the HTTP server has drained.
func (r *postgresRepository) Close() {
	r.pool.Close()
}

func (r *postgresRepository) CreateJob(params CreateJobParams) (models.Job, error) {
	id, err := generateID()
	if err != nil {
		return models.Job{}, err
	}

	now := r.clock()
	job := models.Job{
		ID:         id,
		Status:     models.JobStatusPending,
		SourceName: strings.TrimSpace(params.SourceName),
		SourcePath: params.SourcePath,
		Params:     params.Params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return models.Job{}, fmt.Errorf("encode job params: %w", err)
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	_, err = r.pool.Exec(ctx, `
		INSERT INTO extraction_jobs (
			id, status, progress, source_name, source_path, params,
			frame_count, archive_size_bytes, archive_path, error,
			created_at, updated_at, completed_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		job.ID, string(job.Status), job.Progress, job.SourceName, job.SourcePath, paramsJSON,
		job.FrameCount, job.ArchiveSizeBytes, job.ArchivePath, job.Error,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt, job.ExpiresAt,
	)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) GetJob(id string) (models.Job, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()

	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM extraction_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, false
	}
	return job, true
}

func (r *postgresRepository) ListJobs(filter JobFilter) []models.Job {
	ctx, cancel := r.opCtx()
	defer cancel()

	query := `SELECT ` + jobColumns + ` FROM extraction_jobs`
	args := []any{}
	if filter.Status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil
		}
		jobs = append(jobs, job)
	}
	if rows.Err() != nil {
		return nil
	}
	return jobs
}

func (r *postgresRepository) UpdateJob(id string, update JobUpdate) (models.Job, error) {
	set := []string{"updated_at = $1"}
	args := []any{r.clock()}
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.Progress != nil {
		add("progress", *update.Progress)
	}
	if update.FrameCount != nil {
		add("frame_count", *update.FrameCount)
	}
	if update.ArchiveSizeBytes != nil {
		add("archive_size_bytes", *update.ArchiveSizeBytes)
	}
	if update.ArchivePath != nil {
		add("archive_path", *update.ArchivePath)
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if update.ExpiresAt != nil {
		add("expires_at", *update.ExpiresAt)
	}

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE extraction_jobs SET %s WHERE id = $%d RETURNING `+jobColumns,
		strings.Join(set, ", "), len(args),
	)

	ctx, cancel := r.opCtx()
	defer cancel()
	job, err := scanJob(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) DeleteJob(id string) error {
	ctx, cancel := r.opCtx()
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM extraction_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *postgresRepository) PurgeExpiredJobs(cutoff time.Time) ([]models.Job, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		DELETE FROM extraction_jobs
		WHERE status IN ($1, $2) AND expires_at IS NOT NULL AND expires_at <= $3
		RETURNING `+jobColumns,
		string(models.JobStatusReady), string(models.JobStatusFailed), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("purge jobs: %w", err)
	}
	defer rows.Close()

	var purged []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purged job: %w", err)
		}
		purged = append(purged, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("purge jobs: %w", err)
	}
	return purged, nil
}

// importSnapshot bulk-loads jobs from a JSON export inside one transaction.
func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, job := range snapshot.Jobs {
		paramsJSON, err := json.Marshal(job.Params)
		if err != nil {
			return fmt.Errorf("encode params for job %s: %w", job.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO extraction_jobs (
				id, status, progress, source_name, source_path, params,
				frame_count, archive_size_bytes, archive_path, error,
				created_at, updated_at, completed_at, expires_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO NOTHING`,
			job.ID, string(job.Status), job.Progress, job.SourceName, job.SourcePath, paramsJSON,
			job.FrameCount, job.ArchiveSizeBytes, job.ArchivePath, job.Error,
			job.CreatedAt, job.UpdatedAt, job.CompletedAt, job.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("import job %s: %w", job.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *postgresRepository) countJobs(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM extraction_jobs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job        models.Job
		status     string
		paramsJSON []byte
	)
	err := row.Scan(
		&job.ID, &status, &job.Progress, &job.SourceName, &job.SourcePath, &paramsJSON,
		&job.FrameCount, &job.ArchiveSizeBytes, &job.ArchivePath, &job.Error,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt, &job.ExpiresAt,
	)
	if err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return models.Job{}, fmt.Errorf("decode job params: %w", err)
		}
	}
	return job, nil
}
