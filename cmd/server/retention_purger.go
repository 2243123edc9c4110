package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"frame-extractor/internal/models"
	"frame-extractor/internal/storage"
)

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// startRetentionPurgeWorker periodically removes expired jobs and their
// archive and upload files from disk. The returned function stops the worker
// and blocks until it has exited.
func startRetentionPurgeWorker(ctx context.Context, logger *slog.Logger, store storage.Repository, interval time.Duration) func() {
	return startRetentionPurgeWorkerWithTicker(ctx, logger, store, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startRetentionPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store storage.Repository,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if store == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				purgeExpiredJobs(logger, store)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func purgeExpiredJobs(logger *slog.Logger, store storage.Repository) {
	purged, err := store.PurgeExpiredJobs(time.Now().UTC())
	if err != nil {
		if logger != nil {
			logger.Error("failed to purge expired jobs", "error", err)
		}
		return
	}
	for _, job := range purged {
		removeJobFiles(logger, job)
	}
	if len(purged) > 0 && logger != nil {
		logger.Info("purged expired jobs", "count", len(purged))
	}
}

func removeJobFiles(logger *slog.Logger, job models.Job) {
	for _, path := range []string{job.ArchivePath, job.SourcePath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if logger != nil {
				logger.Warn("failed to remove expired artifact", "job_id", job.ID, "path", path, "error", err)
			}
		}
	}
}
