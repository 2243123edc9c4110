// Command migrate-json-to-postgres copies the JSON job datastore into
// Postgres so a deployment can switch storage drivers without losing history.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"

	"frame-extractor/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/jobs.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("FRAME_EXTRACTOR_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, FRAME_EXTRACTOR_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	snapshot, err := storage.LoadSnapshotFromJSON(*jsonPath)
	if err != nil {
		logger.Error("failed to load JSON snapshot", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded JSON snapshot", "path", *jsonPath, "jobs", snapshot.Counts())

	repo, err := storage.NewPostgresRepository(dsn)
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closer, ok := repo.(interface{ Close() }); ok {
			closer.Close()
		}
	}()

	imported, err := storage.ImportSnapshotToPostgres(context.Background(), repo, snapshot)
	if err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}
	if imported < snapshot.Counts() {
		logger.Error("verification failed", "expected_at_least", snapshot.Counts(), "stored", imported)
		os.Exit(1)
	}

	logger.Info("migration completed", "jobs", imported)
}
