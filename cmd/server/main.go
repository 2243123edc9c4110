// Command server starts the frame extractor HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"frame-extractor/internal/api"
	"frame-extractor/internal/extractor"
	"frame-extractor/internal/observability/logging"
	"frame-extractor/internal/observability/metrics"
	"frame-extractor/internal/server"
	"frame-extractor/internal/serverutil"
	"frame-extractor/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides PORT)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	uploadDir := flag.String("upload-dir", "", "directory for spooled video uploads")
	archiveDir := flag.String("archive-dir", "", "directory for finished job archives")
	workDir := flag.String("work-dir", "", "scratch directory for frame extraction")
	maxUploadMB := flag.Int("max-upload-mb", 0, "maximum upload size in megabytes")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	maxConcurrent := flag.Int("max-concurrent-extractions", 0, "maximum concurrent ffmpeg frame grabs across all requests")
	frameParallelism := flag.Int("frame-parallelism", 0, "concurrent frame grabs within one request")
	jobWorkers := flag.Int("job-workers", 0, "background extraction workers")
	jobQueueSize := flag.Int("job-queue-size", 0, "background job queue capacity")
	jobTimeout := flag.Duration("job-timeout", 0, "timeout for one background extraction")
	jobRetention := flag.Duration("job-retention", -1, "how long finished jobs and archives are kept (0 disables expiry)")
	purgeInterval := flag.Duration("retention-purge-interval", 0, "interval between retention sweeps")
	apiKeyHash := flag.String("api-key-hash", "", "PBKDF2 hash guarding destructive job operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated allowed CORS origins")
	keepAliveTimeout := flag.Duration("keep-alive-timeout", 0, "HTTP keep-alive idle timeout")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	extractLimit := flag.Int("rate-extract-limit", 0, "maximum extractions per window for a single IP")
	extractWindow := flag.Duration("rate-extract-window", 0, "window for counting extraction requests")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed extraction throttling")
	redisAddrs := flag.String("rate-redis-addrs", "", "comma separated Redis addresses for distributed extraction throttling")
	redisUsername := flag.String("rate-redis-username", "", "Redis username for distributed extraction throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for distributed extraction throttling")
	redisMasterName := flag.String("rate-redis-master-name", "", "Redis sentinel master name for distributed extraction throttling")
	redisPoolSize := flag.Int("rate-redis-pool-size", 0, "maximum Redis connections for distributed extraction throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	redisTLSCA := flag.String("rate-redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("rate-redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("rate-redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("rate-redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("rate-redis-tls-skip-verify", false, "skip Redis TLS verification")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("FRAME_EXTRACTOR_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("FRAME_EXTRACTOR_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	listenAddr := resolveListenAddr(*addr, os.Getenv("PORT"))

	uploadBytes := int64(resolveInt(*maxUploadMB, "MAX_UPLOAD_MB"))
	if uploadBytes <= 0 {
		uploadBytes = defaultMaxUploadMB
	}
	uploadBytes *= 1024 * 1024

	store, err := openDatastore(*storageDriver, *dataPath, datastoreFlags{
		dsn:            *postgresDSN,
		maxConns:       *postgresMaxConns,
		minConns:       *postgresMinConns,
		maxLifetime:    *postgresMaxConnLifetime,
		maxIdle:        *postgresMaxConnIdle,
		healthInterval: *postgresHealthInterval,
		acquireTimeout: *postgresAcquireTimeout,
		appName:        *postgresAppName,
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	frames := extractor.New(extractor.Config{
		FFmpegPath:       firstNonEmpty(*ffmpegPath, os.Getenv("FRAME_EXTRACTOR_FFMPEG")),
		FFprobePath:      firstNonEmpty(*ffprobePath, os.Getenv("FRAME_EXTRACTOR_FFPROBE")),
		MaxConcurrent:    int64(resolveInt(*maxConcurrent, "FRAME_EXTRACTOR_MAX_CONCURRENT")),
		FrameParallelism: resolveInt(*frameParallelism, "FRAME_EXTRACTOR_FRAME_PARALLELISM"),
		WorkDir:          firstNonEmpty(*workDir, os.Getenv("FRAME_EXTRACTOR_WORK_DIR")),
		Logger:           logging.WithComponent(logger, "extractor"),
	})
	if err := frames.CheckBinaries(); err != nil {
		logger.Warn("media binaries unavailable at startup", "error", err)
	}

	uploads := resolveDataDir(*uploadDir, "FRAME_EXTRACTOR_UPLOAD_DIR", "data/uploads")
	archives := resolveDataDir(*archiveDir, "FRAME_EXTRACTOR_ARCHIVE_DIR", "data/archives")

	retention := resolveRetention(*jobRetention, "FRAME_EXTRACTOR_JOB_RETENTION", 24*time.Hour)
	processor := api.NewJobProcessor(api.JobProcessorConfig{
		Store:      store,
		Extractor:  frames,
		ArchiveDir: archives,
		Workers:    resolveInt(*jobWorkers, "FRAME_EXTRACTOR_JOB_WORKERS"),
		QueueSize:  resolveInt(*jobQueueSize, "FRAME_EXTRACTOR_JOB_QUEUE_SIZE"),
		Timeout:    resolveDuration(*jobTimeout, "FRAME_EXTRACTOR_JOB_TIMEOUT", 15*time.Minute),
		Retention:  retention,
		Logger:     logging.WithComponent(logger, "jobs"),
		Metrics:    recorder,
	})
	processor.Start()

	handler := &api.Handler{
		Store:          store,
		Extractor:      frames,
		Processor:      processor,
		Logger:         logging.WithComponent(logger, "api"),
		Metrics:        recorder,
		MaxUploadBytes: uploadBytes,
		UploadDir:      uploads,
		ArchiveDir:     archives,
		APIKeyHash:     firstNonEmpty(*apiKeyHash, os.Getenv("FRAME_EXTRACTOR_API_KEY_HASH")),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	purgeStop := startRetentionPurgeWorker(ctx,
		logging.WithComponent(logger, "retention"),
		store,
		resolveDuration(*purgeInterval, "FRAME_EXTRACTOR_RETENTION_PURGE_INTERVAL", 15*time.Minute))
	defer purgeStop()

	origins := splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("CORS_ALLOW_ORIGINS")))
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("FRAME_EXTRACTOR_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("FRAME_EXTRACTOR_TLS_KEY")),
		},
		IdleTimeout:     resolveDuration(*keepAliveTimeout, "FRAME_EXTRACTOR_KEEP_ALIVE_TIMEOUT", 0),
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "FRAME_EXTRACTOR_SHUTDOWN_TIMEOUT", 0),
		RateLimit: server.RateLimitConfig{
			GlobalRPS:       resolveFloat(*globalRPS, "FRAME_EXTRACTOR_RATE_GLOBAL_RPS"),
			GlobalBurst:     resolveInt(*globalBurst, "FRAME_EXTRACTOR_RATE_GLOBAL_BURST"),
			ExtractLimit:    resolveInt(*extractLimit, "FRAME_EXTRACTOR_RATE_EXTRACT_LIMIT"),
			ExtractWindow:   resolveDuration(*extractWindow, "FRAME_EXTRACTOR_RATE_EXTRACT_WINDOW", time.Minute),
			RedisAddr:       firstNonEmpty(*redisAddr, os.Getenv("FRAME_EXTRACTOR_RATE_REDIS_ADDR")),
			RedisAddrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("FRAME_EXTRACTOR_RATE_REDIS_ADDRS"))),
			RedisUsername:   firstNonEmpty(*redisUsername, os.Getenv("FRAME_EXTRACTOR_RATE_REDIS_USERNAME")),
			RedisPassword:   firstNonEmpty(*redisPassword, os.Getenv("FRAME_EXTRACTOR_RATE_REDIS_PASSWORD")),
			RedisMasterName: firstNonEmpty(*redisMasterName, os.Getenv("FRAME_EXTRACTOR_RATE_REDIS_MASTER_NAME")),
			RedisPoolSize:   resolveInt(*redisPoolSize, "FRAME_EXTRACTOR_RATE_REDIS_POOL_SIZE"),
			RedisTimeout:    resolveDuration(*redisTimeout, "FRAME_EXTRACTOR_RATE_REDIS_TIMEOUT", 2*time.Second),
			RedisTLS: server.RedisTLSConfig{
				CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("FRAME_EXTRACTOR_RATE_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("FRAME_EXTRACTOR_RATE_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("FRAME_EXTRACTOR_RATE_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("FRAME_EXTRACTOR_RATE_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "FRAME_EXTRACTOR_RATE_REDIS_TLS_SKIP_VERIFY"),
			},
		},
		CORS:        server.CORSConfig{AllowedOrigins: origins},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("frame extractor API listening", "addr", listenAddr)
	logger.Info("metrics endpoint available", "path", "/metrics")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	purgeStop()
	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to stop job processor", "error", err)
	}

	if closer, ok := store.(interface{ Close() }); ok {
		closer.Close()
	} else if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	logger.Info("server stopped")
}

const (
	defaultPort        = "8000"
	defaultMaxUploadMB = 300
	defaultDataPath    = "data/jobs.json"
)

type datastoreFlags struct {
	dsn            string
	maxConns       int
	minConns       int
	maxLifetime    time.Duration
	maxIdle        time.Duration
	healthInterval time.Duration
	acquireTimeout time.Duration
	appName        string
}

func openDatastore(flagDriver, flagData string, pg datastoreFlags) (storage.Repository, error) {
	dsn := resolvePostgresDSN(pg.dsn)
	driver, err := resolveStorageDriver(flagDriver, os.Getenv("FRAME_EXTRACTOR_STORAGE_DRIVER"), dsn)
	if err != nil {
		return nil, err
	}

	switch driver {
	case "json":
		return storage.NewJSONRepository(resolveDataPath(flagData, os.Getenv("FRAME_EXTRACTOR_DATA")))
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		var options []storage.Option
		maxConns := resolveInt(pg.maxConns, "FRAME_EXTRACTOR_POSTGRES_MAX_CONNS")
		minConns := resolveInt(pg.minConns, "FRAME_EXTRACTOR_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			options = append(options, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(pg.maxLifetime, "FRAME_EXTRACTOR_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(pg.maxIdle, "FRAME_EXTRACTOR_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(pg.healthInterval, "FRAME_EXTRACTOR_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			options = append(options, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if timeout := resolveDuration(pg.acquireTimeout, "FRAME_EXTRACTOR_POSTGRES_ACQUIRE_TIMEOUT", 0); timeout > 0 {
			options = append(options, storage.WithPostgresAcquireTimeout(timeout))
		}
		if appName := firstNonEmpty(pg.appName, os.Getenv("FRAME_EXTRACTOR_POSTGRES_APP_NAME")); appName != "" {
			options = append(options, storage.WithPostgresApplicationName(appName))
		}
		return storage.NewPostgresRepository(dsn, options...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// resolveListenAddr prefers an explicit -addr flag, then the PORT environment
// variable, then the default port. The service binds all interfaces so it
// works unchanged inside containers.
func resolveListenAddr(flagValue, envPort string) string {
	if addr := strings.TrimSpace(flagValue); addr != "" {
		return addr
	}
	port := strings.TrimSpace(envPort)
	if port == "" {
		port = defaultPort
	}
	return "0.0.0.0:" + port
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(flagValue))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envValue))
	}
	if driver == "" {
		if postgresDSN != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json", "postgres":
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("FRAME_EXTRACTOR_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func resolveDataPath(flagValue, envValue string) string {
	if path := firstNonEmpty(flagValue, envValue); path != "" {
		return path
	}
	return defaultDataPath
}

func resolveDataDir(flagValue, envKey, fallback string) string {
	if dir := firstNonEmpty(flagValue, os.Getenv(envKey)); dir != "" {
		return dir
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

// resolveRetention keeps zero distinct from unset: an explicit 0, via flag or
// environment, disables expiry instead of falling back to the default.
func resolveRetention(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue >= 0 {
		return flagValue
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil && value >= 0 {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
