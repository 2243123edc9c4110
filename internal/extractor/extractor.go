package extractor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"frame-extractor/internal/models"
)

const (
	defaultMaxConcurrent    = 4
	defaultFrameParallelism = 2
)

// Config controls how the Extractor spawns and bounds its helper processes.
type Config struct {
	// FFmpegPath and FFprobePath override the binaries resolved from PATH.
	FFmpegPath  string
	FFprobePath string
	// MaxConcurrent caps ffmpeg frame grabs across all requests.
	MaxConcurrent int64
	// FrameParallelism caps concurrent grabs within one request.
	FrameParallelism int
	// WorkDir hosts per-request frame directories and archive spool files.
	WorkDir string
	Logger  *slog.Logger
}

// Request names one input video and the sampling parameters to apply to it.
type Request struct {
	InputPath string
	Params    models.ExtractionParams
}

// Result describes the archive produced by a successful extraction. The
// caller owns ArchivePath and removes it when done.
type Result struct {
	ArchivePath      string
	FrameCount       int
	ArchiveSizeBytes int64
}

// ProgressFunc receives coarse completion percentages as an extraction
// advances: 10 after the probe, 10-95 while grabbing, 100 once archived.
type ProgressFunc func(percent int)

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type Extractor struct {
	ffmpegPath       string
	ffprobePath      string
	sem              *semaphore.Weighted
	frameParallelism int
	workDir          string
	logger           *slog.Logger
	runner           commandRunner
}

func New(cfg Config) *Extractor {
	ffmpegPath := cfg.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ffprobePath := cfg.FFprobePath
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	frameParallelism := cfg.FrameParallelism
	if frameParallelism <= 0 {
		frameParallelism = defaultFrameParallelism
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "frame-extractor")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		ffmpegPath:       ffmpegPath,
		ffprobePath:      ffprobePath,
		sem:              semaphore.NewWeighted(maxConcurrent),
		frameParallelism: frameParallelism,
		workDir:          workDir,
		logger:           logger,
		runner:           &execRunner{logger: logger},
	}
}

// CheckBinaries verifies the configured ffmpeg and ffprobe binaries resolve,
// for health reporting.
func (e *Extractor) CheckBinaries() error {
	for _, bin := range []string{e.ffmpegPath, e.ffprobePath} {
		if filepath.IsAbs(bin) || filepath.Base(bin) != bin {
			if _, err := os.Stat(bin); err != nil {
				return fmt.Errorf("stat %s: %w", bin, err)
			}
			continue
		}
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("resolve %s: %w", bin, err)
		}
	}
	return nil
}

// Extract runs the full pipeline for one request: probe the input, lay out the
// grab schedule, pull one frame per timestamp, and bundle the frames into a
// ZIP spool file. Grabs that fail to decode are skipped; an extraction that
// produces no frames at all fails with ErrNoFrames.
func (e *Extractor) Extract(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if progress == nil {
		progress = func(int) {}
	}
	params := applyDefaults(req.Params)
	format, err := NormalizeFormat(params.Format)
	if err != nil {
		return Result{}, err
	}
	encArgs, err := encoderArgs(format, params.Quality)
	if err != nil {
		return Result{}, err
	}

	probe, err := e.probe(ctx, req.InputPath)
	if err != nil {
		return Result{}, err
	}
	progress(10)

	schedule, err := buildPlan(probe, params)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(e.workDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("prepare work dir: %w", err)
	}
	grabDir, err := os.MkdirTemp(e.workDir, "frames-")
	if err != nil {
		return Result{}, fmt.Errorf("create frame dir: %w", err)
	}
	defer os.RemoveAll(grabDir)

	grabbed, err := e.grabFrames(ctx, req.InputPath, grabDir, format, encArgs, schedule.timestamps, progress)
	if err != nil {
		return Result{}, err
	}

	frames := dedupeFrames(schedule.timestamps, grabbed, format)
	if len(frames) == 0 {
		return Result{}, ErrNoFrames
	}

	archivePath, size, err := e.spoolArchive(frames)
	if err != nil {
		return Result{}, err
	}
	progress(100)

	return Result{ArchivePath: archivePath, FrameCount: len(frames), ArchiveSizeBytes: size}, nil
}

// grabFrames pulls one frame per timestamp, bounded by the per-request
// parallelism limit and the service-wide semaphore. The returned slice holds
// the grab output path per schedule index, empty where the grab was skipped.
func (e *Extractor) grabFrames(ctx context.Context, input, grabDir, format string, encArgs []string, timestamps []float64, progress ProgressFunc) ([]string, error) {
	grabbed := make([]string, len(timestamps))
	var done atomic.Int64
	total := int64(len(timestamps))

	g, grabCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.frameParallelism)
	for i, ts := range timestamps {
		i, ts := i, ts
		g.Go(func() error {
			if err := e.sem.Acquire(grabCtx, 1); err != nil {
				return err
			}
			defer e.sem.Release(1)

			out := filepath.Join(grabDir, fmt.Sprintf("grab_%06d.%s", i, format))
			args := []string{
				"-hide_banner",
				"-loglevel", "error",
				"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
				"-i", input,
				"-frames:v", "1",
			}
			args = append(args, encArgs...)
			args = append(args, "-y", out)

			if _, err := e.runner.Run(grabCtx, e.ffmpegPath, args...); err != nil {
				if ctxErr := grabCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				// Undecodable timestamp: skip it, the rest can still land.
				e.logger.Warn("frame grab failed", "timestamp", ts, "error", err)
				return nil
			}
			if _, err := os.Stat(out); err != nil {
				e.logger.Warn("frame grab produced no file", "timestamp", ts)
				return nil
			}
			grabbed[i] = out
			completed := done.Add(1)
			progress(10 + int(85*completed/total))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return grabbed, nil
}

// dedupeFrames assigns archive names in schedule order. Names carry the
// timestamp truncated to whole seconds, so sub-second sampling can collide;
// the later grab wins and the name appears once.
func dedupeFrames(timestamps []float64, grabbed []string, format string) []frameFile {
	seen := make(map[string]int)
	frames := make([]frameFile, 0, len(grabbed))
	for i, path := range grabbed {
		if path == "" {
			continue
		}
		name := fmt.Sprintf("frame_%04ds.%s", int(timestamps[i]), format)
		if idx, ok := seen[name]; ok {
			frames[idx].path = path
			continue
		}
		seen[name] = len(frames)
		frames = append(frames, frameFile{name: name, path: path})
	}
	return frames
}

func (e *Extractor) spoolArchive(frames []frameFile) (string, int64, error) {
	spool, err := os.CreateTemp(e.workDir, "archive-*.zip")
	if err != nil {
		return "", 0, fmt.Errorf("create archive spool: %w", err)
	}
	if err := writeArchive(frames, spool); err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return "", 0, err
	}
	info, err := spool.Stat()
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return "", 0, fmt.Errorf("stat archive: %w", err)
	}
	if err := spool.Close(); err != nil {
		os.Remove(spool.Name())
		return "", 0, fmt.Errorf("close archive: %w", err)
	}
	return spool.Name(), info.Size(), nil
}

func applyDefaults(params models.ExtractionParams) models.ExtractionParams {
	defaults := DefaultParams()
	if params.EveryS == 0 {
		params.EveryS = defaults.EveryS
	}
	if params.Format == "" {
		params.Format = defaults.Format
	}
	if params.Quality == 0 {
		params.Quality = defaults.Quality
	}
	if params.MaxFrames == 0 {
		params.MaxFrames = defaults.MaxFrames
	}
	if params.ZipName == "" {
		params.ZipName = defaults.ZipName
	}
	return params
}

// execRunner spawns real processes. ffmpeg and ffprobe write diagnostics to
// stderr, which is forwarded line by line to the logger.
type execRunner struct {
	logger *slog.Logger
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = newLogWriter(r.logger, filepath.Base(name))
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return stdout.Bytes(), nil
}

type logWriter struct {
	logger *slog.Logger
	tool   string
}

func newLogWriter(logger *slog.Logger, tool string) *logWriter {
	return &logWriter{logger: logger, tool: tool}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("tool output", "tool", w.tool, "line", string(line))
	}
	return total, nil
}
