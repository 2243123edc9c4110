package extractor

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"

	"frame-extractor/internal/models"
)

// fakeRunner stands in for ffmpeg and ffprobe. Probe calls return canned
// JSON; grab calls write the ffmpeg output file unless the timestamp is in
// the failure set.
type fakeRunner struct {
	mu        sync.Mutex
	probeJSON string
	probeErr  error
	failAt    map[string]bool
	grabCalls int
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if name == "ffprobe" {
		if r.probeErr != nil {
			return nil, r.probeErr
		}
		return []byte(r.probeJSON), nil
	}

	r.mu.Lock()
	r.grabCalls++
	r.mu.Unlock()

	var ts, out string
	for i, arg := range args {
		switch arg {
		case "-ss":
			ts = args[i+1]
		case "-y":
			out = args[i+1]
		}
	}
	if r.failAt[ts] {
		return nil, errors.New("decode failed")
	}
	return nil, os.WriteFile(out, []byte("frame@"+ts), 0o644)
}

func newTestExtractor(t *testing.T, runner commandRunner) *Extractor {
	t.Helper()
	e := New(Config{
		WorkDir: t.TempDir(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	e.runner = runner
	return e
}

func probeJSON(duration float64) string {
	return fmt.Sprintf(`{"streams":[{"avg_frame_rate":"30/1","duration":"%g"}]}`, duration)
}

func readArchiveNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestExtractProducesArchive(t *testing.T) {
	runner := &fakeRunner{probeJSON: probeJSON(3)}
	e := newTestExtractor(t, runner)

	var progress []int
	result, err := e.Extract(context.Background(), Request{InputPath: "in.mp4"}, func(p int) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	t.Cleanup(func() { os.Remove(result.ArchivePath) })

	if result.FrameCount != 4 {
		t.Fatalf("expected 4 frames for 0..3 at 1s, got %d", result.FrameCount)
	}
	if result.ArchiveSizeBytes <= 0 {
		t.Fatalf("expected positive archive size, got %d", result.ArchiveSizeBytes)
	}

	names := readArchiveNames(t, result.ArchivePath)
	want := []string{"frame_0000s.jpg", "frame_0001s.jpg", "frame_0002s.jpg", "frame_0003s.jpg"}
	if len(names) != len(want) {
		t.Fatalf("archive entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("archive entries = %v, want %v", names, want)
		}
	}

	if len(progress) == 0 || progress[len(progress)-1] != 100 {
		t.Fatalf("expected progress to finish at 100, got %v", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}
}

func TestExtractSkipsFailedGrabs(t *testing.T) {
	runner := &fakeRunner{
		probeJSON: probeJSON(3),
		failAt:    map[string]bool{"1.000": true},
	}
	e := newTestExtractor(t, runner)

	result, err := e.Extract(context.Background(), Request{InputPath: "in.mp4"}, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	t.Cleanup(func() { os.Remove(result.ArchivePath) })

	if result.FrameCount != 3 {
		t.Fatalf("expected failed grab to be skipped, got %d frames", result.FrameCount)
	}
	for _, name := range readArchiveNames(t, result.ArchivePath) {
		if name == "frame_0001s.jpg" {
			t.Fatal("skipped grab still present in archive")
		}
	}
}

func TestExtractAllGrabsFailing(t *testing.T) {
	runner := &fakeRunner{
		probeJSON: probeJSON(1),
		failAt:    map[string]bool{"0.000": true, "1.000": true},
	}
	e := newTestExtractor(t, runner)

	_, err := e.Extract(context.Background(), Request{InputPath: "in.mp4"}, nil)
	if !errors.Is(err, ErrNoFrames) {
		t.Fatalf("expected ErrNoFrames, got %v", err)
	}
}

func TestExtractSubSecondSamplingDedupes(t *testing.T) {
	runner := &fakeRunner{probeJSON: probeJSON(1)}
	e := newTestExtractor(t, runner)

	req := Request{
		InputPath: "in.mp4",
		Params:    models.ExtractionParams{EveryS: 0.5, EndS: 1},
	}
	result, err := e.Extract(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	t.Cleanup(func() { os.Remove(result.ArchivePath) })

	// 0.0, 0.5, 1.0 truncate to seconds 0, 0, 1: two entries, no duplicates.
	names := readArchiveNames(t, result.ArchivePath)
	if len(names) != 2 {
		t.Fatalf("expected deduplicated archive, got %v", names)
	}
	seen := map[string]bool{}
	for _, name := range names {
		if seen[name] {
			t.Fatalf("duplicate entry %q in archive", name)
		}
		seen[name] = true
	}
	if !seen["frame_0000s.jpg"] || !seen["frame_0001s.jpg"] {
		t.Fatalf("unexpected entries %v", names)
	}
}

func TestExtractLaterGrabWinsName(t *testing.T) {
	grabbed := []string{"", "half", "one"}
	timestamps := []float64{0, 0.5, 1}
	frames := dedupeFrames(timestamps, grabbed, FormatJPG)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].name != "frame_0000s.jpg" || frames[0].path != "half" {
		t.Fatalf("expected later grab to back the colliding name, got %+v", frames[0])
	}
	if frames[1].name != "frame_0001s.jpg" || frames[1].path != "one" {
		t.Fatalf("unexpected second frame %+v", frames[1])
	}
}

func TestExtractProbeFailure(t *testing.T) {
	runner := &fakeRunner{probeErr: errors.New("exit status 1")}
	e := newTestExtractor(t, runner)

	_, err := e.Extract(context.Background(), Request{InputPath: "in.mp4"}, nil)
	if !errors.Is(err, ErrOpenVideo) {
		t.Fatalf("expected ErrOpenVideo, got %v", err)
	}
	if UserMessage(err) != "Could not open video." {
		t.Fatalf("unexpected user message %q", UserMessage(err))
	}
}

func TestExtractInvalidRange(t *testing.T) {
	runner := &fakeRunner{probeJSON: probeJSON(5)}
	e := newTestExtractor(t, runner)

	req := Request{
		InputPath: "in.mp4",
		Params:    models.ExtractionParams{StartS: 9, EndS: 4},
	}
	_, err := e.Extract(context.Background(), req, nil)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestExtractRejectsUnknownFormat(t *testing.T) {
	runner := &fakeRunner{probeJSON: probeJSON(5)}
	e := newTestExtractor(t, runner)

	req := Request{
		InputPath: "in.mp4",
		Params:    models.ExtractionParams{Format: "gif"},
	}
	if _, err := e.Extract(context.Background(), req, nil); err == nil {
		t.Fatal("expected format validation error")
	}
	if runner.grabCalls != 0 {
		t.Fatal("format validation must happen before any grab")
	}
}

func TestExtractCanceledContext(t *testing.T) {
	runner := &fakeRunner{probeJSON: probeJSON(30)}
	e := newTestExtractor(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Extract(ctx, Request{InputPath: "in.mp4"}, nil)
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
}

func TestExtractMaxFramesCap(t *testing.T) {
	runner := &fakeRunner{probeJSON: probeJSON(100)}
	e := newTestExtractor(t, runner)

	req := Request{
		InputPath: "in.mp4",
		Params:    models.ExtractionParams{MaxFrames: 5},
	}
	result, err := e.Extract(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	t.Cleanup(func() { os.Remove(result.ArchivePath) })

	if result.FrameCount != 5 {
		t.Fatalf("expected cap at 5 frames, got %d", result.FrameCount)
	}
	if runner.grabCalls != 5 {
		t.Fatalf("expected 5 grab invocations, got %d", runner.grabCalls)
	}
}

func TestCheckBinariesMissing(t *testing.T) {
	e := New(Config{
		FFmpegPath:  "/nonexistent/ffmpeg-" + strconv.Itoa(os.Getpid()),
		FFprobePath: "/nonexistent/ffprobe",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := e.CheckBinaries(); err == nil {
		t.Fatal("expected missing binary error")
	}
}
