package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const fallbackFPS = 30.0

// ProbeResult summarises the facts the planner needs about an input video.
type ProbeResult struct {
	FPS      float64
	Duration float64
}

type probeStream struct {
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
	NBFrames     string `json:"nb_frames"`
	Duration     string `json:"duration"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

// probe inspects the first video stream of the input. Any failure to execute
// ffprobe or make sense of its output is reported as ErrOpenVideo so clients
// receive the canonical "could not open video" response.
func (e *Extractor) probe(ctx context.Context, inputPath string) (ProbeResult, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate,r_frame_rate,nb_frames,duration",
		"-show_entries", "format=duration",
		"-of", "json",
		inputPath,
	}
	out, err := e.runner.Run(ctx, e.ffprobePath, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ProbeResult{}, ctxErr
		}
		return ProbeResult{}, fmt.Errorf("%w: %v", ErrOpenVideo, err)
	}
	result, err := parseProbeOutput(out)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: %v", ErrOpenVideo, err)
	}
	return result, nil
}

func parseProbeOutput(raw []byte) (ProbeResult, error) {
	var decoded probeOutput
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ProbeResult{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if len(decoded.Streams) == 0 {
		return ProbeResult{}, fmt.Errorf("no video stream")
	}
	stream := decoded.Streams[0]

	fps := parseRational(stream.AvgFrameRate)
	if fps <= 0 {
		fps = parseRational(stream.RFrameRate)
	}
	if fps <= 0 {
		fps = fallbackFPS
	}

	duration := parsePositiveFloat(stream.Duration)
	if duration <= 0 {
		duration = parsePositiveFloat(decoded.Format.Duration)
	}
	if duration <= 0 {
		if frames := parsePositiveFloat(stream.NBFrames); frames > 0 {
			duration = frames / fps
		}
	}
	return ProbeResult{FPS: fps, Duration: duration}, nil
}

// parseRational evaluates ffprobe's num/den frame rate notation. Plain
// decimals are accepted too; anything unparseable or non-positive yields 0.
func parseRational(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if num, den, ok := strings.Cut(raw, "/"); ok {
		n, errN := strconv.ParseFloat(strings.TrimSpace(num), 64)
		d, errD := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if errN != nil || errD != nil || d == 0 {
			return 0
		}
		if v := n / d; v > 0 {
			return v
		}
		return 0
	}
	return parsePositiveFloat(raw)
}

func parsePositiveFloat(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0
	}
	return v
}
