package extractor

import (
	"math"

	"frame-extractor/internal/models"
)

const (
	// endTolerance keeps the final timestamp inclusive despite float drift.
	endTolerance = 1e-6
	// minStep is the floor applied to every_s so a zero or negative interval
	// cannot loop forever.
	minStep = 0.001
)

// DefaultParams returns the documented parameter defaults applied when a
// client omits form fields.
func DefaultParams() models.ExtractionParams {
	return models.ExtractionParams{
		EveryS:    1.0,
		StartS:    0,
		EndS:      0,
		Format:    "jpg",
		Quality:   95,
		MaxFrames: 1000,
		ZipName:   "frames_1s.zip",
	}
}

// plan is the resolved sampling schedule for one extraction.
type plan struct {
	timestamps []float64
	fps        float64
	duration   float64
}

// buildPlan resolves the requested range against the probed duration and lays
// out the grab timestamps. EndS <= 0 means "full length". The schedule starts
// at StartS and steps by EveryS (floored at one millisecond), emitting
// millisecond-rounded timestamps up to and including EndS, capped at
// MaxFrames entries.
func buildPlan(probe ProbeResult, params models.ExtractionParams) (plan, error) {
	end := params.EndS
	if end <= 0 {
		end = probe.Duration
	}
	if params.StartS < 0 || params.StartS >= end {
		return plan{}, ErrInvalidRange
	}

	step := params.EveryS
	if step < minStep {
		step = minStep
	}
	maxFrames := params.MaxFrames
	if maxFrames <= 0 {
		maxFrames = DefaultParams().MaxFrames
	}

	var timestamps []float64
	for t := params.StartS; t <= end+endTolerance; t += step {
		if len(timestamps) >= maxFrames {
			break
		}
		timestamps = append(timestamps, round3(t))
	}
	return plan{timestamps: timestamps, fps: probe.FPS, duration: probe.Duration}, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
