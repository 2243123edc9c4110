package extractor

import "errors"

// Sentinel failures surfaced to clients. The user-facing phrasing is part of
// the API contract and must not drift.
var (
	ErrOpenVideo    = errors.New("could not open video")
	ErrInvalidRange = errors.New("invalid start/end range")
	ErrNoFrames     = errors.New("no frames were extracted (check your time range)")
)

// UserMessage converts an extraction failure into the message clients see.
// Sentinel errors map to their canonical capitalised sentences; anything else
// is passed through verbatim.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrOpenVideo):
		return "Could not open video."
	case errors.Is(err, ErrInvalidRange):
		return "Invalid start/end range."
	case errors.Is(err, ErrNoFrames):
		return "No frames were extracted (check your time range)."
	case err == nil:
		return ""
	default:
		return err.Error()
	}
}
