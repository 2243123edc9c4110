package extractor

import (
	"fmt"
	"strconv"
	"strings"
)

// Formats accepted by the API. The extension doubles as the ffmpeg output
// suffix, which selects the image muxer.
const (
	FormatJPG  = "jpg"
	FormatPNG  = "png"
	FormatWebP = "webp"
)

// NormalizeFormat lowercases and validates a requested output format. An
// empty value falls back to jpg.
func NormalizeFormat(raw string) (string, error) {
	format := strings.ToLower(strings.TrimSpace(raw))
	if format == "" {
		return FormatJPG, nil
	}
	switch format {
	case FormatJPG, FormatPNG, FormatWebP:
		return format, nil
	default:
		return "", fmt.Errorf("fmt must be one of jpg, png, webp")
	}
}

// encoderArgs maps the 1-100 quality scale onto the encoder knobs of the
// selected format:
//
//   - jpg: mjpeg qscale, 2 (best) to 31 (worst), linear in quality.
//   - png: compression level (100-quality)/11 clamped to [0,9]; quality only
//     affects file size, PNG stays lossless.
//   - webp: libwebp's native 0-100 quality.
func encoderArgs(format string, quality int) ([]string, error) {
	switch format {
	case FormatJPG:
		return []string{"-q:v", strconv.Itoa(jpegQScale(quality))}, nil
	case FormatPNG:
		return []string{"-compression_level", strconv.Itoa(pngCompression(quality))}, nil
	case FormatWebP:
		return []string{"-c:v", "libwebp", "-quality", strconv.Itoa(quality)}, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

func jpegQScale(quality int) int {
	// quality 100 -> 2, quality 1 -> 31.
	scale := 2 + (100-quality)*(31-2)/99
	if scale < 2 {
		scale = 2
	}
	if scale > 31 {
		scale = 31
	}
	return scale
}

func pngCompression(quality int) int {
	comp := (100 - quality) / 11
	if comp < 0 {
		comp = 0
	}
	if comp > 9 {
		comp = 9
	}
	return comp
}
