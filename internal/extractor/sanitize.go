package extractor

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const defaultArchiveName = "frames_1s.zip"

// SanitizeArchiveName reduces a client-supplied download name to a safe ASCII
// filename suitable for a Content-Disposition header. Accented characters are
// folded to their base letters; path separators, control characters, quotes,
// and any remaining non-ASCII runes are dropped. An empty result falls back to
// the default archive name, and a .zip extension is enforced.
func SanitizeArchiveName(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return defaultArchiveName
	}

	folder := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(folder, name); err == nil {
		name = folded
	}

	// Keep the basename only; clients occasionally send full paths.
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.', r == ' ':
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), " .")
	if cleaned == "" || cleaned == "zip" {
		return defaultArchiveName
	}
	if !strings.HasSuffix(strings.ToLower(cleaned), ".zip") {
		cleaned += ".zip"
	}
	return cleaned
}
