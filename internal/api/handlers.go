package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"frame-extractor/internal/extractor"
	"frame-extractor/internal/models"
	"frame-extractor/internal/observability/metrics"
	"frame-extractor/internal/storage"
)

// FrameExtractor is the extraction pipeline the handlers drive. Satisfied by
// *extractor.Extractor; tests substitute fakes.
type FrameExtractor interface {
	Extract(ctx context.Context, req extractor.Request, progress extractor.ProgressFunc) (extractor.Result, error)
	CheckBinaries() error
}

// Handler bundles the dependencies shared by all HTTP endpoints.
type Handler struct {
	Store     storage.Repository
	Extractor FrameExtractor
	Processor *JobProcessor
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// MaxUploadBytes caps the size of one uploaded video.
	MaxUploadBytes int64
	// UploadDir spools uploaded videos; ArchiveDir keeps job archives.
	UploadDir  string
	ArchiveDir string
	// APIKeyHash guards destructive job operations when non-empty.
	APIKeyHash string
	Clock      func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now().UTC()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// maxFieldBytes bounds non-file form fields so a malicious part cannot
// balloon memory.
const maxFieldBytes = 4096

// uploadForm is the parsed result of one multipart upload request.
type uploadForm struct {
	sourceName string
	sourcePath string
	params     models.ExtractionParams
}

// parseUploadForm streams the multipart body, spooling the file part to disk
// and applying the parameter fields as they arrive. A bad value sent ahead of
// the file part therefore fails before any bytes are spooled. The caller owns
// sourcePath and removes it when done. Errors are RequestError values carrying
// the response status.
func (h *Handler) parseUploadForm(r *http.Request) (uploadForm, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return uploadForm{}, RequestError{Status: http.StatusBadRequest, Message: "multipart form upload required"}
	}

	form := uploadForm{params: extractor.DefaultParams()}
	success := false
	defer func() {
		if !success && form.sourcePath != "" {
			_ = os.Remove(form.sourcePath)
		}
	}()

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return uploadForm{}, RequestError{Status: http.StatusBadRequest, Message: "malformed multipart body"}
		}

		if part.FormName() == "file" {
			if form.sourcePath != "" {
				part.Close()
				continue
			}
			form.sourceName = filepath.Base(part.FileName())
			path, err := h.spoolUpload(part)
			part.Close()
			if err != nil {
				return uploadForm{}, err
			}
			form.sourcePath = path
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		part.Close()
		if err != nil {
			return uploadForm{}, RequestError{Status: http.StatusBadRequest, Message: "malformed multipart body"}
		}
		if err := applyParamField(&form.params, part.FormName(), strings.TrimSpace(string(value))); err != nil {
			return uploadForm{}, err
		}
	}

	if form.sourcePath == "" {
		return uploadForm{}, RequestError{Status: http.StatusBadRequest, Message: "file is required"}
	}

	success = true
	return form, nil
}

// spoolUpload copies the file part to the upload directory, keeping the
// original extension so ffmpeg can sniff the container format.
func (h *Handler) spoolUpload(part *multipart.Part) (string, error) {
	ext := strings.ToLower(filepath.Ext(part.FileName()))
	if ext == "" {
		ext = ".mp4"
	}
	if err := os.MkdirAll(h.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("prepare upload dir: %w", err)
	}
	spool, err := os.CreateTemp(h.UploadDir, "upload-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create upload spool: %w", err)
	}

	// A non-positive cap means unlimited.
	limit := h.MaxUploadBytes
	var src io.Reader = part
	if limit > 0 {
		src = io.LimitReader(part, limit+1)
	}
	written, err := io.Copy(spool, src)
	if closeErr := spool.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(spool.Name())
		return "", fmt.Errorf("spool upload: %w", err)
	}
	if limit > 0 && written > limit {
		_ = os.Remove(spool.Name())
		return "", RequestError{
			Status:  http.StatusRequestEntityTooLarge,
			Message: fmt.Sprintf("File exceeds %dMB limit.", limit/(1024*1024)),
		}
	}
	return spool.Name(), nil
}

// applyParamField validates one form field in stream order. Empty values keep
// the defaults; unknown fields are ignored.
func applyParamField(params *models.ExtractionParams, name, value string) error {
	if value == "" {
		return nil
	}
	switch name {
	case "every_s":
		return setFloatField(&params.EveryS, name, value)
	case "start_s":
		return setFloatField(&params.StartS, name, value)
	case "end_s":
		return setFloatField(&params.EndS, name, value)
	case "quality":
		if err := setIntField(&params.Quality, name, value); err != nil {
			return err
		}
		if params.Quality < 1 || params.Quality > 100 {
			return RequestError{Status: http.StatusBadRequest, Message: "quality must be between 1 and 100"}
		}
	case "max_frames":
		return setIntField(&params.MaxFrames, name, value)
	case "fmt":
		format, err := extractor.NormalizeFormat(value)
		if err != nil {
			return RequestError{Status: http.StatusBadRequest, Message: err.Error()}
		}
		params.Format = format
	case "zip_name":
		params.ZipName = value
	}
	return nil
}

func setFloatField(dst *float64, name, value string) error {
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("invalid %s", name)}
	}
	*dst = parsed
	return nil
}

func setIntField(dst *int, name, value string) error {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("invalid %s", name)}
	}
	*dst = parsed
	return nil
}

// ExtractFrames handles the synchronous endpoint: upload a video, wait for
// the extraction, download the ZIP in the same response.
func (h *Handler) ExtractFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	form, err := h.parseUploadForm(r)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}
	defer os.Remove(form.sourcePath)

	recorder := h.recorder()
	recorder.ExtractionStarted("sync")

	result, err := h.Extractor.Extract(r.Context(), extractor.Request{
		InputPath: form.sourcePath,
		Params:    form.params,
	}, nil)
	if err != nil {
		recorder.ExtractionFailed("sync")
		if r.Context().Err() != nil {
			// Client went away; nothing useful left to write.
			return
		}
		h.logger().Error("extraction failed", "source", form.sourceName, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("Processing failed: %s", extractor.UserMessage(err)))
		return
	}
	defer os.Remove(result.ArchivePath)
	recorder.ExtractionCompleted("sync", result.FrameCount, result.ArchiveSizeBytes)

	h.serveArchive(w, r, result.ArchivePath, extractor.SanitizeArchiveName(form.params.ZipName))
}

// serveArchive streams a ZIP file as an attachment download.
func (h *Handler) serveArchive(w http.ResponseWriter, r *http.Request, path, downloadName string) {
	file, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("open archive: %w", err))
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("stat archive: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, file); err != nil {
		h.logger().Warn("archive download interrupted", "error", err)
	}
}

func (h *Handler) writeRequestError(w http.ResponseWriter, err error) {
	var reqErr RequestError
	if errors.As(err, &reqErr) {
		writeError(w, reqErr.Status, reqErr)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

// Health reports the status of the datastore and the media binaries.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	services, overall, status := h.serviceHealth(r.Context())
	writeJSON(w, status, map[string]interface{}{
		"status":   overall,
		"services": services,
	})
}
