// Package metrics aggregates in-memory counters and gauges for HTTP traffic
// and extraction activity and renders them in Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// ExtractionLabel identifies an extraction lifecycle event by mode ("sync" or
// "job") and status ("start", "complete", "fail").
type ExtractionLabel struct {
	Mode   string
	Status string
}

// Recorder coordinates concurrent writers via a RWMutex while exposing
// thread-safe gauges for in-flight work.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	extractionEvents  map[ExtractionLabel]uint64
	framesExtracted   atomic.Uint64
	archiveBytes      atomic.Uint64
	activeExtractions atomic.Int64
	queueDepth        atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		extractionEvents: make(map[ExtractionLabel]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ExtractionStarted records the beginning of an extraction in the provided
// mode and increments the active extraction gauge.
func (r *Recorder) ExtractionStarted(mode string) {
	r.recordExtractionEvent(mode, "start")
	r.activeExtractions.Add(1)
}

// ExtractionCompleted records a successful extraction together with the
// number of frames and archive bytes it produced, and decrements the active
// extraction gauge.
func (r *Recorder) ExtractionCompleted(mode string, frames int, archiveBytes int64) {
	r.recordExtractionEvent(mode, "complete")
	if frames > 0 {
		r.framesExtracted.Add(uint64(frames))
	}
	if archiveBytes > 0 {
		r.archiveBytes.Add(uint64(archiveBytes))
	}
	r.decrementGauge(&r.activeExtractions)
}

// ExtractionFailed records a failed extraction and decrements the active
// extraction gauge, guarding against negative counts when updates race.
func (r *Recorder) ExtractionFailed(mode string) {
	r.recordExtractionEvent(mode, "fail")
	r.decrementGauge(&r.activeExtractions)
}

func (r *Recorder) recordExtractionEvent(mode, status string) {
	label := ExtractionLabel{
		Mode:   normalizeName(mode),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.extractionEvents[label]++
	r.mu.Unlock()
}

// SetQueueDepth records the number of jobs waiting in the extraction queue.
func (r *Recorder) SetQueueDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	r.queueDepth.Store(int64(depth))
}

// ActiveExtractions exposes the current gauge of in-flight extractions.
func (r *Recorder) ActiveExtractions() int64 {
	return r.activeExtractions.Load()
}

// QueueDepth exposes the last recorded extraction queue depth.
func (r *Recorder) QueueDepth() int64 {
	return r.queueDepth.Load()
}

// ExtractionCounts returns a copy of the extraction event counters for
// testing and reporting purposes.
func (r *Recorder) ExtractionCounts() map[ExtractionLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[ExtractionLabel]uint64, len(r.extractionEvents))
	for k, v := range r.extractionEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.extractionEvents = make(map[ExtractionLabel]uint64)
	r.framesExtracted.Store(0)
	r.archiveBytes.Store(0)
	r.activeExtractions.Store(0)
	r.queueDepth.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	extractionLabels := r.sortedExtractionLabels()

	fmt.Fprintln(w, "# HELP frame_extractor_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE frame_extractor_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "frame_extractor_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP frame_extractor_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE frame_extractor_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "frame_extractor_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP frame_extractor_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE frame_extractor_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "frame_extractor_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP frame_extractor_extractions_total Extraction lifecycle events by mode and status")
	fmt.Fprintln(w, "# TYPE frame_extractor_extractions_total counter")
	for _, label := range extractionLabels {
		count := r.extractionEvents[label]
		fmt.Fprintf(w, "frame_extractor_extractions_total{mode=\"%s\",status=\"%s\"} %d\n", label.Mode, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP frame_extractor_active_extractions Current number of in-flight extractions")
	fmt.Fprintln(w, "# TYPE frame_extractor_active_extractions gauge")
	fmt.Fprintf(w, "frame_extractor_active_extractions %d\n", r.activeExtractions.Load())

	fmt.Fprintln(w, "# HELP frame_extractor_frames_total Total frames written into archives")
	fmt.Fprintln(w, "# TYPE frame_extractor_frames_total counter")
	fmt.Fprintf(w, "frame_extractor_frames_total %d\n", r.framesExtracted.Load())

	fmt.Fprintln(w, "# HELP frame_extractor_archive_bytes_total Total bytes of produced ZIP archives")
	fmt.Fprintln(w, "# TYPE frame_extractor_archive_bytes_total counter")
	fmt.Fprintf(w, "frame_extractor_archive_bytes_total %d\n", r.archiveBytes.Load())

	fmt.Fprintln(w, "# HELP frame_extractor_job_queue_depth Jobs waiting in the extraction queue")
	fmt.Fprintln(w, "# TYPE frame_extractor_job_queue_depth gauge")
	fmt.Fprintf(w, "frame_extractor_job_queue_depth %d\n", r.queueDepth.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedExtractionLabels() []ExtractionLabel {
	labels := make([]ExtractionLabel, 0, len(r.extractionEvents))
	for label := range r.extractionEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Mode != labels[j].Mode {
			return labels[i].Mode < labels[j].Mode
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

// normalizePath collapses job identifiers so per-id URLs share one label set.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier matches the hex ids issued by the datastore without
// swallowing fixed route segments like "extract_frames".
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 && isHex(segment) {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func isHex(segment string) bool {
	for _, r := range segment {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
