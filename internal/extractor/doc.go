// Package extractor samples still frames from uploaded videos by shelling out
// to ffprobe and ffmpeg, then bundles the encoded images into a ZIP archive.
//
// The package exposes a single Extractor whose Extract method runs the full
// probe/plan/grab/archive pipeline for one request. Concurrency is bounded at
// two levels: a service-wide weighted semaphore caps the number of ffmpeg
// processes across all requests, and an errgroup limit caps how many grabs a
// single request may run in parallel so one large job cannot monopolise the
// semaphore. Every spawned process inherits the request context, so client
// disconnects and job timeouts terminate ffmpeg promptly.
package extractor
