// Package api implements the HTTP handlers for the frame extraction service:
// the synchronous /extract_frames endpoint, the asynchronous job endpoints,
// and the health probe. Handlers parse multipart uploads as a stream so large
// videos never need to fit in memory.
package api
