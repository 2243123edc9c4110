// Package server hosts the frame extraction API behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// audit, metrics, rate limiting, CORS, and security headers so handlers all
// share common protections and instrumentation. It serves the API routes and
// the embedded upload page from one multiplexer.
package server
