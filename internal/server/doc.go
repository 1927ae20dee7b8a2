// Package server manages the HTTP server lifecycle: non-blocking
// start, connection capping, graceful shutdown and signal handling.
//
// Manager wraps net/http.Server with a bounded listener and an
// asynchronous error channel. Start and StartTLS return immediately;
// WaitForShutdown blocks until SIGINT/SIGTERM or a serve failure and
// then drains in-flight requests within the configured timeout.
package server
