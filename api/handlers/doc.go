// Package handlers implements the gander HTTP endpoints.
//
// ReplyHandler runs agent turns and streams their events as SSE.
// SessionsHandler exposes the session store for listing, inspection
// and deletion. HealthHandler serves liveness and readiness probes
// with pluggable checks. The package also carries the shared response
// envelope (WriteSuccess, WriteError) and the mapping from types
// error codes to HTTP status codes.
package handlers
