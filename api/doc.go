// Package api defines the wire types of the gander HTTP API.
//
// The serve command exposes a small surface: a reply endpoint that
// runs one agent turn and streams its events over SSE, session
// listing and inspection backed by the configured session store, the
// extension catalog, and the usual health and metrics endpoints. The
// event payloads on the reply stream are agent.Event values encoded
// as JSON; this package only adds the request envelopes and list
// responses around them.
package api
