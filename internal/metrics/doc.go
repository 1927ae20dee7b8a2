// Package metrics collects Prometheus metrics for the agent loop and
// the serving surface: turns, provider requests and token usage, tool
// executions, context-window actions, loop-guard trips, approvals, and
// HTTP traffic. Collectors register through promauto under a single
// namespace. A nil *Collector records nothing, so metrics stay
// optional for library embedders and tests.
package metrics
