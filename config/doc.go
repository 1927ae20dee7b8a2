// Package config loads the process configuration from defaults, an
// optional YAML file, and environment variable overrides, in that
// order. Section structs carry yaml tags; environment keys are
// derived from them, e.g. agent.model becomes GANDER_AGENT_MODEL.
package config
