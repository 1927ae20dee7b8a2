// Package tokenizer provides model-aware token counting.
//
// OpenAI-family models get exact counts through tiktoken; everything
// else falls back to the character-based estimator in the types
// package. Counters implement types.Tokenizer so the context manager
// never cares which kind it holds.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/gander-ai/gander/types"
)

// modelInfo describes one known model family.
type modelInfo struct {
	encoding     string // tiktoken encoding name, "" for estimator-only
	contextLimit int    // context window size in tokens
}

// Known model families, matched by longest prefix. Claude models have
// no public tokenizer, so they count via the estimator; their window
// sizes are still recorded here for context accounting defaults.
var modelTable = map[string]modelInfo{
	"gpt-4o":            {encoding: "o200k_base", contextLimit: 128000},
	"gpt-4.1":           {encoding: "o200k_base", contextLimit: 1047576},
	"gpt-4-turbo":       {encoding: "cl100k_base", contextLimit: 128000},
	"gpt-4":             {encoding: "cl100k_base", contextLimit: 8192},
	"gpt-3.5-turbo":     {encoding: "cl100k_base", contextLimit: 16385},
	"o3":                {encoding: "o200k_base", contextLimit: 200000},
	"o4-mini":           {encoding: "o200k_base", contextLimit: 200000},
	"claude-opus-4":     {contextLimit: 200000},
	"claude-sonnet-4":   {contextLimit: 200000},
	"claude-3-7-sonnet": {contextLimit: 200000},
	"claude-3-5-haiku":  {contextLimit: 200000},
}

var (
	overridesMu sync.RWMutex
	overrides   = map[string]types.Tokenizer{}
)

// Register installs a counter for an exact model name, taking priority
// over the built-in table. Intended for tests and custom deployments.
func Register(model string, t types.Tokenizer) {
	overridesMu.Lock()
	defer overridesMu.Unlock()
	overrides[model] = t
}

// ForModel returns a token counter for the given model. Unknown models
// and models without a public vocabulary get the estimator; the result
// is never nil.
func ForModel(model string) types.Tokenizer {
	overridesMu.RLock()
	if t, ok := overrides[model]; ok {
		overridesMu.RUnlock()
		return t
	}
	overridesMu.RUnlock()

	if info, ok := lookup(model); ok && info.encoding != "" {
		return NewTiktokenTokenizer(model, info.encoding)
	}
	return types.NewEstimateTokenizer()
}

// ContextLimit returns the known context window size for a model, or 0
// when the model is not in the table.
func ContextLimit(model string) int {
	if info, ok := lookup(model); ok {
		return info.contextLimit
	}
	return 0
}

// lookup finds the table entry whose key is the longest prefix of model.
func lookup(model string) (modelInfo, bool) {
	var best string
	var found modelInfo
	ok := false
	for prefix, info := range modelTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			found = info
			ok = true
		}
	}
	return found, ok
}
