package agent

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/agent/promptvars"
	"github.com/gander-ai/gander/extension"
)

// PromptAssembler renders the system prompt for each provider turn
// from three sections: base instructions, extension prompt fragments,
// and a summary of the tool catalog.
type PromptAssembler struct {
	instructions string
	registry     *extension.Registry
	variants     promptvars.Provider
	variantKey   string
	logger       *zap.Logger
}

// NewPromptAssembler creates an assembler over static instructions
// and an optional extension registry.
func NewPromptAssembler(instructions string, registry *extension.Registry, logger *zap.Logger) *PromptAssembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromptAssembler{
		instructions: strings.TrimSpace(instructions),
		registry:     registry,
		logger:       logger.With(zap.String("component", "prompt_assembler")),
	}
}

// WithVariants routes the base instructions through a prompt-variant
// provider: the active variant for typeKey replaces the static
// instructions when one exists.
func (a *PromptAssembler) WithVariants(provider promptvars.Provider, typeKey string) *PromptAssembler {
	a.variants = provider
	a.variantKey = typeKey
	return a
}

// Assemble renders the system prompt, substituting {{var}} template
// variables from vars. It returns the variant that supplied the
// instructions so callers can report its performance afterward, or
// nil when the static instructions were used. Variant lookup failures
// fall back to the static instructions.
func (a *PromptAssembler) Assemble(ctx context.Context, vars map[string]string) (string, *promptvars.Variant) {
	instructions := a.instructions
	var variant *promptvars.Variant

	if a.variants != nil && a.variantKey != "" {
		v, err := a.variants.ActiveVariant(ctx, a.variantKey)
		switch {
		case err != nil:
			a.logger.Warn("variant lookup failed, using static instructions",
				zap.String("type_key", a.variantKey),
				zap.Error(err))
		case v != nil:
			instructions = strings.TrimSpace(v.Template)
			variant = v
		}
	}

	var parts []string
	if s := replaceTemplateVars(instructions, vars); s != "" {
		parts = append(parts, s)
	}

	if a.registry != nil {
		if fragments := a.registry.Instructions(); len(fragments) > 0 {
			lines := []string{"# Extensions"}
			for _, fragment := range fragments {
				lines = append(lines, "", "## "+fragment.ExtensionID, strings.TrimSpace(fragment.Text))
			}
			parts = append(parts, strings.Join(lines, "\n"))
		}

		if tools := a.registry.ListTools(); len(tools) > 0 {
			lines := []string{"# Available tools"}
			for _, tool := range tools {
				line := "- " + tool.Name
				if desc := firstLine(tool.Description); desc != "" {
					line += ": " + desc
				}
				lines = append(lines, line)
			}
			parts = append(parts, strings.Join(lines, "\n"))
		}
	}

	return strings.Join(parts, "\n\n"), variant
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

// templateVarRegexp matches {{variable}} with optional inner spaces.
var templateVarRegexp = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.-]*)\s*\}\}`)

// replaceTemplateVars substitutes template variables, leaving unknown
// ones untouched.
func replaceTemplateVars(text string, vars map[string]string) string {
	if text == "" || len(vars) == 0 {
		return text
	}
	return templateVarRegexp.ReplaceAllStringFunc(text, func(match string) string {
		submatch := templateVarRegexp.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		if val, ok := vars[submatch[1]]; ok {
			return val
		}
		return match
	})
}
