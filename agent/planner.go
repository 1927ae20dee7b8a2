package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/agent/planning"
	"github.com/gander-ai/gander/agent/trace"
	"github.com/gander-ai/gander/extension"
	"github.com/gander-ai/gander/llm"
	"github.com/gander-ai/gander/types"
)

// planMaxTokens bounds the completion that carries the plan document.
const planMaxTokens = 4096

// Planner decomposes a user request into a stored plan hierarchy with
// one structured completion call: a strategic goal, tactical plans
// under it, and operational steps bound to tools where the model can
// name one. The Planner writes into a planning.Store; executing the
// steps is the caller's business, typically by feeding ready steps
// back through an Agent.
type Planner struct {
	provider llm.Provider
	store    *planning.Store
	registry *extension.Registry
	model    string
	logger   *zap.Logger
	tracer   trace.Emitter
}

// NewPlanner creates a planner that asks provider, using model, to
// decompose requests, and stores the resulting hierarchy in store.
func NewPlanner(provider llm.Provider, store *planning.Store, model string, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		provider: provider,
		store:    store,
		model:    model,
		logger:   logger.With(zap.String("component", "planner")),
	}
}

// WithRegistry lists the registry's tools in the decomposition prompt
// so the model can bind steps to calls that actually exist.
func (p *Planner) WithRegistry(r *extension.Registry) *Planner {
	p.registry = r
	return p
}

// WithTraceEmitter records a plan_generated trace per decomposition.
func (p *Planner) WithTraceEmitter(e trace.Emitter) *Planner {
	p.tracer = e
	return p
}

// Decompose asks the model to break request down, stores the resulting
// goal, plans and steps, and returns the goal. The stored entities all
// start pending; promote steps with the store's status operations as
// they become runnable.
func (p *Planner) Decompose(ctx context.Context, sessionID, request string) (*planning.StrategicGoal, error) {
	if strings.TrimSpace(request) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "planning request is empty")
	}

	started := time.Now()
	resp, err := p.provider.Completion(ctx, &llm.ChatRequest{
		Model:     p.model,
		MaxTokens: planMaxTokens,
		Messages: []types.Message{
			types.NewSystemMessage(p.planningPrompt()),
			types.NewUserMessage(request),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("plan completion: %w", err)
	}
	msg := resp.First()
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return nil, types.NewError(types.ErrInvalidResponse, "provider returned an empty plan")
	}

	var doc planDocument
	if err := json.Unmarshal(extractJSONObject(msg.Content), &doc); err != nil {
		return nil, types.NewError(types.ErrInvalidResponse, "plan is not valid JSON").WithCause(err)
	}
	goal, err := p.storePlan(sessionID, request, &doc)
	if err != nil {
		return nil, err
	}

	p.logger.Info("plan generated",
		zap.String("session_id", sessionID),
		zap.String("goal_id", goal.ID),
		zap.Int("plans", len(doc.Plans)),
		zap.Duration("duration", time.Since(started)))
	if p.tracer != nil {
		t := trace.New(sessionID, trace.DecisionPlanGenerated,
			map[string]any{"request": request}, goal.ID).
			WithOutcome(map[string]any{"plans": len(doc.Plans)}).
			WithDuration(time.Since(started))
		if err := p.tracer.Emit(ctx, t); err != nil {
			p.logger.Warn("trace emission failed", zap.Error(err))
		}
	}
	return goal, nil
}

// storePlan loads a parsed document into the store. Step dependencies
// are declared as indices of earlier steps in the same plan and are
// rewritten to step ids here.
func (p *Planner) storePlan(sessionID, request string, doc *planDocument) (*planning.StrategicGoal, error) {
	if strings.TrimSpace(doc.Goal.Description) == "" {
		return nil, types.NewError(types.ErrInvalidResponse, "plan has no goal description")
	}
	if len(doc.Plans) == 0 {
		return nil, types.NewError(types.ErrInvalidResponse, "plan has no tactical plans")
	}

	summary := doc.Goal.Summary
	if summary == "" {
		summary = request
	}
	goal := planning.NewGoal(summary, doc.Goal.Description)
	goal.Properties = map[string]any{"session_id": sessionID}
	if err := p.store.AddGoal(goal); err != nil {
		return nil, fmt.Errorf("store goal: %w", err)
	}

	for pi, item := range doc.Plans {
		plan := planning.NewPlan(goal.ID, item.Description)
		plan.Priority = item.Priority
		plan.Preconditions = item.Preconditions
		plan.Effects = item.Effects
		if err := p.store.AddPlan(plan); err != nil {
			return nil, fmt.Errorf("store plan %d: %w", pi, err)
		}

		stepIDs := make([]string, 0, len(item.Steps))
		for si, raw := range item.Steps {
			step := planning.NewStep(plan.ID, raw.Description, raw.ExpectedOutcome)
			if raw.Tool != "" {
				step = step.WithTool(raw.Tool, raw.ToolParameters)
			}
			if raw.HumanAction != "" {
				step = step.WithHumanAction(raw.HumanAction)
			}
			for _, dep := range raw.DependsOn {
				if dep < 0 || dep >= si {
					return nil, types.NewError(types.ErrInvalidResponse,
						fmt.Sprintf("plan %d step %d depends on step %d, which does not precede it", pi, si, dep))
				}
				step = step.DependingOn(stepIDs[dep])
			}
			if err := p.store.AddStep(step); err != nil {
				return nil, fmt.Errorf("store plan %d step %d: %w", pi, si, err)
			}
			stepIDs = append(stepIDs, step.ID)
		}
	}
	return &goal, nil
}

// planDocument is the JSON shape the decomposition prompt asks for.
type planDocument struct {
	Goal struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
	} `json:"goal"`
	Plans []struct {
		Description   string   `json:"description"`
		Priority      int      `json:"priority"`
		Preconditions []string `json:"preconditions"`
		Effects       []string `json:"effects"`
		Steps         []struct {
			Description     string          `json:"description"`
			ExpectedOutcome string          `json:"expected_outcome"`
			Tool            string          `json:"tool"`
			ToolParameters  json.RawMessage `json:"tool_parameters"`
			HumanAction     string          `json:"human_action"`
			DependsOn       []int           `json:"depends_on"`
		} `json:"steps"`
	} `json:"plans"`
}

func (p *Planner) planningPrompt() string {
	var b strings.Builder
	b.WriteString(`You are a planning assistant. Decompose the user's request into a goal, tactical plans, and operational steps.

Respond with a single JSON object and nothing else:
{
  "goal": {"summary": "<the request in one sentence>", "description": "<what success looks like>"},
  "plans": [
    {
      "description": "<one approach or phase>",
      "priority": <1 is highest>,
      "preconditions": ["<what must hold before this plan starts>"],
      "effects": ["<what holds after it completes>"],
      "steps": [
        {
          "description": "<one executable action>",
          "expected_outcome": "<how to tell the step worked>",
          "tool": "<tool name from the list below, or empty>",
          "tool_parameters": {},
          "human_action": "<non-empty only when a human must act instead of a tool>",
          "depends_on": [<indices of earlier steps in this plan>]
        }
      ]
    }
  ]
}

Steps may only depend on steps that appear before them in the same plan. Leave "tool" empty rather than inventing one.`)

	if p.registry != nil {
		if tools := p.registry.ListTools(); len(tools) > 0 {
			b.WriteString("\n\nAvailable tools:\n")
			for _, tool := range tools {
				b.WriteString("- " + tool.Name)
				if desc := firstLine(tool.Description); desc != "" {
					b.WriteString(": " + desc)
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

// extractJSONObject cuts the first top-level JSON object out of text,
// tolerating markdown fences and prose around it.
func extractJSONObject(text string) []byte {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return []byte(text)
	}
	return []byte(text[start : end+1])
}
