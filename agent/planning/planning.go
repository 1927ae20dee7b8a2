// Package planning models hierarchical task decomposition: a
// StrategicGoal breaks into TacticalPlans, which break into
// OperationalSteps bound to concrete tool calls or human actions.
// Status moves through a validated lifecycle; the in-memory Store
// keeps the hierarchy consistent and can tell which steps are ready
// to run.
package planning

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state shared by goals, plans, and steps.
type Status string

const (
	// StatusPending is freshly created, not yet ready to run.
	StatusPending Status = "pending"
	// StatusReady means all preconditions are met.
	StatusReady Status = "ready"
	// StatusInProgress is actively executing.
	StatusInProgress Status = "in_progress"
	// StatusWaiting is blocked on another step or plan.
	StatusWaiting Status = "waiting_for_dependency"
	// StatusNeedsHuman is blocked on a human decision or action.
	StatusNeedsHuman Status = "requires_human_intervention"
	// StatusCompleted finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed finished unsuccessfully.
	StatusFailed Status = "failed"
	// StatusCancelled was abandoned by the user.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions lists the permitted moves. Cancellation is allowed from
// every non-terminal state and is not listed per-state.
var transitions = map[Status][]Status{
	StatusPending:    {StatusReady, StatusWaiting},
	StatusReady:      {StatusInProgress, StatusWaiting},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusWaiting, StatusNeedsHuman},
	StatusWaiting:    {StatusReady, StatusPending},
	StatusNeedsHuman: {StatusReady, StatusInProgress, StatusFailed},
}

// CanTransition reports whether a status may move from one state to
// another.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StrategicGoal is the top of the hierarchy: what the user ultimately
// wants, in the model's own words.
type StrategicGoal struct {
	ID              string    `json:"id"`
	RequestSummary  string    `json:"user_request_summary"`
	Description     string    `json:"description"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	TacticalPlanIDs []string  `json:"tactical_plan_ids,omitempty"`
	Properties      any       `json:"properties,omitempty"`
	OriginMessageID string    `json:"original_user_message_id,omitempty"`
}

// NewGoal creates a pending strategic goal.
func NewGoal(requestSummary, description string) StrategicGoal {
	now := time.Now()
	return StrategicGoal{
		ID:             uuid.New().String(),
		RequestSummary: requestSummary,
		Description:    description,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// TacticalPlan is one approach to (part of) a goal.
type TacticalPlan struct {
	ID            string    `json:"id"`
	GoalID        string    `json:"strategic_goal_id"`
	Description   string    `json:"description"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	StepIDs       []string  `json:"operational_step_ids,omitempty"`
	Preconditions []string  `json:"preconditions,omitempty"`
	Effects       []string  `json:"effects,omitempty"`
	Priority      int       `json:"priority,omitempty"`
	Properties    any       `json:"properties,omitempty"`
}

// NewPlan creates a pending tactical plan under a goal.
func NewPlan(goalID, description string) TacticalPlan {
	now := time.Now()
	return TacticalPlan{
		ID:          uuid.New().String(),
		GoalID:      goalID,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// OperationalStep is one executable unit of a tactical plan: a tool
// call, or an action only a human can take.
type OperationalStep struct {
	ID          string `json:"id"`
	PlanID      string `json:"tactical_plan_id"`
	Description string `json:"description"`
	// Tool and ToolParams bind the step to a qualified tool call;
	// empty Tool means the step is not tool-executable.
	Tool            string          `json:"tool_name,omitempty"`
	ToolParams      json.RawMessage `json:"tool_parameters,omitempty"`
	HumanAction     string          `json:"human_action_description,omitempty"`
	Status          Status          `json:"status"`
	ExpectedOutcome string          `json:"expected_outcome_description"`
	ActualOutcome   string          `json:"actual_outcome_description,omitempty"`
	Attempts        int             `json:"execution_attempts"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DependsOn       []string        `json:"depends_on_step_ids,omitempty"`
	Outputs         any             `json:"output_parameters,omitempty"`
	Properties      any             `json:"properties,omitempty"`
}

// NewStep creates a pending operational step under a plan.
func NewStep(planID, description, expectedOutcome string) OperationalStep {
	now := time.Now()
	return OperationalStep{
		ID:              uuid.New().String(),
		PlanID:          planID,
		Description:     description,
		Status:          StatusPending,
		ExpectedOutcome: expectedOutcome,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// WithTool binds the step to a qualified tool and its arguments.
func (s OperationalStep) WithTool(tool string, params json.RawMessage) OperationalStep {
	s.Tool = tool
	s.ToolParams = params
	return s
}

// WithHumanAction marks the step as requiring a human to act.
func (s OperationalStep) WithHumanAction(description string) OperationalStep {
	s.HumanAction = description
	return s
}

// DependingOn declares steps that must complete first.
func (s OperationalStep) DependingOn(stepIDs ...string) OperationalStep {
	s.DependsOn = append(s.DependsOn, stepIDs...)
	return s
}
