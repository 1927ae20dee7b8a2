package planning

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sentinel errors for store operations.
var (
	ErrNotFound          = errors.New("plan entity not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store keeps one session's plan hierarchy in memory. Parents must
// exist before children attach, and status changes go through the
// lifecycle rules, so the hierarchy cannot drift into inconsistent
// shapes.
type Store struct {
	mu    sync.RWMutex
	goals map[string]StrategicGoal
	plans map[string]TacticalPlan
	steps map[string]OperationalStep
}

// NewStore creates an empty plan store.
func NewStore() *Store {
	return &Store{
		goals: make(map[string]StrategicGoal),
		plans: make(map[string]TacticalPlan),
		steps: make(map[string]OperationalStep),
	}
}

// AddGoal stores a new strategic goal.
func (s *Store) AddGoal(goal StrategicGoal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.goals[goal.ID]; exists {
		return fmt.Errorf("goal %s already exists", goal.ID)
	}
	s.goals[goal.ID] = goal
	return nil
}

// AddPlan stores a tactical plan and links it under its goal.
func (s *Store) AddPlan(plan TacticalPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	goal, ok := s.goals[plan.GoalID]
	if !ok {
		return fmt.Errorf("goal %s: %w", plan.GoalID, ErrNotFound)
	}
	if _, exists := s.plans[plan.ID]; exists {
		return fmt.Errorf("plan %s already exists", plan.ID)
	}
	s.plans[plan.ID] = plan
	goal.TacticalPlanIDs = append(goal.TacticalPlanIDs, plan.ID)
	goal.UpdatedAt = time.Now()
	s.goals[goal.ID] = goal
	return nil
}

// AddStep stores an operational step and links it under its plan.
// Declared dependencies must already exist.
func (s *Store) AddStep(step OperationalStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[step.PlanID]
	if !ok {
		return fmt.Errorf("plan %s: %w", step.PlanID, ErrNotFound)
	}
	if _, exists := s.steps[step.ID]; exists {
		return fmt.Errorf("step %s already exists", step.ID)
	}
	for _, dep := range step.DependsOn {
		if _, ok := s.steps[dep]; !ok {
			return fmt.Errorf("dependency step %s: %w", dep, ErrNotFound)
		}
	}
	s.steps[step.ID] = step
	plan.StepIDs = append(plan.StepIDs, step.ID)
	plan.UpdatedAt = time.Now()
	s.plans[plan.ID] = plan
	return nil
}

// Goal returns one goal by id.
func (s *Store) Goal(id string) (*StrategicGoal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	goal, ok := s.goals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &goal, nil
}

// Plan returns one plan by id.
func (s *Store) Plan(id string) (*TacticalPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &plan, nil
}

// Step returns one step by id.
func (s *Store) Step(id string) (*OperationalStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &step, nil
}

// PlansForGoal returns a goal's plans in attachment order.
func (s *Store) PlansForGoal(goalID string) ([]TacticalPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	goal, ok := s.goals[goalID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]TacticalPlan, 0, len(goal.TacticalPlanIDs))
	for _, id := range goal.TacticalPlanIDs {
		out = append(out, s.plans[id])
	}
	return out, nil
}

// StepsForPlan returns a plan's steps in attachment order.
func (s *Store) StepsForPlan(planID string) ([]OperationalStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]OperationalStep, 0, len(plan.StepIDs))
	for _, id := range plan.StepIDs {
		out = append(out, s.steps[id])
	}
	return out, nil
}

// SetGoalStatus moves a goal's status through the lifecycle rules.
func (s *Store) SetGoalStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	goal, ok := s.goals[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(goal.Status, status) {
		return fmt.Errorf("goal %s: %s -> %s: %w", id, goal.Status, status, ErrInvalidTransition)
	}
	goal.Status = status
	goal.UpdatedAt = time.Now()
	s.goals[id] = goal
	return nil
}

// SetPlanStatus moves a plan's status through the lifecycle rules.
func (s *Store) SetPlanStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(plan.Status, status) {
		return fmt.Errorf("plan %s: %s -> %s: %w", id, plan.Status, status, ErrInvalidTransition)
	}
	plan.Status = status
	plan.UpdatedAt = time.Now()
	s.plans[id] = plan
	return nil
}

// SetStepStatus moves a step's status through the lifecycle rules.
// Entering in_progress bumps the attempt counter.
func (s *Store) SetStepStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(step.Status, status) {
		return fmt.Errorf("step %s: %s -> %s: %w", id, step.Status, status, ErrInvalidTransition)
	}
	if status == StatusInProgress && step.Status != StatusInProgress {
		step.Attempts++
	}
	step.Status = status
	step.UpdatedAt = time.Now()
	s.steps[id] = step
	return nil
}

// RecordStepOutcome stores what actually happened when a step ran,
// plus any outputs later steps may consume.
func (s *Store) RecordStepOutcome(id, actualOutcome string, outputs any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return ErrNotFound
	}
	step.ActualOutcome = actualOutcome
	if outputs != nil {
		step.Outputs = outputs
	}
	step.UpdatedAt = time.Now()
	s.steps[id] = step
	return nil
}

// ReadySteps returns a plan's pending steps whose dependencies have
// all completed, in attachment order. These are the steps the caller
// may promote to ready.
func (s *Store) ReadySteps(planID string) ([]OperationalStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []OperationalStep
	for _, id := range plan.StepIDs {
		step := s.steps[id]
		if step.Status != StatusPending {
			continue
		}
		blocked := false
		for _, dep := range step.DependsOn {
			if s.steps[dep].Status != StatusCompleted {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, step)
		}
	}
	return out, nil
}
