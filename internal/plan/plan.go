// Package plan implements the Plan/Step state machine (spec §3, §4.5):
// an ordered list of steps with at most one in-progress step, monotone
// status transitions, and the advance/fail operations the orchestrator
// drives each iteration.
package plan

import (
	"fmt"
	"time"
)

// Status is a Step's lifecycle state. Transitions are monotone:
// pending -> in_progress -> {done, failed}. No other transition is valid.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// allowedTransitions enumerates the monotone DAG from spec §4.5.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusInProgress: true},
	StatusInProgress: {StatusDone: true, StatusFailed: true},
	StatusDone:       {},
	StatusFailed:     {},
}

// Step is one unit of work in a Plan (spec §3).
type Step struct {
	ID               int      `json:"id"`
	Description      string   `json:"description"`
	SuccessCriteria  string   `json:"success_criteria"`
	Status           Status   `json:"status"`
	Notes            []string `json:"notes,omitempty"`
	ExpectedState    string   `json:"expected_state,omitempty"`
	RecoverySteps    []string `json:"recovery_steps,omitempty"`
	SubSteps         []string `json:"sub_steps,omitempty"`
}

// transition validates and applies a status change, returning an error if
// the transition is not permitted by the monotone DAG.
func (s *Step) transition(to Status) error {
	allowed := allowedTransitions[s.Status]
	if !allowed[to] {
		return fmt.Errorf("step %d: illegal transition %s -> %s", s.ID, s.Status, to)
	}
	s.Status = to
	return nil
}

// Plan is an ordered, user-prompted sequence of Steps with one current
// in-progress pointer (spec §3, §4.5).
type Plan struct {
	ID               string    `json:"id"`
	UserPrompt       string    `json:"user_prompt"`
	Steps            []Step    `json:"steps"`
	CurrentStepIndex int       `json:"current_step_index"`
	CreatedAt        time.Time `json:"created_at"`
}

// New builds a Plan from steps, placing the first step in_progress, matching
// the "exactly one step in-progress" invariant.
func New(id, userPrompt string, steps []Step) (*Plan, error) {
	p := &Plan{ID: id, UserPrompt: userPrompt, Steps: steps}
	if err := p.Normalize(); err != nil {
		return nil, err
	}
	return p, nil
}

// Normalize enforces "exactly one step in-progress" after deserialization
// from planner output (spec §4.5): if no step is in_progress, promotes the
// first non-done step. If the plan is already complete, leaves it alone.
func (p *Plan) Normalize() error {
	inProgress := -1
	for i := range p.Steps {
		if p.Steps[i].Status == StatusInProgress {
			if inProgress != -1 {
				// More than one in_progress: demote all but the first found.
				p.Steps[i].Status = StatusPending
				continue
			}
			inProgress = i
		}
	}
	if inProgress == -1 {
		for i := range p.Steps {
			if p.Steps[i].Status != StatusDone && p.Steps[i].Status != StatusFailed {
				p.Steps[i].Status = StatusInProgress
				inProgress = i
				break
			}
		}
	}
	if inProgress == -1 {
		p.CurrentStepIndex = len(p.Steps)
		return nil
	}
	p.CurrentStepIndex = inProgress
	return p.checkInvariant()
}

// checkInvariant verifies at most one in_progress step and that
// CurrentStepIndex points at it (spec §8 property 1).
func (p *Plan) checkInvariant() error {
	count := 0
	idx := -1
	for i := range p.Steps {
		if p.Steps[i].Status == StatusInProgress {
			count++
			idx = i
		}
	}
	if count > 1 {
		return fmt.Errorf("plan invariant violated: %d steps in_progress", count)
	}
	if count == 1 && p.CurrentStepIndex != idx {
		return fmt.Errorf("plan invariant violated: current_step_index=%d but in_progress step is %d", p.CurrentStepIndex, idx)
	}
	if count == 0 && p.CurrentStepIndex != len(p.Steps) {
		return fmt.Errorf("plan invariant violated: current_step_index=%d but no step in_progress and plan has %d steps", p.CurrentStepIndex, len(p.Steps))
	}
	return nil
}

// CurrentStep returns the in-progress step, or nil if the plan is complete.
func (p *Plan) CurrentStep() *Step {
	if p.CurrentStepIndex < 0 || p.CurrentStepIndex >= len(p.Steps) {
		return nil
	}
	return &p.Steps[p.CurrentStepIndex]
}

// IsComplete reports whether every step has reached a terminal status and
// there is no step left to run.
func (p *Plan) IsComplete() bool {
	return p.CurrentStepIndex >= len(p.Steps)
}

// Advance marks the current step done and promotes the next pending step
// to in_progress, or marks the plan complete if none remain (spec §4.5).
func (p *Plan) Advance() error {
	cur := p.CurrentStep()
	if cur == nil {
		return fmt.Errorf("advance: plan already complete")
	}
	if err := cur.transition(StatusDone); err != nil {
		return err
	}
	for i := p.CurrentStepIndex + 1; i < len(p.Steps); i++ {
		if p.Steps[i].Status == StatusPending {
			if err := p.Steps[i].transition(StatusInProgress); err != nil {
				return err
			}
			p.CurrentStepIndex = i
			return nil
		}
	}
	p.CurrentStepIndex = len(p.Steps)
	return nil
}

// FailCurrent marks the current step failed and records the reason,
// advancing CurrentStepIndex to the next pending step so the loop can
// continue past an unrecoverable step (spec §4.5, §4.9 step 13/16).
func (p *Plan) FailCurrent(note string) error {
	cur := p.CurrentStep()
	if cur == nil {
		return fmt.Errorf("fail_current: plan already complete")
	}
	if err := cur.transition(StatusFailed); err != nil {
		return err
	}
	if note != "" {
		cur.Notes = append(cur.Notes, note)
	}
	for i := p.CurrentStepIndex + 1; i < len(p.Steps); i++ {
		if p.Steps[i].Status == StatusPending {
			if err := p.Steps[i].transition(StatusInProgress); err != nil {
				return err
			}
			p.CurrentStepIndex = i
			return nil
		}
	}
	p.CurrentStepIndex = len(p.Steps)
	return nil
}

// UpcomingSteps returns up to n pending steps after the current one, used
// by the executor adapter's compact plan view (spec §4.6).
func (p *Plan) UpcomingSteps(n int) []Step {
	var out []Step
	for i := p.CurrentStepIndex + 1; i < len(p.Steps) && len(out) < n; i++ {
		out = append(out, p.Steps[i])
	}
	return out
}
