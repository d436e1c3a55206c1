package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/relay/internal/features/board"
)

// Scenario is one pipeline test case.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Config overrides pipeline settings, using the keys of a config file.
	Config map[string]any `yaml:"config,omitempty"`

	// Board is the initial board state.
	Board BoardState `yaml:"board"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// BoardState seeds the board before the first step.
type BoardState struct {
	Tasks []board.Task          `yaml:"tasks"`
	Lists map[string][]string `yaml:"lists"`
}

// Step holds exactly one action.
type Step struct {
	Submit  *SubmitStep  `yaml:"submit,omitempty"`
	Respond *RespondStep `yaml:"respond,omitempty"`
	Fail    *FailStep    `yaml:"fail,omitempty"`
	Push    *PushStep    `yaml:"push,omitempty"`
	Wait    *WaitStep    `yaml:"wait,omitempty"`
}

// SubmitStep dispatches an instruction under ref.
type SubmitStep struct {
	Ref     string         `yaml:"ref"`
	Type    string         `yaml:"type"`
	Payload map[string]any `yaml:"payload"`
}

// RespondStep answers the in-flight request of ref.
type RespondStep struct {
	Ref    string `yaml:"ref"`
	Status int    `yaml:"status,omitempty"`
	Body   any    `yaml:"body,omitempty"`
}

// FailStep makes the in-flight request of ref fail at the transport.
type FailStep struct {
	Ref   string `yaml:"ref"`
	Error string `yaml:"error"`
}

// PushStep notifies a push event.
type PushStep struct {
	// Ref is the correlation id echoed by the event; empty for
	// server-originated changes.
	Ref         string `yaml:"ref,omitempty"`
	EventType   string `yaml:"event_type"`
	AggregateID string `yaml:"aggregate_id,omitempty"`
	Payload     any    `yaml:"payload,omitempty"`
}

// WaitStep blocks until ref settles.
type WaitStep struct {
	Ref string `yaml:"ref"`
	// Within bounds the wait; defaults to DefaultWait.
	Within string `yaml:"within,omitempty"`
}

// Assertion checks the final state of a scenario.
type Assertion struct {
	Type string `yaml:"type"`

	// Ref selects the instruction (outcome, error).
	Ref string `yaml:"ref,omitempty"`

	// Outcome is committed, discarded or failed (outcome).
	Outcome string `yaml:"outcome,omitempty"`

	// Code and Message describe the failure (error). Message is a substring.
	Code    string `yaml:"code,omitempty"`
	Message string `yaml:"message,omitempty"`

	// Count is the expected number of commits (commit_count).
	Count *int `yaml:"count,omitempty"`

	// View and Order are the expected list (list_order).
	View  string   `yaml:"view,omitempty"`
	Order []string `yaml:"order,omitempty"`

	// Task, Title and Completed describe the expected task (task_state).
	Task      string  `yaml:"task,omitempty"`
	Title     *string `yaml:"title,omitempty"`
	Completed *bool   `yaml:"completed,omitempty"`
}

// Assertion type constants.
const (
	AssertOutcome     = "outcome"
	AssertError       = "error"
	AssertCommitCount = "commit_count"
	AssertListOrder   = "list_order"
	AssertTaskState   = "task_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	refs := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, refs); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, refs); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, refs map[string]bool) error {
	set := 0
	for _, present := range []bool{step.Submit != nil, step.Respond != nil, step.Fail != nil, step.Push != nil, step.Wait != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of submit, respond, fail, push, wait is required", i)
	}

	known := func(ref string) error {
		if ref == "" {
			return fmt.Errorf("steps[%d]: ref is required", i)
		}
		if !refs[ref] {
			return fmt.Errorf("steps[%d]: ref %q is not submitted by an earlier step", i, ref)
		}
		return nil
	}

	switch {
	case step.Submit != nil:
		if step.Submit.Ref == "" || step.Submit.Type == "" {
			return fmt.Errorf("steps[%d].submit: ref and type are required", i)
		}
		if refs[step.Submit.Ref] {
			return fmt.Errorf("steps[%d].submit: duplicate ref %q", i, step.Submit.Ref)
		}
		refs[step.Submit.Ref] = true
	case step.Respond != nil:
		return known(step.Respond.Ref)
	case step.Fail != nil:
		if step.Fail.Error == "" {
			return fmt.Errorf("steps[%d].fail: error is required", i)
		}
		return known(step.Fail.Ref)
	case step.Push != nil:
		if step.Push.EventType == "" {
			return fmt.Errorf("steps[%d].push: event_type is required", i)
		}
		if step.Push.Ref != "" {
			return known(step.Push.Ref)
		}
	case step.Wait != nil:
		if step.Wait.Within != "" {
			if _, err := time.ParseDuration(step.Wait.Within); err != nil {
				return fmt.Errorf("steps[%d].wait: %w", i, err)
			}
		}
		return known(step.Wait.Ref)
	}
	return nil
}

func validateAssertion(i int, a Assertion, refs map[string]bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	case AssertOutcome:
		if !refs[a.Ref] {
			return fmt.Errorf("assertions[%d]: unknown ref %q", i, a.Ref)
		}
		switch a.Outcome {
		case outcomeCommitted, outcomeDiscarded, outcomeFailed:
		default:
			return fmt.Errorf("assertions[%d]: outcome must be committed, discarded or failed", i)
		}
	case AssertError:
		if !refs[a.Ref] {
			return fmt.Errorf("assertions[%d]: unknown ref %q", i, a.Ref)
		}
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for error", i)
		}
	case AssertCommitCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for commit_count", i)
		}
	case AssertListOrder:
		if a.View == "" {
			return fmt.Errorf("assertions[%d]: view is required for list_order", i)
		}
	case AssertTaskState:
		if a.Task == "" {
			return fmt.Errorf("assertions[%d]: task is required for task_state", i)
		}
		if a.Title == nil && a.Completed == nil {
			return fmt.Errorf("assertions[%d]: title or completed is required for task_state", i)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
