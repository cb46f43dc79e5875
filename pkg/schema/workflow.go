package schema

// WorkflowDefinition is the immutable, validated description of a workflow
// type. It is loaded once (deployment/configuration time) and shared
// read-only across every execution of that workflow.
type WorkflowDefinition struct {
	Name           string                   `json:"name"`
	Steps          []StepDefinition         `json:"steps"`
	Inputs         []string                 `json:"inputs,omitempty"`         // declared required input keys
	Compensations  []CompensationDefinition `json:"compensations,omitempty"`
	DefaultTimeout string                   `json:"default_timeout,omitempty"` // e.g. "30s", applied when a step has none
	DefaultRetry   *RetryPolicy             `json:"default_retry,omitempty"`
}

// StepDefinition describes a single node of the workflow graph: one
// invocation of an external tool.
type StepDefinition struct {
	ID            string         `json:"id"`
	Tool          string         `json:"tool"`
	AlternateTool string         `json:"alternate_tool,omitempty"` // tried once when the primary reports data-unavailable
	Bindings      map[string]any `json:"bindings,omitempty"`       // input key -> literal or ${{ ... }} reference
	Outputs       []string       `json:"outputs,omitempty"`        // output keys recorded into the context as <id>.<key>
	DependsOn     []string       `json:"depends_on,omitempty"`
	Condition     string         `json:"condition,omitempty"` // CEL expression, evaluated before dispatch
	Optional      bool           `json:"optional,omitempty"`  // failure does not abort the workflow
	AllowSkipped  bool           `json:"allow_skipped,omitempty"` // tolerate skipped dependencies
	Timeout       string         `json:"timeout,omitempty"`
	Retry         *RetryPolicy   `json:"retry,omitempty"`
}

// CompensationDefinition declares the rollback tool for one step. It is
// invoked with the step's recorded output when a later step fails
// unrecoverably.
type CompensationDefinition struct {
	StepID string `json:"step_id"`
	Tool   string `json:"tool"`
}

// RetryPolicy configures retry behavior for a step.
// Max is the number of retries after the initial attempt; delay grows as
// base * 2^attempt, capped at MaxDelay.
type RetryPolicy struct {
	Max      int    `json:"max"`
	Delay    string `json:"delay,omitempty"`     // base delay, e.g. "1s", "500ms"
	MaxDelay string `json:"max_delay,omitempty"` // cap on the computed delay
}

// Compensation returns the declared compensation for a step, or nil.
func (d *WorkflowDefinition) Compensation(stepID string) *CompensationDefinition {
	for i := range d.Compensations {
		if d.Compensations[i].StepID == stepID {
			return &d.Compensations[i]
		}
	}
	return nil
}

// Step returns the step definition with the given ID, or nil.
func (d *WorkflowDefinition) Step(id string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// RetryFor returns the effective retry policy for a step: the step override
// when present, otherwise the workflow default (which may be nil).
func (d *WorkflowDefinition) RetryFor(step *StepDefinition) *RetryPolicy {
	if step.Retry != nil {
		return step.Retry
	}
	return d.DefaultRetry
}

// TimeoutFor returns the effective timeout string for a step.
func (d *WorkflowDefinition) TimeoutFor(step *StepDefinition) string {
	if step.Timeout != "" {
		return step.Timeout
	}
	return d.DefaultTimeout
}
