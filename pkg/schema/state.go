package schema

import "time"

// WorkflowStatus enumerates the lifecycle states of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusInitiated WorkflowStatus = "initiated"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// StepStatus enumerates the lifecycle states of a single step.
type StepStatus string

const (
	StepStatusPending     StepStatus = "pending"
	StepStatusRunning     StepStatus = "running"
	StepStatusCompleted   StepStatus = "completed"
	StepStatusFailed      StepStatus = "failed"
	StepStatusSkipped     StepStatus = "skipped"
	StepStatusCompensated StepStatus = "compensated"
)

// Terminal reports whether a step status admits no further transitions
// (compensation of a completed step excepted).
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCompensated:
		return true
	}
	return false
}

// MaxErrorContextEntries bounds the error-context list carried by an
// ExecutionState. Oldest entries are discarded first.
const MaxErrorContextEntries = 32

// ExecutionState is the aggregate for one running workflow instance. It is
// mutated by whole-record replacement: the controller clones the last
// checkpointed state, applies one transition, increments Version, and
// persists the result. Every persisted snapshot is independently
// inspectable; the state becomes immutable once Status is terminal.
type ExecutionState struct {
	InstanceID   string               `json:"instance_id"`
	Workflow     string               `json:"workflow"`
	Status       WorkflowStatus       `json:"status"`
	Records      []StepExecutionRecord `json:"records"`
	Context      map[string]any       `json:"context"` // declared inputs + "<step>.<output>" keys
	ErrorContext []ErrorContextEntry  `json:"error_context,omitempty"`
	Version      int64                `json:"version"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// StepExecutionRecord is one step's outcome across its attempts.
type StepExecutionRecord struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	Inputs      map[string]any `json:"inputs,omitempty"`  // resolved inputs used
	Output      map[string]any `json:"output,omitempty"`  // recorded tool output
	Attempts    int            `json:"attempts"`
	Tool        string         `json:"tool,omitempty"` // tool that produced the outcome (may be the alternate)
	Sequence    int            `json:"sequence,omitempty"` // completion order, assigned by the controller
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       *EngineError   `json:"error,omitempty"`
}

// ErrorContextEntry is a compact summary of one failure plus the recovery
// strategy applied, appended to the execution state for auditability and to
// let later steps adapt their inputs.
type ErrorContextEntry struct {
	StepID   string    `json:"step_id"`
	Code     string    `json:"code"`
	Strategy string    `json:"strategy"` // retry, alternate_tool, escalate, compensate, abort
	Outcome  string    `json:"outcome"`  // retried, recovered, skipped, failed, compensation_failed
	Message  string    `json:"message,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	At       time.Time `json:"at"`
}

// NewExecutionState creates the version-1 state for a freshly launched
// instance: every step pending, the context seeded with the inputs.
func NewExecutionState(instanceID string, def *WorkflowDefinition, inputs map[string]any) *ExecutionState {
	now := time.Now().UTC()
	st := &ExecutionState{
		InstanceID: instanceID,
		Workflow:   def.Name,
		Status:     WorkflowStatusInitiated,
		Records:    make([]StepExecutionRecord, 0, len(def.Steps)),
		Context:    make(map[string]any, len(inputs)),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for k, v := range inputs {
		st.Context[k] = v
	}
	for _, s := range def.Steps {
		st.Records = append(st.Records, StepExecutionRecord{StepID: s.ID, Status: StepStatusPending})
	}
	return st
}

// Clone returns a deep copy. Mutating the clone never affects the receiver,
// which keeps previously checkpointed snapshots inspectable.
func (s *ExecutionState) Clone() *ExecutionState {
	out := *s
	out.Records = make([]StepExecutionRecord, len(s.Records))
	for i, r := range s.Records {
		cp := r
		cp.Inputs = copyMap(r.Inputs)
		cp.Output = copyMap(r.Output)
		if r.Error != nil {
			e := *r.Error
			cp.Error = &e
		}
		out.Records[i] = cp
	}
	out.Context = copyMap(s.Context)
	out.ErrorContext = make([]ErrorContextEntry, len(s.ErrorContext))
	copy(out.ErrorContext, s.ErrorContext)
	return &out
}

// Record returns the execution record for a step, or nil.
func (s *ExecutionState) Record(stepID string) *StepExecutionRecord {
	for i := range s.Records {
		if s.Records[i].StepID == stepID {
			return &s.Records[i]
		}
	}
	return nil
}

// AppendErrorContext appends an entry, discarding the oldest entries when
// the bounded capacity is exceeded.
func (s *ExecutionState) AppendErrorContext(e ErrorContextEntry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.ErrorContext = append(s.ErrorContext, e)
	if n := len(s.ErrorContext); n > MaxErrorContextEntries {
		s.ErrorContext = s.ErrorContext[n-MaxErrorContextEntries:]
	}
}

// RecordOutput merges a completed step's bound outputs into the context
// under "<stepID>.<key>".
func (s *ExecutionState) RecordOutput(stepID string, output map[string]any) {
	for k, v := range output {
		s.Context[stepID+"."+k] = v
	}
}

// NextSequence returns the completion sequence number for the next step to
// finish. Completion order is tracked explicitly so compensation can walk it
// in reverse even when concurrent timestamps interleave.
func (s *ExecutionState) NextSequence() int {
	max := 0
	for i := range s.Records {
		if s.Records[i].Sequence > max {
			max = s.Records[i].Sequence
		}
	}
	return max + 1
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
