package tools

import (
	"context"
	"encoding/json"
)

// Record is the structured input/output unit exchanged with a tool: a
// field-typed key/value map. The engine treats tool internals as opaque.
type Record map[string]any

// Call carries everything a tool receives for one invocation. The engine
// does not assume exactly-once delivery; tools requiring at-most-once side
// effects deduplicate on IdempotencyKey, which is stable across retries and
// resumes of the same step.
type Call struct {
	Input          Record `json:"input"`
	InstanceID     string `json:"instance_id"`
	StepID         string `json:"step_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Tool is an external, stateless unit of work invoked by a step.
type Tool interface {
	Name() string
	Descriptor() Descriptor
	Invoke(ctx context.Context, call Call) (Record, error)
}

// Descriptor declares a tool's contract to the engine.
type Descriptor struct {
	Description string `json:"description,omitempty"`
	// InputSchema, when set, is a JSON Schema the resolved input must
	// satisfy before dispatch.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// AcceptsErrorContext opts the tool into receiving bounded summaries of
	// prior failures under the "error_context" input key.
	AcceptsErrorContext bool `json:"accepts_error_context,omitempty"`
}

// Info is a summary of a registered tool for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Func adapts a plain function into a Tool. Used heavily in tests and by
// embedders wiring in-process business logic.
type Func struct {
	ToolName string
	Desc     Descriptor
	Fn       func(ctx context.Context, call Call) (Record, error)
}

func (f *Func) Name() string           { return f.ToolName }
func (f *Func) Descriptor() Descriptor { return f.Desc }

func (f *Func) Invoke(ctx context.Context, call Call) (Record, error) {
	return f.Fn(ctx, call)
}

var _ Tool = (*Func)(nil)
