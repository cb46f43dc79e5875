package expressions

import (
	"strings"

	"github.com/calydon/orchid/pkg/schema"
)

// Scope holds all data available for reference resolution and condition
// evaluation during one step's scheduling:
//
//   - steps:    step ID -> output key -> recorded value
//   - inputs:   the workflow's original inputs
//   - workflow: instance metadata (instance_id, workflow name)
//   - errors:   bounded error-context summaries, oldest first
//
// A Scope is a snapshot built from a checkpointed ExecutionState; it is
// never mutated after construction and is safe to share.
type Scope struct {
	Steps    map[string]map[string]any
	Inputs   map[string]any
	Workflow map[string]any
	Errors   []map[string]any
}

// NewScope builds a Scope from an execution state. Context keys containing a
// dot are step outputs ("<step>.<key>"); the rest are workflow inputs.
func NewScope(st *schema.ExecutionState) *Scope {
	sc := &Scope{
		Steps:  make(map[string]map[string]any),
		Inputs: make(map[string]any),
		Workflow: map[string]any{
			"instance_id": st.InstanceID,
			"name":        st.Workflow,
		},
	}
	for k, v := range st.Context {
		if i := strings.Index(k, "."); i > 0 {
			stepID, key := k[:i], k[i+1:]
			m, ok := sc.Steps[stepID]
			if !ok {
				m = make(map[string]any)
				sc.Steps[stepID] = m
			}
			m[key] = v
		} else {
			sc.Inputs[k] = v
		}
	}
	for _, e := range st.ErrorContext {
		sc.Errors = append(sc.Errors, map[string]any{
			"step_id":  e.StepID,
			"code":     e.Code,
			"strategy": e.Strategy,
			"outcome":  e.Outcome,
			"message":  e.Message,
			"attempt":  e.Attempt,
		})
	}
	return sc
}

// Env returns the scope as an evaluation environment for the expression
// engines. Step outputs appear under "steps", inputs under "inputs", and so
// on, matching the reference namespaces.
func (sc *Scope) Env() map[string]any {
	steps := make(map[string]any, len(sc.Steps))
	for id, out := range sc.Steps {
		steps[id] = out
	}
	errs := make([]any, len(sc.Errors))
	for i, e := range sc.Errors {
		errs[i] = e
	}
	return map[string]any{
		"steps":    steps,
		"inputs":   sc.Inputs,
		"workflow": sc.Workflow,
		"errors":   errs,
	}
}
