// Package resolver turns a step's declared input bindings into the concrete
// record passed to its tool. Literals pass through unchanged; ${{ ... }}
// references are resolved against the workflow's original inputs and prior
// steps' recorded outputs.
package resolver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/calydon/orchid/internal/expressions"
	"github.com/calydon/orchid/internal/tools"
	"github.com/calydon/orchid/pkg/schema"
)

// ErrorContextKey is the input key under which bounded failure summaries are
// injected for tools that declare they accept them.
const ErrorContextKey = "error_context"

// ErrorContextBudget caps the serialized size of the injected summaries.
// Oldest entries are discarded first to stay within budget.
const ErrorContextBudget = 4096

// Resolver resolves binding maps for step dispatch.
type Resolver struct {
	tokens *expressions.Resolver
}

// New creates a Resolver backed by the given expr engine.
func New(exprEngine *expressions.ExprEngine) *Resolver {
	return &Resolver{tokens: expressions.NewResolver(exprEngine)}
}

// Resolve produces the concrete input record for one step invocation. A
// reference to a missing upstream output is a hard error classified
// DATA_UNAVAILABLE: the step cannot run. The scheduler checks for this
// before dispatch, so at runtime it indicates a skipped or failed-optional
// upstream.
func (r *Resolver) Resolve(ctx context.Context, step *schema.StepDefinition, scope *expressions.Scope) (tools.Record, error) {
	out := make(tools.Record, len(step.Bindings))
	for key, raw := range step.Bindings {
		val, err := r.tokens.ResolveValue(ctx, raw, scope)
		if err != nil {
			var engErr *schema.EngineError
			if errors.As(err, &engErr) && engErr.Code == schema.ErrCodeInterpolation {
				return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
					"missing upstream output for binding %q: %s", key, engErr.Message).
					WithStep(step.ID).WithCause(err)
			}
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

// InjectErrorContext adds summarized prior failures to the input record,
// newest last, truncated to the size budget. Called only for tools whose
// descriptor declares AcceptsErrorContext.
func InjectErrorContext(input tools.Record, entries []schema.ErrorContextEntry) {
	if len(entries) == 0 {
		return
	}

	summaries := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		summaries = append(summaries, map[string]any{
			"step_id":  e.StepID,
			"code":     e.Code,
			"strategy": e.Strategy,
			"outcome":  e.Outcome,
			"message":  e.Message,
		})
	}

	// Drop oldest entries until the serialized form fits the budget.
	for len(summaries) > 1 {
		b, err := json.Marshal(summaries)
		if err != nil || len(b) <= ErrorContextBudget {
			break
		}
		summaries = summaries[1:]
	}

	input[ErrorContextKey] = summaries
}
