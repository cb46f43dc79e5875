package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/calydon/orchid/internal/logging"
	"github.com/calydon/orchid/internal/tools"
	"github.com/calydon/orchid/pkg/schema"
)

// DefaultStepTimeout applies when neither the step nor the workflow declares
// a timeout.
const DefaultStepTimeout = 30 * time.Second

// StepExecutor is the dispatch boundary between the engine and external
// tools. One invocation is one attempt: the executor applies the step
// deadline, validates the resolved input against the tool's declared schema,
// invokes the tool, and classifies whatever comes back. It never touches
// shared execution state.
type StepExecutor struct {
	registry *tools.MapRegistry
	logger   *slog.Logger
}

// NewStepExecutor creates a StepExecutor over the given tool registry.
func NewStepExecutor(registry *tools.MapRegistry, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{registry: registry, logger: logger}
}

// IdempotencyKey returns the stable dedup key for a step: the same key is
// presented on every retry and every resume of the same step, so tools can
// implement at-most-once side effects.
func IdempotencyKey(instanceID, stepID string) string {
	return instanceID + "/" + stepID
}

// Invoke runs one attempt of a step against the named tool and returns the
// raw output record. Errors always carry a taxonomy code: an expired step
// deadline is TIMEOUT_ERROR regardless of what the tool returned.
func (e *StepExecutor) Invoke(ctx context.Context, instanceID, stepID, toolName string, input tools.Record, timeout time.Duration) (tools.Record, *schema.EngineError) {
	tool, err := e.registry.Get(toolName)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
			"tool %q is not registered", toolName).WithStep(stepID).WithCause(err)
	}

	if err := e.registry.ValidateInput(toolName, input); err != nil {
		engErr := Classify(err)
		engErr.StepID = stepID
		return nil, engErr
	}

	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	attemptCtx = logging.WithStepID(logging.WithInstanceID(attemptCtx, instanceID), stepID)

	start := time.Now()

	// The tool runs in its own goroutine so the deadline is enforced here,
	// not by the tool's willingness to honor its context. When the deadline
	// fires first the invocation is abandoned; a late result from the
	// orphaned goroutine is discarded.
	type invokeResult struct {
		output tools.Record
		err    error
	}
	done := make(chan invokeResult, 1)
	go func() {
		output, invokeErr := tool.Invoke(attemptCtx, tools.Call{
			Input:          input,
			InstanceID:     instanceID,
			StepID:         stepID,
			IdempotencyKey: IdempotencyKey(instanceID, stepID),
		})
		done <- invokeResult{output: output, err: invokeErr}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		if attemptCtx.Err() == context.DeadlineExceeded {
			e.logger.WarnContext(attemptCtx, "tool abandoned at step deadline",
				slog.String("tool", toolName),
				slog.Duration("timeout", timeout))
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"tool %q exceeded step timeout %s", toolName, timeout).WithStep(stepID)
		}
		return nil, schema.NewError(schema.ErrCodeCancelled, "step aborted").
			WithStep(stepID).WithCause(attemptCtx.Err())
	}
	elapsed := time.Since(start)

	if res.err != nil {
		// The deadline expiring takes precedence over whatever error the
		// tool surfaced while being torn down.
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"tool %q exceeded step timeout %s", toolName, timeout).WithStep(stepID).WithCause(res.err)
		}
		engErr := Classify(res.err)
		engErr.StepID = stepID
		e.logger.WarnContext(attemptCtx, "tool invocation failed",
			slog.String("tool", toolName),
			slog.String("code", engErr.Code),
			slog.Duration("elapsed", elapsed))
		return nil, engErr
	}

	if attemptCtx.Err() == context.DeadlineExceeded {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"tool %q exceeded step timeout %s", toolName, timeout).WithStep(stepID)
	}

	e.logger.DebugContext(attemptCtx, "tool invocation completed",
		slog.String("tool", toolName),
		slog.Duration("elapsed", elapsed))
	return res.output, nil
}

// EffectiveTimeout resolves the attempt deadline for a step from the step
// override, the workflow default, or DefaultStepTimeout, in that order.
func EffectiveTimeout(def *schema.WorkflowDefinition, step *schema.StepDefinition) time.Duration {
	if raw := def.TimeoutFor(step); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return DefaultStepTimeout
}
