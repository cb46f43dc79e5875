package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/calydon/orchid/internal/logging"
	"github.com/calydon/orchid/internal/tools"
	"github.com/calydon/orchid/pkg/schema"
)

// Recovery strategies. Exactly one is selected per failure, from the error
// code alone plus the attempt history of the failing step.
const (
	StrategyRetry         = "retry"
	StrategyAlternateTool = "alternate_tool"
	StrategyEscalate      = "escalate"
	StrategyCompensate    = "compensate"
	StrategyAbort         = "abort"
)

// Outcome labels recorded in error-context entries.
const (
	OutcomeRetried            = "retried"
	OutcomeRecovered          = "recovered"
	OutcomeSkipped            = "skipped"
	OutcomeFailed             = "failed"
	OutcomeCompensated        = "compensated"
	OutcomeCompensationFailed = "compensation_failed"
)

// Decision is the recovery manager's verdict for one failure.
type Decision struct {
	Strategy string
	Delay    time.Duration // backoff before the next attempt, retry only
}

// Decide selects the recovery strategy for a classified failure.
//
// attempt is the zero-based index of the attempt that just failed. The retry
// budget is policy.Max retries after the initial attempt; external-service
// failures get exactly one retry regardless of policy.
func Decide(code string, attempt int, policy *schema.RetryPolicy, hasAlternate, alternateTried bool) Decision {
	switch code {
	case schema.ErrCodeTransient, schema.ErrCodeTimeout:
		max := 0
		if policy != nil {
			max = policy.Max
		}
		if attempt < max {
			return Decision{Strategy: StrategyRetry, Delay: Backoff(policy, attempt)}
		}
		return Decision{Strategy: StrategyEscalate}

	case schema.ErrCodeDataUnavailable:
		if hasAlternate && !alternateTried {
			return Decision{Strategy: StrategyAlternateTool}
		}
		return Decision{Strategy: StrategyEscalate}

	case schema.ErrCodeExternalService:
		if attempt < 1 {
			return Decision{Strategy: StrategyRetry, Delay: Backoff(policy, attempt)}
		}
		return Decision{Strategy: StrategyEscalate}

	case schema.ErrCodeValidation:
		return Decision{Strategy: StrategyEscalate}

	case schema.ErrCodeCancelled:
		return Decision{Strategy: StrategyAbort}

	default:
		return Decision{Strategy: StrategyEscalate}
	}
}

// StepOutcome is what a worker reports back to the controller after running
// a step to a terminal attempt. The controller is the only writer of
// execution state; the outcome carries everything it needs to apply the
// transition.
type StepOutcome struct {
	StepID      string
	Status      schema.StepStatus
	Input       tools.Record // resolved input the step was invoked with
	Output      tools.Record
	Tool        string
	Attempts    int
	Err         *schema.EngineError
	Entries     []schema.ErrorContextEntry
	StartedAt   time.Time
	CompletedAt time.Time
}

// RecoveryManager owns the per-step attempt loop: it invokes the executor,
// classifies each failure, and applies the selected strategy until the step
// either completes or escalates.
type RecoveryManager struct {
	executor *StepExecutor
	logger   *slog.Logger
}

// NewRecoveryManager creates a RecoveryManager over the given executor.
func NewRecoveryManager(executor *StepExecutor, logger *slog.Logger) *RecoveryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryManager{executor: executor, logger: logger}
}

// RunStep executes one step through its full attempt loop. It never mutates
// shared state; a worker goroutine calls it and sends the outcome to the
// controller. An escalated outcome has Status Failed; the controller decides
// whether that skips an optional step or fails the workflow.
func (m *RecoveryManager) RunStep(ctx context.Context, instanceID string, def *schema.WorkflowDefinition, step *schema.StepDefinition, input tools.Record) StepOutcome {
	outcome := StepOutcome{
		StepID:    step.ID,
		Tool:      step.Tool,
		Input:     input,
		StartedAt: time.Now().UTC(),
	}

	policy := def.RetryFor(step)
	timeout := EffectiveTimeout(def, step)
	logCtx := logging.WithStepID(logging.WithInstanceID(ctx, instanceID), step.ID)

	toolName := step.Tool
	alternateTried := false

	for attempt := 0; ; attempt++ {
		outcome.Attempts = attempt + 1

		output, err := m.executor.Invoke(ctx, instanceID, step.ID, toolName, input, timeout)
		if err == nil {
			outcome.Status = schema.StepStatusCompleted
			outcome.Output = output
			outcome.Tool = toolName
			outcome.CompletedAt = time.Now().UTC()
			if alternateTried || attempt > 0 {
				outcome.Entries = append(outcome.Entries, schema.ErrorContextEntry{
					StepID:   step.ID,
					Code:     "",
					Strategy: StrategyRetry,
					Outcome:  OutcomeRecovered,
					Attempt:  outcome.Attempts,
					At:       outcome.CompletedAt,
				})
			}
			return outcome
		}

		if ctx.Err() != nil {
			// The instance context was cancelled (engine shutdown or
			// workflow cancel), not the per-attempt deadline.
			outcome.Status = schema.StepStatusFailed
			outcome.Err = schema.NewError(schema.ErrCodeCancelled, "step aborted").WithStep(step.ID).WithCause(ctx.Err())
			outcome.CompletedAt = time.Now().UTC()
			return outcome
		}

		decision := Decide(err.Code, attempt, policy, step.AlternateTool != "", alternateTried)
		m.logger.WarnContext(logCtx, "step attempt failed",
			slog.String("tool", toolName),
			slog.String("code", err.Code),
			slog.Int("attempt", outcome.Attempts),
			slog.String("strategy", decision.Strategy))

		switch decision.Strategy {
		case StrategyRetry:
			outcome.Entries = append(outcome.Entries, schema.ErrorContextEntry{
				StepID:   step.ID,
				Code:     err.Code,
				Strategy: StrategyRetry,
				Outcome:  OutcomeRetried,
				Message:  err.Message,
				Attempt:  outcome.Attempts,
				At:       time.Now().UTC(),
			})
			if waitErr := WaitForBackoff(ctx, decision.Delay); waitErr != nil {
				outcome.Status = schema.StepStatusFailed
				outcome.Err = schema.NewError(schema.ErrCodeCancelled, "step aborted during backoff").WithStep(step.ID).WithCause(waitErr)
				outcome.CompletedAt = time.Now().UTC()
				return outcome
			}

		case StrategyAlternateTool:
			outcome.Entries = append(outcome.Entries, schema.ErrorContextEntry{
				StepID:   step.ID,
				Code:     err.Code,
				Strategy: StrategyAlternateTool,
				Outcome:  OutcomeRetried,
				Message:  err.Message,
				Attempt:  outcome.Attempts,
				At:       time.Now().UTC(),
			})
			toolName = step.AlternateTool
			alternateTried = true

		case StrategyAbort:
			outcome.Status = schema.StepStatusFailed
			outcome.Err = err
			outcome.CompletedAt = time.Now().UTC()
			return outcome

		default: // escalate
			outcome.Status = schema.StepStatusFailed
			outcome.Err = err
			outcome.CompletedAt = time.Now().UTC()
			finalErr := err
			if (err.Code == schema.ErrCodeTransient || err.Code == schema.ErrCodeTimeout) && policy != nil && attempt >= policy.Max {
				finalErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"retries exhausted after %d attempts: %s", outcome.Attempts, err.Message).
					WithStep(step.ID).WithCause(err)
				outcome.Err = finalErr
			}
			outcome.Entries = append(outcome.Entries, schema.ErrorContextEntry{
				StepID:   step.ID,
				Code:     err.Code,
				Strategy: StrategyEscalate,
				Outcome:  OutcomeFailed,
				Message:  finalErr.Message,
				Attempt:  outcome.Attempts,
				At:       outcome.CompletedAt,
			})
			return outcome
		}
	}
}

// Compensate rolls back the completed steps of an aborted instance in
// reverse completion order, best effort: a failing compensation is recorded
// and the walk continues with earlier steps. Only steps with a declared
// compensation are touched; their records move Completed -> Compensated.
//
// The caller is the controller, which owns the state being mutated.
func (m *RecoveryManager) Compensate(ctx context.Context, def *schema.WorkflowDefinition, st *schema.ExecutionState) {
	type target struct {
		record *schema.StepExecutionRecord
		comp   *schema.CompensationDefinition
	}

	var targets []target
	for i := range st.Records {
		rec := &st.Records[i]
		if rec.Status != schema.StepStatusCompleted {
			continue
		}
		comp := def.Compensation(rec.StepID)
		if comp == nil {
			continue
		}
		targets = append(targets, target{record: rec, comp: comp})
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].record.Sequence > targets[j].record.Sequence
	})

	for _, t := range targets {
		input := make(tools.Record, len(t.record.Output))
		for k, v := range t.record.Output {
			input[k] = v
		}

		logCtx := logging.WithStepID(logging.WithInstanceID(ctx, st.InstanceID), t.record.StepID)
		_, err := m.executor.Invoke(ctx, st.InstanceID, t.record.StepID+".compensation", t.comp.Tool, input, DefaultStepTimeout)
		if err != nil {
			m.logger.ErrorContext(logCtx, "compensation failed",
				slog.String("tool", t.comp.Tool),
				slog.String("code", err.Code))
			st.AppendErrorContext(schema.ErrorContextEntry{
				StepID:   t.record.StepID,
				Code:     schema.ErrCodeCompensation,
				Strategy: StrategyCompensate,
				Outcome:  OutcomeCompensationFailed,
				Message:  err.Message,
				At:       time.Now().UTC(),
			})
			continue
		}

		t.record.Status = schema.StepStatusCompensated
		st.AppendErrorContext(schema.ErrorContextEntry{
			StepID:   t.record.StepID,
			Code:     schema.ErrCodeCompensation,
			Strategy: StrategyCompensate,
			Outcome:  OutcomeCompensated,
			At:       time.Now().UTC(),
		})
		m.logger.InfoContext(logCtx, "step compensated", slog.String("tool", t.comp.Tool))
	}
}
