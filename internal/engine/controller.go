package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/calydon/orchid/internal/expressions"
	"github.com/calydon/orchid/internal/graph"
	"github.com/calydon/orchid/internal/logging"
	"github.com/calydon/orchid/internal/resolver"
	"github.com/calydon/orchid/internal/store"
	"github.com/calydon/orchid/internal/tools"
	"github.com/calydon/orchid/pkg/schema"
)

type commandKind int

const (
	commandPause commandKind = iota
	commandCancel
)

type command struct {
	kind       commandKind
	compensate bool
	reply      chan error
}

// Controller drives one workflow instance from its current execution state
// to a terminal or paused status. It is the single writer of that state:
// workers run attempt loops and report outcomes over the completions
// channel; every mutation happens on the controller goroutine as a
// clone-mutate-checkpoint cycle, so the persisted version history is a
// strictly increasing sequence of consistent snapshots.
type Controller struct {
	def      *schema.WorkflowDefinition
	graph    *graph.Graph
	store    store.Store
	pool     *WorkerPool
	recovery *RecoveryManager
	resolver *resolver.Resolver
	registry *tools.MapRegistry
	cel      *expressions.CELEngine
	wfFSM    *WorkflowFSM
	stepFSM  *StepFSM
	logger   *slog.Logger

	completions chan StepOutcome
	commands    chan command
	finished    chan struct{}
}

// NewController wires a controller for one instance of the given definition.
func NewController(def *schema.WorkflowDefinition, g *graph.Graph, s store.Store, pool *WorkerPool, rec *RecoveryManager, res *resolver.Resolver, reg *tools.MapRegistry, cel *expressions.CELEngine, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		def:         def,
		graph:       g,
		store:       s,
		pool:        pool,
		recovery:    rec,
		resolver:    res,
		registry:    reg,
		cel:         cel,
		wfFSM:       NewWorkflowFSM(s),
		stepFSM:     NewStepFSM(s),
		logger:      logger,
		completions: make(chan StepOutcome, len(def.Steps)),
		commands:    make(chan command, 4),
		finished:    make(chan struct{}),
	}
}

// Pause asks the controller to stop at the next step boundary. In-flight
// steps run to completion and their outcomes are applied before the
// instance checkpoints as paused.
func (c *Controller) Pause() error {
	return c.send(command{kind: commandPause, reply: make(chan error, 1)})
}

// Cancel aborts the instance at the next step boundary, optionally
// compensating completed steps.
func (c *Controller) Cancel(compensate bool) error {
	return c.send(command{kind: commandCancel, compensate: compensate, reply: make(chan error, 1)})
}

// send delivers a command to the control loop, failing with CONFLICT when
// the controller has already stopped.
func (c *Controller) send(cmd command) error {
	select {
	case c.commands <- cmd:
	case <-c.finished:
		return schema.NewError(schema.ErrCodeConflict, "controller is not running")
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.finished:
		return schema.NewError(schema.ErrCodeConflict, "controller is not running")
	}
}

// Run executes the instance until it reaches a terminal status or pauses.
// The returned state is the last checkpointed snapshot. A failed workflow
// returns the escalated step error alongside the Failed state.
func (c *Controller) Run(ctx context.Context, st *schema.ExecutionState) (*schema.ExecutionState, error) {
	defer close(c.finished)
	ctx = logging.WithInstanceID(ctx, st.InstanceID)

	if st.Status == schema.WorkflowStatusInitiated || st.Status == schema.WorkflowStatusPaused {
		if err := c.wfFSM.Transition(ctx, st.InstanceID, st.Status, schema.WorkflowStatusRunning); err != nil {
			return st, err
		}
		next, err := c.commit(ctx, st, func(s *schema.ExecutionState) {
			s.Status = schema.WorkflowStatusRunning
		})
		if err != nil {
			return st, err
		}
		st = next
	}

	inflight := make(map[string]bool)

	for {
		var err error
		st, err = c.scheduleFrontier(ctx, st, inflight)
		if err != nil {
			return c.abort(ctx, st, inflight, Classify(err), false)
		}

		if len(inflight) == 0 && c.allSettled(st) {
			return c.finish(ctx, st)
		}

		select {
		case <-ctx.Done():
			// Engine shutdown. Drain attempt loops (they observe the same
			// context and abort quickly), leave the last checkpoint as the
			// resume point.
			st = c.drain(ctx, st, inflight)
			return st, ctx.Err()

		case cmd := <-c.commands:
			st = c.drain(ctx, st, inflight)
			switch cmd.kind {
			case commandPause:
				next, err := c.pause(ctx, st)
				cmd.reply <- err
				if err != nil {
					return st, err
				}
				return next, nil
			case commandCancel:
				next, err := c.cancel(ctx, st, cmd.compensate)
				cmd.reply <- err
				if err != nil {
					return st, err
				}
				return next, nil
			}

		case outcome := <-c.completions:
			delete(inflight, outcome.StepID)
			next, applyErr := c.applyOutcome(ctx, st, outcome)
			if applyErr != nil {
				return c.abort(ctx, st, inflight, Classify(applyErr), false)
			}
			st = next

			if outcome.Status == schema.StepStatusFailed && !c.stepOptional(outcome.StepID) {
				return c.abort(ctx, st, inflight, outcome.Err, true)
			}
		}
	}
}

// scheduleFrontier dispatches every currently runnable pending step and
// resolves skip propagation. A step is runnable when all its dependencies
// are completed, or skipped where the step tolerates that.
func (c *Controller) scheduleFrontier(ctx context.Context, st *schema.ExecutionState, inflight map[string]bool) (*schema.ExecutionState, error) {
	for {
		progressed := false

		for _, stepID := range c.graph.Order {
			rec := st.Record(stepID)
			if rec == nil || rec.Status != schema.StepStatusPending || inflight[stepID] {
				continue
			}
			step := c.graph.Steps[stepID]

			ready, skip := c.depsState(st, step)
			if skip {
				next, err := c.skipStep(ctx, st, stepID, "dependency not satisfied")
				if err != nil {
					return st, err
				}
				st = next
				progressed = true
				continue
			}
			if !ready {
				continue
			}

			if step.Condition != "" {
				scope := expressions.NewScope(st)
				ok, evalErr := c.cel.EvaluateBool(ctx, step.Condition, scope.Env())
				if evalErr != nil {
					return st, schema.NewErrorf(schema.ErrCodeValidation,
						"step %s condition: %s", stepID, evalErr.Error()).WithStep(stepID).WithCause(evalErr)
				}
				if !ok {
					next, err := c.skipStep(ctx, st, stepID, "condition evaluated false")
					if err != nil {
						return st, err
					}
					st = next
					progressed = true
					continue
				}
			}

			input, resolveErr := c.resolver.Resolve(ctx, step, expressions.NewScope(st))
			if resolveErr != nil {
				// Bindings reference data no upstream produced, typically
				// because a tolerated dependency was skipped. The step
				// cannot run; route it through the normal failure path.
				engErr := Classify(resolveErr)
				c.completions <- StepOutcome{
					StepID:      stepID,
					Status:      schema.StepStatusFailed,
					Err:         engErr,
					StartedAt:   time.Now().UTC(),
					CompletedAt: time.Now().UTC(),
					Entries: []schema.ErrorContextEntry{{
						StepID:   stepID,
						Code:     engErr.Code,
						Strategy: StrategyEscalate,
						Outcome:  OutcomeFailed,
						Message:  engErr.Message,
						At:       time.Now().UTC(),
					}},
				}
				inflight[stepID] = true
				next, err := c.markRunning(ctx, st, stepID)
				if err != nil {
					return st, err
				}
				st = next
				progressed = true
				continue
			}

			if desc := c.descriptorFor(step.Tool); desc.AcceptsErrorContext && len(st.ErrorContext) > 0 {
				resolver.InjectErrorContext(input, st.ErrorContext)
			}

			next, err := c.markRunning(ctx, st, stepID)
			if err != nil {
				return st, err
			}
			st = next
			inflight[stepID] = true
			progressed = true

			// Everything the worker reads is bound here; st belongs to the
			// controller loop and is reassigned on every commit.
			sid, sdef, sinput, instanceID := stepID, step, input, st.InstanceID
			submitErr := c.pool.Submit(ctx, func(workerCtx context.Context) error {
				c.completions <- c.recovery.RunStep(workerCtx, instanceID, c.def, sdef, sinput)
				return nil
			})
			if submitErr != nil {
				delete(inflight, sid)
				return st, schema.NewErrorf(schema.ErrCodeExecution,
					"dispatch step %s: %s", sid, submitErr.Error()).WithStep(sid).WithCause(submitErr)
			}
		}

		if !progressed {
			return st, nil
		}
	}
}

// depsState reports whether a step is ready to run, or must instead be
// skipped because a dependency settled in a state it does not tolerate.
func (c *Controller) depsState(st *schema.ExecutionState, step *schema.StepDefinition) (ready, skip bool) {
	ready = true
	for _, dep := range step.DependsOn {
		rec := st.Record(dep)
		if rec == nil {
			return false, true
		}
		switch rec.Status {
		case schema.StepStatusCompleted:
		case schema.StepStatusSkipped:
			if !step.AllowSkipped {
				return false, true
			}
		case schema.StepStatusFailed, schema.StepStatusCompensated:
			return false, true
		default:
			ready = false
		}
	}
	return ready, false
}

func (c *Controller) markRunning(ctx context.Context, st *schema.ExecutionState, stepID string) (*schema.ExecutionState, error) {
	if err := c.stepFSM.Transition(ctx, st.InstanceID, stepID, schema.StepStatusPending, schema.StepStatusRunning); err != nil {
		return st, err
	}
	now := time.Now().UTC()
	return c.commit(ctx, st, func(s *schema.ExecutionState) {
		rec := s.Record(stepID)
		rec.Status = schema.StepStatusRunning
		rec.StartedAt = &now
	})
}

func (c *Controller) skipStep(ctx context.Context, st *schema.ExecutionState, stepID, reason string) (*schema.ExecutionState, error) {
	if err := c.stepFSM.Transition(ctx, st.InstanceID, stepID, schema.StepStatusPending, schema.StepStatusSkipped); err != nil {
		return st, err
	}
	c.logger.InfoContext(logging.WithStepID(ctx, stepID), "step skipped", slog.String("reason", reason))
	return c.commit(ctx, st, func(s *schema.ExecutionState) {
		rec := s.Record(stepID)
		rec.Status = schema.StepStatusSkipped
	})
}

// applyOutcome folds one worker outcome into a new checkpointed state.
func (c *Controller) applyOutcome(ctx context.Context, st *schema.ExecutionState, o StepOutcome) (*schema.ExecutionState, error) {
	step := c.graph.Steps[o.StepID]
	target := o.Status
	if target == schema.StepStatusFailed && step != nil && step.Optional {
		// An optional step's escalation tolerates the failure: the record
		// settles as skipped and the workflow proceeds.
		target = schema.StepStatusSkipped
	}

	if err := c.stepFSM.Transition(ctx, st.InstanceID, o.StepID, schema.StepStatusRunning, target); err != nil {
		return st, err
	}

	next, err := c.commit(ctx, st, func(s *schema.ExecutionState) {
		rec := s.Record(o.StepID)
		rec.Status = target
		rec.Attempts = o.Attempts
		rec.Tool = o.Tool
		rec.Inputs = map[string]any(o.Input)
		rec.Error = o.Err
		startedAt, completedAt := o.StartedAt, o.CompletedAt
		rec.StartedAt = &startedAt
		rec.CompletedAt = &completedAt

		if o.Status == schema.StepStatusCompleted {
			rec.Output = map[string]any(o.Output)
			rec.Sequence = s.NextSequence()
			if step != nil && len(step.Outputs) > 0 {
				bound := make(map[string]any, len(step.Outputs))
				for _, k := range step.Outputs {
					if v, ok := o.Output[k]; ok {
						bound[k] = v
					}
				}
				s.RecordOutput(o.StepID, bound)
			}
		}

		for _, e := range o.Entries {
			if target == schema.StepStatusSkipped && e.Outcome == OutcomeFailed {
				e.Outcome = OutcomeSkipped
			}
			s.AppendErrorContext(e)
		}
	})
	if err != nil {
		return next, err
	}

	// The recovery strategies applied during the attempt loop become audit
	// events alongside the step's terminal event.
	for _, e := range o.Entries {
		switch e.Strategy {
		case StrategyRetry:
			if e.Outcome == OutcomeRetried {
				c.appendEvent(ctx, st.InstanceID, o.StepID, schema.EventStepRetrying,
					map[string]any{"code": e.Code, "attempt": e.Attempt})
			}
		case StrategyAlternateTool:
			c.appendEvent(ctx, st.InstanceID, o.StepID, schema.EventRecoveryStrategy,
				map[string]any{"strategy": e.Strategy, "code": e.Code})
		}
	}
	return next, nil
}

// abort drains in-flight work, skips everything still pending, compensates
// completed steps when requested, and checkpoints the instance as failed.
func (c *Controller) abort(ctx context.Context, st *schema.ExecutionState, inflight map[string]bool, cause *schema.EngineError, compensate bool) (*schema.ExecutionState, error) {
	st = c.drain(ctx, st, inflight)

	for _, stepID := range c.graph.Order {
		rec := st.Record(stepID)
		if rec == nil || rec.Status != schema.StepStatusPending {
			continue
		}
		next, err := c.skipStep(ctx, st, stepID, "workflow aborted")
		if err == nil {
			st = next
		}
	}

	if compensate && len(c.def.Compensations) > 0 {
		next, err := c.compensateAll(ctx, st)
		if err == nil {
			st = next
		}
	}

	if err := c.wfFSM.Transition(ctx, st.InstanceID, st.Status, schema.WorkflowStatusFailed); err != nil {
		c.logger.ErrorContext(ctx, "abort transition failed", slog.String("error", err.Error()))
	}
	next, commitErr := c.commit(ctx, st, func(s *schema.ExecutionState) {
		s.Status = schema.WorkflowStatusFailed
	})
	if commitErr != nil {
		return st, commitErr
	}
	c.updateInstanceStatus(ctx, next)
	if cause == nil {
		cause = schema.NewError(schema.ErrCodeExecution, "workflow failed")
	}
	return next, cause
}

func (c *Controller) compensateAll(ctx context.Context, st *schema.ExecutionState) (*schema.ExecutionState, error) {
	c.appendEvent(ctx, st.InstanceID, "", schema.EventCompensationStarted, nil)
	before := len(st.ErrorContext)
	next, err := c.commit(ctx, st, func(s *schema.ExecutionState) {
		c.recovery.Compensate(ctx, c.def, s)
	})
	if err != nil {
		return next, err
	}
	for _, e := range next.ErrorContext[min(before, len(next.ErrorContext)):] {
		switch e.Outcome {
		case OutcomeCompensated:
			c.appendEvent(ctx, next.InstanceID, e.StepID, schema.EventCompensationDone, nil)
		case OutcomeCompensationFailed:
			c.appendEvent(ctx, next.InstanceID, e.StepID, schema.EventCompensationFailed,
				map[string]any{"message": e.Message})
		}
	}
	return next, nil
}

func (c *Controller) finish(ctx context.Context, st *schema.ExecutionState) (*schema.ExecutionState, error) {
	// A failed record for a required step can survive into the settled set
	// when an instance resumes from a checkpoint taken mid-abort. That is a
	// failed workflow, not a completed one.
	for i := range st.Records {
		rec := &st.Records[i]
		if rec.Status == schema.StepStatusFailed && !c.stepOptional(rec.StepID) {
			return c.abort(ctx, st, nil, rec.Error, true)
		}
	}

	if err := c.wfFSM.Transition(ctx, st.InstanceID, st.Status, schema.WorkflowStatusCompleted); err != nil {
		return st, err
	}
	next, err := c.commit(ctx, st, func(s *schema.ExecutionState) {
		s.Status = schema.WorkflowStatusCompleted
	})
	if err != nil {
		return st, err
	}
	c.updateInstanceStatus(ctx, next)
	c.logger.InfoContext(ctx, "workflow completed",
		slog.String("workflow", st.Workflow),
		slog.Int64("version", next.Version))
	return next, nil
}

func (c *Controller) pause(ctx context.Context, st *schema.ExecutionState) (*schema.ExecutionState, error) {
	if err := c.wfFSM.Transition(ctx, st.InstanceID, st.Status, schema.WorkflowStatusPaused); err != nil {
		return st, err
	}
	next, err := c.commit(ctx, st, func(s *schema.ExecutionState) {
		s.Status = schema.WorkflowStatusPaused
	})
	if err != nil {
		return st, err
	}
	c.updateInstanceStatus(ctx, next)
	return next, nil
}

func (c *Controller) cancel(ctx context.Context, st *schema.ExecutionState, compensate bool) (*schema.ExecutionState, error) {
	for _, stepID := range c.graph.Order {
		rec := st.Record(stepID)
		if rec == nil || rec.Status != schema.StepStatusPending {
			continue
		}
		next, err := c.skipStep(ctx, st, stepID, "workflow cancelled")
		if err == nil {
			st = next
		}
	}

	if compensate && len(c.def.Compensations) > 0 {
		next, err := c.compensateAll(ctx, st)
		if err == nil {
			st = next
		}
	}

	if err := c.wfFSM.Transition(ctx, st.InstanceID, st.Status, schema.WorkflowStatusCancelled); err != nil {
		return st, err
	}
	next, err := c.commit(ctx, st, func(s *schema.ExecutionState) {
		s.Status = schema.WorkflowStatusCancelled
	})
	if err != nil {
		return st, err
	}
	c.updateInstanceStatus(ctx, next)
	return next, nil
}

// drain applies outcomes for every in-flight step before a boundary action
// (pause, cancel, abort). Steps already dispatched run to completion.
func (c *Controller) drain(ctx context.Context, st *schema.ExecutionState, inflight map[string]bool) *schema.ExecutionState {
	for len(inflight) > 0 {
		outcome := <-c.completions
		delete(inflight, outcome.StepID)
		next, err := c.applyOutcome(ctx, st, outcome)
		if err != nil {
			c.logger.ErrorContext(ctx, "apply outcome during drain failed",
				slog.String("step_id", outcome.StepID),
				slog.String("error", err.Error()))
			continue
		}
		st = next
	}
	return st
}

// commit is the single mutation primitive: clone the state, apply the
// mutation, bump the version, and append the checkpoint. On success the
// clone becomes the controller's current state; on failure the previous
// state stands untouched.
func (c *Controller) commit(ctx context.Context, st *schema.ExecutionState, mutate func(*schema.ExecutionState)) (*schema.ExecutionState, error) {
	next := st.Clone()
	mutate(next)
	next.Version = st.Version + 1
	next.UpdatedAt = time.Now().UTC()

	if err := c.store.SaveCheckpoint(ctx, next); err != nil {
		return st, schema.NewErrorf(schema.ErrCodeStore,
			"checkpoint version %d: %s", next.Version, err.Error()).WithCause(err)
	}
	return next, nil
}

func (c *Controller) allSettled(st *schema.ExecutionState) bool {
	for i := range st.Records {
		if !st.Records[i].Status.Terminal() {
			return false
		}
	}
	return true
}

func (c *Controller) stepOptional(stepID string) bool {
	step := c.graph.Steps[stepID]
	return step != nil && step.Optional
}

func (c *Controller) descriptorFor(toolName string) tools.Descriptor {
	tool, err := c.registry.Get(toolName)
	if err != nil {
		return tools.Descriptor{}
	}
	return tool.Descriptor()
}

func (c *Controller) updateInstanceStatus(ctx context.Context, st *schema.ExecutionState) {
	update := store.InstanceUpdate{Status: &st.Status}
	if st.Status.Terminal() {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	if err := c.store.UpdateInstance(ctx, st.InstanceID, update); err != nil {
		c.logger.ErrorContext(ctx, "update instance status failed", slog.String("error", err.Error()))
	}
}

func (c *Controller) appendEvent(ctx context.Context, instanceID, stepID, eventType string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	if err := c.store.AppendEvent(ctx, &store.Event{
		InstanceID: instanceID,
		StepID:     stepID,
		Type:       eventType,
		Payload:    raw,
	}); err != nil {
		c.logger.WarnContext(ctx, "append event failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
}
