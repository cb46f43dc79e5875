package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/calydon/orchid/internal/expressions"
	"github.com/calydon/orchid/internal/graph"
	"github.com/calydon/orchid/internal/logging"
	"github.com/calydon/orchid/internal/resolver"
	"github.com/calydon/orchid/internal/store"
	"github.com/calydon/orchid/internal/tools"
	"github.com/calydon/orchid/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// Config holds engine configuration.
type Config struct {
	PoolSize int // max concurrent step attempts across all instances
}

// Engine is the control surface over the whole system: it owns the
// definition registry, the tool registry, the shared worker pool, and one
// controller goroutine per running instance.
type Engine struct {
	defs     *DefinitionRegistry
	store    store.Store
	tools    *tools.MapRegistry
	pool     *WorkerPool
	cel      *expressions.CELEngine
	resolver *resolver.Resolver
	recovery *RecoveryManager
	logger   *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	running map[string]*instanceRun
}

// instanceRun tracks one in-flight controller goroutine.
type instanceRun struct {
	controller *Controller
	done       chan struct{}
	final      *schema.ExecutionState
	err        error
}

// New creates an Engine over the given store and tool registry.
func New(s store.Store, toolReg *tools.MapRegistry, cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	exprEngine := expressions.NewExprEngine()
	executor := NewStepExecutor(toolReg, logger)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Engine{
		defs:       NewDefinitionRegistry(),
		store:      s,
		tools:      toolReg,
		pool:       NewWorkerPool(cfg.PoolSize, logger),
		cel:        cel,
		resolver:   resolver.New(exprEngine),
		recovery:   NewRecoveryManager(executor, logger),
		logger:     logger,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		running:    make(map[string]*instanceRun),
	}, nil
}

// Definitions exposes the definition registry for registration.
func (e *Engine) Definitions() *DefinitionRegistry { return e.defs }

// Launch starts a new instance of a registered workflow and returns its ID.
// Execution is asynchronous; Wait blocks on the outcome.
func (e *Engine) Launch(ctx context.Context, workflow string, inputs map[string]any) (string, error) {
	def, g, err := e.defs.Get(workflow)
	if err != nil {
		return "", err
	}

	for _, key := range def.Inputs {
		if _, ok := inputs[key]; !ok {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"missing required input: %s", key)
		}
	}

	instanceID := uuid.NewString()
	st := schema.NewExecutionState(instanceID, def, inputs)

	if err := e.store.CreateInstance(ctx, &store.Instance{
		ID:        instanceID,
		Workflow:  workflow,
		Status:    st.Status,
		Inputs:    inputs,
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
	}); err != nil {
		return "", err
	}
	if err := e.store.SaveCheckpoint(ctx, st); err != nil {
		return "", err
	}
	e.appendEvent(ctx, instanceID, schema.EventWorkflowLaunched)

	e.start(def, g, st)
	e.logger.InfoContext(logging.WithInstanceID(ctx, instanceID), "workflow launched",
		slog.String("workflow", workflow))
	return instanceID, nil
}

// start spawns the controller goroutine for an instance.
func (e *Engine) start(def *schema.WorkflowDefinition, g *graph.Graph, st *schema.ExecutionState) {
	ctrl := NewController(def, g, e.store, e.pool, e.recovery, e.resolver, e.tools, e.cel, e.logger)
	run := &instanceRun{controller: ctrl, done: make(chan struct{})}

	e.mu.Lock()
	e.running[st.InstanceID] = run
	e.mu.Unlock()

	go func() {
		final, err := ctrl.Run(e.baseCtx, st)
		run.final = final
		run.err = err
		e.mu.Lock()
		delete(e.running, st.InstanceID)
		e.mu.Unlock()
		close(run.done)
	}()
}

// Wait blocks until the instance's controller stops (terminal status or
// pause) and returns the last state it checkpointed. For an instance no
// longer in flight it returns the persisted latest state.
func (e *Engine) Wait(ctx context.Context, instanceID string) (*schema.ExecutionState, error) {
	e.mu.Lock()
	run, ok := e.running[instanceID]
	e.mu.Unlock()
	if !ok {
		return e.store.LoadLatest(ctx, instanceID)
	}
	select {
	case <-run.done:
		return run.final, run.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause asks a running instance to stop at the next step boundary.
func (e *Engine) Pause(ctx context.Context, instanceID string) error {
	e.mu.Lock()
	run, ok := e.running[instanceID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s is not running", instanceID)
	}
	return run.controller.Pause()
}

// Resume continues a paused or interrupted instance from its latest
// checkpoint. Completed steps are never re-executed; records caught
// mid-flight are reset to pending and re-dispatched with the same
// idempotency key.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	e.mu.Lock()
	_, inFlight := e.running[instanceID]
	e.mu.Unlock()
	if inFlight {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s is already running", instanceID)
	}

	st, err := e.store.LoadLatest(ctx, instanceID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"instance %s is %s and cannot be resumed", instanceID, st.Status)
	}

	def, g, err := e.defs.Get(st.Workflow)
	if err != nil {
		return err
	}

	// Repair interrupted records: a Running record means the prior process
	// stopped mid-attempt. The step is re-dispatched from pending; its
	// stable idempotency key makes the re-run safe for deduplicating tools.
	repaired := st.Clone()
	reset := false
	for i := range repaired.Records {
		if repaired.Records[i].Status == schema.StepStatusRunning {
			repaired.Records[i].Status = schema.StepStatusPending
			repaired.Records[i].StartedAt = nil
			reset = true
		}
	}
	if reset {
		repaired.Version = st.Version + 1
		if err := e.store.SaveCheckpoint(ctx, repaired); err != nil {
			return err
		}
	} else {
		repaired = st
	}

	e.appendEvent(ctx, instanceID, schema.EventWorkflowResumed)
	e.start(def, g, repaired)
	e.logger.InfoContext(logging.WithInstanceID(ctx, instanceID), "workflow resumed",
		slog.Int64("version", repaired.Version))
	return nil
}

// Cancel terminates an instance, optionally compensating its completed
// steps. A running instance cancels at the next step boundary; a paused or
// initiated one cancels in place.
func (e *Engine) Cancel(ctx context.Context, instanceID string, compensate bool) error {
	e.mu.Lock()
	run, inFlight := e.running[instanceID]
	e.mu.Unlock()
	if inFlight {
		return run.controller.Cancel(compensate)
	}

	st, err := e.store.LoadLatest(ctx, instanceID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"instance %s is already %s", instanceID, st.Status)
	}

	def, g, err := e.defs.Get(st.Workflow)
	if err != nil {
		return err
	}
	ctrl := NewController(def, g, e.store, e.pool, e.recovery, e.resolver, e.tools, e.cel, e.logger)
	_, err = ctrl.cancel(logging.WithInstanceID(ctx, instanceID), st, compensate)
	return err
}

// Status returns the latest checkpointed state of an instance.
func (e *Engine) Status(ctx context.Context, instanceID string) (*schema.ExecutionState, error) {
	return e.store.LoadLatest(ctx, instanceID)
}

// History returns the checkpoint versions persisted for an instance, in
// ascending order.
func (e *Engine) History(ctx context.Context, instanceID string) ([]int64, error) {
	return e.store.History(ctx, instanceID)
}

// Events returns the audit trail of an instance.
func (e *Engine) Events(ctx context.Context, instanceID string) ([]*store.Event, error) {
	return e.store.ListEvents(ctx, instanceID, 0)
}

// PoolMetrics returns a snapshot of the shared worker pool's activity.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown stops accepting work and waits for in-flight controllers to
// checkpoint and exit.
func (e *Engine) Shutdown() {
	e.baseCancel()

	e.mu.Lock()
	waiting := make([]*instanceRun, 0, len(e.running))
	for _, run := range e.running {
		waiting = append(waiting, run)
	}
	e.mu.Unlock()

	for _, run := range waiting {
		<-run.done
	}
	e.pool.Shutdown()

	m := e.pool.Metrics()
	e.logger.Info("engine stopped",
		slog.Int64("steps_completed", m.Completed),
		slog.Int64("steps_failed", m.Failed),
		slog.Int64("worker_panics", m.Panics))
}

func (e *Engine) appendEvent(ctx context.Context, instanceID, eventType string) {
	if err := e.store.AppendEvent(ctx, &store.Event{
		InstanceID: instanceID,
		Type:       eventType,
	}); err != nil {
		e.logger.WarnContext(ctx, "append event failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
}
