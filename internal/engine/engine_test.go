package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calydon/orchid/internal/store"
	"github.com/calydon/orchid/internal/tools"
	"github.com/calydon/orchid/pkg/schema"
)

func newTestEngine(t *testing.T, reg *tools.MapRegistry) *Engine {
	t.Helper()
	eng, err := New(store.NewMemoryStore(), reg, Config{PoolSize: 4}, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(eng.Shutdown)
	return eng
}

// countingTool wraps a tool function with an invocation counter.
type countingTool struct {
	name  string
	count int64
	fn    func(ctx context.Context, call tools.Call) (tools.Record, error)
}

func (c *countingTool) Tool() *tools.Func {
	return &tools.Func{
		ToolName: c.name,
		Fn: func(ctx context.Context, call tools.Call) (tools.Record, error) {
			atomic.AddInt64(&c.count, 1)
			return c.fn(ctx, call)
		},
	}
}

func (c *countingTool) Count() int64 { return atomic.LoadInt64(&c.count) }

func mustRegisterDef(t *testing.T, eng *Engine, def *schema.WorkflowDefinition) {
	t.Helper()
	if err := eng.Definitions().Register(def); err != nil {
		t.Fatalf("register definition: %v", err)
	}
}

// requireEventTypes asserts the instance's audit trail contains every
// listed event type at least once.
func requireEventTypes(t *testing.T, eng *Engine, instanceID string, want ...string) {
	t.Helper()
	events, err := eng.Events(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		seen[e.Type] = true
	}
	for _, w := range want {
		if !seen[w] {
			var types []string
			for _, e := range events {
				types = append(types, e.Type)
			}
			t.Errorf("missing event %s in %v", w, types)
		}
	}
}

func launchAndWait(t *testing.T, eng *Engine, workflow string, inputs map[string]any) (*schema.ExecutionState, error) {
	t.Helper()
	id, err := eng.Launch(context.Background(), workflow, inputs)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, runErr := eng.Wait(waitCtx, id)
	if final == nil {
		t.Fatalf("wait returned no state: %v", runErr)
	}
	return final, runErr
}

// --- Happy path ---

func TestEngine_LinearWorkflowCompletes(t *testing.T) {
	reg := registryWith(t,
		funcTool("fetch", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			return tools.Record{"body": "payload", "status": 200, "internal": "hidden"}, nil
		}),
		funcTool("process", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			return tools.Record{"summary": "got " + call.Input["data"].(string)}, nil
		}),
	)
	eng := newTestEngine(t, reg)
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name:   "pipeline",
		Inputs: []string{"source"},
		Steps: []schema.StepDefinition{
			{
				ID:       "fetch",
				Tool:     "fetch",
				Bindings: map[string]any{"url": "${{ inputs.source }}"},
				Outputs:  []string{"body", "status"},
			},
			{
				ID:        "process",
				Tool:      "process",
				DependsOn: []string{"fetch"},
				Bindings:  map[string]any{"data": "${{ steps.fetch.body }}"},
				Outputs:   []string{"summary"},
			},
		},
	})

	final, err := launchAndWait(t, eng, "pipeline", map[string]any{"source": "https://x"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if final.Status != schema.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	for _, id := range []string{"fetch", "process"} {
		rec := final.Record(id)
		if rec.Status != schema.StepStatusCompleted {
			t.Errorf("step %s: expected completed, got %s", id, rec.Status)
		}
	}

	// Declared outputs land in the context; undeclared ones do not.
	if final.Context["fetch.body"] != "payload" {
		t.Errorf("expected fetch.body in context, got %v", final.Context["fetch.body"])
	}
	if _, ok := final.Context["fetch.internal"]; ok {
		t.Error("undeclared output must not enter the context")
	}
	if final.Context["process.summary"] != "got payload" {
		t.Errorf("downstream output wrong: %v", final.Context["process.summary"])
	}

	// Completion order is recorded.
	if final.Record("fetch").Sequence != 1 || final.Record("process").Sequence != 2 {
		t.Errorf("unexpected sequences: fetch=%d process=%d",
			final.Record("fetch").Sequence, final.Record("process").Sequence)
	}

	// The resolved inputs each step was invoked with survive on the record,
	// with references already substituted.
	if got := final.Record("fetch").Inputs; got["url"] != "https://x" {
		t.Errorf("fetch inputs not recorded: %v", got)
	}
	if got := final.Record("process").Inputs; got["data"] != "payload" {
		t.Errorf("process inputs not recorded: %v", got)
	}

	if m := eng.PoolMetrics(); m.Completed < 2 {
		t.Errorf("pool metrics should count both step attempts, got %+v", m)
	}
}

func TestEngine_ParallelSteps(t *testing.T) {
	var mu sync.Mutex
	running := 0
	maxRunning := 0
	parallel := funcTool("parallel", func(ctx context.Context, call tools.Call) (tools.Record, error) {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return tools.Record{"ok": true}, nil
	})
	eng := newTestEngine(t, registryWith(t, parallel))
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name: "fanout",
		Steps: []schema.StepDefinition{
			{ID: "a", Tool: "parallel"},
			{ID: "b", Tool: "parallel"},
			{ID: "c", Tool: "parallel"},
		},
	})

	final, err := launchAndWait(t, eng, "fanout", nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if final.Status != schema.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxRunning < 2 {
		t.Errorf("independent steps should overlap, max concurrency was %d", maxRunning)
	}
}

// --- Launch validation ---

func TestEngine_LaunchMissingInput(t *testing.T) {
	eng := newTestEngine(t, registryWith(t, funcTool("noop", func(ctx context.Context, call tools.Call) (tools.Record, error) {
		return tools.Record{}, nil
	})))
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name:   "strict",
		Inputs: []string{"region"},
		Steps:  []schema.StepDefinition{{ID: "a", Tool: "noop"}},
	})

	_, err := eng.Launch(context.Background(), "strict", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.(*schema.EngineError).Code != schema.ErrCodeValidation {
		t.Errorf("expected VALIDATION_FAILURE, got %v", err)
	}
}

func TestEngine_LaunchUnknownWorkflow(t *testing.T) {
	eng := newTestEngine(t, tools.NewRegistry())

	_, err := eng.Launch(context.Background(), "ghost", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.(*schema.EngineError).Code != schema.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

// --- Recovery paths ---

func TestEngine_RetryThenSucceed(t *testing.T) {
	var calls int64
	flaky := funcTool("flaky", func(ctx context.Context, call tools.Call) (tools.Record, error) {
		if atomic.AddInt64(&calls, 1) <= 2 {
			return nil, errors.New("connection reset")
		}
		return tools.Record{"v": "done"}, nil
	})
	eng := newTestEngine(t, registryWith(t, flaky))
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name:  "retrying",
		Steps: []schema.StepDefinition{{ID: "a", Tool: "flaky", Retry: &schema.RetryPolicy{Max: 3, Delay: "1ms"}}},
	})

	final, err := launchAndWait(t, eng, "retrying", nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if final.Status != schema.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	rec := final.Record("a")
	if rec.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", rec.Attempts)
	}
	retried := 0
	for _, e := range final.ErrorContext {
		if e.Outcome == OutcomeRetried {
			retried++
		}
	}
	if retried != 2 {
		t.Errorf("expected 2 retried entries, got %d", retried)
	}
}

func TestEngine_ExhaustionFailsWorkflowAndCompensates(t *testing.T) {
	undone := &countingTool{name: "undo", fn: func(ctx context.Context, call tools.Call) (tools.Record, error) {
		return tools.Record{}, nil
	}}
	reg := registryWith(t,
		funcTool("reserve", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			return tools.Record{"reservation": "r1"}, nil
		}),
		funcTool("broken", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			return nil, errors.New("connection refused")
		}),
		funcTool("never", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			t.Error("downstream of a failed step must not run")
			return tools.Record{}, nil
		}),
		undone.Tool(),
	)
	eng := newTestEngine(t, reg)
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name: "saga",
		Steps: []schema.StepDefinition{
			{ID: "reserve", Tool: "reserve", Outputs: []string{"reservation"}},
			{ID: "charge", Tool: "broken", DependsOn: []string{"reserve"}, Retry: &schema.RetryPolicy{Max: 1, Delay: "1ms"}},
			{ID: "notify", Tool: "never", DependsOn: []string{"charge"}},
		},
		Compensations: []schema.CompensationDefinition{{StepID: "reserve", Tool: "undo"}},
	})

	final, err := launchAndWait(t, eng, "saga", nil)
	if err == nil {
		t.Fatal("expected run error")
	}
	if engErr, ok := err.(*schema.EngineError); !ok || engErr.Code != schema.ErrCodeRetryExhausted {
		t.Errorf("expected RETRY_EXHAUSTED cause, got %v", err)
	}

	if final.Status != schema.WorkflowStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if rec := final.Record("charge"); rec.Status != schema.StepStatusFailed {
		t.Errorf("charge: expected failed, got %s", rec.Status)
	}
	if rec := final.Record("notify"); rec.Status != schema.StepStatusSkipped {
		t.Errorf("notify: expected skipped, got %s", rec.Status)
	}
	if rec := final.Record("reserve"); rec.Status != schema.StepStatusCompensated {
		t.Errorf("reserve: expected compensated, got %s", rec.Status)
	}
	if undone.Count() != 1 {
		t.Errorf("expected 1 compensation call, got %d", undone.Count())
	}

	// The recovery path leaves an audit trail: each retry, the compensation
	// walk, and its per-step outcome.
	requireEventTypes(t, eng, final.InstanceID,
		schema.EventStepRetrying,
		schema.EventCompensationStarted,
		schema.EventCompensationDone,
	)
}

func TestEngine_FailedCompensationEmitsEvent(t *testing.T) {
	reg := registryWith(t,
		funcTool("reserve", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			return tools.Record{"reservation": "r1"}, nil
		}),
		funcTool("broken", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			return nil, schema.NewError(schema.ErrCodeValidation, "rejected upstream")
		}),
		funcTool("undo-broken", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			return nil, errors.New("rollback endpoint gone")
		}),
	)
	eng := newTestEngine(t, reg)
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name: "saga",
		Steps: []schema.StepDefinition{
			{ID: "reserve", Tool: "reserve", Outputs: []string{"reservation"}},
			{ID: "charge", Tool: "broken", DependsOn: []string{"reserve"}},
		},
		Compensations: []schema.CompensationDefinition{{StepID: "reserve", Tool: "undo-broken"}},
	})

	final, err := launchAndWait(t, eng, "saga", nil)
	if err == nil {
		t.Fatal("expected run error")
	}

	// The compensation failure is best-effort: recorded, not fatal, and the
	// step keeps its completed status.
	if rec := final.Record("reserve"); rec.Status != schema.StepStatusCompleted {
		t.Errorf("failed compensation must not mark the step compensated, got %s", rec.Status)
	}
	requireEventTypes(t, eng, final.InstanceID,
		schema.EventCompensationStarted,
		schema.EventCompensationFailed,
	)
}

func TestEngine_OptionalStepFailureTolerated(t *testing.T) {
	reg := registryWith(t,
		funcTool("ok", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			return tools.Record{"v": 1}, nil
		}),
		funcTool("broken", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			return nil, errors.New("unexplained failure")
		}),
	)
	eng := newTestEngine(t, reg)
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name: "tolerant",
		Steps: []schema.StepDefinition{
			{ID: "main", Tool: "ok"},
			{ID: "enrich", Tool: "broken", Optional: true},
			{ID: "last", Tool: "ok", DependsOn: []string{"main"}},
		},
	})

	final, err := launchAndWait(t, eng, "tolerant", nil)
	if err != nil {
		t.Fatalf("optional failure must not fail the workflow: %v", err)
	}
	if final.Status != schema.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if rec := final.Record("enrich"); rec.Status != schema.StepStatusSkipped {
		t.Errorf("optional failed step settles skipped, got %s", rec.Status)
	}
	if rec := final.Record("last"); rec.Status != schema.StepStatusCompleted {
		t.Errorf("last: expected completed, got %s", rec.Status)
	}
}

func TestEngine_AlternateToolRecovers(t *testing.T) {
	reg := registryWith(t,
		funcTool("primary", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			return nil, schema.NewError(schema.ErrCodeDataUnavailable, "primary source empty")
		}),
		funcTool("secondary", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			return tools.Record{"data": "from secondary"}, nil
		}),
	)
	eng := newTestEngine(t, reg)
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name: "fallback",
		Steps: []schema.StepDefinition{
			{ID: "get", Tool: "primary", AlternateTool: "secondary", Outputs: []string{"data"}},
		},
	})

	final, err := launchAndWait(t, eng, "fallback", nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	rec := final.Record("get")
	if rec.Status != schema.StepStatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if rec.Tool != "secondary" {
		t.Errorf("record should name the alternate tool, got %s", rec.Tool)
	}
	if final.Context["get.data"] != "from secondary" {
		t.Errorf("alternate output not recorded: %v", final.Context["get.data"])
	}
	requireEventTypes(t, eng, final.InstanceID, schema.EventRecoveryStrategy)
}

func TestEngine_StepTimeout(t *testing.T) {
	slow := funcTool("slow", func(ctx context.Context, call tools.Call) (tools.Record, error) {
		select {
		case <-time.After(5 * time.Second):
			return tools.Record{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	eng := newTestEngine(t, registryWith(t, slow))
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name:  "timing",
		Steps: []schema.StepDefinition{{ID: "a", Tool: "slow", Timeout: "30ms"}},
	})

	final, err := launchAndWait(t, eng, "timing", nil)
	if err == nil {
		t.Fatal("expected run error")
	}
	if final.Status != schema.WorkflowStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	rec := final.Record("a")
	if rec.Error == nil || rec.Error.Code != schema.ErrCodeTimeout {
		t.Errorf("expected TIMEOUT_ERROR on the record, got %v", rec.Error)
	}
}

// --- Conditions and skip propagation ---

func TestEngine_ConditionFalseSkips(t *testing.T) {
	ok := funcTool("ok", func(ctx context.Context, call tools.Call) (tools.Record, error) {
		return tools.Record{"v": 1}, nil
	})
	eng := newTestEngine(t, registryWith(t, ok))
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name:   "conditional",
		Inputs: []string{"enabled"},
		Steps: []schema.StepDefinition{
			{ID: "guarded", Tool: "ok", Condition: "inputs.enabled == true"},
			{ID: "dependent", Tool: "ok", DependsOn: []string{"guarded"}},
			{ID: "tolerant", Tool: "ok", DependsOn: []string{"guarded"}, AllowSkipped: true},
		},
	})

	final, err := launchAndWait(t, eng, "conditional", map[string]any{"enabled": false})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if final.Status != schema.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if rec := final.Record("guarded"); rec.Status != schema.StepStatusSkipped {
		t.Errorf("guarded: expected skipped, got %s", rec.Status)
	}
	if rec := final.Record("dependent"); rec.Status != schema.StepStatusSkipped {
		t.Errorf("dependent: skip must propagate, got %s", rec.Status)
	}
	if rec := final.Record("tolerant"); rec.Status != schema.StepStatusCompleted {
		t.Errorf("tolerant: allow_skipped step should run, got %s", rec.Status)
	}
}

func TestEngine_ConditionTrueRuns(t *testing.T) {
	guarded := &countingTool{name: "guarded", fn: func(ctx context.Context, call tools.Call) (tools.Record, error) {
		return tools.Record{}, nil
	}}
	eng := newTestEngine(t, registryWith(t, guarded.Tool()))
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name:   "conditional",
		Inputs: []string{"enabled"},
		Steps: []schema.StepDefinition{
			{ID: "a", Tool: "guarded", Condition: "inputs.enabled == true"},
		},
	})

	final, err := launchAndWait(t, eng, "conditional", map[string]any{"enabled": true})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if final.Record("a").Status != schema.StepStatusCompleted {
		t.Errorf("expected completed, got %s", final.Record("a").Status)
	}
	if guarded.Count() != 1 {
		t.Errorf("expected 1 invocation, got %d", guarded.Count())
	}
}

// --- Pause / resume ---

func TestEngine_PauseAndResume(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	first := &countingTool{name: "first", fn: func(ctx context.Context, call tools.Call) (tools.Record, error) {
		started <- struct{}{}
		<-release
		return tools.Record{"v": "one"}, nil
	}}
	second := &countingTool{name: "second", fn: func(ctx context.Context, call tools.Call) (tools.Record, error) {
		return tools.Record{"v": "two"}, nil
	}}
	eng := newTestEngine(t, registryWith(t, first.Tool(), second.Tool()))
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name: "pausable",
		Steps: []schema.StepDefinition{
			{ID: "a", Tool: "first", Outputs: []string{"v"}},
			{ID: "b", Tool: "second", DependsOn: []string{"a"}},
		},
	})

	id, err := eng.Launch(context.Background(), "pausable", nil)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	<-started

	// Enqueue the pause while step a is still in flight, then let it finish.
	// The controller drains the in-flight outcome and checkpoints as paused
	// before step b is ever dispatched.
	pauseErr := make(chan error, 1)
	go func() { pauseErr <- eng.Pause(context.Background(), id) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-pauseErr; err != nil {
		t.Fatalf("pause: %v", err)
	}

	paused, err := eng.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("wait after pause: %v", err)
	}
	if paused.Status != schema.WorkflowStatusPaused {
		t.Fatalf("expected paused, got %s", paused.Status)
	}
	if rec := paused.Record("a"); rec.Status != schema.StepStatusCompleted {
		t.Errorf("in-flight step finishes before pausing, got %s", rec.Status)
	}
	if rec := paused.Record("b"); rec.Status != schema.StepStatusPending {
		t.Errorf("undispatched step stays pending across pause, got %s", rec.Status)
	}

	if err := eng.Resume(context.Background(), id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	final, err := eng.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("wait after resume: %v", err)
	}
	if final.Status != schema.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}

	// Completed work is never re-executed on resume.
	if first.Count() != 1 {
		t.Errorf("step a re-executed: %d invocations", first.Count())
	}
	if second.Count() != 1 {
		t.Errorf("step b: expected 1 invocation, got %d", second.Count())
	}
	if final.Context["a.v"] != "one" {
		t.Errorf("context lost across resume: %v", final.Context["a.v"])
	}
}

func TestEngine_ResumeRejectsTerminalOrRunning(t *testing.T) {
	ok := funcTool("ok", func(ctx context.Context, call tools.Call) (tools.Record, error) {
		return tools.Record{}, nil
	})
	eng := newTestEngine(t, registryWith(t, ok))
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name:  "quick",
		Steps: []schema.StepDefinition{{ID: "a", Tool: "ok"}},
	})

	final, err := launchAndWait(t, eng, "quick", nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	err = eng.Resume(context.Background(), final.InstanceID)
	if err == nil {
		t.Fatal("expected error resuming a completed instance")
	}
	if err.(*schema.EngineError).Code != schema.ErrCodeConflict {
		t.Errorf("expected CONFLICT, got %v", err)
	}
}

// --- Cancel ---

func TestEngine_CancelRunningInstance(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	blocking := funcTool("blocking", func(ctx context.Context, call tools.Call) (tools.Record, error) {
		started <- struct{}{}
		<-release
		return tools.Record{"v": 1}, nil
	})
	never := funcTool("never", func(ctx context.Context, call tools.Call) (tools.Record, error) {
		t.Error("step after cancel must not run")
		return tools.Record{}, nil
	})
	eng := newTestEngine(t, registryWith(t, blocking, never))
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name: "cancellable",
		Steps: []schema.StepDefinition{
			{ID: "a", Tool: "blocking"},
			{ID: "b", Tool: "never", DependsOn: []string{"a"}},
		},
	})

	id, err := eng.Launch(context.Background(), "cancellable", nil)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	<-started

	cancelErr := make(chan error, 1)
	go func() { cancelErr <- eng.Cancel(context.Background(), id, false) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-cancelErr; err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final, err := eng.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != schema.WorkflowStatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
	if rec := final.Record("b"); rec.Status != schema.StepStatusSkipped {
		t.Errorf("pending step should be skipped on cancel, got %s", rec.Status)
	}
}

func TestEngine_CancelPausedInstanceWithCompensation(t *testing.T) {
	undone := &countingTool{name: "undo", fn: func(ctx context.Context, call tools.Call) (tools.Record, error) {
		return tools.Record{}, nil
	}}
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	reg := registryWith(t,
		funcTool("reserve", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			started <- struct{}{}
			<-release
			return tools.Record{"reservation": "r1"}, nil
		}),
		funcTool("never", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			return tools.Record{}, nil
		}),
		undone.Tool(),
	)
	eng := newTestEngine(t, reg)
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name: "saga",
		Steps: []schema.StepDefinition{
			{ID: "reserve", Tool: "reserve", Outputs: []string{"reservation"}},
			{ID: "next", Tool: "never", DependsOn: []string{"reserve"}},
		},
		Compensations: []schema.CompensationDefinition{{StepID: "reserve", Tool: "undo"}},
	})

	id, err := eng.Launch(context.Background(), "saga", nil)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	<-started

	pauseErr := make(chan error, 1)
	go func() { pauseErr <- eng.Pause(context.Background(), id) }()
	time.Sleep(50 * time.Millisecond)
	close(release)
	if err := <-pauseErr; err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := eng.Wait(context.Background(), id); err != nil {
		t.Fatalf("wait after pause: %v", err)
	}

	// Offline cancel of the paused instance, with compensation.
	if err := eng.Cancel(context.Background(), id, true); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final, err := eng.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if final.Status != schema.WorkflowStatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
	if rec := final.Record("reserve"); rec.Status != schema.StepStatusCompensated {
		t.Errorf("expected compensated, got %s", rec.Status)
	}
	if undone.Count() != 1 {
		t.Errorf("expected 1 compensation call, got %d", undone.Count())
	}

	// A cancelled instance rejects further cancels.
	if err := eng.Cancel(context.Background(), id, false); err == nil {
		t.Error("expected CONFLICT cancelling a terminal instance")
	}
}

// --- History and events ---

func TestEngine_HistoryStrictlyIncreasing(t *testing.T) {
	ok := funcTool("ok", func(ctx context.Context, call tools.Call) (tools.Record, error) {
		return tools.Record{"v": 1}, nil
	})
	eng := newTestEngine(t, registryWith(t, ok))
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name: "audited",
		Steps: []schema.StepDefinition{
			{ID: "a", Tool: "ok"},
			{ID: "b", Tool: "ok", DependsOn: []string{"a"}},
		},
	})

	final, err := launchAndWait(t, eng, "audited", nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	history, err := eng.History(context.Background(), final.InstanceID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) < 2 {
		t.Fatalf("expected multiple checkpoints, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i] != history[i-1]+1 {
			t.Fatalf("versions must increase by one: %v", history)
		}
	}
	if history[len(history)-1] != final.Version {
		t.Errorf("latest history version %d != final state version %d",
			history[len(history)-1], final.Version)
	}

	// Every intermediate version stays loadable.
	mid, err := eng.store.LoadVersion(context.Background(), final.InstanceID, history[len(history)/2])
	if err != nil {
		t.Fatalf("load intermediate version: %v", err)
	}
	if mid.InstanceID != final.InstanceID {
		t.Error("intermediate checkpoint corrupt")
	}
}

func TestEngine_EventTrail(t *testing.T) {
	ok := funcTool("ok", func(ctx context.Context, call tools.Call) (tools.Record, error) {
		return tools.Record{}, nil
	})
	eng := newTestEngine(t, registryWith(t, ok))
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name:  "audited",
		Steps: []schema.StepDefinition{{ID: "a", Tool: "ok"}},
	})

	final, err := launchAndWait(t, eng, "audited", nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	requireEventTypes(t, eng, final.InstanceID,
		schema.EventWorkflowLaunched,
		schema.EventWorkflowStarted,
		schema.EventStepStarted,
		schema.EventStepCompleted,
		schema.EventWorkflowCompleted,
	)
}

// --- Error-context injection ---

func TestEngine_ErrorContextInjectedIntoAwareTools(t *testing.T) {
	var gotErrorContext any
	reg := registryWith(t,
		funcTool("broken", func(ctx context.Context, call tools.Call) (tools.Record, error) {
			return nil, errors.New("unexplained failure")
		}),
		&tools.Func{
			ToolName: "aware",
			Desc:     tools.Descriptor{AcceptsErrorContext: true},
			Fn: func(ctx context.Context, call tools.Call) (tools.Record, error) {
				gotErrorContext = call.Input["error_context"]
				return tools.Record{}, nil
			},
		},
	)
	eng := newTestEngine(t, reg)
	mustRegisterDef(t, eng, &schema.WorkflowDefinition{
		Name: "adaptive",
		Steps: []schema.StepDefinition{
			{ID: "fragile", Tool: "broken", Optional: true},
			{ID: "adapt", Tool: "aware", DependsOn: []string{"fragile"}, AllowSkipped: true},
		},
	})

	final, err := launchAndWait(t, eng, "adaptive", nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if final.Status != schema.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	summaries, ok := gotErrorContext.([]map[string]any)
	if !ok || len(summaries) == 0 {
		t.Fatalf("aware tool should receive prior failure summaries, got %v", gotErrorContext)
	}
	if summaries[0]["step_id"] != "fragile" {
		t.Errorf("summary should name the failing step, got %v", summaries[0])
	}
}
