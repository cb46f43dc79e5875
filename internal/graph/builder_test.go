package graph

import (
	"strings"
	"testing"

	"github.com/calydon/orchid/pkg/schema"
)

// --- helpers ---

func toolStep(id string, depends ...string) schema.StepDefinition {
	return schema.StepDefinition{
		ID:        id,
		Tool:      "noop",
		DependsOn: depends,
	}
}

func defOf(steps ...schema.StepDefinition) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{Name: "test", Steps: steps}
}

func indexOf(g *Graph) map[string]int {
	m := make(map[string]int, len(g.Order))
	for i, s := range g.Order {
		m[s] = i
	}
	return m
}

func assertBuildError(t *testing.T, def *schema.WorkflowDefinition, expectedCode string) *schema.EngineError {
	t.Helper()
	_, err := Build(def)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	engErr, ok := err.(*schema.EngineError)
	if !ok {
		t.Fatalf("expected EngineError, got %T: %v", err, err)
	}
	if engErr.Code != expectedCode {
		t.Errorf("expected code %s, got %s: %s", expectedCode, engErr.Code, engErr.Message)
	}
	return engErr
}

// --- structure tests ---

func TestBuild_LinearChain(t *testing.T) {
	g, err := Build(defOf(
		toolStep("a"),
		toolStep("b", "a"),
		toolStep("c", "b"),
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idx := indexOf(g)
	if idx["a"] >= idx["b"] || idx["b"] >= idx["c"] {
		t.Errorf("incorrect topological order: %v", g.Order)
	}
	if len(g.Roots) != 1 || g.Roots[0] != "a" {
		t.Errorf("expected roots=[a], got %v", g.Roots)
	}
	if len(g.Levels) != 3 {
		t.Errorf("expected 3 levels, got %d", len(g.Levels))
	}
}

func TestBuild_DiamondLevels(t *testing.T) {
	g, err := Build(defOf(
		toolStep("a"),
		toolStep("b", "a"),
		toolStep("c", "a"),
		toolStep("d", "b", "c"),
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(g.Levels) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(g.Levels), g.Levels)
	}
	if len(g.Levels[1]) != 2 {
		t.Errorf("level 1 should hold the parallel pair, got %v", g.Levels[1])
	}
	if len(g.Dependents["a"]) != 2 {
		t.Errorf("expected 2 dependents of a, got %v", g.Dependents["a"])
	}
}

func TestBuild_IndependentStepsShareLevelZero(t *testing.T) {
	g, err := Build(defOf(toolStep("x"), toolStep("y"), toolStep("z")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Levels) != 1 || len(g.Levels[0]) != 3 {
		t.Errorf("expected one level with 3 steps, got %v", g.Levels)
	}
	if len(g.Roots) != 3 {
		t.Errorf("expected 3 roots, got %v", g.Roots)
	}
}

// --- defect tests ---

func TestBuild_NilAndEmpty(t *testing.T) {
	assertBuildError(t, nil, schema.ErrCodeBuild)
	assertBuildError(t, &schema.WorkflowDefinition{Name: "x"}, schema.ErrCodeBuild)
	assertBuildError(t, &schema.WorkflowDefinition{Steps: []schema.StepDefinition{toolStep("a")}}, schema.ErrCodeBuild)
}

func TestBuild_DuplicateID(t *testing.T) {
	assertBuildError(t, defOf(toolStep("a"), toolStep("a")), schema.ErrCodeBuild)
}

func TestBuild_DottedID(t *testing.T) {
	assertBuildError(t, defOf(toolStep("a.b")), schema.ErrCodeBuild)
}

func TestBuild_MissingTool(t *testing.T) {
	assertBuildError(t, defOf(schema.StepDefinition{ID: "a"}), schema.ErrCodeBuild)
}

func TestBuild_DanglingDependency(t *testing.T) {
	assertBuildError(t, defOf(toolStep("a", "ghost")), schema.ErrCodeBuild)
}

func TestBuild_SelfDependency(t *testing.T) {
	assertBuildError(t, defOf(toolStep("a", "a")), schema.ErrCodeCycleDetected)
}

func TestBuild_CycleReportsExactPath(t *testing.T) {
	err := assertBuildError(t, defOf(
		toolStep("a", "c"),
		toolStep("b", "a"),
		toolStep("c", "b"),
	), schema.ErrCodeCycleDetected)

	// The message names every node on the cycle.
	for _, id := range []string{"a", "b", "c"} {
		if !strings.Contains(err.Message, id) {
			t.Errorf("cycle message should mention %q: %s", id, err.Message)
		}
	}
}

func TestBuild_TwoNodeCycle(t *testing.T) {
	assertBuildError(t, defOf(
		toolStep("a", "b"),
		toolStep("b", "a"),
	), schema.ErrCodeCycleDetected)
}

func TestBuild_CompensationForUnknownStep(t *testing.T) {
	def := defOf(toolStep("a"))
	def.Compensations = []schema.CompensationDefinition{{StepID: "ghost", Tool: "undo"}}
	assertBuildError(t, def, schema.ErrCodeBuild)
}

// --- reference validation tests ---

func TestBuild_UndeclaredInputReference(t *testing.T) {
	def := defOf(schema.StepDefinition{
		ID:       "a",
		Tool:     "noop",
		Bindings: map[string]any{"x": "${{ inputs.region }}"},
	})
	assertBuildError(t, def, schema.ErrCodeBuild)

	def.Inputs = []string{"region"}
	if _, err := Build(def); err != nil {
		t.Fatalf("declared input should resolve: %v", err)
	}
}

func TestBuild_StepReferenceRequiresDependency(t *testing.T) {
	producer := schema.StepDefinition{ID: "fetch", Tool: "noop", Outputs: []string{"body"}}
	consumer := schema.StepDefinition{
		ID:       "use",
		Tool:     "noop",
		Bindings: map[string]any{"data": "${{ steps.fetch.body }}"},
	}
	// No depends_on edge: rejected even though fetch exists.
	assertBuildError(t, defOf(producer, consumer), schema.ErrCodeBuild)

	consumer.DependsOn = []string{"fetch"}
	if _, err := Build(defOf(producer, consumer)); err != nil {
		t.Fatalf("reference along a dependency edge should resolve: %v", err)
	}
}

func TestBuild_TransitiveAncestorReferenceAllowed(t *testing.T) {
	def := defOf(
		schema.StepDefinition{ID: "a", Tool: "noop", Outputs: []string{"v"}},
		toolStep("b", "a"),
		schema.StepDefinition{
			ID:        "c",
			Tool:      "noop",
			DependsOn: []string{"b"},
			Bindings:  map[string]any{"x": "${{ steps.a.v }}"},
		},
	)
	if _, err := Build(def); err != nil {
		t.Fatalf("transitive ancestor reference should resolve: %v", err)
	}
}

func TestBuild_UndeclaredOutputReference(t *testing.T) {
	def := defOf(
		schema.StepDefinition{ID: "a", Tool: "noop", Outputs: []string{"v"}},
		schema.StepDefinition{
			ID:        "b",
			Tool:      "noop",
			DependsOn: []string{"a"},
			Bindings:  map[string]any{"x": "${{ steps.a.missing }}"},
		},
	)
	assertBuildError(t, def, schema.ErrCodeBuild)
}

func TestBuild_WorkflowNamespaceAlwaysResolves(t *testing.T) {
	def := defOf(schema.StepDefinition{
		ID:       "a",
		Tool:     "noop",
		Bindings: map[string]any{"id": "${{ workflow.instance_id }}"},
	})
	if _, err := Build(def); err != nil {
		t.Fatalf("workflow namespace should resolve: %v", err)
	}
}

func TestBuild_UnknownNamespaceRejected(t *testing.T) {
	def := defOf(schema.StepDefinition{
		ID:       "a",
		Tool:     "noop",
		Bindings: map[string]any{"x": "${{ secrets.token }}"},
	})
	assertBuildError(t, def, schema.ErrCodeBuild)
}
