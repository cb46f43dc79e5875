package expressions

import "context"

// Engine evaluates expressions against a resolution scope.
// Two implementations: CEL (step conditions) and Expr (value expressions
// inside input bindings).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
