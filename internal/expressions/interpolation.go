package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/calydon/orchid/pkg/schema"
)

// Binding values reference prior data with ${{ ... }} tokens. The token body
// is either a namespace path (steps.<id>.<key>, inputs.<key>,
// workflow.<key>) or an "expr:"-prefixed value expression evaluated by the
// ExprEngine against the scope environment.
//
// A string that is exactly one token resolves to the referenced value with
// its original type; tokens embedded in longer strings render inline.

const exprPrefix = "expr:"

// HasRef reports whether the string contains a ${{ ... }} token.
func HasRef(s string) bool {
	return strings.Contains(s, "${{")
}

// References returns the path-form token bodies found anywhere in the value
// (strings, nested maps, nested slices). "expr:" tokens are dynamic and are
// not reported; static validation cannot see inside them.
func References(v any) []string {
	var refs []string
	walkStrings(v, func(s string) {
		for _, body := range tokenBodies(s) {
			if !strings.HasPrefix(body, exprPrefix) {
				refs = append(refs, body)
			}
		}
	})
	return refs
}

func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, e := range t {
			walkStrings(e, fn)
		}
	case []any:
		for _, e := range t {
			walkStrings(e, fn)
		}
	}
}

func tokenBodies(s string) []string {
	var bodies []string
	for {
		start := strings.Index(s, "${{")
		if start == -1 {
			return bodies
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return bodies
		}
		bodies = append(bodies, strings.TrimSpace(s[start+3:start+end]))
		s = s[start+end+2:]
	}
}

// Resolver resolves ${{ ... }} tokens against a Scope.
type Resolver struct {
	exprEngine *ExprEngine
}

// NewResolver creates a token resolver backed by the given expr engine.
func NewResolver(exprEngine *ExprEngine) *Resolver {
	return &Resolver{exprEngine: exprEngine}
}

// ResolveValue resolves every token in a binding value, descending into
// nested maps and slices. Non-string values pass through unchanged.
func (r *Resolver) ResolveValue(ctx context.Context, v any, scope *Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return r.resolveString(ctx, t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			rv, err := r.ResolveValue(ctx, e, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			rv, err := r.ResolveValue(ctx, e, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Resolver) resolveString(ctx context.Context, s string, scope *Scope) (any, error) {
	if !HasRef(s) {
		return s, nil
	}

	// Whole-string token: preserve the referenced value's type.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") {
		body := strings.TrimSpace(trimmed[3 : len(trimmed)-2])
		if body == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty reference: ${{ }}")
		}
		if !strings.Contains(body, "${{") {
			return r.resolveBody(ctx, body, scope)
		}
	}

	// Mixed text: render each token inline.
	var out strings.Builder
	out.Grow(len(s))
	rest := s
	for {
		start := strings.Index(rest, "${{")
		if start == -1 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:start])
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ reference")
		}
		body := strings.TrimSpace(rest[start+3 : start+end])
		if body == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty reference: ${{ }}")
		}
		if strings.Contains(body, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested references not allowed: ${{...}} cannot contain ${{")
		}
		val, err := r.resolveBody(ctx, body, scope)
		if err != nil {
			return nil, err
		}
		out.WriteString(renderInline(val))
		rest = rest[start+end+2:]
	}
}

func (r *Resolver) resolveBody(ctx context.Context, body string, scope *Scope) (any, error) {
	if expr, ok := strings.CutPrefix(body, exprPrefix); ok {
		return r.exprEngine.Evaluate(ctx, strings.TrimSpace(expr), scope.Env())
	}
	return ResolvePath(body, scope)
}

// ResolvePath resolves a namespace path like "steps.fetch.status" or
// "inputs.region" against the scope. A missing key is an interpolation
// error; the scheduler classifies it before dispatch.
func ResolvePath(path string, scope *Scope) (any, error) {
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "steps":
		if len(parts) < 3 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"step reference %q must be steps.<id>.<key>", path)
		}
		out, ok := scope.Steps[parts[1]]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"no recorded output for step %q", parts[1]).WithDetails(map[string]any{"reference": path})
		}
		return lookupKeys(out, parts[2:], path)
	case "inputs":
		if len(parts) < 2 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"input reference %q must be inputs.<key>", path)
		}
		return lookupKeys(scope.Inputs, parts[1:], path)
	case "workflow":
		if len(parts) < 2 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"workflow reference %q must be workflow.<key>", path)
		}
		return lookupKeys(scope.Workflow, parts[1:], path)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown reference namespace %q in %q", parts[0], path)
	}
}

func lookupKeys(m map[string]any, keys []string, path string) (any, error) {
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot descend into non-object at %q in %q", k, path)
		}
		cur, ok = obj[k]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"missing key %q in %q", k, path)
		}
	}
	return cur, nil
}

// renderInline converts a resolved value for embedding into a larger string.
func renderInline(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
