package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/calydon/orchid/pkg/schema"
)

const transformInputSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": { "type": "string", "minLength": 1 },
    "data": {}
  }
}`

// TransformTool is the builtin "transform" tool: it reshapes a structured
// record between steps using a jq query. Compiled queries are cached.
type TransformTool struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewTransformTool creates the builtin jq transform tool.
func NewTransformTool() *TransformTool {
	return &TransformTool{cache: make(map[string]*gojq.Code)}
}

func (t *TransformTool) Name() string { return "transform" }

func (t *TransformTool) Descriptor() Descriptor {
	return Descriptor{
		Description: "Applies a jq query to the given data and returns the result under \"result\".",
		InputSchema: json.RawMessage(transformInputSchema),
	}
}

func (t *TransformTool) Invoke(ctx context.Context, call Call) (Record, error) {
	query, _ := call.Input["query"].(string)

	code, err := t.getOrCompile(query)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, call.Input["data"])
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", query, jqErr.Error()).WithCause(jqErr)
		}
		results = append(results, val)
	}

	// jq queries can produce multiple outputs; a single output is unwrapped.
	switch len(results) {
	case 0:
		return Record{"result": nil}, nil
	case 1:
		return Record{"result": results[0]}, nil
	default:
		return Record{"result": results}, nil
	}
}

func (t *TransformTool) getOrCompile(query string) (*gojq.Code, error) {
	t.mu.RLock()
	if code, ok := t.cache[query]; ok {
		t.mu.RUnlock()
		return code, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if code, ok := t.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", query, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", query, err.Error()).WithCause(err)
	}
	t.cache[query] = code
	return code, nil
}

var _ Tool = (*TransformTool)(nil)
