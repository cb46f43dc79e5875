package tools

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/calydon/orchid/pkg/schema"
)

// Registry manages tool lookup. It is passed into the engine at construction
// time; there is no process-wide registry.
type Registry interface {
	Register(tool Tool) error
	Get(name string) (Tool, error)
	List() []Info
}

// MapRegistry is the concrete thread-safe Registry implementation.
type MapRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema // compiled input schemas
}

// NewRegistry creates an empty MapRegistry.
func NewRegistry() *MapRegistry {
	return &MapRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. The input schema, when declared, is compiled here so
// schema defects surface at wiring time rather than mid-workflow.
func (r *MapRegistry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	var compiled *jsonschema.Schema
	if raw := tool.Descriptor().InputSchema; len(raw) > 0 {
		var err error
		compiled, err = compileSchema(name, raw)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"tool %q has invalid input schema: %s", name, err.Error()).WithCause(err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	if compiled != nil {
		r.schemas[name] = compiled
	}
	return nil
}

// Get retrieves a tool by name.
func (r *MapRegistry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "tool %q not registered", name)
	}
	return tool, nil
}

// List returns info for all registered tools, sorted by name.
func (r *MapRegistry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{
			Name:        t.Name(),
			Description: t.Descriptor().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ValidateInput checks a resolved input record against the tool's declared
// input schema. Tools without a schema accept anything.
func (r *MapRegistry) ValidateInput(name string, input Record) error {
	r.mu.RLock()
	compiled := r.schemas[name]
	r.mu.RUnlock()

	if compiled == nil {
		return nil
	}
	if err := compiled.Validate(map[string]any(input)); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"input for tool %q rejected by schema: %s", name, err.Error()).WithCause(err)
	}
	return nil
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("orchid://tools/%s/input.json", name)
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

var _ Registry = (*MapRegistry)(nil)
