package engine

import (
	"sort"
	"sync"

	"github.com/calydon/orchid/internal/graph"
	"github.com/calydon/orchid/internal/validation"
	"github.com/calydon/orchid/pkg/schema"
)

type definitionEntry struct {
	def   *schema.WorkflowDefinition
	graph *graph.Graph
}

// DefinitionRegistry holds validated workflow definitions by name. A
// definition is compiled into its graph exactly once, at registration;
// launches share the immutable compiled form.
type DefinitionRegistry struct {
	mu   sync.RWMutex
	defs map[string]definitionEntry
}

// NewDefinitionRegistry creates an empty registry.
func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{defs: make(map[string]definitionEntry)}
}

// Register validates and compiles a definition, replacing any previous
// registration under the same name. Running instances keep the compiled
// form they launched with.
func (r *DefinitionRegistry) Register(def *schema.WorkflowDefinition) error {
	g, err := graph.Build(def)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = definitionEntry{def: def, graph: g}
	return nil
}

// RegisterJSON validates a raw JSON definition against the definition
// schema, then registers it.
func (r *DefinitionRegistry) RegisterJSON(raw []byte) (*schema.WorkflowDefinition, error) {
	def, err := validation.ParseDefinition(raw)
	if err != nil {
		return nil, err
	}
	if err := r.Register(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Get returns the definition and compiled graph for a name.
func (r *DefinitionRegistry) Get(name string) (*schema.WorkflowDefinition, *graph.Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.defs[name]
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition not registered: %s", name)
	}
	return entry.def, entry.graph, nil
}

// List returns the registered definition names, sorted.
func (r *DefinitionRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
