package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/calydon/orchid/pkg/schema"
)

// MemoryStore is an in-process Store used by tests and embedders that do not
// need durability. Checkpoints are deep-copied on save and load so callers
// can never mutate persisted history.
type MemoryStore struct {
	mu          sync.RWMutex
	instances   map[string]*Instance
	checkpoints map[string]map[int64]*schema.ExecutionState
	events      map[string][]*Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:   make(map[string]*Instance),
		checkpoints: make(map[string]map[int64]*schema.ExecutionState),
		events:      make(map[string][]*Event),
	}
}

func (s *MemoryStore) CreateInstance(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s already exists", inst.ID)
	}
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance not found: %s", id)
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "instance not found: %s", id)
	}
	if update.Status != nil {
		inst.Status = *update.Status
	}
	if update.CompletedAt != nil {
		inst.CompletedAt = update.CompletedAt
	}
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for _, inst := range s.instances {
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.Workflow != "" && inst.Workflow != filter.Workflow {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, state *schema.ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.checkpoints[state.InstanceID]
	if !ok {
		versions = make(map[int64]*schema.ExecutionState)
		s.checkpoints[state.InstanceID] = versions
	}
	if _, exists := versions[state.Version]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"checkpoint version %d already exists for instance %s", state.Version, state.InstanceID)
	}
	versions[state.Version] = state.Clone()
	return nil
}

func (s *MemoryStore) LoadLatest(ctx context.Context, instanceID string) (*schema.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.checkpoints[instanceID]
	if !ok || len(versions) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no checkpoints for instance %s", instanceID)
	}
	var max int64
	for v := range versions {
		if v > max {
			max = v
		}
	}
	return versions[max].Clone(), nil
}

func (s *MemoryStore) LoadVersion(ctx context.Context, instanceID string, version int64) (*schema.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.checkpoints[instanceID][version]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"checkpoint version %d not found for instance %s", version, instanceID)
	}
	return st.Clone(), nil
}

func (s *MemoryStore) History(ctx context.Context, instanceID string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.checkpoints[instanceID]
	out := make([]int64, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	cp.Sequence = int64(len(s.events[event.InstanceID]) + 1)
	cp.ID = cp.Sequence
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.events[event.InstanceID] = append(s.events[event.InstanceID], &cp)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events[instanceID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

var _ Store = (*MemoryStore)(nil)
