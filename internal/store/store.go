package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/calydon/orchid/pkg/schema"
)

// Store is the execution-state persistence contract. Implementations must be
// safe for concurrent use and must provide read-your-own-writes consistency
// for a single instance; cross-instance transactions are not required.
//
// Checkpoints are append-only: saving an already-persisted version is a
// CONFLICT, and every prior version of a run stays loadable.
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// Checkpoints (append-only history)
	SaveCheckpoint(ctx context.Context, state *schema.ExecutionState) error
	LoadLatest(ctx context.Context, instanceID string) (*schema.ExecutionState, error)
	LoadVersion(ctx context.Context, instanceID string, version int64) (*schema.ExecutionState, error)
	History(ctx context.Context, instanceID string) ([]int64, error)

	// Audit events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}

// Instance is the persisted registration of one workflow launch. The
// authoritative execution state lives in the checkpoint history; the
// instance row exists for listing and lookup.
type Instance struct {
	ID          string                `json:"id"`
	Workflow    string                `json:"workflow"`
	Status      schema.WorkflowStatus `json:"status"`
	Inputs      map[string]any        `json:"inputs,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// InstanceUpdate specifies the mutable fields of an instance row.
type InstanceUpdate struct {
	Status      *schema.WorkflowStatus `json:"status,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Status   *schema.WorkflowStatus `json:"status,omitempty"`
	Workflow string                 `json:"workflow,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
}

// Event is an immutable audit-trail entry.
type Event struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}
