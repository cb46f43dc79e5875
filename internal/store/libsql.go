package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/calydon/orchid/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). A single connection is used so checkpoint writes are serialized at
// the driver level, matching the engine's single-writer discipline.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path should
// be a file URI, e.g. "file:/path/to/orchid.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	inputs, err := marshalMapOrDefault(inst.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, workflow, status, inputs, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Workflow, string(inst.Status), inputs,
		timeOrNow(inst.CreatedAt), timeOrNow(inst.UpdatedAt), nullTime(inst.CompletedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s already exists", inst.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	inst := &Instance{}
	var (
		status      string
		inputsJSON  sql.NullString
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow, status, inputs, created_at, updated_at, completed_at
		 FROM instances WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.Workflow, &status, &inputsJSON, &inst.CreatedAt, &inst.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	inst.Status = schema.WorkflowStatus(status)
	if inputsJSON.Valid && inputsJSON.String != "" {
		if err := json.Unmarshal([]byte(inputsJSON.String), &inst.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return inst, nil
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	query := `SELECT id, workflow, status, inputs, created_at, updated_at, completed_at FROM instances`
	var conds []string
	var args []any
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Workflow != "" {
		conds = append(conds, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst := &Instance{}
		var (
			status      string
			inputsJSON  sql.NullString
			completedAt sql.NullTime
		)
		if err := rows.Scan(&inst.ID, &inst.Workflow, &status, &inputsJSON,
			&inst.CreatedAt, &inst.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		inst.Status = schema.WorkflowStatus(status)
		if inputsJSON.Valid && inputsJSON.String != "" {
			_ = json.Unmarshal([]byte(inputsJSON.String), &inst.Inputs)
		}
		if completedAt.Valid {
			inst.CompletedAt = &completedAt.Time
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- Checkpoints ---

func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, state *schema.ExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (instance_id, version, state, created_at) VALUES (?, ?, ?, ?)`,
		state.InstanceID, state.Version, string(data), time.Now().UTC(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"checkpoint version %d already exists for instance %s", state.Version, state.InstanceID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) LoadLatest(ctx context.Context, instanceID string) (*schema.ExecutionState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE instance_id = ? ORDER BY version DESC LIMIT 1`, instanceID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint", instanceID)
	}
	if err != nil {
		return nil, err
	}
	return unmarshalState(data)
}

func (s *LibSQLStore) LoadVersion(ctx context.Context, instanceID string, version int64) (*schema.ExecutionState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE instance_id = ? AND version = ?`, instanceID, version,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint", fmt.Sprintf("%s@%d", instanceID, version))
	}
	if err != nil {
		return nil, err
	}
	return unmarshalState(data)
}

func (s *LibSQLStore) History(ctx context.Context, instanceID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM checkpoints WHERE instance_id = ? ORDER BY version ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent appends an audit event with a monotonically increasing
// per-instance sequence inside one transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`, event.InstanceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (instance_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.InstanceID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Helpers ---

func unmarshalState(data string) (*schema.ExecutionState, error) {
	st := &schema.ExecutionState{}
	if err := json.Unmarshal([]byte(data), st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return st, nil
}

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func marshalMapOrDefault(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var _ Store = (*LibSQLStore)(nil)
