// Package command implements the durable Command record: idempotent
// enqueue, its state machine, FIFO replay for reconnect, stale-in-
// flight reconciliation, and retention pruning.
package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wolfleet/wolfleet/internal/idgen"
	"github.com/wolfleet/wolfleet/internal/storage"
)

// State is one node in the Command state machine. Terminal states
// (Acknowledged, Failed, TimedOut) are immutable: no operation in
// this package mutates a command once it reaches one.
type State string

const (
	StateQueued       State = "queued"
	StateSent         State = "sent"
	StateAcknowledged State = "acknowledged"
	StateFailed       State = "failed"
	StateTimedOut     State = "timed_out"
)

func (s State) terminal() bool {
	return s == StateAcknowledged || s == StateFailed || s == StateTimedOut
}

// ErrEnqueueConflict is returned when an enqueue neither inserts a row
// nor finds an existing one to return — the id collided for a command
// with no idempotency key.
var ErrEnqueueConflict = errors.New("command: enqueue conflict")

// ErrNotFound is returned when a command id has no matching row.
var ErrNotFound = errors.New("command: not found")

// ErrTerminal is returned when a transition is attempted on a command
// already in a terminal state.
var ErrTerminal = errors.New("command: already in a terminal state")

// timeLayout is RFC3339 with a fixed-width, zero-padded nanosecond
// fraction. Unlike time.RFC3339Nano (which trims trailing zeros, so a
// timestamp landing on a whole second sorts as greater than one a
// nanosecond later), every formatted value has the same length and
// compares correctly as plain text — required for ListQueuedByNode's
// FIFO ordering, since two commands enqueued in the same wall-clock
// second would otherwise tie under second-granularity timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

// Command is a durable, operator-initiated action delivered to
// exactly one node.
type Command struct {
	ID             string
	NodeID         string
	Type           string
	Payload        []byte
	IdempotencyKey string // empty means "no idempotency key"
	State          State
	Error          string
	RetryCount     int
	CreatedAt      time.Time
	SentAt         *time.Time
	CompletedAt    *time.Time
}

// EnqueueInput is the caller-supplied shape for a new command.
type EnqueueInput struct {
	ID             string // optional; idgen.Generate() if empty
	NodeID         string
	Type           string
	Payload        []byte
	IdempotencyKey string
}

// Model owns the commands table.
type Model struct {
	db *storage.DB
}

// New constructs a command Model over db.
func New(db *storage.DB) *Model {
	return &Model{db: db}
}

// Enqueue inserts a new command, or — when idempotencyKey is set and
// a prior command already used it for this node — returns that prior
// command untouched. Callers must treat the returned record as
// already-known, not freshly created, whenever err is nil and the
// returned command's ID differs from in.ID.
func (m *Model) Enqueue(ctx context.Context, in EnqueueInput) (Command, error) {
	id := in.ID
	if id == "" {
		id = idgen.Generate()
	}
	now := time.Now().UTC()

	var idempotencyKey any
	if in.IdempotencyKey != "" {
		idempotencyKey = in.IdempotencyKey
	}

	res, err := m.db.Exec(ctx, `
		INSERT INTO commands (id, node_id, type, payload, idempotency_key, state, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		ON CONFLICT (node_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		id, in.NodeID, in.Type, string(in.Payload), idempotencyKey, StateQueued, formatTime(now),
	)
	if err != nil {
		return Command{}, fmt.Errorf("command: enqueue insert: %w", err)
	}

	rowsAffected, _ := res.RowsAffected()
	if rowsAffected > 0 {
		return m.findByID(ctx, id)
	}

	if in.IdempotencyKey != "" {
		existing, err := m.findOne(ctx, "node_id = $1 AND idempotency_key = $2", in.NodeID, in.IdempotencyKey)
		if err != nil {
			return Command{}, fmt.Errorf("command: enqueue lookup existing: %w", err)
		}
		return existing, nil
	}

	return Command{}, ErrEnqueueConflict
}

// MarkSent transitions queued -> sent, bumping retryCount and setting
// sentAt. Any prior non-terminal state is accepted as the source,
// since a re-dispatch (backlog flush after reconnect) may call this
// more than once on the same command.
func (m *Model) MarkSent(ctx context.Context, id string) (Command, error) {
	now := time.Now().UTC()
	res, err := m.db.Exec(ctx, `
		UPDATE commands SET state = $1, sent_at = $2, retry_count = retry_count + 1
		WHERE id = $3 AND state NOT IN ($4, $5, $6)`,
		StateSent, formatTime(now), id, StateAcknowledged, StateFailed, StateTimedOut,
	)
	if err != nil {
		return Command{}, fmt.Errorf("command: mark sent: %w", err)
	}
	return m.requireTransitioned(ctx, id, res)
}

// MarkAcknowledged transitions sent -> acknowledged.
func (m *Model) MarkAcknowledged(ctx context.Context, id string) (Command, error) {
	now := time.Now().UTC()
	res, err := m.db.Exec(ctx, `
		UPDATE commands SET state = $1, completed_at = $2
		WHERE id = $3 AND state = $4`,
		StateAcknowledged, formatTime(now), id, StateSent,
	)
	if err != nil {
		return Command{}, fmt.Errorf("command: mark acknowledged: %w", err)
	}
	return m.requireTransitioned(ctx, id, res)
}

// MarkFailed transitions any non-terminal state to failed.
func (m *Model) MarkFailed(ctx context.Context, id string, reason string) (Command, error) {
	now := time.Now().UTC()
	res, err := m.db.Exec(ctx, `
		UPDATE commands SET state = $1, completed_at = $2, error = $3
		WHERE id = $4 AND state NOT IN ($5, $6, $7)`,
		StateFailed, formatTime(now), reason, id, StateAcknowledged, StateFailed, StateTimedOut,
	)
	if err != nil {
		return Command{}, fmt.Errorf("command: mark failed: %w", err)
	}
	return m.requireTransitioned(ctx, id, res)
}

// MarkTimedOut transitions sent -> timed_out.
func (m *Model) MarkTimedOut(ctx context.Context, id string, reason string) (Command, error) {
	now := time.Now().UTC()
	res, err := m.db.Exec(ctx, `
		UPDATE commands SET state = $1, completed_at = $2, error = $3
		WHERE id = $4 AND state = $5`,
		StateTimedOut, formatTime(now), reason, id, StateSent,
	)
	if err != nil {
		return Command{}, fmt.Errorf("command: mark timed out: %w", err)
	}
	return m.requireTransitioned(ctx, id, res)
}

func (m *Model) requireTransitioned(ctx context.Context, id string, res sql.Result) (Command, error) {
	n, _ := res.RowsAffected()
	cmd, err := m.findByID(ctx, id)
	if err != nil {
		return Command{}, err
	}
	if n == 0 {
		if cmd.State.terminal() {
			return cmd, ErrTerminal
		}
		return cmd, fmt.Errorf("command: transition did not apply to %s in state %s", id, cmd.State)
	}
	return cmd, nil
}

// ListQueuedByNode returns queued commands for nodeId ordered by
// createdAt ascending, the order the router must replay them in on
// reconnect.
func (m *Model) ListQueuedByNode(ctx context.Context, nodeID string) ([]Command, error) {
	rows, err := m.db.Query(ctx, `SELECT `+columns+` FROM commands WHERE node_id = $1 AND state = $2 ORDER BY created_at ASC`, nodeID, StateQueued)
	if err != nil {
		return nil, fmt.Errorf("command: list queued: %w", err)
	}
	defer rows.Close()
	return scanCommands(rows)
}

// ReconcileStaleInFlight transitions every command in state `sent`
// whose createdAt is older than timeout to timed_out. Queued commands
// that were never sent are never reconciled (see DESIGN.md Open
// Question #1). Returns the number of commands transitioned.
func (m *Model) ReconcileStaleInFlight(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	res, err := m.db.Exec(ctx, `
		UPDATE commands SET state = $1, completed_at = $2, error = $3
		WHERE state = $4 AND created_at < $5`,
		StateTimedOut, formatTime(time.Now().UTC()), "stale in-flight command reconciled", StateSent, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("command: reconcile stale in-flight: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneOldCommands deletes terminal commands older than days. A
// non-positive days is a no-op returning 0.
func (m *Model) PruneOldCommands(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := m.db.Exec(ctx, `
		DELETE FROM commands
		WHERE state IN ($1, $2, $3) AND created_at < $4`,
		StateAcknowledged, StateFailed, StateTimedOut, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("command: prune old commands: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const columns = `id, node_id, type, payload, idempotency_key, state, error, retry_count, created_at, sent_at, completed_at`

func (m *Model) findByID(ctx context.Context, id string) (Command, error) {
	return m.findOne(ctx, "id = $1", id)
}

func (m *Model) findOne(ctx context.Context, where string, args ...any) (Command, error) {
	rows, err := m.db.Query(ctx, `SELECT `+columns+` FROM commands WHERE `+where+` LIMIT 1`, args...)
	if err != nil {
		return Command{}, fmt.Errorf("command: find one: %w", err)
	}
	defer rows.Close()
	cmds, err := scanCommands(rows)
	if err != nil {
		return Command{}, err
	}
	if len(cmds) == 0 {
		return Command{}, ErrNotFound
	}
	return cmds[0], nil
}

func scanCommands(rows *sql.Rows) ([]Command, error) {
	var out []Command
	for rows.Next() {
		var (
			c                       Command
			idempotencyKey          sql.NullString
			errText                 sql.NullString
			createdAt               string
			sentAt, completedAt     sql.NullString
			payload                 string
		)
		if err := rows.Scan(
			&c.ID, &c.NodeID, &c.Type, &payload, &idempotencyKey, &c.State, &errText, &c.RetryCount,
			&createdAt, &sentAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("command: scan row: %w", err)
		}
		c.Payload = []byte(payload)
		if idempotencyKey.Valid {
			c.IdempotencyKey = idempotencyKey.String
		}
		if errText.Valid {
			c.Error = errText.String
		}
		if t, err := parseTime(createdAt); err == nil {
			c.CreatedAt = t
		}
		if sentAt.Valid && sentAt.String != "" {
			t, _ := parseTime(sentAt.String)
			c.SentAt = &t
		}
		if completedAt.Valid && completedAt.String != "" {
			t, _ := parseTime(completedAt.String)
			c.CompletedAt = &t
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("command: iterate rows: %w", err)
	}
	return out, nil
}
