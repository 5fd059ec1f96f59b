package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wolfleet/wolfleet/internal/idgen"
	"github.com/wolfleet/wolfleet/internal/storage"
)

// ErrNotFound is returned when a schedule id has no matching row.
var ErrNotFound = errors.New("schedule: not found")

// HostWakeSchedule is a recurring or one-off wake bound to a host,
// independent of any authenticated subject.
type HostWakeSchedule struct {
	ID            string
	HostFQN       string
	HostName      string
	HostMAC       string
	ScheduledTime time.Time
	Frequency     Frequency
	Enabled       bool
	NotifyOnWake  bool
	Timezone      string
	LastTriggered *time.Time
	NextTrigger   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HostScheduleInput is the caller-supplied shape for create/update.
type HostScheduleInput struct {
	HostFQN       string
	HostName      string
	HostMAC       string
	ScheduledTime time.Time
	Frequency     Frequency
	Enabled       bool
	NotifyOnWake  bool
	Timezone      string
}

// HostModel owns the host_wake_schedules table.
type HostModel struct {
	db *storage.DB
}

// NewHostModel constructs a HostModel over db.
func NewHostModel(db *storage.DB) *HostModel {
	return &HostModel{db: db}
}

// Create inserts a new host-scoped schedule, computing its initial
// nextTrigger from the current instant.
func (m *HostModel) Create(ctx context.Context, in HostScheduleInput) (HostWakeSchedule, error) {
	now := time.Now().UTC()
	id := idgen.Generate()
	next := NextTrigger(in.ScheduledTime, in.Frequency, in.Enabled, now)

	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}

	_, err := m.db.Exec(ctx, `
		INSERT INTO host_wake_schedules
			(id, host_fqn, host_name, host_mac, scheduled_time, frequency, enabled, notify_on_wake, timezone, next_trigger, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		id, in.HostFQN, in.HostName, in.HostMAC, in.ScheduledTime.UTC().Format(time.RFC3339), in.Frequency,
		boolInt(in.Enabled), boolInt(in.NotifyOnWake), tz, formatNullable(next), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return HostWakeSchedule{}, fmt.Errorf("schedule: create host schedule: %w", err)
	}
	return m.findByID(ctx, id)
}

// Get returns one host-scoped schedule by id.
func (m *HostModel) Get(ctx context.Context, id string) (HostWakeSchedule, error) {
	return m.findByID(ctx, id)
}

// List returns host-scoped schedules, optionally filtered by enabled
// and nodeId (matched against the FQN's trailing "-<nodeId>" suffix).
func (m *HostModel) List(ctx context.Context, enabled *bool, nodeID string) ([]HostWakeSchedule, error) {
	where := "1=1"
	var args []any
	n := 0
	if enabled != nil {
		n++
		where += fmt.Sprintf(" AND enabled = $%d", n)
		args = append(args, boolInt(*enabled))
	}
	if nodeID != "" {
		n++
		where += fmt.Sprintf(" AND host_fqn LIKE $%d", n)
		args = append(args, "%-"+nodeID)
	}
	rows, err := m.db.Query(ctx, `SELECT `+hostScheduleColumns+` FROM host_wake_schedules WHERE `+where+` ORDER BY next_trigger ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("schedule: list host schedules: %w", err)
	}
	defer rows.Close()
	return scanHostSchedules(rows)
}

// Update applies in over an existing host-scoped schedule. A change to
// scheduledTime, frequency, or enabled recomputes nextTrigger.
func (m *HostModel) Update(ctx context.Context, id string, in HostScheduleInput) (HostWakeSchedule, error) {
	now := time.Now().UTC()
	next := NextTrigger(in.ScheduledTime, in.Frequency, in.Enabled, now)

	res, err := m.db.Exec(ctx, `
		UPDATE host_wake_schedules
		SET host_fqn = $1, host_name = $2, host_mac = $3, scheduled_time = $4, frequency = $5,
		    enabled = $6, notify_on_wake = $7, timezone = $8, next_trigger = $9, updated_at = $10
		WHERE id = $11`,
		in.HostFQN, in.HostName, in.HostMAC, in.ScheduledTime.UTC().Format(time.RFC3339), in.Frequency,
		boolInt(in.Enabled), boolInt(in.NotifyOnWake), in.Timezone, formatNullable(next), now.Format(time.RFC3339), id,
	)
	if err != nil {
		return HostWakeSchedule{}, fmt.Errorf("schedule: update host schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return HostWakeSchedule{}, ErrNotFound
	}
	return m.findByID(ctx, id)
}

// Delete removes a host-scoped schedule.
func (m *HostModel) Delete(ctx context.Context, id string) error {
	res, err := m.db.Exec(ctx, `DELETE FROM host_wake_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("schedule: delete host schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDue returns enabled host-scoped schedules whose nextTrigger has
// passed, ordered by nextTrigger ascending, capped at limit.
func (m *HostModel) ListDue(ctx context.Context, limit int, now time.Time) ([]HostWakeSchedule, error) {
	rows, err := m.db.Query(ctx, `
		SELECT `+hostScheduleColumns+` FROM host_wake_schedules
		WHERE enabled = $1 AND next_trigger IS NOT NULL AND next_trigger <= $2
		ORDER BY next_trigger ASC LIMIT $3`,
		boolInt(true), now.UTC().Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("schedule: list due host schedules: %w", err)
	}
	defer rows.Close()
	return scanHostSchedules(rows)
}

// RecordExecutionAttempt advances a host-scoped schedule's recurrence
// state after the worker has fired it: lastTriggered is set to
// attemptedAt, and nextTrigger is recomputed from it. A `once`
// schedule is auto-disabled per spec §8 ("for all once-schedules:
// after recordExecutionAttempt, enabled=false AND nextTrigger=null").
func (m *HostModel) RecordExecutionAttempt(ctx context.Context, id string, attemptedAt time.Time) (HostWakeSchedule, error) {
	sched, err := m.findByID(ctx, id)
	if err != nil {
		return HostWakeSchedule{}, err
	}

	enabled := sched.Enabled
	if sched.Frequency == FrequencyOnce {
		enabled = false
	}
	next := NextTrigger(sched.ScheduledTime, sched.Frequency, enabled, attemptedAt)

	_, err = m.db.Exec(ctx, `
		UPDATE host_wake_schedules
		SET last_triggered = $1, next_trigger = $2, enabled = $3, updated_at = $4
		WHERE id = $5`,
		attemptedAt.UTC().Format(time.RFC3339), formatNullable(next), boolInt(enabled), attemptedAt.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return HostWakeSchedule{}, fmt.Errorf("schedule: record execution attempt: %w", err)
	}
	return m.findByID(ctx, id)
}

const hostScheduleColumns = `id, host_fqn, host_name, host_mac, scheduled_time, frequency, enabled, notify_on_wake, timezone, last_triggered, next_trigger, created_at, updated_at`

func (m *HostModel) findByID(ctx context.Context, id string) (HostWakeSchedule, error) {
	rows, err := m.db.Query(ctx, `SELECT `+hostScheduleColumns+` FROM host_wake_schedules WHERE id = $1 LIMIT 1`, id)
	if err != nil {
		return HostWakeSchedule{}, fmt.Errorf("schedule: find host schedule: %w", err)
	}
	defer rows.Close()
	scheds, err := scanHostSchedules(rows)
	if err != nil {
		return HostWakeSchedule{}, err
	}
	if len(scheds) == 0 {
		return HostWakeSchedule{}, ErrNotFound
	}
	return scheds[0], nil
}

func scanHostSchedules(rows *sql.Rows) ([]HostWakeSchedule, error) {
	var out []HostWakeSchedule
	for rows.Next() {
		var (
			s                                 HostWakeSchedule
			scheduledTime, createdAt, updatedAt string
			lastTriggered, nextTrigger        sql.NullString
			enabled, notifyOnWake              int
		)
		if err := rows.Scan(
			&s.ID, &s.HostFQN, &s.HostName, &s.HostMAC, &scheduledTime, &s.Frequency, &enabled, &notifyOnWake,
			&s.Timezone, &lastTriggered, &nextTrigger, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("schedule: scan host schedule row: %w", err)
		}
		s.Enabled = enabled != 0
		s.NotifyOnWake = notifyOnWake != 0
		if t, err := time.Parse(time.RFC3339, scheduledTime); err == nil {
			s.ScheduledTime = t
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			s.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			s.UpdatedAt = t
		}
		if lastTriggered.Valid && lastTriggered.String != "" {
			t, _ := time.Parse(time.RFC3339, lastTriggered.String)
			s.LastTriggered = &t
		}
		if nextTrigger.Valid && nextTrigger.String != "" {
			t, _ := time.Parse(time.RFC3339, nextTrigger.String)
			s.NextTrigger = &t
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule: iterate host schedule rows: %w", err)
	}
	return out, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func formatNullable(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
