package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wolfleet/wolfleet/internal/idgen"
	"github.com/wolfleet/wolfleet/internal/storage"
)

// OwnedWakeSchedule is the same shape as HostWakeSchedule, scoped to
// an authenticated subject rather than bound only to a host.
type OwnedWakeSchedule struct {
	ID            string
	OwnerSub      string
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

// OwnedScheduleInput is the caller-supplied shape for create/update.
type OwnedScheduleInput struct {
	HostFQN       string
	HostName      string
	HostMAC       string
	ScheduledTime time.Time
	Frequency     Frequency
	Enabled       bool
	NotifyOnWake  bool
	Timezone      string
}

// OwnedModel owns the wake_schedules table. Create, Get, List, Update
// and Delete are scoped by ownerSub; ListDue and
// RecordExecutionAttempt, used by the worker, are not.
type OwnedModel struct {
	db *storage.DB
}

// NewOwnedModel constructs an OwnedModel over db.
func NewOwnedModel(db *storage.DB) *OwnedModel {
	return &OwnedModel{db: db}
}

// Create inserts a new owner-scoped schedule.
func (m *OwnedModel) Create(ctx context.Context, ownerSub string, in OwnedScheduleInput) (OwnedWakeSchedule, error) {
	now := time.Now().UTC()
	id := idgen.Generate()
	next := NextTrigger(in.ScheduledTime, in.Frequency, in.Enabled, now)

	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}

	_, err := m.db.Exec(ctx, `
		INSERT INTO wake_schedules
			(id, owner_sub, host_fqn, host_name, host_mac, scheduled_time, frequency, enabled, notify_on_wake, timezone, next_trigger, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, ownerSub, in.HostFQN, in.HostName, in.HostMAC, in.ScheduledTime.UTC().Format(time.RFC3339), in.Frequency,
		boolInt(in.Enabled), boolInt(in.NotifyOnWake), tz, formatNullable(next), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return OwnedWakeSchedule{}, fmt.Errorf("schedule: create owned schedule: %w", err)
	}
	return m.findOne(ctx, "id = $1 AND owner_sub = $2", id, ownerSub)
}

// Get returns one owner-scoped schedule, or ErrNotFound if it does not
// belong to ownerSub.
func (m *OwnedModel) Get(ctx context.Context, ownerSub, id string) (OwnedWakeSchedule, error) {
	return m.findOne(ctx, "id = $1 AND owner_sub = $2", id, ownerSub)
}

// List returns every schedule owned by ownerSub.
func (m *OwnedModel) List(ctx context.Context, ownerSub string) ([]OwnedWakeSchedule, error) {
	rows, err := m.db.Query(ctx, `SELECT `+ownedScheduleColumns+` FROM wake_schedules WHERE owner_sub = $1 ORDER BY next_trigger ASC`, ownerSub)
	if err != nil {
		return nil, fmt.Errorf("schedule: list owned schedules: %w", err)
	}
	defer rows.Close()
	return scanOwnedSchedules(rows)
}

// Update applies in over an existing owner-scoped schedule.
func (m *OwnedModel) Update(ctx context.Context, ownerSub, id string, in OwnedScheduleInput) (OwnedWakeSchedule, error) {
	now := time.Now().UTC()
	next := NextTrigger(in.ScheduledTime, in.Frequency, in.Enabled, now)

	res, err := m.db.Exec(ctx, `
		UPDATE wake_schedules
		SET host_fqn = $1, host_name = $2, host_mac = $3, scheduled_time = $4, frequency = $5,
		    enabled = $6, notify_on_wake = $7, timezone = $8, next_trigger = $9, updated_at = $10
		WHERE id = $11 AND owner_sub = $12`,
		in.HostFQN, in.HostName, in.HostMAC, in.ScheduledTime.UTC().Format(time.RFC3339), in.Frequency,
		boolInt(in.Enabled), boolInt(in.NotifyOnWake), in.Timezone, formatNullable(next), now.Format(time.RFC3339), id, ownerSub,
	)
	if err != nil {
		return OwnedWakeSchedule{}, fmt.Errorf("schedule: update owned schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return OwnedWakeSchedule{}, ErrNotFound
	}
	return m.findOne(ctx, "id = $1 AND owner_sub = $2", id, ownerSub)
}

// Delete removes an owner-scoped schedule.
func (m *OwnedModel) Delete(ctx context.Context, ownerSub, id string) error {
	res, err := m.db.Exec(ctx, `DELETE FROM wake_schedules WHERE id = $1 AND owner_sub = $2`, id, ownerSub)
	if err != nil {
		return fmt.Errorf("schedule: delete owned schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDue returns enabled owner-scoped schedules whose nextTrigger has
// passed, across all owners — the worker fires these the same way it
// fires host-scoped ones.
func (m *OwnedModel) ListDue(ctx context.Context, limit int, now time.Time) ([]OwnedWakeSchedule, error) {
	rows, err := m.db.Query(ctx, `
		SELECT `+ownedScheduleColumns+` FROM wake_schedules
		WHERE enabled = $1 AND next_trigger IS NOT NULL AND next_trigger <= $2
		ORDER BY next_trigger ASC LIMIT $3`,
		boolInt(true), now.UTC().Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("schedule: list due owned schedules: %w", err)
	}
	defer rows.Close()
	return scanOwnedSchedules(rows)
}

// RecordExecutionAttempt mirrors HostModel.RecordExecutionAttempt for
// owner-scoped schedules.
func (m *OwnedModel) RecordExecutionAttempt(ctx context.Context, id string, attemptedAt time.Time) (OwnedWakeSchedule, error) {
	sched, err := m.findOne(ctx, "id = $1", id)
	if err != nil {
		return OwnedWakeSchedule{}, err
	}

	enabled := sched.Enabled
	if sched.Frequency == FrequencyOnce {
		enabled = false
	}
	next := NextTrigger(sched.ScheduledTime, sched.Frequency, enabled, attemptedAt)

	_, err = m.db.Exec(ctx, `
		UPDATE wake_schedules
		SET last_triggered = $1, next_trigger = $2, enabled = $3, updated_at = $4
		WHERE id = $5`,
		attemptedAt.UTC().Format(time.RFC3339), formatNullable(next), boolInt(enabled), attemptedAt.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return OwnedWakeSchedule{}, fmt.Errorf("schedule: record execution attempt: %w", err)
	}
	return m.findOne(ctx, "id = $1", id)
}

const ownedScheduleColumns = `id, owner_sub, host_fqn, host_name, host_mac, scheduled_time, frequency, enabled, notify_on_wake, timezone, last_triggered, next_trigger, created_at, updated_at`

func (m *OwnedModel) findOne(ctx context.Context, where string, args ...any) (OwnedWakeSchedule, error) {
	rows, err := m.db.Query(ctx, `SELECT `+ownedScheduleColumns+` FROM wake_schedules WHERE `+where+` LIMIT 1`, args...)
	if err != nil {
		return OwnedWakeSchedule{}, fmt.Errorf("schedule: find owned schedule: %w", err)
	}
	defer rows.Close()
	scheds, err := scanOwnedSchedules(rows)
	if err != nil {
		return OwnedWakeSchedule{}, err
	}
	if len(scheds) == 0 {
		return OwnedWakeSchedule{}, ErrNotFound
	}
	return scheds[0], nil
}

func scanOwnedSchedules(rows *sql.Rows) ([]OwnedWakeSchedule, error) {
	var out []OwnedWakeSchedule
	for rows.Next() {
		var (
			s                                   OwnedWakeSchedule
			scheduledTime, createdAt, updatedAt string
			lastTriggered, nextTrigger          sql.NullString
			enabled, notifyOnWake               int
		)
		if err := rows.Scan(
			&s.ID, &s.OwnerSub, &s.HostFQN, &s.HostName, &s.HostMAC, &scheduledTime, &s.Frequency, &enabled, &notifyOnWake,
			&s.Timezone, &lastTriggered, &nextTrigger, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("schedule: scan owned schedule row: %w", err)
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
		return nil, fmt.Errorf("schedule: iterate owned schedule rows: %w", err)
	}
	return out, nil
}
