package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfleet/wolfleet/internal/storage"
)

func newTestDB(t *testing.T) (*storage.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.BackendEmbedded, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("db.Migrate: %v", err)
	}
	return db, ctx
}

func TestHostModelCreateComputesNextTrigger(t *testing.T) {
	db, ctx := newTestDB(t)
	m := NewHostModel(db)

	sched, err := m.Create(ctx, HostScheduleInput{
		HostFQN: "nas@loc-n1", HostName: "nas", HostMAC: "11:22:33:44:55:66",
		ScheduledTime: mustParse(t, "2026-01-01T09:00:00Z"),
		Frequency:     FrequencyDaily,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sched.NextTrigger == nil {
		t.Fatal("expected a non-nil next trigger for an enabled daily schedule")
	}
}

func TestHostModelOnceAutoDisablesAfterExecution(t *testing.T) {
	db, ctx := newTestDB(t)
	m := NewHostModel(db)

	future := time.Now().UTC().Add(time.Hour)
	sched, err := m.Create(ctx, HostScheduleInput{
		HostFQN: "nas@loc-n1", HostName: "nas", HostMAC: "11:22:33:44:55:66",
		ScheduledTime: future,
		Frequency:     FrequencyOnce,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sched.NextTrigger == nil {
		t.Fatal("expected a next trigger for a future once-schedule")
	}

	updated, err := m.RecordExecutionAttempt(ctx, sched.ID, future.Add(time.Minute))
	if err != nil {
		t.Fatalf("RecordExecutionAttempt: %v", err)
	}
	if updated.Enabled {
		t.Fatal("expected a once-schedule to disable itself after execution")
	}
	if updated.NextTrigger != nil {
		t.Fatalf("expected nextTrigger to be nil after a once-schedule fires, got %v", updated.NextTrigger)
	}
}

func TestHostModelListDueReturnsDueSchedule(t *testing.T) {
	db, ctx := newTestDB(t)
	m := NewHostModel(db)

	past := time.Now().UTC().Add(-time.Hour)
	s1, err := m.Create(ctx, HostScheduleInput{HostFQN: "a@loc-n1", HostName: "a", HostMAC: "aa", ScheduledTime: past, Frequency: FrequencyOnce, Enabled: true})
	if err != nil {
		t.Fatalf("create s1: %v", err)
	}

	// A once-schedule with a past scheduledTime computes a nil next
	// trigger (NextTrigger returns nil for a past `once`); force one in
	// with a direct SQL UPDATE to exercise ListDue.
	if _, err := db.Exec(ctx, `UPDATE host_wake_schedules SET next_trigger = $1 WHERE id = $2`, past.Format(time.RFC3339), s1.ID); err != nil {
		t.Fatalf("force next_trigger: %v", err)
	}

	due, err := m.ListDue(ctx, 10, time.Now().UTC())
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != s1.ID {
		t.Fatalf("unexpected due set: %+v", due)
	}
}

func TestOwnedModelScopesToOwner(t *testing.T) {
	db, ctx := newTestDB(t)
	m := NewOwnedModel(db)

	sched, err := m.Create(ctx, "sub-1", OwnedScheduleInput{
		HostFQN: "nas@loc-n1", HostName: "nas", HostMAC: "11:22:33:44:55:66",
		ScheduledTime: time.Now().UTC().Add(time.Hour),
		Frequency:     FrequencyOnce,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := m.Get(ctx, "sub-2", sched.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for a different owner, got %v", err)
	}
	if _, err := m.Get(ctx, "sub-1", sched.ID); err != nil {
		t.Fatalf("Get(correct owner): %v", err)
	}
}

type fakeRouter struct {
	calls []string
}

func (f *fakeRouter) RouteWakeCommand(ctx context.Context, hostFQN, idempotencyKey string) error {
	f.calls = append(f.calls, hostFQN+"|"+idempotencyKey)
	return nil
}

func TestWorkerTickFiresDueHostSchedules(t *testing.T) {
	db, ctx := newTestDB(t)
	hosts := NewHostModel(db)
	owned := NewOwnedModel(db)

	past := time.Now().UTC().Add(-time.Hour)
	sched, err := hosts.Create(ctx, HostScheduleInput{
		HostFQN: "nas@loc-n1", HostName: "nas", HostMAC: "11:22:33:44:55:66",
		ScheduledTime: past, Frequency: FrequencyOnce, Enabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(ctx, `UPDATE host_wake_schedules SET next_trigger = $1 WHERE id = $2`, past.Format(time.RFC3339), sched.ID); err != nil {
		t.Fatalf("force next_trigger: %v", err)
	}

	router := &fakeRouter{}
	w := NewWorker(hosts, owned, router, zerolog.Nop(), time.Hour, 10)
	w.tick(ctx)

	if len(router.calls) != 1 {
		t.Fatalf("expected exactly one dispatch, got %d: %v", len(router.calls), router.calls)
	}

	after, err := hosts.Get(ctx, sched.ID)
	if err != nil {
		t.Fatalf("Get after tick: %v", err)
	}
	if after.Enabled {
		t.Fatal("expected once-schedule to be disabled after firing")
	}
}
