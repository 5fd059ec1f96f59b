package command

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wolfleet/wolfleet/internal/storage"
)

func newTestModel(t *testing.T) (*Model, *storage.DB, context.Context) {
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

	return New(db), db, ctx
}

func TestIdempotentEnqueue(t *testing.T) {
	m, _, ctx := newTestModel(t)

	first, err := m.Enqueue(ctx, EnqueueInput{NodeID: "n1", Type: "wake", IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	second, err := m.Enqueue(ctx, EnqueueInput{NodeID: "n1", Type: "wake", IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("second enqueue returned a different id: %s != %s", second.ID, first.ID)
	}
}

func TestStaleInFlightReconciliation(t *testing.T) {
	m, db, ctx := newTestModel(t)

	sent, err := m.Enqueue(ctx, EnqueueInput{ID: "c1", NodeID: "n1", Type: "wake"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.MarkSent(ctx, sent.ID); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	neverSent, err := m.Enqueue(ctx, EnqueueInput{ID: "c2", NodeID: "n1", Type: "wake"})
	if err != nil {
		t.Fatalf("enqueue never-sent: %v", err)
	}

	ancient := "2000-01-01T00:00:00Z"
	if _, err := db.Exec(ctx, `UPDATE commands SET created_at = $1 WHERE id IN ($2, $3)`, ancient, sent.ID, neverSent.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := m.ReconcileStaleInFlight(ctx, time.Second)
	if err != nil {
		t.Fatalf("ReconcileStaleInFlight: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected at least one reconciled command, got %d", n)
	}

	got, err := m.findByID(ctx, sent.ID)
	if err != nil {
		t.Fatalf("findByID sent: %v", err)
	}
	if got.State != StateTimedOut {
		t.Fatalf("c1.State = %v, want timed_out", got.State)
	}

	stillQueued, err := m.findByID(ctx, neverSent.ID)
	if err != nil {
		t.Fatalf("findByID never-sent: %v", err)
	}
	if stillQueued.State != StateQueued {
		t.Fatalf("c2.State = %v, want queued (never-sent commands are not reconciled)", stillQueued.State)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	m, _, ctx := newTestModel(t)

	cmd, err := m.Enqueue(ctx, EnqueueInput{NodeID: "n1", Type: "wake"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.MarkFailed(ctx, cmd.ID, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if _, err := m.MarkAcknowledged(ctx, cmd.ID); err != ErrTerminal {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestListQueuedByNodeOrdersByCreatedAt(t *testing.T) {
	m, db, ctx := newTestModel(t)

	c1, err := m.Enqueue(ctx, EnqueueInput{ID: "c1", NodeID: "n3", Type: "wake"})
	if err != nil {
		t.Fatalf("enqueue c1: %v", err)
	}
	c2, err := m.Enqueue(ctx, EnqueueInput{ID: "c2", NodeID: "n3", Type: "wake"})
	if err != nil {
		t.Fatalf("enqueue c2: %v", err)
	}

	if _, err := db.Exec(ctx, `UPDATE commands SET created_at = $1 WHERE id = $2`, "2026-01-01T00:00:00Z", c1.ID); err != nil {
		t.Fatalf("backdate c1: %v", err)
	}
	if _, err := db.Exec(ctx, `UPDATE commands SET created_at = $1 WHERE id = $2`, "2026-01-02T00:00:00Z", c2.ID); err != nil {
		t.Fatalf("backdate c2: %v", err)
	}

	queued, err := m.ListQueuedByNode(ctx, "n3")
	if err != nil {
		t.Fatalf("ListQueuedByNode: %v", err)
	}
	if len(queued) != 2 || queued[0].ID != "c1" || queued[1].ID != "c2" {
		t.Fatalf("unexpected order: %+v", queued)
	}
}

func TestPruneOldCommandsNoopOnNonPositiveDays(t *testing.T) {
	m, _, ctx := newTestModel(t)
	n, err := m.PruneOldCommands(ctx, 0)
	if err != nil {
		t.Fatalf("PruneOldCommands: %v", err)
	}
	if n != 0 {
		t.Fatalf("PruneOldCommands(0) = %d, want 0", n)
	}
}
