package hostagg

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfleet/wolfleet/internal/storage"
)

func newTestAggregator(t *testing.T) (*Aggregator, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := storage.Open(ctx, storage.BackendEmbedded, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("db.Migrate: %v", err)
	}

	return New(ctx, db, zerolog.Nop()), ctx
}

func TestEncodeFQNPreservesHyphensAndSpaces(t *testing.T) {
	fqn := EncodeFQN("Router", "Home Office-sub-network", "n2")
	want := "Router@Home%20Office-sub-network-n2"
	if fqn != want {
		t.Fatalf("EncodeFQN() = %q, want %q", fqn, want)
	}
}

func TestPercentEncodeDecodeRoundTrip(t *testing.T) {
	in := "Home Office-sub-network"
	encoded := percentEncode(in)
	if got := percentDecode(encoded); got != in {
		t.Fatalf("percentDecode(percentEncode(%q)) = %q", in, got)
	}
}

func TestReconcileInsertsNewHost(t *testing.T) {
	agg, ctx := newTestAggregator(t)

	host, err := agg.OnHostDiscovered(ctx, DiscoveredEvent{
		NodeID: "n2", Name: "device-192-168-1-1", MAC: "AA:BB:CC:DD:EE:10", Location: "Home Office",
	})
	if err != nil {
		t.Fatalf("OnHostDiscovered: %v", err)
	}
	if host.FQN != "device-192-168-1-1@Home%20Office-n2" {
		t.Fatalf("unexpected fqn: %q", host.FQN)
	}
}

func TestRenameWithoutDuplicate(t *testing.T) {
	agg, ctx := newTestAggregator(t)

	_, err := agg.OnHostDiscovered(ctx, DiscoveredEvent{
		NodeID: "n2", Name: "device-192-168-1-1", MAC: "AA:BB:CC:DD:EE:10", Location: "Home Office",
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	_, err = agg.OnHostUpdated(ctx, DiscoveredEvent{
		NodeID: "n2", Name: "Router", MAC: "AA:BB:CC:DD:EE:10", Location: "Home Office",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	all, err := agg.GetHostsByNode(ctx, "n2")
	if err != nil {
		t.Fatalf("GetHostsByNode: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(all))
	}

	resolved, err := agg.GetHostByFQN(ctx, "Router@Home%20Office-n2")
	if err != nil {
		t.Fatalf("GetHostByFQN(new fqn): %v", err)
	}
	if resolved.MAC != "AA:BB:CC:DD:EE:10" {
		t.Fatalf("resolved wrong host: %+v", resolved)
	}

	if _, err := agg.GetHostByFQN(ctx, "device-192-168-1-1@Home%20Office-n2"); err != ErrHostNotFound {
		t.Fatalf("expected old fqn to resolve to nothing, got %v", err)
	}
}

func TestOnHostRemovedDeletesHost(t *testing.T) {
	agg, ctx := newTestAggregator(t)

	if _, err := agg.OnHostDiscovered(ctx, DiscoveredEvent{NodeID: "n1", Name: "nas", MAC: "11:22:33:44:55:66", Location: "loc"}); err != nil {
		t.Fatalf("discover: %v", err)
	}

	if err := agg.OnHostRemoved(ctx, RemovedEvent{NodeID: "n1", Name: "nas"}); err != nil {
		t.Fatalf("OnHostRemoved: %v", err)
	}

	hosts, err := agg.GetHostsByNode(ctx, "n1")
	if err != nil {
		t.Fatalf("GetHostsByNode: %v", err)
	}
	if len(hosts) != 0 {
		t.Fatalf("expected host to be removed, got %d rows", len(hosts))
	}
}

func TestPortScanSnapshotExpiry(t *testing.T) {
	agg, ctx := newTestAggregator(t)

	host, err := agg.OnHostDiscovered(ctx, DiscoveredEvent{NodeID: "n1", Name: "nas", MAC: "11:22:33:44:55:66", Location: "loc"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	if err := agg.SaveHostPortScanSnapshot(ctx, host.FQN, []int{22, 80}, -time.Minute); err != nil {
		t.Fatalf("SaveHostPortScanSnapshot: %v", err)
	}

	resolved, err := agg.GetHostByFQN(ctx, host.FQN)
	if err != nil {
		t.Fatalf("GetHostByFQN: %v", err)
	}
	if resolved.PortScan != nil {
		t.Fatal("expected expired port scan to be hidden")
	}
}

func TestMarkNodeHostsUnreachable(t *testing.T) {
	agg, ctx := newTestAggregator(t)

	if _, err := agg.OnHostDiscovered(ctx, DiscoveredEvent{NodeID: "n1", Name: "nas", MAC: "11:22:33:44:55:66", Location: "loc", Status: "awake"}); err != nil {
		t.Fatalf("discover: %v", err)
	}

	if err := agg.MarkNodeHostsUnreachable(ctx, "n1"); err != nil {
		t.Fatalf("MarkNodeHostsUnreachable: %v", err)
	}

	hosts, err := agg.GetHostsByNode(ctx, "n1")
	if err != nil {
		t.Fatalf("GetHostsByNode: %v", err)
	}
	if len(hosts) != 1 || hosts[0].Status != "asleep" {
		t.Fatalf("expected host marked asleep, got %+v", hosts)
	}
}
