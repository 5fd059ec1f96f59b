package nodesession

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfleet/wolfleet/internal/auth"
	"github.com/wolfleet/wolfleet/internal/hostagg"
	"github.com/wolfleet/wolfleet/internal/protocol"
	"github.com/wolfleet/wolfleet/internal/storage"
)

type fakeConn struct {
	written    [][]byte
	closeCode  int
	closeReason string
	closed     bool
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func newTestManager(t *testing.T) (*Manager, context.Context) {
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

	agg := hostagg.New(ctx, db, zerolog.Nop())

	m := New(db, agg, zerolog.Nop(), Config{
		StaticTokens:        []string{"shared-secret"},
		RateLimitPerSecond:  100,
		HeartbeatIntervalMs: 30000,
		NodeTimeout:         time.Minute,
	})
	return m, ctx
}

func registerEnvelope(t *testing.T, nodeID, protocolVersion, token string) []byte {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeRegister, protocol.RegisterMessage{
		NodeID:   nodeID,
		Name:     "agent-1",
		Location: "garage",
		AuthHint: protocol.RegisterAuth{Token: token},
		Metadata: protocol.RegisterMeta{ProtocolVersion: protocolVersion},
	})
	if err != nil {
		t.Fatalf("build register envelope: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode register envelope: %v", err)
	}
	return data
}

func TestRegisterStaticTokenMismatchCloses4001(t *testing.T) {
	m, ctx := newTestManager(t)
	conn := &fakeConn{}
	sess := m.Accept(conn, &auth.Context{Kind: auth.KindStaticToken, Token: "shared-secret"})

	m.HandleInbound(ctx, sess, registerEnvelope(t, "node-1", protocol.CurrentVersion, "wrong-token"))

	if !conn.closed || conn.closeCode != CloseAuthFailure {
		t.Fatalf("expected close code %d, got closed=%v code=%d", CloseAuthFailure, conn.closed, conn.closeCode)
	}
}

func TestRegisterSessionTokenSubjectMismatchCloses4401(t *testing.T) {
	m, ctx := newTestManager(t)
	conn := &fakeConn{}
	sess := m.Accept(conn, &auth.Context{Kind: auth.KindSessionToken, NodeID: "node-a"})

	m.HandleInbound(ctx, sess, registerEnvelope(t, "node-b", protocol.CurrentVersion, ""))

	if !conn.closed || conn.closeCode != CloseSubjectMismatch {
		t.Fatalf("expected close code %d, got closed=%v code=%d", CloseSubjectMismatch, conn.closed, conn.closeCode)
	}
}

func TestRegisterUnsupportedProtocolCloses4406(t *testing.T) {
	m, ctx := newTestManager(t)
	conn := &fakeConn{}
	sess := m.Accept(conn, &auth.Context{Kind: auth.KindStaticToken, Token: "shared-secret"})

	m.HandleInbound(ctx, sess, registerEnvelope(t, "node-1", "9.9.9", "shared-secret"))

	if !conn.closed || conn.closeCode != CloseUnsupportedProtocol {
		t.Fatalf("expected close code %d, got closed=%v code=%d", CloseUnsupportedProtocol, conn.closed, conn.closeCode)
	}
}

func TestRegisterSuccessBindsIdentity(t *testing.T) {
	m, ctx := newTestManager(t)
	conn := &fakeConn{}
	sess := m.Accept(conn, &auth.Context{Kind: auth.KindStaticToken, Token: "shared-secret"})

	m.HandleInbound(ctx, sess, registerEnvelope(t, "node-1", protocol.CurrentVersion, "shared-secret"))

	if sess.State() != StateRegistered {
		t.Fatalf("expected state registered, got %s", sess.State())
	}
	if sess.NodeID() != "node-1" {
		t.Fatalf("expected bound node id node-1, got %q", sess.NodeID())
	}
	if m.Session("node-1") != sess {
		t.Fatal("expected session to be registered in the manager's registry")
	}
	if len(conn.written) != 1 {
		t.Fatalf("expected exactly one registered acknowledgement frame, got %d", len(conn.written))
	}
}

func TestRegisterTwiceCloses4409(t *testing.T) {
	m, ctx := newTestManager(t)
	conn := &fakeConn{}
	sess := m.Accept(conn, &auth.Context{Kind: auth.KindStaticToken, Token: "shared-secret"})

	m.HandleInbound(ctx, sess, registerEnvelope(t, "node-1", protocol.CurrentVersion, "shared-secret"))
	if sess.State() != StateRegistered {
		t.Fatalf("expected first register to succeed, got state %s", sess.State())
	}

	m.HandleInbound(ctx, sess, registerEnvelope(t, "node-1", protocol.CurrentVersion, "shared-secret"))
	if !conn.closed || conn.closeCode != CloseAlreadyRegistered {
		t.Fatalf("expected close code %d on second register, got closed=%v code=%d", CloseAlreadyRegistered, conn.closed, conn.closeCode)
	}
}

func TestIdentityBindingOverridesDeclaredNodeID(t *testing.T) {
	m, ctx := newTestManager(t)
	conn := &fakeConn{}
	sess := m.Accept(conn, &auth.Context{Kind: auth.KindStaticToken, Token: "shared-secret"})
	m.HandleInbound(ctx, sess, registerEnvelope(t, "node-1", protocol.CurrentVersion, "shared-secret"))

	env, err := protocol.NewEnvelope(protocol.TypeHostDiscovered, protocol.HostDiscoveredMessage{
		NodeID: "someone-elses-node", Name: "nas", MAC: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.5", WOLPort: 9,
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	m.HandleInbound(ctx, sess, data)

	host, err := m.hostAgg.GetHostByFQN(ctx, hostagg.EncodeFQN("nas", "garage", "node-1"))
	if err != nil {
		t.Fatalf("expected host recorded under the session-bound node id node-1, lookup failed: %v", err)
	}
	if host.NodeID != "node-1" {
		t.Fatalf("expected host bound to node-1, got %q", host.NodeID)
	}
}

func TestRateLimitCloses4408(t *testing.T) {
	m, ctx := newTestManager(t)
	m.cfg.RateLimitPerSecond = 1
	conn := &fakeConn{}
	sess := m.Accept(conn, &auth.Context{Kind: auth.KindStaticToken, Token: "shared-secret"})

	m.HandleInbound(ctx, sess, registerEnvelope(t, "node-1", protocol.CurrentVersion, "shared-secret"))
	if conn.closed {
		t.Fatalf("first frame should not have tripped the rate limit")
	}

	env, _ := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.HeartbeatMessage{NodeID: "node-1"})
	data, _ := env.Encode()
	m.HandleInbound(ctx, sess, data)

	if !conn.closed || conn.closeCode != CloseRateLimited {
		t.Fatalf("expected close code %d after exceeding the rate limit, got closed=%v code=%d", CloseRateLimited, conn.closed, conn.closeCode)
	}
}

func TestInvalidFrameRepliesErrorWithoutClosing(t *testing.T) {
	m, ctx := newTestManager(t)
	conn := &fakeConn{}
	sess := m.Accept(conn, &auth.Context{Kind: auth.KindStaticToken, Token: "shared-secret"})

	m.HandleInbound(ctx, sess, []byte(`not json`))

	if conn.closed {
		t.Fatal("a malformed frame must not close the session")
	}
	if len(conn.written) != 1 {
		t.Fatalf("expected a single error reply, got %d frames", len(conn.written))
	}
	var env protocol.Envelope
	if err := json.Unmarshal(conn.written[0], &env); err != nil {
		t.Fatalf("unmarshal reply envelope: %v", err)
	}
	if env.Type != protocol.TypeError {
		t.Fatalf("expected an error reply, got type %q", env.Type)
	}
}

func TestSweepMarksStaleNodesHostsUnreachable(t *testing.T) {
	m, ctx := newTestManager(t)
	conn := &fakeConn{}
	sess := m.Accept(conn, &auth.Context{Kind: auth.KindStaticToken, Token: "shared-secret"})
	m.HandleInbound(ctx, sess, registerEnvelope(t, "node-1", protocol.CurrentVersion, "shared-secret"))

	if _, err := m.hostAgg.OnHostDiscovered(ctx, hostagg.DiscoveredEvent{
		NodeID: "node-1", Name: "nas", Location: "garage", MAC: "aa:bb:cc:dd:ee:ff", Status: "awake",
	}); err != nil {
		t.Fatalf("OnHostDiscovered: %v", err)
	}

	// Force the node's heartbeat far enough into the past to count as
	// stale, without waiting on a real clock.
	if _, err := m.db.Exec(ctx, `UPDATE nodes SET last_heartbeat = $1 WHERE id = $2`, time.Now().UTC().Add(-time.Hour).Format(time.RFC3339), "node-1"); err != nil {
		t.Fatalf("force stale heartbeat: %v", err)
	}

	// Simulate the session having already dropped, so the sweep's
	// liveness check does not skip this node.
	m.mu.Lock()
	delete(m.sessions, "node-1")
	m.mu.Unlock()

	m.Sweep(ctx)

	host, err := m.hostAgg.GetHostByFQN(ctx, hostagg.EncodeFQN("nas", "garage", "node-1"))
	if err != nil {
		t.Fatalf("GetHostByFQN: %v", err)
	}
	if host.Status != "asleep" {
		t.Fatalf("expected host status asleep after stale sweep, got %q", host.Status)
	}
}
