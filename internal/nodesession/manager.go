// Package nodesession implements authenticated, versioned,
// rate-limited bidirectional sessions with connected node agents:
// identity binding, heartbeat sweep, and outbound dispatch (direct
// session write or HTTP tunnel fallback via a node's publicUrl).
package nodesession

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfleet/wolfleet/internal/auth"
	"github.com/wolfleet/wolfleet/internal/hostagg"
	"github.com/wolfleet/wolfleet/internal/metrics"
	"github.com/wolfleet/wolfleet/internal/protocol"
	"github.com/wolfleet/wolfleet/internal/storage"
)

// ErrNodeOffline is returned by SendCommand when no session is
// registered for the target node.
var ErrNodeOffline = errors.New("nodesession: node offline")

// ResultHandler receives command results demultiplexed off node
// sessions — implemented by the command router, so the router resolves
// its own pending entries without this package importing the router.
type ResultHandler interface {
	HandleCommandResult(ctx context.Context, nodeID string, msg protocol.CommandResultMessage)
}

// RegisterHook is invoked after a node successfully registers, giving
// the router a chance to flush its queued backlog (spec §4.6).
type RegisterHook interface {
	OnNodeRegistered(ctx context.Context, nodeID string)
}

// Config holds the subset of the core's configuration the manager
// needs; constructed from internal/config.Config by the wiring layer.
type Config struct {
	StaticTokens           []string
	SessionTokenIssuer     *auth.SessionTokenIssuer
	RateLimitPerSecond     int
	HeartbeatIntervalMs    int
	NodeTimeout            time.Duration
}

// Manager is the node session registry. Safe for concurrent use.
type Manager struct {
	db      *storage.DB
	hostAgg *hostagg.Aggregator
	log     zerolog.Logger
	cfg     Config

	httpClient *http.Client

	mu       sync.RWMutex
	sessions map[string]*Session // nodeId -> session, only for registered sessions

	resultHandler ResultHandler
	registerHook  RegisterHook
	metrics       *metrics.Metrics
}

// New constructs a Manager over db and hostAgg.
func New(db *storage.DB, hostAgg *hostagg.Aggregator, log zerolog.Logger, cfg Config) *Manager {
	return &Manager{
		db:         db,
		hostAgg:    hostAgg,
		log:        log.With().Str("component", "nodesession").Logger(),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		sessions:   make(map[string]*Session),
	}
}

// SetResultHandler wires the command router as the consumer of
// demultiplexed command-result frames.
func (m *Manager) SetResultHandler(h ResultHandler) { m.resultHandler = h }

// SetRegisterHook wires the command router's backlog-flush callback.
func (m *Manager) SetRegisterHook(h RegisterHook) { m.registerHook = h }

// SetMetrics wires the process-wide collectors. Optional; nil (the
// zero value) disables metrics updates entirely.
func (m *Manager) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// Accept admits a new connection in the Accepted state. authCtx is
// supplied by the transport layer (HTTP upgrade handler); nil or an
// unrecognized kind is rejected at the first register attempt.
func (m *Manager) Accept(conn Conn, authCtx *auth.Context) *Session {
	return newSession(conn, authCtx, m.cfg.RateLimitPerSecond)
}

// HandleInbound processes one raw frame from sess. It never panics and
// never blocks on another session; callers must serialize calls for a
// single session themselves (one reader goroutine per connection).
func (m *Manager) HandleInbound(ctx context.Context, sess *Session, raw []byte) {
	if !sess.rate.allow() {
		m.closeSession(ctx, sess, CloseRateLimited, "rate limit exceeded")
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.recordInvalidPayload(protocol.DirectionFromNode, "")
		m.replyError(sess, "Invalid message format")
		return
	}

	if sess.State() != StateRegistered {
		if env.Type != protocol.TypeRegister {
			m.replyError(sess, "register required before any other frame")
			return
		}
		m.handleRegister(ctx, sess, &env)
		return
	}

	if env.Type == protocol.TypeRegister {
		m.closeSession(ctx, sess, CloseAlreadyRegistered, "already registered")
		return
	}

	msg, err := protocol.DecodeFromNode(&env)
	if err != nil {
		m.recordInvalidPayload(protocol.DirectionFromNode, env.Type, err)
		m.replyError(sess, "Invalid message format")
		return
	}
	m.dispatchInbound(ctx, sess, msg)
}

// recordInvalidPayload increments the invalid-payload counter, keyed
// by "direction:type". If err is an *protocol.InvalidPayloadError its
// own Direction/Type take precedence over the caller-supplied
// fallback; its Type is the envelope's declared type.
func (m *Manager) recordInvalidPayload(direction protocol.Direction, typ string, err ...error) {
	if m.metrics == nil {
		return
	}
	if len(err) == 1 {
		var ipe *protocol.InvalidPayloadError
		if errors.As(err[0], &ipe) {
			direction, typ = ipe.Direction, ipe.Type
		}
	}
	m.metrics.InvalidPayloadTotal.WithLabelValues(string(direction) + ":" + typ).Inc()
}

func (m *Manager) replyError(sess *Session, reason string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorMessage{Message: reason})
	if err != nil {
		return
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	_ = sess.conn.WriteMessage(data)
}

func (m *Manager) handleRegister(ctx context.Context, sess *Session, env *protocol.Envelope) {
	msg, err := protocol.DecodeFromNode(env)
	if err != nil {
		m.recordInvalidPayload(protocol.DirectionFromNode, env.Type, err)
		m.replyError(sess, "Invalid message format")
		return
	}
	reg, ok := msg.(protocol.RegisterMessage)
	if !ok {
		m.replyError(sess, "expected register message")
		return
	}

	if sess.auth == nil {
		m.closeSession(ctx, sess, CloseAuthFailure, "no auth context")
		return
	}

	switch sess.auth.Kind {
	case auth.KindStaticToken:
		if !auth.StaticTokenValid(m.cfg.StaticTokens, sess.auth.Token) || reg.AuthHint.Token != sess.auth.Token {
			m.closeSession(ctx, sess, CloseAuthFailure, "static token mismatch")
			return
		}
	case auth.KindSessionToken:
		if reg.NodeID != sess.auth.NodeID {
			m.closeSession(ctx, sess, CloseSubjectMismatch, "session token/subject mismatch")
			return
		}
	default:
		m.closeSession(ctx, sess, CloseAuthFailure, "unrecognized auth context")
		return
	}

	if !protocol.IsSupportedVersion(reg.Metadata.ProtocolVersion) {
		m.closeSession(ctx, sess, CloseUnsupportedProtocol, "unsupported protocol version")
		return
	}

	m.mu.Lock()
	existing, hadExisting := m.sessions[reg.NodeID]
	m.sessions[reg.NodeID] = sess
	m.mu.Unlock()

	if hadExisting && existing != sess {
		m.closeSession(ctx, existing, CloseNormal, "replaced by new session")
	}

	sess.mu.Lock()
	sess.nodeID = reg.NodeID
	sess.location = reg.Location
	sess.publicURL = reg.PublicURL
	sess.state = StateRegistered
	sess.mu.Unlock()

	if err := upsertNode(ctx, m.db, reg.NodeID, reg.Name, reg.Location, reg.Metadata.Capabilities); err != nil {
		m.log.Error().Err(err).Str("node_id", reg.NodeID).Msg("upsert node on register")
	}

	resp, err := protocol.NewEnvelope(protocol.TypeRegistered, protocol.RegisteredMessage{
		HeartbeatIntervalMs: m.cfg.HeartbeatIntervalMs,
		ProtocolVersion:     protocol.CurrentVersion,
	})
	if err == nil {
		if data, encErr := resp.Encode(); encErr == nil {
			_ = sess.conn.WriteMessage(data)
		}
	}

	m.log.Info().Str("node_id", reg.NodeID).Str("location", reg.Location).Msg("node registered")

	if m.metrics != nil {
		m.metrics.ConnectedNodes.Inc()
	}

	if m.registerHook != nil {
		m.registerHook.OnNodeRegistered(ctx, reg.NodeID)
	}
}

// dispatchInbound handles a decoded frame from an already-registered
// session. Identity binding: the session-bound nodeId always wins over
// whatever the frame declares (spec §4.4, §8 boundary behavior).
func (m *Manager) dispatchInbound(ctx context.Context, sess *Session, msg protocol.FromNode) {
	nodeID := sess.NodeID()

	switch evt := msg.(type) {
	case protocol.HeartbeatMessage:
		if err := recordHeartbeat(ctx, m.db, nodeID); err != nil {
			m.log.Error().Err(err).Str("node_id", nodeID).Msg("record heartbeat")
		}
	case protocol.HostDiscoveredMessage:
		loc := sess.location
		if _, err := m.hostAgg.OnHostDiscovered(ctx, hostagg.DiscoveredEvent{
			NodeID: nodeID, Name: evt.Name, Location: loc, MAC: evt.MAC, IP: evt.IP, WOLPort: evt.WOLPort, Tags: evt.Tags,
		}); err != nil {
			m.log.Error().Err(err).Str("node_id", nodeID).Msg("host discovered")
		}
	case protocol.HostUpdatedMessage:
		loc := sess.location
		if _, err := m.hostAgg.OnHostUpdated(ctx, hostagg.DiscoveredEvent{
			NodeID: nodeID, Name: evt.Name, Location: loc, MAC: evt.MAC, IP: evt.IP, WOLPort: evt.WOLPort,
			Status: evt.Status, PingResponsive: evt.PingResponsive, Notes: evt.Notes, Tags: evt.Tags,
		}); err != nil {
			m.log.Error().Err(err).Str("node_id", nodeID).Msg("host updated")
		}
	case protocol.HostRemovedMessage:
		if err := m.hostAgg.OnHostRemoved(ctx, hostagg.RemovedEvent{NodeID: nodeID, Name: evt.Name}); err != nil {
			m.log.Error().Err(err).Str("node_id", nodeID).Msg("host removed")
		}
	case protocol.CommandResultMessage:
		if m.resultHandler != nil {
			m.resultHandler.HandleCommandResult(ctx, nodeID, evt)
		}
	case protocol.ScanCompleteMessage:
		m.log.Debug().Str("node_id", nodeID).Int("hosts_seen", evt.HostsSeen).Msg("scan complete")
	}
}

// Session returns the currently-registered session for nodeID, or nil
// if the node is not connected.
func (m *Manager) Session(nodeID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[nodeID]
}

// SendCommand dispatches msg to nodeID: via HTTP tunnel if the node
// registered a publicUrl, falling back to the live session write on
// HTTP failure; via direct session write otherwise. Returns
// ErrNodeOffline if no session is registered for nodeID.
func (m *Manager) SendCommand(ctx context.Context, nodeID string, msg protocol.ToNode) error {
	sess := m.Session(nodeID)
	if sess == nil {
		return ErrNodeOffline
	}

	env, err := protocol.EncodeToNode(msg)
	if err != nil {
		return fmt.Errorf("nodesession: encode command: %w", err)
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("nodesession: encode envelope: %w", err)
	}

	publicURL := sess.PublicURL()
	if publicURL != "" {
		if err := m.dispatchViaTunnel(ctx, sess, publicURL, data); err == nil {
			return nil
		}
		// HTTP dispatch failed; fall back to the live session connection.
	}

	return sess.conn.WriteMessage(data)
}

func (m *Manager) dispatchViaTunnel(ctx context.Context, sess *Session, publicURL string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, publicURL+"/agent/commands", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("nodesession: build tunnel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sess.auth != nil && sess.auth.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sess.auth.Token)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("nodesession: tunnel dispatch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("nodesession: tunnel dispatch status %d", resp.StatusCode)
	}

	var result protocol.CommandResultMessage
	if decErr := json.NewDecoder(resp.Body).Decode(&result); decErr == nil && result.CommandID != "" {
		if m.resultHandler != nil {
			m.resultHandler.HandleCommandResult(ctx, sess.NodeID(), result)
		}
	}
	return nil
}

// Close terminates sess with the given close code, unregistering it
// (compare-and-swap: only if it is still the registered session for
// its nodeId) and marking that node's hosts unreachable.
func (m *Manager) Close(ctx context.Context, sess *Session, code int, reason string) {
	m.closeSession(ctx, sess, code, reason)
}

func (m *Manager) closeSession(ctx context.Context, sess *Session, code int, reason string) {
	nodeID := sess.NodeID()

	if nodeID != "" {
		m.mu.Lock()
		if m.sessions[nodeID] == sess {
			delete(m.sessions, nodeID)
		}
		m.mu.Unlock()
	}

	sess.mu.Lock()
	sess.state = StateClosed
	sess.mu.Unlock()

	_ = sess.conn.Close(code, reason)

	if nodeID != "" {
		if err := m.hostAgg.MarkNodeHostsUnreachable(ctx, nodeID); err != nil {
			m.log.Error().Err(err).Str("node_id", nodeID).Msg("mark hosts unreachable on close")
		}
		if m.metrics != nil {
			m.metrics.ConnectedNodes.Dec()
		}
	}
}

// CloseAll closes every currently registered session with code 1000,
// for use during server shutdown (spec §5 Cancellation: "Server
// shutdown closes every session with code 1000").
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		m.closeSession(ctx, sess, CloseNormal, "server shutdown")
	}
}

// StartHeartbeatSweep begins a background ticker that marks stale
// nodes offline and their hosts unreachable. Returns immediately;
// stops when ctx is cancelled.
func (m *Manager) StartHeartbeatSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one stale-node pass. A failure marking one node's hosts
// unreachable is logged and does not abort the rest of the sweep.
func (m *Manager) Sweep(ctx context.Context) {
	staleIDs, err := markStaleNodesOffline(ctx, m.db, m.cfg.NodeTimeout)
	if err != nil {
		m.log.Error().Err(err).Msg("sweep: mark stale nodes offline")
		return
	}
	for _, id := range staleIDs {
		if m.Session(id) != nil {
			continue // still connected; heartbeat race, not actually stale
		}
		if err := m.hostAgg.MarkNodeHostsUnreachable(ctx, id); err != nil {
			m.log.Error().Err(err).Str("node_id", id).Msg("sweep: mark hosts unreachable")
		}
	}
}
