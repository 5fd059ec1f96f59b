// Package router implements the command router (spec §4.6): resolves
// a target host or node, enqueues a durable command, dispatches it to
// a connected node session, and correlates the asynchronous
// command-result back to the pending dispatch.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfleet/wolfleet/internal/command"
	"github.com/wolfleet/wolfleet/internal/hostagg"
	"github.com/wolfleet/wolfleet/internal/idgen"
	"github.com/wolfleet/wolfleet/internal/metrics"
	"github.com/wolfleet/wolfleet/internal/nodesession"
	"github.com/wolfleet/wolfleet/internal/protocol"
)

// ErrNodeOffline is returned for a non-deferrable command (e.g.
// delete-host) whose target node has no live session.
var ErrNodeOffline = errors.New("router: node offline")

// ErrHostNotFound re-exports the aggregator's not-found error so
// callers only need to import this package.
var ErrHostNotFound = hostagg.ErrHostNotFound

// Result is what a route* call hands back to its caller: enough to
// report state without blocking on the eventual command-result.
type Result struct {
	CommandID string
	State     command.State
}

type pendingEntry struct {
	nodeID        string
	correlationID string
	timer         *time.Timer
}

// Sessions is the narrow slice of nodesession.Manager the router
// needs: outbound dispatch and connectivity checks.
type Sessions interface {
	SendCommand(ctx context.Context, nodeID string, msg protocol.ToNode) error
	Session(nodeID string) *nodesession.Session
}

// Router dispatches typed commands to nodes and correlates results.
// Implements nodesession.ResultHandler and nodesession.RegisterHook so
// the session manager can deliver results and registration events
// without importing this package; also implements schedule.WakeRouter
// so the wake-schedule worker can fire through it.
type Router struct {
	cmds     *command.Model
	hosts    *hostagg.Aggregator
	sessions Sessions
	log      zerolog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEntry

	metrics *metrics.Metrics
}

// SetMetrics wires the process-wide collectors. Optional; nil (the
// zero value) disables metrics updates entirely.
func (r *Router) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// New constructs a Router. timeout bounds how long a sent command
// waits for a command-result before being marked timed_out.
func New(cmds *command.Model, hosts *hostagg.Aggregator, sessions Sessions, log zerolog.Logger, timeout time.Duration) *Router {
	return &Router{
		cmds:     cmds,
		hosts:    hosts,
		sessions: sessions,
		log:      log.With().Str("component", "router").Logger(),
		timeout:  timeout,
		pending:  make(map[string]*pendingEntry),
	}
}

// WakeOptions customizes a wake dispatch.
type WakeOptions struct {
	IdempotencyKey string
	CorrelationID  string
}

// RouteWakeCommand fires a wake for hostFQN with the given idempotency
// key, matching schedule.WakeRouter's signature so the schedule worker
// can dispatch directly through a Router. A failed session send is
// recorded as failed on the command row before its error is returned;
// enqueue and mark-sent errors are returned without touching the row.
// The worker logs every error and moves on.
func (r *Router) RouteWakeCommand(ctx context.Context, hostFQN, idempotencyKey string) error {
	_, err := r.RouteWake(ctx, hostFQN, WakeOptions{IdempotencyKey: idempotencyKey})
	return err
}

// RouteWake is the operator-facing wake entrypoint, returning the
// enqueued command's id and state.
func (r *Router) RouteWake(ctx context.Context, fqn string, opts WakeOptions) (Result, error) {
	return r.routeHostCommand(ctx, fqn, protocol.TypeWake, opts.IdempotencyKey, opts.CorrelationID, true, func(h hostagg.Host) protocol.ToNode {
		return protocol.WakeMessage{FQN: h.FQN, MAC: h.MAC, Port: h.WOLPort}
	})
}

// RouteScanHostPortsCommand requests a port scan of one host's open
// ports.
func (r *Router) RouteScanHostPortsCommand(ctx context.Context, fqn string, ports []int) (Result, error) {
	return r.routeHostCommand(ctx, fqn, protocol.TypeScanHostPorts, "", "", true, func(h hostagg.Host) protocol.ToNode {
		return protocol.ScanHostPortsMessage{FQN: h.FQN, Ports: ports}
	})
}

// RoutePingHostCommand probes a single host's liveness.
func (r *Router) RoutePingHostCommand(ctx context.Context, fqn string) (Result, error) {
	return r.routeHostCommand(ctx, fqn, protocol.TypePingHost, "", "", true, func(h hostagg.Host) protocol.ToNode {
		return protocol.PingHostMessage{FQN: h.FQN}
	})
}

// RouteSleepHostCommand requests a host suspend.
func (r *Router) RouteSleepHostCommand(ctx context.Context, fqn string) (Result, error) {
	return r.routeHostCommand(ctx, fqn, protocol.TypeSleepHost, "", "", true, func(h hostagg.Host) protocol.ToNode {
		return protocol.SleepHostMessage{FQN: h.FQN}
	})
}

// RouteShutdownHostCommand requests a host shutdown.
func (r *Router) RouteShutdownHostCommand(ctx context.Context, fqn string) (Result, error) {
	return r.routeHostCommand(ctx, fqn, protocol.TypeShutdownHost, "", "", true, func(h hostagg.Host) protocol.ToNode {
		return protocol.ShutdownHostMessage{FQN: h.FQN}
	})
}

// RouteDeleteHostCommand asks the owning node to forget a host.
// Deletion is immediate-only: an offline node returns ErrNodeOffline
// rather than a queued command.
func (r *Router) RouteDeleteHostCommand(ctx context.Context, fqn string) (Result, error) {
	return r.routeHostCommand(ctx, fqn, protocol.TypeDeleteHost, "", "", false, func(h hostagg.Host) protocol.ToNode {
		return protocol.DeleteHostMessage{FQN: h.FQN}
	})
}

// RouteScanCommand asks nodeID to run (or schedule) a discovery scan.
// Scan is node-scoped, not host-scoped, so it bypasses the FQN lookup
// the other routes share.
func (r *Router) RouteScanCommand(ctx context.Context, nodeID string, immediate bool) (Result, error) {
	msg := protocol.ScanMessage{Immediate: immediate}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Result{}, fmt.Errorf("router: marshal scan payload: %w", err)
	}
	return r.dispatch(ctx, nodeID, protocol.TypeScan, "", "", true, payload, msg)
}

// routeHostCommand implements the shared 8-step algorithm for every
// FQN-addressed command: resolve host, assign id, idempotent enqueue,
// connectivity check, dispatch, pending registration.
func (r *Router) routeHostCommand(ctx context.Context, fqn, cmdType, idempotencyKey, correlationID string, deferrable bool, build func(hostagg.Host) protocol.ToNode) (Result, error) {
	host, err := r.hosts.GetHostByFQN(ctx, fqn)
	if err != nil {
		if errors.Is(err, hostagg.ErrHostNotFound) {
			return Result{}, ErrHostNotFound
		}
		return Result{}, fmt.Errorf("router: resolve host: %w", err)
	}

	msg := build(host)
	payload, err := json.Marshal(msg)
	if err != nil {
		return Result{}, fmt.Errorf("router: marshal command payload: %w", err)
	}

	return r.dispatch(ctx, host.NodeID, cmdType, idempotencyKey, correlationID, deferrable, payload, msg)
}

func (r *Router) dispatch(ctx context.Context, nodeID, cmdType, idempotencyKey, correlationID string, deferrable bool, payload []byte, msg protocol.ToNode) (Result, error) {
	intendedID := idgen.Generate()
	cmd, err := r.cmds.Enqueue(ctx, command.EnqueueInput{
		ID: intendedID, NodeID: nodeID, Type: cmdType, Payload: payload, IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return Result{}, fmt.Errorf("router: enqueue: %w", err)
	}
	if cmd.ID != intendedID {
		// A prior command already used this idempotency key; do not
		// redispatch (spec §4.6 step 4).
		return Result{CommandID: cmd.ID, State: cmd.State}, nil
	}

	sess := r.sessions.Session(nodeID)
	if sess == nil {
		if !deferrable {
			if _, markErr := r.cmds.MarkFailed(ctx, cmd.ID, "node offline"); markErr != nil {
				r.log.Error().Err(markErr).Str("command_id", cmd.ID).Msg("mark failed for offline non-deferrable command")
			}
			return Result{CommandID: cmd.ID, State: command.StateFailed}, ErrNodeOffline
		}
		return Result{CommandID: cmd.ID, State: command.StateQueued}, nil
	}

	return r.sendAndTrack(ctx, cmd.ID, nodeID, correlationID, msg)
}

// sendAndTrack marks a queued command sent, dispatches it, and starts
// its timeout timer. A dispatch failure marks the command failed
// instead.
func (r *Router) sendAndTrack(ctx context.Context, commandID, nodeID, correlationID string, msg protocol.ToNode) (Result, error) {
	if _, err := r.cmds.MarkSent(ctx, commandID); err != nil {
		return Result{}, fmt.Errorf("router: mark sent: %w", err)
	}

	if err := r.sessions.SendCommand(ctx, nodeID, msg); err != nil {
		if _, markErr := r.cmds.MarkFailed(ctx, commandID, err.Error()); markErr != nil {
			r.log.Error().Err(markErr).Str("command_id", commandID).Msg("mark failed after dispatch error")
		}
		return Result{CommandID: commandID, State: command.StateFailed}, err
	}

	r.trackPending(commandID, nodeID, correlationID)
	return Result{CommandID: commandID, State: command.StateSent}, nil
}

func (r *Router) trackPending(commandID, nodeID, correlationID string) {
	timer := time.AfterFunc(r.timeout, func() { r.onTimeout(commandID) })

	r.mu.Lock()
	r.pending[commandID] = &pendingEntry{nodeID: nodeID, correlationID: correlationID, timer: timer}
	if r.metrics != nil {
		r.metrics.PendingCommands.Set(float64(len(r.pending)))
	}
	r.mu.Unlock()
}

func (r *Router) untrackPending(commandID string) bool {
	r.mu.Lock()
	_, ok := r.pending[commandID]
	delete(r.pending, commandID)
	if r.metrics != nil {
		r.metrics.PendingCommands.Set(float64(len(r.pending)))
	}
	r.mu.Unlock()
	return ok
}

func (r *Router) onTimeout(commandID string) {
	if !r.untrackPending(commandID) {
		return
	}

	ctx := context.Background()
	if _, err := r.cmds.MarkTimedOut(ctx, commandID, "command timed out waiting for a result"); err != nil && !errors.Is(err, command.ErrTerminal) {
		r.log.Error().Err(err).Str("command_id", commandID).Msg("mark timed out")
	}
	if r.metrics != nil {
		r.metrics.CommandResultTotal.WithLabelValues("timed_out").Inc()
	}
}

// HandleCommandResult implements nodesession.ResultHandler. A result
// for a command the router is no longer tracking (already timed out,
// or a late duplicate) is reconciled against storage and otherwise
// dropped (spec §4.6 step 7).
func (r *Router) HandleCommandResult(ctx context.Context, nodeID string, msg protocol.CommandResultMessage) {
	r.mu.Lock()
	entry, ok := r.pending[msg.CommandID]
	if ok {
		delete(r.pending, msg.CommandID)
		if r.metrics != nil {
			r.metrics.PendingCommands.Set(float64(len(r.pending)))
		}
	}
	r.mu.Unlock()
	if ok {
		entry.timer.Stop()
	}

	var err error
	outcome := "failed"
	if msg.Success {
		outcome = "acknowledged"
		_, err = r.cmds.MarkAcknowledged(ctx, msg.CommandID)
	} else {
		_, err = r.cmds.MarkFailed(ctx, msg.CommandID, msg.Error)
	}
	if err != nil && !errors.Is(err, command.ErrTerminal) && !errors.Is(err, command.ErrNotFound) {
		r.log.Error().Err(err).Str("command_id", msg.CommandID).Msg("reconcile command result")
		return
	}
	if r.metrics != nil {
		r.metrics.CommandResultTotal.WithLabelValues(outcome).Inc()
	}

	logEvt := r.log.Debug().Str("command_id", msg.CommandID).Str("outcome", outcome)
	if ok && entry.correlationID != "" {
		logEvt = logEvt.Str("correlation_id", entry.correlationID)
	}
	logEvt.Msg("command result correlated")
}

// OnNodeRegistered implements nodesession.RegisterHook: flushes the
// node's queued backlog in FIFO order (spec §4.6 "Queued-backlog
// flush"). A single command's dispatch failure is recorded on that
// command only; the flush continues with the rest.
func (r *Router) OnNodeRegistered(ctx context.Context, nodeID string) {
	queued, err := r.cmds.ListQueuedByNode(ctx, nodeID)
	if err != nil {
		r.log.Error().Err(err).Str("node_id", nodeID).Msg("list queued commands for backlog flush")
		return
	}

	for _, cmd := range queued {
		env := &protocol.Envelope{Type: cmd.Type, Payload: cmd.Payload}
		msg, err := protocol.DecodeToNode(env)
		if err != nil {
			if _, markErr := r.cmds.MarkFailed(ctx, cmd.ID, "undecodable stored payload: "+err.Error()); markErr != nil {
				r.log.Error().Err(markErr).Str("command_id", cmd.ID).Msg("mark failed for undecodable backlog command")
			}
			continue
		}
		if _, err := r.sendAndTrack(ctx, cmd.ID, nodeID, "", msg); err != nil {
			r.log.Warn().Err(err).Str("command_id", cmd.ID).Str("node_id", nodeID).Msg("backlog dispatch failed")
		}
	}
}
