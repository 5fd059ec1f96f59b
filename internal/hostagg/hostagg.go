// Package hostagg maintains the global inventory of hosts discovered
// by connected nodes: mac/name reconciliation, FQN resolution, and a
// TTL'd port-scan cache, with change events published to subscribers.
package hostagg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfleet/wolfleet/internal/idgen"
	"github.com/wolfleet/wolfleet/internal/storage"
)

// ErrHostNotFound is returned when a lookup by FQN or (nodeId, name)
// finds no row.
var ErrHostNotFound = errors.New("hostagg: host not found")

// Host is the aggregator's view of a node-scoped machine.
type Host struct {
	ID             string
	NodeID         string
	Name           string
	MAC            string
	FQN            string
	SecondaryMACs  []string
	IP             string
	WOLPort        int
	Status         string // awake | asleep
	LastSeen       *time.Time
	Discovered     bool
	PingResponsive *bool
	Notes          string
	Tags           []string
	PortScan       *PortScanSnapshot
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PortScanSnapshot is the cached result of a port scan, hidden from
// reads once ExpiresAt has passed.
type PortScanSnapshot struct {
	OpenPorts  []int
	ScannedAt  time.Time
	ExpiresAt  time.Time
}

// DiscoveredEvent is the payload of onHostDiscovered / onHostUpdated.
type DiscoveredEvent struct {
	NodeID   string
	Name     string
	Location string // node's location, needed to compute the FQN
	MAC      string
	IP       string
	WOLPort  int
	Status   string
	PingResponsive *bool
	Notes    string
	Tags     []string
}

// RemovedEvent is the payload of onHostRemoved.
type RemovedEvent struct {
	NodeID string
	Name   string
}

// EventType tags a published change event.
type EventType string

const (
	EventHostAdded   EventType = "host-added"
	EventHostUpdated EventType = "host-updated"
	EventHostRemoved EventType = "host-removed"
)

// Event is published to subscribers (webhook dispatch, push
// notifications) on every meaningful aggregator write.
type Event struct {
	Type EventType
	Host Host
}

// Stats summarizes the aggregator's current inventory.
type Stats struct {
	TotalHosts   int
	AwakeHosts   int
	DiscoveredAt time.Time
}

const eventQueueSize = 1024

// Aggregator is the global host table. Safe for concurrent use; all
// storage errors propagate to the caller unmodified (never swallowed).
type Aggregator struct {
	db  *storage.DB
	log zerolog.Logger

	mu          sync.RWMutex
	subscribers []chan Event

	events chan Event
}

// New constructs an Aggregator over db and starts its broadcast loop.
// ctx governs the broadcast loop's lifetime; cancel it to stop.
func New(ctx context.Context, db *storage.DB, log zerolog.Logger) *Aggregator {
	a := &Aggregator{
		db:     db,
		log:    log.With().Str("component", "hostagg").Logger(),
		events: make(chan Event, eventQueueSize),
	}
	go a.broadcastLoop(ctx)
	return a
}

// Subscribe registers a channel to receive future events. The channel
// is buffered by the caller; a full channel drops events with a
// warning log rather than blocking the aggregator, mirroring the
// teacher's broadcast-queue idiom.
func (a *Aggregator) Subscribe(ch chan Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, ch)
}

func (a *Aggregator) publish(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.log.Warn().Str("type", string(ev.Type)).Msg("event queue full, dropping aggregator event")
	}
}

func (a *Aggregator) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			a.mu.RLock()
			subs := append([]chan Event(nil), a.subscribers...)
			a.mu.RUnlock()
			for _, sub := range subs {
				select {
				case sub <- ev:
				default:
					a.log.Warn().Msg("subscriber channel full, dropping aggregator event")
				}
			}
		}
	}
}

// OnHostDiscovered runs the reconciliation algorithm for a newly
// reported or re-reported host (spec §4.3):
//  1. look up by (nodeId, mac); if found, update in place and dedup
//     any other row sharing that (nodeId, mac).
//  2. else look up by (nodeId, name); if found, this is a mac change.
//  3. else insert a new row and emit host-added.
//
// Emits host-updated only when a meaningful field actually changed;
// a pure lastSeen bump does not emit.
func (a *Aggregator) OnHostDiscovered(ctx context.Context, evt DiscoveredEvent) (Host, error) {
	return a.reconcile(ctx, evt)
}

// OnHostUpdated follows the same reconciliation algorithm as
// OnHostDiscovered; the spec treats discover and update identically.
func (a *Aggregator) OnHostUpdated(ctx context.Context, evt DiscoveredEvent) (Host, error) {
	return a.reconcile(ctx, evt)
}

func (a *Aggregator) reconcile(ctx context.Context, evt DiscoveredEvent) (Host, error) {
	existingByMAC, err := a.findOne(ctx, "node_id = $1 AND mac = $2", evt.NodeID, evt.MAC)
	if err != nil && !errors.Is(err, ErrHostNotFound) {
		return Host{}, fmt.Errorf("hostagg: lookup by mac: %w", err)
	}
	if err == nil {
		return a.updateInPlace(ctx, existingByMAC, evt)
	}

	existingByName, err := a.findOne(ctx, "node_id = $1 AND name = $2", evt.NodeID, evt.Name)
	if err != nil && !errors.Is(err, ErrHostNotFound) {
		return Host{}, fmt.Errorf("hostagg: lookup by name: %w", err)
	}
	if err == nil {
		// A mac change for an existing host.
		return a.updateInPlace(ctx, existingByName, evt)
	}

	return a.insertNew(ctx, evt)
}

func (a *Aggregator) updateInPlace(ctx context.Context, existing Host, evt DiscoveredEvent) (Host, error) {
	changed := existing.Name != evt.Name ||
		existing.MAC != evt.MAC ||
		existing.IP != evt.IP ||
		existing.WOLPort != evt.WOLPort ||
		(evt.Status != "" && existing.Status != evt.Status) ||
		existing.Notes != evt.Notes

	now := time.Now().UTC()
	fqn := EncodeFQN(evt.Name, evt.Location, evt.NodeID)
	tagsJSON, _ := json.Marshal(evt.Tags)

	status := existing.Status
	if evt.Status != "" {
		status = evt.Status
	}

	_, err := a.db.Exec(ctx, `
		UPDATE aggregated_hosts
		SET name = $1, mac = $2, fqn = $3, ip = $4, wol_port = $5, status = $6,
		    notes = $7, tags = $8, last_seen = $9, updated_at = $10
		WHERE id = $11`,
		evt.Name, evt.MAC, fqn, evt.IP, evt.WOLPort, status, evt.Notes, string(tagsJSON), now.Format(time.RFC3339), now.Format(time.RFC3339),
		existing.ID,
	)
	if err != nil {
		return Host{}, fmt.Errorf("hostagg: update in place: %w", err)
	}

	// Dedup any other row left behind for the same (nodeId, mac) —
	// legacy duplicates from before this host's mac/name settled.
	if _, err := a.db.Exec(ctx, `DELETE FROM aggregated_hosts WHERE node_id = $1 AND mac = $2 AND id != $3`, evt.NodeID, evt.MAC, existing.ID); err != nil {
		return Host{}, fmt.Errorf("hostagg: dedup legacy rows: %w", err)
	}

	updated, err := a.findByID(ctx, existing.ID)
	if err != nil {
		return Host{}, err
	}

	if changed {
		a.publish(Event{Type: EventHostUpdated, Host: updated})
	}
	return updated, nil
}

func (a *Aggregator) insertNew(ctx context.Context, evt DiscoveredEvent) (Host, error) {
	now := time.Now().UTC()
	id := idgen.Generate()
	fqn := EncodeFQN(evt.Name, evt.Location, evt.NodeID)
	status := evt.Status
	if status == "" {
		status = "asleep"
	}
	tagsJSON, _ := json.Marshal(evt.Tags)

	_, err := a.db.Exec(ctx, `
		INSERT INTO aggregated_hosts
			(id, node_id, name, mac, fqn, secondary_macs, ip, wol_port, status, last_seen, discovered, notes, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '[]', $6, $7, $8, $9, 1, $10, $11, $12, $13)`,
		id, evt.NodeID, evt.Name, evt.MAC, fqn, evt.IP, evt.WOLPort, status, now.Format(time.RFC3339), evt.Notes, string(tagsJSON), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return Host{}, fmt.Errorf("hostagg: insert new host: %w", err)
	}

	h, err := a.findByID(ctx, id)
	if err != nil {
		return Host{}, err
	}
	a.publish(Event{Type: EventHostAdded, Host: h})
	return h, nil
}

// OnHostRemoved locates the host by (nodeId, name), then deletes every
// row sharing that host's (nodeId, mac) — a legacy-duplicate sweep —
// and emits host-removed for the primary row.
func (a *Aggregator) OnHostRemoved(ctx context.Context, evt RemovedEvent) error {
	existing, err := a.findOne(ctx, "node_id = $1 AND name = $2", evt.NodeID, evt.Name)
	if err != nil {
		return err
	}

	if _, err := a.db.Exec(ctx, `DELETE FROM aggregated_hosts WHERE node_id = $1 AND mac = $2`, evt.NodeID, existing.MAC); err != nil {
		return fmt.Errorf("hostagg: remove host: %w", err)
	}

	a.publish(Event{Type: EventHostRemoved, Host: existing})
	return nil
}

// MarkNodeHostsUnreachable flips every host of nodeId to "asleep"
// without deleting anything, used on disconnect and on re-register
// from a different session (see DESIGN.md Open Question #2).
func (a *Aggregator) MarkNodeHostsUnreachable(ctx context.Context, nodeID string) error {
	_, err := a.db.Exec(ctx, `UPDATE aggregated_hosts SET status = 'asleep', updated_at = $1 WHERE node_id = $2`, time.Now().UTC().Format(time.RFC3339), nodeID)
	if err != nil {
		return fmt.Errorf("hostagg: mark node hosts unreachable: %w", err)
	}
	return nil
}

// RemoveNodeHosts deletes every host row belonging to nodeId, used for
// explicit node cleanup (never on a plain disconnect).
func (a *Aggregator) RemoveNodeHosts(ctx context.Context, nodeID string) error {
	_, err := a.db.Exec(ctx, `DELETE FROM aggregated_hosts WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("hostagg: remove node hosts: %w", err)
	}
	return nil
}

// GetAllHosts returns the entire global inventory, expired port-scan
// fields suppressed.
func (a *Aggregator) GetAllHosts(ctx context.Context) ([]Host, error) {
	rows, err := a.db.Query(ctx, `SELECT `+hostColumns+` FROM aggregated_hosts ORDER BY node_id, name`)
	if err != nil {
		return nil, fmt.Errorf("hostagg: get all hosts: %w", err)
	}
	defer rows.Close()
	return scanHosts(rows)
}

// GetHostsByNode returns the inventory for a single node.
func (a *Aggregator) GetHostsByNode(ctx context.Context, nodeID string) ([]Host, error) {
	rows, err := a.db.Query(ctx, `SELECT `+hostColumns+` FROM aggregated_hosts WHERE node_id = $1 ORDER BY name`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("hostagg: get hosts by node: %w", err)
	}
	defer rows.Close()
	return scanHosts(rows)
}

// GetHostByFQN resolves a host by its precomputed, stored FQN. FQNs
// are never reverse-parsed (see fqn.go); the column is written at
// discover/update time from the (name, location, nodeId) that
// produced it.
func (a *Aggregator) GetHostByFQN(ctx context.Context, fqn string) (Host, error) {
	return a.findOne(ctx, "fqn = $1", fqn)
}

// SaveHostPortScanSnapshot caches a port scan result with a TTL; reads
// occurring after ExpiresAt will not surface it.
func (a *Aggregator) SaveHostPortScanSnapshot(ctx context.Context, fqn string, openPorts []int, ttl time.Duration) error {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	portsJSON, _ := json.Marshal(openPorts)
	res, err := a.db.Exec(ctx, `
		UPDATE aggregated_hosts
		SET open_ports = $1, ports_scanned_at = $2, ports_expire_at = $3, updated_at = $4
		WHERE fqn = $5`,
		string(portsJSON), now.Format(time.RFC3339), expiresAt.Format(time.RFC3339), now.Format(time.RFC3339), fqn,
	)
	if err != nil {
		return fmt.Errorf("hostagg: save port scan snapshot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrHostNotFound
	}
	return nil
}

// GetStats summarizes the current inventory.
func (a *Aggregator) GetStats(ctx context.Context) (Stats, error) {
	row := a.db.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'awake' THEN 1 ELSE 0 END), 0) FROM aggregated_hosts`)
	var total, awake int
	if err := row.Scan(&total, &awake); err != nil {
		return Stats{}, fmt.Errorf("hostagg: get stats: %w", err)
	}
	return Stats{TotalHosts: total, AwakeHosts: awake, DiscoveredAt: time.Now().UTC()}, nil
}

const hostColumns = `id, node_id, name, mac, fqn, secondary_macs, ip, wol_port, status, last_seen, discovered, ping_responsive, notes, tags, open_ports, ports_scanned_at, ports_expire_at, created_at, updated_at`

func (a *Aggregator) findOne(ctx context.Context, where string, args ...any) (Host, error) {
	rows, err := a.db.Query(ctx, `SELECT `+hostColumns+` FROM aggregated_hosts WHERE `+where+` LIMIT 1`, args...)
	if err != nil {
		return Host{}, fmt.Errorf("hostagg: find one: %w", err)
	}
	defer rows.Close()
	hosts, err := scanHosts(rows)
	if err != nil {
		return Host{}, err
	}
	if len(hosts) == 0 {
		return Host{}, ErrHostNotFound
	}
	return hosts[0], nil
}

func (a *Aggregator) findByID(ctx context.Context, id string) (Host, error) {
	return a.findOne(ctx, "id = $1", id)
}

func scanHosts(rows *sql.Rows) ([]Host, error) {
	var out []Host
	for rows.Next() {
		var (
			h                                       Host
			secondaryMACsJSON, tagsJSON, openPortsJSON sql.NullString
			lastSeen, portsScannedAt, portsExpireAt sql.NullString
			pingResponsive                          sql.NullBool
			createdAt, updatedAt                     string
		)
		if err := rows.Scan(
			&h.ID, &h.NodeID, &h.Name, &h.MAC, &h.FQN, &secondaryMACsJSON, &h.IP, &h.WOLPort, &h.Status,
			&lastSeen, &h.Discovered, &pingResponsive, &h.Notes, &tagsJSON,
			&openPortsJSON, &portsScannedAt, &portsExpireAt, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("hostagg: scan host row: %w", err)
		}

		if secondaryMACsJSON.Valid && secondaryMACsJSON.String != "" {
			_ = json.Unmarshal([]byte(secondaryMACsJSON.String), &h.SecondaryMACs)
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			_ = json.Unmarshal([]byte(tagsJSON.String), &h.Tags)
		}
		if lastSeen.Valid && lastSeen.String != "" {
			t, _ := time.Parse(time.RFC3339, lastSeen.String)
			h.LastSeen = &t
		}
		if pingResponsive.Valid {
			v := pingResponsive.Bool
			h.PingResponsive = &v
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			h.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			h.UpdatedAt = t
		}

		now := time.Now().UTC()
		if portsExpireAt.Valid && portsExpireAt.String != "" {
			expiresAt, _ := time.Parse(time.RFC3339, portsExpireAt.String)
			if now.Before(expiresAt) && openPortsJSON.Valid {
				var openPorts []int
				_ = json.Unmarshal([]byte(openPortsJSON.String), &openPorts)
				scannedAt, _ := time.Parse(time.RFC3339, portsScannedAt.String)
				h.PortScan = &PortScanSnapshot{OpenPorts: openPorts, ScannedAt: scannedAt, ExpiresAt: expiresAt}
			}
		}

		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hostagg: iterate host rows: %w", err)
	}
	return out, nil
}
