package nodesession

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wolfleet/wolfleet/internal/storage"
)

// NodeRecord is the persisted row backing a registered node agent.
// Created on first successful registration; mutated on heartbeat and
// on the stale-node sweep; never deleted implicitly.
type NodeRecord struct {
	ID            string
	Name          string
	Location      string
	Status        string // online | offline
	LastHeartbeat *time.Time
	Metadata      map[string]any
	Capabilities  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func upsertNode(ctx context.Context, db *storage.DB, id, name, location string, capabilities []string) error {
	now := time.Now().UTC()
	capsJSON, _ := json.Marshal(capabilities)

	_, err := db.Exec(ctx, `
		INSERT INTO nodes (id, name, location, status, last_heartbeat, metadata, capabilities, created_at, updated_at)
		VALUES ($1, $2, $3, 'online', $4, '{}', $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, location = excluded.location, status = 'online',
			last_heartbeat = excluded.last_heartbeat, capabilities = excluded.capabilities, updated_at = excluded.updated_at`,
		id, name, location, now.Format(time.RFC3339), string(capsJSON), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("nodesession: upsert node: %w", err)
	}
	return nil
}

func recordHeartbeat(ctx context.Context, db *storage.DB, id string) error {
	now := time.Now().UTC()
	_, err := db.Exec(ctx, `UPDATE nodes SET status = 'online', last_heartbeat = $1, updated_at = $2 WHERE id = $3`, now.Format(time.RFC3339), now.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("nodesession: record heartbeat: %w", err)
	}
	return nil
}

// markStaleNodesOffline flips every node whose lastHeartbeat is older
// than timeout to offline, and returns the ids of nodes that actually
// transitioned (were online and are now offline) — the sweep only
// marks hosts unreachable for those.
func markStaleNodesOffline(ctx context.Context, db *storage.DB, timeout time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-timeout)

	rows, err := db.Query(ctx, `SELECT id FROM nodes WHERE status = 'online' AND (last_heartbeat IS NULL OR last_heartbeat < $1)`, cutoff.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("nodesession: find stale nodes: %w", err)
	}
	var staleIDs []string
	func() {
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err == nil {
				staleIDs = append(staleIDs, id)
			}
		}
	}()
	if len(staleIDs) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	for _, id := range staleIDs {
		if _, err := db.Exec(ctx, `UPDATE nodes SET status = 'offline', updated_at = $1 WHERE id = $2`, now.Format(time.RFC3339), id); err != nil {
			return nil, fmt.Errorf("nodesession: mark node offline: %w", err)
		}
	}
	return staleIDs, nil
}

func getNode(ctx context.Context, db *storage.DB, id string) (NodeRecord, error) {
	row := db.QueryRow(ctx, `SELECT id, name, location, status, last_heartbeat, metadata, capabilities, created_at, updated_at FROM nodes WHERE id = $1`, id)
	return scanNode(row)
}

func scanNode(row *sql.Row) (NodeRecord, error) {
	var (
		n                        NodeRecord
		lastHeartbeat            sql.NullString
		metadataJSON, capsJSON   string
		createdAt, updatedAt     string
	)
	if err := row.Scan(&n.ID, &n.Name, &n.Location, &n.Status, &lastHeartbeat, &metadataJSON, &capsJSON, &createdAt, &updatedAt); err != nil {
		return NodeRecord{}, fmt.Errorf("nodesession: scan node: %w", err)
	}
	_ = json.Unmarshal([]byte(metadataJSON), &n.Metadata)
	_ = json.Unmarshal([]byte(capsJSON), &n.Capabilities)
	if lastHeartbeat.Valid && lastHeartbeat.String != "" {
		t, _ := time.Parse(time.RFC3339, lastHeartbeat.String)
		n.LastHeartbeat = &t
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		n.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		n.UpdatedAt = t
	}
	return n, nil
}
