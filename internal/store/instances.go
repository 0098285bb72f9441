package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sqlguard/sqlguard/internal/types"
)

// EnsureInstance returns the instance id for (hostname, instanceName, port),
// creating server and instance rows as needed.
func (s *Store) EnsureInstance(ctx context.Context, hostname, instanceName string, port int) (int64, error) {
	return ensureInstance(ctx, s.db, hostname, instanceName, port)
}

func (tx *Tx) EnsureInstance(ctx context.Context, hostname, instanceName string, port int) (int64, error) {
	return ensureInstance(ctx, tx.q, hostname, instanceName, port)
}

func ensureInstance(ctx context.Context, q querier, hostname, instanceName string, port int) (int64, error) {
	if instanceName == "" {
		instanceName = types.DefaultInstanceName
	}
	if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO servers (hostname) VALUES (?)`, hostname); err != nil {
		return 0, fmt.Errorf("ensuring server %q: %w", hostname, err)
	}
	var serverID int64
	if err := q.QueryRowContext(ctx, `SELECT id FROM servers WHERE hostname = ?`, hostname).Scan(&serverID); err != nil {
		return 0, fmt.Errorf("fetching server %q: %w", hostname, err)
	}
	if _, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO instances (server_id, instance_name, port) VALUES (?, ?, ?)
	`, serverID, instanceName, port); err != nil {
		return 0, fmt.Errorf("ensuring instance %s\\%s: %w", hostname, instanceName, err)
	}
	var instanceID int64
	err := q.QueryRowContext(ctx, `
		SELECT id FROM instances WHERE server_id = ? AND instance_name = ? AND port = ?
	`, serverID, instanceName, port).Scan(&instanceID)
	if err != nil {
		return 0, fmt.Errorf("fetching instance %s\\%s: %w", hostname, instanceName, err)
	}
	return instanceID, nil
}

// GetInstance fetches one instance row with its server hostname.
func (s *Store) GetInstance(ctx context.Context, id int64) (*types.Instance, string, error) {
	var inst types.Instance
	var hostname string
	err := s.db.QueryRowContext(ctx, `
		SELECT i.id, i.server_id, i.instance_name, i.port, s.hostname
		FROM instances i JOIN servers s ON s.id = i.server_id
		WHERE i.id = ?
	`, id).Scan(&inst.ID, &inst.ServerID, &inst.InstanceName, &inst.Port, &hostname)
	if err == sql.ErrNoRows {
		return nil, "", fmt.Errorf("instance %d not found", id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("fetching instance %d: %w", id, err)
	}
	return &inst, hostname, nil
}

// ListInstances returns every known instance as (id, "host\instance") pairs
// in id order.
func (s *Store) ListInstances(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, s.hostname, i.instance_name
		FROM instances i JOIN servers s ON s.id = i.server_id
		ORDER BY i.id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var host, name string
		if err := rows.Scan(&id, &host, &name); err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		out[id] = host + `\` + name
	}
	return out, rows.Err()
}
