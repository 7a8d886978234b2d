package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

const serverColumns = `id, name, ip, agent_port, last_check, status, is_haproxy_node, is_eureka_node, created_at`

func scanServer(row interface{ Scan(...any) error }) (*model.Server, error) {
	var s model.Server
	if err := row.Scan(&s.ID, &s.Name, &s.IP, &s.AgentPort, &s.LastCheck, &s.Status,
		&s.IsHAProxyNode, &s.IsEurekaNode, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateServer registers a host, either manually via the API or on first
// agent contact.
func (d *Database) CreateServer(ctx context.Context, s *model.Server) error {
	const q = `INSERT INTO servers (name, ip, agent_port, status, is_haproxy_node, is_eureka_node)
	           VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`
	status := s.Status
	if status == "" {
		status = model.ServerUnknown
	}
	err := d.db.QueryRowContext(ctx, q, s.Name, s.IP, s.AgentPort, status, s.IsHAProxyNode, s.IsEurekaNode).
		Scan(&s.ID, &s.CreatedAt)
	return translateErr("create server", err)
}

func (d *Database) GetServer(ctx context.Context, id int64) (*model.Server, error) {
	const q = `SELECT ` + serverColumns + ` FROM servers WHERE id = $1`
	s, err := scanServer(d.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, translateErr("get server", err)
	}
	return s, nil
}

func (d *Database) GetServerByName(ctx context.Context, name string) (*model.Server, error) {
	const q = `SELECT ` + serverColumns + ` FROM servers WHERE name = $1`
	s, err := scanServer(d.db.QueryRowContext(ctx, q, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, translateErr("get server by name", err)
	}
	return s, nil
}

func (d *Database) ListServers(ctx context.Context) ([]model.Server, error) {
	const q = `SELECT ` + serverColumns + ` FROM servers ORDER BY name`
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return nil, translateErr("list servers", err)
	}
	defer rows.Close()

	var out []model.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, translateErr("scan server", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ListAgentEndpoints returns servers the agent collector should poll.
func (d *Database) ListAgentEndpoints(ctx context.Context) ([]model.Server, error) {
	const q = `SELECT ` + serverColumns + ` FROM servers WHERE agent_port > 0 ORDER BY id`
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return nil, translateErr("list agent endpoints", err)
	}
	defer rows.Close()

	var out []model.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, translateErr("scan server", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ListHAProxyNodes returns servers flagged as HAProxy nodes.
func (d *Database) ListHAProxyNodes(ctx context.Context) ([]model.Server, error) {
	const q = `SELECT ` + serverColumns + ` FROM servers WHERE is_haproxy_node ORDER BY id`
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return nil, translateErr("list haproxy nodes", err)
	}
	defer rows.Close()

	var out []model.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, translateErr("scan server", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ListEurekaNodes returns servers flagged as Eureka registry nodes.
func (d *Database) ListEurekaNodes(ctx context.Context) ([]model.Server, error) {
	const q = `SELECT ` + serverColumns + ` FROM servers WHERE is_eureka_node ORDER BY id`
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return nil, translateErr("list eureka nodes", err)
	}
	defer rows.Close()

	var out []model.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, translateErr("scan server", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// SetServerStatus records the reachability state derived from fetch results.
func (d *Database) SetServerStatus(ctx context.Context, id int64, status model.ServerStatus, checkedAt time.Time) error {
	const q = `UPDATE servers SET status = $2, last_check = $3 WHERE id = $1`
	_, err := d.db.ExecContext(ctx, q, id, status, checkedAt)
	return translateErr("set server status", err)
}

// DeleteServer removes a host and cascades to its instances. Only operators
// call this; reconciliation never does.
func (d *Database) DeleteServer(ctx context.Context, id int64) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM servers WHERE id = $1`, id)
	if err != nil {
		return translateErr("delete server", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(model.ErrNotFound, "server %d not found", id)
	}
	return nil
}
