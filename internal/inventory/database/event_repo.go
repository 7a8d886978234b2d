package database

import (
	"context"
	"database/sql"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

// RecordEvent appends an audit row for an instance and trims the oldest rows
// beyond keep. The trim runs in the same transaction so the cap holds under
// concurrent writers.
func (d *Database) RecordEvent(ctx context.Context, instanceID int64, eventType, message string, keep int) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		const ins = `INSERT INTO events (instance_id, event_type, message) VALUES ($1, $2, $3)`
		if _, err := tx.ExecContext(ctx, ins, instanceID, eventType, message); err != nil {
			return translateErr("insert event", err)
		}
		if keep <= 0 {
			return nil
		}
		const trim = `DELETE FROM events WHERE instance_id = $1 AND id NOT IN (
		                  SELECT id FROM events WHERE instance_id = $1
		                  ORDER BY created_at DESC, id DESC LIMIT $2)`
		if _, err := tx.ExecContext(ctx, trim, instanceID, keep); err != nil {
			return translateErr("trim events", err)
		}
		return nil
	})
}

// ListEvents returns the newest events for an instance, newest first.
func (d *Database) ListEvents(ctx context.Context, instanceID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, instance_id, event_type, message, created_at
	           FROM events WHERE instance_id = $1
	           ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := d.db.QueryContext(ctx, q, instanceID, limit)
	if err != nil {
		return nil, translateErr("list events", err)
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.EventType, &e.Message, &e.CreatedAt); err != nil {
			return nil, translateErr("scan event", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListVersionHistory returns version transitions for an instance, newest first.
func (d *Database) ListVersionHistory(ctx context.Context, instanceID int64, limit int) ([]model.VersionHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, instance_id, old_version, new_version, actor, reason, changed_at
	           FROM version_history WHERE instance_id = $1
	           ORDER BY changed_at DESC, id DESC LIMIT $2`
	rows, err := d.db.QueryContext(ctx, q, instanceID, limit)
	if err != nil {
		return nil, translateErr("list version history", err)
	}
	defer rows.Close()
	var out []model.VersionHistory
	for rows.Next() {
		var h model.VersionHistory
		if err := rows.Scan(&h.ID, &h.InstanceID, &h.OldVersion, &h.NewVersion, &h.Actor, &h.Reason, &h.ChangedAt); err != nil {
			return nil, translateErr("scan version history", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (d *Database) ListHAProxyStatusHistory(ctx context.Context, haproxyServerID int64, limit int) ([]model.HAProxyStatusHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, haproxy_server_id, old_status, new_status, changed_at
	           FROM haproxy_status_history WHERE haproxy_server_id = $1
	           ORDER BY changed_at DESC, id DESC LIMIT $2`
	rows, err := d.db.QueryContext(ctx, q, haproxyServerID, limit)
	if err != nil {
		return nil, translateErr("list haproxy status history", err)
	}
	defer rows.Close()
	var out []model.HAProxyStatusHistory
	for rows.Next() {
		var h model.HAProxyStatusHistory
		if err := rows.Scan(&h.ID, &h.HAProxyServerID, &h.OldStatus, &h.NewStatus, &h.ChangedAt); err != nil {
			return nil, translateErr("scan haproxy status history", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (d *Database) ListEurekaStatusHistory(ctx context.Context, eurekaInstanceID int64, limit int) ([]model.EurekaStatusHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, eureka_instance_id, old_status, new_status, changed_at
	           FROM eureka_status_history WHERE eureka_instance_id = $1
	           ORDER BY changed_at DESC, id DESC LIMIT $2`
	rows, err := d.db.QueryContext(ctx, q, eurekaInstanceID, limit)
	if err != nil {
		return nil, translateErr("list eureka status history", err)
	}
	defer rows.Close()
	var out []model.EurekaStatusHistory
	for rows.Next() {
		var h model.EurekaStatusHistory
		if err := rows.Scan(&h.ID, &h.EurekaInstanceID, &h.OldStatus, &h.NewStatus, &h.ChangedAt); err != nil {
			return nil, translateErr("scan eureka status history", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
