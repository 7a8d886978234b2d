package database

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/opsforge/fleetd/internal/inventory/model"
	"github.com/opsforge/fleetd/internal/reconciler"
)

const instanceColumns = `i.id, i.server_id, s.name, i.instance_name, i.app_type, i.catalog_id, i.group_id,
	i.status, i.version, i.pid, i.start_time, i.ip, i.port, i.home_path, i.log_path,
	i.container_id, i.container_image, i.container_tag, i.eureka_registered, i.eureka_url,
	i.custom_playbook, i.custom_distr_url, i.last_seen, i.deleted_at, i.created_at`

const instanceFrom = ` FROM app_instances i JOIN servers s ON s.id = i.server_id`

func scanInstance(row interface{ Scan(...any) error }) (*model.Instance, error) {
	var i model.Instance
	if err := row.Scan(&i.ID, &i.ServerID, &i.ServerName, &i.InstanceName, &i.AppType, &i.CatalogID, &i.GroupID,
		&i.Status, &i.Version, &i.PID, &i.StartTime, &i.IP, &i.Port, &i.HomePath, &i.LogPath,
		&i.ContainerID, &i.ContainerImage, &i.ContainerTag, &i.EurekaRegistered, &i.EurekaURL,
		&i.CustomPlaybook, &i.CustomDistrURL, &i.LastSeen, &i.DeletedAt, &i.CreatedAt); err != nil {
		return nil, err
	}
	return &i, nil
}

func collectInstances(rows *sql.Rows) ([]model.Instance, error) {
	defer rows.Close()
	var out []model.Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, translateErr("scan instance", err)
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

func (d *Database) GetInstance(ctx context.Context, id int64) (*model.Instance, error) {
	const q = `SELECT ` + instanceColumns + instanceFrom + ` WHERE i.id = $1`
	i, err := scanInstance(d.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, translateErr("get instance", err)
	}
	return i, nil
}

func (d *Database) GetInstances(ctx context.Context, ids []int64) ([]model.Instance, error) {
	const q = `SELECT ` + instanceColumns + instanceFrom + ` WHERE i.id = ANY($1)`
	rows, err := d.db.QueryContext(ctx, q, pq.Array(ids))
	if err != nil {
		return nil, translateErr("get instances", err)
	}
	return collectInstances(rows)
}

// ListInstancesByServer returns every row under a server, soft-deleted ones
// included. The reconciler needs the tombstoned rows to revive reappearing
// instances in place.
func (d *Database) ListInstancesByServer(ctx context.Context, serverID int64) ([]model.Instance, error) {
	const q = `SELECT ` + instanceColumns + instanceFrom + ` WHERE i.server_id = $1`
	rows, err := d.db.QueryContext(ctx, q, serverID)
	if err != nil {
		return nil, translateErr("list instances by server", err)
	}
	return collectInstances(rows)
}

// ListLiveInstancesByIP is the mapping engine candidate query.
func (d *Database) ListLiveInstancesByIP(ctx context.Context, ip string) ([]model.Instance, error) {
	const q = `SELECT ` + instanceColumns + `
	           FROM app_instances i
	           JOIN servers s ON s.id = i.server_id
	           WHERE i.deleted_at IS NULL AND (i.ip = $1 OR s.ip = $1)
	           ORDER BY i.id`
	rows, err := d.db.QueryContext(ctx, q, ip)
	if err != nil {
		return nil, translateErr("list instances by ip", err)
	}
	return collectInstances(rows)
}

// InstanceFilter narrows SearchInstances. Zero values are ignored.
type InstanceFilter struct {
	ServerID int64
	Tag      string
	Query    string // free text over instance_name and app_type
	Deleted  bool   // include soft-deleted rows
}

func (d *Database) SearchInstances(ctx context.Context, f InstanceFilter) ([]model.Instance, error) {
	q := `SELECT DISTINCT ` + instanceColumns + instanceFrom
	args := []any{}
	if f.Tag != "" {
		q += ` LEFT JOIN instance_tags it ON it.instance_id = i.id
		       LEFT JOIN tags t ON t.id = it.tag_id
		       LEFT JOIN group_tags gt ON gt.group_id = i.group_id
		       LEFT JOIN tags tg ON tg.id = gt.tag_id`
	}
	q += ` WHERE 1=1`
	if !f.Deleted {
		q += ` AND i.deleted_at IS NULL`
	}
	if f.ServerID != 0 {
		q += ` AND i.server_id = $` + strconv.Itoa(len(args)+1)
		args = append(args, f.ServerID)
	}
	if f.Tag != "" {
		n := strconv.Itoa(len(args) + 1)
		// group tags are inherited for filtering
		q += ` AND (t.name = $` + n + ` OR tg.name = $` + n + `)`
		args = append(args, f.Tag)
	}
	if f.Query != "" {
		n := strconv.Itoa(len(args) + 1)
		q += ` AND (i.instance_name ILIKE '%' || $` + n + ` || '%' OR i.app_type ILIKE '%' || $` + n + ` || '%')`
		args = append(args, f.Query)
	}
	q += ` ORDER BY i.id`

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, translateErr("search instances", err)
	}
	return collectInstances(rows)
}

// UpdateInstancePlaybook sets the per-instance update playbook override.
func (d *Database) UpdateInstancePlaybook(ctx context.Context, id int64, playbook string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE app_instances SET custom_playbook = $2 WHERE id = $1 AND deleted_at IS NULL`, id, playbook)
	if err != nil {
		return translateErr("update instance playbook", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(model.ErrNotFound, "instance %d not found", id)
	}
	return nil
}

// SetInstanceVersion records the post-update version and its history row in
// one transaction.
func (d *Database) SetInstanceVersion(ctx context.Context, id int64, newVersion, actor, reason string) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		var old string
		if err := tx.QueryRowContext(ctx, `SELECT version FROM app_instances WHERE id = $1 FOR UPDATE`, id).Scan(&old); err != nil {
			return translateErr("lock instance version", err)
		}
		if old == newVersion {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE app_instances SET version = $2 WHERE id = $1`, id, newVersion); err != nil {
			return translateErr("set instance version", err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO version_history (instance_id, old_version, new_version, actor, reason) VALUES ($1, $2, $3, $4, $5)`,
			id, old, newVersion, actor, reason)
		return translateErr("insert version history", err)
	})
}

// ApplyInstanceDelta commits one agent reconciliation batch atomically:
// creates, field updates with last_seen refresh, revivals, tombstones and
// audited history rows.
func (d *Database) ApplyInstanceDelta(ctx context.Context, delta *reconciler.InstanceDelta) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		for _, obs := range delta.Creates {
			if err := insertInstance(ctx, tx, delta.ServerID, obs, delta.Now); err != nil {
				// A concurrent twin may exist soft-deleted under a different
				// observation path; resolve the conflict by reviving it.
				if model.IsKind(err, model.ErrConflict) {
					if err := reviveInstanceByKey(ctx, tx, delta.ServerID, obs, delta.Now); err != nil {
						return err
					}
					continue
				}
				return err
			}
		}
		for _, up := range delta.Updates {
			if err := updateInstance(ctx, tx, up.Prior.ID, up.Observed, delta.Now); err != nil {
				return err
			}
		}
		if len(delta.Tombstones) > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE app_instances SET deleted_at = $2 WHERE id = ANY($1) AND deleted_at IS NULL`,
				pq.Array(delta.Tombstones), delta.Now); err != nil {
				return translateErr("tombstone instances", err)
			}
		}
		for _, v := range delta.Versions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO version_history (instance_id, old_version, new_version, actor, reason, changed_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				v.InstanceID, v.OldVersion, v.NewVersion, v.Actor, v.Reason, v.ChangedAt); err != nil {
				return translateErr("insert version history", err)
			}
		}
		return nil
	})
}

func insertInstance(ctx context.Context, tx *sql.Tx, serverID int64, obs reconciler.ObservedInstance, now time.Time) error {
	const q = `INSERT INTO app_instances
	    (server_id, instance_name, app_type, status, version, pid, start_time, ip, port,
	     home_path, log_path, container_id, container_image, container_tag,
	     eureka_registered, eureka_url, last_seen)
	    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err := tx.ExecContext(ctx, q, serverID, obs.InstanceName, obs.AppType, obs.Status, obs.Version,
		obs.PID, obs.StartTime, obs.IP, obs.Port, obs.HomePath, obs.LogPath,
		obs.ContainerID, obs.ContainerImage, obs.ContainerTag, obs.EurekaRegistered, obs.EurekaURL, now)
	return translateErr("insert instance", err)
}

func updateInstance(ctx context.Context, tx *sql.Tx, id int64, obs reconciler.ObservedInstance, now time.Time) error {
	const q = `UPDATE app_instances SET
	    status=$2, version=$3, pid=$4, start_time=$5, ip=$6, port=$7,
	    home_path=$8, log_path=$9, container_id=$10, container_image=$11, container_tag=$12,
	    eureka_registered=$13, eureka_url=$14, last_seen=$15, deleted_at=NULL
	    WHERE id=$1`
	_, err := tx.ExecContext(ctx, q, id, obs.Status, obs.Version, obs.PID, obs.StartTime, obs.IP, obs.Port,
		obs.HomePath, obs.LogPath, obs.ContainerID, obs.ContainerImage, obs.ContainerTag,
		obs.EurekaRegistered, obs.EurekaURL, now)
	return translateErr("update instance", err)
}

func reviveInstanceByKey(ctx context.Context, tx *sql.Tx, serverID int64, obs reconciler.ObservedInstance, now time.Time) error {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM app_instances WHERE server_id=$1 AND instance_name=$2 AND app_type=$3`,
		serverID, obs.InstanceName, obs.AppType).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewError(model.ErrInternal, "conflict on insert but no twin row for %s/%s", obs.InstanceName, obs.AppType)
		}
		return translateErr("find twin instance", err)
	}
	return updateInstance(ctx, tx, id, obs, now)
}
