package database

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"
	"github.com/opsforge/fleetd/internal/inventory/model"
	"github.com/opsforge/fleetd/internal/reconciler"
)

// EnsureEurekaServer registers (or revives) a registry endpoint.
func (d *Database) EnsureEurekaServer(ctx context.Context, url, name string) (int64, error) {
	const q = `INSERT INTO eureka_servers (url, name) VALUES ($1, $2)
	           ON CONFLICT (url) DO UPDATE SET name = EXCLUDED.name, removed_at = NULL
	           RETURNING id`
	var id int64
	if err := d.db.QueryRowContext(ctx, q, url, name).Scan(&id); err != nil {
		return 0, translateErr("ensure eureka server", err)
	}
	return id, nil
}

func (d *Database) ListEurekaServers(ctx context.Context) ([]model.EurekaServer, error) {
	const q = `SELECT id, url, name, removed_at FROM eureka_servers WHERE removed_at IS NULL ORDER BY id`
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return nil, translateErr("list eureka servers", err)
	}
	defer rows.Close()
	var out []model.EurekaServer
	for rows.Next() {
		var e model.EurekaServer
		if err := rows.Scan(&e.ID, &e.URL, &e.Name, &e.RemovedAt); err != nil {
			return nil, translateErr("scan eureka server", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const eurekaInstanceColumns = `id, application_id, instance_id, ip, port, status, last_heartbeat, metadata, last_seen, removed_at`

func scanEurekaInstance(row interface{ Scan(...any) error }) (*model.EurekaInstance, error) {
	var e model.EurekaInstance
	var metadata []byte
	if err := row.Scan(&e.ID, &e.ApplicationID, &e.InstanceID, &e.IP, &e.Port, &e.Status,
		&e.LastHeartbeat, &metadata, &e.LastSeen, &e.RemovedAt); err != nil {
		return nil, err
	}
	e.Metadata = metadata
	return &e, nil
}

func (d *Database) GetEurekaInstance(ctx context.Context, id int64) (*model.EurekaInstance, error) {
	const q = `SELECT ` + eurekaInstanceColumns + ` FROM eureka_instances WHERE id = $1`
	e, err := scanEurekaInstance(d.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, translateErr("get eureka instance", err)
	}
	return e, nil
}

// ListEurekaInstancesByServer returns every registration under one registry,
// tombstoned rows included, for the reconciler.
func (d *Database) ListEurekaInstancesByServer(ctx context.Context, eurekaServerID int64) ([]model.EurekaInstance, error) {
	const q = `SELECT ` + eurekaInstanceColumns + ` FROM eureka_instances
	           WHERE application_id IN (SELECT id FROM eureka_applications WHERE eureka_server_id = $1)`
	rows, err := d.db.QueryContext(ctx, q, eurekaServerID)
	if err != nil {
		return nil, translateErr("list eureka instances", err)
	}
	defer rows.Close()
	var out []model.EurekaInstance
	for rows.Next() {
		e, err := scanEurekaInstance(rows)
		if err != nil {
			return nil, translateErr("scan eureka instance", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ApplyEurekaDelta commits one Eureka reconciliation batch atomically,
// creating applications on demand and tombstoning vanished ones.
func (d *Database) ApplyEurekaDelta(ctx context.Context, delta *reconciler.EurekaDelta) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		appIDs := map[string]int64{}
		ensureApp := func(name string) (int64, error) {
			if id, ok := appIDs[name]; ok {
				return id, nil
			}
			var id int64
			err := tx.QueryRowContext(ctx,
				`INSERT INTO eureka_applications (eureka_server_id, name) VALUES ($1, $2)
				 ON CONFLICT (eureka_server_id, name) DO UPDATE SET removed_at = NULL
				 RETURNING id`, delta.EurekaServerID, name).Scan(&id)
			if err != nil {
				return 0, translateErr("ensure eureka application", err)
			}
			appIDs[name] = id
			return id, nil
		}

		observedApps := make([]string, 0, 4)
		seenApp := map[string]bool{}
		noteApp := func(name string) {
			if !seenApp[name] {
				seenApp[name] = true
				observedApps = append(observedApps, name)
			}
		}

		for _, obs := range delta.Creates {
			noteApp(obs.App)
			appID, err := ensureApp(obs.App)
			if err != nil {
				return err
			}
			metadata, _ := json.Marshal(obs.Metadata)
			const q = `INSERT INTO eureka_instances
			    (application_id, instance_id, ip, port, status, last_heartbeat, metadata, last_seen)
			    VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			    ON CONFLICT (application_id, instance_id) DO UPDATE SET
			        ip=EXCLUDED.ip, port=EXCLUDED.port, status=EXCLUDED.status,
			        last_heartbeat=EXCLUDED.last_heartbeat, metadata=EXCLUDED.metadata,
			        last_seen=EXCLUDED.last_seen, removed_at=NULL`
			if _, err := tx.ExecContext(ctx, q, appID, obs.InstanceID, obs.IP, obs.Port,
				model.ParseEurekaStatus(obs.Status), obs.LastHeartbeat, metadata, delta.Now); err != nil {
				return translateErr("insert eureka instance", err)
			}
		}

		for _, up := range delta.Updates {
			noteApp(up.Observed.App)
			if _, err := ensureApp(up.Observed.App); err != nil {
				return err
			}
			metadata, _ := json.Marshal(up.Observed.Metadata)
			const q = `UPDATE eureka_instances SET
			    ip=$2, port=$3, status=$4, last_heartbeat=$5, metadata=$6, last_seen=$7, removed_at=NULL
			    WHERE id=$1`
			if _, err := tx.ExecContext(ctx, q, up.Prior.ID, up.Observed.IP, up.Observed.Port,
				model.ParseEurekaStatus(up.Observed.Status), up.Observed.LastHeartbeat, metadata, delta.Now); err != nil {
				return translateErr("update eureka instance", err)
			}
		}

		if len(delta.Tombstones) > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE eureka_instances SET removed_at = $2 WHERE id = ANY($1) AND removed_at IS NULL`,
				pq.Array(delta.Tombstones), delta.Now); err != nil {
				return translateErr("tombstone eureka instances", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE eureka_applications SET removed_at = $3
			 WHERE eureka_server_id = $1 AND removed_at IS NULL AND NOT (name = ANY($2))`,
			delta.EurekaServerID, pq.Array(observedApps), delta.Now); err != nil {
			return translateErr("tombstone eureka applications", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE eureka_instances SET removed_at = $2
			 WHERE removed_at IS NULL AND application_id IN
			   (SELECT id FROM eureka_applications WHERE eureka_server_id = $1 AND removed_at IS NOT NULL)`,
			delta.EurekaServerID, delta.Now); err != nil {
			return translateErr("tombstone orphan registrations", err)
		}

		for _, h := range delta.Statuses {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO eureka_status_history (eureka_instance_id, old_status, new_status, changed_at)
				 VALUES ($1, $2, $3, $4)`,
				h.EurekaInstanceID, h.OldStatus, h.NewStatus, h.ChangedAt); err != nil {
				return translateErr("insert eureka status history", err)
			}
		}
		return nil
	})
}

// FindEurekaInstanceByKey resolves an instance_id under one registry after a
// delta apply, to dispatch the mapping engine.
func (d *Database) FindEurekaInstanceByKey(ctx context.Context, eurekaServerID int64, instanceID string) (*model.EurekaInstance, error) {
	const q = `SELECT ` + eurekaInstanceColumns + ` FROM eureka_instances
	           WHERE instance_id = $2 AND application_id IN
	             (SELECT id FROM eureka_applications WHERE eureka_server_id = $1)`
	e, err := scanEurekaInstance(d.db.QueryRowContext(ctx, q, eurekaServerID, instanceID))
	if err != nil {
		return nil, translateErr("find eureka instance by key", err)
	}
	return e, nil
}
