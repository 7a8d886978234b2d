package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/opsforge/fleetd/internal/inventory/model"
	"github.com/opsforge/fleetd/internal/reconciler"
)

// EnsureHAProxyInstance registers (or revives) an HAProxy process under a
// server and returns its ID.
func (d *Database) EnsureHAProxyInstance(ctx context.Context, serverID int64, name string) (int64, error) {
	const q = `INSERT INTO haproxy_instances (server_id, name)
	           VALUES ($1, $2)
	           ON CONFLICT (server_id, name) DO UPDATE SET removed_at = NULL
	           RETURNING id`
	var id int64
	if err := d.db.QueryRowContext(ctx, q, serverID, name).Scan(&id); err != nil {
		return 0, translateErr("ensure haproxy instance", err)
	}
	return id, nil
}

func (d *Database) ListHAProxyInstances(ctx context.Context) ([]model.HAProxyInstance, error) {
	const q = `SELECT id, server_id, name, removed_at FROM haproxy_instances WHERE removed_at IS NULL ORDER BY id`
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return nil, translateErr("list haproxy instances", err)
	}
	defer rows.Close()
	var out []model.HAProxyInstance
	for rows.Next() {
		var h model.HAProxyInstance
		if err := rows.Scan(&h.ID, &h.ServerID, &h.Name, &h.RemovedAt); err != nil {
			return nil, translateErr("scan haproxy instance", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// BackendSummary is a backend with its per-status member counts.
type BackendSummary struct {
	Backend      model.HAProxyBackend `json:"backend"`
	ServerCounts map[string]int       `json:"server_counts"`
}

func (d *Database) ListBackendsWithCounts(ctx context.Context, haproxyID int64) ([]BackendSummary, error) {
	const q = `SELECT b.id, b.haproxy_id, b.name, b.removed_at, COALESCE(s.status, ''), COUNT(s.id)
	           FROM haproxy_backends b
	           LEFT JOIN haproxy_servers s ON s.backend_id = b.id AND s.removed_at IS NULL
	           WHERE b.haproxy_id = $1 AND b.removed_at IS NULL
	           GROUP BY b.id, s.status
	           ORDER BY b.id`
	rows, err := d.db.QueryContext(ctx, q, haproxyID)
	if err != nil {
		return nil, translateErr("list backends", err)
	}
	defer rows.Close()

	byID := map[int64]*BackendSummary{}
	var order []int64
	for rows.Next() {
		var b model.HAProxyBackend
		var status string
		var count int
		if err := rows.Scan(&b.ID, &b.HAProxyID, &b.Name, &b.RemovedAt, &status, &count); err != nil {
			return nil, translateErr("scan backend", err)
		}
		sum, ok := byID[b.ID]
		if !ok {
			sum = &BackendSummary{Backend: b, ServerCounts: map[string]int{}}
			byID[b.ID] = sum
			order = append(order, b.ID)
		}
		if status != "" {
			sum.ServerCounts[status] = count
		}
	}
	out := make([]BackendSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, rows.Err()
}

const haproxyServerColumns = `id, backend_id, name, ip, port, status, weight, scur, smax, last_state_change, last_seen, removed_at`

func scanHAProxyServer(row interface{ Scan(...any) error }) (*model.HAProxyServer, error) {
	var s model.HAProxyServer
	if err := row.Scan(&s.ID, &s.BackendID, &s.Name, &s.IP, &s.Port, &s.Status, &s.Weight,
		&s.CurrentSessions, &s.MaxSessions, &s.LastStateChange, &s.LastSeen, &s.RemovedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *Database) GetHAProxyServer(ctx context.Context, id int64) (*model.HAProxyServer, error) {
	const q = `SELECT ` + haproxyServerColumns + ` FROM haproxy_servers WHERE id = $1`
	s, err := scanHAProxyServer(d.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, translateErr("get haproxy server", err)
	}
	return s, nil
}

func (d *Database) ListHAProxyServersByBackend(ctx context.Context, backendID int64) ([]model.HAProxyServer, error) {
	const q = `SELECT ` + haproxyServerColumns + ` FROM haproxy_servers WHERE backend_id = $1 AND removed_at IS NULL ORDER BY name`
	rows, err := d.db.QueryContext(ctx, q, backendID)
	if err != nil {
		return nil, translateErr("list haproxy servers", err)
	}
	defer rows.Close()
	var out []model.HAProxyServer
	for rows.Next() {
		s, err := scanHAProxyServer(rows)
		if err != nil {
			return nil, translateErr("scan haproxy server", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// HAProxyTree is the prior state the reconciler matches one observation
// against: all member rows under one HAProxy instance plus the backend name
// for each backend ID.
type HAProxyTree struct {
	Servers      []model.HAProxyServer
	BackendNames map[int64]string
}

func (d *Database) LoadHAProxyTree(ctx context.Context, haproxyID int64) (*HAProxyTree, error) {
	tree := &HAProxyTree{BackendNames: map[int64]string{}}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name FROM haproxy_backends WHERE haproxy_id = $1`, haproxyID)
	if err != nil {
		return nil, translateErr("load haproxy backends", err)
	}
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return nil, translateErr("scan backend", err)
		}
		tree.BackendNames[id] = name
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srvRows, err := d.db.QueryContext(ctx,
		`SELECT `+haproxyServerColumns+` FROM haproxy_servers
		 WHERE backend_id IN (SELECT id FROM haproxy_backends WHERE haproxy_id = $1)`, haproxyID)
	if err != nil {
		return nil, translateErr("load haproxy servers", err)
	}
	defer srvRows.Close()
	for srvRows.Next() {
		s, err := scanHAProxyServer(srvRows)
		if err != nil {
			return nil, translateErr("scan haproxy server", err)
		}
		tree.Servers = append(tree.Servers, *s)
	}
	return tree, srvRows.Err()
}

// ApplyHAProxyDelta commits one HAProxy reconciliation batch atomically,
// creating backends on demand and tombstoning backends that vanished with
// all their members.
func (d *Database) ApplyHAProxyDelta(ctx context.Context, delta *reconciler.HAProxyDelta) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		backendIDs := map[string]int64{}
		ensureBackend := func(name string) (int64, error) {
			if id, ok := backendIDs[name]; ok {
				return id, nil
			}
			var id int64
			err := tx.QueryRowContext(ctx,
				`INSERT INTO haproxy_backends (haproxy_id, name) VALUES ($1, $2)
				 ON CONFLICT (haproxy_id, name) DO UPDATE SET removed_at = NULL
				 RETURNING id`, delta.HAProxyID, name).Scan(&id)
			if err != nil {
				return 0, translateErr("ensure backend", err)
			}
			backendIDs[name] = id
			return id, nil
		}

		observedBackends := make([]string, 0, 4)
		seenBackend := map[string]bool{}
		noteBackend := func(name string) {
			if !seenBackend[name] {
				seenBackend[name] = true
				observedBackends = append(observedBackends, name)
			}
		}

		for _, obs := range delta.Creates {
			noteBackend(obs.Backend)
			backendID, err := ensureBackend(obs.Backend)
			if err != nil {
				return err
			}
			const q = `INSERT INTO haproxy_servers
			    (backend_id, name, ip, port, status, weight, scur, smax, last_state_change, last_seen)
			    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			    ON CONFLICT (backend_id, name) DO UPDATE SET
			        ip=EXCLUDED.ip, port=EXCLUDED.port, status=EXCLUDED.status,
			        weight=EXCLUDED.weight, scur=EXCLUDED.scur, smax=EXCLUDED.smax,
			        last_state_change=EXCLUDED.last_state_change,
			        last_seen=EXCLUDED.last_seen, removed_at=NULL`
			if _, err := tx.ExecContext(ctx, q, backendID, obs.Name, obs.IP, obs.Port,
				model.ParseHAProxyStatus(obs.Status), obs.Weight, obs.CurrentSessions, obs.MaxSessions,
				obs.LastStateChange, delta.Now); err != nil {
				return translateErr("insert haproxy server", err)
			}
		}

		for _, up := range delta.Updates {
			noteBackend(up.Observed.Backend)
			if _, err := ensureBackend(up.Observed.Backend); err != nil {
				return err
			}
			const q = `UPDATE haproxy_servers SET
			    ip=$2, port=$3, status=$4, weight=$5, scur=$6, smax=$7,
			    last_state_change=$8, last_seen=$9, removed_at=NULL
			    WHERE id=$1`
			if _, err := tx.ExecContext(ctx, q, up.Prior.ID, up.Observed.IP, up.Observed.Port,
				model.ParseHAProxyStatus(up.Observed.Status), up.Observed.Weight,
				up.Observed.CurrentSessions, up.Observed.MaxSessions,
				up.Observed.LastStateChange, delta.Now); err != nil {
				return translateErr("update haproxy server", err)
			}
		}

		if len(delta.Tombstones) > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE haproxy_servers SET removed_at = $2 WHERE id = ANY($1) AND removed_at IS NULL`,
				pq.Array(delta.Tombstones), delta.Now); err != nil {
				return translateErr("tombstone haproxy servers", err)
			}
		}

		// backends absent from the observation lose their live flag along
		// with any members still live under them
		if _, err := tx.ExecContext(ctx,
			`UPDATE haproxy_backends SET removed_at = $3
			 WHERE haproxy_id = $1 AND removed_at IS NULL AND NOT (name = ANY($2))`,
			delta.HAProxyID, pq.Array(observedBackends), delta.Now); err != nil {
			return translateErr("tombstone backends", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE haproxy_servers SET removed_at = $2
			 WHERE removed_at IS NULL AND backend_id IN
			   (SELECT id FROM haproxy_backends WHERE haproxy_id = $1 AND removed_at IS NOT NULL)`,
			delta.HAProxyID, delta.Now); err != nil {
			return translateErr("tombstone orphan members", err)
		}

		for _, h := range delta.Statuses {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO haproxy_status_history (haproxy_server_id, old_status, new_status, changed_at)
				 VALUES ($1, $2, $3, $4)`,
				h.HAProxyServerID, h.OldStatus, h.NewStatus, h.ChangedAt); err != nil {
				return translateErr("insert haproxy status history", err)
			}
		}
		return nil
	})
}

// BackendName resolves a backend's name, used to address members in runner
// state bundles.
func (d *Database) BackendName(ctx context.Context, backendID int64) (string, error) {
	var name string
	if err := d.db.QueryRowContext(ctx, `SELECT name FROM haproxy_backends WHERE id = $1`, backendID).Scan(&name); err != nil {
		return "", translateErr("backend name", err)
	}
	return name, nil
}

// FindHAProxyServerByKey resolves a (backend, name) natural key under one
// HAProxy instance, used after delta apply to dispatch the mapping engine.
func (d *Database) FindHAProxyServerByKey(ctx context.Context, haproxyID int64, key string) (*model.HAProxyServer, error) {
	parts := strings.SplitN(key, "\x00", 2)
	if len(parts) != 2 {
		return nil, model.NewError(model.ErrInternal, "malformed haproxy server key %q", key)
	}
	const q = `SELECT ` + haproxyServerColumns + ` FROM haproxy_servers
	           WHERE backend_id IN (SELECT id FROM haproxy_backends WHERE haproxy_id = $1 AND name = $2)
	           AND name = $3`
	s, err := scanHAProxyServer(d.db.QueryRowContext(ctx, q, haproxyID, parts[0], parts[1]))
	if err != nil {
		return nil, translateErr("find haproxy server by key", err)
	}
	return s, nil
}

// SetHAProxyServerStatus is used by the drain phase after commanding a state
// change through the runner, so the inventory reflects it before the next
// collector cycle confirms it.
func (d *Database) SetHAProxyServerStatus(ctx context.Context, id int64, status model.HAProxyServerStatus, at time.Time) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		var old model.HAProxyServerStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM haproxy_servers WHERE id = $1 FOR UPDATE`, id).Scan(&old); err != nil {
			return translateErr("lock haproxy server", err)
		}
		if old == status {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE haproxy_servers SET status = $2 WHERE id = $1`, id, status); err != nil {
			return translateErr("set haproxy server status", err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO haproxy_status_history (haproxy_server_id, old_status, new_status, changed_at) VALUES ($1, $2, $3, $4)`,
			id, old, status, at)
		return translateErr("insert haproxy status history", err)
	})
}
