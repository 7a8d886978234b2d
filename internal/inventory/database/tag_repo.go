package database

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/opsforge/fleetd/internal/inventory/model"
)

func (d *Database) ListTags(ctx context.Context) ([]model.Tag, error) {
	const q = `SELECT id, name, is_system FROM tags ORDER BY name`
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return nil, translateErr("list tags", err)
	}
	defer rows.Close()
	var out []model.Tag
	for rows.Next() {
		var t model.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.IsSystem); err != nil {
			return nil, translateErr("scan tag", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InstanceTags returns the instance's own tags plus the tags inherited from
// its group. Inherited tags are display/filter-only and stay physically on
// the group.
func (d *Database) InstanceTags(ctx context.Context, instanceID int64) (own, inherited []model.Tag, err error) {
	const ownQ = `SELECT t.id, t.name, t.is_system FROM tags t
	              JOIN instance_tags it ON it.tag_id = t.id
	              WHERE it.instance_id = $1 ORDER BY t.name`
	rows, err := d.db.QueryContext(ctx, ownQ, instanceID)
	if err != nil {
		return nil, nil, translateErr("instance tags", err)
	}
	for rows.Next() {
		var t model.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.IsSystem); err != nil {
			rows.Close()
			return nil, nil, translateErr("scan tag", err)
		}
		own = append(own, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	const inheritedQ = `SELECT t.id, t.name, t.is_system FROM tags t
	                    JOIN group_tags gt ON gt.tag_id = t.id
	                    JOIN app_instances i ON i.group_id = gt.group_id
	                    WHERE i.id = $1 ORDER BY t.name`
	rows, err = d.db.QueryContext(ctx, inheritedQ, instanceID)
	if err != nil {
		return nil, nil, translateErr("inherited tags", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t model.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.IsSystem); err != nil {
			return nil, nil, translateErr("scan tag", err)
		}
		inherited = append(inherited, t)
	}
	return own, inherited, rows.Err()
}

// HasTag reports whether the instance carries the named tag, either directly
// or through its group. Used for the orchestrator's lock checks.
func (d *Database) HasTag(ctx context.Context, instanceID int64, tagName string) (bool, error) {
	const q = `SELECT EXISTS (
	    SELECT 1 FROM instance_tags it JOIN tags t ON t.id = it.tag_id
	    WHERE it.instance_id = $1 AND t.name = $2
	    UNION
	    SELECT 1 FROM group_tags gt JOIN tags t ON t.id = gt.tag_id
	    JOIN app_instances i ON i.group_id = gt.group_id
	    WHERE i.id = $1 AND t.name = $2
	)`
	var exists bool
	if err := d.db.QueryRowContext(ctx, q, instanceID, tagName).Scan(&exists); err != nil {
		return false, translateErr("has tag", err)
	}
	return exists, nil
}

// TagAssignResult reports the outcome for one instance of a bulk operation.
type TagAssignResult struct {
	InstanceID int64  `json:"instance_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// BulkAssignTags adds or removes the named tags on each instance, creating
// tags on first use. System tags may not be hand-removed. Per-item failures
// never abort the batch.
func (d *Database) BulkAssignTags(ctx context.Context, instanceIDs []int64, tagNames []string, add bool, actor string) ([]TagAssignResult, error) {
	results := make([]TagAssignResult, 0, len(instanceIDs))
	for _, instanceID := range instanceIDs {
		err := d.WithTx(ctx, func(tx *sql.Tx) error {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM app_instances WHERE id = $1 AND deleted_at IS NULL)`,
				instanceID).Scan(&exists); err != nil {
				return translateErr("check instance", err)
			}
			if !exists {
				return model.NewError(model.ErrNotFound, "instance %d not found", instanceID)
			}
			for _, name := range tagNames {
				if add {
					if err := addTagTx(ctx, tx, instanceID, name, actor); err != nil {
						return err
					}
				} else {
					if err := removeTagTx(ctx, tx, instanceID, name, actor); err != nil {
						return err
					}
				}
			}
			return nil
		})
		result := TagAssignResult{InstanceID: instanceID, Success: err == nil}
		if err != nil {
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results, nil
}

func addTagTx(ctx context.Context, tx *sql.Tx, instanceID int64, name, actor string) error {
	var tagID int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO tags (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`, name).Scan(&tagID)
	if err != nil {
		return translateErr("ensure tag", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO instance_tags (instance_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		instanceID, tagID)
	if err != nil {
		return translateErr("attach tag", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // already attached, no history row
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tag_history (instance_id, tag_name, action, actor) VALUES ($1, $2, 'added', $3)`,
		instanceID, name, actor)
	return translateErr("tag history", err)
}

func removeTagTx(ctx context.Context, tx *sql.Tx, instanceID int64, name, actor string) error {
	var tagID int64
	var isSystem bool
	err := tx.QueryRowContext(ctx, `SELECT id, is_system FROM tags WHERE name = $1`, name).Scan(&tagID, &isSystem)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return translateErr("lookup tag", err)
	}
	if isSystem {
		return model.NewError(model.ErrPreconditionFailed, "tag %s is a system tag", name)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM instance_tags WHERE instance_id = $1 AND tag_id = $2`, instanceID, tagID)
	if err != nil {
		return translateErr("detach tag", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tag_history (instance_id, tag_name, action, actor) VALUES ($1, $2, 'removed', $3)`,
		instanceID, name, actor)
	return translateErr("tag history", err)
}

// SetSystemTag attaches or detaches a system-owned tag, bypassing the
// is_system guard. Only internal components call this.
func (d *Database) SetSystemTag(ctx context.Context, instanceID int64, name string, attach bool) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		var tagID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO tags (name, is_system) VALUES ($1, TRUE)
			 ON CONFLICT (name) DO UPDATE SET is_system = TRUE
			 RETURNING id`, name).Scan(&tagID)
		if err != nil {
			return translateErr("ensure system tag", err)
		}
		if attach {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO instance_tags (instance_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				instanceID, tagID)
		} else {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM instance_tags WHERE instance_id = $1 AND tag_id = $2`, instanceID, tagID)
		}
		return translateErr("set system tag", err)
	})
}

// TagsForInstances returns tag names per instance in one query, for list
// rendering.
func (d *Database) TagsForInstances(ctx context.Context, instanceIDs []int64) (map[int64][]string, error) {
	const q = `SELECT it.instance_id, t.name FROM instance_tags it
	           JOIN tags t ON t.id = it.tag_id
	           WHERE it.instance_id = ANY($1)
	           ORDER BY t.name`
	rows, err := d.db.QueryContext(ctx, q, pq.Array(instanceIDs))
	if err != nil {
		return nil, translateErr("tags for instances", err)
	}
	defer rows.Close()
	out := map[int64][]string{}
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, translateErr("scan tag name", err)
		}
		out[id] = append(out[id], name)
	}
	return out, rows.Err()
}
