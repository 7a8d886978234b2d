package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

func (d *Database) CreateCatalogEntry(ctx context.Context, e *model.CatalogEntry) (*model.CatalogEntry, error) {
	const q = `INSERT INTO app_catalog (name, app_type, default_playbook, default_distr_url, distr_extension)
	           VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`
	out := *e
	err := d.db.QueryRowContext(ctx, q, e.Name, e.AppType, e.DefaultPlaybook, e.DefaultDistrURL, e.DistrExtension).
		Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, translateErr("create catalog entry", err)
	}
	return &out, nil
}

func (d *Database) ListCatalog(ctx context.Context) ([]model.CatalogEntry, error) {
	const q = `SELECT id, name, app_type, default_playbook, default_distr_url, distr_extension, created_at
	           FROM app_catalog ORDER BY name`
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return nil, translateErr("list catalog", err)
	}
	defer rows.Close()
	var out []model.CatalogEntry
	for rows.Next() {
		var e model.CatalogEntry
		if err := rows.Scan(&e.ID, &e.Name, &e.AppType, &e.DefaultPlaybook, &e.DefaultDistrURL, &e.DistrExtension, &e.CreatedAt); err != nil {
			return nil, translateErr("scan catalog entry", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetCatalogEntryByType returns the catalog entry matching an app type, or
// nil when the type is uncatalogued.
func (d *Database) GetCatalogEntryByType(ctx context.Context, appType string) (*model.CatalogEntry, error) {
	const q = `SELECT id, name, app_type, default_playbook, default_distr_url, distr_extension, created_at
	           FROM app_catalog WHERE app_type = $1 ORDER BY id LIMIT 1`
	var e model.CatalogEntry
	err := d.db.QueryRowContext(ctx, q, appType).
		Scan(&e.ID, &e.Name, &e.AppType, &e.DefaultPlaybook, &e.DefaultDistrURL, &e.DistrExtension, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, translateErr("get catalog entry", err)
	}
	return &e, nil
}

func (d *Database) UpdateCatalogEntry(ctx context.Context, id int64, playbook, distrURL, extension string) error {
	const q = `UPDATE app_catalog SET default_playbook = $2, default_distr_url = $3, distr_extension = $4 WHERE id = $1`
	res, err := d.db.ExecContext(ctx, q, id, playbook, distrURL, extension)
	if err != nil {
		return translateErr("update catalog entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(model.ErrNotFound, "catalog entry not found")
	}
	return nil
}

func (d *Database) CreateGroup(ctx context.Context, g *model.Group) (*model.Group, error) {
	if g.GroupingStrategy == "" {
		g.GroupingStrategy = model.GroupByGroup
	}
	const q = `INSERT INTO app_groups (name, distr_url, update_playbook, grouping_strategy)
	           VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	out := *g
	err := d.db.QueryRowContext(ctx, q, g.Name, g.DistrURL, g.UpdatePlaybook, g.GroupingStrategy).
		Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, translateErr("create group", err)
	}
	return &out, nil
}

func (d *Database) GetGroup(ctx context.Context, id int64) (*model.Group, error) {
	const q = `SELECT id, name, distr_url, update_playbook, grouping_strategy, created_at
	           FROM app_groups WHERE id = $1`
	var g model.Group
	err := d.db.QueryRowContext(ctx, q, id).
		Scan(&g.ID, &g.Name, &g.DistrURL, &g.UpdatePlaybook, &g.GroupingStrategy, &g.CreatedAt)
	if err != nil {
		return nil, translateErr("get group", err)
	}
	return &g, nil
}

func (d *Database) ListGroups(ctx context.Context) ([]model.Group, error) {
	const q = `SELECT id, name, distr_url, update_playbook, grouping_strategy, created_at
	           FROM app_groups ORDER BY name`
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return nil, translateErr("list groups", err)
	}
	defer rows.Close()
	var out []model.Group
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.DistrURL, &g.UpdatePlaybook, &g.GroupingStrategy, &g.CreatedAt); err != nil {
			return nil, translateErr("scan group", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (d *Database) UpdateGroup(ctx context.Context, id int64, distrURL, playbook string, strategy model.GroupingStrategy) error {
	const q = `UPDATE app_groups SET distr_url = $2, update_playbook = $3, grouping_strategy = $4 WHERE id = $1`
	res, err := d.db.ExecContext(ctx, q, id, distrURL, playbook, strategy)
	if err != nil {
		return translateErr("update group", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(model.ErrNotFound, "group not found")
	}
	return nil
}

// AssignInstanceToGroup moves an instance between groups; groupID nil detaches.
func (d *Database) AssignInstanceToGroup(ctx context.Context, instanceID int64, groupID *int64) error {
	const q = `UPDATE app_instances SET group_id = $2 WHERE id = $1 AND deleted_at IS NULL`
	res, err := d.db.ExecContext(ctx, q, instanceID, groupID)
	if err != nil {
		return translateErr("assign instance to group", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(model.ErrNotFound, "instance not found")
	}
	return nil
}

// GroupTag attaches a tag to a group so all member instances inherit it.
func (d *Database) GroupTag(ctx context.Context, groupID int64, tagName string) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		const ensure = `INSERT INTO tags (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`
		if _, err := tx.ExecContext(ctx, ensure, tagName); err != nil {
			return translateErr("ensure tag", err)
		}
		const attach = `INSERT INTO group_tags (group_id, tag_id)
		                SELECT $1, id FROM tags WHERE name = $2
		                ON CONFLICT DO NOTHING`
		if _, err := tx.ExecContext(ctx, attach, groupID, tagName); err != nil {
			return translateErr("attach group tag", err)
		}
		return nil
	})
}

func (d *Database) GroupUntag(ctx context.Context, groupID int64, tagName string) error {
	const q = `DELETE FROM group_tags WHERE group_id = $1 AND tag_id = (SELECT id FROM tags WHERE name = $2)`
	if _, err := d.db.ExecContext(ctx, q, groupID, tagName); err != nil {
		return translateErr("detach group tag", err)
	}
	return nil
}
