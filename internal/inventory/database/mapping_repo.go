package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

const mappingColumns = `id, instance_id, entity_type, entity_id, is_manual, mapped_by, notes, created_at, updated_at, removed_at`

func scanMapping(row interface{ Scan(...any) error }) (*model.Mapping, error) {
	var m model.Mapping
	if err := row.Scan(&m.ID, &m.InstanceID, &m.EntityType, &m.EntityID, &m.IsManual,
		&m.MappedBy, &m.Notes, &m.CreatedAt, &m.UpdatedAt, &m.RemovedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *Database) ListMappingsForInstance(ctx context.Context, instanceID int64) ([]model.Mapping, error) {
	const q = `SELECT ` + mappingColumns + ` FROM application_mappings
	           WHERE instance_id = $1 AND removed_at IS NULL ORDER BY id`
	rows, err := d.db.QueryContext(ctx, q, instanceID)
	if err != nil {
		return nil, translateErr("list mappings", err)
	}
	defer rows.Close()
	var out []model.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, translateErr("scan mapping", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// GetLiveMappingForEntity returns the live mapping that routes an external
// entity, or nil when unmapped.
func (d *Database) GetLiveMappingForEntity(ctx context.Context, entityType model.MappedEntityType, entityID int64) (*model.Mapping, error) {
	const q = `SELECT ` + mappingColumns + ` FROM application_mappings
	           WHERE entity_type = $1 AND entity_id = $2 AND removed_at IS NULL`
	m, err := scanMapping(d.db.QueryRowContext(ctx, q, entityType, entityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, translateErr("get mapping for entity", err)
	}
	return m, nil
}

// CreateMapping inserts (or revives) a mapping and its mandatory history row
// in one transaction. A live conflicting row surfaces as ErrConflict.
func (d *Database) CreateMapping(ctx context.Context, m *model.Mapping, reason model.MappingReason, actor string) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		// revive the soft-deleted twin if the same triple existed before
		var revivedID int64
		err := tx.QueryRowContext(ctx,
			`UPDATE application_mappings SET removed_at = NULL, is_manual = $4, mapped_by = $5, notes = $6, updated_at = now()
			 WHERE instance_id = $1 AND entity_type = $2 AND entity_id = $3 AND removed_at IS NOT NULL
			 RETURNING id`,
			m.InstanceID, m.EntityType, m.EntityID, m.IsManual, m.MappedBy, m.Notes).Scan(&revivedID)
		switch {
		case err == nil:
			m.ID = revivedID
		case errors.Is(err, sql.ErrNoRows):
			err = tx.QueryRowContext(ctx,
				`INSERT INTO application_mappings (instance_id, entity_type, entity_id, is_manual, mapped_by, notes)
				 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at, updated_at`,
				m.InstanceID, m.EntityType, m.EntityID, m.IsManual, m.MappedBy, m.Notes).
				Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
			if err != nil {
				return translateErr("create mapping", err)
			}
		default:
			return translateErr("revive mapping", err)
		}

		return insertMappingHistory(ctx, tx, &model.MappingHistory{
			InstanceID: &m.InstanceID,
			EntityType: m.EntityType,
			EntityID:   m.EntityID,
			Action:     "created",
			Reason:     reason,
			Actor:      actor,
			Notes:      m.Notes,
			ChangedAt:  time.Now(),
		})
	})
}

// RemoveMapping soft-deletes the live mapping of an entity and records the
// removal. Removing a non-existent mapping is ErrNotFound.
func (d *Database) RemoveMapping(ctx context.Context, entityType model.MappedEntityType, entityID int64, reason model.MappingReason, actor string) (*model.Mapping, error) {
	var removed *model.Mapping
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`UPDATE application_mappings SET removed_at = now(), updated_at = now()
			 WHERE entity_type = $1 AND entity_id = $2 AND removed_at IS NULL
			 RETURNING `+mappingColumns,
			entityType, entityID)
		m, err := scanMapping(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.NewError(model.ErrNotFound, "no live mapping for %s %d", entityType, entityID)
			}
			return translateErr("remove mapping", err)
		}
		removed = m

		return insertMappingHistory(ctx, tx, &model.MappingHistory{
			InstanceID: &m.InstanceID,
			EntityType: entityType,
			EntityID:   entityID,
			Action:     "removed",
			Reason:     reason,
			Actor:      actor,
			ChangedAt:  time.Now(),
		})
	})
	return removed, err
}

// RecordMappingSkip appends a history row for a resolution that created
// nothing, e.g. an ambiguous candidate set.
func (d *Database) RecordMappingSkip(ctx context.Context, entityType model.MappedEntityType, entityID int64, reason model.MappingReason, notes string) error {
	return insertMappingHistory(ctx, d.db, &model.MappingHistory{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     "skipped",
		Reason:     reason,
		Actor:      "mapper",
		Notes:      notes,
		ChangedAt:  time.Now(),
	})
}

func insertMappingHistory(ctx context.Context, q Querier, h *model.MappingHistory) error {
	const insert = `INSERT INTO mapping_history (instance_id, entity_type, entity_id, action, reason, actor, notes, changed_at)
	                VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := q.ExecContext(ctx, insert, h.InstanceID, h.EntityType, h.EntityID, h.Action, h.Reason, h.Actor, h.Notes, h.ChangedAt)
	return translateErr("insert mapping history", err)
}

func (d *Database) ListMappingHistory(ctx context.Context, entityType model.MappedEntityType, entityID int64, limit int) ([]model.MappingHistory, error) {
	const q = `SELECT id, instance_id, entity_type, entity_id, action, reason, actor, notes, changed_at
	           FROM mapping_history
	           WHERE entity_type = $1 AND entity_id = $2
	           ORDER BY changed_at DESC, id DESC LIMIT $3`
	rows, err := d.db.QueryContext(ctx, q, entityType, entityID, limit)
	if err != nil {
		return nil, translateErr("list mapping history", err)
	}
	defer rows.Close()
	var out []model.MappingHistory
	for rows.Next() {
		var h model.MappingHistory
		if err := rows.Scan(&h.ID, &h.InstanceID, &h.EntityType, &h.EntityID, &h.Action,
			&h.Reason, &h.Actor, &h.Notes, &h.ChangedAt); err != nil {
			return nil, translateErr("scan mapping history", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LastManualUnmap returns when an operator last removed a mapping for the
// entity, for the sticky-window check when redis is unavailable.
func (d *Database) LastManualUnmap(ctx context.Context, entityType model.MappedEntityType, entityID int64) (*time.Time, error) {
	const q = `SELECT changed_at FROM mapping_history
	           WHERE entity_type = $1 AND entity_id = $2 AND action = 'removed' AND reason = 'operator_unmap'
	           ORDER BY changed_at DESC LIMIT 1`
	var at time.Time
	err := d.db.QueryRowContext(ctx, q, entityType, entityID).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, translateErr("last manual unmap", err)
	}
	return &at, nil
}

// RemoveMappingsForEntity tombstones auto mappings whose external entity
// disappeared. Manual mappings survive reconciliation.
func (d *Database) RemoveMappingsForEntity(ctx context.Context, entityType model.MappedEntityType, entityID int64) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`UPDATE application_mappings SET removed_at = now(), updated_at = now()
			 WHERE entity_type = $1 AND entity_id = $2 AND removed_at IS NULL AND NOT is_manual
			 RETURNING instance_id`, entityType, entityID)
		if err != nil {
			return translateErr("remove entity mappings", err)
		}
		var instanceIDs []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return translateErr("scan instance id", err)
			}
			instanceIDs = append(instanceIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, instanceID := range instanceIDs {
			id := instanceID
			if err := insertMappingHistory(ctx, tx, &model.MappingHistory{
				InstanceID: &id,
				EntityType: entityType,
				EntityID:   entityID,
				Action:     "removed",
				Reason:     model.ReasonEntityDisappeared,
				Actor:      "reconciler",
				ChangedAt:  time.Now(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
