package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog/log"
)

// durationToPgInterval converts a Go duration into a Postgres interval value,
// splitting whole days out of the microsecond component.
func durationToPgInterval(d time.Duration) pgtype.Interval {
	days := int32(d / (24 * time.Hour))
	rem := d % (24 * time.Hour)
	return pgtype.Interval{
		Microseconds: rem.Microseconds(),
		Days:         days,
		Valid:        true,
	}
}

// pgIntervalToDuration converts a Postgres interval back to a duration.
// Month components have no fixed length and are rejected.
func pgIntervalToDuration(iv pgtype.Interval) (time.Duration, error) {
	if !iv.Valid {
		return 0, fmt.Errorf("interval is not valid")
	}
	if iv.Months != 0 {
		return 0, fmt.Errorf("interval with months cannot be converted to a duration")
	}
	return time.Duration(iv.Days)*24*time.Hour + time.Duration(iv.Microseconds)*time.Microsecond, nil
}

// PurgeResult counts hard-deleted rows per table.
type PurgeResult struct {
	Instances       int64
	HAProxyServers  int64
	HAProxyBackends int64
	EurekaInstances int64
	EurekaApps      int64
	Mappings        int64
}

// PurgeTombstones hard-deletes soft-deleted rows older than retention.
// History rows survive through ON DELETE SET NULL; mapping tombstones are
// removed on the same schedule so a purged entity cannot be revived into a
// stale mapping. Rows still referenced by a live mapping, typically a manual
// one pinning a vanished entity, are exempt until that mapping goes.
func (d *Database) PurgeTombstones(ctx context.Context, retention time.Duration) (PurgeResult, error) {
	var res PurgeResult
	iv := durationToPgInterval(retention)

	steps := []struct {
		name  string
		query string
		count *int64
	}{
		{"mappings", `DELETE FROM application_mappings WHERE removed_at IS NOT NULL AND removed_at < now() - $1::interval`, &res.Mappings},
		{"instances", `DELETE FROM app_instances WHERE deleted_at IS NOT NULL AND deleted_at < now() - $1::interval
		               AND NOT EXISTS (SELECT 1 FROM application_mappings m
		                               WHERE m.removed_at IS NULL AND m.instance_id = app_instances.id)`, &res.Instances},
		{"haproxy servers", `DELETE FROM haproxy_servers WHERE removed_at IS NOT NULL AND removed_at < now() - $1::interval
		                     AND NOT EXISTS (SELECT 1 FROM application_mappings m
		                                     WHERE m.removed_at IS NULL AND m.entity_type = 'haproxy_server' AND m.entity_id = haproxy_servers.id)`, &res.HAProxyServers},
		{"haproxy backends", `DELETE FROM haproxy_backends WHERE removed_at IS NOT NULL AND removed_at < now() - $1::interval
		                      AND NOT EXISTS (SELECT 1 FROM haproxy_servers s WHERE s.backend_id = haproxy_backends.id)`, &res.HAProxyBackends},
		{"eureka instances", `DELETE FROM eureka_instances WHERE removed_at IS NOT NULL AND removed_at < now() - $1::interval
		                      AND NOT EXISTS (SELECT 1 FROM application_mappings m
		                                      WHERE m.removed_at IS NULL AND m.entity_type = 'eureka_instance' AND m.entity_id = eureka_instances.id)`, &res.EurekaInstances},
		{"eureka applications", `DELETE FROM eureka_applications WHERE removed_at IS NOT NULL AND removed_at < now() - $1::interval
		                         AND NOT EXISTS (SELECT 1 FROM eureka_instances i WHERE i.application_id = eureka_applications.id)`, &res.EurekaApps},
	}
	for _, step := range steps {
		r, err := d.db.ExecContext(ctx, step.query, iv)
		if err != nil {
			return res, translateErr("purge "+step.name, err)
		}
		n, _ := r.RowsAffected()
		*step.count = n
	}
	return res, nil
}

// RunPurgeLoop purges on a fixed interval until the context ends.
func (d *Database) RunPurgeLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := d.PurgeTombstones(ctx, retention)
			if err != nil {
				log.Error().Err(err).Msg("tombstone purge failed")
				continue
			}
			total := res.Instances + res.HAProxyServers + res.HAProxyBackends +
				res.EurekaInstances + res.EurekaApps + res.Mappings
			if total > 0 {
				log.Info().
					Int64("instances", res.Instances).
					Int64("haproxy_servers", res.HAProxyServers).
					Int64("eureka_instances", res.EurekaInstances).
					Int64("mappings", res.Mappings).
					Msg("purged expired tombstones")
			}
		}
	}
}
