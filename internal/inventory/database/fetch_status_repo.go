package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

// RecordFetchStatus upserts the per-endpoint poll outcome. The
// consecutive_failures counter resets on ok and increments otherwise; the
// new counter value is returned so the collector can apply its threshold.
func (d *Database) RecordFetchStatus(ctx context.Context, source model.FetchSource, endpointID int64, status, errMsg string, at time.Time) (int, error) {
	const q = `INSERT INTO fetch_status (source, endpoint_id, status, error, attempted_at, consecutive_failures)
	           VALUES ($1, $2, $3, $4, $5, CASE WHEN $3 = 'ok' THEN 0 ELSE 1 END)
	           ON CONFLICT (source, endpoint_id) DO UPDATE SET
	               status = EXCLUDED.status,
	               error = EXCLUDED.error,
	               attempted_at = EXCLUDED.attempted_at,
	               consecutive_failures = CASE WHEN EXCLUDED.status = 'ok' THEN 0
	                                           ELSE fetch_status.consecutive_failures + 1 END
	           RETURNING consecutive_failures`
	var failures int
	if err := d.db.QueryRowContext(ctx, q, source, endpointID, status, errMsg, at).Scan(&failures); err != nil {
		return 0, translateErr("record fetch status", err)
	}
	return failures, nil
}

func (d *Database) GetFetchStatus(ctx context.Context, source model.FetchSource, endpointID int64) (*model.FetchStatus, error) {
	const q = `SELECT source, endpoint_id, status, error, attempted_at, consecutive_failures
	           FROM fetch_status WHERE source = $1 AND endpoint_id = $2`
	var fs model.FetchStatus
	err := d.db.QueryRowContext(ctx, q, source, endpointID).
		Scan(&fs.Source, &fs.EndpointID, &fs.Status, &fs.Error, &fs.AttemptedAt, &fs.ConsecutiveFailures)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, translateErr("get fetch status", err)
	}
	return &fs, nil
}

func (d *Database) ListFetchStatuses(ctx context.Context, source model.FetchSource) ([]model.FetchStatus, error) {
	const q = `SELECT source, endpoint_id, status, error, attempted_at, consecutive_failures
	           FROM fetch_status WHERE source = $1 ORDER BY endpoint_id`
	rows, err := d.db.QueryContext(ctx, q, source)
	if err != nil {
		return nil, translateErr("list fetch statuses", err)
	}
	defer rows.Close()
	var out []model.FetchStatus
	for rows.Next() {
		var fs model.FetchStatus
		if err := rows.Scan(&fs.Source, &fs.EndpointID, &fs.Status, &fs.Error, &fs.AttemptedAt, &fs.ConsecutiveFailures); err != nil {
			return nil, translateErr("scan fetch status", err)
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}
