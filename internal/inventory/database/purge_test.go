package database

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

func TestDurationToPgInterval(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected pgtype.Interval
	}{
		{
			name:     "zero duration",
			duration: 0,
			expected: pgtype.Interval{Valid: true},
		},
		{
			name:     "1 second",
			duration: time.Second,
			expected: pgtype.Interval{Microseconds: 1000000, Valid: true},
		},
		{
			name:     "1 hour",
			duration: time.Hour,
			expected: pgtype.Interval{Microseconds: 3600000000, Valid: true},
		},
		{
			name:     "1 day splits into days component",
			duration: 24 * time.Hour,
			expected: pgtype.Interval{Days: 1, Valid: true},
		},
		{
			name:     "30 day retention",
			duration: 720 * time.Hour,
			expected: pgtype.Interval{Days: 30, Valid: true},
		},
		{
			name:     "day plus remainder",
			duration: 25*time.Hour + time.Second,
			expected: pgtype.Interval{Microseconds: 3601000000, Days: 1, Valid: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := durationToPgInterval(tt.duration)
			if got != tt.expected {
				t.Errorf("durationToPgInterval() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPgIntervalToDuration(t *testing.T) {
	tests := []struct {
		name        string
		interval    pgtype.Interval
		expected    time.Duration
		expectError bool
	}{
		{
			name:     "microseconds only",
			interval: pgtype.Interval{Microseconds: 1000000, Valid: true},
			expected: time.Second,
		},
		{
			name:     "days only",
			interval: pgtype.Interval{Days: 1, Valid: true},
			expected: 24 * time.Hour,
		},
		{
			name:     "days and microseconds",
			interval: pgtype.Interval{Microseconds: 1000000, Days: 1, Valid: true},
			expected: 24*time.Hour + time.Second,
		},
		{
			name:        "months are rejected",
			interval:    pgtype.Interval{Months: 1, Valid: true},
			expectError: true,
		},
		{
			name:        "invalid interval is rejected",
			interval:    pgtype.Interval{},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pgIntervalToDuration(tt.interval)
			if tt.expectError {
				if err == nil {
					t.Fatalf("pgIntervalToDuration() expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("pgIntervalToDuration() unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("pgIntervalToDuration() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestIntervalRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{0, time.Minute, 6 * time.Hour, 24 * time.Hour, 720*time.Hour + 30*time.Minute} {
		back, err := pgIntervalToDuration(durationToPgInterval(d))
		if err != nil {
			t.Fatalf("round trip %v: %v", d, err)
		}
		if back != d {
			t.Errorf("round trip %v: got %v", d, back)
		}
	}
}

func testDatabase(t *testing.T) *Database {
	t.Helper()
	dsn := os.Getenv("FLEETD_TEST_DSN")
	if dsn == "" {
		t.Skip("FLEETD_TEST_DSN not set")
	}
	db, err := New(dsn)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	if err := db.EnsureSchema(context.Background()); err != nil {
		db.Close()
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestPurgeKeepsLiveMappedTombstones(t *testing.T) {
	db := testDatabase(t)
	defer db.Close()
	ctx := context.Background()

	name := fmt.Sprintf("purge-keep-%d", time.Now().UnixNano())
	var serverID int64
	if err := db.DB().QueryRowContext(ctx,
		`INSERT INTO servers (name, ip) VALUES ($1, '10.9.9.9') RETURNING id`, name).Scan(&serverID); err != nil {
		t.Fatalf("insert server: %v", err)
	}
	defer db.DB().ExecContext(ctx, `DELETE FROM servers WHERE id = $1`, serverID)

	var instanceID int64
	if err := db.DB().QueryRowContext(ctx,
		`INSERT INTO app_instances (server_id, instance_name, app_type, deleted_at)
		 VALUES ($1, $2, 'tomcat', now() - interval '60 days') RETURNING id`, serverID, name).Scan(&instanceID); err != nil {
		t.Fatalf("insert instance: %v", err)
	}

	haproxyID, err := db.EnsureHAProxyInstance(ctx, serverID, name)
	if err != nil {
		t.Fatalf("ensure haproxy instance: %v", err)
	}
	defer db.DB().ExecContext(ctx, `DELETE FROM haproxy_instances WHERE id = $1`, haproxyID)
	var backendID, memberID int64
	if err := db.DB().QueryRowContext(ctx,
		`INSERT INTO haproxy_backends (haproxy_id, name) VALUES ($1, $2) RETURNING id`, haproxyID, name).Scan(&backendID); err != nil {
		t.Fatalf("insert backend: %v", err)
	}
	if err := db.DB().QueryRowContext(ctx,
		`INSERT INTO haproxy_servers (backend_id, name, removed_at)
		 VALUES ($1, $2, now() - interval '60 days') RETURNING id`, backendID, name).Scan(&memberID); err != nil {
		t.Fatalf("insert haproxy server: %v", err)
	}

	m := &model.Mapping{InstanceID: instanceID, EntityType: model.EntityHAProxyServer, EntityID: memberID, IsManual: true, MappedBy: "operator"}
	if err := db.CreateMapping(ctx, m, model.ReasonManual, "operator"); err != nil {
		t.Fatalf("create mapping: %v", err)
	}

	rowCount := func(query string, id int64) int {
		t.Helper()
		var n int
		if err := db.DB().QueryRowContext(ctx, query, id).Scan(&n); err != nil {
			t.Fatalf("count: %v", err)
		}
		return n
	}

	// both sides of a live mapping survive purge despite their age
	if _, err := db.PurgeTombstones(ctx, 720*time.Hour); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n := rowCount(`SELECT count(*) FROM app_instances WHERE id = $1`, instanceID); n != 1 {
		t.Errorf("mapped instance tombstone purged, want kept")
	}
	if n := rowCount(`SELECT count(*) FROM haproxy_servers WHERE id = $1`, memberID); n != 1 {
		t.Errorf("mapped haproxy server tombstone purged, want kept")
	}

	// once the mapping is removed the next purge clears them
	if _, err := db.RemoveMapping(ctx, model.EntityHAProxyServer, memberID, model.ReasonOperatorUnmap, "operator"); err != nil {
		t.Fatalf("remove mapping: %v", err)
	}
	if _, err := db.PurgeTombstones(ctx, 720*time.Hour); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n := rowCount(`SELECT count(*) FROM app_instances WHERE id = $1`, instanceID); n != 0 {
		t.Errorf("unmapped instance tombstone kept, want purged")
	}
	if n := rowCount(`SELECT count(*) FROM haproxy_servers WHERE id = $1`, memberID); n != 0 {
		t.Errorf("unmapped haproxy server tombstone kept, want purged")
	}
}
