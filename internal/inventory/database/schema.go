package database

import (
	"context"
	"fmt"
)

// schemaVersion must match the fleet_schema_version row in the target
// database. A mismatch is fatal at startup; after startup no schema change
// happens at runtime.
const schemaVersion = 1

// Schema is the full relational model. History tables are append-only and
// indexed by (entity_id, changed_at). Foreign keys cascade on parent delete
// except where retention demands SET NULL (tag history, mapping history).
const Schema = `
CREATE TABLE IF NOT EXISTS fleet_schema_version (
    version INT NOT NULL
);

CREATE TABLE IF NOT EXISTS servers (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    ip TEXT NOT NULL,
    agent_port INT NOT NULL DEFAULT 0,
    last_check TIMESTAMPTZ,
    status TEXT NOT NULL DEFAULT 'unknown',
    is_haproxy_node BOOLEAN NOT NULL DEFAULT FALSE,
    is_eureka_node BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS app_catalog (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    app_type TEXT NOT NULL,
    default_playbook TEXT NOT NULL DEFAULT '',
    default_distr_url TEXT NOT NULL DEFAULT '',
    distr_extension TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS app_groups (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    distr_url TEXT NOT NULL DEFAULT '',
    update_playbook TEXT NOT NULL DEFAULT '',
    grouping_strategy TEXT NOT NULL DEFAULT 'by_group',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS app_instances (
    id BIGSERIAL PRIMARY KEY,
    server_id BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    instance_name TEXT NOT NULL,
    app_type TEXT NOT NULL,
    catalog_id BIGINT REFERENCES app_catalog(id) ON DELETE SET NULL,
    group_id BIGINT REFERENCES app_groups(id) ON DELETE SET NULL,
    status TEXT NOT NULL DEFAULT '',
    version TEXT NOT NULL DEFAULT '',
    pid INT NOT NULL DEFAULT 0,
    start_time TIMESTAMPTZ,
    ip TEXT NOT NULL DEFAULT '',
    port INT NOT NULL DEFAULT 0,
    home_path TEXT NOT NULL DEFAULT '',
    log_path TEXT NOT NULL DEFAULT '',
    container_id TEXT NOT NULL DEFAULT '',
    container_image TEXT NOT NULL DEFAULT '',
    container_tag TEXT NOT NULL DEFAULT '',
    eureka_registered BOOLEAN NOT NULL DEFAULT FALSE,
    eureka_url TEXT NOT NULL DEFAULT '',
    custom_playbook TEXT NOT NULL DEFAULT '',
    custom_distr_url TEXT NOT NULL DEFAULT '',
    last_seen TIMESTAMPTZ,
    deleted_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (server_id, instance_name, app_type)
);
CREATE INDEX IF NOT EXISTS idx_app_instances_live ON app_instances (server_id) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS tags (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    is_system BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS instance_tags (
    instance_id BIGINT NOT NULL REFERENCES app_instances(id) ON DELETE CASCADE,
    tag_id BIGINT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (instance_id, tag_id)
);

CREATE TABLE IF NOT EXISTS group_tags (
    group_id BIGINT NOT NULL REFERENCES app_groups(id) ON DELETE CASCADE,
    tag_id BIGINT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (group_id, tag_id)
);

CREATE TABLE IF NOT EXISTS haproxy_instances (
    id BIGSERIAL PRIMARY KEY,
    server_id BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    removed_at TIMESTAMPTZ,
    UNIQUE (server_id, name)
);

CREATE TABLE IF NOT EXISTS haproxy_backends (
    id BIGSERIAL PRIMARY KEY,
    haproxy_id BIGINT NOT NULL REFERENCES haproxy_instances(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    removed_at TIMESTAMPTZ,
    UNIQUE (haproxy_id, name)
);

CREATE TABLE IF NOT EXISTS haproxy_servers (
    id BIGSERIAL PRIMARY KEY,
    backend_id BIGINT NOT NULL REFERENCES haproxy_backends(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    ip TEXT NOT NULL DEFAULT '',
    port INT NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'UNKNOWN',
    weight INT NOT NULL DEFAULT 0,
    scur INT NOT NULL DEFAULT 0,
    smax INT NOT NULL DEFAULT 0,
    last_state_change INT NOT NULL DEFAULT 0,
    last_seen TIMESTAMPTZ,
    removed_at TIMESTAMPTZ,
    UNIQUE (backend_id, name)
);

CREATE TABLE IF NOT EXISTS eureka_servers (
    id BIGSERIAL PRIMARY KEY,
    url TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    removed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS eureka_applications (
    id BIGSERIAL PRIMARY KEY,
    eureka_server_id BIGINT NOT NULL REFERENCES eureka_servers(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    removed_at TIMESTAMPTZ,
    UNIQUE (eureka_server_id, name)
);

CREATE TABLE IF NOT EXISTS eureka_instances (
    id BIGSERIAL PRIMARY KEY,
    application_id BIGINT NOT NULL REFERENCES eureka_applications(id) ON DELETE CASCADE,
    instance_id TEXT NOT NULL,
    ip TEXT NOT NULL DEFAULT '',
    port INT NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'UNKNOWN',
    last_heartbeat TIMESTAMPTZ,
    metadata JSONB,
    last_seen TIMESTAMPTZ,
    removed_at TIMESTAMPTZ,
    UNIQUE (application_id, instance_id)
);

CREATE TABLE IF NOT EXISTS application_mappings (
    id BIGSERIAL PRIMARY KEY,
    instance_id BIGINT NOT NULL REFERENCES app_instances(id) ON DELETE CASCADE,
    entity_type TEXT NOT NULL,
    entity_id BIGINT NOT NULL,
    is_manual BOOLEAN NOT NULL DEFAULT FALSE,
    mapped_by TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    removed_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_live
    ON application_mappings (instance_id, entity_type, entity_id)
    WHERE removed_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_entity_live
    ON application_mappings (entity_type, entity_id)
    WHERE removed_at IS NULL;

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    params JSONB NOT NULL DEFAULT '{}'::jsonb,
    server_id BIGINT REFERENCES servers(id) ON DELETE SET NULL,
    group_id BIGINT REFERENCES app_groups(id) ON DELETE SET NULL,
    instance_ids BIGINT[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    result TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    progress JSONB,
    runner_pid INT NOT NULL DEFAULT 0,
    cancelled BOOLEAN NOT NULL DEFAULT FALSE,
    idempotency_key TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks (idempotency_key, group_id, server_id) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS fetch_status (
    source TEXT NOT NULL,
    endpoint_id BIGINT NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    attempted_at TIMESTAMPTZ NOT NULL,
    consecutive_failures INT NOT NULL DEFAULT 0,
    PRIMARY KEY (source, endpoint_id)
);

CREATE TABLE IF NOT EXISTS version_history (
    id BIGSERIAL PRIMARY KEY,
    instance_id BIGINT REFERENCES app_instances(id) ON DELETE SET NULL,
    old_version TEXT NOT NULL DEFAULT '',
    new_version TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_version_history ON version_history (instance_id, changed_at);

CREATE TABLE IF NOT EXISTS tag_history (
    id BIGSERIAL PRIMARY KEY,
    instance_id BIGINT REFERENCES app_instances(id) ON DELETE SET NULL,
    tag_name TEXT NOT NULL,
    action TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tag_history ON tag_history (instance_id, changed_at);

CREATE TABLE IF NOT EXISTS haproxy_status_history (
    id BIGSERIAL PRIMARY KEY,
    haproxy_server_id BIGINT REFERENCES haproxy_servers(id) ON DELETE SET NULL,
    old_status TEXT NOT NULL DEFAULT '',
    new_status TEXT NOT NULL DEFAULT '',
    changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_haproxy_status_history ON haproxy_status_history (haproxy_server_id, changed_at);

CREATE TABLE IF NOT EXISTS eureka_status_history (
    id BIGSERIAL PRIMARY KEY,
    eureka_instance_id BIGINT REFERENCES eureka_instances(id) ON DELETE SET NULL,
    old_status TEXT NOT NULL DEFAULT '',
    new_status TEXT NOT NULL DEFAULT '',
    changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_eureka_status_history ON eureka_status_history (eureka_instance_id, changed_at);

CREATE TABLE IF NOT EXISTS mapping_history (
    id BIGSERIAL PRIMARY KEY,
    instance_id BIGINT REFERENCES app_instances(id) ON DELETE SET NULL,
    entity_type TEXT NOT NULL,
    entity_id BIGINT NOT NULL,
    action TEXT NOT NULL,
    reason TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_mapping_history ON mapping_history (entity_type, entity_id, changed_at);

CREATE TABLE IF NOT EXISTS events (
    id BIGSERIAL PRIMARY KEY,
    instance_id BIGINT NOT NULL REFERENCES app_instances(id) ON DELETE CASCADE,
    event_type TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events ON events (instance_id, created_at);
`

// EnsureSchema creates missing tables and pins the schema version on a fresh
// database. An existing database with a different version is rejected.
func (d *Database) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var version int
	err := d.db.QueryRowContext(ctx, `SELECT version FROM fleet_schema_version LIMIT 1`).Scan(&version)
	if err != nil {
		if _, err := d.db.ExecContext(ctx, `INSERT INTO fleet_schema_version (version) VALUES ($1)`, schemaVersion); err != nil {
			return fmt.Errorf("pin schema version: %w", err)
		}
		return nil
	}
	if version != schemaVersion {
		return fmt.Errorf("schema version mismatch: database has %d, binary expects %d", version, schemaVersion)
	}
	return nil
}
