package model

import (
	"encoding/json"
	"time"
)

// ServerStatus is the agent reachability state of a host.
type ServerStatus string

const (
	ServerOnline  ServerStatus = "online"
	ServerOffline ServerStatus = "offline"
	ServerUnknown ServerStatus = "unknown"
)

// Server is a managed host. Servers are created manually or on first agent
// contact; reconciliation never deletes them.
type Server struct {
	ID            int64        `json:"id"`
	Name          string       `json:"name"`
	IP            string       `json:"ip"`
	AgentPort     int          `json:"agent_port"`
	LastCheck     *time.Time   `json:"last_check,omitempty"`
	Status        ServerStatus `json:"status"`
	IsHAProxyNode bool         `json:"is_haproxy_node"`
	IsEurekaNode  bool         `json:"is_eureka_node"`
	CreatedAt     time.Time    `json:"created_at"`
}

// CatalogEntry is the logical definition of an application referenced by
// instances: default playbook, artifact location and extension.
type CatalogEntry struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	AppType         string    `json:"app_type"`
	DefaultPlaybook string    `json:"default_playbook"`
	DefaultDistrURL string    `json:"default_distr_url"`
	DistrExtension  string    `json:"distr_extension"`
	CreatedAt       time.Time `json:"created_at"`
}

// GroupingStrategy controls how a batch submit over many instances is split
// into tasks.
type GroupingStrategy string

const (
	GroupByGroup    GroupingStrategy = "by_group"
	GroupByServer   GroupingStrategy = "by_server"
	GroupOneAtATime GroupingStrategy = "one_at_a_time"
)

// ValidGroupingStrategy rejects unknown strategies at the API boundary.
func ValidGroupingStrategy(s GroupingStrategy) bool {
	switch s {
	case GroupByGroup, GroupByServer, GroupOneAtATime:
		return true
	}
	return false
}

// Group is a set of instances sharing an update policy.
type Group struct {
	ID               int64            `json:"id"`
	Name             string           `json:"name"`
	DistrURL         string           `json:"distr_url"`
	UpdatePlaybook   string           `json:"update_playbook"`
	GroupingStrategy GroupingStrategy `json:"grouping_strategy"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Instance is one running deployment of an application on one server.
// (server_id, instance_name, app_type) is the natural key.
type Instance struct {
	ID           int64      `json:"id"`
	ServerID     int64      `json:"server_id"`
	ServerName   string     `json:"server_name,omitempty"`
	InstanceName string     `json:"instance_name"`
	AppType      string     `json:"app_type"`
	CatalogID    *int64     `json:"catalog_id,omitempty"`
	GroupID      *int64     `json:"group_id,omitempty"`

	Status    string     `json:"status"`
	Version   string     `json:"version"`
	PID       int        `json:"pid"`
	StartTime *time.Time `json:"start_time,omitempty"`
	IP        string     `json:"ip"`
	Port      int        `json:"port"`
	HomePath  string     `json:"home_path"`
	LogPath   string     `json:"log_path"`

	ContainerID    string `json:"container_id,omitempty"`
	ContainerImage string `json:"container_image,omitempty"`
	ContainerTag   string `json:"container_tag,omitempty"`

	EurekaRegistered bool   `json:"eureka_registered"`
	EurekaURL        string `json:"eureka_url,omitempty"`

	CustomPlaybook string `json:"custom_playbook,omitempty"`
	CustomDistrURL string `json:"custom_distr_url,omitempty"`

	LastSeen  *time.Time `json:"last_seen,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Live reports whether the instance is not soft-deleted.
func (i *Instance) Live() bool { return i.DeletedAt == nil }

// Lock tags recognised by the orchestrator. A status lock blocks
// start/stop/restart; a version lock blocks updates.
const (
	TagStatusLock  = "status.lock"
	TagVersionLock = "ver.lock"
)

// Tag is a named label attached to instances or groups. System tags may not
// be hand-removed.
type Tag struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	IsSystem bool   `json:"is_system"`
}

// HAProxyInstance is one HAProxy process announced by an agent.
type HAProxyInstance struct {
	ID        int64      `json:"id"`
	ServerID  int64      `json:"server_id"`
	Name      string     `json:"name"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// HAProxyBackend is a pool of servers behind one HAProxy virtual service.
type HAProxyBackend struct {
	ID        int64      `json:"id"`
	HAProxyID int64      `json:"haproxy_id"`
	Name      string     `json:"name"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// HAProxyServerStatus is the last observed member state.
type HAProxyServerStatus string

const (
	HAProxyUp      HAProxyServerStatus = "UP"
	HAProxyDown    HAProxyServerStatus = "DOWN"
	HAProxyMaint   HAProxyServerStatus = "MAINT"
	HAProxyDrain   HAProxyServerStatus = "DRAIN"
	HAProxyUnknown HAProxyServerStatus = "UNKNOWN"
)

// ParseHAProxyStatus folds unrecognised admin-socket states to UNKNOWN.
func ParseHAProxyStatus(s string) HAProxyServerStatus {
	switch HAProxyServerStatus(s) {
	case HAProxyUp, HAProxyDown, HAProxyMaint, HAProxyDrain:
		return HAProxyServerStatus(s)
	}
	return HAProxyUnknown
}

// HAProxyServer is one backend member. Backend membership is part of its
// identity: moving backends is a delete + create, never an update.
type HAProxyServer struct {
	ID              int64               `json:"id"`
	BackendID       int64               `json:"backend_id"`
	Name            string              `json:"name"`
	IP              string              `json:"ip"`
	Port            int                 `json:"port"`
	Status          HAProxyServerStatus `json:"status"`
	Weight          int                 `json:"weight"`
	CurrentSessions int                 `json:"scur"`
	MaxSessions     int                 `json:"smax"`
	LastStateChange int                 `json:"last_state_change"`
	LastSeen        *time.Time          `json:"last_seen,omitempty"`
	RemovedAt       *time.Time          `json:"removed_at,omitempty"`
}

// EurekaServer is one Eureka registry endpoint.
type EurekaServer struct {
	ID        int64      `json:"id"`
	URL       string     `json:"url"`
	Name      string     `json:"name"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// EurekaApplication is a logical application in a Eureka registry.
type EurekaApplication struct {
	ID             int64      `json:"id"`
	EurekaServerID int64      `json:"eureka_server_id"`
	Name           string     `json:"name"`
	RemovedAt      *time.Time `json:"removed_at,omitempty"`
}

// EurekaInstanceStatus mirrors Eureka's instance states.
type EurekaInstanceStatus string

const (
	EurekaUp           EurekaInstanceStatus = "UP"
	EurekaDown         EurekaInstanceStatus = "DOWN"
	EurekaStarting     EurekaInstanceStatus = "STARTING"
	EurekaOutOfService EurekaInstanceStatus = "OUT_OF_SERVICE"
	EurekaUnknown      EurekaInstanceStatus = "UNKNOWN"
)

// ParseEurekaStatus folds unrecognised registry states to UNKNOWN.
func ParseEurekaStatus(s string) EurekaInstanceStatus {
	switch EurekaInstanceStatus(s) {
	case EurekaUp, EurekaDown, EurekaStarting, EurekaOutOfService:
		return EurekaInstanceStatus(s)
	}
	return EurekaUnknown
}

// EurekaInstance is one registered instance; instance_id is the natural key.
type EurekaInstance struct {
	ID            int64                `json:"id"`
	ApplicationID int64                `json:"application_id"`
	InstanceID    string               `json:"instance_id"`
	IP            string               `json:"ip"`
	Port          int                  `json:"port"`
	Status        EurekaInstanceStatus `json:"status"`
	LastHeartbeat *time.Time           `json:"last_heartbeat,omitempty"`
	Metadata      json.RawMessage      `json:"metadata,omitempty"`
	LastSeen      *time.Time           `json:"last_seen,omitempty"`
	RemovedAt     *time.Time           `json:"removed_at,omitempty"`
}

// MappedEntityType is the closed set of external entities an instance can be
// mapped to.
type MappedEntityType string

const (
	EntityHAProxyServer  MappedEntityType = "haproxy_server"
	EntityEurekaInstance MappedEntityType = "eureka_instance"
)

// ValidMappedEntityType rejects unknown entity types at the API boundary.
func ValidMappedEntityType(t MappedEntityType) bool {
	return t == EntityHAProxyServer || t == EntityEurekaInstance
}

// Mapping links one application instance to one external entity. Unique per
// (instance, entity_type, entity_id) among live rows.
type Mapping struct {
	ID         int64            `json:"id"`
	InstanceID int64            `json:"instance_id"`
	EntityType MappedEntityType `json:"entity_type"`
	EntityID   int64            `json:"entity_id"`
	IsManual   bool             `json:"is_manual"`
	MappedBy   string           `json:"mapped_by"`
	Notes      string           `json:"notes,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	RemovedAt  *time.Time       `json:"removed_at,omitempty"`
}

// MappingReason is the closed set of causes recorded in mapping history.
type MappingReason string

const (
	ReasonAuto              MappingReason = "auto"
	ReasonManual            MappingReason = "manual"
	ReasonOperatorUnmap     MappingReason = "operator_unmap"
	ReasonEntityDisappeared MappingReason = "entity_disappeared"
	ReasonIPChanged         MappingReason = "ip_changed"
	ReasonAmbiguous         MappingReason = "ambiguous"
)

// MappingHistory is an append-only record of every mapping create, change or
// removal. A missing history row for a mapping mutation is a bug.
type MappingHistory struct {
	ID         int64            `json:"id"`
	InstanceID *int64           `json:"instance_id,omitempty"`
	EntityType MappedEntityType `json:"entity_type"`
	EntityID   int64            `json:"entity_id"`
	Action     string           `json:"action"` // created | changed | removed | skipped
	Reason     MappingReason    `json:"reason"`
	Actor      string           `json:"actor"`
	Notes      string           `json:"notes,omitempty"`
	ChangedAt  time.Time        `json:"changed_at"`
}

// VersionHistory records instance version transitions.
type VersionHistory struct {
	ID         int64     `json:"id"`
	InstanceID int64     `json:"instance_id"`
	OldVersion string    `json:"old_version"`
	NewVersion string    `json:"new_version"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// HAProxyStatusHistory records backend-member state transitions.
type HAProxyStatusHistory struct {
	ID              int64               `json:"id"`
	HAProxyServerID int64               `json:"haproxy_server_id"`
	OldStatus       HAProxyServerStatus `json:"old_status"`
	NewStatus       HAProxyServerStatus `json:"new_status"`
	ChangedAt       time.Time           `json:"changed_at"`
}

// EurekaStatusHistory records Eureka instance state transitions.
type EurekaStatusHistory struct {
	ID               int64                `json:"id"`
	EurekaInstanceID int64                `json:"eureka_instance_id"`
	OldStatus        EurekaInstanceStatus `json:"old_status"`
	NewStatus        EurekaInstanceStatus `json:"new_status"`
	ChangedAt        time.Time            `json:"changed_at"`
}

// Event is a per-instance audit row with a bounded retention count.
type Event struct {
	ID         int64     `json:"id"`
	InstanceID int64     `json:"instance_id"`
	EventType  string    `json:"event_type"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// FetchSource identifies one collector.
type FetchSource string

const (
	SourceAgent   FetchSource = "agent"
	SourceHAProxy FetchSource = "haproxy"
	SourceEureka  FetchSource = "eureka"
)

// FetchStatus is the per-endpoint record of the last poll outcome.
type FetchStatus struct {
	Source              FetchSource `json:"source"`
	EndpointID          int64       `json:"endpoint_id"`
	Status              string      `json:"status"` // ok | soft_failure | hard_failure
	Error               string      `json:"error,omitempty"`
	AttemptedAt         time.Time   `json:"attempted_at"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
}
