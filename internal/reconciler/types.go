package reconciler

import (
	"time"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

// ObservedInstance is one application instance reported by a host agent.
// (instance_name, app_type) is the natural key within the reporting server.
type ObservedInstance struct {
	InstanceName string     `json:"instance_name"`
	AppType      string     `json:"app_type"`
	Status       string     `json:"status"`
	Version      string     `json:"version"`
	PID          int        `json:"pid"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	IP           string     `json:"ip"`
	Port         int        `json:"port"`
	HomePath     string     `json:"home_path"`
	LogPath      string     `json:"log_path"`

	ContainerID    string `json:"container_id,omitempty"`
	ContainerImage string `json:"container_image,omitempty"`
	ContainerTag   string `json:"container_tag,omitempty"`

	EurekaRegistered bool   `json:"eureka_registered"`
	EurekaURL        string `json:"eureka_url,omitempty"`
}

// ObservedHAProxyServer is one backend member from an HAProxy observation.
// (backend, name) is the natural key within the reporting HAProxy instance;
// backend membership is part of identity.
type ObservedHAProxyServer struct {
	Backend         string `json:"backend"`
	Name            string `json:"name"`
	IP              string `json:"ip"`
	Port            int    `json:"port"`
	Status          string `json:"status"`
	Weight          int    `json:"weight"`
	CurrentSessions int    `json:"scur"`
	MaxSessions     int    `json:"smax"`
	LastStateChange int    `json:"last_state_change"`
}

// ObservedEurekaInstance is one registration from a Eureka fetch.
type ObservedEurekaInstance struct {
	App           string            `json:"app"`
	InstanceID    string            `json:"instance_id"`
	IP            string            `json:"ip"`
	Port          int               `json:"port"`
	Status        string            `json:"status"`
	LastHeartbeat *time.Time        `json:"last_heartbeat,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// InstanceUpdate pairs an existing row with the observation that supersedes
// it. Revive is set when the prior row was soft-deleted and reappeared.
type InstanceUpdate struct {
	Prior    model.Instance
	Observed ObservedInstance
	Revive   bool
}

// MappingDispatch asks the mapping engine to (re)resolve one external entity
// or one application instance whose address changed.
type MappingDispatch struct {
	Kind      model.MappedEntityType // entity kinds; empty for instance address change
	EntityKey string                 // natural key, resolved to an ID after apply
	Instance  *model.Instance        // set for ip/port changes on app instances
}

// InstanceDelta is the result of reconciling one agent observation against
// the prior rows of one server.
type InstanceDelta struct {
	ServerID   int64
	Now        time.Time
	Creates    []ObservedInstance
	Updates    []InstanceUpdate
	Tombstones []int64 // instance IDs whose natural key was absent
	Versions   []model.VersionHistory
	Warnings   []string
	Dispatch   []MappingDispatch
}

// Empty reports whether applying the delta would change nothing beyond
// last_seen refreshes.
func (d *InstanceDelta) Empty() bool {
	return len(d.Creates) == 0 && len(d.Tombstones) == 0 && len(d.Versions) == 0
}

// HAProxyServerUpdate pairs a prior backend member with its observation.
type HAProxyServerUpdate struct {
	Prior    model.HAProxyServer
	Observed ObservedHAProxyServer
	Revive   bool
}

// HAProxyDelta is the reconciliation result for one HAProxy instance's tree.
type HAProxyDelta struct {
	HAProxyID  int64
	Now        time.Time
	Creates    []ObservedHAProxyServer
	Updates    []HAProxyServerUpdate
	Tombstones []int64
	Statuses   []model.HAProxyStatusHistory
	Warnings   []string
	Dispatch   []MappingDispatch
}

// EurekaInstanceUpdate pairs a prior registration with its observation.
type EurekaInstanceUpdate struct {
	Prior    model.EurekaInstance
	Observed ObservedEurekaInstance
	Revive   bool
}

// EurekaDelta is the reconciliation result for one Eureka registry's tree.
type EurekaDelta struct {
	EurekaServerID int64
	Now            time.Time
	Creates        []ObservedEurekaInstance
	Updates        []EurekaInstanceUpdate
	Tombstones     []int64
	Statuses       []model.EurekaStatusHistory
	Warnings       []string
	Dispatch       []MappingDispatch
}
