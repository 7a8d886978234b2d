// Package reconciler merges observation batches from the collectors into the
// persistent inventory. Reconcile* functions are pure over (prior rows,
// observation, now); the store applies the resulting delta in one
// transaction. Running a function twice with unchanged inputs yields an empty
// delta, so a cycle that observes nothing new writes no history.
package reconciler

import (
	"fmt"
	"time"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

func instanceKey(name, appType string) string { return name + "\x00" + appType }

func haproxyKey(backend, name string) string { return backend + "\x00" + name }

// ReconcileInstances computes the delta for one server's agent observation.
// prior must contain every row under the server, soft-deleted ones included,
// so reappearing instances revive in place and keep their IDs.
func ReconcileInstances(serverID int64, prior []model.Instance, observed []ObservedInstance, now time.Time) InstanceDelta {
	delta := InstanceDelta{ServerID: serverID, Now: now}

	byKey := make(map[string]*model.Instance, len(prior))
	for i := range prior {
		byKey[instanceKey(prior[i].InstanceName, prior[i].AppType)] = &prior[i]
	}

	seen := make(map[string]ObservedInstance, len(observed))
	for _, obs := range observed {
		key := instanceKey(obs.InstanceName, obs.AppType)
		if _, dup := seen[key]; dup {
			delta.Warnings = append(delta.Warnings,
				fmt.Sprintf("duplicate instance %s/%s in observation, last wins", obs.InstanceName, obs.AppType))
		}
		seen[key] = obs
	}

	for key, obs := range seen {
		pri, ok := byKey[key]
		if !ok {
			delta.Creates = append(delta.Creates, obs)
			continue
		}
		revive := pri.DeletedAt != nil
		delta.Updates = append(delta.Updates, InstanceUpdate{Prior: *pri, Observed: obs, Revive: revive})
		if pri.Version != obs.Version && obs.Version != "" {
			delta.Versions = append(delta.Versions, model.VersionHistory{
				InstanceID: pri.ID,
				OldVersion: pri.Version,
				NewVersion: obs.Version,
				Actor:      "agent",
				Reason:     "observed",
				ChangedAt:  now,
			})
		}
		if pri.IP != obs.IP || pri.Port != obs.Port {
			inst := *pri
			delta.Dispatch = append(delta.Dispatch, MappingDispatch{Instance: &inst})
		}
	}

	for key, pri := range byKey {
		if _, ok := seen[key]; ok {
			continue
		}
		if pri.DeletedAt == nil {
			delta.Tombstones = append(delta.Tombstones, pri.ID)
		}
	}

	return delta
}

// ReconcileHAProxy computes the delta for one HAProxy instance's member tree.
// A member that moved to a different backend in the same cycle shows up as a
// tombstone plus a create: backend membership is part of identity.
func ReconcileHAProxy(haproxyID int64, prior []model.HAProxyServer, backendNames map[int64]string, observed []ObservedHAProxyServer, now time.Time) HAProxyDelta {
	delta := HAProxyDelta{HAProxyID: haproxyID, Now: now}

	byKey := make(map[string]*model.HAProxyServer, len(prior))
	for i := range prior {
		byKey[haproxyKey(backendNames[prior[i].BackendID], prior[i].Name)] = &prior[i]
	}

	seen := make(map[string]ObservedHAProxyServer, len(observed))
	for _, obs := range observed {
		key := haproxyKey(obs.Backend, obs.Name)
		if _, dup := seen[key]; dup {
			delta.Warnings = append(delta.Warnings,
				fmt.Sprintf("duplicate haproxy server %s/%s in observation, last wins", obs.Backend, obs.Name))
		}
		seen[key] = obs
	}

	for key, obs := range seen {
		pri, ok := byKey[key]
		if !ok {
			delta.Creates = append(delta.Creates, obs)
			delta.Dispatch = append(delta.Dispatch, MappingDispatch{
				Kind:      model.EntityHAProxyServer,
				EntityKey: key,
			})
			continue
		}
		revive := pri.RemovedAt != nil
		delta.Updates = append(delta.Updates, HAProxyServerUpdate{Prior: *pri, Observed: obs, Revive: revive})
		newStatus := model.ParseHAProxyStatus(obs.Status)
		if pri.Status != newStatus {
			delta.Statuses = append(delta.Statuses, model.HAProxyStatusHistory{
				HAProxyServerID: pri.ID,
				OldStatus:       pri.Status,
				NewStatus:       newStatus,
				ChangedAt:       now,
			})
		}
		if revive {
			delta.Dispatch = append(delta.Dispatch, MappingDispatch{
				Kind:      model.EntityHAProxyServer,
				EntityKey: key,
			})
		}
	}

	for key, pri := range byKey {
		if _, ok := seen[key]; ok {
			continue
		}
		if pri.RemovedAt == nil {
			delta.Tombstones = append(delta.Tombstones, pri.ID)
		}
	}

	return delta
}

// ReconcileEureka computes the delta for one registry's instance tree.
// instance_id is the natural key.
func ReconcileEureka(eurekaServerID int64, prior []model.EurekaInstance, observed []ObservedEurekaInstance, now time.Time) EurekaDelta {
	delta := EurekaDelta{EurekaServerID: eurekaServerID, Now: now}

	byKey := make(map[string]*model.EurekaInstance, len(prior))
	for i := range prior {
		byKey[prior[i].InstanceID] = &prior[i]
	}

	seen := make(map[string]ObservedEurekaInstance, len(observed))
	for _, obs := range observed {
		if _, dup := seen[obs.InstanceID]; dup {
			delta.Warnings = append(delta.Warnings,
				fmt.Sprintf("duplicate eureka instance %s in observation, last wins", obs.InstanceID))
		}
		seen[obs.InstanceID] = obs
	}

	for key, obs := range seen {
		pri, ok := byKey[key]
		if !ok {
			delta.Creates = append(delta.Creates, obs)
			delta.Dispatch = append(delta.Dispatch, MappingDispatch{
				Kind:      model.EntityEurekaInstance,
				EntityKey: key,
			})
			continue
		}
		revive := pri.RemovedAt != nil
		delta.Updates = append(delta.Updates, EurekaInstanceUpdate{Prior: *pri, Observed: obs, Revive: revive})
		newStatus := model.ParseEurekaStatus(obs.Status)
		if pri.Status != newStatus {
			delta.Statuses = append(delta.Statuses, model.EurekaStatusHistory{
				EurekaInstanceID: pri.ID,
				OldStatus:        pri.Status,
				NewStatus:        newStatus,
				ChangedAt:        now,
			})
		}
		if revive {
			delta.Dispatch = append(delta.Dispatch, MappingDispatch{
				Kind:      model.EntityEurekaInstance,
				EntityKey: key,
			})
		}
	}

	for key, pri := range byKey {
		if _, ok := seen[key]; ok {
			continue
		}
		if pri.RemovedAt == nil {
			delta.Tombstones = append(delta.Tombstones, pri.ID)
		}
	}

	return delta
}
