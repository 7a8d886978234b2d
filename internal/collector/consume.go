package collector

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/fleetd/internal/inventory/database"
	"github.com/opsforge/fleetd/internal/inventory/model"
	"github.com/opsforge/fleetd/internal/metrics"
	"github.com/opsforge/fleetd/internal/reconciler"
)

// Mapper receives entities whose address or existence changed and re-resolves
// their application mapping.
type Mapper interface {
	ResolveHAProxyServer(ctx context.Context, srv model.HAProxyServer)
	ResolveEurekaInstance(ctx context.Context, inst model.EurekaInstance)
	ReresolveInstance(ctx context.Context, inst model.Instance)
}

// ConsumerDeps wires the single reconcile consumer.
type ConsumerDeps struct {
	DB             *database.Database
	Mapper         Mapper
	In             <-chan Batch
	EventRetention int
}

// RunConsumer applies observation batches one at a time. It is the only
// writer of reconciliation state, so batches from different sources cannot
// race on the same rows.
func RunConsumer(ctx context.Context, deps ConsumerDeps) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-deps.In:
			if err := applyBatch(ctx, deps, batch); err != nil {
				log.Error().Err(err).Str("source", string(batch.Source)).Msg("apply observation batch failed")
			}
		}
	}
}

func applyBatch(ctx context.Context, deps ConsumerDeps, batch Batch) error {
	metrics.ReconcileCycles.WithLabelValues(string(batch.Source)).Inc()
	switch batch.Source {
	case model.SourceAgent:
		return applyAgentBatch(ctx, deps, batch)
	case model.SourceHAProxy:
		return applyHAProxyBatch(ctx, deps, batch)
	case model.SourceEureka:
		return applyEurekaBatch(ctx, deps, batch)
	}
	return model.NewError(model.ErrInternal, "batch with unknown source %q", batch.Source)
}

func applyAgentBatch(ctx context.Context, deps ConsumerDeps, batch Batch) error {
	prior, err := deps.DB.ListInstancesByServer(ctx, batch.ServerID)
	if err != nil {
		return err
	}
	delta := reconciler.ReconcileInstances(batch.ServerID, prior, batch.Instances, batch.At)
	logWarnings(batch.Source, delta.Warnings)

	if err := deps.DB.ApplyInstanceDelta(ctx, &delta); err != nil {
		return err
	}
	countChanges(batch.Source, len(delta.Creates), len(delta.Tombstones), reviveCount(delta.Updates))

	for _, id := range delta.Tombstones {
		recordInstanceEvent(ctx, deps, id, "instance_removed", "no longer reported by agent")
	}
	for _, u := range delta.Updates {
		if u.Revive {
			recordInstanceEvent(ctx, deps, u.Prior.ID, "instance_revived", "reported by agent again")
		}
	}

	if deps.Mapper != nil {
		for _, d := range delta.Dispatch {
			if d.Instance != nil {
				deps.Mapper.ReresolveInstance(ctx, *d.Instance)
			}
		}
	}
	return nil
}

func applyHAProxyBatch(ctx context.Context, deps ConsumerDeps, batch Batch) error {
	tree, err := deps.DB.LoadHAProxyTree(ctx, batch.HAProxyID)
	if err != nil {
		return err
	}
	delta := reconciler.ReconcileHAProxy(batch.HAProxyID, tree.Servers, tree.BackendNames, batch.HAProxy, batch.At)
	logWarnings(batch.Source, delta.Warnings)

	if err := deps.DB.ApplyHAProxyDelta(ctx, &delta); err != nil {
		return err
	}
	countChanges(batch.Source, len(delta.Creates), len(delta.Tombstones), hreviveCount(delta.Updates))

	for _, id := range delta.Tombstones {
		if err := deps.DB.RemoveMappingsForEntity(ctx, model.EntityHAProxyServer, id); err != nil {
			log.Error().Err(err).Int64("haproxy_server_id", id).Msg("remove mappings for vanished backend member failed")
		}
	}
	if deps.Mapper != nil {
		for _, d := range delta.Dispatch {
			if d.Kind != model.EntityHAProxyServer {
				continue
			}
			srv, err := deps.DB.FindHAProxyServerByKey(ctx, batch.HAProxyID, d.EntityKey)
			if err != nil || srv == nil {
				continue
			}
			deps.Mapper.ResolveHAProxyServer(ctx, *srv)
		}
	}
	return nil
}

func applyEurekaBatch(ctx context.Context, deps ConsumerDeps, batch Batch) error {
	prior, err := deps.DB.ListEurekaInstancesByServer(ctx, batch.EurekaServerID)
	if err != nil {
		return err
	}
	delta := reconciler.ReconcileEureka(batch.EurekaServerID, prior, batch.Eureka, batch.At)
	logWarnings(batch.Source, delta.Warnings)

	if err := deps.DB.ApplyEurekaDelta(ctx, &delta); err != nil {
		return err
	}
	countChanges(batch.Source, len(delta.Creates), len(delta.Tombstones), ereviveCount(delta.Updates))

	for _, id := range delta.Tombstones {
		if err := deps.DB.RemoveMappingsForEntity(ctx, model.EntityEurekaInstance, id); err != nil {
			log.Error().Err(err).Int64("eureka_instance_id", id).Msg("remove mappings for vanished registration failed")
		}
	}
	if deps.Mapper != nil {
		for _, d := range delta.Dispatch {
			if d.Kind != model.EntityEurekaInstance {
				continue
			}
			inst, err := deps.DB.FindEurekaInstanceByKey(ctx, batch.EurekaServerID, d.EntityKey)
			if err != nil || inst == nil {
				continue
			}
			deps.Mapper.ResolveEurekaInstance(ctx, *inst)
		}
	}
	return nil
}

func recordInstanceEvent(ctx context.Context, deps ConsumerDeps, instanceID int64, eventType, msg string) {
	if err := deps.DB.RecordEvent(ctx, instanceID, eventType, msg, deps.EventRetention); err != nil {
		log.Error().Err(err).Int64("instance_id", instanceID).Msg("record event failed")
	}
}

func logWarnings(source model.FetchSource, warnings []string) {
	for _, w := range warnings {
		log.Warn().Str("source", string(source)).Msg(w)
	}
}

func countChanges(source model.FetchSource, creates, tombstones, revives int) {
	s := string(source)
	if creates > 0 {
		metrics.ReconcileChanges.WithLabelValues(s, "create").Add(float64(creates))
	}
	if tombstones > 0 {
		metrics.ReconcileChanges.WithLabelValues(s, "tombstone").Add(float64(tombstones))
	}
	if revives > 0 {
		metrics.ReconcileChanges.WithLabelValues(s, "revive").Add(float64(revives))
	}
}

func reviveCount(updates []reconciler.InstanceUpdate) int {
	n := 0
	for _, u := range updates {
		if u.Revive {
			n++
		}
	}
	return n
}

func hreviveCount(updates []reconciler.HAProxyServerUpdate) int {
	n := 0
	for _, u := range updates {
		if u.Revive {
			n++
		}
	}
	return n
}

func ereviveCount(updates []reconciler.EurekaInstanceUpdate) int {
	n := 0
	for _, u := range updates {
		if u.Revive {
			n++
		}
	}
	return n
}
