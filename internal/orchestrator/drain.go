package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/fleetd/internal/inventory/model"
	"github.com/opsforge/fleetd/internal/metrics"
)

// drainTarget pairs a backend member with its backend name so the runner can
// address it.
type drainTarget struct {
	Server  model.HAProxyServer
	Backend string
}

// drainTargets collects the live HAProxy backend members mapped to the
// task's instances.
func (o *Orchestrator) drainTargets(ctx context.Context, instances []model.Instance) ([]drainTarget, error) {
	var out []drainTarget
	seen := make(map[int64]bool)
	backendNames := make(map[int64]string)
	for _, inst := range instances {
		mappings, err := o.db.ListMappingsForInstance(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range mappings {
			if m.RemovedAt != nil || m.EntityType != model.EntityHAProxyServer || seen[m.EntityID] {
				continue
			}
			srv, err := o.db.GetHAProxyServer(ctx, m.EntityID)
			if err != nil {
				if model.IsKind(err, model.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if srv.RemovedAt != nil {
				continue
			}
			backend, ok := backendNames[srv.BackendID]
			if !ok {
				backend, err = o.db.BackendName(ctx, srv.BackendID)
				if err != nil {
					return nil, err
				}
				backendNames[srv.BackendID] = backend
			}
			seen[srv.ID] = true
			out = append(out, drainTarget{Server: *srv, Backend: backend})
		}
	}
	return out, nil
}

// drainBundle builds the state-change bundle commanding DRAIN on each target.
func drainBundle(taskID, playbook string, targets []drainTarget) *RunnerBundle {
	b := &RunnerBundle{TaskID: taskID, Kind: model.TaskDrain, Playbook: playbook}
	for _, t := range targets {
		b.StateTargets = append(b.StateTargets, RunnerStateTarget{
			HAProxyServerID: t.Server.ID,
			Backend:         t.Backend,
			Name:            t.Server.Name,
			IP:              t.Server.IP,
			Port:            t.Server.Port,
			State:           string(model.HAProxyDrain),
		})
	}
	return b
}

// drainPhase commands DRAIN on the mapped backend members through the
// playbook runner and waits until their sessions reach zero or the task's
// drain budget runs out. Cancellation is observed every tick.
func (o *Orchestrator) drainPhase(ctx context.Context, task *model.Task, instances []model.Instance) error {
	targets, err := o.drainTargets(ctx, instances)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	var toDrain []drainTarget
	for _, t := range targets {
		if t.Server.Status != model.HAProxyDrain {
			toDrain = append(toDrain, t)
		}
	}

	now := time.Now().UTC()
	if len(toDrain) > 0 {
		if o.deps.Runner == nil {
			return model.NewError(model.ErrPreconditionFailed, "no playbook runner configured for drain")
		}
		if err := o.deps.Runner.Invoke(ctx, o, drainBundle(task.ID, o.deps.HAProxyPlaybook, toDrain)); err != nil {
			return model.WrapError(model.KindOf(err), err, "command drain")
		}
		// record the commanded state; the next collector cycle confirms it
		for _, t := range toDrain {
			if err := o.db.SetHAProxyServerStatus(ctx, t.Server.ID, model.HAProxyDrain, now); err != nil {
				return err
			}
		}
	}

	waitMinutes := task.Params.DrainWaitMinutes
	if waitMinutes <= 0 || waitMinutes > o.deps.DrainWaitMaxMinutes {
		waitMinutes = o.deps.DrainWaitMaxMinutes
	}
	deadline := now.Add(time.Duration(waitMinutes) * time.Minute)
	started := time.Now()

	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return model.WrapError(model.ErrCancelled, ctx.Err(), "drain interrupted")
		case <-t.C:
		}

		cur, err := o.db.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if cur.Cancelled {
			return model.NewError(model.ErrCancelled, "task cancelled during drain")
		}

		remaining := 0
		for _, t := range targets {
			fresh, err := o.db.GetHAProxyServer(ctx, t.Server.ID)
			if err != nil {
				if model.IsKind(err, model.ErrNotFound) {
					continue
				}
				return err
			}
			remaining += fresh.CurrentSessions
		}

		sessions := remaining
		if _, err := o.db.UpdateTaskProgress(ctx, task.ID, &model.Progress{
			Phase:             model.PhaseDraining,
			Message:           "waiting for sessions to drain",
			SessionsRemaining: &sessions,
		}); err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("drain progress update failed")
		}

		if remaining == 0 {
			metrics.DrainWait.Observe(time.Since(started).Seconds())
			return nil
		}
		if time.Now().UTC().After(deadline) {
			metrics.DrainWait.Observe(time.Since(started).Seconds())
			return model.NewError(model.ErrTimeout, "drain wait exceeded %d minutes with %d sessions remaining", waitMinutes, remaining)
		}
	}
}
