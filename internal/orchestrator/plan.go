package orchestrator

import (
	"context"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

const statusOnline = "online"

// SubmitRequest is one operator batch over a set of target instances.
type SubmitRequest struct {
	Kind    model.TaskKind
	Targets []int64
	Params  model.TaskParams
	Actor   string
}

// SubmitResult reports the created tasks and the targets dropped from the
// plan with their reasons.
type SubmitResult struct {
	TaskIDs    []string                `json:"task_ids"`
	Rejections []model.TargetRejection `json:"rejections,omitempty"`
	GroupCount int                     `json:"groups_count"`
}

// partition is one planned task before insertion.
type partition struct {
	ServerID    *int64
	GroupID     *int64
	InstanceIDs []int64
}

// validateTargets drops targets that cannot take part in the operation:
// soft-deleted rows, lock tags, and state preconditions.
func (o *Orchestrator) validateTargets(ctx context.Context, kind model.TaskKind, targets []int64) ([]model.Instance, []model.TargetRejection, error) {
	instances, err := o.db.GetInstances(ctx, targets)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[int64]model.Instance, len(instances))
	for _, inst := range instances {
		byID[inst.ID] = inst
	}

	lockTag := model.TagStatusLock
	if kind == model.TaskUpdate {
		lockTag = model.TagVersionLock
	}

	var accepted []model.Instance
	var rejections []model.TargetRejection
	reject := func(id int64, kind model.ErrorKind, reason string) {
		rejections = append(rejections, model.TargetRejection{InstanceID: id, Kind: kind, Reason: reason})
	}

	for _, id := range targets {
		inst, ok := byID[id]
		if !ok {
			reject(id, model.ErrNotFound, "instance not found")
			continue
		}
		if !inst.Live() {
			reject(id, model.ErrPreconditionFailed, "instance is removed")
			continue
		}
		locked, err := o.db.HasTag(ctx, id, lockTag)
		if err != nil {
			return nil, nil, err
		}
		if locked {
			reject(id, model.ErrPreconditionFailed, "blocked by "+lockTag)
			continue
		}
		switch kind {
		case model.TaskStart:
			if inst.Status == statusOnline {
				reject(id, model.ErrPreconditionFailed, "already online")
				continue
			}
		case model.TaskStop, model.TaskRestart:
			if inst.Status != statusOnline {
				reject(id, model.ErrPreconditionFailed, "not online")
				continue
			}
		}
		accepted = append(accepted, inst)
	}
	return accepted, rejections, nil
}

// partitionTargets splits accepted targets into tasks by the grouping
// strategy of each instance's group. Ungrouped instances batch per server.
func (o *Orchestrator) partitionTargets(ctx context.Context, accepted []model.Instance) ([]partition, error) {
	groups, err := o.db.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	strategy := make(map[int64]model.GroupingStrategy, len(groups))
	for _, g := range groups {
		strategy[g.ID] = g.GroupingStrategy
	}
	return partitionByStrategy(accepted, strategy), nil
}

func partitionByStrategy(accepted []model.Instance, strategy map[int64]model.GroupingStrategy) []partition {
	byGroup := make(map[int64][]model.Instance)
	byServer := make(map[int64][]model.Instance)
	var singles []model.Instance
	var groupOrder, serverOrder []int64

	for _, inst := range accepted {
		if inst.GroupID != nil {
			switch strategy[*inst.GroupID] {
			case model.GroupOneAtATime:
				singles = append(singles, inst)
				continue
			case model.GroupByServer:
			default:
				if _, seen := byGroup[*inst.GroupID]; !seen {
					groupOrder = append(groupOrder, *inst.GroupID)
				}
				byGroup[*inst.GroupID] = append(byGroup[*inst.GroupID], inst)
				continue
			}
		}
		if _, seen := byServer[inst.ServerID]; !seen {
			serverOrder = append(serverOrder, inst.ServerID)
		}
		byServer[inst.ServerID] = append(byServer[inst.ServerID], inst)
	}

	var parts []partition
	for _, gid := range groupOrder {
		gid := gid
		p := partition{GroupID: &gid}
		for _, inst := range byGroup[gid] {
			p.InstanceIDs = append(p.InstanceIDs, inst.ID)
		}
		parts = append(parts, p)
	}
	for _, sid := range serverOrder {
		sid := sid
		p := partition{ServerID: &sid}
		for _, inst := range byServer[sid] {
			p.InstanceIDs = append(p.InstanceIDs, inst.ID)
		}
		parts = append(parts, p)
	}
	for _, inst := range singles {
		sid := inst.ServerID
		parts = append(parts, partition{ServerID: &sid, GroupID: inst.GroupID, InstanceIDs: []int64{inst.ID}})
	}
	return parts
}
