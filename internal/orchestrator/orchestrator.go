// Package orchestrator plans and executes fleet lifecycle tasks: start,
// stop, restart, and rolling updates with session drain.
package orchestrator

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opsforge/fleetd/internal/inventory/database"
	"github.com/opsforge/fleetd/internal/inventory/model"
	"github.com/opsforge/fleetd/internal/metrics"
)

// Deps wires the orchestrator.
type Deps struct {
	DB     *database.Database
	Runner Runner

	GlobalConcurrency    int
	PerServerConcurrency int
	DrainWaitMaxMinutes  int
	DispatchInterval     time.Duration
	EventRetention       int
	CallbackBaseURL      string
	HAProxyPlaybook      string
}

type Orchestrator struct {
	db   *database.Database
	deps Deps
}

func New(deps Deps) *Orchestrator {
	if deps.GlobalConcurrency <= 0 {
		deps.GlobalConcurrency = 8
	}
	if deps.PerServerConcurrency <= 0 {
		deps.PerServerConcurrency = 1
	}
	if deps.DrainWaitMaxMinutes <= 0 {
		deps.DrainWaitMaxMinutes = 60
	}
	if deps.DispatchInterval <= 0 {
		deps.DispatchInterval = time.Second
	}
	if deps.HAProxyPlaybook == "" {
		deps.HAProxyPlaybook = "haproxy_state"
	}
	return &Orchestrator{db: deps.DB, deps: deps}
}

// Submit validates a batch, partitions it by group strategy, and inserts one
// pending task per partition. Re-submitting with a previously seen
// idempotency key returns the original task IDs.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if !model.ValidTaskKind(req.Kind) {
		return nil, model.NewError(model.ErrPreconditionFailed, "unknown task kind %q", req.Kind)
	}
	if req.Kind == model.TaskUpdate {
		if req.Params.Mode == "" {
			req.Params.Mode = model.ModeDeliver
		}
		if !model.ValidUpdateMode(req.Params.Mode) {
			return nil, model.NewError(model.ErrPreconditionFailed, "unknown update mode %q", req.Params.Mode)
		}
		if req.Params.DrainWaitMinutes < 0 || req.Params.DrainWaitMinutes > o.deps.DrainWaitMaxMinutes {
			req.Params.DrainWaitMinutes = o.deps.DrainWaitMaxMinutes
		}
	}
	if len(req.Targets) == 0 {
		return nil, model.NewError(model.ErrPreconditionFailed, "no targets")
	}

	if key := req.Params.IdempotencyKey; key != "" {
		existing, err := o.db.FindTasksByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			res := &SubmitResult{}
			for _, t := range existing {
				res.TaskIDs = append(res.TaskIDs, t.ID)
			}
			res.GroupCount = len(existing)
			return res, nil
		}
	}

	accepted, rejections, err := o.validateTargets(ctx, req.Kind, req.Targets)
	if err != nil {
		return nil, err
	}
	res := &SubmitResult{Rejections: rejections}
	if len(accepted) == 0 {
		return res, nil
	}

	parts, err := o.partitionTargets(ctx, accepted)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		t := &model.Task{
			ID:          uuid.New().String(),
			Kind:        req.Kind,
			Status:      model.TaskPending,
			Params:      req.Params,
			ServerID:    p.ServerID,
			GroupID:     p.GroupID,
			InstanceIDs: p.InstanceIDs,
		}
		if err := o.db.CreateTask(ctx, t); err != nil {
			if model.IsKind(err, model.ErrConflict) && req.Params.IdempotencyKey != "" {
				// lost a race with an identical submit
				existing, ferr := o.db.FindTasksByIdempotencyKey(ctx, req.Params.IdempotencyKey)
				if ferr == nil && len(existing) > 0 {
					res.TaskIDs = res.TaskIDs[:0]
					for _, et := range existing {
						res.TaskIDs = append(res.TaskIDs, et.ID)
					}
					res.GroupCount = len(existing)
					return res, nil
				}
			}
			return nil, err
		}
		res.TaskIDs = append(res.TaskIDs, t.ID)
	}
	res.GroupCount = len(res.TaskIDs)
	return res, nil
}

// Cancel requests cooperative cancellation. Pending tasks finalise
// immediately; running tasks get their runner signalled and finalise when
// the execution path observes the flag.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*model.Task, error) {
	t, err := o.db.RequestCancel(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case model.TaskPending:
		if _, err := o.db.FinalizeCancel(ctx, taskID, time.Now().UTC()); err != nil {
			return nil, err
		}
		t.Status = model.TaskCancelled
	case model.TaskRunning:
		if t.RunnerPID > 0 {
			if proc, err := os.FindProcess(t.RunnerPID); err == nil {
				if err := proc.Signal(os.Interrupt); err != nil {
					log.Warn().Err(err).Int("pid", t.RunnerPID).Str("task_id", taskID).Msg("signal runner failed")
				}
			}
		}
	}
	return t, nil
}

// RunDispatcher moves pending tasks to running under the concurrency caps.
// FIFO by creation time; tasks sharing a target instance with a running task
// wait their turn.
func (o *Orchestrator) RunDispatcher(ctx context.Context) {
	t := time.NewTicker(o.deps.DispatchInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := o.dispatchOnce(ctx); err != nil {
				log.Error().Err(err).Msg("task dispatch failed")
			}
		}
	}
}

func (o *Orchestrator) dispatchOnce(ctx context.Context) error {
	total, _, err := o.db.CountRunningTasks(ctx)
	if err != nil {
		return err
	}
	if total >= o.deps.GlobalConcurrency {
		metrics.TasksByStatus.WithLabelValues(string(model.TaskRunning)).Set(float64(total))
		return nil
	}

	running, err := o.db.ListTasks(ctx, database.TaskFilter{Status: model.TaskRunning})
	if err != nil {
		return err
	}
	busy := make(map[int64]bool)
	perServer := make(map[int64]int)
	for _, t := range running {
		for _, id := range t.InstanceIDs {
			busy[id] = true
		}
		if t.ServerID != nil {
			perServer[*t.ServerID]++
		}
	}
	slots := o.deps.GlobalConcurrency - len(running)

	pending, err := o.db.ListPendingTasks(ctx, o.deps.GlobalConcurrency*4)
	if err != nil {
		return err
	}
	metrics.TasksByStatus.WithLabelValues(string(model.TaskRunning)).Set(float64(len(running)))
	metrics.TasksByStatus.WithLabelValues(string(model.TaskPending)).Set(float64(len(pending)))

	for _, task := range pending {
		if slots <= 0 {
			break
		}
		if task.ServerID != nil && perServer[*task.ServerID] >= o.deps.PerServerConcurrency {
			continue
		}
		overlap := false
		for _, id := range task.InstanceIDs {
			if busy[id] {
				overlap = true
				break
			}
		}
		if overlap {
			continue
		}

		started, err := o.db.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !started {
			continue
		}
		slots--
		for _, id := range task.InstanceIDs {
			busy[id] = true
		}
		if task.ServerID != nil {
			perServer[*task.ServerID]++
		}
		go o.execute(context.WithoutCancel(ctx), task)
	}
	return nil
}

// execute drives one running task to a terminal state unless the runner
// callback path finishes it first.
func (o *Orchestrator) execute(ctx context.Context, task model.Task) {
	instances, err := o.db.GetInstances(ctx, task.InstanceIDs)
	if err != nil {
		o.finish(ctx, task, false, "", "load targets: "+err.Error())
		return
	}

	if task.Kind == model.TaskUpdate && task.Params.Mode == model.ModeImmediate {
		if err := o.drainPhase(ctx, &task, instances); err != nil {
			if model.IsKind(err, model.ErrCancelled) {
				if _, ferr := o.db.FinalizeCancel(ctx, task.ID, time.Now().UTC()); ferr != nil {
					log.Error().Err(ferr).Str("task_id", task.ID).Msg("finalize cancel failed")
				}
				return
			}
			o.finish(ctx, task, false, "", err.Error())
			return
		}
	}

	if o.deps.Runner == nil {
		o.finish(ctx, task, false, "", "no playbook runner configured")
		return
	}
	bundle, err := o.buildBundle(ctx, task, instances)
	if err != nil {
		o.finish(ctx, task, false, "", "build runner bundle: "+err.Error())
		return
	}
	if err := o.deps.Runner.Invoke(ctx, o, bundle); err != nil {
		o.finish(ctx, task, false, "", "runner: "+err.Error())
		return
	}
	// completion arrives through HandleResult
}

// HandleProgress applies one runner progress event. Events for tasks already
// terminal are ignored.
func (o *Orchestrator) HandleProgress(ctx context.Context, taskID string, p model.Progress) error {
	if !model.ValidProgressPhase(p.Phase) {
		return model.NewError(model.ErrPreconditionFailed, "unknown progress phase %q", p.Phase)
	}
	_, err := o.db.UpdateTaskProgress(ctx, taskID, &p)
	return err
}

// RunnerResult is the final callback payload from the playbook runner.
type RunnerResult struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Version string `json:"version,omitempty"`
}

// HandleResult finishes a task from the runner's final event.
func (o *Orchestrator) HandleResult(ctx context.Context, r RunnerResult) error {
	task, err := o.db.GetTask(ctx, r.TaskID)
	if err != nil {
		return err
	}
	if task.Cancelled {
		_, err := o.db.FinalizeCancel(ctx, r.TaskID, time.Now().UTC())
		return err
	}

	result := ""
	if r.Success && task.Kind == model.TaskUpdate {
		result = string(task.Params.Mode)
		if task.Params.Mode == model.ModeNightRestart {
			result = "delivered"
		}
		if r.Version != "" {
			for _, id := range task.InstanceIDs {
				if err := o.db.SetInstanceVersion(ctx, id, r.Version, "orchestrator", "update "+task.ID); err != nil {
					log.Error().Err(err).Int64("instance_id", id).Msg("record version change failed")
				}
			}
		}
	}
	o.finish(ctx, *task, r.Success, result, r.Error)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, task model.Task, success bool, result, errMsg string) {
	done, err := o.db.CompleteTask(ctx, task.ID, success, result, errMsg, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("complete task failed")
		return
	}
	if !done {
		return
	}
	status := model.TaskCompleted
	if !success {
		status = model.TaskFailed
	}
	if task.StartedAt != nil {
		metrics.TaskDuration.WithLabelValues(string(task.Kind), string(status)).
			Observe(time.Since(*task.StartedAt).Seconds())
	}
	msg := string(task.Kind) + " " + string(status)
	if errMsg != "" {
		msg += ": " + errMsg
	}
	for _, id := range task.InstanceIDs {
		if err := o.db.RecordEvent(ctx, id, "task_"+string(status), msg, o.deps.EventRetention); err != nil {
			log.Error().Err(err).Int64("instance_id", id).Msg("record task event failed")
		}
	}
	log.Info().
		Str("task_id", task.ID).
		Str("kind", string(task.Kind)).
		Str("status", string(status)).
		Msg("task finished")
}

// SetRunnerPID records the external runner's process for cancel signalling.
func (o *Orchestrator) SetRunnerPID(ctx context.Context, taskID string, pid int) {
	if err := o.db.SetTaskRunnerPID(ctx, taskID, pid); err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("record runner pid failed")
	}
}
