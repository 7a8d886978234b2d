package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

// RunnerTarget identifies one instance inside a runner bundle.
type RunnerTarget struct {
	InstanceID   int64  `json:"instance_id"`
	Server       string `json:"server"`
	InstanceName string `json:"instance_name"`
	AppType      string `json:"app_type"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	HomePath     string `json:"home_path"`
	Version      string `json:"version"`
}

// RunnerStateTarget identifies one HAProxy backend member whose admin state
// the runner must change.
type RunnerStateTarget struct {
	HAProxyServerID int64  `json:"haproxy_server_id"`
	Backend         string `json:"backend"`
	Name            string `json:"name"`
	IP              string `json:"ip"`
	Port            int    `json:"port"`
	State           string `json:"state"`
}

// RunnerBundle is the parameter set handed to the external playbook runner.
// Lifecycle bundles carry Targets and a callback URL; state-change bundles
// carry StateTargets and no callback, since the orchestrator itself decides
// when the phase is over.
type RunnerBundle struct {
	TaskID           string              `json:"task_id"`
	Kind             model.TaskKind      `json:"kind"`
	Playbook         string              `json:"playbook"`
	DistrURL         string              `json:"distr_url,omitempty"`
	Mode             model.UpdateMode    `json:"mode,omitempty"`
	DrainWaitMinutes int                 `json:"drain_wait_time_minutes,omitempty"`
	Targets          []RunnerTarget      `json:"targets,omitempty"`
	StateTargets     []RunnerStateTarget `json:"state_targets,omitempty"`
	CallbackURL      string              `json:"callback_url,omitempty"`
}

// Runner invokes the external playbook executor. Invoke returns once the
// runner has been handed the bundle; completion arrives via the callback
// endpoints.
type Runner interface {
	Invoke(ctx context.Context, o *Orchestrator, bundle *RunnerBundle) error
}

// buildBundle resolves the playbook (group > instance override > catalog
// default) and the artifact URL (request > group > instance > catalog) for
// one task.
func (o *Orchestrator) buildBundle(ctx context.Context, task model.Task, instances []model.Instance) (*RunnerBundle, error) {
	b := &RunnerBundle{
		TaskID:           task.ID,
		Kind:             task.Kind,
		Playbook:         task.Params.OrchestratorPlaybook,
		DistrURL:         task.Params.DistrURL,
		Mode:             task.Params.Mode,
		DrainWaitMinutes: task.Params.DrainWaitMinutes,
		CallbackURL:      o.deps.CallbackBaseURL + "/internal/tasks/" + task.ID,
	}

	var group *model.Group
	if task.GroupID != nil {
		g, err := o.db.GetGroup(ctx, *task.GroupID)
		if err != nil && !model.IsKind(err, model.ErrNotFound) {
			return nil, err
		}
		group = g
	}

	for _, inst := range instances {
		if b.Playbook == "" {
			switch {
			case group != nil && group.UpdatePlaybook != "":
				b.Playbook = group.UpdatePlaybook
			case inst.CustomPlaybook != "":
				b.Playbook = inst.CustomPlaybook
			default:
				if entry, err := o.db.GetCatalogEntryByType(ctx, inst.AppType); err == nil && entry != nil {
					b.Playbook = entry.DefaultPlaybook
				}
			}
		}
		if b.DistrURL == "" && task.Kind == model.TaskUpdate {
			switch {
			case group != nil && group.DistrURL != "":
				b.DistrURL = group.DistrURL
			case inst.CustomDistrURL != "":
				b.DistrURL = inst.CustomDistrURL
			default:
				if entry, err := o.db.GetCatalogEntryByType(ctx, inst.AppType); err == nil && entry != nil {
					b.DistrURL = entry.DefaultDistrURL
				}
			}
		}
		b.Targets = append(b.Targets, RunnerTarget{
			InstanceID:   inst.ID,
			Server:       inst.ServerName,
			InstanceName: inst.InstanceName,
			AppType:      inst.AppType,
			IP:           inst.IP,
			Port:         inst.Port,
			HomePath:     inst.HomePath,
			Version:      inst.Version,
		})
	}
	if b.Playbook == "" {
		return nil, model.NewError(model.ErrPreconditionFailed, "no playbook resolves for task %s", task.ID)
	}
	return b, nil
}

// CommandRunner executes a local command with the bundle on stdin. The
// process is expected to post progress and a final result to the callback
// URL; its exit code is a safety net.
type CommandRunner struct {
	Command string
}

func (r *CommandRunner) Invoke(ctx context.Context, o *Orchestrator, bundle *RunnerBundle) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return model.WrapError(model.ErrInternal, err, "encode runner bundle")
	}
	cmd := exec.Command(r.Command)
	cmd.Stdin = bytes.NewReader(payload)
	if err := cmd.Start(); err != nil {
		return model.WrapError(model.ErrRemoteUnavailable, err, "start runner %q", r.Command)
	}
	o.SetRunnerPID(ctx, bundle.TaskID, cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		if err != nil {
			log.Warn().Err(err).Str("task_id", bundle.TaskID).Msg("runner exited with error")
			ferr := o.HandleResult(ctx, RunnerResult{TaskID: bundle.TaskID, Success: false, Error: err.Error()})
			if ferr != nil {
				log.Error().Err(ferr).Str("task_id", bundle.TaskID).Msg("record runner failure failed")
			}
		}
		// a clean exit finishes through the callback
	}()
	return nil
}

// HTTPRunner posts the bundle to a remote runner service.
type HTTPRunner struct {
	URL     string
	Timeout time.Duration
	client  *http.Client
}

func NewHTTPRunner(url string, timeout time.Duration) *HTTPRunner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRunner{URL: url, Timeout: timeout, client: &http.Client{Timeout: timeout}}
}

func (r *HTTPRunner) Invoke(ctx context.Context, o *Orchestrator, bundle *RunnerBundle) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return model.WrapError(model.ErrInternal, err, "encode runner bundle")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(payload))
	if err != nil {
		return model.WrapError(model.ErrInternal, err, "build runner request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return model.WrapError(model.ErrRemoteUnavailable, err, "post to runner")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return model.NewError(model.ErrRemoteUnavailable, "runner returned http %d", resp.StatusCode)
	}
	return nil
}
