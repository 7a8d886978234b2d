package model

import (
	"encoding/json"
	"time"
)

// TaskKind is the closed set of operations the orchestrator executes.
type TaskKind string

const (
	TaskStart   TaskKind = "start"
	TaskStop    TaskKind = "stop"
	TaskRestart TaskKind = "restart"
	TaskUpdate  TaskKind = "update"
	TaskDrain   TaskKind = "drain"
	TaskCustom  TaskKind = "custom"
)

// ValidTaskKind rejects unknown kinds at the API boundary.
func ValidTaskKind(k TaskKind) bool {
	switch k {
	case TaskStart, TaskStop, TaskRestart, TaskUpdate, TaskDrain, TaskCustom:
		return true
	}
	return false
}

// TaskStatus transitions are monotone:
// pending -> running -> completed | failed | cancelled.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// UpdateMode selects how an update task treats traffic and restarts.
type UpdateMode string

const (
	ModeDeliver      UpdateMode = "deliver"
	ModeImmediate    UpdateMode = "immediate"
	ModeNightRestart UpdateMode = "night-restart"
)

// ValidUpdateMode rejects unknown modes at the API boundary.
func ValidUpdateMode(m UpdateMode) bool {
	return m == ModeDeliver || m == ModeImmediate || m == ModeNightRestart
}

// TaskParams is the JSON parameter bundle stored with a task and handed to
// the playbook runner.
type TaskParams struct {
	DistrURL             string     `json:"distr_url,omitempty"`
	Mode                 UpdateMode `json:"mode,omitempty"`
	OrchestratorPlaybook string     `json:"orchestrator_playbook,omitempty"`
	DrainWaitMinutes     int        `json:"drain_wait_time_minutes,omitempty"`
	IdempotencyKey       string     `json:"idempotency_key,omitempty"`
}

// ProgressPhase is the closed set of task progress phases.
type ProgressPhase string

const (
	PhaseDraining   ProgressPhase = "draining"
	PhaseInstalling ProgressPhase = "installing"
	PhaseRestarting ProgressPhase = "restarting"
	PhaseVerifying  ProgressPhase = "verifying"
	PhaseFailed     ProgressPhase = "failed"
)

// ValidProgressPhase rejects unknown phases from runner callbacks.
func ValidProgressPhase(p ProgressPhase) bool {
	switch p {
	case PhaseDraining, PhaseInstalling, PhaseRestarting, PhaseVerifying, PhaseFailed:
		return true
	}
	return false
}

// Progress is the structured progress payload of a task. SessionsRemaining
// is populated only during the draining phase.
type Progress struct {
	Phase             ProgressPhase `json:"phase"`
	Percent           int           `json:"percent"`
	Host              string        `json:"host,omitempty"`
	Message           string        `json:"message,omitempty"`
	SessionsRemaining *int          `json:"sessions_remaining,omitempty"`
}

// Task is one unit of imperative work over a partition of target instances.
type Task struct {
	ID          string          `json:"id"`
	Kind        TaskKind        `json:"kind"`
	Status      TaskStatus      `json:"status"`
	Params      TaskParams      `json:"params"`
	ServerID    *int64          `json:"server_id,omitempty"`
	GroupID     *int64          `json:"group_id,omitempty"`
	InstanceIDs []int64         `json:"instance_ids"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Progress    json.RawMessage `json:"progress,omitempty"`
	RunnerPID   int             `json:"runner_pid,omitempty"`
	Cancelled   bool            `json:"cancelled"`
}

// TargetRejection explains why one submit target was dropped from the plan.
type TargetRejection struct {
	InstanceID int64     `json:"instance_id"`
	Kind       ErrorKind `json:"kind"`
	Reason     string    `json:"reason"`
}
