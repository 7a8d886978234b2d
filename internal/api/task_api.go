package api

import (
	"github.com/gin-gonic/gin"

	"github.com/opsforge/fleetd/internal/inventory/database"
	"github.com/opsforge/fleetd/internal/inventory/model"
	"github.com/opsforge/fleetd/internal/orchestrator"
)

func (api *Api) setupTaskRouters(router *gin.Engine) {
	router.GET("/tasks", api.ListTasks)
	router.GET("/tasks/:id", api.GetTask)
	router.POST("/tasks/:id/cancel", api.CancelTask)

	// runner callbacks
	router.POST("/internal/tasks/:id/progress", api.TaskProgress)
	router.POST("/internal/tasks/:id/result", api.TaskResult)
}

func (api *Api) ListTasks(c *gin.Context) {
	f := database.TaskFilter{
		Status: model.TaskStatus(c.Query("status")),
		Kind:   model.TaskKind(c.Query("type")),
	}
	if f.Status != "" {
		switch f.Status {
		case model.TaskPending, model.TaskRunning, model.TaskCompleted, model.TaskFailed, model.TaskCancelled:
		default:
			failBadRequest(c, "unknown status filter")
			return
		}
	}
	if f.Kind != "" && !model.ValidTaskKind(f.Kind) {
		failBadRequest(c, "unknown type filter")
		return
	}
	tasks, err := api.db.ListTasks(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"tasks": tasks})
}

func (api *Api) GetTask(c *gin.Context) {
	task, err := api.db.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"task": task})
}

func (api *Api) CancelTask(c *gin.Context) {
	task, err := api.orch.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"task": task})
}

// TaskProgress receives one runner progress event. Events arriving after a
// terminal transition are dropped without error.
func (api *Api) TaskProgress(c *gin.Context) {
	var p model.Progress
	if err := c.ShouldBindJSON(&p); err != nil {
		failBadRequest(c, "invalid progress body: "+err.Error())
		return
	}
	if err := api.orch.HandleProgress(c.Request.Context(), c.Param("id"), p); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

// TaskResult receives the runner's final event and finishes the task.
func (api *Api) TaskResult(c *gin.Context) {
	var r orchestrator.RunnerResult
	if err := c.ShouldBindJSON(&r); err != nil {
		failBadRequest(c, "invalid result body: "+err.Error())
		return
	}
	r.TaskID = c.Param("id")
	if err := api.orch.HandleResult(c.Request.Context(), r); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}
