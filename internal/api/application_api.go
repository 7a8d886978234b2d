package api

import (
	"github.com/gin-gonic/gin"

	"github.com/opsforge/fleetd/internal/inventory/database"
	"github.com/opsforge/fleetd/internal/inventory/model"
	"github.com/opsforge/fleetd/internal/orchestrator"
)

func (api *Api) setupApplicationRouters(router *gin.Engine) {
	router.GET("/applications", api.ListApplications)
	router.GET("/applications/:id", api.GetApplication)
	router.PUT("/applications/:id/update_playbook", api.UpdatePlaybook)
	router.GET("/applications/:id/artifacts", api.ListArtifacts)
	router.POST("/applications/batch_action", api.BatchAction)
	router.POST("/applications/batch_update", api.BatchUpdate)
	router.PUT("/applications/:id/lock", api.SetLock)
}

type lockRequest struct {
	Tag    string `json:"tag" binding:"required"`
	Locked bool   `json:"locked"`
}

// SetLock attaches or releases an operation lock tag. These are system tags;
// bulk-assign refuses to touch them.
func (api *Api) SetLock(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Tag != model.TagStatusLock && req.Tag != model.TagVersionLock {
		failBadRequest(c, "unknown lock tag "+req.Tag)
		return
	}
	ctx := c.Request.Context()
	inst, err := api.db.GetInstance(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	if !inst.Live() {
		fail(c, model.NewError(model.ErrPreconditionFailed, "application %d is removed", id))
		return
	}
	if err := api.db.SetSystemTag(ctx, id, req.Tag, req.Locked); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (api *Api) ListApplications(c *gin.Context) {
	f := database.InstanceFilter{
		Tag:   c.Query("tag"),
		Query: c.Query("q"),
	}
	if s := c.Query("server_id"); s != "" {
		id, err := parseID(s)
		if err != nil {
			failBadRequest(c, "invalid server_id")
			return
		}
		f.ServerID = id
	}
	if c.Query("deleted") == "true" {
		f.Deleted = true
	}
	instances, err := api.db.SearchInstances(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	ids := make([]int64, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	tags, err := api.db.TagsForInstances(c.Request.Context(), ids)
	if err != nil {
		fail(c, err)
		return
	}
	type row struct {
		model.Instance
		Tags []string `json:"tags"`
	}
	out := make([]row, 0, len(instances))
	for _, inst := range instances {
		t := tags[inst.ID]
		if t == nil {
			t = []string{}
		}
		out = append(out, row{Instance: inst, Tags: t})
	}
	ok(c, gin.H{"applications": out})
}

func (api *Api) GetApplication(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()

	inst, err := api.db.GetInstance(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	own, inherited, err := api.db.InstanceTags(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	mappings, err := api.db.ListMappingsForInstance(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	events, err := api.db.ListEvents(ctx, id, api.eventLimit)
	if err != nil {
		fail(c, err)
		return
	}
	versions, err := api.db.ListVersionHistory(ctx, id, 20)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{
		"application":     inst,
		"tags":            own,
		"group_tags":      inherited,
		"mappings":        mappings,
		"events":          events,
		"version_history": versions,
	})
}

type updatePlaybookRequest struct {
	Playbook string `json:"playbook"`
}

func (api *Api) UpdatePlaybook(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req updatePlaybookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if err := api.db.UpdateInstancePlaybook(c.Request.Context(), id, req.Playbook); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (api *Api) ListArtifacts(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	inst, err := api.db.GetInstance(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := parseID(s)
		if err != nil {
			failBadRequest(c, "invalid limit")
			return
		}
		limit = int(n)
	}
	list, err := api.artifact.List(ctx, inst.AppType, limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"artifacts": list})
}

type batchActionRequest struct {
	AppIDs         []int64 `json:"app_ids" binding:"required"`
	Action         string  `json:"action" binding:"required"`
	IdempotencyKey string  `json:"idempotency_key"`
}

func (api *Api) BatchAction(c *gin.Context) {
	var req batchActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	kind := model.TaskKind(req.Action)
	if kind != model.TaskStart && kind != model.TaskStop && kind != model.TaskRestart {
		failBadRequest(c, "action must be start, stop or restart")
		return
	}
	res, err := api.orch.Submit(c.Request.Context(), orchestrator.SubmitRequest{
		Kind:    kind,
		Targets: req.AppIDs,
		Params:  model.TaskParams{IdempotencyKey: req.IdempotencyKey},
		Actor:   "operator",
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"task_ids": res.TaskIDs, "rejections": res.Rejections})
}

type batchUpdateRequest struct {
	AppIDs               []int64 `json:"app_ids" binding:"required"`
	DistrURL             string  `json:"distr_url" binding:"required"`
	Mode                 string  `json:"mode" binding:"required"`
	OrchestratorPlaybook string  `json:"orchestrator_playbook"`
	DrainWaitTime        int     `json:"drain_wait_time"`
	IdempotencyKey       string  `json:"idempotency_key"`
}

func (api *Api) BatchUpdate(c *gin.Context) {
	var req batchUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	mode := model.UpdateMode(req.Mode)
	if !model.ValidUpdateMode(mode) {
		failBadRequest(c, "mode must be deliver, immediate or night-restart")
		return
	}
	res, err := api.orch.Submit(c.Request.Context(), orchestrator.SubmitRequest{
		Kind:    model.TaskUpdate,
		Targets: req.AppIDs,
		Params: model.TaskParams{
			DistrURL:             req.DistrURL,
			Mode:                 mode,
			OrchestratorPlaybook: req.OrchestratorPlaybook,
			DrainWaitMinutes:     req.DrainWaitTime,
			IdempotencyKey:       req.IdempotencyKey,
		},
		Actor: "operator",
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"task_ids": res.TaskIDs, "groups_count": res.GroupCount, "rejections": res.Rejections})
}
