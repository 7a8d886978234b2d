package api

import (
	"github.com/gin-gonic/gin"

	"github.com/opsforge/fleetd/internal/collector"
	"github.com/opsforge/fleetd/internal/inventory/model"
)

func (api *Api) setupHAProxyRouters(router *gin.Engine) {
	router.GET("/haproxy/instances", api.ListHAProxyInstances)
	router.GET("/haproxy/instances/:id/backends", api.ListBackends)
	router.GET("/haproxy/backends/:id/servers", api.ListBackendServers)
	router.POST("/haproxy/instances/:id/sync", api.SyncHAProxyInstance)
	router.POST("/haproxy/servers/:id/map", api.MapHAProxyServer)
	router.DELETE("/haproxy/servers/:id/map", api.UnmapHAProxyServer)
	router.GET("/haproxy/servers/:id/history", api.HAProxyServerHistory)
}

// HAProxyServerHistory returns the recorded state transitions and mapping
// changes of one backend member.
func (api *Api) HAProxyServerHistory(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	statuses, err := api.db.ListHAProxyStatusHistory(ctx, id, api.eventLimit)
	if err != nil {
		fail(c, err)
		return
	}
	mappings, err := api.db.ListMappingHistory(ctx, model.EntityHAProxyServer, id, api.eventLimit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"status_history": statuses, "mapping_history": mappings})
}

func (api *Api) ListHAProxyInstances(c *gin.Context) {
	instances, err := api.db.ListHAProxyInstances(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"instances": instances})
}

func (api *Api) ListBackends(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	backends, err := api.db.ListBackendsWithCounts(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"backends": backends})
}

func (api *Api) ListBackendServers(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	servers, err := api.db.ListHAProxyServersByBackend(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"servers": servers})
}

// SyncHAProxyInstance re-fetches one HAProxy node immediately.
func (api *Api) SyncHAProxyInstance(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	instances, err := api.db.ListHAProxyInstances(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	var serverID int64
	for _, hi := range instances {
		if hi.ID == id {
			serverID = hi.ServerID
			break
		}
	}
	if serverID == 0 {
		fail(c, model.NewError(model.ErrNotFound, "haproxy instance %d not found", id))
		return
	}
	srv, err := api.db.GetServer(ctx, serverID)
	if err != nil {
		fail(c, err)
		return
	}
	collector.Refresh(ctx, api.haproxyDeps, *srv)
	status, err := api.db.GetFetchStatus(ctx, model.SourceHAProxy, serverID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"fetch_status": status})
}

type mapRequest struct {
	ApplicationID int64  `json:"application_id" binding:"required"`
	Notes         string `json:"notes"`
}

// MapHAProxyServer creates a manual mapping. Manual mappings survive
// reconciliation and block auto-resolution.
func (api *Api) MapHAProxyServer(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req mapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	ctx := c.Request.Context()

	if _, err := api.db.GetHAProxyServer(ctx, id); err != nil {
		fail(c, err)
		return
	}
	inst, err := api.db.GetInstance(ctx, req.ApplicationID)
	if err != nil {
		fail(c, err)
		return
	}
	if !inst.Live() {
		fail(c, model.NewError(model.ErrPreconditionFailed, "application %d is removed", inst.ID))
		return
	}
	if existing, err := api.db.GetLiveMappingForEntity(ctx, model.EntityHAProxyServer, id); err != nil {
		fail(c, err)
		return
	} else if existing != nil {
		if _, err := api.db.RemoveMapping(ctx, model.EntityHAProxyServer, id, model.ReasonOperatorUnmap, "operator"); err != nil {
			fail(c, err)
			return
		}
	}
	m := &model.Mapping{
		InstanceID: inst.ID,
		EntityType: model.EntityHAProxyServer,
		EntityID:   id,
		IsManual:   true,
		MappedBy:   "operator",
		Notes:      req.Notes,
	}
	if err := api.db.CreateMapping(ctx, m, model.ReasonManual, "operator"); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"mapping": m})
}

// UnmapHAProxyServer removes the live mapping and opens the sticky window so
// auto-resolution does not immediately recreate it.
func (api *Api) UnmapHAProxyServer(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	removed, err := api.db.RemoveMapping(ctx, model.EntityHAProxyServer, id, model.ReasonOperatorUnmap, "operator")
	if err != nil {
		fail(c, err)
		return
	}
	api.mapper.MarkOperatorUnmap(ctx, model.EntityHAProxyServer, id)
	ok(c, gin.H{"removed": removed})
}
