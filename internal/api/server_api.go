package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/opsforge/fleetd/internal/collector"
	"github.com/opsforge/fleetd/internal/inventory/model"
)

func (api *Api) setupServerRouters(router *gin.Engine) {
	router.GET("/servers", api.ListServers)
	router.GET("/servers/:id", api.GetServer)
	router.POST("/servers", api.CreateServer)
	router.POST("/servers/:id/refresh", api.RefreshServer)
	router.DELETE("/servers/:id", api.DeleteServer)
	router.GET("/collectors/:source/status", api.CollectorStatus)
}

// CollectorStatus lists the last fetch outcome of every endpoint of one
// source.
func (api *Api) CollectorStatus(c *gin.Context) {
	source := model.FetchSource(c.Param("source"))
	switch source {
	case model.SourceAgent, model.SourceHAProxy, model.SourceEureka:
	default:
		failBadRequest(c, "unknown source "+string(source))
		return
	}
	statuses, err := api.db.ListFetchStatuses(c.Request.Context(), source)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"statuses": statuses})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		failBadRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, model.NewError(model.ErrPreconditionFailed, "invalid numeric id %q", s)
	}
	return id, nil
}

func (api *Api) ListServers(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		srv, err := api.db.GetServerByName(c.Request.Context(), name)
		if err != nil {
			fail(c, err)
			return
		}
		if srv == nil {
			fail(c, model.NewError(model.ErrNotFound, "server %q not found", name))
			return
		}
		ok(c, gin.H{"servers": []model.Server{*srv}})
		return
	}
	servers, err := api.db.ListServers(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"servers": servers})
}

func (api *Api) GetServer(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	srv, err := api.db.GetServer(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	status, err := api.db.GetFetchStatus(c.Request.Context(), model.SourceAgent, id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"server": srv, "fetch_status": status})
}

type createServerRequest struct {
	Name          string `json:"name" binding:"required"`
	IP            string `json:"ip" binding:"required"`
	AgentPort     int    `json:"agent_port"`
	IsHAProxyNode bool   `json:"is_haproxy_node"`
	IsEurekaNode  bool   `json:"is_eureka_node"`
}

func (api *Api) CreateServer(c *gin.Context) {
	var req createServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	srv := &model.Server{
		Name:          req.Name,
		IP:            req.IP,
		AgentPort:     req.AgentPort,
		Status:        model.ServerUnknown,
		IsHAProxyNode: req.IsHAProxyNode,
		IsEurekaNode:  req.IsEurekaNode,
	}
	if err := api.db.CreateServer(c.Request.Context(), srv); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"server": srv})
}

// RefreshServer runs one agent fetch for the host immediately, outside the
// poll timer.
func (api *Api) RefreshServer(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	srv, err := api.db.GetServer(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	if srv.AgentPort <= 0 {
		fail(c, model.NewError(model.ErrPreconditionFailed, "server %s has no agent endpoint", srv.Name))
		return
	}
	collector.Refresh(c.Request.Context(), api.agentDeps, *srv)
	status, err := api.db.GetFetchStatus(c.Request.Context(), model.SourceAgent, id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"fetch_status": status})
}

func (api *Api) DeleteServer(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	if err := api.db.DeleteServer(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}
