package api

import (
	"github.com/gin-gonic/gin"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

func (api *Api) setupGroupRouters(router *gin.Engine) {
	router.GET("/groups", api.ListGroups)
	router.POST("/groups", api.CreateGroup)
	router.GET("/groups/:id", api.GetGroup)
	router.PUT("/groups/:id", api.UpdateGroup)
	router.POST("/groups/:id/members", api.AssignGroupMembers)
	router.POST("/groups/:id/tags", api.GroupTag)
	router.DELETE("/groups/:id/tags/:name", api.GroupUntag)

	router.GET("/catalog", api.ListCatalog)
	router.POST("/catalog", api.CreateCatalogEntry)
	router.PUT("/catalog/:id", api.UpdateCatalogEntry)
}

func (api *Api) ListGroups(c *gin.Context) {
	groups, err := api.db.ListGroups(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"groups": groups})
}

type createGroupRequest struct {
	Name             string                 `json:"name" binding:"required"`
	DistrURL         string                 `json:"distr_url"`
	UpdatePlaybook   string                 `json:"update_playbook"`
	GroupingStrategy model.GroupingStrategy `json:"grouping_strategy"`
}

func (api *Api) CreateGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.GroupingStrategy != "" && !model.ValidGroupingStrategy(req.GroupingStrategy) {
		failBadRequest(c, "unknown grouping strategy "+string(req.GroupingStrategy))
		return
	}
	g, err := api.db.CreateGroup(c.Request.Context(), &model.Group{
		Name:             req.Name,
		DistrURL:         req.DistrURL,
		UpdatePlaybook:   req.UpdatePlaybook,
		GroupingStrategy: req.GroupingStrategy,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"group": g})
}

func (api *Api) GetGroup(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	g, err := api.db.GetGroup(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"group": g})
}

type updateGroupRequest struct {
	DistrURL         string                 `json:"distr_url"`
	UpdatePlaybook   string                 `json:"update_playbook"`
	GroupingStrategy model.GroupingStrategy `json:"grouping_strategy" binding:"required"`
}

func (api *Api) UpdateGroup(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req updateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if !model.ValidGroupingStrategy(req.GroupingStrategy) {
		failBadRequest(c, "unknown grouping strategy "+string(req.GroupingStrategy))
		return
	}
	if err := api.db.UpdateGroup(c.Request.Context(), id, req.DistrURL, req.UpdatePlaybook, req.GroupingStrategy); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

type assignMembersRequest struct {
	AppIDs []int64 `json:"app_ids" binding:"required"`
	Remove bool    `json:"remove"`
}

// AssignGroupMembers moves instances into the group, or out of it when
// remove is set. Per-item results, the envelope stays 200.
func (api *Api) AssignGroupMembers(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req assignMembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if _, err := api.db.GetGroup(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	groupID := &id
	if req.Remove {
		groupID = nil
	}
	type memberResult struct {
		InstanceID int64  `json:"instance_id"`
		Success    bool   `json:"success"`
		Error      string `json:"error,omitempty"`
	}
	results := make([]memberResult, 0, len(req.AppIDs))
	for _, appID := range req.AppIDs {
		res := memberResult{InstanceID: appID, Success: true}
		if err := api.db.AssignInstanceToGroup(c.Request.Context(), appID, groupID); err != nil {
			res.Success = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	ok(c, gin.H{"results": results})
}

type groupTagRequest struct {
	Name string `json:"name" binding:"required"`
}

func (api *Api) GroupTag(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req groupTagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if err := api.db.GroupTag(c.Request.Context(), id, req.Name); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (api *Api) GroupUntag(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	if err := api.db.GroupUntag(c.Request.Context(), id, c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (api *Api) ListCatalog(c *gin.Context) {
	entries, err := api.db.ListCatalog(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"catalog": entries})
}

type catalogEntryRequest struct {
	Name            string `json:"name" binding:"required"`
	AppType         string `json:"app_type" binding:"required"`
	DefaultPlaybook string `json:"default_playbook"`
	DefaultDistrURL string `json:"default_distr_url"`
	DistrExtension  string `json:"distr_extension"`
}

func (api *Api) CreateCatalogEntry(c *gin.Context) {
	var req catalogEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	e, err := api.db.CreateCatalogEntry(c.Request.Context(), &model.CatalogEntry{
		Name:            req.Name,
		AppType:         req.AppType,
		DefaultPlaybook: req.DefaultPlaybook,
		DefaultDistrURL: req.DefaultDistrURL,
		DistrExtension:  req.DistrExtension,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"entry": e})
}

type updateCatalogRequest struct {
	DefaultPlaybook string `json:"default_playbook"`
	DefaultDistrURL string `json:"default_distr_url"`
	DistrExtension  string `json:"distr_extension"`
}

func (api *Api) UpdateCatalogEntry(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req updateCatalogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if err := api.db.UpdateCatalogEntry(c.Request.Context(), id, req.DefaultPlaybook, req.DefaultDistrURL, req.DistrExtension); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}
