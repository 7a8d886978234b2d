package api

import (
	"github.com/gin-gonic/gin"
)

func (api *Api) setupTagRouters(router *gin.Engine) {
	router.GET("/tags", api.ListTags)
	router.POST("/tags/bulk-assign", api.BulkAssignTags)
}

func (api *Api) ListTags(c *gin.Context) {
	tags, err := api.db.ListTags(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"tags": tags})
}

type bulkAssignRequest struct {
	AppIDs   []int64  `json:"app_ids" binding:"required"`
	TagNames []string `json:"tag_names" binding:"required"`
	Action   string   `json:"action" binding:"required"`
}

// BulkAssignTags applies tags across instances. The envelope always
// succeeds; per-instance failures are reported in the results array.
func (api *Api) BulkAssignTags(c *gin.Context) {
	var req bulkAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Action != "add" && req.Action != "remove" {
		failBadRequest(c, "action must be add or remove")
		return
	}
	results, err := api.db.BulkAssignTags(c.Request.Context(), req.AppIDs, req.TagNames, req.Action == "add", "operator")
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"results": results})
}
