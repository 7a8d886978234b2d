package api

import (
	"github.com/gin-gonic/gin"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

func (api *Api) setupEurekaRouters(router *gin.Engine) {
	router.GET("/eureka/servers", api.ListEurekaServers)
	router.GET("/eureka/servers/:id/instances", api.ListEurekaInstances)
	router.GET("/eureka/instances/:id/history", api.EurekaInstanceHistory)
}

func (api *Api) ListEurekaServers(c *gin.Context) {
	servers, err := api.db.ListEurekaServers(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"eureka_servers": servers})
}

func (api *Api) ListEurekaInstances(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	instances, err := api.db.ListEurekaInstancesByServer(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"instances": instances})
}

// EurekaInstanceHistory returns the recorded state transitions and mapping
// changes of one registration.
func (api *Api) EurekaInstanceHistory(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	statuses, err := api.db.ListEurekaStatusHistory(ctx, id, api.eventLimit)
	if err != nil {
		fail(c, err)
		return
	}
	mappings, err := api.db.ListMappingHistory(ctx, model.EntityEurekaInstance, id, api.eventLimit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"status_history": statuses, "mapping_history": mappings})
}
