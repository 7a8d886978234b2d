// Package api exposes the operator REST surface and the runner callback
// endpoints.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsforge/fleetd/internal/artifacts"
	"github.com/opsforge/fleetd/internal/collector"
	"github.com/opsforge/fleetd/internal/inventory/database"
	"github.com/opsforge/fleetd/internal/inventory/model"
	"github.com/opsforge/fleetd/internal/mapping"
	"github.com/opsforge/fleetd/internal/orchestrator"
)

type Api struct {
	db       *database.Database
	orch     *orchestrator.Orchestrator
	mapper   *mapping.Engine
	artifact *artifacts.Client

	agentDeps   collector.Deps
	haproxyDeps collector.Deps

	eventLimit int
}

type Options struct {
	DB          *database.Database
	Orch        *orchestrator.Orchestrator
	Mapper      *mapping.Engine
	Artifacts   *artifacts.Client
	AgentDeps   collector.Deps
	HAProxyDeps collector.Deps
	EventLimit  int
}

func NewApi(router *gin.Engine, opts Options) *Api {
	api := &Api{
		db:          opts.DB,
		orch:        opts.Orch,
		mapper:      opts.Mapper,
		artifact:    opts.Artifacts,
		agentDeps:   opts.AgentDeps,
		haproxyDeps: opts.HAProxyDeps,
		eventLimit:  opts.EventLimit,
	}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router *gin.Engine) {
	router.GET("/healthz", api.Healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api.setupServerRouters(router)
	api.setupApplicationRouters(router)
	api.setupGroupRouters(router)
	api.setupTagRouters(router)
	api.setupHAProxyRouters(router)
	api.setupEurekaRouters(router)
	api.setupTaskRouters(router)
}

func (api *Api) Healthz(c *gin.Context) {
	if err := api.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "database unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ok renders the success envelope with extra fields merged in.
func ok(c *gin.Context, fields gin.H) {
	body := gin.H{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// fail renders the failure envelope, mapping the error kind to a status code.
func fail(c *gin.Context, err error) {
	kind := model.KindOf(err)
	c.JSON(statusFor(kind), gin.H{"success": false, "kind": kind, "error": err.Error()})
}

func failBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "kind": model.ErrPreconditionFailed, "error": msg})
}

func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrConflict, model.ErrCancelled:
		return http.StatusConflict
	case model.ErrPreconditionFailed:
		return http.StatusPreconditionFailed
	case model.ErrRemoteUnavailable, model.ErrRemoteMalformed:
		return http.StatusBadGateway
	case model.ErrTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
