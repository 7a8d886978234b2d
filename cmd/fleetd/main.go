package main

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opsforge/fleetd/internal/api"
	"github.com/opsforge/fleetd/internal/artifacts"
	"github.com/opsforge/fleetd/internal/collector"
	"github.com/opsforge/fleetd/internal/config"
	"github.com/opsforge/fleetd/internal/inventory/database"
	"github.com/opsforge/fleetd/internal/inventory/model"
	"github.com/opsforge/fleetd/internal/mapping"
	"github.com/opsforge/fleetd/internal/middleware"
	"github.com/opsforge/fleetd/internal/orchestrator"
)

func main() {
	log.Info().Msg("Starting fleetd control plane")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	db, err := database.New(cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open inventory database")
	}
	defer db.Close()
	db.DB().SetMaxOpenConns(25)
	db.DB().SetMaxIdleConns(5)
	db.DB().SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("inventory schema check failed")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	mapper := mapping.NewEngine(db, rdb, config.Duration(cfg.Mapping.StickyWindow, 24*time.Hour))

	batchCh := make(chan collector.Batch, cfg.Collectors.BatchChan)
	client := collector.NewClient()

	agentDeps := sourceDeps(db, rdb, client, batchCh, cfg.Collectors.Agent, model.SourceAgent)
	haproxyDeps := sourceDeps(db, rdb, client, batchCh, cfg.Collectors.HAProxy, model.SourceHAProxy)
	eurekaDeps := sourceDeps(db, rdb, client, batchCh, cfg.Collectors.Eureka, model.SourceEureka)

	go collector.Start(ctx, agentDeps)
	go collector.Start(ctx, haproxyDeps)
	go collector.Start(ctx, eurekaDeps)
	go collector.RunConsumer(ctx, collector.ConsumerDeps{
		DB:             db,
		Mapper:         mapper,
		In:             batchCh,
		EventRetention: cfg.Reconciler.EventRetentionCount,
	})
	go db.RunPurgeLoop(ctx,
		config.Duration(cfg.Reconciler.PurgeInterval, time.Hour),
		config.Duration(cfg.Reconciler.SoftDeleteRetention, 720*time.Hour))

	var runner orchestrator.Runner
	switch {
	case cfg.Orchestrator.RunnerCommand != "":
		runner = &orchestrator.CommandRunner{Command: cfg.Orchestrator.RunnerCommand}
	case cfg.Orchestrator.RunnerURL != "":
		runner = orchestrator.NewHTTPRunner(cfg.Orchestrator.RunnerURL, 30*time.Second)
	default:
		log.Warn().Msg("no playbook runner configured; lifecycle tasks will fail")
	}
	orch := orchestrator.New(orchestrator.Deps{
		DB:                   db,
		Runner:               runner,
		GlobalConcurrency:    cfg.Orchestrator.GlobalConcurrency,
		PerServerConcurrency: cfg.Orchestrator.PerServerConcurrency,
		DrainWaitMaxMinutes:  cfg.Orchestrator.DrainWaitMaxMinutes,
		DispatchInterval:     config.Duration(cfg.Orchestrator.DispatchInterval, time.Second),
		EventRetention:       cfg.Reconciler.EventRetentionCount,
		CallbackBaseURL:      cfg.Orchestrator.CallbackBaseURL,
		HAProxyPlaybook:      cfg.Orchestrator.HAProxyPlaybook,
	})
	go orch.RunDispatcher(ctx)

	artifactClient := artifacts.New(cfg.Artifacts.RepoURL, cfg.Artifacts.ListLimit,
		config.Duration(cfg.Artifacts.Timeout, 15*time.Second))

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.Authentication)
	api.NewApi(router, api.Options{
		DB:          db,
		Orch:        orch,
		Mapper:      mapper,
		Artifacts:   artifactClient,
		AgentDeps:   agentDeps,
		HAProxyDeps: haproxyDeps,
		EventLimit:  50,
	})

	log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
	if err := router.Run(cfg.Server.BindAddr); err != nil {
		log.Fatal().Err(err).Msg("start fleetd api server failed.")
	}
	log.Info().Msg("fleetd exit...")
}

func sourceDeps(db *database.Database, rdb *redis.Client, client *collector.Client, out chan collector.Batch, sc config.SourceConfig, source model.FetchSource) collector.Deps {
	return collector.Deps{
		DB:               db,
		Redis:            rdb,
		Client:           client,
		Out:              out,
		Source:           source,
		Interval:         config.Duration(sc.Interval, 30*time.Second),
		FetchTimeout:     config.Duration(sc.FetchTimeout, 10*time.Second),
		Concurrency:      sc.Concurrency,
		FailureThreshold: sc.FailureThreshold,
	}
}
