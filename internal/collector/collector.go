// Package collector runs the three source pollers (agent, HAProxy, Eureka)
// and feeds observation batches to the reconcile consumer. A failed fetch
// records a fetch-status row but never produces a batch, so transient
// outages cannot tombstone inventory.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/opsforge/fleetd/internal/inventory/database"
	"github.com/opsforge/fleetd/internal/inventory/model"
	"github.com/opsforge/fleetd/internal/metrics"
	"github.com/opsforge/fleetd/internal/reconciler"
)

// Batch is one successful observation of one endpoint, ready for
// reconciliation. Exactly one of the payload slices is meaningful,
// selected by Source.
type Batch struct {
	Source model.FetchSource
	At     time.Time

	ServerID  int64
	Instances []reconciler.ObservedInstance

	HAProxyID int64
	HAProxy   []reconciler.ObservedHAProxyServer

	EurekaServerID int64
	Eureka         []reconciler.ObservedEurekaInstance
}

// Deps wires one source poller.
type Deps struct {
	DB     *database.Database
	Redis  *redis.Client
	Client *Client
	Out    chan<- Batch

	Source           model.FetchSource
	Interval         time.Duration
	FetchTimeout     time.Duration
	Concurrency      int
	FailureThreshold int
}

const (
	fetchOK   = "ok"
	fetchSoft = "soft_failure"
	fetchHard = "hard_failure"
)

// Start runs the poll loop for one source until the context ends. In-flight
// fetches finish before the loop returns.
func Start(ctx context.Context, deps Deps) {
	if deps.Interval <= 0 {
		deps.Interval = 30 * time.Second
	}
	if deps.FetchTimeout <= 0 {
		deps.FetchTimeout = 10 * time.Second
	}
	if deps.Concurrency <= 0 {
		deps.Concurrency = 8
	}
	t := time.NewTicker(deps.Interval)
	defer t.Stop()

	pollOnce(ctx, deps)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pollOnce(ctx, deps)
		}
	}
}

// Refresh fetches one endpoint immediately, outside the poll timer. The
// resulting batch flows through the normal consumer path.
func Refresh(ctx context.Context, deps Deps, srv model.Server) {
	fetchOne(ctx, deps, srv)
}

func pollOnce(ctx context.Context, deps Deps) {
	servers, err := listTargets(ctx, deps)
	if err != nil {
		log.Error().Err(err).Str("source", string(deps.Source)).Msg("list poll targets failed")
		return
	}

	sem := make(chan struct{}, deps.Concurrency)
	var wg sync.WaitGroup
	for _, srv := range servers {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(srv model.Server) {
			defer wg.Done()
			defer func() { <-sem }()
			fetchOne(ctx, deps, srv)
		}(srv)
	}
	wg.Wait()
}

func listTargets(ctx context.Context, deps Deps) ([]model.Server, error) {
	switch deps.Source {
	case model.SourceAgent:
		return deps.DB.ListAgentEndpoints(ctx)
	case model.SourceHAProxy:
		return deps.DB.ListHAProxyNodes(ctx)
	case model.SourceEureka:
		return deps.DB.ListEurekaNodes(ctx)
	}
	return nil, model.NewError(model.ErrInternal, "unknown source %q", deps.Source)
}

func fetchOne(ctx context.Context, deps Deps, srv model.Server) {
	fctx, cancel := context.WithTimeout(ctx, deps.FetchTimeout)
	defer cancel()

	now := time.Now().UTC()
	state, err := deps.Client.FetchState(fctx, srv)
	if err != nil {
		if model.IsKind(err, model.ErrCancelled) {
			return
		}
		recordOutcome(ctx, deps, srv, classifyOutcome(err), err.Error(), now)
		return
	}

	batch, err := buildBatch(ctx, deps, srv, state, now)
	if err != nil {
		recordOutcome(ctx, deps, srv, fetchSoft, err.Error(), now)
		return
	}

	recordOutcome(ctx, deps, srv, fetchOK, "", now)
	select {
	case deps.Out <- *batch:
	case <-ctx.Done():
	}
}

// classifyOutcome maps a typed fetch error to a fetch status. Only an
// authoritative "gone" answer is hard; everything else is countable.
func classifyOutcome(err error) string {
	if model.IsKind(err, model.ErrNotFound) {
		return fetchHard
	}
	return fetchSoft
}

func buildBatch(ctx context.Context, deps Deps, srv model.Server, state *AgentState, now time.Time) (*Batch, error) {
	b := &Batch{Source: deps.Source, At: now}
	switch deps.Source {
	case model.SourceAgent:
		b.ServerID = srv.ID
		b.Instances = state.Instances
	case model.SourceHAProxy:
		if state.HAProxy == nil {
			return nil, model.NewError(model.ErrRemoteMalformed, "agent on %s reported no haproxy block", srv.Name)
		}
		id, err := deps.DB.EnsureHAProxyInstance(ctx, srv.ID, srv.Name)
		if err != nil {
			return nil, err
		}
		b.HAProxyID = id
		b.HAProxy = state.HAProxy.Servers
	case model.SourceEureka:
		if state.Eureka == nil {
			return nil, model.NewError(model.ErrRemoteMalformed, "agent on %s reported no eureka block", srv.Name)
		}
		url := fmt.Sprintf("http://%s:%d/eureka", srv.IP, srv.AgentPort)
		id, err := deps.DB.EnsureEurekaServer(ctx, url, srv.Name)
		if err != nil {
			return nil, err
		}
		b.EurekaServerID = id
		b.Eureka = state.Eureka.Instances
	}
	return b, nil
}

// recordOutcome persists the fetch-status tuple, mirrors it in redis, and
// flips the server's reachability when the failure threshold is crossed.
func recordOutcome(ctx context.Context, deps Deps, srv model.Server, status, errMsg string, at time.Time) {
	metrics.FetchTotal.WithLabelValues(string(deps.Source), status).Inc()

	failures, err := deps.DB.RecordFetchStatus(ctx, deps.Source, srv.ID, status, errMsg, at)
	if err != nil {
		log.Error().Err(err).Str("source", string(deps.Source)).Str("server", srv.Name).Msg("record fetch status failed")
		return
	}
	mirrorFetchStatus(ctx, deps, srv.ID, status, failures, at)

	if status == fetchOK {
		if deps.Source == model.SourceAgent {
			if err := deps.DB.SetServerStatus(ctx, srv.ID, model.ServerOnline, at); err != nil {
				log.Error().Err(err).Str("server", srv.Name).Msg("mark server online failed")
			}
		}
		return
	}

	log.Warn().
		Str("source", string(deps.Source)).
		Str("server", srv.Name).
		Str("status", status).
		Int("consecutive_failures", failures).
		Str("error", errMsg).
		Msg("fetch failed")

	if deps.Source == model.SourceAgent && deps.FailureThreshold > 0 &&
		failures >= deps.FailureThreshold && srv.Status != model.ServerOffline {
		if err := deps.DB.SetServerStatus(ctx, srv.ID, model.ServerOffline, at); err != nil {
			log.Error().Err(err).Str("server", srv.Name).Msg("mark server offline failed")
		}
	}
}

func mirrorFetchStatus(ctx context.Context, deps Deps, endpointID int64, status string, failures int, at time.Time) {
	if deps.Redis == nil {
		return
	}
	key := fmt.Sprintf("fleetd:fetch:%s:%d", deps.Source, endpointID)
	err := deps.Redis.HSet(ctx, key,
		"status", status,
		"consecutive_failures", failures,
		"attempted_at", at.Format(time.RFC3339),
	).Err()
	if err == nil {
		err = deps.Redis.Expire(ctx, key, 24*time.Hour).Err()
	}
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("redis fetch-status mirror failed")
	}
}
