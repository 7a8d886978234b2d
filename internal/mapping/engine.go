// Package mapping resolves external entities (HAProxy backend members,
// Eureka registrations) to application instances by network address.
package mapping

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/opsforge/fleetd/internal/inventory/database"
	"github.com/opsforge/fleetd/internal/inventory/model"
	"github.com/opsforge/fleetd/internal/metrics"
)

// Engine is re-entrant; per-entity locks keep two resolutions of the same
// entity from racing on its mapping row.
type Engine struct {
	db     *database.Database
	redis  *redis.Client
	sticky time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(db *database.Database, rdb *redis.Client, stickyWindow time.Duration) *Engine {
	return &Engine{
		db:     db,
		redis:  rdb,
		sticky: stickyWindow,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockEntity(entityType model.MappedEntityType, entityID int64) func() {
	key := fmt.Sprintf("%s:%d", entityType, entityID)
	e.mu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// ResolveHAProxyServer re-resolves the mapping of one backend member.
func (e *Engine) ResolveHAProxyServer(ctx context.Context, srv model.HAProxyServer) {
	e.resolve(ctx, model.EntityHAProxyServer, srv.ID, srv.IP, srv.Port, srv.Name)
}

// ResolveEurekaInstance re-resolves the mapping of one registration.
func (e *Engine) ResolveEurekaInstance(ctx context.Context, inst model.EurekaInstance) {
	host := inst.InstanceID
	if i := strings.IndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	e.resolve(ctx, model.EntityEurekaInstance, inst.ID, inst.IP, inst.Port, host)
}

// ReresolveInstance re-runs resolution for every entity currently mapped to
// an instance whose address changed.
func (e *Engine) ReresolveInstance(ctx context.Context, inst model.Instance) {
	mappings, err := e.db.ListMappingsForInstance(ctx, inst.ID)
	if err != nil {
		log.Error().Err(err).Int64("instance_id", inst.ID).Msg("list mappings for address change failed")
		return
	}
	for _, m := range mappings {
		if m.RemovedAt != nil || m.IsManual {
			continue
		}
		switch m.EntityType {
		case model.EntityHAProxyServer:
			srv, err := e.db.GetHAProxyServer(ctx, m.EntityID)
			if err != nil || srv == nil || srv.RemovedAt != nil {
				continue
			}
			e.ResolveHAProxyServer(ctx, *srv)
		case model.EntityEurekaInstance:
			ei, err := e.db.GetEurekaInstance(ctx, m.EntityID)
			if err != nil || ei == nil || ei.RemovedAt != nil {
				continue
			}
			e.ResolveEurekaInstance(ctx, *ei)
		}
	}
}

// resolve computes the best candidate for one entity and reconciles the
// stored mapping with it. Idempotent: resolving twice with the same state
// writes nothing the second time.
func (e *Engine) resolve(ctx context.Context, entityType model.MappedEntityType, entityID int64, ip string, port int, hostHint string) {
	if ip == "" {
		return
	}
	unlock := e.lockEntity(entityType, entityID)
	defer unlock()

	current, err := e.db.GetLiveMappingForEntity(ctx, entityType, entityID)
	if err != nil {
		log.Error().Err(err).Str("entity_type", string(entityType)).Int64("entity_id", entityID).Msg("load mapping failed")
		return
	}
	if current != nil && current.IsManual {
		metrics.MappingDecisions.WithLabelValues("skipped_manual").Inc()
		return
	}

	inSticky, err := e.inStickyWindow(ctx, entityType, entityID)
	if err != nil {
		log.Debug().Err(err).Msg("sticky window check degraded")
	}
	if inSticky {
		metrics.MappingDecisions.WithLabelValues("skipped_sticky").Inc()
		return
	}

	candidates, err := e.db.ListLiveInstancesByIP(ctx, ip)
	if err != nil {
		log.Error().Err(err).Str("ip", ip).Msg("list mapping candidates failed")
		return
	}

	best, ambiguous := pickCandidate(candidates, port, hostHint)
	switch {
	case ambiguous:
		if current != nil {
			if _, err := e.db.RemoveMapping(ctx, entityType, entityID, model.ReasonAmbiguous, "mapper"); err != nil {
				log.Error().Err(err).Msg("remove ambiguous mapping failed")
				return
			}
		}
		notes := fmt.Sprintf("%d candidates share %s", len(candidates), ip)
		if err := e.db.RecordMappingSkip(ctx, entityType, entityID, model.ReasonAmbiguous, notes); err != nil {
			log.Error().Err(err).Msg("record ambiguous skip failed")
		}
		metrics.MappingDecisions.WithLabelValues("skipped_ambiguous").Inc()

	case best == nil:
		if current != nil {
			if _, err := e.db.RemoveMapping(ctx, entityType, entityID, model.ReasonIPChanged, "mapper"); err != nil {
				log.Error().Err(err).Msg("remove stale mapping failed")
				return
			}
			metrics.MappingDecisions.WithLabelValues("unmapped").Inc()
		}

	case current != nil && current.InstanceID == best.ID:
		// already mapped to the winner

	default:
		if current != nil {
			if _, err := e.db.RemoveMapping(ctx, entityType, entityID, model.ReasonIPChanged, "mapper"); err != nil {
				log.Error().Err(err).Msg("remove superseded mapping failed")
				return
			}
		}
		m := &model.Mapping{
			InstanceID: best.ID,
			EntityType: entityType,
			EntityID:   entityID,
			MappedBy:   "mapper",
		}
		if err := e.db.CreateMapping(ctx, m, model.ReasonAuto, "mapper"); err != nil {
			log.Error().Err(err).Int64("instance_id", best.ID).Msg("create auto mapping failed")
			return
		}
		metrics.MappingDecisions.WithLabelValues("mapped").Inc()
	}
}

// pickCandidate applies the tiebreak order: exact port match, then host-name
// match, then lowest ID. Lowest ID only decides once a discriminator has
// narrowed the pool; a pool nothing could tell apart is ambiguous.
func pickCandidate(candidates []model.Instance, port int, hostHint string) (best *model.Instance, ambiguous bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	pool := candidates
	narrowed := false

	if port > 0 {
		var exact, unknown []model.Instance
		for _, c := range pool {
			switch c.Port {
			case port:
				exact = append(exact, c)
			case 0:
				unknown = append(unknown, c)
			}
		}
		if len(exact) > 0 {
			pool = exact
			narrowed = true
		} else if len(unknown) > 0 {
			// port known on the entity only; keep candidates that do not
			// contradict it
			pool = unknown
		} else {
			return nil, false
		}
	}
	if len(pool) == 1 {
		return &pool[0], false
	}

	if hostHint != "" {
		var named []model.Instance
		for _, c := range pool {
			if c.ServerName != "" && strings.Contains(hostHint, c.ServerName) {
				named = append(named, c)
			}
		}
		if len(named) > 0 {
			pool = named
			narrowed = true
		}
	}
	if len(pool) == 1 {
		return &pool[0], false
	}

	if narrowed {
		sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })
		return &pool[0], false
	}
	return nil, true
}

func stickyKey(entityType model.MappedEntityType, entityID int64) string {
	return fmt.Sprintf("fleetd:mapping:sticky:%s:%d", entityType, entityID)
}

// MarkOperatorUnmap opens the sticky window for an entity so auto-mapping
// does not immediately undo an operator's decision.
func (e *Engine) MarkOperatorUnmap(ctx context.Context, entityType model.MappedEntityType, entityID int64) {
	if e.redis == nil || e.sticky <= 0 {
		return
	}
	if err := e.redis.Set(ctx, stickyKey(entityType, entityID), time.Now().UTC().Format(time.RFC3339), e.sticky).Err(); err != nil {
		log.Warn().Err(err).Msg("set sticky window failed")
	}
}

// inStickyWindow reports whether the entity was manually unmapped recently.
// Redis holds the window with a TTL; if redis is down the mapping history
// answers instead.
func (e *Engine) inStickyWindow(ctx context.Context, entityType model.MappedEntityType, entityID int64) (bool, error) {
	if e.sticky <= 0 {
		return false, nil
	}
	if e.redis != nil {
		_, err := e.redis.Get(ctx, stickyKey(entityType, entityID)).Result()
		if err == nil {
			return true, nil
		}
		if err == redis.Nil {
			return false, nil
		}
		// fall through to the durable record
	}
	at, err := e.db.LastManualUnmap(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}
	if at == nil {
		return false, nil
	}
	return time.Since(*at) < e.sticky, nil
}
