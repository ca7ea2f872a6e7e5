// Package registry implements PoolRegistry: the process-wide, atomically
// swapped mapping from (database, user) to its ConnectionPool, and the
// construction logic that turns a loaded config.Config into that mapping.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/pool"
	"github.com/dbbouncer/dbbouncer/internal/sqlnorm"
)

// queryNormalizer is shared by every pool's InFlightRegistry; the regexes it
// wraps are package-level singletons in sqlnorm, so one instance is enough.
var queryNormalizer = sqlnorm.Normalizer{}

// AuthPassthroughFactory builds an AuthPassthrough collaborator for a given
// pool config, or reports ok=false when auth passthrough is not configured
// for that pool (neither auth_query nor auth_query_user set).
type AuthPassthroughFactory func(pc config.PoolConfig) (pool.AuthPassthrough, bool)

type registrySnapshot struct {
	pools map[pool.PoolIdentifier]*pool.ConnectionPool
}

// Registry is the process-wide PoolRegistry. Reads are lock-free via
// atomic.Value; reloads serialize on a write mutex and publish a fresh
// snapshot built from the previous one, following the same pattern
// internal/router used for its tenant table.
type Registry struct {
	snap atomic.Value // *registrySnapshot
	wmu  sync.Mutex

	backend    pool.BackendManager
	authFactory AuthPassthroughFactory
}

// New builds a Registry from cfg. backend dials and authenticates new
// backend sessions; authFactory is consulted once per pool during
// construction to populate AuthHash when auth_query is configured.
func New(cfg *config.Config, backend pool.BackendManager, authFactory AuthPassthroughFactory) (*Registry, error) {
	r := &Registry{backend: backend, authFactory: authFactory}

	pools, err := buildPools(cfg, backend, authFactory, nil)
	if err != nil {
		return nil, err
	}

	r.snap.Store(&registrySnapshot{pools: pools})
	return r, nil
}

func (r *Registry) load() *registrySnapshot {
	return r.snap.Load().(*registrySnapshot)
}

// GetPool looks up the ConnectionPool for (database, user). Lock-free.
func (r *Registry) GetPool(database, user string) (*pool.ConnectionPool, bool) {
	snap := r.load()
	cp, ok := snap.pools[pool.PoolIdentifier{Database: database, User: user}]
	return cp, ok
}

// GetAllPools returns every pool currently registered. Lock-free.
func (r *Registry) GetAllPools() map[pool.PoolIdentifier]*pool.ConnectionPool {
	snap := r.load()
	out := make(map[pool.PoolIdentifier]*pool.ConnectionPool, len(snap.pools))
	for id, cp := range snap.pools {
		out[id] = cp
	}
	return out
}

// ReloadFromConfig rebuilds the registry from a freshly loaded config.
// Pools whose config_hash is unchanged are carried over unchanged (same
// warm sessions); everything else is rebuilt from scratch, including a
// fresh auth-hash fetch. The new mapping is published atomically; readers
// holding an older pool keep using it until they call GetPool again.
func (r *Registry) ReloadFromConfig(cfg *config.Config) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	pools, err := buildPools(cfg, r.backend, r.authFactory, cur.pools)
	if err != nil {
		return err
	}

	r.snap.Store(&registrySnapshot{pools: pools})
	return nil
}

// buildPools constructs the full {(database,user) -> ConnectionPool}
// mapping for cfg. When prev is non-nil, a pool whose config_hash matches
// an existing entry is reused unchanged instead of rebuilt.
func buildPools(cfg *config.Config, backend pool.BackendManager, authFactory AuthPassthroughFactory, prev map[pool.PoolIdentifier]*pool.ConnectionPool) (map[pool.PoolIdentifier]*pool.ConnectionPool, error) {
	out := make(map[pool.PoolIdentifier]*pool.ConnectionPool)

	for poolName, pc := range cfg.Pools {
		hash := pc.HashValue()

		for userID, u := range pc.Users {
			id := pool.PoolIdentifier{Database: poolName, User: u.Username}

			if prev != nil {
				if old, ok := prev[id]; ok && old.ConfigHash() == hash {
					out[id] = old
					continue
				}
			}

			cp, err := buildPool(poolName, pc, u, cfg.General, backend, authFactory, hash)
			if err != nil {
				return nil, fmt.Errorf("pool %q user %q: %w", poolName, userID, err)
			}
			out[id] = cp
		}
	}

	return out, nil
}

// buildPool constructs a single ConnectionPool for one (poolName, user)
// pair: it assembles the shard × endpoint address topology, resolves
// effective settings, constructs the pool, runs validation if configured,
// and fetches the auth-passthrough hash for every endpoint.
func buildPool(poolName string, pc config.PoolConfig, u config.UserConfig, general config.GeneralConfig, backend pool.BackendManager, authFactory AuthPassthroughFactory, hash uint64) (*pool.ConnectionPool, error) {
	shardIDs := pc.SortedShardIDs()
	shardAddrs := make([][]pool.Address, len(shardIDs))

	for shardIdx, shardID := range shardIDs {
		shard := pc.Shards[shardID]
		addrs := make([]pool.Address, len(shard.Servers))

		replicaNum := 0
		for i, srv := range shard.Servers {
			role := pool.RolePrimary
			rn := 0
			if srv.Role == config.RoleReplica {
				role = pool.RoleReplica
				rn = replicaNum
				replicaNum++
			}
			addrs[i] = pool.Address{
				ID:            pool.AllocateAddressID(),
				Host:          srv.Host,
				Port:          srv.Port,
				Role:          role,
				ShardIndex:    shardIdx,
				AddressIndex:  i,
				ReplicaNumber: rn,
				Database:      shard.Database,
				Username:      u.Username,
				PoolName:      poolName,
			}
		}

		for _, m := range shard.Mirrors {
			if m.MirroringTargetIndex < 0 || m.MirroringTargetIndex >= len(addrs) {
				continue
			}
			addrs[m.MirroringTargetIndex].Mirrors = append(addrs[m.MirroringTargetIndex].Mirrors, pool.Address{
				ID:       pool.AllocateAddressID(),
				Host:     m.Host,
				Port:     m.Port,
				Role:     pool.RoleReplica,
				Database: shard.Database,
				Username: u.Username,
				PoolName: poolName,
			})
		}

		shardAddrs[shardIdx] = addrs
	}

	settings := buildSettings(poolName, pc, u, general)

	cp := pool.NewConnectionPool(pool.PoolIdentifier{Database: poolName, User: u.Username}, settings, shardAddrs, backend, hash, queryNormalizer)

	var authP pool.AuthPassthrough
	if authFactory != nil {
		if ap, ok := authFactory(pc); ok {
			authP = ap
		}
	}
	if authP != nil {
		fetchAuthHash(cp, shardAddrs, authP)
	}

	if general.ValidateConfig {
		if err := cp.Validate(); err != nil {
			return nil, err
		}
	}

	return cp, nil
}

// fetchAuthHash queries the backend for the user's password hash at every
// endpoint where auth passthrough is enabled. Divergent hashes across
// shards are resolved last-writer-wins with a warning, inside SetAuthHash.
// Fetch failures log and proceed without auth passthrough for that
// endpoint, per the error-handling policy in spec.md §7.
func fetchAuthHash(cp *pool.ConnectionPool, shardAddrs [][]pool.Address, authP pool.AuthPassthrough) {
	for _, shard := range shardAddrs {
		for _, addr := range shard {
			hash, err := authP.FetchHash(addr)
			if err != nil {
				slog.Warn("auth hash fetch failed, proceeding without passthrough", "address", addr.String(), "error", err)
				continue
			}
			cp.SetAuthHash(hash)
		}
	}
}

func buildSettings(poolName string, pc config.PoolConfig, u config.UserConfig, general config.GeneralConfig) pool.PoolSettings {
	lbMode := pool.Random
	if pc.LoadBalancingMode == "least_outstanding_connections" {
		lbMode = pool.LeastOutstandingConnections
	}

	poolMode := pool.PoolMode(pc.EffectivePoolMode(u))

	defaultRole := pool.DefaultRoleAny
	switch pc.DefaultRole {
	case "replica":
		defaultRole = pool.DefaultRoleReplica
	case "primary":
		defaultRole = pool.DefaultRolePrimary
	}

	maxLen := 0
	if pc.QueryParserMaxLength != nil {
		maxLen = *pc.QueryParserMaxLength
	}

	maxSize := u.PoolSize
	if maxSize <= 0 {
		maxSize = 10
	}

	return pool.PoolSettings{
		PoolMode:                      poolMode,
		LoadBalancingMode:             lbMode,
		Shards:                        len(pc.Shards),
		User:                          u.Username,
		Database:                      poolName,
		DefaultRole:                   defaultRole,
		QueryParserEnabled:            pc.QueryParserEnabled,
		QueryParserMaxLength:          maxLen,
		QueryParserReadWriteSplitting: pc.QueryParserReadWriteSplitting,
		PrimaryReadsEnabled:           pc.PrimaryReadsEnabled,
		ShardingFunction:              pc.ShardingFunction,
		AutomaticShardingKey:          pc.AutomaticShardingKey,
		ShardingKeyRegex:              pc.ShardingKeyRegex,
		ShardIDRegex:                  pc.ShardIDRegex,
		RegexSearchLimit:              pc.RegexSearchLimit,
		HealthcheckDelay:              general.HealthcheckDelay,
		HealthcheckTimeout:            general.HealthcheckTimeout,
		BanTime:                       general.BanTime,
		AuthQuery:                     pc.AuthQuery,
		AuthQueryUser:                 pc.AuthQueryUser,
		AuthQueryPassword:             pc.AuthQueryPassword,
		ServerRoundRobin:              general.ServerRoundRobin,
		ConnectTimeout:                pc.EffectiveConnectTimeout(general),
		IdleTimeout:                   pc.EffectiveIdleTimeout(general),
		ServerLifetime:                pc.EffectiveServerLifetime(u, general),
		MaxSize:                       maxSize,
		MinIdle:                       u.MinPoolSize,

		InFlightEnabled:       pc.InFlightQueryCache != nil,
		InFlightMaxEntries:    inFlightMaxEntries(pc.InFlightQueryCache),
		InFlightLogNormalized: pc.InFlightQueryCache != nil && pc.InFlightQueryCache.LogNormalizedQueries,
	}
}

// inFlightMaxEntries returns the configured bound, or 0 (letting
// pool.NewConnectionPool apply its own default) if cache is nil or unset.
func inFlightMaxEntries(cache *config.InFlightQueryCacheConfig) int {
	if cache == nil {
		return 0
	}
	return cache.MaxEntries
}
