package pool

import (
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// ErrAllServersDown is returned by Get when every candidate address was
// exhausted without yielding a usable session.
var ErrAllServersDown = errors.New("pool: all servers down")

// ConnectionPool is the unit named by (database, user): it owns a shard ×
// endpoint topology, a banlist, pause state, and the checkout algorithm.
// Registry snapshots hold *ConnectionPool pointers, so a pool whose config
// hash is unchanged is carried into the new snapshot on reload as the same
// instance, without losing its warm sessions.
type ConnectionPool struct {
	id       PoolIdentifier
	settings PoolSettings

	// databases[shard][endpoint] and addresses[shard][endpoint] are always
	// the same shape and immutable after construction (invariants 1-2).
	databases [][]*EndpointPool
	addresses [][]Address

	bans *banManager

	validated atomicBool
	paused    atomicBool

	pauseMu   sync.Mutex
	pauseGen  chan struct{} // closed and replaced on every resume

	serverParamsMu sync.RWMutex
	serverParams   map[string]string

	authHashMu sync.RWMutex
	authHash   string

	configHash uint64

	backend  BackendManager
	inflight *InFlightRegistry
}

type atomicBool struct {
	mu sync.RWMutex
	v  bool
}

func (b *atomicBool) Load() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.v
}

func (b *atomicBool) Store(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.v = v
}

// NewConnectionPool constructs a pool for id over the given per-shard
// address lists. Each EndpointPool is built eagerly; no backend dial
// happens until the first Checkout. normalizer is consulted by the
// in-flight query registry's Evict logging when settings.InFlightEnabled is
// set; it may be nil otherwise.
func NewConnectionPool(id PoolIdentifier, settings PoolSettings, shardAddrs [][]Address, backend BackendManager, configHash uint64, normalizer Normalizer) *ConnectionPool {
	cp := &ConnectionPool{
		id:         id,
		settings:   settings,
		databases:  make([][]*EndpointPool, len(shardAddrs)),
		addresses:  shardAddrs,
		bans:       newBanManager(len(shardAddrs), settings.BanTime),
		configHash: configHash,
		backend:    backend,
		pauseGen:   make(chan struct{}),
	}

	if settings.InFlightEnabled {
		maxEntries := settings.InFlightMaxEntries
		if maxEntries <= 0 {
			maxEntries = 1000
		}
		cp.inflight = NewInFlightRegistry(maxEntries, settings.InFlightLogNormalized, normalizer)
	}

	epCfg := EndpointPoolConfig{
		MaxSize:        settings.MaxSize,
		MinIdle:        settings.MinIdle,
		ConnectTimeout: settings.ConnectTimeout,
		IdleTimeout:    settings.IdleTimeout,
		ServerLifetime: settings.ServerLifetime,
		Strategy:       settings.QueueStrategy(),
	}

	for shard, addrs := range shardAddrs {
		cp.databases[shard] = make([]*EndpointPool, len(addrs))
		for i, addr := range addrs {
			addr := addr
			cp.databases[shard][i] = NewEndpointPool(addr, backend, id.User, cp.AuthHash, epCfg)
		}
	}

	return cp
}

// replicaCount returns how many replica addresses exist in a shard.
func (cp *ConnectionPool) replicaCount(shard int) int {
	count := 0
	for _, a := range cp.addresses[shard] {
		if a.Role == RoleReplica {
			count++
		}
	}
	return count
}

// ShardCount returns the number of shards in the topology.
func (cp *ConnectionPool) ShardCount() int { return len(cp.databases) }

// ServerCount returns the number of endpoints in shard s.
func (cp *ConnectionPool) ServerCount(shard int) int {
	if shard < 0 || shard >= len(cp.databases) {
		return 0
	}
	return len(cp.databases[shard])
}

// TotalServers sums endpoints across every shard.
func (cp *ConnectionPool) TotalServers() int {
	total := 0
	for _, shard := range cp.databases {
		total += len(shard)
	}
	return total
}

// Addresses returns every address across every shard, flattened, for
// background probers that need to enumerate the whole pool.
func (cp *ConnectionPool) Addresses() []Address {
	var out []Address
	for _, shard := range cp.addresses {
		out = append(out, shard...)
	}
	return out
}

// AddressesFromHost returns every address across all shards whose Host
// matches, for admin tooling that needs to act on a specific backend host.
func (cp *ConnectionPool) AddressesFromHost(host string) []Address {
	var out []Address
	for _, shard := range cp.addresses {
		for _, a := range shard {
			if a.Host == host {
				out = append(out, a)
			}
		}
	}
	return out
}

// ConfigHash returns the fingerprint this pool was constructed from.
func (cp *ConnectionPool) ConfigHash() uint64 { return cp.configHash }

// Identifier returns this pool's (database, user) identity.
func (cp *ConnectionPool) Identifier() PoolIdentifier { return cp.id }

// Settings returns the pool's immutable configuration snapshot.
func (cp *ConnectionPool) Settings() PoolSettings { return cp.settings }

// AuthHash returns the passthrough-fetched password hash shared by every
// endpoint of this pool, or "" if none has been captured.
func (cp *ConnectionPool) AuthHash() string {
	cp.authHashMu.RLock()
	defer cp.authHashMu.RUnlock()
	return cp.authHash
}

// SetAuthHash stores the passthrough-fetched hash. If a previous shard
// already set a different hash, the new one wins and a warning is logged
// (last-writer-wins, per the "auth hash divergence" decision).
func (cp *ConnectionPool) SetAuthHash(hash string) {
	cp.authHashMu.Lock()
	defer cp.authHashMu.Unlock()
	if cp.authHash != "" && cp.authHash != hash {
		slog.Warn("auth hash diverges across shards, using most recent value", "pool", cp.id.String())
	}
	cp.authHash = hash
}

// ServerParameters returns the parameters captured during validation.
func (cp *ConnectionPool) ServerParameters() map[string]string {
	cp.serverParamsMu.RLock()
	defer cp.serverParamsMu.RUnlock()
	out := make(map[string]string, len(cp.serverParams))
	for k, v := range cp.serverParams {
		out[k] = v
	}
	return out
}

// setServerParameters stores params from the most recent successfully
// validated endpoint. Last writer wins; divergence across shards is only
// logged, never rejected (open question decision in SPEC_FULL.md).
func (cp *ConnectionPool) setServerParameters(params map[string]string) {
	cp.serverParamsMu.Lock()
	defer cp.serverParamsMu.Unlock()
	if cp.serverParams != nil {
		for k, v := range cp.serverParams {
			if nv, ok := params[k]; ok && nv != v {
				slog.Warn("server parameter diverges across shards", "pool", cp.id.String(), "param", k)
			}
		}
	}
	cp.serverParams = params
}

// IsValidated reports whether any shard has returned a session yet.
// Transitions only false -> true (invariant 6).
func (cp *ConnectionPool) IsValidated() bool { return cp.validated.Load() }

// Bans returns a flattened (address, reason, timestamp) snapshot across all
// shards, for the admin API.
func (cp *ConnectionPool) Bans() []banSnapshotEntry { return cp.bans.snapshot() }

// IsBanned reports whether addr is currently banned.
func (cp *ConnectionPool) IsBanned(addr Address) bool { return cp.bans.isBanned(addr) }

// Ban bans addr with reason (a no-op for primaries).
func (cp *ConnectionPool) Ban(addr Address, reason BanReason, clientStats ClientStats) {
	cp.bans.ban(addr, reason, clientStats)
}

// Unban unconditionally clears addr's ban entry.
func (cp *ConnectionPool) Unban(addr Address) { cp.bans.unban(addr) }

// Get runs the checkout algorithm described in §4.5: build candidates for
// (shard, role), order them (random, or shuffle-then-stable-sort for
// LeastOutstandingConnections), and pop until one yields a usable session.
func (cp *ConnectionPool) Get(shard int, role *Role, clientStats ClientStats) (Session, Address, error) {
	if shard < 0 || shard >= len(cp.addresses) {
		return nil, Address{}, errors.New("pool: shard out of range")
	}

	candidates := cp.buildCandidates(shard, role)

	if clientStats != nil {
		clientStats.SetWaiting()
	}

	for _, addr := range candidates {
		ep := cp.databases[addr.ShardIndex][addr.AddressIndex]

		forced := false
		if cp.bans.isBanned(addr) {
			if !cp.bans.tryUnban(addr, cp.replicaCount) {
				continue
			}
			forced = true
		}

		checkoutStart := time.Now()
		session, err := ep.Checkout()
		if err != nil {
			cp.bans.ban(addr, BanReason{Kind: FailedCheckout}, clientStats)
			if clientStats != nil {
				clientStats.IncrCheckoutError()
			}
			continue
		}

		requireHealthcheck := forced || time.Since(session.LastActivity()) > cp.settings.HealthcheckDelay

		if !requireHealthcheck {
			cp.finishCheckout(session, addr, clientStats, checkoutStart)
			return session, addr, nil
		}

		if err := cp.healthCheck(session); err != nil {
			slog.Warn("health check failed, banning address", "address", addr.String(), "error", err)
			session.MarkBad()
			ep.Return(session, true)
			cp.bans.ban(addr, BanReason{Kind: FailedHealthCheck}, clientStats)
			continue
		}

		cp.finishCheckout(session, addr, clientStats, checkoutStart)
		return session, addr, nil
	}

	if clientStats != nil {
		clientStats.SetIdle()
	}
	return nil, Address{}, ErrAllServersDown
}

// Put returns session to the endpoint pool it was checked out from, or
// discards it if broken. The caller (proxy relay loop) is responsible for
// resetting backend session state before calling this with broken=false.
func (cp *ConnectionPool) Put(addr Address, session Session, broken bool) {
	if addr.ShardIndex < 0 || addr.ShardIndex >= len(cp.databases) {
		session.Close()
		return
	}
	shard := cp.databases[addr.ShardIndex]
	if addr.AddressIndex < 0 || addr.AddressIndex >= len(shard) {
		session.Close()
		return
	}
	shard[addr.AddressIndex].Return(session, broken)
}

// TrackQuery registers queryData as in-flight with this pool's
// InFlightRegistry, if in-flight dedup tracking is enabled (§4.3). owned
// reports whether the caller created the entry and must later call
// UntrackQuery(key); when owned is false the caller observed an existing
// duplicate and holds no key.
func (cp *ConnectionPool) TrackQuery(queryData string) (key string, owned bool) {
	if cp.inflight == nil {
		return "", false
	}
	return cp.inflight.Insert(queryData)
}

// UntrackQuery evicts a key previously returned by an owned TrackQuery call.
// A no-op if in-flight tracking is disabled or key is empty.
func (cp *ConnectionPool) UntrackQuery(key string) {
	if cp.inflight == nil || key == "" {
		return
	}
	cp.inflight.Evict(key)
}

func (cp *ConnectionPool) finishCheckout(session Session, addr Address, clientStats ClientStats, start time.Time) {
	elapsed := time.Since(start)
	if clientStats != nil {
		clientStats.RecordCheckoutTime(elapsed)
		clientStats.SetActive()
	}
	appName := ""
	if clientStats != nil {
		appName = clientStats.ApplicationName()
	}
	session.Stats().RecordCheckoutTime(elapsed, appName)

	if !cp.validated.Load() {
		cp.validated.Store(true)
	}
}

// healthCheck sends an empty query with a timeout of healthcheck_timeout.
func (cp *ConnectionPool) healthCheck(session Session) error {
	done := make(chan error, 1)
	go func() { done <- session.Query(";") }()

	select {
	case err := <-done:
		return err
	case <-time.After(cp.settings.HealthcheckTimeout):
		return errors.New("health check timed out")
	}
}

// buildCandidates lists addresses in the shard matching role (nil = any),
// shuffles them uniformly, then stable-sorts by ascending busy count when
// the pool uses LeastOutstandingConnections so the least-busy endpoint is
// tried first.
func (cp *ConnectionPool) buildCandidates(shard int, role *Role) []Address {
	all := cp.addresses[shard]
	candidates := make([]Address, 0, len(all))
	for _, a := range all {
		if role == nil || a.Role == *role {
			candidates = append(candidates, a)
		}
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if cp.settings.LoadBalancingMode == LeastOutstandingConnections {
		busy := func(a Address) int {
			st := cp.databases[a.ShardIndex][a.AddressIndex].State()
			b := st.Connections - st.IdleConnections
			if b < 0 {
				b = 0
			}
			return b
		}
		// Candidates are consumed front-to-back below, so sorting ascending
		// here makes the least-busy endpoint tried first — the same
		// outcome as sorting descending and popping from the tail, without
		// the extra reversal step. sort.SliceStable (not sort.Slice) is
		// required: an unstable sort would destroy the random tie-break
		// the shuffle above established among equal-busy endpoints.
		sort.SliceStable(candidates, func(i, j int) bool {
			return busy(candidates[i]) < busy(candidates[j])
		})
	}

	return candidates
}

// Pause sets the paused flag.
func (cp *ConnectionPool) Pause() {
	cp.paused.Store(true)
}

// Resume clears the paused flag and wakes every registered waiter.
func (cp *ConnectionPool) Resume() {
	cp.paused.Store(false)
	cp.pauseMu.Lock()
	close(cp.pauseGen)
	cp.pauseGen = make(chan struct{})
	cp.pauseMu.Unlock()
}

// WaitPaused registers for the next resume notification *before* reading the
// paused flag (read-after-register), so a resume racing with this call can
// never be missed. It blocks until resumed if currently paused, and returns
// the paused value observed at registration time.
func (cp *ConnectionPool) WaitPaused() bool {
	cp.pauseMu.Lock()
	gen := cp.pauseGen
	cp.pauseMu.Unlock()

	wasPaused := cp.paused.Load()
	if !wasPaused {
		return false
	}

	<-gen
	return true
}

// IsPaused reports the current paused flag.
func (cp *ConnectionPool) IsPaused() bool { return cp.paused.Load() }

// Validate runs once per pool creation (gated by validate_config) and
// spawns one task per (shard, endpoint), each acquiring a session and
// writing its server parameters into the pool's single slot.
func (cp *ConnectionPool) Validate() error {
	var wg sync.WaitGroup
	var anySucceeded atomicBool

	for _, shard := range cp.databases {
		for _, ep := range shard {
			ep := ep
			wg.Add(1)
			go func() {
				defer wg.Done()
				session, err := ep.Checkout()
				if err != nil {
					return
				}
				cp.setServerParameters(session.ServerParameters())
				anySucceeded.Store(true)
				if !cp.validated.Load() {
					cp.validated.Store(true)
				}
				ep.Return(session, false)
			}()
		}
	}

	wg.Wait()

	if !anySucceeded.Load() {
		return ErrAllServersDown
	}
	return nil
}

// Close shuts down every endpoint pool in the topology.
func (cp *ConnectionPool) Close() {
	for _, shard := range cp.databases {
		for _, ep := range shard {
			ep.Close()
		}
	}
}
