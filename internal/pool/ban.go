package pool

import (
	"log/slog"
	"sync"
	"time"
)

type banEntry struct {
	reason    BanReason
	timestamp time.Time
}

// banManager is the per-pool banlist: one map per shard, each keyed by
// address index within that shard. Primaries are never admitted (enforced
// on ban, not on lookup, matching the pgcat source this is modeled on).
//
// banlist never contains a primary (invariant 3).
type banManager struct {
	mu      sync.RWMutex
	byShard []map[int]banEntry // byShard[shard][addressIndex] = entry
	banTime time.Duration
}

func newBanManager(shardCount int, banTime time.Duration) *banManager {
	bm := &banManager{
		byShard: make([]map[int]banEntry, shardCount),
		banTime: banTime,
	}
	for i := range bm.byShard {
		bm.byShard[i] = make(map[int]banEntry)
	}
	return bm
}

// ban records a ban for addr unless it is a primary. A no-op for primaries.
func (bm *banManager) ban(addr Address, reason BanReason, clientStats ClientStats) {
	if addr.Role == RolePrimary {
		return
	}

	bm.mu.Lock()
	bm.byShard[addr.ShardIndex][addr.AddressIndex] = banEntry{reason: reason, timestamp: time.Now()}
	bm.mu.Unlock()

	if clientStats != nil {
		clientStats.IncrBanError()
	}
	if addr.Stats != nil {
		addr.Stats.IncrError()
	}
	slog.Warn("address banned", "address", addr.String(), "reason", reason.Kind.String())
}

// unban removes addr's ban unconditionally. Idempotent.
func (bm *banManager) unban(addr Address) {
	bm.mu.Lock()
	delete(bm.byShard[addr.ShardIndex], addr.AddressIndex)
	bm.mu.Unlock()
}

// isBanned reports whether addr currently has a ban entry.
func (bm *banManager) isBanned(addr Address) bool {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	_, ok := bm.byShard[addr.ShardIndex][addr.AddressIndex]
	return ok
}

// tryUnban implements the try_unban policy from §4.2:
//  1. Primaries are always considered unbanned.
//  2. If every replica of the shard is currently banned, clear the whole
//     shard's banlist (prevents a total outage) and return true.
//  3. Otherwise honor the ban's own threshold: AdminBan uses its custom
//     duration, everything else uses the pool's configured ban_time.
func (bm *banManager) tryUnban(addr Address, replicaCountForShard func(shard int) int) bool {
	if addr.Role == RolePrimary {
		return true
	}

	shard := addr.ShardIndex
	replicaCount := replicaCountForShard(shard)

	bm.mu.RLock()
	bannedCount := len(bm.byShard[shard])
	entry, exists := bm.byShard[shard][addr.AddressIndex]
	bm.mu.RUnlock()

	if !exists {
		return true
	}

	if replicaCount > 0 && bannedCount >= replicaCount {
		bm.mu.Lock()
		bm.byShard[shard] = make(map[int]banEntry)
		bm.mu.Unlock()
		slog.Info("all replicas banned, clearing shard banlist", "shard", shard)
		return true
	}

	threshold := bm.banTime
	if entry.reason.Kind == AdminBan {
		threshold = time.Duration(entry.reason.AdminDuration) * time.Second
	}

	if time.Since(entry.timestamp) > threshold {
		bm.mu.Lock()
		delete(bm.byShard[shard], addr.AddressIndex)
		bm.mu.Unlock()
		return true
	}

	return false
}

// snapshot returns every currently banned address as (shard, addressIndex,
// reason, timestamp) tuples, for observability.
type banSnapshotEntry struct {
	Shard        int
	AddressIndex int
	Reason       BanReason
	Timestamp    time.Time
}

func (bm *banManager) snapshot() []banSnapshotEntry {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	var out []banSnapshotEntry
	for shard, m := range bm.byShard {
		for idx, entry := range m {
			out = append(out, banSnapshotEntry{Shard: shard, AddressIndex: idx, Reason: entry.reason, Timestamp: entry.timestamp})
		}
	}
	return out
}
