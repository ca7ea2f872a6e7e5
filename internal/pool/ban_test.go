package pool

import (
	"testing"
	"time"
)

func TestBanManagerNeverBansPrimary(t *testing.T) {
	bm := newBanManager(1, time.Minute)
	primary := Address{Role: RolePrimary, ShardIndex: 0, AddressIndex: 0}
	bm.ban(primary, BanReason{Kind: FailedHealthCheck}, nil)
	if bm.isBanned(primary) {
		t.Error("primary must never be banned")
	}
}

func TestBanManagerBanAndUnban(t *testing.T) {
	bm := newBanManager(1, time.Minute)
	replica := Address{Role: RoleReplica, ShardIndex: 0, AddressIndex: 1}

	bm.ban(replica, BanReason{Kind: StatementTimeout}, nil)
	if !bm.isBanned(replica) {
		t.Fatal("expected replica to be banned")
	}

	bm.unban(replica)
	if bm.isBanned(replica) {
		t.Error("expected replica to be unbanned")
	}
}

func TestBanManagerTryUnbanClearsShardWhenAllReplicasBanned(t *testing.T) {
	bm := newBanManager(1, time.Hour)
	r1 := Address{Role: RoleReplica, ShardIndex: 0, AddressIndex: 1}
	r2 := Address{Role: RoleReplica, ShardIndex: 0, AddressIndex: 2}

	bm.ban(r1, BanReason{Kind: FailedHealthCheck}, nil)
	bm.ban(r2, BanReason{Kind: FailedHealthCheck}, nil)

	replicaCount := func(shard int) int { return 2 }

	if !bm.tryUnban(r1, replicaCount) {
		t.Error("expected tryUnban to clear the shard when every replica is banned")
	}
	if bm.isBanned(r2) {
		t.Error("expected the whole shard banlist cleared, including r2")
	}
}

func TestBanManagerTryUnbanHonorsAdminDuration(t *testing.T) {
	bm := newBanManager(1, time.Hour)
	replica := Address{Role: RoleReplica, ShardIndex: 0, AddressIndex: 1}
	bm.ban(replica, BanReason{Kind: AdminBan, AdminDuration: 0}, nil)

	replicaCount := func(shard int) int { return 3 }

	if !bm.tryUnban(replica, replicaCount) {
		t.Error("expected zero-second admin ban to be immediately eligible for unban")
	}
}

func TestBanManagerTryUnbanPrimaryAlwaysTrue(t *testing.T) {
	bm := newBanManager(1, time.Minute)
	primary := Address{Role: RolePrimary, ShardIndex: 0, AddressIndex: 0}
	if !bm.tryUnban(primary, func(int) int { return 1 }) {
		t.Error("primaries are never considered banned")
	}
}
