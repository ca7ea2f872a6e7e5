package pool

import (
	"fmt"
	"sync/atomic"
)

// Role identifies whether an address serves writes or is a read replica.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "replica"
}

// BanReasonKind enumerates why an address was excluded from load balancing.
type BanReasonKind int

const (
	FailedHealthCheck BanReasonKind = iota
	MessageSendFailed
	MessageReceiveFailed
	FailedCheckout
	StatementTimeout
	AdminBan
)

func (k BanReasonKind) String() string {
	switch k {
	case FailedHealthCheck:
		return "failed_health_check"
	case MessageSendFailed:
		return "message_send_failed"
	case MessageReceiveFailed:
		return "message_receive_failed"
	case FailedCheckout:
		return "failed_checkout"
	case StatementTimeout:
		return "statement_timeout"
	case AdminBan:
		return "admin_ban"
	default:
		return "unknown"
	}
}

// BanReason is a ban cause together with the custom duration AdminBan carries.
type BanReason struct {
	Kind BanReasonKind
	// AdminDuration is only meaningful when Kind == AdminBan; it overrides
	// the pool's configured ban_time for this specific ban.
	AdminDuration int64 // seconds
}

// addressSeq hands out process-unique address ids.
var addressSeq int64

func nextAddressID() int64 {
	return atomic.AddInt64(&addressSeq, 1)
}

// AllocateAddressID hands out a fresh process-unique address id, for
// callers outside this package that construct Address values directly
// (registry/pool-building code).
func AllocateAddressID() int64 {
	return nextAddressID()
}

// Address identifies one backend endpoint within one shard of one pool.
// Value-typed; compared by its full tuple, per the data model.
type Address struct {
	ID int64

	Host string
	Port int
	Role Role

	ShardIndex      int
	AddressIndex    int
	ReplicaNumber   int // only meaningful when Role == RoleReplica
	Database        string
	Username        string
	PoolName        string
	Mirrors         []Address
	Stats           AddressStats
}

// String renders a compact identity useful for logging.
func (a Address) String() string {
	return fmt.Sprintf("%s:%d/%s role=%s shard=%d idx=%d", a.Host, a.Port, a.Database, a.Role, a.ShardIndex, a.AddressIndex)
}

// Equal compares two addresses by their full tuple, ignoring Stats and Mirrors
// (handles, not identity), ReplicaNumber, and the process-local ID.
func (a Address) Equal(b Address) bool {
	return a.Host == b.Host &&
		a.Port == b.Port &&
		a.Role == b.Role &&
		a.ShardIndex == b.ShardIndex &&
		a.AddressIndex == b.AddressIndex &&
		a.Database == b.Database &&
		a.Username == b.Username &&
		a.PoolName == b.PoolName
}

// key is a cheap hashable identity used as a map key for the banlist and
// other per-address bookkeeping.
func (a Address) key() addressKey {
	return addressKey{shard: a.ShardIndex, index: a.AddressIndex}
}

type addressKey struct {
	shard int
	index int
}

// PoolIdentifier names a ConnectionPool by (database, user).
type PoolIdentifier struct {
	Database string
	User     string
}

func (id PoolIdentifier) String() string {
	return id.Database + "/" + id.User
}
