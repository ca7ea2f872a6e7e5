package proxy

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/dbbouncer/dbbouncer/internal/pool"
)

// sessionConn is satisfied by *session.Server. Declared here instead of
// imported so the proxy package depends only on the pool.Session interface
// for pool bookkeeping, and narrows to the concrete connection only at the
// one point that needs to relay raw bytes.
type sessionConn interface {
	Conn() net.Conn
}

// backendConn extracts the raw connection backing sess, for protocols that
// need byte-level relay rather than the opaque pool.Session.Query API.
func backendConn(sess pool.Session) (net.Conn, error) {
	sc, ok := sess.(sessionConn)
	if !ok {
		return nil, fmt.Errorf("session type %T does not expose a raw connection", sess)
	}
	return sc.Conn(), nil
}

// sessionToucher is satisfied by *session.Server. The transaction-mode relay
// loops bypass Query, so they report each completed round trip through this
// instead, keeping LastActivity accurate for the health-check-skip decision
// in ConnectionPool.Get.
type sessionToucher interface {
	Touch()
}

// touchSession records round-trip completion on sess if it supports Touch.
func touchSession(sess pool.Session) {
	if t, ok := sess.(sessionToucher); ok {
		t.Touch()
	}
}

// connOptions is the parsed set of pool-routing hints a client may supply
// alongside its target database/user: which shard to use and which role
// to prefer, overriding the pool's default_role.
type connOptions struct {
	shard int
	role  *pool.Role
}

// parseConnOptions reads "-c shard=N" and "-c role=primary|replica" style
// key=value pairs out of a PostgreSQL options string, the same convention PgBouncer-style poolers use for routing hints
// that don't belong in the DSN's database/user fields.
func parseConnOptions(raw string) connOptions {
	opts := connOptions{shard: 0}
	for _, kv := range extractKeyValues(raw) {
		switch kv[0] {
		case "shard":
			if n, err := strconv.Atoi(kv[1]); err == nil {
				opts.shard = n
			}
		case "role":
			switch kv[1] {
			case "primary":
				r := pool.RolePrimary
				opts.role = &r
			case "replica":
				r := pool.RoleReplica
				opts.role = &r
			}
		}
	}
	return opts
}

// extractKeyValues parses "-c key=value -c key2=value2" and bare
// "key=value" tokens out of a PostgreSQL startup options string.
func extractKeyValues(options string) [][2]string {
	var out [][2]string
	fields := strings.Fields(options)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if f == "-c" && i+1 < len(fields) {
			i++
			f = fields[i]
		}
		if eq := strings.IndexByte(f, '='); eq > 0 {
			out = append(out, [2]string{f[:eq], f[eq+1:]})
		}
	}
	return out
}
