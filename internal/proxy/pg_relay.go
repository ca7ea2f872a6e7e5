package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/dbbouncer/dbbouncer/internal/pool"
)

// PG message types used in transaction-level relay.
const (
	pgMsgParse byte = 'P' // Parse (extended query protocol)
)

// relayPGTransactionMode handles a client connection using transaction-level
// pooling. Backend sessions are checked out from the pool pre-authenticated
// and returned at transaction boundaries (when ReadyForQuery status is 'I').
// session/addr is the already-checked-out initial backend from Handle; its
// synthetic-auth handshake has already been sent to the client.
func relayPGTransactionMode(ctx context.Context, client net.Conn, cp *pool.ConnectionPool, session pool.Session, addr pool.Address, clientStats pool.ClientStats) error {
	backend, err := backendConn(session)
	if err != nil {
		cp.Put(addr, session, true)
		return err
	}

	held := true
	pinned := false

	release := func(broken bool) {
		if !held {
			return
		}
		cp.Put(addr, session, broken)
		held = false
	}
	defer release(true)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgType, payload, err := readPGMessage(client)
		if err != nil {
			if held {
				cleanupPGBackend(backend)
			}
			return nil // client disconnect is not an error
		}

		if msgType == pgMsgTerminate {
			if held {
				resetAndReturnPG(backend, cp, addr, session)
				held = false
			}
			return nil
		}

		if !held {
			session, addr, err = cp.Get(addr.ShardIndex, roleOf(addr), clientStats)
			if err != nil {
				sendPGErrorToConn(client, "FATAL", "08000", "cannot acquire backend connection")
				return fmt.Errorf("re-acquiring backend: %w", err)
			}
			backend, err = backendConn(session)
			if err != nil {
				cp.Put(addr, session, true)
				return err
			}
			held = true
		}

		if !pinned {
			pinned = detectSessionPin(msgType, payload)
			if pinned {
				slog.Debug("session pinned", "pool", addr.PoolName, "reason", pinReason(msgType, payload))
			}
		}

		var inflightKey string
		if msgType == pgMsgQuery && len(payload) > 0 {
			queryText := strings.TrimSuffix(string(payload), "\x00")
			if key, owned := cp.TrackQuery(queryText); owned {
				inflightKey = key
			}
		}
		untrackQuery := func() {
			if inflightKey != "" {
				cp.UntrackQuery(inflightKey)
				inflightKey = ""
			}
		}

		if err := writePGMessage(backend, msgType, payload); err != nil {
			untrackQuery()
			release(true)
			return fmt.Errorf("writing to backend: %w", err)
		}

		for {
			rType, rPayload, err := readPGMessage(backend)
			if err != nil {
				untrackQuery()
				release(true)
				return fmt.Errorf("reading from backend: %w", err)
			}

			if err := writePGMessage(client, rType, rPayload); err != nil {
				untrackQuery()
				release(true)
				return nil
			}

			if rType == pgMsgReadyForQuery {
				touchSession(session)
				untrackQuery()
				if len(rPayload) >= 1 {
					txnStatus := rPayload[0]
					if txnStatus == 'I' && !pinned {
						resetAndReturnPG(backend, cp, addr, session)
						held = false
					}
				}
				break
			}
		}
	}
}

func roleOf(addr pool.Address) *pool.Role {
	r := addr.Role
	return &r
}

// resetAndReturnPG sends DISCARD ALL to the backend before returning it to
// the pool. If the reset fails, the connection is closed instead.
func resetAndReturnPG(backend net.Conn, cp *pool.ConnectionPool, addr pool.Address, session pool.Session) {
	query := "DISCARD ALL"
	payload := append([]byte(query), 0)
	if err := writePGMessage(backend, pgMsgQuery, payload); err != nil {
		slog.Debug("reset failed, closing connection", "err", err)
		cp.Put(addr, session, true)
		return
	}

	for {
		rType, rPayload, err := readPGMessage(backend)
		if err != nil {
			slog.Debug("reset read failed, closing connection", "err", err)
			cp.Put(addr, session, true)
			return
		}
		if rType == pgMsgReadyForQuery {
			if len(rPayload) >= 1 && rPayload[0] == 'I' {
				cp.Put(addr, session, false)
				return
			}
			slog.Debug("unexpected state after DISCARD ALL, closing", "status", string(rPayload))
			cp.Put(addr, session, true)
			return
		}
		if rType == pgMsgErrorResponse {
			slog.Debug("DISCARD ALL returned error, closing connection")
			cp.Put(addr, session, true)
			return
		}
	}
}

// cleanupPGBackend handles a dirty client disconnect: it sends a best-effort
// ROLLBACK to the backend. It does not mark the session bad; the caller's
// deferred release(true) returns it as broken, so the pool discards it
// rather than reusing state left mid-transaction.
func cleanupPGBackend(backend net.Conn) {
	rollback := append([]byte("ROLLBACK"), 0)
	writePGMessage(backend, pgMsgQuery, rollback)
}

// detectSessionPin checks if a message requires session pinning.
func detectSessionPin(msgType byte, payload []byte) bool {
	if msgType == pgMsgParse && len(payload) > 0 {
		if payload[0] != 0 {
			return true
		}
	}

	if msgType == pgMsgQuery && len(payload) > 0 {
		query := strings.ToUpper(strings.TrimSpace(string(payload[:len(payload)-1])))
		if strings.HasPrefix(query, "LISTEN") || strings.HasPrefix(query, "NOTIFY") {
			return true
		}
	}

	return false
}

// pinReason returns a human-readable reason for session pinning.
func pinReason(msgType byte, payload []byte) string {
	if msgType == pgMsgParse {
		return "named prepared statement"
	}
	if msgType == pgMsgQuery {
		query := strings.TrimSpace(string(payload[:len(payload)-1]))
		words := strings.Fields(query)
		if len(words) > 0 {
			return strings.ToLower(words[0]) + " command"
		}
	}
	return "unknown"
}

// sendPGErrorToConn sends a PostgreSQL ErrorResponse to a connection.
func sendPGErrorToConn(conn net.Conn, severity, code, message string) {
	var buf []byte
	buf = append(buf, 'S')
	buf = append(buf, severity...)
	buf = append(buf, 0)
	buf = append(buf, 'C')
	buf = append(buf, code...)
	buf = append(buf, 0)
	buf = append(buf, 'M')
	buf = append(buf, message...)
	buf = append(buf, 0)
	buf = append(buf, 0)

	writePGMessage(conn, pgMsgErrorResponse, buf)
}
