package proxy

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/health"
	"github.com/dbbouncer/dbbouncer/internal/metrics"
	"github.com/dbbouncer/dbbouncer/internal/pool"
	"github.com/dbbouncer/dbbouncer/internal/registry"
)

const (
	// PostgreSQL protocol version 3.0
	pgProtoVersionMajor = 3
	pgProtoVersionMinor = 0
	pgProtoVersion      = pgProtoVersionMajor<<16 | pgProtoVersionMinor

	// SSL request magic number
	pgSSLRequestCode = 80877103

	// Message types
	pgMsgAuthentication  byte = 'R'
	pgMsgErrorResponse   byte = 'E'
	pgMsgReadyForQuery   byte = 'Z'
	pgMsgTerminate       byte = 'X'
	pgMsgQuery           byte = 'Q'
	pgMsgParameterStatus byte = 'S'
	pgMsgBackendKeyData  byte = 'K'
	pgMsgPassword        byte = 'p'

	pgAuthCleartext = 3
	pgAuthOK        = 0
)

// Compile-time interface assertion.
var _ ConnectionHandler = (*PostgresHandler)(nil)

// PostgresHandler handles PostgreSQL wire protocol connections.
type PostgresHandler struct {
	registry    *registry.Registry
	healthCheck *health.Checker
	metrics     *metrics.Collector
	tlsConfig   *tls.Config
}

// Handle processes a PostgreSQL client connection: it reads the startup
// message, resolves (database, user) to a pool, authenticates the client,
// and relays the session according to the pool's configured pool_mode.
func (h *PostgresHandler) Handle(ctx context.Context, clientConn net.Conn) error {
	params, startupMsg, clientConn, err := h.readStartupMessage(clientConn)
	if err != nil {
		return fmt.Errorf("reading startup message: %w", err)
	}
	_ = startupMsg

	database := params["database"]
	if database == "" {
		database = params["user"]
	}
	user := params["user"]
	if database == "" || user == "" {
		h.sendPGError(clientConn, "FATAL", "08000", "startup message missing database/user")
		return fmt.Errorf("missing database/user in startup message")
	}

	cp, ok := h.registry.GetPool(database, user)
	if !ok {
		h.sendPGError(clientConn, "FATAL", "08000", fmt.Sprintf("no such pool: %s/%s", database, user))
		return fmt.Errorf("unknown pool %s/%s", database, user)
	}

	if cp.IsPaused() {
		cp.WaitPaused()
	}

	opts := parseConnOptions(params["options"])
	role := opts.role
	if role == nil {
		switch cp.Settings().DefaultRole {
		case pool.DefaultRolePrimary:
			r := pool.RolePrimary
			role = &r
		case pool.DefaultRoleReplica:
			r := pool.RoleReplica
			role = &r
		}
	}

	appName := params["application_name"]
	var clientStats pool.ClientStats
	if h.metrics != nil {
		clientStats = h.metrics.NewClientStats(database, user, appName)
	}

	if h.healthCheck != nil && !h.healthCheck.OverallHealthy() {
		slog.Warn("accepting postgres connection while pool reports unhealthy addresses", "pool", database+"/"+user)
	}

	if err := h.authenticateClient(clientConn); err != nil {
		return fmt.Errorf("client auth: %w", err)
	}

	session, addr, err := cp.Get(opts.shard, role, clientStats)
	if err != nil {
		h.sendPGError(clientConn, "FATAL", "08000", fmt.Sprintf("cannot connect to database: %s", err))
		return err
	}

	if err := h.sendSyntheticAuthOK(clientConn, session); err != nil {
		cp.Put(addr, session, true)
		return fmt.Errorf("sending synthetic auth ok: %w", err)
	}

	if cp.Settings().PoolMode == pool.PoolModeTransaction {
		return relayPGTransactionMode(ctx, clientConn, cp, session, addr, clientStats)
	}

	backend, err := backendConn(session)
	if err != nil {
		cp.Put(addr, session, true)
		return err
	}

	err = relay(ctx, clientConn, backend)
	// Session pooling holds the backend for the full client connection and
	// the wire protocol state after a raw byte relay is unknown, so the
	// session is always discarded rather than returned idle.
	cp.Put(addr, session, true)
	return err
}

// authenticateClient runs a minimal cleartext handshake with the client.
// Client-facing credential verification is not part of the pool core
// (spec.md scopes authentication to the backend side via auth_query/auth
// hash); the proxy trusts the client-declared identity once it replies to
// the password request.
func (h *PostgresHandler) authenticateClient(conn net.Conn) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, pgAuthCleartext)
	if err := writePGMessage(conn, pgMsgAuthentication, payload); err != nil {
		return err
	}

	msgType, _, err := readPGMessage(conn)
	if err != nil {
		return fmt.Errorf("reading client password: %w", err)
	}
	if msgType != pgMsgPassword {
		return fmt.Errorf("expected password message, got %q", msgType)
	}

	okPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(okPayload, pgAuthOK)
	return writePGMessage(conn, pgMsgAuthentication, okPayload)
}

// sendSyntheticAuthOK sends AuthenticationOk + cached ParameterStatus
// messages + BackendKeyData + ReadyForQuery('I') to the client, standing
// in for the handshake the already-authenticated backend session performed
// at dial time.
func (h *PostgresHandler) sendSyntheticAuthOK(client net.Conn, session pool.Session) error {
	authOK := make([]byte, 4)
	binary.BigEndian.PutUint32(authOK, pgAuthOK)
	if err := writePGMessage(client, pgMsgAuthentication, authOK); err != nil {
		return err
	}

	for key, val := range session.ServerParameters() {
		var payload []byte
		payload = append(payload, key...)
		payload = append(payload, 0)
		payload = append(payload, val...)
		payload = append(payload, 0)
		if err := writePGMessage(client, pgMsgParameterStatus, payload); err != nil {
			return err
		}
	}

	bkd := make([]byte, 8)
	binary.BigEndian.PutUint32(bkd[:4], uint32(time.Now().UnixNano()))
	binary.BigEndian.PutUint32(bkd[4:], uint32(time.Now().UnixNano()>>32))
	if err := writePGMessage(client, pgMsgBackendKeyData, bkd); err != nil {
		return err
	}

	return writePGMessage(client, pgMsgReadyForQuery, []byte{'I'})
}

// readStartupMessage reads the PostgreSQL startup message and returns its
// parameters. Handles SSL negotiation as a loop (max 3 attempts) to
// prevent stack overflow.
func (h *PostgresHandler) readStartupMessage(conn net.Conn) (map[string]string, []byte, net.Conn, error) {
	const maxSSLAttempts = 3
	currentConn := conn

	for attempt := 0; attempt <= maxSSLAttempts; attempt++ {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(currentConn, lenBuf); err != nil {
			return nil, nil, currentConn, fmt.Errorf("reading startup length: %w", err)
		}
		msgLen := int(binary.BigEndian.Uint32(lenBuf))

		if msgLen < 8 || msgLen > 10000 {
			return nil, nil, currentConn, fmt.Errorf("invalid startup message length: %d", msgLen)
		}

		buf := make([]byte, msgLen-4)
		if _, err := io.ReadFull(currentConn, buf); err != nil {
			return nil, nil, currentConn, fmt.Errorf("reading startup body: %w", err)
		}

		protoVersion := binary.BigEndian.Uint32(buf[:4])
		if protoVersion == pgSSLRequestCode {
			if h.tlsConfig != nil {
				currentConn.Write([]byte{'S'})
				tlsConn := tls.Server(currentConn, h.tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					return nil, nil, currentConn, fmt.Errorf("TLS handshake failed: %w", err)
				}
				currentConn = tlsConn
			} else {
				currentConn.Write([]byte{'N'})
			}
			continue
		}

		params := make(map[string]string)
		data := buf[4:]
		for len(data) > 1 {
			keyEnd := 0
			for keyEnd < len(data) && data[keyEnd] != 0 {
				keyEnd++
			}
			if keyEnd >= len(data) {
				break
			}
			key := string(data[:keyEnd])
			data = data[keyEnd+1:]

			valEnd := 0
			for valEnd < len(data) && data[valEnd] != 0 {
				valEnd++
			}
			if valEnd >= len(data) {
				break
			}
			value := string(data[:valEnd])
			data = data[valEnd+1:]

			params[key] = value
		}

		fullMsg := make([]byte, msgLen)
		copy(fullMsg[:4], lenBuf)
		copy(fullMsg[4:], buf)

		return params, fullMsg, currentConn, nil
	}

	return nil, nil, currentConn, fmt.Errorf("too many SSL negotiation attempts")
}

// readPGMessage reads a single PostgreSQL protocol message (type byte + length + payload).
func readPGMessage(conn net.Conn) (byte, []byte, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, typeBuf); err != nil {
		return 0, nil, err
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return 0, nil, err
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf)) - 4

	if msgLen < 0 || msgLen > 1<<24 {
		return 0, nil, fmt.Errorf("invalid message length: %d", msgLen)
	}

	payload := make([]byte, msgLen)
	if msgLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}

	return typeBuf[0], payload, nil
}

// writePGMessage writes a PostgreSQL protocol message.
func writePGMessage(conn net.Conn, msgType byte, payload []byte) error {
	msgLen := len(payload) + 4
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(msgLen))
	copy(buf[5:], payload)
	_, err := conn.Write(buf)
	return err
}

// sendPGError sends a PostgreSQL ErrorResponse to the client.
func (h *PostgresHandler) sendPGError(conn net.Conn, severity, code, message string) {
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
