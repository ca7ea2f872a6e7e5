package proxy

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/dbbouncer/dbbouncer/internal/health"
	"github.com/dbbouncer/dbbouncer/internal/metrics"
	"github.com/dbbouncer/dbbouncer/internal/pool"
	"github.com/dbbouncer/dbbouncer/internal/registry"
)

const (
	// MySQL packet types
	mysqlComQuit        byte = 0x01
	mysqlComQuery       byte = 0x03
	mysqlComInitDB      byte = 0x02
	mysqlComPing        byte = 0x0e
	mysqlComStmtPrepare byte = 0x16

	// MySQL auth/error
	mysqlOKPacket  byte = 0x00
	mysqlErrPacket byte = 0xff
	mysqlEOFPacket byte = 0xfe
)

// Compile-time interface assertion.
var _ ConnectionHandler = (*MySQLHandler)(nil)

// MySQLHandler handles MySQL wire protocol connections.
type MySQLHandler struct {
	registry    *registry.Registry
	healthCheck *health.Checker
	metrics     *metrics.Collector
}

// Handle processes a MySQL client connection. MySQL clients expect the
// server to speak first, so a synthetic handshake is sent before the
// client's HandshakeResponse tells us which pool (schema name) and user it
// wants, mirroring the startup-message dance on the Postgres side.
//
// The handshake carries no routing hints, so MySQL connections always check
// out from shard 0 with the pool's configured default_role.
func (h *MySQLHandler) Handle(ctx context.Context, clientConn net.Conn) error {
	if err := h.sendSyntheticHandshake(clientConn); err != nil {
		return fmt.Errorf("sending synthetic handshake: %w", err)
	}

	username, database, handshakeResp, err := h.readHandshakeResponse(clientConn)
	if err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}
	_ = handshakeResp

	// After synthetic handshake (seq 0) and client response (seq 1), our
	// error responses use seq 2.
	const errSeq byte = 2

	if database == "" || username == "" {
		h.sendMySQLError(clientConn, 1045, "28000", "no schema/user provided in handshake response", errSeq)
		return fmt.Errorf("missing schema/user in MySQL handshake")
	}

	cp, ok := h.registry.GetPool(database, username)
	if !ok {
		h.sendMySQLError(clientConn, 1045, "28000", "Access denied", errSeq)
		return fmt.Errorf("unknown pool %s/%s", database, username)
	}

	if cp.IsPaused() {
		cp.WaitPaused()
	}

	if h.healthCheck != nil && !h.healthCheck.OverallHealthy() {
		slog.Warn("accepting mysql connection while pool reports unhealthy addresses", "pool", database+"/"+username)
	}

	var clientStats pool.ClientStats
	if h.metrics != nil {
		clientStats = h.metrics.NewClientStats(database, username, "")
	}

	var role *pool.Role
	switch cp.Settings().DefaultRole {
	case pool.DefaultRolePrimary:
		r := pool.RolePrimary
		role = &r
	case pool.DefaultRoleReplica:
		r := pool.RoleReplica
		role = &r
	}

	session, addr, err := cp.Get(0, role, clientStats)
	if err != nil {
		h.sendMySQLError(clientConn, 1045, "08S01", "cannot connect to database", errSeq)
		return err
	}

	if err := sendMySQLOK(clientConn, errSeq); err != nil {
		cp.Put(addr, session, true)
		return fmt.Errorf("sending synthetic OK: %w", err)
	}

	if cp.Settings().PoolMode == pool.PoolModeTransaction {
		return relayMySQLTransactionMode(ctx, clientConn, cp, session, addr, clientStats)
	}

	backend, err := backendConn(session)
	if err != nil {
		cp.Put(addr, session, true)
		return err
	}

	err = relay(ctx, clientConn, backend)
	cp.Put(addr, session, true)
	return err
}

// sendSyntheticHandshake sends a minimal MySQL handshake to learn the client's pool.
func (h *MySQLHandler) sendSyntheticHandshake(conn net.Conn) error {
	// Generate random auth challenge (20 bytes: 8 for part1 + 12 for part2)
	authData := make([]byte, 20)
	if _, err := rand.Read(authData); err != nil {
		return fmt.Errorf("generating auth challenge: %w", err)
	}
	// Ensure no zero bytes in auth data (MySQL protocol uses null terminators)
	for i := range authData {
		if authData[i] == 0 {
			authData[i] = 1
		}
	}

	var buf []byte

	// Protocol version
	buf = append(buf, 10)

	// Server version (null-terminated)
	version := "5.7.0-dbbouncer"
	buf = append(buf, version...)
	buf = append(buf, 0)

	// Connection ID
	buf = append(buf, 1, 0, 0, 0)

	// Auth-plugin-data part 1 (8 bytes)
	buf = append(buf, authData[:8]...)

	// Filler
	buf = append(buf, 0)

	// Capability flags (lower 2 bytes): every lower flag except CLIENT_SSL
	// (0x0800), including CLIENT_PROTOCOL_41 | CLIENT_SECURE_CONNECTION |
	// CLIENT_CONNECT_WITH_DB
	capLow := uint16(0xf7ff)
	buf = append(buf, byte(capLow), byte(capLow>>8))

	// Character set (utf8)
	buf = append(buf, 33)

	// Status flags
	buf = append(buf, 0x02, 0x00)

	// Capability flags (upper 2 bytes)
	capHigh := uint16(0x0081)
	buf = append(buf, byte(capHigh), byte(capHigh>>8))

	// Length of auth-plugin-data (21 = 8 + 13)
	buf = append(buf, 21)

	// Reserved (10 bytes of 0)
	buf = append(buf, make([]byte, 10)...)

	// Auth-plugin-data part 2 (12 bytes + null terminator)
	buf = append(buf, authData[8:]...)
	buf = append(buf, 0x00)

	// Auth plugin name
	pluginName := "mysql_native_password"
	buf = append(buf, pluginName...)
	buf = append(buf, 0)

	return writeMySQLPacket(conn, buf, 0)
}

// readHandshakeResponse reads the MySQL client's HandshakeResponse and
// extracts the username and target schema (which doubles as the pool
// name, mirroring the Postgres startup message's "database" parameter).
func (h *MySQLHandler) readHandshakeResponse(conn net.Conn) (username, database string, rawPacket []byte, err error) {
	headerBuf := make([]byte, 4)
	if _, err = io.ReadFull(conn, headerBuf); err != nil {
		return "", "", nil, fmt.Errorf("reading packet header: %w", err)
	}

	payloadLen := int(headerBuf[0]) | int(headerBuf[1])<<8 | int(headerBuf[2])<<16
	if payloadLen > 1<<24 || payloadLen < 32 {
		return "", "", nil, fmt.Errorf("invalid handshake response length: %d", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err = io.ReadFull(conn, payload); err != nil {
		return "", "", nil, fmt.Errorf("reading handshake response: %w", err)
	}

	rawPacket = make([]byte, 4+payloadLen)
	copy(rawPacket, headerBuf)
	copy(rawPacket[4:], payload)

	if len(payload) < 32 {
		return "", "", rawPacket, fmt.Errorf("handshake response too short")
	}

	clientFlags := binary.LittleEndian.Uint32(payload[0:4])
	pos := 32

	usernameEnd := pos
	for usernameEnd < len(payload) && payload[usernameEnd] != 0 {
		usernameEnd++
	}
	username = string(payload[pos:usernameEnd])
	pos = usernameEnd + 1

	if clientFlags&0x00200000 != 0 || clientFlags&0x00008000 != 0 {
		if pos < len(payload) {
			authLen := int(payload[pos])
			pos++
			if pos+authLen <= len(payload) {
				pos += authLen
			}
		}
	} else {
		authEnd := pos
		for authEnd < len(payload) && payload[authEnd] != 0 {
			authEnd++
		}
		pos = authEnd + 1
	}

	if clientFlags&0x00000008 != 0 && pos < len(payload) {
		dbEnd := pos
		for dbEnd < len(payload) && payload[dbEnd] != 0 {
			dbEnd++
		}
		database = string(payload[pos:dbEnd])
	}

	return username, database, rawPacket, nil
}

// readMySQLPacket reads a single MySQL packet (4-byte header + payload).
// Returns the payload and the sequence number from the header.
func readMySQLPacket(conn net.Conn) ([]byte, byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, 0, err
	}

	payloadLen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	seqNum := header[3]
	if payloadLen > 1<<24 {
		return nil, 0, fmt.Errorf("mysql packet too large: %d", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, 0, err
		}
	}

	return payload, seqNum, nil
}

// writeMySQLPacket writes a MySQL packet with the given sequence number.
func writeMySQLPacket(conn net.Conn, payload []byte, seqNum byte) error {
	header := make([]byte, 4)
	header[0] = byte(len(payload))
	header[1] = byte(len(payload) >> 8)
	header[2] = byte(len(payload) >> 16)
	header[3] = seqNum

	buf := make([]byte, 4+len(payload))
	copy(buf, header)
	copy(buf[4:], payload)
	_, err := conn.Write(buf)
	return err
}

// sendMySQLError sends a MySQL ERR_Packet to the client with the given sequence number.
func (h *MySQLHandler) sendMySQLError(conn net.Conn, errorCode uint16, sqlState, message string, seqNum byte) {
	var buf []byte

	buf = append(buf, mysqlErrPacket)
	buf = append(buf, byte(errorCode), byte(errorCode>>8))
	buf = append(buf, '#')

	state := sqlState
	if len(state) < 5 {
		state = state + "     "
	}
	buf = append(buf, state[:5]...)
	buf = append(buf, message...)

	writeMySQLPacket(conn, buf, seqNum)
}
