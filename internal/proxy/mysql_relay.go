package proxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/pool"
)

// MySQL server status flags (from Protocol::OK_Packet)
const (
	mysqlStatusInTrans    = uint16(0x0001) // SERVER_STATUS_IN_TRANS
	mysqlStatusAutocommit = uint16(0x0002) // SERVER_STATUS_AUTOCOMMIT
)

// MySQL command bytes. Of these, only COM_SET_OPTION pins the session in
// relayMySQLTransactionMode (as do COM_STMT_PREPARE and lock or explicit
// transaction statements): those session changes can't be replayed against
// a different backend connection.
const (
	mysqlComStmtClose   byte = 0x19
	mysqlComSetOption   byte = 0x1b
	mysqlComCreateDB    byte = 0x05
	mysqlComDropDB      byte = 0x06
	mysqlComFieldList   byte = 0x04
	mysqlComRefresh     byte = 0x07
	mysqlComProcessKill byte = 0x0c
)

// relayMySQLTransactionMode implements transaction-level connection
// multiplexing for MySQL. session/addr is the already-checked-out initial
// backend from Handle; its synthetic OK has already been sent to the
// client.
//
// Flow:
//  1. Enter message loop: forward client commands to backend.
//  2. After each command, read backend responses until an OK/ERR/EOF with
//     SERVER_STATUS_IN_TRANS == 0 (transaction boundary).
//  3. At a transaction boundary: reset the backend via RESET CONNECTION,
//     return it to the pool.
//  4. On COM_QUIT: return the backend cleanly, close the client.
func relayMySQLTransactionMode(ctx context.Context, clientConn net.Conn, cp *pool.ConnectionPool, session pool.Session, addr pool.Address, clientStats pool.ClientStats) error {
	backend, err := backendConn(session)
	if err != nil {
		cp.Put(addr, session, true)
		return err
	}

	held := true
	pinned := false
	var pinReason string

	resetAndReturn := func() {
		if !held {
			return
		}
		if err := sendMySQLResetConnection(backend); err != nil {
			slog.Warn("mysql reset connection send failed", "pool", addr.PoolName, "err", err)
			cp.Put(addr, session, true)
			held = false
			return
		}
		resp, _, err := readMySQLPacket(backend)
		if err != nil || (len(resp) > 0 && resp[0] == 0xff) {
			slog.Warn("mysql reset connection failed", "pool", addr.PoolName)
			cp.Put(addr, session, true)
			held = false
			return
		}
		cp.Put(addr, session, false)
		held = false
	}
	defer func() {
		if held {
			cp.Put(addr, session, true)
		}
	}()

	for {
		cmdPkt, seq, err := readMySQLPacket(clientConn)
		if err != nil {
			if held {
				_ = sendMySQLQuery(backend, "ROLLBACK")
				drainMySQLUntilOK(backend)
				resetAndReturn()
			}
			return nil
		}

		if len(cmdPkt) == 0 {
			continue
		}

		cmdType := cmdPkt[0]

		if cmdType == mysqlComQuit {
			resetAndReturn()
			return nil
		}

		if !pinned {
			switch cmdType {
			case mysqlComStmtPrepare:
				pinned = true
				pinReason = "prepared_statement"
			case mysqlComSetOption:
				pinned = true
				pinReason = "set_option"
			default:
				if cmdType == mysqlComQuery && len(cmdPkt) > 1 {
					q := strings.ToUpper(strings.TrimSpace(string(cmdPkt[1:])))
					if strings.HasPrefix(q, "LOCK ") ||
						strings.Contains(q, "GET_LOCK(") ||
						strings.HasPrefix(q, "START TRANSACTION") {
						pinned = true
						pinReason = "lock_or_explicit_txn"
					}
				}
			}
			if pinned {
				slog.Debug("mysql session pinned", "pool", addr.PoolName, "reason", pinReason)
			}
		}

		if !held {
			session, addr, err = cp.Get(addr.ShardIndex, roleOf(addr), clientStats)
			if err != nil {
				sendMySQLErrorPkt(clientConn, 1040, "08004", "Too many connections", seq+1)
				return fmt.Errorf("re-acquiring backend: %w", err)
			}
			backend, err = backendConn(session)
			if err != nil {
				cp.Put(addr, session, true)
				return err
			}
			held = true
		}

		var inflightKey string
		if cmdType == mysqlComQuery && len(cmdPkt) > 1 {
			if key, owned := cp.TrackQuery(string(cmdPkt[1:])); owned {
				inflightKey = key
			}
		}

		if err := writeMySQLPacket(backend, cmdPkt, seq); err != nil {
			cp.UntrackQuery(inflightKey)
			cp.Put(addr, session, true)
			held = false
			return fmt.Errorf("forwarding command to backend: %w", err)
		}

		atBoundary, err := drainMySQLResponse(clientConn, backend, cmdType)
		cp.UntrackQuery(inflightKey)
		if err != nil {
			cp.Put(addr, session, true)
			held = false
			return fmt.Errorf("relaying backend response: %w", err)
		}
		touchSession(session)

		if atBoundary && !pinned {
			resetAndReturn()
		}
	}
}

// drainMySQLResponse reads all response packets from backend and forwards
// them to the client. It returns true when it detects a transaction
// boundary (OK or EOF packet with SERVER_STATUS_IN_TRANS == 0).
func drainMySQLResponse(client, backend net.Conn, cmdType byte) (atBoundary bool, err error) {
	inResultSet, eofCount := false, 0
	for {
		pkt, seq, err := readMySQLPacket(backend)
		if err != nil {
			return false, err
		}
		if err := writeMySQLPacket(client, pkt, seq); err != nil {
			return false, err
		}
		if len(pkt) == 0 {
			continue
		}
		first := pkt[0]

		// ERR_Packet — always terminal, always at boundary (auto-rollback)
		if first == 0xff {
			return true, nil
		}

		// Result set: column_count + column defs + EOF + rows + EOF. Every
		// packet is already forwarded above; keep reading to the terminal EOF.
		isEOF := first == 0xfe && len(pkt) < 9
		if !inResultSet && first != 0x00 && !isEOF {
			inResultSet = true // column_count packet
			continue
		}
		if inResultSet && (!isEOF || eofCount == 0) {
			if isEOF {
				eofCount++ // EOF that ends the column definitions
			}
			continue // column definition or row
		}

		// OK_Packet (0x00) or terminal EOF_Packet (0xfe with len < 9)
		status := mysqlPacketStatusFlags(pkt, first)
		if status&0x0008 != 0 { // SERVER_MORE_RESULTS_EXISTS
			inResultSet, eofCount = false, 0
			continue
		}
		atBoundary := status&mysqlStatusInTrans == 0
		return atBoundary, nil
	}
}

// mysqlPacketStatusFlags extracts the server status flags from an OK or EOF packet.
func mysqlPacketStatusFlags(pkt []byte, first byte) uint16 {
	if first == 0x00 && len(pkt) >= 5 {
		pos := 1
		pos = skipLenEnc(pkt, pos)
		pos = skipLenEnc(pkt, pos)
		if pos+2 <= len(pkt) {
			return binary.LittleEndian.Uint16(pkt[pos : pos+2])
		}
	}
	if first == 0xfe && len(pkt) >= 5 {
		return binary.LittleEndian.Uint16(pkt[3:5])
	}
	return 0
}

// skipLenEnc advances pos past a length-encoded integer in pkt.
func skipLenEnc(pkt []byte, pos int) int {
	if pos >= len(pkt) {
		return pos
	}
	b := pkt[pos]
	switch {
	case b < 0xfb:
		return pos + 1
	case b == 0xfc:
		return pos + 3
	case b == 0xfd:
		return pos + 4
	case b == 0xfe:
		return pos + 9
	default:
		return pos + 1
	}
}

// drainMySQLUntilOK reads and discards packets until it sees an OK or ERR packet.
func drainMySQLUntilOK(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		pkt, _, err := readMySQLPacket(conn)
		if err != nil {
			return
		}
		if len(pkt) > 0 && (pkt[0] == 0x00 || pkt[0] == 0xff || (pkt[0] == 0xfe && len(pkt) < 9)) {
			return
		}
	}
}

// sendMySQLOK sends a minimal OK_Packet to the client.
func sendMySQLOK(conn net.Conn, seq byte) error {
	pkt := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	return writeMySQLPacket(conn, pkt, seq)
}

// sendMySQLResetConnection sends a COM_RESET_CONNECTION (0x1f) command.
func sendMySQLResetConnection(conn net.Conn) error {
	return writeMySQLPacket(conn, []byte{0x1f}, 0)
}

// sendMySQLQuery sends a COM_QUERY command to the backend.
func sendMySQLQuery(conn net.Conn, query string) error {
	pkt := append([]byte{mysqlComQuery}, []byte(query)...)
	return writeMySQLPacket(conn, pkt, 0)
}

// sendMySQLErrorPkt sends an ERR_Packet to the client.
func sendMySQLErrorPkt(conn net.Conn, code uint16, sqlstate, msg string, seq byte) {
	var pkt []byte
	pkt = append(pkt, 0xff)
	pkt = append(pkt, byte(code), byte(code>>8))
	pkt = append(pkt, '#')
	if len(sqlstate) > 5 {
		sqlstate = sqlstate[:5]
	}
	for len(sqlstate) < 5 {
		sqlstate += "0"
	}
	pkt = append(pkt, []byte(sqlstate)...)
	pkt = append(pkt, []byte(msg)...)
	_ = writeMySQLPacket(conn, pkt, seq)
}
