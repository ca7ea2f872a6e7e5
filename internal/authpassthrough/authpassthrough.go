// Package authpassthrough implements the AuthPassthrough collaborator
// (spec.md §4.7, §6): fetching a user's password hash from a backend via a
// configured auth_query, so the pool core can authenticate new sessions
// without ever holding the client's real password.
package authpassthrough

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/pool"
)

// defaultAuthQuery matches PgBouncer's default when a pool configures
// auth_query without overriding the statement itself.
const defaultAuthQuery = "SELECT usename, passwd FROM pg_shadow WHERE usename=$1"

// AuthPassthrough queries a configured auth_query_user against each
// backend to retrieve a target user's password hash.
type AuthPassthrough struct {
	query    string
	authUser string
	authPass string
	timeout  time.Duration
}

// FromPoolConfig builds an AuthPassthrough for pc, or ok=false when the pool
// has neither auth_query nor auth_query_user configured (passthrough is
// opt-in per pool).
func FromPoolConfig(pc config.PoolConfig) (*AuthPassthrough, bool) {
	if pc.AuthQuery == "" && pc.AuthQueryUser == "" {
		return nil, false
	}
	query := pc.AuthQuery
	if query == "" {
		query = defaultAuthQuery
	}
	return &AuthPassthrough{
		query:    query,
		authUser: pc.AuthQueryUser,
		authPass: pc.AuthQueryPassword,
		timeout:  5 * time.Second,
	}, true
}

// Factory adapts FromPoolConfig to the registry.AuthPassthroughFactory
// signature (pool.AuthPassthrough interface, not a concrete type), so
// callers can pass authpassthrough.Factory directly when wiring the
// registry.
func Factory(pc config.PoolConfig) (pool.AuthPassthrough, bool) {
	ap, ok := FromPoolConfig(pc)
	if !ok {
		return nil, false
	}
	return ap, true
}

// FetchHash connects to addr, authenticates as the configured
// auth_query_user, runs the auth query substituting addr's Username for the
// `$1` placeholder, and returns the password hash column of the first row.
func (a *AuthPassthrough) FetchHash(addr pool.Address) (string, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr.Host, fmt.Sprintf("%d", addr.Port)), a.timeout)
	if err != nil {
		return "", fmt.Errorf("dialing %s: %w", addr.String(), err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(a.timeout))

	if err := startupAndAuthenticate(conn, a.authUser, a.authPass, addr.Database); err != nil {
		return "", fmt.Errorf("auth_query_user authentication: %w", err)
	}

	stmt := strings.ReplaceAll(a.query, "$1", quoteLiteral(addr.Username))
	rows, err := simpleQuery(conn, stmt)
	if err != nil {
		return "", fmt.Errorf("running auth_query: %w", err)
	}
	if len(rows) == 0 || len(rows[0]) < 2 {
		return "", fmt.Errorf("auth_query returned no hash for user %q", addr.Username)
	}
	return rows[0][1], nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// startupAndAuthenticate runs the PostgreSQL startup + auth handshake,
// draining messages through ReadyForQuery. It understands cleartext, MD5,
// and SCRAM-SHA-256, mirroring the same three mechanisms the session
// collaborator's backend dial path supports.
func startupAndAuthenticate(conn net.Conn, user, password, database string) error {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, 3<<16)
	body = append(body, ver...)
	body = append(body, "user"...)
	body = append(body, 0)
	body = append(body, user...)
	body = append(body, 0)
	body = append(body, "database"...)
	body = append(body, 0)
	body = append(body, database...)
	body = append(body, 0)
	body = append(body, 0)

	msgLen := make([]byte, 4)
	binary.BigEndian.PutUint32(msgLen, uint32(4+len(body)))
	if _, err := conn.Write(append(msgLen, body...)); err != nil {
		return fmt.Errorf("sending startup message: %w", err)
	}

	for {
		msgType, payload, err := readMessage(conn)
		if err != nil {
			return err
		}

		switch msgType {
		case 'R':
			if len(payload) < 4 {
				return fmt.Errorf("authentication message too short")
			}
			authType := binary.BigEndian.Uint32(payload[:4])
			switch authType {
			case 0:
				continue
			case 3:
				if err := sendPasswordMessage(conn, password); err != nil {
					return err
				}
			case 5:
				if len(payload) < 8 {
					return fmt.Errorf("MD5 auth message too short")
				}
				if err := sendPasswordMessage(conn, computeMD5Password(user, password, payload[4:8])); err != nil {
					return err
				}
			case 10:
				if err := scramSHA256(conn, user, password, payload); err != nil {
					return fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return fmt.Errorf("unsupported auth type: %d", authType)
			}
		case 'S', 'K':
			// ParameterStatus / BackendKeyData: not needed for a one-shot query.
		case 'Z':
			if len(payload) >= 1 && payload[0] == 'I' {
				return nil
			}
			return fmt.Errorf("unexpected transaction status after auth: %c", payload[0])
		case 'E':
			return fmt.Errorf("backend error: %s", parseErrorMessage(payload))
		default:
			// ignore unrecognized messages during handshake
		}
	}
}

func sendPasswordMessage(conn net.Conn, password string) error {
	payload := append([]byte(password), 0)
	buf := make([]byte, 1+4+len(payload))
	buf[0] = 'p'
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	_, err := conn.Write(buf)
	return err
}

func readMessage(conn net.Conn) (byte, []byte, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, typeBuf); err != nil {
		return 0, nil, fmt.Errorf("reading message type: %w", err)
	}
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return 0, nil, fmt.Errorf("reading message length: %w", err)
	}
	payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	if payloadLen < 0 {
		return 0, nil, fmt.Errorf("invalid message length: %d", payloadLen)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, fmt.Errorf("reading payload: %w", err)
		}
	}
	return typeBuf[0], payload, nil
}

func parseErrorMessage(payload []byte) string {
	var msg string
	for _, field := range strings.Split(string(payload), "\x00") {
		if strings.HasPrefix(field, "M") {
			msg = field[1:]
		}
	}
	if msg == "" {
		return "unknown error"
	}
	return msg
}

// simpleQuery runs stmt via the simple query protocol and returns every row
// as a slice of column text values (NULLs rendered as "").
func simpleQuery(conn net.Conn, stmt string) ([][]string, error) {
	payload := append([]byte(stmt), 0)
	buf := make([]byte, 1+4+len(payload))
	buf[0] = 'Q'
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("sending query: %w", err)
	}

	var rows [][]string
	var queryErr error

	for {
		msgType, msgPayload, err := readMessage(conn)
		if err != nil {
			return nil, err
		}

		switch msgType {
		case 'T': // RowDescription
			// column count/metadata not needed; DataRow carries its own count
		case 'D': // DataRow
			rows = append(rows, parseDataRow(msgPayload))
		case 'E':
			queryErr = fmt.Errorf("backend error: %s", parseErrorMessage(msgPayload))
		case 'C', 'I': // CommandComplete / EmptyQueryResponse
		case 'Z': // ReadyForQuery
			return rows, queryErr
		}
	}
}

func parseDataRow(payload []byte) []string {
	if len(payload) < 2 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(payload[:2]))
	cols := make([]string, 0, count)
	offset := 2
	for i := 0; i < count; i++ {
		if offset+4 > len(payload) {
			break
		}
		length := int32(binary.BigEndian.Uint32(payload[offset : offset+4]))
		offset += 4
		if length < 0 {
			cols = append(cols, "")
			continue
		}
		cols = append(cols, string(payload[offset:offset+int(length)]))
		offset += int(length)
	}
	return cols
}
