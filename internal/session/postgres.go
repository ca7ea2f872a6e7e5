package session

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// authenticatePostgres runs the startup message and authentication
// handshake, capturing ParameterStatus into s.params. Adapted from the
// connection pool's own dial-time authenticatePG.
func (s *Server) authenticatePostgres(user, database, password string) error {
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
	if _, err := s.conn.Write(append(msgLen, body...)); err != nil {
		return fmt.Errorf("sending startup message: %w", err)
	}

	for {
		msgType, payload, err := s.readPGMessage()
		if err != nil {
			return err
		}

		switch msgType {
		case 'R':
			if len(payload) < 4 {
				return fmt.Errorf("authentication message too short")
			}
			authType := be32(payload[:4])
			switch authType {
			case 0:
				continue
			case 3:
				if err := s.sendPGPassword(password); err != nil {
					return err
				}
			case 5:
				if len(payload) < 8 {
					return fmt.Errorf("MD5 auth message too short")
				}
				if err := s.sendPGPassword(computeMD5PasswordPG(user, password, payload[4:8])); err != nil {
					return err
				}
			case 10:
				if err := scramSHA256AuthPG(s.conn, user, password, payload); err != nil {
					return fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return fmt.Errorf("unsupported auth type: %d", authType)
			}

		case 'S':
			key, val := parsePGNullTerminatedPair(payload)
			if key != "" {
				s.setParam(key, val)
			}

		case 'K':
			// BackendKeyData: not needed by the pool core.

		case 'Z':
			if len(payload) >= 1 && payload[0] == 'I' {
				return nil
			}
			return fmt.Errorf("unexpected transaction status after auth: %c", payload[0])

		case 'E':
			return fmt.Errorf("backend error during auth: %s", parsePGErrorMessage(payload))
		}
	}
}

// simpleQueryPostgres runs sql via the simple query protocol and waits for
// ReadyForQuery, discarding any result rows — sufficient for health-check
// pings (";") and prewarmer statements.
func (s *Server) simpleQueryPostgres(sql string) error {
	payload := append([]byte(sql), 0)
	buf := make([]byte, 1+4+len(payload))
	buf[0] = 'Q'
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("sending query: %w", err)
	}

	var queryErr error
	for {
		msgType, payload, err := s.readPGMessage()
		if err != nil {
			return err
		}
		switch msgType {
		case 'E':
			queryErr = fmt.Errorf("backend error: %s", parsePGErrorMessage(payload))
		case 'Z':
			return queryErr
		}
	}
}

func (s *Server) readPGMessage() (byte, []byte, error) {
	typeBuf := make([]byte, 1)
	if err := readFull(s.conn, typeBuf); err != nil {
		return 0, nil, fmt.Errorf("reading message type: %w", err)
	}
	lenBuf := make([]byte, 4)
	if err := readFull(s.conn, lenBuf); err != nil {
		return 0, nil, fmt.Errorf("reading message length: %w", err)
	}
	payloadLen := int(be32(lenBuf)) - 4
	if payloadLen < 0 || payloadLen > 1<<24 {
		return 0, nil, fmt.Errorf("invalid message length: %d", payloadLen)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if err := readFull(s.conn, payload); err != nil {
			return 0, nil, fmt.Errorf("reading payload: %w", err)
		}
	}
	return typeBuf[0], payload, nil
}

func (s *Server) sendPGPassword(password string) error {
	payload := append([]byte(password), 0)
	buf := make([]byte, 1+4+len(payload))
	buf[0] = 'p'
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	_, err := s.conn.Write(buf)
	return err
}

func parsePGNullTerminatedPair(data []byte) (string, string) {
	for i := 0; i < len(data); i++ {
		if data[i] == 0 {
			key := string(data[:i])
			rest := data[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == 0 {
					return key, string(rest[:j])
				}
			}
			return key, string(rest)
		}
	}
	return "", ""
}

func parsePGErrorMessage(payload []byte) string {
	for i := 0; i < len(payload); i++ {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		end := i
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		if fieldType == 'M' {
			return string(payload[i:end])
		}
		i = end
	}
	return "unknown error"
}

func computeMD5PasswordPG(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}
