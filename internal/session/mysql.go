package session

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"net"
)

// authenticateMySQL performs the MySQL connection phase (Protocol::HandshakeV10),
// handling mysql_native_password (SHA-1 based) auth. Adapted from the
// connection pool's own dial-time authenticateMySQL.
func (s *Server) authenticateMySQL(user, database, password string) error {
	pkt, err := readMySQLPacket(s.conn)
	if err != nil {
		return fmt.Errorf("reading server handshake: %w", err)
	}
	if len(pkt) < 1 {
		return fmt.Errorf("empty server handshake")
	}
	if pkt[0] == 0xff {
		return fmt.Errorf("server sent error on connect")
	}

	pos := 1
	for pos < len(pkt) && pkt[pos] != 0 {
		pos++
	}
	pos++
	if pos+4 > len(pkt) {
		return fmt.Errorf("handshake packet too short")
	}
	pos += 4

	if pos+8 > len(pkt) {
		return fmt.Errorf("handshake packet too short for auth data 1")
	}
	authData := make([]byte, 0, 20)
	authData = append(authData, pkt[pos:pos+8]...)
	pos += 8
	pos++

	if pos+2 > len(pkt) {
		return fmt.Errorf("handshake packet too short for capability flags")
	}
	capLow := uint32(binary.LittleEndian.Uint16(pkt[pos : pos+2]))
	pos += 2

	if pos+3 > len(pkt) {
		return fmt.Errorf("handshake packet too short for charset/status")
	}
	pos += 3

	if pos+2 > len(pkt) {
		return fmt.Errorf("handshake packet too short for capability flags high")
	}
	capHigh := uint32(binary.LittleEndian.Uint16(pkt[pos:pos+2])) << 16
	capFlags := capLow | capHigh
	pos += 2

	var authPluginDataLen int
	if pos < len(pkt) {
		authPluginDataLen = int(pkt[pos])
		pos++
	}
	pos += 10

	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(pkt) {
		part2Len = len(pkt) - pos
	}
	if part2Len > 0 {
		part2 := pkt[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	pos += part2Len

	const clientPluginAuth = uint32(1 << 19)
	pluginName := "mysql_native_password"
	if capFlags&clientPluginAuth != 0 && pos < len(pkt) {
		end := pos
		for end < len(pkt) && pkt[end] != 0 {
			end++
		}
		pluginName = string(pkt[pos:end])
	}

	const (
		clientLongPassword     = uint32(1)
		clientConnectWithDB    = uint32(8)
		clientProtocol41       = uint32(512)
		clientSecureConnection = uint32(32768)
	)
	clientCaps := clientLongPassword | clientProtocol41 | clientSecureConnection | clientPluginAuth | clientConnectWithDB

	var authResp []byte
	switch pluginName {
	case "mysql_native_password":
		authResp = mysqlNativePasswordHash([]byte(password), authData)
	default:
		authResp = []byte{}
	}

	var resp []byte
	capBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(capBuf, clientCaps)
	resp = append(resp, capBuf...)
	resp = append(resp, 0xff, 0xff, 0xff, 0x00)
	resp = append(resp, 0x21)
	resp = append(resp, make([]byte, 23)...)
	resp = append(resp, []byte(user)...)
	resp = append(resp, 0)
	resp = append(resp, byte(len(authResp)))
	resp = append(resp, authResp...)
	resp = append(resp, []byte(database)...)
	resp = append(resp, 0)
	resp = append(resp, []byte("mysql_native_password")...)
	resp = append(resp, 0)

	if err := writeMySQLPacket(s.conn, resp, 1); err != nil {
		return fmt.Errorf("sending handshake response: %w", err)
	}

	pkt, err = readMySQLPacket(s.conn)
	if err != nil {
		return fmt.Errorf("reading auth result: %w", err)
	}
	if len(pkt) < 1 {
		return fmt.Errorf("empty auth result")
	}

	switch pkt[0] {
	case 0x00:
		return nil
	case 0xfe:
		if len(pkt) < 2 {
			return fmt.Errorf("malformed AuthSwitchRequest")
		}
		nameEnd := 1
		for nameEnd < len(pkt) && pkt[nameEnd] != 0 {
			nameEnd++
		}
		switchPlugin := string(pkt[1:nameEnd])
		var switchData []byte
		if nameEnd+1 < len(pkt) {
			switchData = pkt[nameEnd+1:]
			if len(switchData) > 0 && switchData[len(switchData)-1] == 0 {
				switchData = switchData[:len(switchData)-1]
			}
		}
		var switchResp []byte
		switch switchPlugin {
		case "mysql_native_password":
			switchResp = mysqlNativePasswordHash([]byte(password), switchData)
		default:
			return fmt.Errorf("unsupported auth plugin switch: %s", switchPlugin)
		}
		if err := writeMySQLPacket(s.conn, switchResp, 3); err != nil {
			return fmt.Errorf("sending auth switch response: %w", err)
		}
		pkt, err = readMySQLPacket(s.conn)
		if err != nil {
			return fmt.Errorf("reading auth switch result: %w", err)
		}
		if len(pkt) < 1 || pkt[0] != 0x00 {
			return fmt.Errorf("auth switch failed")
		}
		return nil
	case 0xff:
		return fmt.Errorf("authentication failed: %s", parseMySQLErrorPacket(pkt))
	default:
		return fmt.Errorf("unexpected auth result packet type: 0x%02x", pkt[0])
	}
}

// comQueryMySQL sends a COM_QUERY and drains the response, discarding any
// result set rows — sufficient for health-check pings and prewarmer
// statements.
func (s *Server) comQueryMySQL(sql string) error {
	payload := append([]byte{0x03}, []byte(sql)...)
	if err := writeMySQLPacket(s.conn, payload, 0); err != nil {
		return fmt.Errorf("sending query: %w", err)
	}

	pkt, err := readMySQLPacket(s.conn)
	if err != nil {
		return fmt.Errorf("reading query response: %w", err)
	}
	if len(pkt) == 0 {
		return nil
	}
	if pkt[0] == 0xff {
		return fmt.Errorf("query error: %s", parseMySQLErrorPacket(pkt))
	}
	if pkt[0] == 0x00 {
		return nil // OK_Packet, no result set
	}

	// Result set: a column-count packet followed by column definitions, an
	// EOF, rows, and a trailing EOF/OK. Drain until we see the closing EOF.
	for {
		p, err := readMySQLPacket(s.conn)
		if err != nil {
			return fmt.Errorf("draining result set: %w", err)
		}
		if len(p) > 0 && (p[0] == 0xfe && len(p) < 9) {
			// First EOF ends column definitions; keep draining rows until
			// the second EOF/OK closes the result set.
			for {
				row, err := readMySQLPacket(s.conn)
				if err != nil {
					return fmt.Errorf("draining rows: %w", err)
				}
				if len(row) > 0 && row[0] == 0xfe && len(row) < 9 {
					return nil
				}
			}
		}
	}
}

func mysqlNativePasswordHash(password, salt []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha1.Sum(password)
	h2 := sha1.Sum(h1[:])
	seed := append(append([]byte{}, salt...), h2[:]...)
	h3 := sha1.Sum(seed)
	result := make([]byte, len(h1))
	for i := range h1 {
		result[i] = h1[i] ^ h3[i]
	}
	return result
}

// readMySQLPacket reads one packet, stripping its 3-byte length + 1-byte
// sequence header.
func readMySQLPacket(conn net.Conn) ([]byte, error) {
	header := make([]byte, 4)
	if err := readFull(conn, header); err != nil {
		return nil, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	payload := make([]byte, length)
	if length > 0 {
		if err := readFull(conn, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func writeMySQLPacket(conn net.Conn, payload []byte, seq byte) error {
	header := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), seq}
	if _, err := conn.Write(append(header, payload...)); err != nil {
		return err
	}
	return nil
}

func parseMySQLErrorPacket(pkt []byte) string {
	if len(pkt) < 3 {
		return "unknown error"
	}
	// pkt[0] = 0xff, pkt[1:3] = error code, optional '#'+sqlstate(5), then message
	msgStart := 3
	if len(pkt) > 3 && pkt[3] == '#' && len(pkt) >= 9 {
		msgStart = 9
	}
	if msgStart > len(pkt) {
		return "unknown error"
	}
	return string(pkt[msgStart:])
}
