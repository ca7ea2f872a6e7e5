package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/pool"
)

func TestParseConnOptions(t *testing.T) {
	tests := []struct {
		options  string
		wantRole *pool.Role
		wantShard int
	}{
		{"-c shard=2", nil, 2},
		{"shard=3", nil, 3},
		{"-c role=replica", rolePtr(pool.RoleReplica), 0},
		{"-c role=primary -c shard=1", rolePtr(pool.RolePrimary), 1},
		{"-c something_else=foo", nil, 0},
		{"", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.options, func(t *testing.T) {
			got := parseConnOptions(tt.options)
			if got.shard != tt.wantShard {
				t.Errorf("shard = %d, want %d", got.shard, tt.wantShard)
			}
			if (got.role == nil) != (tt.wantRole == nil) {
				t.Fatalf("role = %v, want %v", got.role, tt.wantRole)
			}
			if got.role != nil && *got.role != *tt.wantRole {
				t.Errorf("role = %v, want %v", *got.role, *tt.wantRole)
			}
		})
	}
}

func rolePtr(r pool.Role) *pool.Role { return &r }

func TestWriteReadPGMessage(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte("SELECT 1")
	go func() {
		writePGMessage(server, pgMsgQuery, payload)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, received, err := readPGMessage(client)
	if err != nil {
		t.Fatalf("readPGMessage error: %v", err)
	}
	if msgType != pgMsgQuery {
		t.Errorf("expected message type 'Q', got %c", msgType)
	}
	if string(received) != "SELECT 1" {
		t.Errorf("expected payload 'SELECT 1', got %q", received)
	}
}

func TestWriteReadMySQLPacket(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte{mysqlComQuery}
	payload = append(payload, "SELECT 1"...)

	go func() {
		writeMySQLPacket(server, payload, 0)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	received, seqNum, err := readMySQLPacket(client)
	if err != nil {
		t.Fatalf("readMySQLPacket error: %v", err)
	}
	if seqNum != 0 {
		t.Errorf("expected seq 0, got %d", seqNum)
	}
	if received[0] != mysqlComQuery {
		t.Errorf("expected COM_QUERY (0x03), got 0x%02x", received[0])
	}
	if string(received[1:]) != "SELECT 1" {
		t.Errorf("expected 'SELECT 1', got %q", received[1:])
	}
}

func TestSendPGErrorFormat(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &PostgresHandler{}

	go func() {
		h.sendPGError(server, "FATAL", "08000", "test error message")
		server.Close()
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, payload, err := readPGMessage(client)
	if err != nil {
		t.Fatalf("readPGMessage error: %v", err)
	}
	if msgType != pgMsgErrorResponse {
		t.Errorf("expected ErrorResponse message type, got %c", msgType)
	}

	var severity, code, message string
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
		switch fieldType {
		case 'S':
			severity = string(payload[i:end])
		case 'C':
			code = string(payload[i:end])
		case 'M':
			message = string(payload[i:end])
		}
		i = end
	}

	if severity != "FATAL" {
		t.Errorf("expected severity FATAL, got %q", severity)
	}
	if code != "08000" {
		t.Errorf("expected code 08000, got %q", code)
	}
	if message != "test error message" {
		t.Errorf("expected message 'test error message', got %q", message)
	}
}
