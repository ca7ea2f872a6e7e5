package authpassthrough

import (
	"encoding/binary"
	"testing"

	"github.com/dbbouncer/dbbouncer/internal/config"
)

func TestFromPoolConfigRequiresAuthQuery(t *testing.T) {
	if _, ok := FromPoolConfig(config.PoolConfig{}); ok {
		t.Error("expected no AuthPassthrough when auth_query/auth_query_user are unset")
	}
}

func TestFromPoolConfigDefaultsQuery(t *testing.T) {
	ap, ok := FromPoolConfig(config.PoolConfig{AuthQueryUser: "pgbouncer"})
	if !ok {
		t.Fatal("expected AuthPassthrough to be built when auth_query_user is set")
	}
	if ap.query != defaultAuthQuery {
		t.Errorf("query = %q, want default %q", ap.query, defaultAuthQuery)
	}
}

func TestFromPoolConfigHonorsCustomQuery(t *testing.T) {
	ap, ok := FromPoolConfig(config.PoolConfig{AuthQuery: "SELECT 1", AuthQueryUser: "pgbouncer"})
	if !ok {
		t.Fatal("expected ok=true")
	}
	if ap.query != "SELECT 1" {
		t.Errorf("query = %q, want %q", ap.query, "SELECT 1")
	}
}

func TestFactoryReturnsInterfaceValue(t *testing.T) {
	ap, ok := Factory(config.PoolConfig{AuthQueryUser: "pgbouncer"})
	if !ok || ap == nil {
		t.Fatal("expected a non-nil AuthPassthrough")
	}
}

func TestQuoteLiteralEscapesQuotes(t *testing.T) {
	got := quoteLiteral("o'brien")
	want := "'o''brien'"
	if got != want {
		t.Errorf("quoteLiteral = %q, want %q", got, want)
	}
}

func TestParseErrorMessageExtractsMessageField(t *testing.T) {
	payload := []byte("SFATAL\x00C28000\x00Mpassword authentication failed\x00\x00")
	got := parseErrorMessage(payload)
	want := "password authentication failed"
	if got != want {
		t.Errorf("parseErrorMessage = %q, want %q", got, want)
	}
}

func TestParseErrorMessageUnknown(t *testing.T) {
	if got := parseErrorMessage([]byte("\x00")); got != "unknown error" {
		t.Errorf("parseErrorMessage = %q, want %q", got, "unknown error")
	}
}

func TestParseDataRowDecodesColumnsAndNulls(t *testing.T) {
	var payload []byte
	countBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(countBuf, 2)
	payload = append(payload, countBuf...)

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, 3)
	payload = append(payload, lenBuf...)
	payload = append(payload, "abc"...)

	binary.BigEndian.PutUint32(lenBuf, uint32(int32(-1)))
	payload = append(payload, lenBuf...)

	got := parseDataRow(payload)
	want := []string{"abc", ""}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("parseDataRow = %v, want %v", got, want)
	}
}
