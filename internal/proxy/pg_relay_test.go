package proxy

import "testing"

func TestDetectSessionPinNamedPrepare(t *testing.T) {
	payload := append([]byte("stmt1"), 0)
	if !detectSessionPin(pgMsgParse, payload) {
		t.Error("expected named prepared statement to pin the session")
	}
}

func TestDetectSessionPinUnnamedPrepare(t *testing.T) {
	payload := []byte{0}
	if detectSessionPin(pgMsgParse, payload) {
		t.Error("unnamed prepared statement should not pin the session")
	}
}

func TestDetectSessionPinListen(t *testing.T) {
	payload := append([]byte("LISTEN channel"), 0)
	if !detectSessionPin(pgMsgQuery, payload) {
		t.Error("LISTEN should pin the session")
	}
}

func TestDetectSessionPinOrdinaryQuery(t *testing.T) {
	payload := append([]byte("SELECT 1"), 0)
	if detectSessionPin(pgMsgQuery, payload) {
		t.Error("an ordinary SELECT should not pin the session")
	}
}

func TestPinReasonQuery(t *testing.T) {
	payload := append([]byte("NOTIFY channel"), 0)
	if got := pinReason(pgMsgQuery, payload); got != "notify command" {
		t.Errorf("pinReason = %q, want %q", got, "notify command")
	}
}

func TestPinReasonParse(t *testing.T) {
	if got := pinReason(pgMsgParse, nil); got != "named prepared statement" {
		t.Errorf("pinReason = %q", got)
	}
}
