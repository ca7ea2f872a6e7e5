package authpassthrough

import (
	"bytes"
	"testing"
)

func TestComputeMD5PasswordKnownVector(t *testing.T) {
	got := computeMD5Password("user", "secret", []byte{0x01, 0x02, 0x03, 0x04})
	want := "md5fccef98e4f1cf6cbe96b743fad4e8bd0"
	if got != want {
		t.Errorf("computeMD5Password = %q, want %q", got, want)
	}
}

func TestComputeMD5PasswordDeterministic(t *testing.T) {
	salt := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	a := computeMD5Password("u", "p", salt)
	b := computeMD5Password("u", "p", salt)
	if a != b {
		t.Error("expected the same inputs to produce the same hash")
	}
}

func TestParseSASLMechanisms(t *testing.T) {
	data := append([]byte("SCRAM-SHA-256"), 0)
	data = append(data, []byte("SCRAM-SHA-256-PLUS")...)
	data = append(data, 0)

	got := parseSASLMechanisms(data)
	want := []string{"SCRAM-SHA-256", "SCRAM-SHA-256-PLUS"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("parseSASLMechanisms = %v, want %v", got, want)
	}
}

func TestContainsMechanism(t *testing.T) {
	mechs := []string{"SCRAM-SHA-256"}
	if !containsMechanism(mechs, "SCRAM-SHA-256") {
		t.Error("expected SCRAM-SHA-256 to be found")
	}
	if containsMechanism(mechs, "SCRAM-SHA-1") {
		t.Error("did not expect SCRAM-SHA-1 to be found")
	}
}

func TestParseServerFirst(t *testing.T) {
	msg := "r=abc123,s=c2FsdA==,i=4096"
	nonce, salt, iterations, err := parseServerFirst(msg)
	if err != nil {
		t.Fatalf("parseServerFirst returned error: %v", err)
	}
	if nonce != "abc123" {
		t.Errorf("nonce = %q, want %q", nonce, "abc123")
	}
	if !bytes.Equal(salt, []byte("salt")) {
		t.Errorf("salt = %q, want %q", salt, "salt")
	}
	if iterations != 4096 {
		t.Errorf("iterations = %d, want 4096", iterations)
	}
}

func TestParseServerFirstIncomplete(t *testing.T) {
	if _, _, _, err := parseServerFirst("r=abc123"); err == nil {
		t.Error("expected an error for an incomplete server-first-message")
	}
}

func TestSaslEscapeUsername(t *testing.T) {
	got := saslEscapeUsername("a=b,c")
	want := "a=3Db=2Cc"
	if got != want {
		t.Errorf("saslEscapeUsername = %q, want %q", got, want)
	}
}

func TestXorBytes(t *testing.T) {
	a := []byte{0x0f, 0xf0}
	b := []byte{0xff, 0xff}
	got := xorBytes(a, b)
	want := []byte{0xf0, 0x0f}
	if !bytes.Equal(got, want) {
		t.Errorf("xorBytes = %x, want %x", got, want)
	}
}
