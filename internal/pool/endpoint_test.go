package pool

import (
	"testing"
	"time"
)

func testEndpointConfig() EndpointPoolConfig {
	return EndpointPoolConfig{
		MaxSize:        4,
		MinIdle:        0,
		ConnectTimeout: time.Second,
		IdleTimeout:    time.Hour,
		ServerLifetime: 30 * time.Minute,
		ReaperRate:     time.Hour, // tests call reapOnce directly; no ticking needed
		Strategy:       LIFO,
	}
}

func testAddr() Address {
	return Address{Host: "primary", Port: 5432, Role: RolePrimary, ShardIndex: 0, AddressIndex: 0, Database: "app"}
}

func TestEndpointPoolCheckoutRecordsCreatedAt(t *testing.T) {
	backend := &fakeBackend{}
	ep := NewEndpointPool(testAddr(), backend, "u", nil, testEndpointConfig())
	defer ep.Close()

	session, err := ep.Checkout()
	if err != nil {
		t.Fatalf("Checkout returned error: %v", err)
	}
	ep.Return(session, false)

	if len(ep.idle) != 1 {
		t.Fatalf("expected 1 idle session, got %d", len(ep.idle))
	}
	if ep.idle[0].createdAt.IsZero() {
		t.Error("expected createdAt to be set to the session's dial time, not the zero value")
	}
}

func TestEndpointPoolReapOnceRespectsServerLifetime(t *testing.T) {
	backend := &fakeBackend{}
	ep := NewEndpointPool(testAddr(), backend, "u", nil, testEndpointConfig())
	defer ep.Close()

	session, err := ep.Checkout()
	if err != nil {
		t.Fatalf("Checkout returned error: %v", err)
	}
	ep.Return(session, false)

	// A session freshly dialed (createdAt ~= now) is nowhere near
	// server_lifetime (30m) or idle_timeout (1h) yet, so the reaper must
	// not evict it. Before the createdAt fix, a zero-value createdAt made
	// now.Sub(s.createdAt) enormous and this assertion would fail.
	ep.reapOnce()
	if len(ep.idle) != 1 {
		t.Fatalf("expected the warm session to survive a reap pass, got %d idle", len(ep.idle))
	}

	ep.mu.Lock()
	ep.idle[0].createdAt = time.Now().Add(-time.Hour)
	ep.mu.Unlock()

	ep.reapOnce()
	if len(ep.idle) != 0 {
		t.Errorf("expected a session older than server_lifetime to be reaped, got %d idle", len(ep.idle))
	}
}

func TestEndpointPoolCheckoutReusesIdleSessionCreatedAt(t *testing.T) {
	backend := &fakeBackend{}
	ep := NewEndpointPool(testAddr(), backend, "u", nil, testEndpointConfig())
	defer ep.Close()

	session, err := ep.Checkout()
	if err != nil {
		t.Fatalf("Checkout returned error: %v", err)
	}
	ep.Return(session, false)

	ep.mu.Lock()
	original := ep.idle[0].createdAt
	ep.mu.Unlock()

	// Checking the session back out and returning it again must not reset
	// its createdAt to time.Now(); age is carried across the round trip via
	// ep.ages.
	reused, err := ep.Checkout()
	if err != nil {
		t.Fatalf("second Checkout returned error: %v", err)
	}
	ep.Return(reused, false)

	ep.mu.Lock()
	after := ep.idle[0].createdAt
	ep.mu.Unlock()

	if !after.Equal(original) {
		t.Errorf("expected createdAt to be preserved across a checkout/return cycle, got %v want %v", after, original)
	}
}

func TestEndpointPoolReturnDiscardsBrokenSession(t *testing.T) {
	backend := &fakeBackend{}
	ep := NewEndpointPool(testAddr(), backend, "u", nil, testEndpointConfig())
	defer ep.Close()

	session, err := ep.Checkout()
	if err != nil {
		t.Fatalf("Checkout returned error: %v", err)
	}
	ep.Return(session, true)

	if len(ep.idle) != 0 {
		t.Errorf("expected a broken session not to be queued idle, got %d idle", len(ep.idle))
	}
	if !session.(*fakeSession).closed {
		t.Error("expected a broken session to be closed")
	}
}
