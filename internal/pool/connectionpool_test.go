package pool

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeServerStats struct{}

func (fakeServerStats) IncrTested()                                {}
func (fakeServerStats) RecordCheckoutTime(d time.Duration, a string) {}
func (fakeServerStats) IncrActive(a string)                         {}
func (fakeServerStats) IncrIdle()                                   {}
func (fakeServerStats) IncrDisconnect()                             {}
func (fakeServerStats) Register(self ServerStats)                   {}

type fakeSession struct {
	bad     bool
	closed  bool
	queryFn func(string) error
}

func (s *fakeSession) Query(sql string) error {
	if s.queryFn != nil {
		return s.queryFn(sql)
	}
	return nil
}
func (s *fakeSession) LastActivity() time.Time            { return time.Now() }
func (s *fakeSession) ServerParameters() map[string]string { return map[string]string{"server_version": "1.0"} }
func (s *fakeSession) MarkBad()                             { s.bad = true }
func (s *fakeSession) IsBad() bool                          { return s.bad }
func (s *fakeSession) Stats() ServerStats                   { return fakeServerStats{} }
func (s *fakeSession) Close() error                         { s.closed = true; return nil }

type fakeBackend struct {
	connectCalls int32
	fail         bool
}

func (b *fakeBackend) Connect(addr Address, user, database, authHash string) (Session, error) {
	atomic.AddInt32(&b.connectCalls, 1)
	if b.fail {
		return nil, errors.New("dial failed")
	}
	return &fakeSession{}, nil
}

func oneShardOnePrimary() [][]Address {
	return [][]Address{
		{
			{Host: "primary", Port: 5432, Role: RolePrimary, ShardIndex: 0, AddressIndex: 0, Database: "app", Username: "u", PoolName: "app"},
			{Host: "replica", Port: 5432, Role: RoleReplica, ShardIndex: 0, AddressIndex: 1, Database: "app", Username: "u", PoolName: "app"},
		},
	}
}

func testSettings() PoolSettings {
	return PoolSettings{
		PoolMode:           PoolModeSession,
		MaxSize:            4,
		MinIdle:            0,
		ConnectTimeout:     time.Second,
		IdleTimeout:        time.Minute,
		ServerLifetime:     time.Hour,
		HealthcheckDelay:   time.Hour,
		HealthcheckTimeout: time.Second,
		BanTime:            time.Minute,
	}
}

func TestConnectionPoolGetAndPut(t *testing.T) {
	backend := &fakeBackend{}
	cp := NewConnectionPool(PoolIdentifier{Database: "app", User: "u"}, testSettings(), oneShardOnePrimary(), backend, 1, nil)

	session, addr, err := cp.Get(0, nil, nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if session == nil {
		t.Fatal("expected a non-nil session")
	}

	cp.Put(addr, session, false)

	if !cp.IsValidated() {
		t.Error("expected pool to be marked validated after a successful checkout")
	}
}

func TestConnectionPoolGetRespectsRole(t *testing.T) {
	backend := &fakeBackend{}
	cp := NewConnectionPool(PoolIdentifier{Database: "app", User: "u"}, testSettings(), oneShardOnePrimary(), backend, 1, nil)

	role := RolePrimary
	_, addr, err := cp.Get(0, &role, nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if addr.Role != RolePrimary {
		t.Errorf("expected a primary address, got role=%v", addr.Role)
	}
}

func TestConnectionPoolGetShardOutOfRange(t *testing.T) {
	backend := &fakeBackend{}
	cp := NewConnectionPool(PoolIdentifier{Database: "app", User: "u"}, testSettings(), oneShardOnePrimary(), backend, 1, nil)

	if _, _, err := cp.Get(5, nil, nil); err == nil {
		t.Error("expected an error for an out-of-range shard")
	}
}

func TestConnectionPoolGetAllServersDownWhenDialFails(t *testing.T) {
	backend := &fakeBackend{fail: true}
	cp := NewConnectionPool(PoolIdentifier{Database: "app", User: "u"}, testSettings(), oneShardOnePrimary(), backend, 1, nil)

	_, _, err := cp.Get(0, nil, nil)
	if !errors.Is(err, ErrAllServersDown) {
		t.Errorf("expected ErrAllServersDown, got %v", err)
	}
}

func TestConnectionPoolPutDiscardsBrokenSession(t *testing.T) {
	backend := &fakeBackend{}
	cp := NewConnectionPool(PoolIdentifier{Database: "app", User: "u"}, testSettings(), oneShardOnePrimary(), backend, 1, nil)

	session, addr, err := cp.Get(0, nil, nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}

	cp.Put(addr, session, true)

	fs := session.(*fakeSession)
	if !fs.closed {
		t.Error("expected a broken session to be closed on Put")
	}
}

func TestConnectionPoolPauseResumeWaitPaused(t *testing.T) {
	backend := &fakeBackend{}
	cp := NewConnectionPool(PoolIdentifier{Database: "app", User: "u"}, testSettings(), oneShardOnePrimary(), backend, 1, nil)

	cp.Pause()
	if !cp.IsPaused() {
		t.Fatal("expected pool to report paused")
	}

	done := make(chan struct{})
	go func() {
		cp.WaitPaused()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitPaused returned before Resume was called")
	case <-time.After(20 * time.Millisecond):
	}

	cp.Resume()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitPaused did not unblock after Resume")
	}
}

func TestConnectionPoolBanAndUnban(t *testing.T) {
	backend := &fakeBackend{}
	cp := NewConnectionPool(PoolIdentifier{Database: "app", User: "u"}, testSettings(), oneShardOnePrimary(), backend, 1, nil)

	replica := oneShardOnePrimary()[0][1]
	cp.Ban(replica, BanReason{Kind: FailedHealthCheck}, nil)
	if !cp.IsBanned(replica) {
		t.Fatal("expected replica to be banned")
	}

	cp.Unban(replica)
	if cp.IsBanned(replica) {
		t.Error("expected replica to be unbanned")
	}
}

func TestConnectionPoolTrackQueryDisabledByDefault(t *testing.T) {
	backend := &fakeBackend{}
	cp := NewConnectionPool(PoolIdentifier{Database: "app", User: "u"}, testSettings(), oneShardOnePrimary(), backend, 1, nil)

	key, owned := cp.TrackQuery("SELECT a FROM t")
	if owned || key != "" {
		t.Errorf("expected tracking disabled without InFlightEnabled, got key=%q owned=%v", key, owned)
	}
	cp.UntrackQuery(key) // must not panic when disabled
}

func TestConnectionPoolTrackQueryDedupsConcurrentSelect(t *testing.T) {
	backend := &fakeBackend{}
	settings := testSettings()
	settings.InFlightEnabled = true
	settings.InFlightMaxEntries = 10
	cp := NewConnectionPool(PoolIdentifier{Database: "app", User: "u"}, settings, oneShardOnePrimary(), backend, 1, nil)

	key1, owned1 := cp.TrackQuery("SELECT a FROM t")
	if !owned1 || key1 == "" {
		t.Fatalf("expected the first insert to own a key, got key=%q owned=%v", key1, owned1)
	}

	key2, owned2 := cp.TrackQuery("SELECT a FROM t")
	if owned2 || key2 != "" {
		t.Errorf("expected the duplicate insert not to own a key, got key=%q owned=%v", key2, owned2)
	}

	cp.UntrackQuery(key1)

	key3, owned3 := cp.TrackQuery("SELECT a FROM t")
	if !owned3 || key3 == "" {
		t.Errorf("expected a fresh key once the prior entry was evicted, got key=%q owned=%v", key3, owned3)
	}
}

func TestConnectionPoolTrackQueryRejectsNonSelect(t *testing.T) {
	backend := &fakeBackend{}
	settings := testSettings()
	settings.InFlightEnabled = true
	settings.InFlightMaxEntries = 10
	cp := NewConnectionPool(PoolIdentifier{Database: "app", User: "u"}, settings, oneShardOnePrimary(), backend, 1, nil)

	key, owned := cp.TrackQuery("UPDATE t SET a = 1")
	if owned || key != "" {
		t.Errorf("expected a non-SELECT statement to be rejected, got key=%q owned=%v", key, owned)
	}
}
