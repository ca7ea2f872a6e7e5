package registry

import (
	"testing"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/pool"
)

type fakeSession struct{}

func (fakeSession) Query(sql string) error             { return nil }
func (fakeSession) LastActivity() time.Time             { return time.Now() }
func (fakeSession) ServerParameters() map[string]string { return nil }
func (fakeSession) MarkBad()                            {}
func (fakeSession) IsBad() bool                         { return false }
func (fakeSession) Stats() pool.ServerStats              { return fakeServerStats{} }
func (fakeSession) Close() error                         { return nil }

type fakeServerStats struct{}

func (fakeServerStats) IncrTested()                                 {}
func (fakeServerStats) RecordCheckoutTime(d time.Duration, a string) {}
func (fakeServerStats) IncrActive(a string)                          {}
func (fakeServerStats) IncrIdle()                                    {}
func (fakeServerStats) IncrDisconnect()                              {}
func (fakeServerStats) Register(self pool.ServerStats)                {}

type fakeBackend struct{}

func (fakeBackend) Connect(addr pool.Address, user, database, authHash string) (pool.Session, error) {
	return fakeSession{}, nil
}

func testConfig(maxConns int) *config.Config {
	return &config.Config{
		General: config.GeneralConfig{
			HealthcheckDelay:   time.Hour,
			HealthcheckTimeout: time.Second,
			BanTime:            time.Minute,
			ConnectTimeout:     time.Second,
			IdleTimeout:        time.Minute,
		},
		Pools: map[string]config.PoolConfig{
			"app": {
				PoolMode: "session",
				Shards: map[string]config.ShardConfig{
					"0": {
						Database: "app",
						Servers: []config.ServerConfig{
							{Host: "db1", Port: 5432, Role: config.RolePrimary},
						},
					},
				},
				Users: map[string]config.UserConfig{
					"svc": {Username: "svc", PoolSize: maxConns},
				},
			},
		},
	}
}

func TestRegistryNewAndGetPool(t *testing.T) {
	reg, err := New(testConfig(5), fakeBackend{}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	cp, ok := reg.GetPool("app", "svc")
	if !ok {
		t.Fatal("expected pool app/svc to exist")
	}
	if cp.Identifier().Database != "app" || cp.Identifier().User != "svc" {
		t.Errorf("unexpected pool identifier: %+v", cp.Identifier())
	}
}

func TestRegistryGetPoolUnknown(t *testing.T) {
	reg, err := New(testConfig(5), fakeBackend{}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if _, ok := reg.GetPool("nope", "nobody"); ok {
		t.Error("expected lookup for an unregistered pool to fail")
	}
}

func TestRegistryReloadFromConfigCarriesOverUnchangedPool(t *testing.T) {
	reg, err := New(testConfig(5), fakeBackend{}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	before, _ := reg.GetPool("app", "svc")

	if err := reg.ReloadFromConfig(testConfig(5)); err != nil {
		t.Fatalf("ReloadFromConfig returned error: %v", err)
	}
	after, ok := reg.GetPool("app", "svc")
	if !ok {
		t.Fatal("expected pool to still exist after reload")
	}
	if before != after {
		t.Error("expected an unchanged pool config to be carried over, not rebuilt")
	}
}

func TestRegistryReloadFromConfigRebuildsChangedPool(t *testing.T) {
	reg, err := New(testConfig(5), fakeBackend{}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	before, _ := reg.GetPool("app", "svc")

	if err := reg.ReloadFromConfig(testConfig(50)); err != nil {
		t.Fatalf("ReloadFromConfig returned error: %v", err)
	}
	after, ok := reg.GetPool("app", "svc")
	if !ok {
		t.Fatal("expected pool to still exist after reload")
	}
	if before == after {
		t.Error("expected a changed pool_size to rebuild the pool")
	}
	if after.Settings().MaxSize != 50 {
		t.Errorf("expected rebuilt pool to reflect new pool_size, got %d", after.Settings().MaxSize)
	}
}

func TestRegistryGetAllPools(t *testing.T) {
	reg, err := New(testConfig(5), fakeBackend{}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	all := reg.GetAllPools()
	if len(all) != 1 {
		t.Errorf("expected exactly 1 pool, got %d", len(all))
	}
}
