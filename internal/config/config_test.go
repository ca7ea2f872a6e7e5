package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	yaml := `
listen:
  postgres_port: 6432
  mysql_port: 3307
  api_port: 8080

general:
  idle_timeout: 5m

pools:
  app:
    shards:
      "0":
        database: app_shard0
        servers:
          - host: primary-host
            port: 5432
            role: primary
          - host: replica-host
            port: 5432
            role: replica
    users:
      svc:
        username: svc
        password: secret
        pool_size: 20
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.PostgresPort != 6432 {
		t.Errorf("expected postgres port 6432, got %d", cfg.Listen.PostgresPort)
	}
	if cfg.Listen.MySQLPort != 3307 {
		t.Errorf("expected mysql port 3307, got %d", cfg.Listen.MySQLPort)
	}
	if cfg.General.IdleTimeout != 5*time.Minute {
		t.Errorf("expected idle timeout 5m, got %v", cfg.General.IdleTimeout)
	}

	pc, ok := cfg.Pools["app"]
	if !ok {
		t.Fatal("pool \"app\" not found")
	}
	shard, ok := pc.Shards["0"]
	if !ok {
		t.Fatal("shard \"0\" not found")
	}
	if shard.Database != "app_shard0" {
		t.Errorf("expected database app_shard0, got %s", shard.Database)
	}
	if len(shard.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(shard.Servers))
	}

	u, ok := pc.Users["svc"]
	if !ok {
		t.Fatal("user \"svc\" not found")
	}
	if u.Password != "secret" {
		t.Errorf("expected password secret, got %s", u.Password)
	}
	if u.PoolSize != 20 {
		t.Errorf("expected pool_size 20, got %d", u.PoolSize)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
pools:
  app:
    shards:
      "0":
        database: app
        servers:
          - host: localhost
            port: 5432
            role: primary
    users:
      svc:
        username: svc
        password: ${TEST_DB_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	u := cfg.Pools["app"].Users["svc"]
	if u.Password != "secret123" {
		t.Errorf("expected password secret123, got %s", u.Password)
	}
}

func TestLoadEnvSubstitutionLeavesUnknownVarUnchanged(t *testing.T) {
	yaml := `
pools:
  app:
    shards:
      "0":
        database: app
        servers:
          - host: localhost
            port: 5432
            role: primary
    users:
      svc:
        username: svc
        password: ${DOES_NOT_EXIST_IN_ENV}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	u := cfg.Pools["app"].Users["svc"]
	if u.Password != "${DOES_NOT_EXIST_IN_ENV}" {
		t.Errorf("expected unresolved placeholder left intact, got %s", u.Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "no shards",
			yaml: `
pools:
  app:
    shards: {}
    users:
      svc:
        username: svc
`,
		},
		{
			name: "missing shard database",
			yaml: `
pools:
  app:
    shards:
      "0":
        servers:
          - host: h
            port: 5432
            role: primary
    users:
      svc:
        username: svc
`,
		},
		{
			name: "server missing port",
			yaml: `
pools:
  app:
    shards:
      "0":
        database: app
        servers:
          - host: h
            role: primary
    users:
      svc:
        username: svc
`,
		},
		{
			name: "invalid server role",
			yaml: `
pools:
  app:
    shards:
      "0":
        database: app
        servers:
          - host: h
            port: 5432
            role: standby
    users:
      svc:
        username: svc
`,
		},
		{
			name: "more than one primary",
			yaml: `
pools:
  app:
    shards:
      "0":
        database: app
        servers:
          - host: h1
            port: 5432
            role: primary
          - host: h2
            port: 5432
            role: primary
    users:
      svc:
        username: svc
`,
		},
		{
			name: "no users",
			yaml: `
pools:
  app:
    shards:
      "0":
        database: app
        servers:
          - host: h
            port: 5432
            role: primary
    users: {}
`,
		},
		{
			name: "user missing username",
			yaml: `
pools:
  app:
    shards:
      "0":
        database: app
        servers:
          - host: h
            port: 5432
            role: primary
    users:
      svc:
        password: secret
`,
		},
		{
			name: "invalid load_balancing_mode",
			yaml: `
pools:
  app:
    load_balancing_mode: round_robin
    shards:
      "0":
        database: app
        servers:
          - host: h
            port: 5432
            role: primary
    users:
      svc:
        username: svc
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			if _, err := Load(path); err == nil {
				t.Error("expected a validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yaml := `
pools:
  app:
    shards:
      "0":
        database: app
        servers:
          - host: h
            port: 5432
            role: primary
    users:
      svc:
        username: svc
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.PostgresPort != 6432 {
		t.Errorf("expected default postgres port 6432, got %d", cfg.Listen.PostgresPort)
	}
	if cfg.Listen.MySQLPort != 3307 {
		t.Errorf("expected default mysql port 3307, got %d", cfg.Listen.MySQLPort)
	}
	if cfg.Listen.APIPort != 8080 {
		t.Errorf("expected default api port 8080, got %d", cfg.Listen.APIPort)
	}
	if cfg.Listen.APIBind != "127.0.0.1" {
		t.Errorf("expected default api_bind 127.0.0.1, got %s", cfg.Listen.APIBind)
	}
	if cfg.General.IdleTimeout != 5*time.Minute {
		t.Errorf("expected default idle_timeout 5m, got %v", cfg.General.IdleTimeout)
	}
	if cfg.General.ServerLifetime != 30*time.Minute {
		t.Errorf("expected default server_lifetime 30m, got %v", cfg.General.ServerLifetime)
	}
	if cfg.General.BanTime != 60*time.Second {
		t.Errorf("expected default ban_time 60s, got %v", cfg.General.BanTime)
	}

	pc := cfg.Pools["app"]
	if pc.PoolMode != "transaction" {
		t.Errorf("expected default pool_mode transaction, got %s", pc.PoolMode)
	}
	if pc.LoadBalancingMode != "random" {
		t.Errorf("expected default load_balancing_mode random, got %s", pc.LoadBalancingMode)
	}
	if pc.DefaultRole != "any" {
		t.Errorf("expected default default_role any, got %s", pc.DefaultRole)
	}
	if pc.RegexSearchLimit != 1000 {
		t.Errorf("expected default regex_search_limit 1000, got %d", pc.RegexSearchLimit)
	}
	if pc.Users["svc"].PoolSize != 10 {
		t.Errorf("expected default pool_size 10, got %d", pc.Users["svc"].PoolSize)
	}
}

func TestPoolConfigSortedShardIDs(t *testing.T) {
	pc := PoolConfig{
		Shards: map[string]ShardConfig{
			"10": {Database: "d10"},
			"2":  {Database: "d2"},
			"1":  {Database: "d1"},
		},
	}
	got := pc.SortedShardIDs()
	want := []string{"1", "2", "10"}
	if len(got) != len(want) {
		t.Fatalf("SortedShardIDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SortedShardIDs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func basePoolConfig() PoolConfig {
	return PoolConfig{
		PoolMode: "transaction",
		Shards: map[string]ShardConfig{
			"0": {
				Database: "app",
				Servers: []ServerConfig{
					{Host: "primary-host", Port: 5432, Role: RolePrimary},
					{Host: "replica-host", Port: 5432, Role: RoleReplica},
				},
			},
		},
		Users: map[string]UserConfig{
			"svc": {Username: "svc", Password: "secret", PoolSize: 10},
		},
	}
}

func TestPoolConfigHashValueStableForIdenticalConfig(t *testing.T) {
	a := basePoolConfig()
	b := basePoolConfig()
	if a.HashValue() != b.HashValue() {
		t.Error("expected identical pool configs to hash equal")
	}
}

func TestPoolConfigHashValueChangesWithServerList(t *testing.T) {
	a := basePoolConfig()
	b := basePoolConfig()
	shard := b.Shards["0"]
	shard.Servers[0].Port = 5433
	b.Shards["0"] = shard

	if a.HashValue() == b.HashValue() {
		t.Error("expected changing a server's port to change the hash")
	}
}

func TestPoolConfigHashValueIgnoresMapIterationOrder(t *testing.T) {
	pc := PoolConfig{
		Shards: map[string]ShardConfig{
			"0": {Database: "d0"},
			"1": {Database: "d1"},
		},
		Users: map[string]UserConfig{
			"a": {Username: "a"},
			"b": {Username: "b"},
		},
	}
	// HashValue walks shards/users in sorted order internally, so repeated
	// calls over the same map must be deterministic regardless of Go's
	// randomized map iteration order.
	first := pc.HashValue()
	for i := 0; i < 5; i++ {
		if pc.HashValue() != first {
			t.Fatal("expected HashValue to be deterministic across repeated calls")
		}
	}
}

func TestEffectivePoolMode(t *testing.T) {
	pc := PoolConfig{PoolMode: "transaction"}
	if got := pc.EffectivePoolMode(UserConfig{}); got != "transaction" {
		t.Errorf("EffectivePoolMode() = %q, want pool default %q", got, "transaction")
	}
	if got := pc.EffectivePoolMode(UserConfig{PoolMode: "session"}); got != "session" {
		t.Errorf("EffectivePoolMode() = %q, want user override %q", got, "session")
	}

	empty := PoolConfig{}
	if got := empty.EffectivePoolMode(UserConfig{}); got != "transaction" {
		t.Errorf("EffectivePoolMode() = %q, want hardcoded default %q", got, "transaction")
	}
}

func TestEffectiveServerLifetime(t *testing.T) {
	general := GeneralConfig{ServerLifetime: 30 * time.Minute}
	pc := PoolConfig{}
	u := UserConfig{}

	if got := pc.EffectiveServerLifetime(u, general); got != 30*time.Minute {
		t.Errorf("expected general default 30m, got %v", got)
	}

	poolOverride := 20 * time.Minute
	pc.ServerLifetime = &poolOverride
	if got := pc.EffectiveServerLifetime(u, general); got != 20*time.Minute {
		t.Errorf("expected pool override 20m, got %v", got)
	}

	userOverride := 10 * time.Minute
	u.ServerLifetime = &userOverride
	if got := pc.EffectiveServerLifetime(u, general); got != 10*time.Minute {
		t.Errorf("expected user override 10m to win over pool override, got %v", got)
	}
}

func TestEffectiveConnectTimeout(t *testing.T) {
	general := GeneralConfig{ConnectTimeout: 5 * time.Second}
	pc := PoolConfig{}
	if got := pc.EffectiveConnectTimeout(general); got != 5*time.Second {
		t.Errorf("expected general default 5s, got %v", got)
	}

	override := 2 * time.Second
	pc.ConnectTimeout = &override
	if got := pc.EffectiveConnectTimeout(general); got != 2*time.Second {
		t.Errorf("expected pool override 2s, got %v", got)
	}
}

func TestEffectiveIdleTimeout(t *testing.T) {
	general := GeneralConfig{IdleTimeout: 5 * time.Minute}
	pc := PoolConfig{}
	if got := pc.EffectiveIdleTimeout(general); got != 5*time.Minute {
		t.Errorf("expected general default 5m, got %v", got)
	}

	override := time.Minute
	pc.IdleTimeout = &override
	if got := pc.EffectiveIdleTimeout(general); got != time.Minute {
		t.Errorf("expected pool override 1m, got %v", got)
	}
}

func TestListenConfigTLSEnabled(t *testing.T) {
	lc := ListenConfig{}
	if lc.TLSEnabled() {
		t.Error("expected TLSEnabled() false with no cert/key configured")
	}
	lc.TLSCert = "/tmp/cert.pem"
	if lc.TLSEnabled() {
		t.Error("expected TLSEnabled() false with only a cert configured")
	}
	lc.TLSKey = "/tmp/key.pem"
	if !lc.TLSEnabled() {
		t.Error("expected TLSEnabled() true once both cert and key are set")
	}
}
