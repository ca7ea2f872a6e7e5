// Package config loads and hot-reloads the YAML configuration describing
// pools, shards, replicas, and process-wide general settings.
package config

import (
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Role identifies whether a server accepts writes or is a read replica.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// Config is the top-level configuration.
type Config struct {
	Listen  ListenConfig          `yaml:"listen"`
	General GeneralConfig         `yaml:"general"`
	Pools   map[string]PoolConfig `yaml:"pools"`
	Plugins *PluginsConfig        `yaml:"plugins,omitempty"`
}

// ListenConfig defines the ports and bind addresses dbbouncer listens on.
type ListenConfig struct {
	PostgresPort int    `yaml:"postgres_port"`
	MySQLPort    int    `yaml:"mysql_port"`
	APIPort      int    `yaml:"api_port"`
	APIBind      string `yaml:"api_bind"`
	APIKey       string `yaml:"api_key"`
	TLSCert      string `yaml:"tls_cert"`
	TLSKey       string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// GeneralConfig holds process-wide knobs shared by every pool.
type GeneralConfig struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ServerLifetime     time.Duration `yaml:"server_lifetime"`
	HealthcheckDelay   time.Duration `yaml:"healthcheck_delay"`
	HealthcheckTimeout time.Duration `yaml:"healthcheck_timeout"`
	BanTime            time.Duration `yaml:"ban_time"`
	ValidateConfig     bool          `yaml:"validate_config"`
	ServerRoundRobin   bool          `yaml:"server_round_robin"`
}

// PluginsConfig holds plugin hooks invoked by the backend manager.
type PluginsConfig struct {
	Prewarmer *PrewarmerConfig `yaml:"prewarmer,omitempty"`
}

// PrewarmerConfig runs a fixed set of queries against every newly connected
// backend session before it is returned to the endpoint pool.
type PrewarmerConfig struct {
	Enabled bool     `yaml:"enabled"`
	Queries []string `yaml:"queries"`
}

// InFlightQueryCacheConfig configures the optional in-flight query dedup registry.
type InFlightQueryCacheConfig struct {
	TrackMetrics         bool `yaml:"track_metrics"`
	MaxEntries           int  `yaml:"max_entries"`
	LogNormalizedQueries bool `yaml:"log_normalized_queries"`
}

// ServerConfig is one backend server entry (host, port, role) within a shard.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Role Role   `yaml:"role"`
}

// MirrorConfig is a shadow backend that receives a copy of the traffic sent
// to the server at MirroringTargetIndex within the same shard.
type MirrorConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	MirroringTargetIndex int    `yaml:"mirroring_target_index"`
}

// ShardConfig is one horizontal partition: a database name, its servers
// (exactly one primary, zero or more replicas), and optional mirrors.
type ShardConfig struct {
	Database string         `yaml:"database"`
	Servers  []ServerConfig `yaml:"servers"`
	Mirrors  []MirrorConfig `yaml:"mirrors,omitempty"`
}

// UserConfig holds per-user pool sizing and overrides.
type UserConfig struct {
	Username       string         `yaml:"username"`
	Password       string         `yaml:"password"`
	PoolSize       int            `yaml:"pool_size"`
	MinPoolSize    int            `yaml:"min_pool_size"`
	PoolMode       string         `yaml:"pool_mode,omitempty"`
	ServerLifetime *time.Duration `yaml:"server_lifetime,omitempty"`
}

// PoolConfig describes one named pool (a database clients connect to),
// shared across all its users.
type PoolConfig struct {
	PoolMode                      string                    `yaml:"pool_mode"`
	LoadBalancingMode             string                    `yaml:"load_balancing_mode"`
	DefaultRole                   string                    `yaml:"default_role"`
	Shards                        map[string]ShardConfig    `yaml:"shards"`
	Users                         map[string]UserConfig     `yaml:"users"`
	QueryParserEnabled            bool                      `yaml:"query_parser_enabled"`
	QueryParserMaxLength          *int                      `yaml:"query_parser_max_length,omitempty"`
	QueryParserReadWriteSplitting bool                      `yaml:"query_parser_read_write_splitting"`
	PrimaryReadsEnabled           bool                      `yaml:"primary_reads_enabled"`
	ShardingFunction              string                    `yaml:"sharding_function"`
	AutomaticShardingKey          string                    `yaml:"automatic_sharding_key,omitempty"`
	ShardingKeyRegex              string                    `yaml:"sharding_key_regex,omitempty"`
	ShardIDRegex                  string                    `yaml:"shard_id_regex,omitempty"`
	RegexSearchLimit              int                       `yaml:"regex_search_limit"`
	AuthQuery                     string                    `yaml:"auth_query,omitempty"`
	AuthQueryUser                 string                    `yaml:"auth_query_user,omitempty"`
	AuthQueryPassword             string                    `yaml:"auth_query_password,omitempty"`
	ConnectTimeout                *time.Duration            `yaml:"connect_timeout,omitempty"`
	IdleTimeout                   *time.Duration            `yaml:"idle_timeout,omitempty"`
	ServerLifetime                *time.Duration            `yaml:"server_lifetime,omitempty"`
	Plugins                       *PluginsConfig            `yaml:"plugins,omitempty"`
	InFlightQueryCache            *InFlightQueryCacheConfig `yaml:"inflight_query_cache,omitempty"`
}

// SortedShardIDs returns the shard keys of this pool ordered numerically
// (not by map iteration order), so address/database indices stay
// deterministic across reloads.
func (p PoolConfig) SortedShardIDs() []string {
	ids := make([]string, 0, len(p.Shards))
	for id := range p.Shards {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.ParseInt(ids[i], 10, 64)
		b, _ := strconv.ParseInt(ids[j], 10, 64)
		return a < b
	})
	return ids
}

// HashValue computes a fingerprint of the pool's observable configuration.
// Two PoolConfig values that hash equal are expected to produce the same
// topology and settings (invariant 5 in spec.md §3); hot reload uses this to
// decide whether a pool must be rebuilt or can be carried over unchanged.
// The hash covers only the PoolConfig itself: GeneralConfig values that also
// feed a pool's settings (ban_time, healthcheck_delay, healthcheck_timeout,
// server_round_robin and the general timeout defaults) are not part of it, so
// a reload that changes only those carries existing pools over with their
// previous settings.
func (p PoolConfig) HashValue() uint64 {
	h := fnv.New64a()
	write := func(s string) { h.Write([]byte(s)); h.Write([]byte{0}) }

	write(p.PoolMode)
	write(p.LoadBalancingMode)
	write(p.DefaultRole)
	write(p.ShardingFunction)
	write(p.AutomaticShardingKey)
	write(p.ShardingKeyRegex)
	write(p.ShardIDRegex)
	write(fmt.Sprintf("%d", p.RegexSearchLimit))
	write(p.AuthQuery)
	write(p.AuthQueryUser)
	write(p.AuthQueryPassword)
	write(fmt.Sprintf("%t/%t/%t", p.QueryParserEnabled, p.QueryParserReadWriteSplitting, p.PrimaryReadsEnabled))
	if p.QueryParserMaxLength != nil {
		write(fmt.Sprintf("qpml=%d", *p.QueryParserMaxLength))
	}
	if p.ConnectTimeout != nil {
		write(fmt.Sprintf("ct=%s", *p.ConnectTimeout))
	}
	if p.IdleTimeout != nil {
		write(fmt.Sprintf("it=%s", *p.IdleTimeout))
	}
	if p.ServerLifetime != nil {
		write(fmt.Sprintf("sl=%s", *p.ServerLifetime))
	}

	for _, shardID := range p.SortedShardIDs() {
		shard := p.Shards[shardID]
		write("shard:" + shardID)
		write("db:" + shard.Database)
		for _, srv := range shard.Servers {
			write(fmt.Sprintf("srv:%s:%d:%s", srv.Host, srv.Port, srv.Role))
		}
		for _, m := range shard.Mirrors {
			write(fmt.Sprintf("mir:%s:%d:%d", m.Host, m.Port, m.MirroringTargetIndex))
		}
	}

	userIDs := make([]string, 0, len(p.Users))
	for id := range p.Users {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)
	for _, id := range userIDs {
		u := p.Users[id]
		write(fmt.Sprintf("user:%s:%s:%d:%d:%s", id, u.Password, u.PoolSize, u.MinPoolSize, u.PoolMode))
		if u.ServerLifetime != nil {
			write(fmt.Sprintf("usl=%s", *u.ServerLifetime))
		}
	}

	return h.Sum64()
}

// EffectivePoolMode returns the user's pool_mode override or the pool's default.
func (p PoolConfig) EffectivePoolMode(u UserConfig) string {
	if u.PoolMode != "" {
		return u.PoolMode
	}
	if p.PoolMode != "" {
		return p.PoolMode
	}
	return "transaction"
}

// EffectiveServerLifetime resolves server_lifetime: user override, then pool
// override, then the process-wide general default.
func (p PoolConfig) EffectiveServerLifetime(u UserConfig, general GeneralConfig) time.Duration {
	if u.ServerLifetime != nil {
		return *u.ServerLifetime
	}
	if p.ServerLifetime != nil {
		return *p.ServerLifetime
	}
	return general.ServerLifetime
}

// EffectiveConnectTimeout resolves connect_timeout: pool override, then general default.
func (p PoolConfig) EffectiveConnectTimeout(general GeneralConfig) time.Duration {
	if p.ConnectTimeout != nil {
		return *p.ConnectTimeout
	}
	return general.ConnectTimeout
}

// EffectiveIdleTimeout resolves idle_timeout: pool override, then general default.
func (p PoolConfig) EffectiveIdleTimeout(general GeneralConfig) time.Duration {
	if p.IdleTimeout != nil {
		return *p.IdleTimeout
	}
	return general.IdleTimeout
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 6432
	}
	if cfg.Listen.MySQLPort == 0 {
		cfg.Listen.MySQLPort = 3307
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.General.ConnectTimeout == 0 {
		cfg.General.ConnectTimeout = 5 * time.Second
	}
	if cfg.General.IdleTimeout == 0 {
		cfg.General.IdleTimeout = 5 * time.Minute
	}
	if cfg.General.ServerLifetime == 0 {
		cfg.General.ServerLifetime = 30 * time.Minute
	}
	if cfg.General.HealthcheckDelay == 0 {
		cfg.General.HealthcheckDelay = 30 * time.Second
	}
	if cfg.General.HealthcheckTimeout == 0 {
		cfg.General.HealthcheckTimeout = 1 * time.Second
	}
	if cfg.General.BanTime == 0 {
		cfg.General.BanTime = 60 * time.Second
	}

	for name, pc := range cfg.Pools {
		if pc.PoolMode == "" {
			pc.PoolMode = "transaction"
		}
		if pc.LoadBalancingMode == "" {
			pc.LoadBalancingMode = "random"
		}
		if pc.DefaultRole == "" {
			pc.DefaultRole = "any"
		}
		if pc.RegexSearchLimit == 0 {
			pc.RegexSearchLimit = 1000
		}
		for userID, u := range pc.Users {
			if u.PoolSize == 0 {
				u.PoolSize = 10
			}
			pc.Users[userID] = u
		}
		cfg.Pools[name] = pc
	}
}

func validate(cfg *Config) error {
	for name, pc := range cfg.Pools {
		if len(pc.Shards) == 0 {
			return fmt.Errorf("pool %q: at least one shard is required", name)
		}
		for shardID, shard := range pc.Shards {
			if shard.Database == "" {
				return fmt.Errorf("pool %q shard %q: database is required", name, shardID)
			}
			primaries := 0
			for _, srv := range shard.Servers {
				if srv.Host == "" || srv.Port == 0 {
					return fmt.Errorf("pool %q shard %q: server host/port required", name, shardID)
				}
				if srv.Role != RolePrimary && srv.Role != RoleReplica {
					return fmt.Errorf("pool %q shard %q: invalid role %q", name, shardID, srv.Role)
				}
				if srv.Role == RolePrimary {
					primaries++
				}
			}
			if primaries > 1 {
				return fmt.Errorf("pool %q shard %q: more than one primary configured", name, shardID)
			}
			if primaries == 0 {
				return fmt.Errorf("pool %q shard %q: no primary configured", name, shardID)
			}
		}
		if len(pc.Users) == 0 {
			return fmt.Errorf("pool %q: at least one user is required", name)
		}
		for userID, u := range pc.Users {
			if u.Username == "" {
				return fmt.Errorf("pool %q user %q: username is required", name, userID)
			}
		}
		if pc.LoadBalancingMode != "" && pc.LoadBalancingMode != "random" && pc.LoadBalancingMode != "least_outstanding_connections" {
			return fmt.Errorf("pool %q: invalid load_balancing_mode %q", name, pc.LoadBalancingMode)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
