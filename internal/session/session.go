// Package session implements the Server session collaborator (spec.md §6):
// one authenticated backend connection, plus the Manager that dials,
// authenticates, and retires such connections on the pool core's behalf.
//
// Protocol handling (startup handshake, SCRAM/MD5/cleartext auth, simple
// query execution) is adapted from the connection pool's own dial path in
// the teacher codebase, generalized to the Postgres and MySQL kinds a
// ConnectionPool's endpoints may target.
package session

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/pool"
)

// Kind identifies the wire protocol spoken by a backend.
type Kind int

const (
	Postgres Kind = iota
	MySQL
)

// Prewarmer runs a fixed set of queries against a session once, right after
// connect, before it is handed back to the endpoint pool.
type Prewarmer struct {
	Enabled bool
	Queries []string
}

// Manager implements pool.BackendManager: it owns the dial timeout, the
// session-layer logger, and the optional prewarmer hook shared by every
// session it creates.
type Manager struct {
	kind           Kind
	dialTimeout    time.Duration
	prewarmer      Prewarmer
	logger         *zap.SugaredLogger
	statsFactory   func(addr pool.Address) pool.ServerStats
	logParamChange bool
}

// NewManager builds a Manager for one protocol kind.
func NewManager(kind Kind, dialTimeout time.Duration, prewarmer Prewarmer, logger *zap.SugaredLogger, statsFactory func(pool.Address) pool.ServerStats) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		kind:         kind,
		dialTimeout:  dialTimeout,
		prewarmer:    prewarmer,
		logger:       logger,
		statsFactory: statsFactory,
	}
}

// PrewarmerFromConfig adapts the optional plugins.prewarmer config block.
func PrewarmerFromConfig(pc *config.PluginsConfig) Prewarmer {
	if pc == nil || pc.Prewarmer == nil {
		return Prewarmer{}
	}
	return Prewarmer{Enabled: pc.Prewarmer.Enabled, Queries: pc.Prewarmer.Queries}
}

// Connect dials addr, authenticates as user against database (using
// authHash in place of a clear password when passthrough supplied one),
// and returns a ready Session. Satisfies pool.BackendManager.
func (m *Manager) Connect(addr pool.Address, user, database, authHash string) (pool.Session, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr.Host, fmt.Sprintf("%d", addr.Port)), m.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr.String(), err)
	}

	srv := &Server{
		conn:        conn,
		kind:        m.kind,
		lastActive:  time.Now(),
		logger:      m.logger,
		params:      make(map[string]string),
	}
	if m.statsFactory != nil {
		srv.stats = m.statsFactory(addr)
	} else {
		srv.stats = noopServerStats{}
	}
	if srv.stats != nil {
		srv.stats.Register(srv.stats)
	}

	password := authHash
	var authErr error
	switch m.kind {
	case Postgres:
		authErr = srv.authenticatePostgres(user, database, password)
	case MySQL:
		authErr = srv.authenticateMySQL(user, database, password)
	}
	if authErr != nil {
		conn.Close()
		return nil, authErr
	}

	if m.prewarmer.Enabled {
		for _, q := range m.prewarmer.Queries {
			if err := srv.Query(q); err != nil {
				m.logger.Warnw("prewarmer query failed", "address", addr.String(), "query", q, "error", err)
			}
		}
	}

	return srv, nil
}

// Server is one authenticated backend connection. It satisfies pool.Session.
type Server struct {
	conn net.Conn
	kind Kind

	mu         sync.Mutex
	lastActive time.Time
	params     map[string]string

	bad atomic.Bool

	stats  pool.ServerStats
	logger *zap.SugaredLogger
}

// Query runs an opaque statement and waits for completion or failure. Used
// for forced health checks (";") and prewarmer queries.
func (s *Server) Query(sql string) error {
	var err error
	switch s.kind {
	case Postgres:
		err = s.simpleQueryPostgres(sql)
	case MySQL:
		err = s.comQueryMySQL(sql)
	}
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
	return err
}

// LastActivity reports when the session last completed a round trip.
func (s *Server) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// ServerParameters returns backend-reported parameters captured at startup.
func (s *Server) ServerParameters() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.params))
	for k, v := range s.params {
		out[k] = v
	}
	return out
}

// MarkBad flags the session unusable; the owning EndpointPool discards it
// on Return instead of requeuing it.
func (s *Server) MarkBad() { s.bad.Store(true) }

// IsBad reports whether MarkBad was called.
func (s *Server) IsBad() bool { return s.bad.Load() }

// Stats returns this session's ServerStats sink.
func (s *Server) Stats() pool.ServerStats { return s.stats }

// Conn exposes the underlying backend connection for the proxy layer's
// relay loop. Not part of pool.Session: the pool core only ever issues
// opaque queries through Query, never raw bytes.
func (s *Server) Conn() net.Conn { return s.conn }

// Kind reports which wire protocol this session speaks.
func (s *Server) Kind() Kind { return s.kind }

// Touch records round-trip completion for the relay loop, which bypasses
// Query and writes/reads raw protocol messages directly.
func (s *Server) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Close tears down the underlying connection.
func (s *Server) Close() error {
	if s.stats != nil {
		s.stats.IncrDisconnect()
	}
	return s.conn.Close()
}

func (s *Server) setParam(key, val string) {
	s.mu.Lock()
	if old, ok := s.params[key]; ok && old != val {
		s.logger.Debugw("server parameter changed", "param", key, "old", old, "new", val)
	}
	s.params[key] = val
	s.mu.Unlock()
}

type noopServerStats struct{}

func (noopServerStats) IncrTested()                                    {}
func (noopServerStats) RecordCheckoutTime(time.Duration, string)       {}
func (noopServerStats) IncrActive(string)                              {}
func (noopServerStats) IncrIdle()                                      {}
func (noopServerStats) IncrDisconnect()                                {}
func (noopServerStats) Register(pool.ServerStats)                      {}

// readFull is a small io.ReadFull wrapper used by both protocol files to
// keep error messages consistent.
func readFull(conn net.Conn, buf []byte) error {
	_, err := io.ReadFull(conn, buf)
	return err
}

func be32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
