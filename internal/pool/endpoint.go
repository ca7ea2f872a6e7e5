package pool

import (
	"errors"
	"sync"
	"time"
)

// QueueStrategy controls which idle session Return hands out next at Checkout.
type QueueStrategy int

const (
	FIFO QueueStrategy = iota
	LIFO
)

// ErrShuttingDown is returned by Checkout once Close has been called.
var ErrShuttingDown = errors.New("pool: shutting down")

type idleSession struct {
	session   Session
	createdAt time.Time
	idleSince time.Time
}

// sessionAge tracks when each live Session was dialed, keyed by the Session
// value itself. Checkout populates an entry whenever it hands out a session
// (freshly dialed or popped from idle); Return consumes it so the idleSession
// it pushes carries the session's true createdAt instead of a zero value
// that would make every session look server_lifetime-expired on the
// reaper's next tick.
type sessionAge struct {
	mu sync.Mutex
	at map[Session]time.Time
}

func newSessionAge() *sessionAge {
	return &sessionAge{at: make(map[Session]time.Time)}
}

func (a *sessionAge) record(s Session, t time.Time) {
	a.mu.Lock()
	a.at[s] = t
	a.mu.Unlock()
}

func (a *sessionAge) take(s Session) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.at[s]
	if !ok {
		return time.Now()
	}
	delete(a.at, s)
	return t
}

// EndpointPool is a bounded queue of warm sessions to a single Address. It
// is the only component that talks to one backend; checkout/ban/health-check
// policy above it never needs to know about queueing or timers.
type EndpointPool struct {
	addr     Address
	backend  BackendManager
	user     string
	authHash func() string

	maxSize        int
	minIdle        int
	connectTimeout time.Duration
	idleTimeout    time.Duration
	serverLifetime time.Duration
	strategy       QueueStrategy

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*idleSession
	total   int
	closed  bool

	ages *sessionAge

	stopReaper chan struct{}
}

// EndpointPoolConfig bundles the construction-time parameters an
// EndpointPool needs, mirroring PoolSettings' connection-oriented fields.
type EndpointPoolConfig struct {
	MaxSize        int
	MinIdle        int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	ServerLifetime time.Duration
	ReaperRate     time.Duration
	Strategy       QueueStrategy
}

// NewEndpointPool creates a bounded pool for addr. authHash is resolved
// lazily (via a closure) so that auth-hash refreshes on reload are visible
// to sessions dialed afterward without threading state through every call.
func NewEndpointPool(addr Address, backend BackendManager, user string, authHash func() string, cfg EndpointPoolConfig) *EndpointPool {
	ep := &EndpointPool{
		addr:           addr,
		backend:        backend,
		user:           user,
		authHash:       authHash,
		maxSize:        cfg.MaxSize,
		minIdle:        cfg.MinIdle,
		connectTimeout: cfg.ConnectTimeout,
		idleTimeout:    cfg.IdleTimeout,
		serverLifetime: cfg.ServerLifetime,
		strategy:       cfg.Strategy,
		ages:           newSessionAge(),
		stopReaper:     make(chan struct{}),
	}
	ep.cond = sync.NewCond(&ep.mu)

	rate := cfg.ReaperRate
	if rate <= 0 {
		rate = reaperRate(cfg.IdleTimeout, cfg.ServerLifetime)
	}
	go ep.reapLoop(rate)

	return ep
}

// reaperRate is min(idle_timeout, server_lifetime, 30s), per §4.1.
func reaperRate(idleTimeout, serverLifetime time.Duration) time.Duration {
	rate := 30 * time.Second
	if idleTimeout > 0 && idleTimeout < rate {
		rate = idleTimeout
	}
	if serverLifetime > 0 && serverLifetime < rate {
		rate = serverLifetime
	}
	return rate
}

// Checkout obtains a warm session, blocking up to connect_timeout. It
// creates a new session if the pool is under max_size and none are idle.
func (ep *EndpointPool) Checkout() (Session, error) {
	deadline := time.Now().Add(ep.connectTimeout)

	ep.mu.Lock()
	for {
		if ep.closed {
			ep.mu.Unlock()
			return nil, ErrShuttingDown
		}

		if s, ok := ep.popIdle(); ok {
			ep.mu.Unlock()
			ep.ages.record(s.session, s.createdAt)
			return s.session, nil
		}

		if ep.total < ep.maxSize {
			ep.total++
			ep.mu.Unlock()

			hash := ""
			if ep.authHash != nil {
				hash = ep.authHash()
			}
			session, err := ep.backend.Connect(ep.addr, ep.user, ep.addr.Database, hash)
			if err != nil {
				ep.mu.Lock()
				ep.total--
				ep.cond.Broadcast()
				ep.mu.Unlock()
				return nil, err
			}
			ep.ages.record(session, time.Now())
			return session, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			ep.mu.Unlock()
			return nil, errTimeout
		}

		// Wake ourselves on timeout even if nobody returns a session.
		timer := time.AfterFunc(remaining, func() {
			ep.mu.Lock()
			ep.cond.Broadcast()
			ep.mu.Unlock()
		})
		ep.cond.Wait() // releases ep.mu, waits for signal, reacquires ep.mu
		timer.Stop()

		if time.Now().After(deadline) {
			ep.mu.Unlock()
			return nil, errTimeout
		}
	}
}

var errTimeout = errors.New("pool: checkout timed out")

// popIdle pops the next idle session per the configured queue strategy.
// Caller must hold ep.mu.
func (ep *EndpointPool) popIdle() (*idleSession, bool) {
	if len(ep.idle) == 0 {
		return nil, false
	}
	var s *idleSession
	switch ep.strategy {
	case FIFO:
		s = ep.idle[0]
		ep.idle = ep.idle[1:]
	default: // LIFO
		last := len(ep.idle) - 1
		s = ep.idle[last]
		ep.idle = ep.idle[:last]
	}
	return s, true
}

// Return pushes session back onto the idle queue, or discards it (and frees
// its slot) if broken or past server_lifetime.
func (ep *EndpointPool) Return(session Session, broken bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	createdAt := ep.ages.take(session)
	expired := ep.serverLifetime > 0 && time.Since(createdAt) > ep.serverLifetime
	if ep.closed || broken || expired || session.IsBad() {
		ep.total--
		ep.cond.Broadcast()
		session.Close()
		return
	}

	ep.idle = append(ep.idle, &idleSession{session: session, createdAt: createdAt, idleSince: time.Now()})
	ep.cond.Broadcast()
}

// State reports live connection counts for load-balancing decisions.
type EndpointState struct {
	Connections     int
	IdleConnections int
}

// State returns the current {connections, idle_connections} pair.
func (ep *EndpointPool) State() EndpointState {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return EndpointState{Connections: ep.total, IdleConnections: len(ep.idle)}
}

// Close shuts down the pool: wakes every waiter and closes idle sessions.
// In-flight checkouts are allowed to complete; Return will discard them
// once Close has run because ep.closed is set first.
func (ep *EndpointPool) Close() {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return
	}
	ep.closed = true
	idle := ep.idle
	ep.idle = nil
	ep.mu.Unlock()

	close(ep.stopReaper)
	ep.cond.Broadcast()

	for _, s := range idle {
		s.session.Close()
	}
}

func (ep *EndpointPool) reapLoop(rate time.Duration) {
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ep.reapOnce()
		case <-ep.stopReaper:
			return
		}
	}
}

// reapOnce closes idle sessions older than idle_timeout or total age past
// server_lifetime, while maintaining the min_idle floor.
func (ep *EndpointPool) reapOnce() {
	ep.mu.Lock()
	now := time.Now()
	var keep []*idleSession
	var expired []*idleSession

	for _, s := range ep.idle {
		tooIdle := ep.idleTimeout > 0 && now.Sub(s.idleSince) > ep.idleTimeout
		tooOld := ep.serverLifetime > 0 && now.Sub(s.createdAt) > ep.serverLifetime
		if (tooIdle || tooOld) && len(keep) >= ep.minIdle {
			expired = append(expired, s)
		} else {
			keep = append(keep, s)
		}
	}
	ep.idle = keep
	ep.total -= len(expired)
	ep.mu.Unlock()

	for _, s := range expired {
		s.session.Close()
	}
}

