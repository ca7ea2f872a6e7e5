package pool

import "time"

// Session is one authenticated backend connection. Implemented by
// internal/session.Server; declared here as an interface so the pool core
// never imports the session package (avoids an import cycle, since the
// session package depends on pool types for address/stats plumbing).
type Session interface {
	// Query runs an opaque statement against the backend and waits for
	// completion or failure; used for forced health checks (";")
	// and, if enabled, for prewarmer queries.
	Query(sql string) error
	// LastActivity reports when the session last completed a round trip.
	LastActivity() time.Time
	// ServerParameters returns backend-reported parameters captured at
	// startup (server_version, client_encoding, etc).
	ServerParameters() map[string]string
	// MarkBad flags the session as unusable; the owning EndpointPool must
	// discard it instead of returning it to the idle queue.
	MarkBad()
	// IsBad reports whether MarkBad was called.
	IsBad() bool
	// Stats returns the session's ServerStats sink.
	Stats() ServerStats
	// Close tears down the underlying connection.
	Close() error
}

// BackendManager creates, validates, and retires backend sessions. It is the
// only component that knows how to actually dial a backend, authenticate,
// and run plugin hooks; the pool core only calls through this interface.
type BackendManager interface {
	// Connect dials addr, authenticates as user against database, and
	// returns a ready Session. authHash, if non-empty, is the
	// passthrough-fetched password hash to present instead of a clear
	// password. The returned session has already run any configured
	// prewarmer plugin.
	Connect(addr Address, user, database, authHash string) (Session, error)
}

// ClientStats is the stats sink for one client-facing connection slot.
// Transitions are mutually exclusive: a client is exactly one of waiting,
// active, or idle at a time.
type ClientStats interface {
	SetWaiting()
	SetActive()
	SetIdle()
	RecordCheckoutTime(d time.Duration)
	IncrCheckoutError()
	IncrBanError()
	ApplicationName() string
}

// ServerStats is the stats sink for one backend session.
type ServerStats interface {
	IncrTested()
	RecordCheckoutTime(d time.Duration, applicationName string)
	IncrActive(applicationName string)
	IncrIdle()
	IncrDisconnect()
	Register(self ServerStats)
}

// AddressStats is the stats sink for one Address, independent of any one
// session against it.
type AddressStats interface {
	IncrError()
}

// AuthPassthrough fetches a user's password hash from a backend via
// auth_query, so pool construction can authenticate new sessions without
// ever holding the client's real password.
type AuthPassthrough interface {
	FetchHash(addr Address) (string, error)
}
