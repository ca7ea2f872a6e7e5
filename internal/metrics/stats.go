package metrics

import (
	"sync"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/pool"
)

// clientState tracks which of waiting/active/idle a ClientStatsHandle is
// currently counted under, so a transition can retire the prior gauge.
type clientState int

const (
	clientStateNone clientState = iota
	clientStateWaiting
	clientStateActive
	clientStateIdle
)

// ClientStatsHandle implements pool.ClientStats for one client-facing
// connection slot, backed by the Collector's gauge/counter/histogram vectors.
type ClientStatsHandle struct {
	c               *Collector
	poolName        string
	user            string
	applicationName string

	mu    sync.Mutex
	state clientState
}

// NewClientStats returns a pool.ClientStats sink for one client slot.
func (c *Collector) NewClientStats(poolName, user, applicationName string) *ClientStatsHandle {
	return &ClientStatsHandle{c: c, poolName: poolName, user: user, applicationName: applicationName}
}

func (h *ClientStatsHandle) transition(next clientState) {
	h.mu.Lock()
	prev := h.state
	h.state = next
	h.mu.Unlock()

	if next == clientStateWaiting {
		h.c.connectionsWaiting.WithLabelValues(h.poolName, h.user).Inc()
	}
	if prev == clientStateWaiting && next != clientStateWaiting {
		h.c.connectionsWaiting.WithLabelValues(h.poolName, h.user).Dec()
	}
}

// SetWaiting marks this client as waiting for a checkout.
func (h *ClientStatsHandle) SetWaiting() { h.transition(clientStateWaiting) }

// SetActive marks this client as holding an active session.
func (h *ClientStatsHandle) SetActive() { h.transition(clientStateActive) }

// SetIdle marks this client as idle (no outstanding checkout).
func (h *ClientStatsHandle) SetIdle() { h.transition(clientStateIdle) }

// RecordCheckoutTime observes the wait-to-checkout latency for this client.
func (h *ClientStatsHandle) RecordCheckoutTime(d time.Duration) {
	h.c.checkoutDuration.WithLabelValues(h.poolName, h.user, h.applicationName).Observe(d.Seconds())
}

// IncrCheckoutError counts a failed EndpointPool.Checkout attempt.
func (h *ClientStatsHandle) IncrCheckoutError() {
	h.c.checkoutErrors.WithLabelValues(h.poolName, h.user).Inc()
}

// IncrBanError counts a checkout attempt that hit a banned address.
func (h *ClientStatsHandle) IncrBanError() {
	h.c.banErrors.WithLabelValues(h.poolName, h.user).Inc()
}

// ApplicationName returns the client's reported application_name.
func (h *ClientStatsHandle) ApplicationName() string { return h.applicationName }

// ServerStatsHandle implements pool.ServerStats for one backend session.
type ServerStatsHandle struct {
	c        *Collector
	poolName string
	address  string

	mu   sync.Mutex
	self pool.ServerStats
}

// NewServerStats returns a pool.ServerStats sink for sessions dialed against
// address within poolName.
func (c *Collector) NewServerStats(poolName, address string) *ServerStatsHandle {
	return &ServerStatsHandle{c: c, poolName: poolName, address: address}
}

// IncrTested counts a forced health-check probe against this session.
func (h *ServerStatsHandle) IncrTested() {
	h.c.serverTested.WithLabelValues(h.poolName, h.address).Inc()
}

// RecordCheckoutTime observes the server-side checkout latency, labeled by
// the requesting client's application_name.
func (h *ServerStatsHandle) RecordCheckoutTime(d time.Duration, applicationName string) {
	h.c.checkoutDuration.WithLabelValues(h.poolName, "*", applicationName).Observe(d.Seconds())
}

// IncrActive counts this session transitioning to active for applicationName.
func (h *ServerStatsHandle) IncrActive(applicationName string) {
	h.c.serverActive.WithLabelValues(h.poolName, applicationName).Inc()
}

// IncrIdle counts this session being returned idle to its endpoint pool.
func (h *ServerStatsHandle) IncrIdle() {
	h.c.serverIdle.WithLabelValues(h.poolName, h.address).Inc()
}

// IncrDisconnect counts this session closing.
func (h *ServerStatsHandle) IncrDisconnect() {
	h.c.serverDisconnects.WithLabelValues(h.poolName, h.address).Inc()
}

// Register records the session's own ServerStats implementation, so a future
// endpoint-level gauge refresh can be attributed back to it if needed.
func (h *ServerStatsHandle) Register(self pool.ServerStats) {
	h.mu.Lock()
	h.self = self
	h.mu.Unlock()
}

// AddressStatsHandle implements pool.AddressStats for one Address.
type AddressStatsHandle struct {
	c        *Collector
	poolName string
	address  string
}

// NewAddressStats returns a pool.AddressStats sink for address within poolName.
func (c *Collector) NewAddressStats(poolName, address string) *AddressStatsHandle {
	return &AddressStatsHandle{c: c, poolName: poolName, address: address}
}

// IncrError counts an error attributed to this address, independent of any
// one session (e.g. a failed dial before a Session even existed).
func (h *AddressStatsHandle) IncrError() {
	h.c.addressErrors.WithLabelValues(h.poolName, h.address).Inc()
}
