// Package upstream implements the Upstream Pool & Health component of
// SPEC_FULL.md §4.3: per-site, per-named-upstream-group endpoint lists with
// weights, live connection counts, and health state, selected through one of
// three pluggable policies.
//
// The shape is grounded on the teacher's reverseproxy package (UpstreamPool,
// Host, the {RoundRobin,WeightedRoundRobin,LeastConn}Selection family from
// selectionpolicies_test.go) and, for the health bookkeeping, the atomic
// counters pattern shown in the pack's proxy.go examples (active/healthy
// int32/int64 fields updated with sync/atomic).
package upstream

import (
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Health is the per-endpoint reachability state (SPEC_FULL.md GLOSSARY).
type Health int

const (
	Unknown Health = iota
	Healthy
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

const (
	minCooldown = 1 * time.Second
	maxCooldown = 2 * time.Minute
)

// Endpoint is one backend within a named upstream group.
type Endpoint struct {
	URL    *url.URL
	Weight int

	activeConns int64 // atomic
	health      int32 // atomic Health

	mu           sync.Mutex
	cooldown     time.Duration
	unhealthyAt  time.Time
	consecutiveF int
}

// NewEndpoint constructs an Endpoint in the Unknown health state, as
// SPEC_FULL.md §3 requires ("new endpoints start Unknown").
func NewEndpoint(u *url.URL, weight int) *Endpoint {
	if weight < 1 {
		weight = 1
	}
	e := &Endpoint{URL: u, Weight: weight}
	atomic.StoreInt32(&e.health, int32(Unknown))
	return e
}

// Key identifies an endpoint by its URL. It is the URL half of the
// (group, URL) pair named in SPEC_FULL.md §4.6 step 5; BuildGroups supplies
// the group half by only comparing endpoints within the same named group.
func (e *Endpoint) Key() string { return e.URL.String() }

// ActiveConns returns the current live-connection count. Always >= 0, per
// SPEC_FULL.md §8's invariant.
func (e *Endpoint) ActiveConns() int64 { return atomic.LoadInt64(&e.activeConns) }

// Acquire increments the active-connection count; call before forwarding.
func (e *Endpoint) Acquire() { atomic.AddInt64(&e.activeConns, 1) }

// Release decrements the active-connection count; call on completion,
// teardown, or failure — every Acquire has exactly one matching Release.
func (e *Endpoint) Release() {
	if atomic.AddInt64(&e.activeConns, -1) < 0 {
		// Acquire/Release mismatch would otherwise drive the counter
		// negative, violating the active_conns >= 0 invariant.
		atomic.StoreInt64(&e.activeConns, 0)
	}
}

// HealthState returns the endpoint's current health.
func (e *Endpoint) HealthState() Health { return Health(atomic.LoadInt32(&e.health)) }

// MarkHealthy transitions the endpoint to Healthy and resets its backoff.
func (e *Endpoint) MarkHealthy() (changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := Health(atomic.LoadInt32(&e.health))
	atomic.StoreInt32(&e.health, int32(Healthy))
	e.cooldown = 0
	e.consecutiveF = 0
	return old != Healthy
}

// MarkUnhealthy transitions the endpoint to Unhealthy and starts (or
// extends) its exponential backoff cooldown, capped at maxCooldown, per
// SPEC_FULL.md §4.3: "passive: any network error or 5xx... marks it
// Unhealthy for a bounded cooldown (exponential backoff, capped)".
func (e *Endpoint) MarkUnhealthy(now time.Time) (changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := Health(atomic.LoadInt32(&e.health))
	atomic.StoreInt32(&e.health, int32(Unhealthy))
	e.consecutiveF++
	switch {
	case e.cooldown == 0:
		e.cooldown = minCooldown
	case e.cooldown < maxCooldown:
		e.cooldown *= 2
		if e.cooldown > maxCooldown {
			e.cooldown = maxCooldown
		}
	}
	e.unhealthyAt = now
	return old != Unhealthy
}

// EligibleForProbe reports whether an unhealthy endpoint's cooldown has
// elapsed and it may be retried by a selection attempt or an active probe.
func (e *Endpoint) EligibleForProbe(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if Health(atomic.LoadInt32(&e.health)) != Unhealthy {
		return true
	}
	return now.Sub(e.unhealthyAt) >= e.cooldown
}
