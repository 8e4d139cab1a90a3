package upstream

import (
	"errors"
	"sync"
	"time"
)

// ErrNoneAvailable is returned by Select when every endpoint in the group is
// unhealthy and past none are eligible for a cooldown-expired retry — the
// "no upstream available" case of SPEC_FULL.md §4.3.
var ErrNoneAvailable = errors.New("upstream: no healthy endpoint available")

// Policy selects one endpoint from a group's endpoint list. Implementations
// must be safe for concurrent use, per SPEC_FULL.md §5.
type Policy interface {
	Select(endpoints []*Endpoint, now time.Time) (*Endpoint, error)
}

func eligible(endpoints []*Endpoint, now time.Time) []int {
	var idx []int
	for i, e := range endpoints {
		if e.HealthState() != Unhealthy || e.EligibleForProbe(now) {
			idx = append(idx, i)
		}
	}
	return idx
}

// RoundRobin cycles through endpoints with a monotonic counter modulo the
// live (healthy) endpoint count, skipping unhealthy ones — SPEC_FULL.md
// §4.3's round-robin, grounded on the teacher's RoundRobinSelection.
type RoundRobin struct {
	mu      sync.Mutex
	counter uint64
}

func (p *RoundRobin) Select(endpoints []*Endpoint, now time.Time) (*Endpoint, error) {
	idx := eligible(endpoints, now)
	if len(idx) == 0 {
		return nil, ErrNoneAvailable
	}
	p.mu.Lock()
	p.counter++
	i := idx[p.counter%uint64(len(idx))]
	p.mu.Unlock()
	return endpoints[i], nil
}

// Weighted implements smooth weighted round-robin: over a full cycle of
// length sum(weights), endpoint i is selected weight_i times, spread as
// evenly as possible, per SPEC_FULL.md §4.3 and the teacher's
// WeightedRoundRobinSelection / selectionpolicies_test.go cases.
type Weighted struct {
	mu      sync.Mutex
	current []int // current "effective weight" per endpoint, by its stable key
	keys    []string
}

func (p *Weighted) Select(endpoints []*Endpoint, now time.Time) (*Endpoint, error) {
	idx := eligible(endpoints, now)
	if len(idx) == 0 {
		return nil, ErrNoneAvailable
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sync(endpoints)

	total := 0
	best := -1
	for _, i := range idx {
		w := endpoints[i].Weight
		p.current[i] += w
		total += w
		if best == -1 || p.current[i] > p.current[best] {
			best = i
		}
	}
	if best == -1 {
		return nil, ErrNoneAvailable
	}
	p.current[best] -= total
	return endpoints[best], nil
}

// sync grows/rebuilds the current-weight slice if the endpoint set changed
// (e.g. after a reload added or removed an endpoint).
func (p *Weighted) sync(endpoints []*Endpoint) {
	if len(p.keys) == len(endpoints) {
		match := true
		for i, e := range endpoints {
			if p.keys[i] != e.Key() {
				match = false
				break
			}
		}
		if match {
			return
		}
	}
	p.keys = make([]string, len(endpoints))
	p.current = make([]int, len(endpoints))
	for i, e := range endpoints {
		p.keys[i] = e.Key()
	}
}

// LeastConnection picks the healthy endpoint with the fewest active
// connections, tie-broken by weight descending then declaration order, per
// SPEC_FULL.md §4.3 and the teacher's LeastConnSelection.
type LeastConnection struct{}

func (p *LeastConnection) Select(endpoints []*Endpoint, now time.Time) (*Endpoint, error) {
	idx := eligible(endpoints, now)
	if len(idx) == 0 {
		return nil, ErrNoneAvailable
	}
	best := idx[0]
	for _, i := range idx[1:] {
		bc, ic := endpoints[best].ActiveConns(), endpoints[i].ActiveConns()
		switch {
		case ic < bc:
			best = i
		case ic == bc && endpoints[i].Weight > endpoints[best].Weight:
			best = i
		}
	}
	return endpoints[best], nil
}
