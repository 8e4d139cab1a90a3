package upstream

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/hostgate/hostgate/internal/config"
)

// Group is the runtime Upstream Pool for one named upstream group within one
// site's proxy config (SPEC_FULL.md §4.3, "State per site per
// upstream-group").
type Group struct {
	Name      string
	Method    string
	Endpoints []*Endpoint
	policy    Policy

	mu sync.RWMutex
}

// Select chooses one endpoint using the group's configured policy.
func (g *Group) Select(now time.Time) (*Endpoint, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy.Select(g.Endpoints, now)
}

// SelectExcept chooses an endpoint other than any in excluded, for the
// bounded same-group retry described in SPEC_FULL.md §4.3's Failure policy
// ("retry... against other endpoints of the same group, never the same
// one").
func (g *Group) SelectExcept(now time.Time, excluded map[string]bool) (*Endpoint, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	remaining := make([]*Endpoint, 0, len(g.Endpoints))
	for _, e := range g.Endpoints {
		if !excluded[e.Key()] {
			remaining = append(remaining, e)
		}
	}
	if len(remaining) == 0 {
		return nil, ErrNoneAvailable
	}
	return g.policy.Select(remaining, now)
}

func newPolicy(method string) Policy {
	switch method {
	case config.MethodWeighted:
		return &Weighted{}
	case config.MethodLeastConnection:
		return &LeastConnection{}
	default:
		return &RoundRobin{}
	}
}

// BuildGroups compiles every named upstream group for one site's proxy
// config into runtime Groups, carrying over health and active-connection
// state for endpoints whose (group name, URL) pair is unchanged (SPEC_FULL
// §4.6 step 5); new endpoints start Unknown, and endpoints no longer present
// are simply not copied forward. Nothing waits for their connection count
// to drain: requests that already selected one keep using it until they
// finish.
func BuildGroups(proxyCfg *config.Proxy, previous map[string]*Group) (map[string]*Group, error) {
	groups := make(map[string]*Group, len(proxyCfg.Upstreams))
	method := proxyCfg.LoadBalancing.Method

	for name, ups := range proxyCfg.Upstreams {
		if len(ups) == 0 {
			return nil, fmt.Errorf("upstream group %q has no endpoints", name)
		}
		var prevEndpoints map[string]*Endpoint
		if prev, ok := previous[name]; ok {
			prevEndpoints = make(map[string]*Endpoint, len(prev.Endpoints))
			prev.mu.RLock()
			for _, e := range prev.Endpoints {
				prevEndpoints[e.Key()] = e
			}
			prev.mu.RUnlock()
		}

		endpoints := make([]*Endpoint, 0, len(ups))
		for _, u := range ups {
			parsed, err := url.Parse(u.URL)
			if err != nil {
				return nil, fmt.Errorf("upstream group %q: invalid URL %q: %w", name, u.URL, err)
			}
			if carried, ok := prevEndpoints[parsed.String()]; ok {
				carried.Weight = u.Weight
				endpoints = append(endpoints, carried)
				continue
			}
			endpoints = append(endpoints, NewEndpoint(parsed, u.Weight))
		}

		groups[name] = &Group{
			Name:      name,
			Method:    method,
			Endpoints: endpoints,
			policy:    newPolicy(method),
		}
	}
	return groups, nil
}
