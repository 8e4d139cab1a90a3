// Package snapshot builds and serves the immutable Routing Snapshot of
// SPEC_FULL.md §3 and implements the Site Resolver algorithm of §4.1: an
// exact-match (port, hostname) -> Site table plus a per-port default,
// published atomically and read lock-free by every request.
package snapshot

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"

	"github.com/hostgate/hostgate/internal/config"
	"github.com/hostgate/hostgate/internal/upstream"
)

// Route is a compiled proxy route: a path prefix bound to a resolved
// upstream Group.
type Route struct {
	PathPrefix  string
	Group       *upstream.Group
	StripPrefix bool
	WebSocket   bool
	declOrder   int
}

// Site is the runtime, read-only view of a configured tenant (SPEC_FULL.md
// §3's Site entity). Every field is immutable for the lifetime of the
// Snapshot that owns it.
type Site struct {
	Name             string
	PrimaryHostname  string
	AliasHostnames   []string
	Port             int
	StaticRoot       string
	Headers          map[string]string
	IsDefault        bool
	APIOnly          bool
	SSL              *config.SSL
	ProxyEnabled     bool
	Routes           []Route
	UpstreamGroups   map[string]*upstream.Group
}

// BestRoute returns the route whose PathPrefix is the longest match for p,
// ties broken by declaration order, per SPEC_FULL.md §4.4.
func (s *Site) BestRoute(p string) (Route, bool) {
	best := -1
	for i, r := range s.Routes {
		if !pathHasPrefix(p, r.PathPrefix) {
			continue
		}
		if best == -1 ||
			len(r.PathPrefix) > len(s.Routes[best].PathPrefix) ||
			(len(r.PathPrefix) == len(s.Routes[best].PathPrefix) && r.declOrder < s.Routes[best].declOrder) {
			best = i
		}
	}
	if best == -1 {
		return Route{}, false
	}
	return s.Routes[best], true
}

// pathHasPrefix reports whether prefix is a path-segment-respecting prefix
// of p: prefix "/api" matches "/api" and "/api/x" but not "/apix", per
// SPEC_FULL.md §8.
func pathHasPrefix(p, prefix string) bool {
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	if len(p) == len(prefix) {
		return true
	}
	return prefix == "/" || p[len(prefix)] == '/'
}

type siteKey struct {
	port int
	host string
}

// Snapshot is the immutable routing table published by the Reload
// Controller. See SPEC_FULL.md §3's Routing Snapshot entity.
type Snapshot struct {
	Version string
	exact   map[siteKey]*Site
	byPort  map[int]*Site // default site per port
	sites   []*Site
}

// Sites returns every site in the snapshot, in declaration order.
func (s *Snapshot) Sites() []*Site { return s.sites }

// Resolve implements SPEC_FULL.md §4.1's algorithm: strip the :port suffix
// and lowercase the Host header, look up the exact (port, host) pair, fall
// back to the port's default site.
func (s *Snapshot) Resolve(port int, hostHeader string) (*Site, bool) {
	host := normalizeHost(hostHeader)
	if site, ok := s.exact[siteKey{port: port, host: host}]; ok {
		return site, true
	}
	if site, ok := s.byPort[port]; ok {
		return site, true
	}
	return nil, false
}

func normalizeHost(hostHeader string) string {
	h := hostHeader
	if host, _, err := net.SplitHostPort(hostHeader); err == nil {
		h = host
	}
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSuffix(h, ".")
	if ascii, err := idna.Lookup.ToASCII(h); err == nil {
		h = ascii
	}
	return h
}

// Build compiles a validated config.File plus pre-built upstream groups (one
// map per site name, see upstream.BuildGroups) into a new Snapshot. The
// config MUST already have passed config.Validate — Build does not
// re-validate uniqueness invariants, it assumes them.
func Build(version string, f *config.File, groupsBySite map[string]map[string]*upstream.Group) (*Snapshot, error) {
	snap := &Snapshot{
		Version: version,
		exact:   make(map[siteKey]*Site),
		byPort:  make(map[int]*Site),
	}

	for _, cs := range f.Sites {
		site := &Site{
			Name:            cs.Name,
			PrimaryHostname: normalizeHost(cs.Hostname),
			Port:            cs.Port,
			StaticRoot:      cs.StaticDir,
			Headers:         cs.Headers,
			IsDefault:       cs.Default,
			APIOnly:         cs.APIOnly,
			SSL:             cs.SSL,
		}
		for _, h := range cs.Hostnames {
			site.AliasHostnames = append(site.AliasHostnames, normalizeHost(h))
		}

		if cs.Proxy != nil && cs.Proxy.Enabled {
			groups := groupsBySite[cs.Name]
			site.ProxyEnabled = true
			site.UpstreamGroups = groups
			for i, r := range cs.Proxy.Routes {
				g, ok := groups[r.Upstream]
				if !ok {
					return nil, fmt.Errorf("site %q: route references unresolved upstream group %q", cs.Name, r.Upstream)
				}
				site.Routes = append(site.Routes, Route{
					PathPrefix:  r.Path,
					Group:       g,
					StripPrefix: r.StripPrefix,
					WebSocket:   r.WebSocket,
					declOrder:   i,
				})
			}
		}

		hostnames := append([]string{site.PrimaryHostname}, site.AliasHostnames...)
		for _, h := range hostnames {
			if h == "" {
				continue
			}
			snap.exact[siteKey{port: site.Port, host: h}] = site
		}
		if site.IsDefault {
			snap.byPort[site.Port] = site
		}

		snap.sites = append(snap.sites, site)
	}

	return snap, nil
}
