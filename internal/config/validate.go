package config

import (
	"fmt"
	"net/mail"
	"os"
	"strings"
)

// Severity distinguishes a hard validation failure from an advisory warning,
// per SPEC_FULL.md §6: "emits errors (exit 1) and warnings (exit 0)".
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "error"
}

// Issue is one validation finding. Field names the offending config key,
// in the style of the teacher's Caddyfile parse errors, which always name
// the directive/key at fault rather than just a bare message.
type Issue struct {
	Severity Severity
	Field    string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Field, i.Message)
}

// Validate runs the full rule set named in SPEC_FULL.md §6. It is called
// both by the CLI's --dry-run flag and, with identical semantics, by the
// Reload Controller (§4.6 step 1) before a candidate config is ever applied.
// It performs no I/O beyond os.Stat on referenced paths, and never mutates f.
func Validate(f *File) []Issue {
	var issues []Issue
	errf := func(field, format string, a ...any) {
		issues = append(issues, Issue{Severity: SeverityError, Field: field, Message: fmt.Sprintf(format, a...)})
	}
	warnf := func(field, format string, a ...any) {
		issues = append(issues, Issue{Severity: SeverityWarning, Field: field, Message: fmt.Sprintf(format, a...)})
	}

	if len(f.Sites) == 0 {
		errf("site", "at least one site must be defined")
	}

	type hostPort struct {
		host string
		port int
	}
	seen := make(map[hostPort]string) // value -> owning site name
	defaultPerPort := make(map[int]string)

	for i := range f.Sites {
		s := &f.Sites[i]
		field := fmt.Sprintf("site[%d:%s]", i, s.Name)

		if s.Name == "" {
			errf(field+".name", "site name must not be empty")
		}
		if s.Hostname == "" {
			errf(field+".hostname", "primary hostname must not be empty")
		}
		if s.Port <= 0 || s.Port > 65535 {
			errf(field+".port", "port %d is out of range", s.Port)
		}

		hostnames := append([]string{s.Hostname}, s.Hostnames...)
		for _, h := range hostnames {
			if h == "" {
				continue
			}
			key := hostPort{host: normalizeHostForValidation(h), port: s.Port}
			if owner, ok := seen[key]; ok && owner != s.Name {
				errf(field+".hostname", "hostname %q on port %d is also claimed by site %q", h, s.Port, owner)
			}
			seen[key] = s.Name
		}

		if s.Default {
			if owner, ok := defaultPerPort[s.Port]; ok && owner != s.Name {
				errf(field+".default", "port %d already has a default site (%q)", s.Port, owner)
			}
			defaultPerPort[s.Port] = s.Name
		}

		if !s.APIOnly && s.StaticDir != "" {
			if st, err := os.Stat(s.StaticDir); err != nil {
				errf(field+".static_dir", "static directory %q: %v", s.StaticDir, err)
			} else if st.IsDir() {
				if _, err := os.Stat(joinPath(s.StaticDir, "index.html")); err != nil {
					warnf(field+".static_dir", "no index.html in %q; requests to / will 404 until one is added", s.StaticDir)
				}
			}
		}

		if s.SSL != nil && s.SSL.Enabled {
			sslField := field + ".ssl"
			if s.SSL.AutoCert {
				if s.SSL.ACME == nil || strings.TrimSpace(s.SSL.ACME.Email) == "" {
					errf(sslField+".acme.email", "auto_cert requires an ACME account email")
				} else if _, err := mail.ParseAddress(s.SSL.ACME.Email); err != nil {
					errf(sslField+".acme.email", "invalid email address %q: %v", s.SSL.ACME.Email, err)
				}
			} else {
				if s.SSL.CertPath == "" || s.SSL.KeyPath == "" {
					errf(sslField, "manual TLS requires both cert_path and key_path")
				} else {
					if _, err := os.Stat(s.SSL.CertPath); err != nil {
						errf(sslField+".cert_path", "%v", err)
					}
					if _, err := os.Stat(s.SSL.KeyPath); err != nil {
						errf(sslField+".key_path", "%v", err)
					}
				}
			}
		}

		if s.Proxy != nil && s.Proxy.Enabled {
			proxyField := field + ".proxy"
			if len(s.Proxy.Upstreams) == 0 {
				errf(proxyField+".upstreams", "proxy enabled but no upstream groups are defined")
			}
			for name, ups := range s.Proxy.Upstreams {
				if len(ups) == 0 {
					errf(proxyField+".upstreams."+name, "upstream group %q has no endpoints", name)
				}
				for j, u := range ups {
					if u.Weight < 1 {
						errf(fmt.Sprintf("%s.upstreams.%s[%d].weight", proxyField, name, j), "weight must be >= 1, got %d", u.Weight)
					}
				}
			}
			for j, r := range s.Proxy.Routes {
				routeField := fmt.Sprintf("%s.routes[%d]", proxyField, j)
				if !strings.HasPrefix(r.Path, "/") {
					errf(routeField+".path", "path prefix %q must start with /", r.Path)
				}
				if _, ok := s.Proxy.Upstreams[r.Upstream]; !ok {
					errf(routeField+".upstream", "route references unknown upstream group %q", r.Upstream)
				}
			}
			switch s.Proxy.LoadBalancing.Method {
			case "", MethodRoundRobin, MethodWeighted, MethodLeastConnection:
			default:
				errf(proxyField+".load_balancing.method", "unknown method %q", s.Proxy.LoadBalancing.Method)
			}
		}
	}

	hasListeningPort := len(defaultPerPort) > 0 || len(f.Sites) > 0
	if hasListeningPort {
		portsSeen := make(map[int]bool)
		for _, s := range f.Sites {
			portsSeen[s.Port] = true
		}
		for port := range portsSeen {
			if _, ok := defaultPerPort[port]; !ok {
				errf("site.default", "port %d has no default site; unmatched hosts would have no fallback", port)
			}
		}
	}

	return issues
}

// HasErrors reports whether any issue is a hard error (not just a warning).
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

func normalizeHostForValidation(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimSuffix(h, ".")
}

func joinPath(dir, file string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + file
	}
	return dir + "/" + file
}
