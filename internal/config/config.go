// Package config defines the passive configuration value type described in
// SPEC_FULL.md §3 (DATA MODEL) and loads it from a TOML document with
// github.com/BurntSushi/toml, the way the teacher's config-adapter layer
// leans on a third-party parser rather than a hand-rolled one.
//
// Reading the configuration file, and the CLI's --dry-run flag, belong to
// the caller: this package only turns already-read bytes into the Config
// Model and back out into validation errors. It does not know about files,
// flags, or daemons.
package config

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
)

// File is the root of a loaded configuration document: one server block and
// an ordered list of sites. It is immutable once handed to the core — no
// method on File or its children ever mutates shared state.
type File struct {
	Server Server `toml:"server"`
	Sites  []Site `toml:"site"`
}

// Server holds process-wide, non-site settings.
type Server struct {
	Name    string `toml:"name"`
	Workers int    `toml:"workers"`
}

// Site is one tenant: a name, the hostnames and port it answers on, and its
// static/proxy/SSL configuration. See SPEC_FULL.md §3's Site entity.
type Site struct {
	Name      string            `toml:"name"`
	Hostname  string            `toml:"hostname"`
	Hostnames []string          `toml:"hostnames"`
	Port      int               `toml:"port"`
	StaticDir string            `toml:"static_dir"`
	Default   bool              `toml:"default"`
	APIOnly   bool              `toml:"api_only"`
	Headers   map[string]string `toml:"headers"`
	SSL       *SSL              `toml:"ssl"`
	Proxy     *Proxy            `toml:"proxy"`
}

// SSL is the per-site TLS configuration. See SPEC_FULL.md §3's SSL Config
// entity.
type SSL struct {
	Enabled  bool     `toml:"enabled"`
	AutoCert bool     `toml:"auto_cert"`
	CertPath string   `toml:"cert_path"`
	KeyPath  string   `toml:"key_path"`
	Domains  []string `toml:"domains"`
	ACME     *ACME    `toml:"acme"`
}

// ACME is the ACME-account portion of an SSL config.
type ACME struct {
	Email        string `toml:"email"`
	Enabled      bool   `toml:"enabled"`
	DirectoryURL string `toml:"directory_url"`
}

// Proxy is the per-site reverse-proxy configuration: named upstream groups,
// ordered routes, and the load-balancing method. See SPEC_FULL.md §3's Proxy
// Config and Route entities.
type Proxy struct {
	Enabled       bool                  `toml:"enabled"`
	Upstreams     map[string][]Upstream `toml:"upstreams"`
	Routes        []Route               `toml:"routes"`
	LoadBalancing LoadBalancing         `toml:"load_balancing"`
}

// Upstream is one backend endpoint within a named upstream group.
type Upstream struct {
	URL    string `toml:"url"`
	Weight int    `toml:"weight"`
}

// Route maps a path prefix to a named upstream group.
type Route struct {
	Path        string `toml:"path"`
	Upstream    string `toml:"upstream"`
	StripPrefix bool   `toml:"strip_prefix"`
	WebSocket   bool   `toml:"websocket"`
}

// LoadBalancing selects the selection policy for a site's upstream groups.
type LoadBalancing struct {
	Method string `toml:"method"`
}

// Load-balancing method names recognized in configuration.
const (
	MethodRoundRobin      = "round_robin"
	MethodWeighted        = "weighted"
	MethodLeastConnection = "least_connections"
)

// Parse decodes TOML bytes into a File. It performs no semantic validation —
// use Validate for that — only structural/syntax decoding.
func Parse(data []byte) (*File, error) {
	var f File
	dec := toml.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &f, nil
}
