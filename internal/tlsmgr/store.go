// Package tlsmgr implements the TLS/ACME Controller of SPEC_FULL.md §4.5:
// per-site certificate storage, ACME HTTP-01 issuance and renewal, and a
// tls.Config.GetCertificate callback the Listener/Dispatcher installs on
// every HTTPS listener.
//
// Certificate persistence is grounded on the teacher's
// certmagic.FileStorage usage (caddytls/setup.go's
// constructDefaultClusterPlugin, cmd/main.go's caddy.DefaultStorage); the
// ACME protocol driving is grounded on mholt/acmez/v3's Client/Solver
// pattern, used here directly (rather than delegating to certmagic's own
// automatic manager) so the Manager can expose the per-site pending_order
// and next_renewal_at state SPEC_FULL.md §3 names as part of the Site
// entity.
package tlsmgr

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/caddyserver/certmagic"
)

// Store wraps a certmagic.Storage rooted at a cache directory, keyed by
// site name rather than by hostname, so a site's certificate survives a
// hostname-only config edit across reloads.
type Store struct {
	backend certmagic.Storage
}

// NewFileStore returns a Store backed by the filesystem, matching the
// teacher's certmagic.FileStorage{Path: ...} convention.
func NewFileStore(cacheDir string) *Store {
	return &Store{backend: &certmagic.FileStorage{Path: cacheDir}}
}

func certKey(site string) string { return filepath.Join("certificates", site, "cert.pem") }
func keyKey(site string) string  { return filepath.Join("certificates", site, "key.pem") }

// SaveCertificate persists the PEM-encoded certificate chain and private key
// for site.
func (s *Store) SaveCertificate(site string, certPEM, keyPEM []byte) error {
	if err := s.backend.Store(context.Background(), certKey(site), certPEM); err != nil {
		return fmt.Errorf("store certificate for %q: %w", site, err)
	}
	if err := s.backend.Store(context.Background(), keyKey(site), keyPEM); err != nil {
		return fmt.Errorf("store key for %q: %w", site, err)
	}
	return nil
}

// LoadCertificate returns the persisted PEM pair for site, or an error
// satisfying certmagic's not-exist contract if nothing has been issued yet.
func (s *Store) LoadCertificate(site string) (certPEM, keyPEM []byte, err error) {
	certPEM, err = s.backend.Load(context.Background(), certKey(site))
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err = s.backend.Load(context.Background(), keyKey(site))
	if err != nil {
		return nil, nil, err
	}
	return certPEM, keyPEM, nil
}

// Exists reports whether a certificate has already been persisted for site.
func (s *Store) Exists(site string) bool {
	return s.backend.Exists(context.Background(), certKey(site)) && s.backend.Exists(context.Background(), keyKey(site))
}
