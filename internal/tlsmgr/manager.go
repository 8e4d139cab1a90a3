package tlsmgr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hostgate/hostgate/internal/config"
)

const (
	minRenewalBackoff = 1 * time.Minute
	maxRenewalBackoff = 24 * time.Hour
	renewBeforeExpiry = 30 * 24 * time.Hour
)

// siteCert is one site's managed-TLS state: SPEC_FULL.md §3's "current_cert,
// pending_order, next_renewal_at" triple, held so the renewal scheduler can
// update it without racing the GetCertificate hot path.
type siteCert struct {
	domains      []string
	contactEmail string
	directoryURL string

	current atomic.Pointer[tls.Certificate]

	mu            sync.Mutex
	pendingOrder  bool
	nextRenewalAt time.Time
	backoff       time.Duration
}

// Manager owns one siteCert per managed site and drives ACME renewal for
// all of them on a single scheduler tick, per SPEC_FULL.md §4.5.
type Manager struct {
	store  *Store
	solver *httpSolver
	log    *zap.Logger

	mu    sync.RWMutex
	sites map[string]*siteCert
}

// New builds a Manager. cacheDir roots the on-disk certificate store
// (certmagic.FileStorage).
func New(cacheDir string, log *zap.Logger) *Manager {
	return &Manager{
		store:  NewFileStore(cacheDir),
		solver: newHTTPSolver(),
		log:    log,
		sites:  make(map[string]*siteCert),
	}
}

// ChallengeHandler exposes the HTTP-01 responder the Listener/Dispatcher
// must route /.well-known/acme-challenge/* to on every listener,
// independent of site, per SPEC_FULL.md §4.5.
func (m *Manager) ChallengeHandler() http.Handler {
	return m.solver
}

// EnsureSite registers site for managed TLS if its config asks for it
// (config.SSL.AutoCert), loading any certificate already on disk. The
// certificate covers every hostname the site answers on — its primary
// hostname, its alias hostnames, and any extra SANs named in ssl.domains —
// per SPEC_FULL.md's "hostnames ∪ primary_hostname ∪ ssl.extra_domains"
// coverage rule, not just ssl.domains in isolation.
func (m *Manager) EnsureSite(siteName, primaryHostname string, aliasHostnames []string, ssl *config.SSL) error {
	if ssl == nil || !ssl.AutoCert {
		return nil
	}
	domains := siteDomains(primaryHostname, aliasHostnames, ssl.Domains)
	if len(domains) == 0 {
		return nil
	}
	directoryURL := letsEncryptProductionURL
	email := ""
	if ssl.ACME != nil {
		email = ssl.ACME.Email
		if ssl.ACME.DirectoryURL != "" {
			directoryURL = ssl.ACME.DirectoryURL
		}
	}

	m.mu.Lock()
	sc, ok := m.sites[siteName]
	if !ok {
		sc = &siteCert{domains: domains, contactEmail: email, directoryURL: directoryURL}
		m.sites[siteName] = sc
	} else {
		sc.domains = domains
	}
	m.mu.Unlock()

	if m.store.Exists(siteName) {
		certPEM, keyPEM, err := m.store.LoadCertificate(siteName)
		if err == nil {
			if cert, err := tls.X509KeyPair(certPEM, keyPEM); err == nil {
				sc.current.Store(&cert)
				sc.mu.Lock()
				sc.nextRenewalAt = renewalTarget(cert)
				sc.mu.Unlock()
				return nil
			}
		}
	}
	return nil
}

// letsEncryptProductionURL is the default ACME directory when a site's
// config does not name one explicitly.
const letsEncryptProductionURL = "https://acme-v02.api.letsencrypt.org/directory"

// siteDomains builds the deduplicated SAN list a site's managed certificate
// must cover: its primary hostname, its alias hostnames, and any extra
// domains named under ssl.domains.
func siteDomains(primaryHostname string, aliasHostnames, extra []string) []string {
	seen := make(map[string]bool, 1+len(aliasHostnames)+len(extra))
	var domains []string
	add := func(d string) {
		if d == "" || seen[d] {
			return
		}
		seen[d] = true
		domains = append(domains, d)
	}
	add(primaryHostname)
	for _, h := range aliasHostnames {
		add(h)
	}
	for _, d := range extra {
		add(d)
	}
	return domains
}

// GetCertificate is installed as tls.Config.GetCertificate: it looks up the
// managed certificate for the requested SNI name, with no fallback to a
// default — an unrecognized name fails the handshake, per SPEC_FULL.md
// §4.5's "serve the best-matching certificate for the SNI name presented".
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sc := range m.sites {
		for _, d := range sc.domains {
			if d == hello.ServerName {
				if cert := sc.current.Load(); cert != nil {
					return cert, nil
				}
				return nil, fmt.Errorf("no certificate issued yet for %q", hello.ServerName)
			}
		}
	}
	return nil, fmt.Errorf("no managed site for SNI name %q", hello.ServerName)
}

// RunScheduler ticks every minute, matching SPEC_FULL.md §4.5, obtaining or
// renewing any site whose next_renewal_at has arrived.
func (m *Manager) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	m.renewDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewDue(ctx)
		}
	}
}

func (m *Manager) renewDue(ctx context.Context) {
	m.mu.RLock()
	due := make([]*siteCert, 0, len(m.sites))
	names := make(map[*siteCert]string, len(m.sites))
	now := time.Now()
	for name, sc := range m.sites {
		sc.mu.Lock()
		shouldRun := !sc.pendingOrder && (sc.current.Load() == nil || now.After(sc.nextRenewalAt))
		sc.mu.Unlock()
		if shouldRun {
			due = append(due, sc)
			names[sc] = name
		}
	}
	m.mu.RUnlock()

	for _, sc := range due {
		m.renewOne(ctx, names[sc], sc)
	}
}

func (m *Manager) renewOne(ctx context.Context, siteName string, sc *siteCert) {
	sc.mu.Lock()
	sc.pendingOrder = true
	sc.mu.Unlock()

	driver := newACMEDriver(sc.directoryURL, sc.contactEmail, m.solver)
	issued, err := driver.obtain(ctx, sc.domains)

	sc.mu.Lock()
	sc.pendingOrder = false
	if err != nil {
		if sc.backoff == 0 {
			sc.backoff = minRenewalBackoff
		} else {
			sc.backoff *= 2
			if sc.backoff > maxRenewalBackoff {
				sc.backoff = maxRenewalBackoff
			}
		}
		sc.nextRenewalAt = time.Now().Add(sc.backoff)
		sc.mu.Unlock()
		m.log.Warn("acme renewal failed, backing off",
			zap.String("site", siteName), zap.Duration("backoff", sc.backoff), zap.Error(err))
		return
	}
	sc.backoff = 0
	sc.mu.Unlock()

	if err := m.store.SaveCertificate(siteName, issued.certPEM, issued.keyPEM); err != nil {
		m.log.Error("failed to persist issued certificate", zap.String("site", siteName), zap.Error(err))
		return
	}

	cert, err := tls.X509KeyPair(issued.certPEM, issued.keyPEM)
	if err != nil {
		m.log.Error("issued certificate failed to parse", zap.String("site", siteName), zap.Error(err))
		return
	}
	sc.current.Store(&cert)

	sc.mu.Lock()
	sc.nextRenewalAt = renewalTarget(cert)
	sc.mu.Unlock()
	m.log.Info("certificate issued", zap.String("site", siteName), zap.Time("next_renewal_at", sc.nextRenewalAt))
}

// renewalTarget implements SPEC_FULL.md §4.5's renewal-timing rule: renew at
// two-thirds of the certificate's validity window, or 30 days before
// expiry, whichever comes first.
func renewalTarget(cert tls.Certificate) time.Time {
	leaf := cert.Leaf
	if leaf == nil {
		if parsed, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
			leaf = parsed
		} else {
			return time.Now().Add(renewBeforeExpiry)
		}
	}
	validity := leaf.NotAfter.Sub(leaf.NotBefore)
	twoThirds := leaf.NotBefore.Add((validity * 2) / 3)
	thirtyDaysOut := leaf.NotAfter.Add(-renewBeforeExpiry)
	if thirtyDaysOut.Before(twoThirds) {
		return thirtyDaysOut
	}
	return twoThirds
}

