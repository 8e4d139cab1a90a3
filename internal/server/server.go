// Package server implements the Listener/Dispatcher of SPEC_FULL.md §4.7:
// it owns the listening sockets, terminates TLS, resolves every request's
// Host header against the current Routing Snapshot, and dispatches to the
// Static File Handler, the Proxy Engine, or the Admin API.
//
// The per-port http.Server-per-listener shape, and configuring HTTP/2 via
// golang.org/x/net/http2 on each one, is grounded on the teacher's
// modules/caddyhttp/app.go Start method (build one *http.Server per
// configured server block, ConfigureServer/ConfigureServers for h2,
// serve each listener in its own goroutine).
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/hostgate/hostgate/internal/metrics"
	"github.com/hostgate/hostgate/internal/netaddr"
	"github.com/hostgate/hostgate/internal/proxyengine"
	"github.com/hostgate/hostgate/internal/reload"
	"github.com/hostgate/hostgate/internal/snapshot"
	"github.com/hostgate/hostgate/internal/staticfiles"
	"github.com/hostgate/hostgate/internal/tlsmgr"
)

// CertificateSource supplies the GetCertificate callback every TLS-capable
// listener installs, satisfied by *tlsmgr.Manager in production.
type CertificateSource interface {
	GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

// SnapshotSource is the read side of the Reload Controller the dispatcher
// consults on every request; satisfied by *reload.Controller.
type SnapshotSource interface {
	Current() *snapshot.Snapshot
}

// Dispatcher owns every open listener and routes requests arriving on it.
// It implements reload.ListenerManager so the Reload Controller can drive
// its socket lifecycle directly.
type Dispatcher struct {
	snapshots SnapshotSource
	engine    *proxyengine.Engine
	certs     CertificateSource
	admin     http.Handler
	challenge http.Handler
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	listeners map[int]*openListener

	staticMu sync.Mutex
	statics  map[string]*staticfiles.Handler // keyed by site name
}

type openListener struct {
	ln  net.Listener
	srv *http.Server
}

// New builds a Dispatcher. admin may be nil if no site is marked api_only.
func New(snapshots SnapshotSource, engine *proxyengine.Engine, certs CertificateSource, admin http.Handler, challenge http.Handler, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		snapshots: snapshots,
		engine:    engine,
		certs:     certs,
		admin:     admin,
		challenge: challenge,
		log:       log,
		metrics:   m,
		listeners: make(map[int]*openListener),
		statics:   make(map[string]*staticfiles.Handler),
	}
}

var _ reload.ListenerManager = (*Dispatcher)(nil)

// OpenListener binds port and starts serving it in a background goroutine.
// Each accepted connection is TLS-or-plain-sniffed so a single port can
// carry both a plain-HTTP site and a TLS-managed one across reloads.
func (d *Dispatcher) OpenListener(ctx context.Context, port int) error {
	addr := netaddr.Address{Network: "tcp", Host: "", Port: port}
	ln, err := addr.Listen(ctx, net.ListenConfig{})
	if err != nil {
		return err
	}

	tlsConfig := &tls.Config{
		GetCertificate: d.certs.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
	wrapped := &tlsOrPlainListener{Listener: ln, tlsConfig: tlsConfig}

	srv := &http.Server{
		Handler:           portHandler{port: port, d: d},
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(d.log),
	}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		ln.Close()
		return err
	}

	d.mu.Lock()
	d.listeners[port] = &openListener{ln: wrapped, srv: srv}
	d.mu.Unlock()

	go func() {
		if err := srv.Serve(wrapped); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("listener exited", zap.Int("port", port), zap.Error(err))
		}
	}()
	return nil
}

// DrainListener gracefully shuts down the server bound to port within
// grace, per SPEC_FULL.md §4.7's reload-time drain behavior.
func (d *Dispatcher) DrainListener(ctx context.Context, port int, grace time.Duration) error {
	d.mu.Lock()
	entry, ok := d.listeners[port]
	delete(d.listeners, port)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	drainCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return entry.srv.Shutdown(drainCtx)
}

// portHandler dispatches requests received on one specific port.
type portHandler struct {
	port int
	d    *Dispatcher
}

func (h portHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.d.challenge != nil && tlsmgr.IsChallengePath(r.URL.Path) {
		h.d.challenge.ServeHTTP(w, r)
		return
	}

	snap := h.d.snapshots.Current()
	if snap == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	site, ok := snap.Resolve(h.port, r.Host)
	if !ok {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	for k, v := range site.Headers {
		w.Header().Set(k, v)
	}

	if site.APIOnly {
		if h.d.admin == nil {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.d.admin.ServeHTTP(w, r)
		return
	}

	clientIP := clientIPOf(r)

	if site.ProxyEnabled {
		if _, ok := site.BestRoute(r.URL.Path); ok {
			h.d.engine.ServeHTTP(w, r, site, clientIP)
			return
		}
	}

	h.d.staticHandler(site).ServeHTTP(w, r)
}

func (d *Dispatcher) staticHandler(site *snapshot.Site) *staticfiles.Handler {
	d.staticMu.Lock()
	defer d.staticMu.Unlock()
	h, ok := d.statics[site.Name]
	if !ok {
		h = staticfiles.New(site.StaticRoot, site.Headers)
		d.statics[site.Name] = h
	}
	return h
}

func clientIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

