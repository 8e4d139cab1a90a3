// Package proxyengine implements the Proxy Engine of SPEC_FULL.md §4.4: it
// takes a resolved snapshot.Site and snapshot.Route, selects a live upstream
// endpoint through the route's upstream.Group, and forwards the request (or,
// for WebSocket upgrades, splices the raw connection) to it.
//
// The HTTP forwarding path is hand-rolled on top of http.Transport.RoundTrip
// rather than httputil.ReverseProxy, grounded on the manual-RoundTripper
// idiom the pack's proxy.go examples use for upstream pools (see
// other_examples' xypriss and haloy proxy implementations): the spec's
// retry-only-if-no-body-bytes-sent-yet rule needs per-attempt control that
// ReverseProxy's single Director/Rewrite pass does not give cleanly.
package proxyengine

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hostgate/hostgate/internal/herr"
	"github.com/hostgate/hostgate/internal/metrics"
	"github.com/hostgate/hostgate/internal/snapshot"
	"github.com/hostgate/hostgate/internal/upstream"
)

// Config bounds the engine's forwarding behavior; see SPEC_FULL.md §4.4.
type Config struct {
	MaxRetries            int
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
}

// DefaultConfig returns the engine's default retry count and timeouts for a
// reverse proxy sitting in front of application backends.
func DefaultConfig() Config {
	return Config{
		MaxRetries:            2,
		DialTimeout:           5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Engine forwards HTTP and WebSocket traffic to the upstream endpoints
// selected for a route.
type Engine struct {
	cfg       Config
	transport *http.Transport
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// New builds an Engine with its own connection pool, shared across every
// site and route the server dispatches to it.
func New(cfg Config, log *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg: cfg,
		transport: &http.Transport{
			Proxy: nil,
			DialContext: (&net.Dialer{
				Timeout:   cfg.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     false, // upstreams are plain HTTP/1.1 backends
			MaxIdleConns:          512,
			MaxIdleConnsPerHost:   64,
			IdleConnTimeout:       cfg.IdleConnTimeout,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			ExpectContinueTimeout: 1 * time.Second,
		},
		log:     log,
		metrics: m,
	}
}

// ServeHTTP dispatches req to the best matching route in site, forwarding as
// a WebSocket tunnel when the request is an upgrade and the route allows it,
// or as a plain HTTP reverse-proxy request otherwise.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request, site *snapshot.Site, clientIP string) {
	route, ok := site.BestRoute(r.URL.Path)
	if !ok {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	if isWebSocketUpgrade(r) {
		if !route.WebSocket {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		if err := validateWebSocketHeaders(r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		e.proxyWebSocket(w, r, route, site.Name, clientIP)
		return
	}

	e.proxyHTTP(w, r, route, site.Name, clientIP)
}

// bodyTracker wraps a request body and records whether any bytes have been
// read from it yet, which is the signal the spec's retry rule keys on: once
// a byte has potentially been written to an upstream connection, the
// request is no longer safely retryable against a different endpoint.
type bodyTracker struct {
	io.ReadCloser
	started bool
}

func (b *bodyTracker) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.started = true
	}
	return n, err
}

func (e *Engine) proxyHTTP(w http.ResponseWriter, r *http.Request, route snapshot.Route, siteName, clientIP string) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RequestDuration.WithLabelValues(siteName).Observe(time.Since(start).Seconds())
		}
	}()

	var tracker *bodyTracker
	if r.Body != nil && r.Body != http.NoBody {
		tracker = &bodyTracker{ReadCloser: r.Body}
		r.Body = tracker
	}

	excluded := make(map[string]bool)
	attempts := e.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		ep, err := route.Group.SelectExcept(time.Now(), excluded)
		if err != nil {
			lastErr = err
			break
		}

		ep.Acquire()
		e.observeActiveConn(siteName, route.Group.Name, ep)
		status, err := e.attempt(w, r, route, ep, clientIP)
		ep.Release()
		e.observeActiveConn(siteName, route.Group.Name, ep)
		if err == nil {
			if status >= http.StatusInternalServerError {
				ep.MarkUnhealthy(time.Now())
			}
			if e.metrics != nil {
				e.metrics.UpstreamSelections.WithLabelValues(siteName, route.Group.Name, ep.Key()).Inc()
				e.metrics.RequestsTotal.WithLabelValues(siteName, strconv.Itoa(status), r.Method).Inc()
			}
			return
		}

		lastErr = err
		excluded[ep.Key()] = true
		ep.MarkUnhealthy(time.Now())
		e.log.Debug("upstream attempt failed",
			zap.String("upstream", ep.Key()), zap.Error(err))

		if tracker != nil && tracker.started {
			// bytes may already be on the wire to the failed endpoint; the
			// spec forbids retrying once that's possible.
			break
		}
	}

	e.log.Warn("proxy exhausted retries", zap.String("route", route.PathPrefix), zap.Error(lastErr))
	code := http.StatusBadGateway
	if errors.Is(lastErr, context.DeadlineExceeded) {
		code = http.StatusGatewayTimeout
	}
	http.Error(w, http.StatusText(code), code)
}

// observeActiveConn publishes ep's current in-flight-connection count to the
// UpstreamActiveConn gauge immediately after an Acquire or Release, per
// SPEC_FULL.md §2.10's per-endpoint active-connection signal.
func (e *Engine) observeActiveConn(siteName, groupName string, ep *upstream.Endpoint) {
	if e.metrics == nil {
		return
	}
	e.metrics.UpstreamActiveConn.WithLabelValues(siteName, groupName, ep.Key()).Set(float64(ep.ActiveConns()))
}

// attempt issues a single forwarding attempt against ep and streams the
// response back to w. A non-nil error means no response bytes were written
// to w yet and the caller may retry against a different endpoint.
func (e *Engine) attempt(w http.ResponseWriter, r *http.Request, route snapshot.Route, ep *upstream.Endpoint, clientIP string) (int, error) {
	outURL := *r.URL
	outURL.Scheme = ep.URL.Scheme
	outURL.Host = ep.URL.Host
	if route.StripPrefix {
		outURL.Path = strings.TrimPrefix(outURL.Path, route.PathPrefix)
		if !strings.HasPrefix(outURL.Path, "/") {
			outURL.Path = "/" + outURL.Path
		}
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), r.Body)
	if err != nil {
		return 0, herr.Error(http.StatusInternalServerError, err)
	}
	outReq.Header = cloneForwardHeaders(r.Header)
	outReq.ContentLength = r.ContentLength
	outReq.Host = r.Host
	setForwardedHeaders(outReq.Header, clientIP, schemeOf(r), r.Host)

	resp, err := e.transport.RoundTrip(outReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respHeaders := cloneForwardHeaders(resp.Header)
	for k, vs := range respHeaders {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return resp.StatusCode, nil
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
