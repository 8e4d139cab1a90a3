package proxyengine

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hostgate/hostgate/internal/metrics"
	"github.com/hostgate/hostgate/internal/snapshot"
	"github.com/hostgate/hostgate/internal/upstream"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return New(DefaultConfig(), zap.NewNop(), nil)
}

func groupWithEndpoints(t *testing.T, urls ...string) *upstream.Group {
	t.Helper()
	endpoints := make([]*upstream.Endpoint, 0, len(urls))
	for _, u := range urls {
		parsed, err := url.Parse(u)
		require.NoError(t, err)
		ep := upstream.NewEndpoint(parsed, 1)
		ep.MarkHealthy()
		endpoints = append(endpoints, ep)
	}
	return &upstream.Group{Name: "g", Method: "round_robin", Endpoints: endpoints}
}

// deadEndpoint returns a URL that refuses connections, used to exercise the
// retry-on-failure path.
func deadEndpoint(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "http://" + addr
}

func TestProxyHTTPForwardsRequestAndStripsHopByHop(t *testing.T) {
	var gotMethod, gotPath, gotXFF string
	var gotConnectionHeader string
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotConnectionHeader = r.Header.Get("Connection")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Upstream-Header", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstreamSrv.Close()

	group := groupWithEndpoints(t, upstreamSrv.URL)
	route := snapshot.Route{PathPrefix: "/api", Group: group}
	site := &snapshot.Site{Name: "s", Routes: []snapshot.Route{route}}

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	req.Header.Set("Connection", "close")
	rec := httptest.NewRecorder()

	testEngine(t).ServeHTTP(rec, req, site, "203.0.113.5")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
	require.Equal(t, http.MethodGet, gotMethod)
	require.Equal(t, "/api/widgets", gotPath)
	require.Equal(t, "203.0.113.5", gotXFF)
	require.Empty(t, gotConnectionHeader, "hop-by-hop Connection header must not reach the upstream")
	require.Equal(t, "yes", rec.Header().Get("X-Upstream-Header"))
	require.Empty(t, rec.Header().Get("Connection"), "hop-by-hop response header must not reach the client")
}

func TestProxyHTTPStripsRoutePrefix(t *testing.T) {
	var gotPath string
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	group := groupWithEndpoints(t, upstreamSrv.URL)
	route := snapshot.Route{PathPrefix: "/api", Group: group, StripPrefix: true}
	site := &snapshot.Site{Name: "s", Routes: []snapshot.Route{route}}

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	rec := httptest.NewRecorder()
	testEngine(t).ServeHTTP(rec, req, site, "203.0.113.5")

	require.Equal(t, "/widgets", gotPath)
}

func TestProxyHTTPRetriesOnDialFailure(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("live endpoint"))
	}))
	defer upstreamSrv.Close()

	// RoundRobin's first pick is the group's second endpoint, so the dead
	// endpoint goes second: the first attempt fails and the retry lands on
	// the live one.
	group := groupWithEndpoints(t, upstreamSrv.URL, deadEndpoint(t))
	route := snapshot.Route{PathPrefix: "/", Group: group}
	site := &snapshot.Site{Name: "s", Routes: []snapshot.Route{route}}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	testEngine(t).ServeHTTP(rec, req, site, "10.0.0.1")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "live endpoint", rec.Body.String())
	require.Equal(t, upstream.Unhealthy, group.Endpoints[1].HealthState(), "the failed first attempt must mark the dead endpoint")
}

func TestProxyHTTPExhaustsRetriesReturns502(t *testing.T) {
	group := groupWithEndpoints(t, deadEndpoint(t), deadEndpoint(t), deadEndpoint(t))
	route := snapshot.Route{PathPrefix: "/", Group: group}
	site := &snapshot.Site{Name: "s", Routes: []snapshot.Route{route}}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	testEngine(t).ServeHTTP(rec, req, site, "10.0.0.1")

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestBodyTrackerZeroLengthReadIsNotStarted(t *testing.T) {
	// proxyHTTP stops retrying once bodyTracker.started is set, so a read
	// that returns no bytes must leave it unset; otherwise an empty body
	// would disable the same-group retry.
	t.Parallel()
	tracker := &bodyTracker{ReadCloser: http.NoBody}
	buf := make([]byte, 4)
	_, _ = tracker.Read(buf)
	require.False(t, tracker.started, "reading from http.NoBody must not flag a zero-length read as started")
}

func TestNoMatchingRouteIs404(t *testing.T) {
	site := &snapshot.Site{Name: "s"}
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	testEngine(t).ServeHTTP(rec, req, site, "10.0.0.1")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyHTTPRecordsRequestDurationAndActiveConnMetrics(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	group := groupWithEndpoints(t, upstreamSrv.URL)
	route := snapshot.Route{PathPrefix: "/api", Group: group}
	site := &snapshot.Site{Name: "s", Routes: []snapshot.Route{route}}

	m := metrics.New()
	engine := New(DefaultConfig(), zap.NewNop(), m)

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req, site, "10.0.0.1")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, 1, testutil.CollectAndCount(m.RequestDuration))
	require.Equal(t, float64(0), testutil.ToFloat64(m.UpstreamActiveConn.WithLabelValues("s", "g", group.Endpoints[0].Key())))
}
