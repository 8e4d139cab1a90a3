package proxyengine

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hostgate/hostgate/internal/snapshot"
)

// isWebSocketUpgrade reports whether r asks to upgrade the connection to the
// websocket protocol, per SPEC_FULL.md §4.4: "Upgrade: websocket" and a
// "Connection" header naming "upgrade", both compared case-insensitively.
func isWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// validateWebSocketHeaders enforces the rest of the handshake SPEC_FULL.md
// §4.4 requires before forwarding: a present Sec-WebSocket-Key and
// Sec-WebSocket-Version: 13. Anything else is rejected with 400 before an
// upstream is ever selected.
func validateWebSocketHeaders(r *http.Request) error {
	if r.Header.Get("Sec-WebSocket-Key") == "" {
		return errors.New("missing Sec-WebSocket-Key")
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return errors.New("unsupported Sec-WebSocket-Version")
	}
	return nil
}

// proxyWebSocket selects an upstream endpoint, performs the handshake
// against it over a raw dialed connection, and then splices the client and
// upstream connections bidirectionally for the lifetime of the tunnel, per
// SPEC_FULL.md §4.4. active_conns is held on the endpoint for the entire
// lifetime of the connection, not just the handshake.
func (e *Engine) proxyWebSocket(w http.ResponseWriter, r *http.Request, route snapshot.Route, siteName, clientIP string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade unsupported", http.StatusInternalServerError)
		return
	}

	ep, err := route.Group.Select(time.Now())
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	if e.metrics != nil {
		e.metrics.UpstreamSelections.WithLabelValues(siteName, route.Group.Name, ep.Key()).Inc()
	}

	// ep.URL.Scheme is http/https for the HTTP forwarding path; the
	// equivalent ws/wss rewrite described in SPEC_FULL.md §4.4 has no
	// observable effect here since the tunnel is a raw dialed TCP
	// connection, not a URL passed to a client library.
	dialNetwork := "tcp"
	targetHost := ep.URL.Host

	ep.Acquire()
	e.observeActiveConn(siteName, route.Group.Name, ep)
	handedOff := false
	defer func() {
		// splice() takes over the Release once the tunnel is spliced; on any
		// earlier return from this function, this is the only Release call.
		if !handedOff {
			ep.Release()
			e.observeActiveConn(siteName, route.Group.Name, ep)
		}
	}()

	upstreamConn, err := net.DialTimeout(dialNetwork, targetHost, e.cfg.DialTimeout)
	if err != nil {
		e.log.Warn("websocket dial failed", zap.String("upstream", ep.Key()), zap.Error(err))
		ep.MarkUnhealthy(time.Now())
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	outPath := r.URL.Path
	if route.StripPrefix {
		outPath = strings.TrimPrefix(outPath, route.PathPrefix)
		if !strings.HasPrefix(outPath, "/") {
			outPath = "/" + outPath
		}
	}
	if r.URL.RawQuery != "" {
		outPath += "?" + r.URL.RawQuery
	}

	outHeader := cloneForwardHeaders(r.Header)
	outHeader.Set("Connection", "Upgrade")
	outHeader.Set("Upgrade", "websocket")
	setForwardedHeaders(outHeader, clientIP, schemeOf(r), r.Host)

	outURL := *r.URL
	outURL.Path = outPath
	outURL.RawQuery = ""
	outReq := &http.Request{
		Method:     r.Method,
		URL:        &outURL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     outHeader,
		Host:       r.Host,
	}

	if err := outReq.Write(upstreamConn); err != nil {
		upstreamConn.Close()
		e.log.Warn("websocket handshake write failed", zap.String("upstream", ep.Key()), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		upstreamConn.Close()
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	// Any bytes the hijack buffered but not yet delivered to the upstream
	// must be flushed through, in case the client pipelined past the
	// handshake before we took over the connection.
	if clientBuf.Reader.Buffered() > 0 {
		if _, err := io.CopyN(upstreamConn, clientBuf.Reader, int64(clientBuf.Reader.Buffered())); err != nil {
			clientConn.Close()
			upstreamConn.Close()
			return
		}
	}

	handedOff = true
	splice(clientConn, upstreamConn, ep, e.log, func() { e.observeActiveConn(siteName, route.Group.Name, ep) })
}

// splice copies bytes bidirectionally between a and b until either side
// closes, half-closing the opposite direction as soon as one peer signals
// end-of-stream, per SPEC_FULL.md §4.4. It releases ep's active-connection
// count only once both directions have finished, so active_conns is held
// for the tunnel's full lifetime. onRelease, if non-nil, runs immediately
// after Release so the caller can publish the updated count.
func splice(a, b net.Conn, ep interface{ Release() }, log *zap.Logger, onRelease func()) {
	defer func() {
		ep.Release()
		if onRelease != nil {
			onRelease()
		}
	}()
	defer a.Close()
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	copyHalf := func(dst, src net.Conn) {
		defer wg.Done()
		_, err := io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		if err != nil && !isClosedConnErr(err) {
			log.Debug("websocket splice half closed with error", zap.Error(err))
		}
	}

	go copyHalf(b, a)
	go copyHalf(a, b)
	wg.Wait()
}

func isClosedConnErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
