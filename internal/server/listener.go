package server

import (
	"bufio"
	"crypto/tls"
	"net"
	"time"
)

// tlsOrPlainListener wraps a raw net.Listener and, on each Accept, peeks the
// first byte of the connection to tell a TLS ClientHello (record type 0x16)
// from a plain HTTP request line, wrapping only the former in a TLS server
// connection. This lets one socket serve both a plain-HTTP site and a
// TLS-managed site bound to the same port, matching SPEC_FULL.md §4.7's
// "owns the listening sockets... terminates TLS where configured" without
// requiring the listener to know in advance which sites will share its
// port — a site's SSL configuration can change across a reload without the
// socket itself needing to be replaced.
type tlsOrPlainListener struct {
	net.Listener
	tlsConfig *tls.Config
}

const tlsRecordTypeHandshake = 0x16

// peekTimeout bounds how long Accept will wait for a client to send its
// first byte before giving up on it. Accept runs synchronously inside
// http.Server.Serve's single accept loop, so an unbounded Peek here would
// let one client that opens a connection and sends nothing stall every
// other connection on the port.
const peekTimeout = 5 * time.Second

func (l *tlsOrPlainListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		if err := conn.SetReadDeadline(time.Now().Add(peekTimeout)); err != nil {
			conn.Close()
			continue
		}

		br := bufio.NewReader(conn)
		first, err := br.Peek(1)
		if err != nil {
			// never sent a byte within peekTimeout; drop it and keep
			// accepting rather than handing a dead connection onward.
			conn.Close()
			continue
		}

		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			conn.Close()
			continue
		}

		pc := &peekedConn{Conn: conn, r: br}
		if first[0] == tlsRecordTypeHandshake {
			return tls.Server(pc, l.tlsConfig), nil
		}
		return pc, nil
	}
}

// peekedConn is a net.Conn whose Read is served from a bufio.Reader that may
// already hold a peeked byte, so nothing the listener inspected is lost to
// whichever handler the connection is ultimately routed to.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(b []byte) (int, error) { return c.r.Read(b) }
