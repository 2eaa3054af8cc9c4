// Package connserver drives one accepted connection end to end: the
// first-byte wait, the TLS ClientHello sniff and handshake, the HTTP/2
// negotiation (ALPN on TLS, preface sniff on cleartext, h2c upgrade from
// inside the HTTP/1 loop), and the HTTP/1 keep-alive request loop. One
// goroutine per connection; the driver owns all per-connection state.
package connserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/WhileEndless/rawhttpd/internal/h1handler"
	"github.com/WhileEndless/rawhttpd/internal/http2adapter"
	"github.com/WhileEndless/rawhttpd/internal/registry"
	"github.com/WhileEndless/rawhttpd/internal/reqres"
	"github.com/WhileEndless/rawhttpd/pkg/constants"
	"github.com/WhileEndless/rawhttpd/pkg/http2"
	"github.com/WhileEndless/rawhttpd/pkg/transport"
)

// Driver wires together the per-connection lifecycle for one server.
type Driver struct {
	Registry *registry.Registry
	Tracker  *transport.Tracker
	Logger   *zap.SugaredLogger

	FirstByteTimeout time.Duration
}

// NewDriver creates a Driver with the default first-byte timeout.
func NewDriver(reg *registry.Registry, tracker *transport.Tracker, logger *zap.SugaredLogger) *Driver {
	return &Driver{
		Registry:         reg,
		Tracker:          tracker,
		Logger:           logger,
		FirstByteTimeout: constants.FirstByteTimeout,
	}
}

func (d *Driver) log() *zap.SugaredLogger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop().Sugar()
}

// Serve drives conn through the handshake, protocol sniff, and request
// dispatch. tlsCfg is the SNI-dispatching config bound to the listener,
// nil for cleartext binds. Serve always closes conn before returning.
func (d *Driver) Serve(conn net.Conn, addr string, port int, tlsCfg *tls.Config) {
	defer conn.Close()

	br := bufio.NewReader(conn)

	if err := conn.SetReadDeadline(time.Now().Add(d.firstByteTimeout())); err != nil {
		return
	}
	if _, err := br.Peek(1); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			_, _ = conn.Write([]byte("HTTP/1.1 408 Request Timeout\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
		}
		return
	}

	var tlsState *tls.ConnectionState
	if tlsCfg != nil {
		hello, err := br.Peek(6)
		if err != nil || !plausibleClientHello(hello) {
			body := "497 - HTTP Request Sent to HTTPS Port\n\nThis port expects TLS."
			_, _ = conn.Write([]byte("HTTP/1.1 497 HTTP Request Sent to HTTPS Port\r\nContent-Type: text/plain; charset=UTF-8\r\nContent-Length: " +
				strconv.Itoa(len(body)) + "\r\nConnection: close\r\n\r\n" + body))
			return
		}

		tlsConn := tls.Server(bufferedConn{br: br, Conn: conn}, tlsCfg)
		if err := tlsConn.HandshakeContext(context.Background()); err != nil { // bounded by the read deadline set above
			d.log().Debugw("tls handshake failed", "peer", conn.RemoteAddr(), "error", err)
			return
		}
		state := tlsConn.ConnectionState()
		tlsState = &state
		conn = tlsConn
		br = bufio.NewReader(tlsConn)
		// Re-arm for the preface sniff; the pre-handshake deadline was
		// consumed by the handshake reads.
		_ = conn.SetReadDeadline(time.Now().Add(d.firstByteTimeout()))
	}

	meta := transport.NewMetadata(conn, addr, port, tlsState)
	if d.Tracker != nil {
		d.Tracker.Add(conn, meta)
		defer d.Tracker.Remove(meta.ConnectionID)
	}

	listenCtx := d.Registry.Lookup(addr, port, "")
	if listenCtx == nil {
		ctxs := contextsOn(d.Registry, addr, port)
		if len(ctxs) == 0 {
			return
		}
		listenCtx = ctxs[0]
	}

	adapter := http2adapter.New(d.Registry, listenCtx, meta, conn.RemoteAddr())
	http2Allowed := !listenCtx.Flags.Has(reqres.DisableHTTP2)

	// HTTP/2 entry: ALPN choice on TLS, preface sniff on cleartext.
	if tlsState != nil && strings.HasPrefix(tlsState.NegotiatedProtocol, "h2") && http2Allowed {
		d.runHTTP2(conn, br, adapter, nil)
		return
	}
	if tlsState == nil && http2Allowed && looksLikeHTTP2Preface(br) {
		d.runHTTP2(conn, br, adapter, nil)
		return
	}

	// HTTP/1 loop, with the idle wait between requests. The header-read
	// deadline covers each request's parse phase; body reads re-arm their
	// own deadline per read, and the idle wait below sets its own.
	for {
		_ = conn.SetReadDeadline(time.Now().Add(constants.HeaderReadTimeout))
		result := h1handler.HandleOne(br, conn, d.Registry, listenCtx, meta)

		if result.Upgrade != nil {
			d.runHTTP2(conn, br, adapter, result.Upgrade)
			return
		}
		if result.Hijacked {
			// The handler's protocol ran on the raw connection inside the
			// handler; nothing more to parse here.
			return
		}
		if !result.KeepAlive {
			return
		}

		idle := listenCtx.KeepAliveTimeout
		if idle <= 0 {
			idle = constants.DefaultKeepAliveTimeout
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if _, err := br.Peek(1); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
	}
}

// runHTTP2 starts the HTTP/2 session and blocks until it ends. upgrade is
// non-nil for the h2c Upgrade path, carrying the request that becomes
// stream 1.
func (d *Driver) runHTTP2(conn net.Conn, br *bufio.Reader, adapter *http2adapter.Adapter, upgrade *h1handler.H2CUpgrade) {
	// The session's frame loop is long-lived; idle liveness is the
	// session's concern (PING), not a read deadline's.
	_ = conn.SetReadDeadline(time.Time{})
	sess := http2.NewSession(bufferedConn{br: br, Conn: conn}, adapter.SessionOptions(), adapter.HandleStream)

	var err error
	if upgrade != nil {
		err = sess.ServeUpgraded(br, upgrade.Settings, upgrade.Request, upgrade.Body)
	} else {
		err = sess.Serve(br)
	}
	if err != nil {
		d.log().Debugw("http2 session ended", "peer", conn.RemoteAddr(), "error", err)
	}
}

func (d *Driver) firstByteTimeout() time.Duration {
	if d.FirstByteTimeout > 0 {
		return d.FirstByteTimeout
	}
	return constants.FirstByteTimeout
}

// plausibleClientHello checks the TLS record prologue: a handshake record
// (0x16) of version 3.x whose first handshake message is a ClientHello
// (0x01).
func plausibleClientHello(b []byte) bool {
	return len(b) >= 6 && b[0] == 0x16 && b[1] == 0x03 && b[5] == 0x01
}

// looksLikeHTTP2Preface peeks the connection's first bytes without
// consuming them, the cleartext counterpart to ALPN.
func looksLikeHTTP2Preface(br *bufio.Reader) bool {
	peek, err := br.Peek(len(http2.ClientPreface))
	if err != nil {
		return false
	}
	return string(peek) == http2.ClientPreface
}

func contextsOn(reg *registry.Registry, addr string, port int) []*registry.Context {
	var out []*registry.Context
	for _, ctx := range reg.Contexts() {
		if ctx.Addr == addr && ctx.Port == port {
			out = append(out, ctx)
		}
	}
	return out
}

// bufferedConn splices bytes already buffered by a bufio.Reader back in
// front of the connection, so peeked prefixes (TLS records, the HTTP/2
// preface) are not lost when a consumer reads from the conn directly.
type bufferedConn struct {
	br *bufio.Reader
	net.Conn
}

func (c bufferedConn) Read(p []byte) (int, error) {
	if c.br.Buffered() > 0 {
		return c.br.Read(p)
	}
	return c.Conn.Read(p)
}

