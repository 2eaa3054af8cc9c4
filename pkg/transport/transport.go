// Package transport tracks the live connections an accept loop has handed
// out and the per-connection metadata the engine attaches to every request.
package transport

import (
	"crypto/tls"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/WhileEndless/rawhttpd/pkg/errors"
)

// ConnectionMetadata holds metadata about one accepted connection. It is
// populated once after the (optional) TLS handshake and stays immutable for
// the connection's lifetime; every request parsed off the connection carries
// a pointer to the same instance.
type ConnectionMetadata struct {
	// Basic connection info
	LocalAddr  string
	RemoteAddr string

	// ConnectionID uniquely identifies this connection, stable across every
	// request multiplexed or pipelined over it.
	ConnectionID uuid.UUID

	// BindAddr and BindPort identify the listener the connection arrived on.
	BindAddr string
	BindPort int

	// NegotiatedProtocol is the ALPN token chosen during the TLS handshake
	// ("h2", "http/1.1"), or "" for cleartext connections.
	NegotiatedProtocol string

	// TLS information
	TLSVersion     string
	TLSCipherSuite string
	TLSServerName  string
	TLSSessionID   string // hex-encoded
	TLSResumed     bool

	// ClientCertificates carries the verified peer chain for mutual-TLS
	// listeners, nil otherwise.
	ClientCertificates []ClientCertInfo

	AcceptedAt time.Time
}

// ClientCertInfo is the subset of an X.509 client certificate surfaced to
// handlers.
type ClientCertInfo struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
}

// NewMetadata builds the metadata record for one accepted connection.
// tlsState may be nil for cleartext connections.
func NewMetadata(conn net.Conn, bindAddr string, bindPort int, tlsState *tls.ConnectionState) *ConnectionMetadata {
	m := &ConnectionMetadata{
		LocalAddr:    conn.LocalAddr().String(),
		RemoteAddr:   conn.RemoteAddr().String(),
		ConnectionID: uuid.New(),
		BindAddr:     bindAddr,
		BindPort:     bindPort,
		AcceptedAt:   time.Now(),
	}
	if tlsState != nil {
		m.NegotiatedProtocol = tlsState.NegotiatedProtocol
		m.TLSVersion = TLSVersionString(tlsState.Version)
		m.TLSCipherSuite = tls.CipherSuiteName(tlsState.CipherSuite)
		m.TLSServerName = tlsState.ServerName
		m.TLSResumed = tlsState.DidResume
		if len(tlsState.TLSUnique) > 0 {
			m.TLSSessionID = hex.EncodeToString(tlsState.TLSUnique)
		}
		for _, cert := range tlsState.PeerCertificates {
			m.ClientCertificates = append(m.ClientCertificates, ClientCertInfo{
				Subject:      cert.Subject.String(),
				Issuer:       cert.Issuer.String(),
				SerialNumber: cert.SerialNumber.String(),
				NotBefore:    cert.NotBefore,
				NotAfter:     cert.NotAfter,
			})
		}
	}
	return m
}

// TLSVersionString renders a crypto/tls version constant for logs.
func TLSVersionString(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return "unknown"
	}
}

// Stats provides a point-in-time view of the tracker, surfaced through the
// engine's introspection API.
type Stats struct {
	ActiveConnections int    `json:"active_connections"`
	TotalAccepted     uint64 `json:"total_accepted"`
	TotalClosed       uint64 `json:"total_closed"`
	TLSConnections    int    `json:"tls_connections"`
	HTTP2Connections  int    `json:"http2_connections"`
}

// Tracker is the accept-side registry of live connections. The connection
// driver adds a connection after accept and removes it when the driver
// returns; Shutdown can then force-close stragglers after a grace period.
type Tracker struct {
	mu    sync.Mutex
	conns map[uuid.UUID]trackedConn

	accepted atomic.Uint64
	closed   atomic.Uint64
}

type trackedConn struct {
	conn net.Conn
	meta *ConnectionMetadata
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{conns: make(map[uuid.UUID]trackedConn)}
}

// Add registers conn under its metadata's ConnectionID.
func (t *Tracker) Add(conn net.Conn, meta *ConnectionMetadata) {
	t.accepted.Add(1)
	t.mu.Lock()
	t.conns[meta.ConnectionID] = trackedConn{conn: conn, meta: meta}
	t.mu.Unlock()
}

// Remove drops the connection from the tracker. Safe to call for IDs that
// were never added or were already removed.
func (t *Tracker) Remove(id uuid.UUID) {
	t.mu.Lock()
	_, present := t.conns[id]
	delete(t.conns, id)
	t.mu.Unlock()
	if present {
		t.closed.Add(1)
	}
}

// Stats returns current counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		ActiveConnections: len(t.conns),
		TotalAccepted:     t.accepted.Load(),
		TotalClosed:       t.closed.Load(),
	}
	for _, tc := range t.conns {
		if tc.meta.TLSVersion != "" {
			s.TLSConnections++
		}
		if tc.meta.NegotiatedProtocol == "h2" {
			s.HTTP2Connections++
		}
	}
	return s
}

// CloseAll force-closes every tracked connection, unblocking any reads their
// drivers are parked on. Used as the final step of a graceful shutdown after
// the drain grace expires.
func (t *Tracker) CloseAll() error {
	t.mu.Lock()
	conns := make([]net.Conn, 0, len(t.conns))
	for _, tc := range t.conns {
		conns = append(conns, tc.conn)
	}
	t.conns = make(map[uuid.UUID]trackedConn)
	t.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		t.closed.Add(1)
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = errors.NewIOError("closing connection", err)
		}
	}
	return firstErr
}

// AwaitIdle blocks until no connections remain tracked or the timeout
// elapses. Polling keeps Remove lock-cheap for the per-request hot path;
// shutdown is the only caller and runs once.
func (t *Tracker) AwaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		t.mu.Lock()
		n := len(t.conns)
		t.mu.Unlock()
		if n == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// IsConnectionAlive reports whether the peer has closed or reset conn,
// using a 1ms read probe. A read that times out means the peer is simply
// quiet, which counts as alive. Callers must only probe between requests,
// never mid-parse: a successful probe consumes one queued byte.
func IsConnectionAlive(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer conn.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	_, err := conn.Read(one)
	if err == nil {
		return true
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return false
}
