// Package http2 implements the accept-side HTTP/2 session: connection
// preface and SETTINGS exchange, HPACK header decode/encode, and per-stream
// framing on top of golang.org/x/net/http2's Framer. The engine consumes it
// as a black box exposing streams with header read/write and a body pipe.
package http2

import (
	"time"

	"golang.org/x/net/http2"
)

// ClientPreface is the fixed 24-byte string a client sends to open an
// HTTP/2 connection (RFC 7540 §3.5).
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Options contains the server-side HTTP/2 session configuration.
type Options struct {
	// MaxConcurrentStreams caps simultaneously open streams per connection;
	// excess streams are refused with RST_STREAM(REFUSED_STREAM).
	MaxConcurrentStreams uint32

	// MaxFrameSize is advertised in the server SETTINGS frame.
	MaxFrameSize uint32

	// InitialWindowSize is the per-stream flow-control window advertised to
	// the peer.
	InitialWindowSize uint32

	// HeaderTableSize is the HPACK dynamic table size for both directions.
	HeaderTableSize uint32

	// MaxHeaderListSize is advertised in the server SETTINGS frame; the
	// session does not enforce it on decoded header blocks.
	MaxHeaderListSize uint32

	// EnablePush advertises SETTINGS_ENABLE_PUSH. Servers receive pushes
	// never, but the setting still controls whether PUSH_PROMISE may be sent.
	EnablePush bool

	// PingInterval is carried with the options but not read by the
	// session: it sends no PING frames of its own and only acknowledges
	// the peer's.
	PingInterval time.Duration
}

// DefaultOptions returns the session defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentStreams: 250,
		MaxFrameSize:         16384,
		InitialWindowSize:    65535,
		HeaderTableSize:      4096,
		MaxHeaderListSize:    16 * 1024,
		EnablePush:           false,
	}
}

// RequestHeaders is the decoded header block of one inbound stream: the
// pseudo-headers unpacked into fields, everything else as a multimap keyed
// by the lowercase wire name.
type RequestHeaders struct {
	Method    string
	Path      string
	Scheme    string
	Authority string
	Headers   map[string][]string
}

// StreamState tracks one stream's half of the RFC 7540 §5.1 state machine
// as seen by the server.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamHalfClosedRemote // client sent END_STREAM, response still open
	StreamHalfClosedLocal  // response finished, client body still inbound
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamOpen:
		return "open"
	case StreamHalfClosedRemote:
		return "half-closed (remote)"
	case StreamHalfClosedLocal:
		return "half-closed (local)"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// settingsFromOptions renders opts as the SETTINGS payload the session
// sends during the connection handshake.
func settingsFromOptions(opts Options) []http2.Setting {
	push := uint32(0)
	if opts.EnablePush {
		push = 1
	}
	return []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: opts.MaxConcurrentStreams},
		{ID: http2.SettingMaxFrameSize, Val: opts.MaxFrameSize},
		{ID: http2.SettingInitialWindowSize, Val: opts.InitialWindowSize},
		{ID: http2.SettingHeaderTableSize, Val: opts.HeaderTableSize},
		{ID: http2.SettingMaxHeaderListSize, Val: opts.MaxHeaderListSize},
		{ID: http2.SettingEnablePush, Val: push},
	}
}
