// Package constants defines magic numbers and default values used throughout rawhttpd.
package constants

import "time"

// Connection lifecycle timeouts
const (
	// FirstByteTimeout is how long the connection driver waits for the first
	// bytes of a new connection before emitting 408 and closing.
	FirstByteTimeout = 10 * time.Second

	// DefaultKeepAliveTimeout is how long an idle HTTP/1 connection is kept
	// open between requests awaiting reuse.
	DefaultKeepAliveTimeout = 90 * time.Second

	// HeaderReadTimeout bounds the request-line and header parse of one
	// request. The per-line and total-header byte caps bound the size; this
	// bounds the time, so a drip-fed header cannot hold the connection's
	// goroutine forever.
	HeaderReadTimeout = 30 * time.Second

	// DefaultPingInterval is a WebSocket-style ping interval. The engine
	// does not apply it: a zero ServerSettings.WebSocketPingInterval stays
	// zero.
	DefaultPingInterval = 15 * time.Second

	// CleanupInterval is a reaping interval for closed listeners. The
	// listener supervisor does not use it; it releases a listener as soon
	// as its last referencing context deregisters.
	CleanupInterval = 30 * time.Second
)

// HTTP/2 limits
const (
	DefaultMaxConcurrentStreams = 250
	DefaultHTTP2MaxFrameSize    = 16384
	DefaultHpackTableSize       = 4096
	SettingsAckTimeout          = 10 * time.Second
)

// HTTP request limits
const (
	// MaxHeaderLineBytes is the hard per-line cap on a request-line or
	// header line, independent of the configurable total-header budget.
	MaxHeaderLineBytes = 4096

	// DefaultMaxRequestHeaderSize is the default total-header-bytes budget
	// when ServerSettings.MaxRequestHeaderSize is unset.
	DefaultMaxRequestHeaderSize = 16 * 1024

	// DefaultMaxRequestSize is the default request body size cap when
	// ServerSettings.MaxRequestSize is unset.
	DefaultMaxRequestSize = 10 * 1024 * 1024

	// MaxContentLength is an absolute upper bound on any declared
	// Content-Length, regardless of configuration, to reject obviously bogus
	// values before they're compared against MaxRequestSize.
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Buffer limits (pkg/buffer spill threshold and hard cap)
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024   // 4MB before spilling to disk
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB cap for buffered bodies
)

// DefaultServerBanner is the Server header value when ServerSettings.Banner is unset.
const DefaultServerBanner = "rawhttpd"
