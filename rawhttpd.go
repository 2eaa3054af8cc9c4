// Package rawhttpd is an embeddable HTTP server engine: it accepts TCP
// (optionally TLS) connections, negotiates HTTP/1.0, HTTP/1.1, or HTTP/2
// per connection (ALPN on TLS, h2c Upgrade or preface sniff on cleartext),
// and dispatches every request to a user handler together with a response
// object the handler writes into. Virtual hosts on a shared bind are
// resolved by SNI and the Host header.
package rawhttpd

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/WhileEndless/rawhttpd/internal/connserver"
	"github.com/WhileEndless/rawhttpd/internal/listener"
	"github.com/WhileEndless/rawhttpd/internal/registry"
	"github.com/WhileEndless/rawhttpd/internal/reqres"
	rherrors "github.com/WhileEndless/rawhttpd/pkg/errors"
	"github.com/WhileEndless/rawhttpd/pkg/http2"
	"github.com/WhileEndless/rawhttpd/pkg/session"
	"github.com/WhileEndless/rawhttpd/pkg/transport"
)

// Version is the current version of the rawhttpd engine.
const Version = "1.0.0"

// Re-export the request pipeline types handlers interact with.
type (
	// Request is the inbound request handed to handlers.
	Request = reqres.Request

	// Response is the outbound response handlers write into.
	Response = reqres.Response

	// Handler processes one request.
	Handler = reqres.Handler

	// ErrorPageHandler renders custom error responses.
	ErrorPageHandler = reqres.ErrorPageHandler

	// ErrorInfo describes a failed request to an ErrorPageHandler.
	ErrorInfo = reqres.ErrorInfo

	// Options is the bitfield of request processing switches.
	Options = reqres.Options

	// UploadedFile describes one multipart file upload.
	UploadedFile = reqres.UploadedFile

	// HTTPStatusError maps one-to-one onto a wire status when panicked
	// from a handler.
	HTTPStatusError = rherrors.HTTPStatusError

	// Session is the per-client key/value store behind the session cookie.
	Session = session.Session

	// SessionStore owns sessions.
	SessionStore = session.Store

	// SessionCookieOptions controls the session cookie's attributes.
	SessionCookieOptions = session.CookieOptions

	// ConnectionMetadata describes the transport under a request.
	ConnectionMetadata = transport.ConnectionMetadata
)

// Option flags, re-exported for handler configuration.
const (
	ParseURL           = reqres.ParseURL
	ParseQueryString   = reqres.ParseQueryString
	ParseFormBody      = reqres.ParseFormBody
	ParseJSONBody      = reqres.ParseJSONBody
	ParseMultiPartBody = reqres.ParseMultiPartBody
	ParseCookies       = reqres.ParseCookies
	Distribute         = reqres.Distribute
	ErrorStackTraces   = reqres.ErrorStackTraces
	DisableHTTP2       = reqres.DisableHTTP2
	EnablePushRequests = reqres.EnablePushRequests

	DefaultOptions = reqres.DefaultOptions
)

// Session cookie options, re-exported.
const (
	SessionCookieHTTPOnly = session.CookieHTTPOnly
	SessionCookieSecure   = session.CookieSecure
	SessionCookieNoSecure = session.CookieNoSecure
)

// NewHTTPStatusError builds the typed error a handler panics with to
// control the wire status.
func NewHTTPStatusError(status int, message string, debug ...string) *HTTPStatusError {
	return rherrors.NewHTTPStatusError(status, message, debug...)
}

// ServerSettings configures one Listen call. The zero value listens on
// every interface with the default limits; settings are immutable once
// registered.
type ServerSettings struct {
	// BindAddresses lists the interfaces to bind; empty means all ("::").
	BindAddresses []string
	// Port is the TCP port to listen on. 80 when zero (443 with TLS).
	Port int
	// HostName enables virtual hosting: requests whose Host (or SNI name)
	// matches are routed to this context even when the bind is shared.
	HostName string

	// Options selects the request processing steps. Zero means
	// DefaultOptions.
	Options Options

	MaxRequestHeaderSize int64
	MaxRequestSize       int64
	// MaxRequestTime bounds the wall-clock time a request body read may
	// take. Zero disables the limit.
	MaxRequestTime   time.Duration
	KeepAliveTimeout time.Duration

	TLSConfig *tls.Config

	SessionStore     session.Store
	ErrorPageHandler ErrorPageHandler

	// AccessLogFormat is an Apache-style format string; AccessLogSink
	// receives one line per finished request. Both must be set for access
	// logging to engage; AccessLogger adds structured zap logging on top.
	AccessLogFormat string
	AccessLogSink   io.Writer
	AccessLogger    *zap.SugaredLogger

	// ServerString is the Server response header banner.
	ServerString string

	// Compression enables gzip/deflate response bodies when the client
	// advertises support.
	Compression bool

	HTTP2MaxConcurrentStreams uint32
	HTTP2MaxFrameSize         uint32

	WebSocketPingInterval time.Duration

	// ShutdownGrace bounds how long StopListening waits for in-flight
	// requests before force-closing their connections.
	ShutdownGrace time.Duration

	// AcceptRatePerSecond, when positive, rate-limits the accept loops.
	AcceptRateBurst     int
	AcceptRatePerSecond float64

	// Logger receives engine diagnostics. Nil means silent.
	Logger *zap.SugaredLogger
}

// ListenerHandle references one registered server context; closing it
// deregisters the context and stops listeners nothing else references.
type ListenerHandle struct {
	ids           []uint64
	shutdownGrace time.Duration

	mu     sync.Mutex
	closed bool
}

// engine is the process-wide server state: the copy-on-write context
// registry, the listener supervisor, and the connection tracker.
var engine = struct {
	registry   *registry.Registry
	tracker    *transport.Tracker
	supervisor *listener.Supervisor
	driver     *connserver.Driver
	once       sync.Once
}{}

func initEngine() {
	engine.registry = registry.New()
	engine.tracker = transport.NewTracker()
	engine.driver = connserver.NewDriver(engine.registry, engine.tracker, nil)
	engine.supervisor = listener.New(engine.registry, func(conn net.Conn, addr string, port int, tlsCfg *tls.Config) {
		engine.driver.Serve(conn, addr, port, tlsCfg)
	})
}

// Listen registers handler under settings and starts accepting
// connections. Multiple Listen calls may share a bind when their HostName
// values differ; the engine then routes by SNI and Host.
func Listen(settings ServerSettings, handler Handler) (*ListenerHandle, error) {
	engine.once.Do(initEngine)

	if relayed, handle, err := listenViaRelay(settings, handler); relayed {
		return handle, err
	}

	addrs := settings.BindAddresses
	if len(addrs) == 0 {
		addrs = []string{"::"}
	}
	port := settings.Port
	if port == 0 {
		if settings.TLSConfig != nil {
			port = 443
		} else {
			port = 80
		}
	}

	loggers := buildAccessLoggers(settings)

	handle := &ListenerHandle{shutdownGrace: settings.ShutdownGrace}
	for _, addr := range addrs {
		ctx := contextFromSettings(settings, handler, addr, port, loggers)
		id, err := engine.registry.Register(ctx)
		if err != nil {
			handle.rollback()
			return nil, err
		}
		handle.ids = append(handle.ids, id)
	}

	if settings.AcceptRatePerSecond > 0 {
		burst := settings.AcceptRateBurst
		if burst <= 0 {
			burst = 1
		}
		engine.supervisor.AcceptLimiter = rate.NewLimiter(rate.Limit(settings.AcceptRatePerSecond), burst)
	}

	if err := engine.supervisor.EnsureBound(); err != nil {
		handle.rollback()
		return nil, err
	}
	return handle, nil
}

func contextFromSettings(settings ServerSettings, handler Handler, addr string, port int, loggers []registry.AccessLogger) *registry.Context {
	return &registry.Context{
		Addr:                 addr,
		Port:                 port,
		Host:                 settings.HostName,
		TLSConfig:            settings.TLSConfig,
		Handler:              handler,
		ErrorPage:            settings.ErrorPageHandler,
		Flags:                settings.Options,
		SessionStore:         settings.SessionStore,
		Banner:               settings.ServerString,
		MaxRequestHeaderSize: settings.MaxRequestHeaderSize,
		MaxRequestSize:       settings.MaxRequestSize,
		MaxRequestTime:       settings.MaxRequestTime,
		KeepAliveTimeout:     settings.KeepAliveTimeout,
		Compression:          settings.Compression,
		HTTP2: http2.Options{
			MaxConcurrentStreams: settings.HTTP2MaxConcurrentStreams,
			MaxFrameSize:         settings.HTTP2MaxFrameSize,
			PingInterval:         settings.WebSocketPingInterval,
		},
		ShutdownGrace: settings.ShutdownGrace,
		Logger:        settings.Logger,
		AccessLoggers: loggers,
	}
}

func (h *ListenerHandle) rollback() {
	for _, id := range h.ids {
		if addr, port, stillBound, found := engine.registry.Deregister(id); found && !stillBound {
			engine.supervisor.Release(addr, port)
		}
	}
	h.ids = nil
}

// StopListening deregisters the handle's contexts, closes listeners no
// other context references, and waits up to the shutdown grace for
// in-flight connections before force-closing them.
func (h *ListenerHandle) StopListening() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	h.rollback()

	if len(engine.registry.Contexts()) == 0 {
		grace := h.shutdownGrace
		if grace > 0 {
			engine.tracker.AwaitIdle(grace)
		}
		return engine.tracker.CloseAll()
	}
	return nil
}

// Stats reports the engine's live object counts.
type Stats struct {
	Contexts    int
	Connections transport.Stats
}

// GetStats returns a point-in-time snapshot of the engine.
func GetStats() Stats {
	engine.once.Do(initEngine)
	return Stats{
		Contexts:    len(engine.registry.Contexts()),
		Connections: engine.tracker.Stats(),
	}
}

// StaticRedirect returns a handler that answers every request with a
// redirect to url. The status defaults to 302.
func StaticRedirect(url string, status ...int) Handler {
	return func(req *Request, resp *Response) {
		_ = resp.Redirect(url, status...)
	}
}
