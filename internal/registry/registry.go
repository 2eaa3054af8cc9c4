// Package registry holds the process-wide, copy-on-write table of virtual
// host contexts that the listener supervisor and connection driver consult
// to resolve an inbound (addr, port, Host) triple to a handler and TLS
// config. Registrations happen rarely, at startup; lookups run once per
// request and per TLS ClientHello, so reads take an atomic snapshot and
// never block behind the writers' mutex.
package registry

import (
	"crypto/tls"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/idna"

	"github.com/WhileEndless/rawhttpd/internal/reqres"
	"github.com/WhileEndless/rawhttpd/pkg/http2"
	"github.com/WhileEndless/rawhttpd/pkg/session"
)

// ErrAmbiguousTLS is returned by Register when two contexts bind the same
// (addr, port) with TLS but no SNI-capable way to disambiguate them.
var ErrAmbiguousTLS = errors.New("registry: ambiguous TLS bind without SNI support")

// AccessLogger records one finished request/response pair.
type AccessLogger interface {
	Log(req *reqres.Request, resp *reqres.Response)
}

// Context describes one virtual host binding: the handler plus every
// per-context knob the request pipeline consults.
type Context struct {
	// ID is assigned by Register, monotonically across the process.
	ID uint64

	Addr string
	Port int
	Host string // "" matches any Host on this addr:port

	TLSConfig *tls.Config // nil for cleartext bindings

	Handler   reqres.Handler
	ErrorPage reqres.ErrorPageHandler

	Flags        reqres.Options
	SessionStore session.Store

	Banner               string
	MaxRequestHeaderSize int64
	MaxRequestSize       int64
	MaxRequestTime       time.Duration
	KeepAliveTimeout     time.Duration
	Compression          bool

	HTTP2 http2.Options

	ShutdownGrace time.Duration

	Logger        *zap.SugaredLogger
	AccessLoggers []AccessLogger
}

// LogAccess invokes every access logger attached to the context.
func (c *Context) LogAccess(req *reqres.Request, resp *reqres.Response) {
	for _, l := range c.AccessLoggers {
		l.Log(req, resp)
	}
}

// Log returns the context's logger, never nil.
func (c *Context) Log() *zap.SugaredLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop().Sugar()
}

// normalizeHost folds host through IDNA so an internationalized name and
// its punycode form resolve to the same entry. Falls back to plain ASCII
// lowercasing for hosts IDNA rejects (IP literals, "*").
func normalizeHost(host string) string {
	if host == "" {
		return ""
	}
	folded, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return toLower(host)
	}
	return folded
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Registry is a copy-on-write list of Contexts: writers copy-append under
// a mutex and publish via atomic store; readers load the current snapshot
// with no lock at all.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]*Context]
	nextID   atomic.Uint64
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	empty := []*Context{}
	r.snapshot.Store(&empty)
	return r
}

func (r *Registry) load() []*Context {
	return *r.snapshot.Load()
}

// Register assigns ctx a fresh ID and publishes it. Two TLS contexts on
// the same addr:port where neither carries a Host are rejected: SNI cannot
// disambiguate them, and silently serving one config for both is worse
// than failing loudly.
func (r *Registry) Register(ctx *Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx.Host = normalizeHost(ctx.Host)

	current := r.load()
	if ctx.TLSConfig != nil {
		for _, existing := range current {
			if existing.Addr == ctx.Addr && existing.Port == ctx.Port && existing.TLSConfig != nil {
				if existing.Host == "" && ctx.Host == "" {
					return 0, ErrAmbiguousTLS
				}
			}
		}
	}

	ctx.ID = r.nextID.Add(1)
	next := make([]*Context, len(current), len(current)+1)
	copy(next, current)
	next = append(next, ctx)
	r.snapshot.Store(&next)
	return ctx.ID, nil
}

// Deregister removes the context with the given ID and reports whether its
// (addr, port) is still referenced by any remaining context, so the caller
// knows whether to stop the listener.
func (r *Registry) Deregister(id uint64) (addr string, port int, stillBound bool, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.load()
	next := make([]*Context, 0, len(current))
	var removed *Context
	for _, ctx := range current {
		if ctx.ID == id {
			removed = ctx
			continue
		}
		next = append(next, ctx)
	}
	if removed == nil {
		return "", 0, false, false
	}
	r.snapshot.Store(&next)

	for _, ctx := range next {
		if ctx.Addr == removed.Addr && ctx.Port == removed.Port {
			stillBound = true
			break
		}
	}
	return removed.Addr, removed.Port, stillBound, true
}

// Lookup resolves the most specific context for (addr, port, host): an
// exact Host match wins over a wildcard ("") binding on the same
// addr:port. Lock-free.
func (r *Registry) Lookup(addr string, port int, host string) *Context {
	host = normalizeHost(host)

	var wildcard *Context
	for _, ctx := range r.load() {
		if ctx.Addr != addr || ctx.Port != port {
			continue
		}
		if ctx.Host == host && host != "" {
			return ctx
		}
		if ctx.Host == "" {
			wildcard = ctx
		}
	}
	return wildcard
}

// LookupSNI resolves a TLS ClientHello server name to a context on the
// bind by exact host match only: a name no context registered aborts the
// handshake rather than serving another context's certificate. A client
// that sent no server name matches the wildcard ("") context, since that
// is the name the wildcard registered under. Lock-free.
func (r *Registry) LookupSNI(addr string, port int, serverName string) *Context {
	host := normalizeHost(serverName)
	for _, ctx := range r.load() {
		if ctx.Addr == addr && ctx.Port == port && ctx.Host == host && ctx.TLSConfig != nil {
			return ctx
		}
	}
	return nil
}

// Contexts returns the current snapshot. Callers must not mutate it.
func (r *Registry) Contexts() []*Context {
	return r.load()
}

// HasTLS reports whether any context on (addr, port) carries a TLS config.
func (r *Registry) HasTLS(addr string, port int) bool {
	for _, ctx := range r.load() {
		if ctx.Addr == addr && ctx.Port == port && ctx.TLSConfig != nil {
			return true
		}
	}
	return false
}
