// Package http2adapter hands each HTTP/2 stream to the same request
// pipeline the HTTP/1 path uses, swapping the textual parser and head
// writer for the stream's structured header read/write API.
package http2adapter

import (
	"io"
	"net"
	"strings"

	"github.com/WhileEndless/rawhttpd/internal/h1handler"
	"github.com/WhileEndless/rawhttpd/internal/registry"
	"github.com/WhileEndless/rawhttpd/internal/reqres"
	"github.com/WhileEndless/rawhttpd/internal/streamio"
	"github.com/WhileEndless/rawhttpd/pkg/constants"
	"github.com/WhileEndless/rawhttpd/pkg/http2"
	"github.com/WhileEndless/rawhttpd/pkg/transport"
)

// Adapter serves the streams of one HTTP/2 session against the registry.
type Adapter struct {
	Registry  *registry.Registry
	ListenCtx *registry.Context
	Meta      *transport.ConnectionMetadata
	PeerAddr  net.Addr
}

// New creates an Adapter for one connection.
func New(reg *registry.Registry, listenCtx *registry.Context, meta *transport.ConnectionMetadata, peer net.Addr) *Adapter {
	return &Adapter{Registry: reg, ListenCtx: listenCtx, Meta: meta, PeerAddr: peer}
}

// SessionOptions builds the HTTP/2 session options from the listen-level
// context.
func (a *Adapter) SessionOptions() http2.Options {
	opts := a.ListenCtx.HTTP2
	if opts.MaxConcurrentStreams == 0 {
		opts.MaxConcurrentStreams = constants.DefaultMaxConcurrentStreams
	}
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = constants.DefaultHTTP2MaxFrameSize
	}
	if opts.HeaderTableSize == 0 {
		opts.HeaderTableSize = constants.DefaultHpackTableSize
	}
	if opts.InitialWindowSize == 0 {
		opts.InitialWindowSize = 65535
	}
	if opts.MaxHeaderListSize == 0 {
		opts.MaxHeaderListSize = uint32(constants.DefaultMaxRequestHeaderSize)
	}
	opts.EnablePush = a.ListenCtx.Flags.Has(reqres.EnablePushRequests)
	return opts
}

// HandleStream serves one stream: it builds the protocol-neutral
// request/response pair and runs the shared pipeline, with the response
// head emitted as a structured HEADERS frame instead of text.
func (a *Adapter) HandleStream(st *http2.Stream) {
	ctx := a.ListenCtx

	req := a.buildRequest(st, ctx)

	if better := a.Registry.Lookup(a.Meta.BindAddr, a.Meta.BindPort, hostName(req.Host)); better != nil {
		ctx = better
	}

	resp := reqres.NewResponse()
	hw, closer := newStreamHeadWriter(st)
	resp.Bind(reqres.BindConfig{
		HeadWriter: hw,
		Encoding:   negotiateEncoding(ctx, req),
		Closer:     closer,
		Store:      ctx.SessionStore,
		Request:    req,
		IsHead:     st.Request.Method == "HEAD",
	})

	h1handler.ProcessRequest(ctx, req, resp, nil)
}

func (a *Adapter) buildRequest(st *http2.Stream, ctx *registry.Context) *reqres.Request {
	headers := make(map[string][]string, len(st.Request.Headers))
	for name, values := range st.Request.Headers {
		headers[canonical(name)] = values
	}

	maxBody := ctx.MaxRequestSize
	if maxBody <= 0 {
		maxBody = constants.DefaultMaxRequestSize
	}

	var req *reqres.Request
	req = reqres.NewRequest(st.Request.Method, st.Request.Path, "HTTP/2.0", headers, func() (io.ReadCloser, error) {
		var src io.Reader = st
		if ctx.MaxRequestTime > 0 {
			src = streamio.NewWallClockReader(src, req.CreatedAt, ctx.MaxRequestTime)
		}
		return io.NopCloser(streamio.NewLimitedReader(src, maxBody, "request body")), nil
	})
	req.Host = st.Request.Authority
	req.ConnectionID = a.Meta.ConnectionID
	req.Conn = a.Meta
	req.SetPeer(a.PeerAddr)
	req.TLS = a.Meta.TLSVersion != ""
	req.Persistent = true // stream lifetime is framed, not connection-bound
	return req
}

// newStreamHeadWriter adapts a stream's structured header API to the
// response's HeadWriter contract. Chunked framing never applies: DATA
// frames carry their own lengths. A response with a declared empty body
// ends the stream on the HEADERS frame itself.
func newStreamHeadWriter(st *http2.Stream) (reqres.HeadWriter, io.Closer) {
	ended := false
	hw := func(r *reqres.Response) (io.Writer, bool, error) {
		headers := make(map[string][]string, len(r.Headers))
		for name, values := range r.Headers {
			headers[name] = values
		}
		length, hasLength := r.ContentLength()
		endStream := r.IsHead() || (hasLength && length == 0)
		if endStream {
			ended = true
		}
		if err := st.WriteHeaders(r.Status, headers, endStream); err != nil {
			return nil, false, err
		}
		return st, false, nil
	}
	closer := closerFunc(func() error {
		if ended {
			return nil
		}
		ended = true
		return st.CloseWrite()
	})
	return hw, closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func negotiateEncoding(ctx *registry.Context, req *reqres.Request) streamio.Encoding {
	if !ctx.Compression {
		return streamio.EncodingIdentity
	}
	return streamio.NegotiateEncoding(req.Header("Accept-Encoding"))
}

func hostName(authority string) string {
	if strings.HasPrefix(authority, "[") {
		if idx := strings.LastIndexByte(authority, ']'); idx >= 0 {
			return authority[1:idx]
		}
		return authority
	}
	if idx := strings.LastIndexByte(authority, ':'); idx >= 0 {
		return authority[:idx]
	}
	return authority
}

// canonical converts a lowercase HTTP/2 header name to the canonical MIME
// form the shared pipeline keys headers by.
func canonical(name string) string {
	out := []byte(name)
	upper := true
	for i, c := range out {
		if upper && 'a' <= c && c <= 'z' {
			out[i] = c - ('a' - 'A')
		}
		upper = c == '-'
	}
	return string(out)
}
