package reqres

import (
	"encoding/json"
	"io"
	"net"
	"time"

	"go.uber.org/multierr"

	"github.com/WhileEndless/rawhttpd/internal/httpwire"
	"github.com/WhileEndless/rawhttpd/internal/streamio"
	rherrors "github.com/WhileEndless/rawhttpd/pkg/errors"
	"github.com/WhileEndless/rawhttpd/pkg/session"
)

// HeadWriter is supplied by the transport and flushes the status line and
// headers (or the HEADERS frame) exactly once, returning the transport
// writer the body chain sits on and whether a chunked encoder must be
// inserted into the chain.
type HeadWriter func(r *Response) (transport io.Writer, useChunked bool, err error)

// BindConfig carries the transport-specific pieces a Response needs before
// the handler runs.
type BindConfig struct {
	HeadWriter HeadWriter
	Encoding   streamio.Encoding
	Conn       net.Conn  // nil for HTTP/2 streams
	Closer     io.Closer // transport finalizer (HTTP/2 stream end), may be nil
	Store      session.Store
	Request    *Request
	IsHead     bool
}

// Response is the protocol-neutral view of an outbound HTTP response.
// Header emission is deferred until the first body write (or Finalize for
// an empty body), so a handler can adjust status, headers, and cookies
// right up until it starts streaming; after that point any mutation is
// rejected.
type Response struct {
	Status       int
	StatusPhrase string // optional override of the default reason phrase
	Headers      map[string][]string

	cookies []httpwire.Cookie

	declaredLength int64
	hasLength      bool

	headWriter      HeadWriter
	encoding        streamio.Encoding
	conn            net.Conn
	transportCloser io.Closer
	store           session.Store
	req             *Request
	isHead          bool

	chain       io.Writer
	counting    *streamio.CountingWriter
	compressor  streamio.CompressWriteCloser
	frameCloser io.Closer

	headWritten  bool
	bodyDisabled bool
	finalized    bool
	switched     bool
}

// NewResponse constructs an empty 200 OK response.
func NewResponse() *Response {
	return &Response{
		Status:         200,
		Headers:        make(map[string][]string),
		declaredLength: -1,
	}
}

// Bind attaches the transport-specific head writer and request context.
// Must be called before the handler runs.
func (r *Response) Bind(cfg BindConfig) {
	r.headWriter = cfg.HeadWriter
	r.encoding = cfg.Encoding
	r.conn = cfg.Conn
	r.transportCloser = cfg.Closer
	r.store = cfg.Store
	r.req = cfg.Request
	r.isHead = cfg.IsHead
}

func errHeaderWritten() error {
	return rherrors.NewValidationError("response headers already written")
}

// HeaderWritten reports whether the status line and headers are on the wire.
func (r *Response) HeaderWritten() bool { return r.headWritten }

// Switched reports whether SwitchProtocol handed the connection away.
func (r *Response) Switched() bool { return r.switched }

// SetStatus sets the status code and optionally overrides the reason
// phrase. Only valid before the header is written.
func (r *Response) SetStatus(code int, phrase ...string) error {
	if r.headWritten {
		return errHeaderWritten()
	}
	r.Status = code
	if len(phrase) > 0 {
		r.StatusPhrase = phrase[0]
	}
	return nil
}

// SetHeader replaces all values for name.
func (r *Response) SetHeader(name, value string) error {
	if r.headWritten {
		return errHeaderWritten()
	}
	r.Headers[name] = []string{value}
	return nil
}

// AddHeader appends a value for name.
func (r *Response) AddHeader(name, value string) error {
	if r.headWritten {
		return errHeaderWritten()
	}
	r.Headers[name] = append(r.Headers[name], value)
	return nil
}

// RemoveHeader deletes every value for name.
func (r *Response) RemoveHeader(name string) error {
	if r.headWritten {
		return errHeaderWritten()
	}
	delete(r.Headers, name)
	return nil
}

// Header returns the first value set for name.
func (r *Response) Header(name string) string {
	if v := r.Headers[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// SetContentLength records an explicit Content-Length, disabling chunked
// framing for this response.
func (r *Response) SetContentLength(n int64) error {
	if r.headWritten {
		return errHeaderWritten()
	}
	r.declaredLength = n
	r.hasLength = true
	return nil
}

// ContentLength returns the declared Content-Length, if any.
func (r *Response) ContentLength() (int64, bool) {
	return r.declaredLength, r.hasLength
}

// Encoding returns the negotiated response content-coding.
func (r *Response) Encoding() streamio.Encoding { return r.encoding }

// IsHead reports whether this response answers a HEAD request.
func (r *Response) IsHead() bool { return r.isHead }

// Cookies returns the cookies queued for emission.
func (r *Response) Cookies() []httpwire.Cookie { return r.cookies }

// AddCookie queues a fully specified cookie.
func (r *Response) AddCookie(c httpwire.Cookie) error {
	if r.headWritten {
		return errHeaderWritten()
	}
	r.cookies = append(r.cookies, c)
	return nil
}

// SetCookie queues a cookie with the default attributes. An empty path
// defaults to "/".
func (r *Response) SetCookie(name, value, path string) error {
	if path == "" {
		path = "/"
	}
	return r.AddCookie(httpwire.Cookie{Name: name, Value: value, Path: path})
}

// ClearCookie queues an immediate-expiry deletion cookie for name.
func (r *Response) ClearCookie(name, path string) error {
	if path == "" {
		path = "/"
	}
	return r.AddCookie(httpwire.Cookie{
		Name:    name,
		Path:    path,
		MaxAge:  -1,
		Expires: time.Unix(0, 0),
	})
}

// StartSession creates a session, stores the cookie path and secure flag on
// it, and queues the session cookie. The Secure attribute defaults to
// whether the request arrived over TLS; CookieSecure/CookieNoSecure
// override in either direction.
func (r *Response) StartSession(path string, opts session.CookieOptions) (*session.Session, error) {
	if r.store == nil {
		return nil, rherrors.NewValidationError("no session store configured")
	}
	if r.headWritten {
		return nil, errHeaderWritten()
	}
	if path == "" {
		path = "/"
	}

	s, err := r.store.Create()
	if err != nil {
		return nil, err
	}

	secure := r.req != nil && r.req.TLS
	if opts&session.CookieSecure != 0 {
		secure = true
	}
	if opts&session.CookieNoSecure != 0 {
		secure = false
	}

	s.Set(session.KeyCookiePath, path)
	if secure {
		s.Set(session.KeyCookieSecure, "true")
	} else {
		s.Set(session.KeyCookieSecure, "false")
	}

	cookie := httpwire.Cookie{
		Name:     session.CookieName,
		Value:    s.ID(),
		Path:     path,
		Secure:   secure,
		HTTPOnly: opts&session.CookieHTTPOnly != 0,
	}
	if err := r.AddCookie(cookie); err != nil {
		return nil, err
	}
	if r.req != nil {
		r.req.Session = s
	}
	return s, nil
}

// TerminateSession destroys the request's session and queues a deletion
// cookie using the path stored on the session at start time.
func (r *Response) TerminateSession() error {
	if r.req == nil || r.req.Session == nil {
		return nil
	}
	s := r.req.Session
	path := s.Get(session.KeyCookiePath)
	if path == "" {
		path = "/"
	}
	if err := r.ClearCookie(session.CookieName, path); err != nil {
		return err
	}
	r.req.Session = nil
	if r.store == nil {
		return nil
	}
	return r.store.Destroy(s.ID())
}

// flushHead emits the status line and headers exactly once, then assembles
// the body encode chain.
func (r *Response) flushHead() error {
	if r.headWritten {
		return nil
	}
	r.headWritten = true

	// Compressed output has unknown length; drop any declared length so
	// the transport switches to chunked (or stream-end) framing.
	if r.encoding != streamio.EncodingIdentity && r.encoding != "" {
		if r.hasLength {
			r.hasLength = false
			r.declaredLength = -1
			delete(r.Headers, "Content-Length")
		}
		r.Headers["Content-Encoding"] = []string{string(r.encoding)}
	}

	for _, c := range r.cookies {
		r.Headers["Set-Cookie"] = append(r.Headers["Set-Cookie"], c.String())
	}

	base, useChunked, err := r.headWriter(r)
	if err != nil {
		return err
	}

	if r.isHead {
		r.chain = streamio.NullSink{}
		return nil
	}

	// The chain, innermost out: counting writer on the transport, chunked
	// framing after the counter, compression at the tail. Raw writes go
	// straight to the counter, below framing and compression.
	r.counting = streamio.NewCountingWriter(base)
	tail := io.Writer(r.counting)
	if useChunked {
		cw := streamio.NewChunkedWriter(r.counting)
		r.frameCloser = cw
		tail = cw
	}

	compressor, err := streamio.NewCompressWriter(tail, r.encoding)
	if err != nil {
		return err
	}
	r.compressor = compressor
	r.chain = compressor
	return nil
}

// Write streams body bytes through the assembled encode chain, flushing the
// head on first call.
func (r *Response) Write(p []byte) (int, error) {
	if r.bodyDisabled {
		return 0, rherrors.NewValidationError("response body already completed")
	}
	if err := r.flushHead(); err != nil {
		return 0, err
	}
	return r.chain.Write(p)
}

// WriteBody writes a complete in-memory body: Content-Type (defaulting to
// text/plain) and Content-Length are set, then the bytes stream through the
// encode chain.
func (r *Response) WriteBody(body []byte, contentType ...string) error {
	if r.headWritten {
		return errHeaderWritten()
	}
	ct := "text/plain; charset=UTF-8"
	if len(contentType) > 0 {
		ct = contentType[0]
	}
	if err := r.SetHeader("Content-Type", ct); err != nil {
		return err
	}
	if err := r.SetContentLength(int64(len(body))); err != nil {
		return err
	}
	_, err := r.Write(body)
	return err
}

// WriteBodyString is WriteBody for string payloads.
func (r *Response) WriteBodyString(body string, contentType ...string) error {
	return r.WriteBody([]byte(body), contentType...)
}

// WriteStream streams an unbounded body through the encode chain without
// declaring a length, so the transport frames it (chunked on HTTP/1.1).
func (r *Response) WriteStream(src io.Reader, contentType ...string) error {
	if r.headWritten {
		return errHeaderWritten()
	}
	ct := "application/octet-stream"
	if len(contentType) > 0 {
		ct = contentType[0]
	}
	if err := r.SetHeader("Content-Type", ct); err != nil {
		return err
	}
	_, err := io.Copy(r, src)
	return err
}

// WriteRawBody copies up to n bytes (or all of src when n < 0) directly to
// the transport, bypassing the chunked and compression filters but still
// counted toward BytesWritten. The caller is responsible for headers that
// match the raw framing.
func (r *Response) WriteRawBody(src io.Reader, n int64) error {
	if err := r.flushHead(); err != nil {
		return err
	}
	if r.isHead {
		_, err := streamio.Drain(src)
		return err
	}
	if n >= 0 {
		src = io.LimitReader(src, n)
	}
	_, err := io.Copy(r.counting, src)
	return err
}

// WriteJSONBody serializes value as the response body. With allowChunked
// the JSON streams straight through the encoder; otherwise it is measured
// first so Content-Length can be declared.
func (r *Response) WriteJSONBody(value interface{}, allowChunked bool, contentType ...string) error {
	ct := "application/json; charset=UTF-8"
	if len(contentType) > 0 {
		ct = contentType[0]
	}

	if !allowChunked {
		data, err := json.Marshal(value)
		if err != nil {
			return rherrors.NewValidationError("marshaling JSON body: " + err.Error())
		}
		return r.WriteBody(data, ct)
	}

	if r.headWritten {
		return errHeaderWritten()
	}
	if err := r.SetHeader("Content-Type", ct); err != nil {
		return err
	}
	if err := r.flushHead(); err != nil {
		return err
	}
	enc := json.NewEncoder(r.chain)
	if err := enc.Encode(value); err != nil {
		return rherrors.NewIOError("streaming JSON body", err)
	}
	return nil
}

// WriteVoidBody emits the header with no body at all, for 204/304-style
// responses. Content-Length and Transfer-Encoding must not be set unless
// the response answers a HEAD request.
func (r *Response) WriteVoidBody() error {
	if r.headWritten {
		return errHeaderWritten()
	}
	if !r.isHead {
		if r.hasLength || len(r.Headers["Content-Length"]) > 0 {
			return rherrors.NewValidationError("void body with Content-Length set")
		}
		if len(r.Headers["Transfer-Encoding"]) > 0 {
			return rherrors.NewValidationError("void body with Transfer-Encoding set")
		}
	}
	r.declaredLength = 0
	r.hasLength = true
	if err := r.flushHead(); err != nil {
		return err
	}
	r.bodyDisabled = true
	return nil
}

// Redirect sets Location and sends the fixed redirect body. The status
// defaults to 302.
func (r *Response) Redirect(url string, status ...int) error {
	code := 302
	if len(status) > 0 {
		code = status[0]
	}
	if err := r.SetStatus(code); err != nil {
		return err
	}
	if err := r.SetHeader("Location", url); err != nil {
		return err
	}
	return r.WriteBody([]byte("redirecting..."))
}

// SwitchProtocol emits a 101 Switching Protocols header carrying
// Upgrade: name and returns the underlying connection for the caller's
// protocol to take over. Not available on HTTP/2 streams.
func (r *Response) SwitchProtocol(name string) (net.Conn, error) {
	if r.conn == nil {
		return nil, rherrors.NewValidationError("protocol switch requires a dedicated connection")
	}
	if r.headWritten {
		return nil, errHeaderWritten()
	}
	if err := r.SetStatus(101); err != nil {
		return nil, err
	}
	if err := r.SetHeader("Upgrade", name); err != nil {
		return nil, err
	}
	if err := r.SetHeader("Connection", "Upgrade"); err != nil {
		return nil, err
	}
	r.declaredLength = 0
	r.hasLength = true
	if err := r.flushHead(); err != nil {
		return nil, err
	}
	r.bodyDisabled = true
	r.switched = true
	return r.conn, nil
}

// WaitForConnectionClose blocks until the peer closes the connection or the
// timeout elapses, reporting true when the peer closed.
func (r *Response) WaitForConnectionClose(timeout time.Duration) bool {
	if r.conn == nil {
		return false
	}
	_ = r.conn.SetReadDeadline(time.Now().Add(timeout))
	defer r.conn.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	for {
		_, err := r.conn.Read(one)
		if err == nil {
			continue
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return false
		}
		return true
	}
}

// BytesWritten reports body bytes emitted on the wire so far, after any
// compression.
func (r *Response) BytesWritten() int64 {
	if r.counting == nil {
		return 0
	}
	return r.counting.N()
}

// Truncated reports whether the handler wrote a different number of body
// bytes than it declared via Content-Length, fewer or more; the connection
// driver force-closes the connection in that case rather than erroring
// synchronously.
func (r *Response) Truncated() bool {
	if r.isHead || r.switched {
		return false
	}
	identity := r.encoding == streamio.EncodingIdentity || r.encoding == ""
	return r.hasLength && identity && r.BytesWritten() != r.declaredLength
}

// Finalize flushes the head (when the handler wrote no body) and unwinds
// the encode chain in order: compressor, then the transport framing closer.
// Idempotent; every error is attempted and aggregated rather than
// short-circuiting.
func (r *Response) Finalize() error {
	if r.finalized {
		return nil
	}
	r.finalized = true

	var errs error
	if !r.headWritten {
		// A handler that never wrote anything still gets its headers out;
		// undeclared length becomes an empty body.
		if !r.hasLength {
			r.declaredLength = 0
			r.hasLength = true
		}
		errs = multierr.Append(errs, r.flushHead())
	}
	if r.compressor != nil {
		errs = multierr.Append(errs, r.compressor.Close())
	}
	if r.frameCloser != nil {
		errs = multierr.Append(errs, r.frameCloser.Close())
	}
	if r.transportCloser != nil && !r.switched {
		errs = multierr.Append(errs, r.transportCloser.Close())
	}
	return errs
}
