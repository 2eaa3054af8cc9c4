// Package h1handler processes one HTTP/1.0/1.1 request on an accepted
// connection: parse the request line and headers under the configured
// limits, resolve the virtual host, detect an h2c upgrade, run the user
// handler, and finalize the response. The connection driver owns the
// keep-alive loop around it; the HTTP/2 adapter reuses ProcessRequest with
// its own parser and head-writing path.
package h1handler

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/WhileEndless/rawhttpd/internal/errorpage"
	"github.com/WhileEndless/rawhttpd/internal/httpwire"
	"github.com/WhileEndless/rawhttpd/internal/registry"
	"github.com/WhileEndless/rawhttpd/internal/reqres"
	"github.com/WhileEndless/rawhttpd/internal/streamio"
	"github.com/WhileEndless/rawhttpd/pkg/constants"
	rherrors "github.com/WhileEndless/rawhttpd/pkg/errors"
	"github.com/WhileEndless/rawhttpd/pkg/http2"
	"github.com/WhileEndless/rawhttpd/pkg/transport"
)

// H2CUpgrade carries everything the connection driver needs to promote the
// connection to an HTTP/2 session after a 101: the client's HTTP2-Settings
// value, the upgrade request re-shaped for stream 1, and its buffered body.
type H2CUpgrade struct {
	Settings string
	Request  *http2.RequestHeaders
	Body     []byte
}

// Result reports how one request left the connection.
type Result struct {
	KeepAlive bool
	Upgrade   *H2CUpgrade
	Hijacked  bool // SwitchProtocol handed the raw connection to the handler
}

// HandleOne reads and serves exactly one request from br. The driver calls
// it in a loop while KeepAlive stays true.
func HandleOne(br *bufio.Reader, conn net.Conn, reg *registry.Registry, listenCtx *registry.Context, meta *transport.ConnectionMetadata) Result {
	ctx := listenCtx

	line, err := httpwire.ReadRequestLine(br)
	if err != nil {
		writeRawError(conn, "HTTP/1.1", errorpage.Project(err, false))
		return Result{}
	}

	maxHeaders := ctx.MaxRequestHeaderSize
	if maxHeaders <= 0 {
		maxHeaders = constants.DefaultMaxRequestHeaderSize
	}
	headers, err := httpwire.ReadHeaders(br, maxHeaders)
	if err != nil {
		writeRawError(conn, line.HTTPVersion, errorpage.Project(err, false))
		return Result{}
	}

	var req *reqres.Request
	req = reqres.NewRequest(line.Method, line.Target, line.HTTPVersion, headers, func() (io.ReadCloser, error) {
		return openBody(br, conn, headers, ctx, req)
	})
	req.ConnectionID = meta.ConnectionID
	req.Conn = meta
	req.SetPeer(conn.RemoteAddr())
	req.TLS = meta.TLSVersion != ""
	req.Persistent = wantsKeepAlive(line.HTTPVersion, headers)

	hostHeader := httpwire.GetHeader(headers, "Host")
	if hostHeader == "" {
		writeRawError(conn, line.HTTPVersion, errorpage.Project(
			rherrors.NewBadRequestError("host", "missing Host header", nil), true))
		return Result{}
	}
	req.Host = hostHeader
	if better := reg.Lookup(meta.BindAddr, meta.BindPort, hostName(hostHeader)); better != nil {
		ctx = better
	}

	// Reject a hopeless Content-Length before any body byte is consumed.
	if cl := httpwire.GetHeader(headers, "Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 || n > constants.MaxContentLength {
			writeRawError(conn, line.HTTPVersion, errorpage.Project(
				rherrors.NewBadRequestError("content-length", "invalid Content-Length: "+cl, err), true))
			return Result{}
		}
		if n > maxRequestSize(ctx) {
			writeRawError(conn, line.HTTPVersion, errorpage.Project(
				rherrors.NewOversizeError("request body", maxRequestSize(ctx)), true))
			return Result{}
		}
	}

	if !ctx.Flags.Has(reqres.DisableHTTP2) && !req.TLS && isH2CUpgrade(headers) {
		if up, err := buildH2CUpgrade(req, headers); err == nil {
			if _, err := conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: h2c\r\n\r\n")); err != nil {
				return Result{}
			}
			return Result{Upgrade: up}
		}
	}

	resp := reqres.NewResponse()
	var closeDelimited bool
	hw := newHeadWriter(conn, line.HTTPVersion, req.Persistent, &closeDelimited)
	resp.Bind(reqres.BindConfig{
		HeadWriter: hw,
		Encoding:   negotiateEncoding(ctx, req),
		Conn:       conn,
		Store:      ctx.SessionStore,
		Request:    req,
		IsHead:     line.Method == "HEAD",
	})

	fatal := ProcessRequest(ctx, req, resp, conn)

	if resp.Switched() {
		return Result{Hijacked: true}
	}

	keep := req.Persistent
	if fatal || closeDelimited || resp.Truncated() || statusJustifiesClose(resp.Status) {
		keep = false
	}
	return Result{KeepAlive: keep}
}

// ProcessRequest runs the protocol-neutral half of the pipeline: option
// parsing, 100-continue, default headers, the user handler, the synthetic
// 404, body drain, finalize, and access logging. raw is the writer for the
// interim 100 Continue; nil on HTTP/2, where Expect has no meaning. The
// return reports an unrecoverable failure that must close the connection.
func ProcessRequest(ctx *registry.Context, req *reqres.Request, resp *reqres.Response, raw io.Writer) (fatal bool) {
	defer func() {
		if err := resp.Finalize(); err != nil {
			ctx.Log().Debugw("finalize", "error", err)
			fatal = true
		}
		if resp.Truncated() {
			fatal = true
		}
		ctx.LogAccess(req, resp)
		if err := req.Close(); err != nil {
			ctx.Log().Debugw("request close", "error", err)
		}
	}()

	flags := ctx.Flags
	if flags == 0 {
		flags = reqres.DefaultOptions
	}

	parseErr := req.ParseTarget(flags)
	if flags.Has(reqres.ParseCookies) {
		req.ParseCookies()
	}
	req.OpenSession(ctx.SessionStore)

	if raw != nil && strings.EqualFold(req.Header("Expect"), "100-continue") {
		if _, err := raw.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n")); err != nil {
			return true
		}
	}

	if parseErr == nil {
		parseErr = req.ParseBody(flags, maxRequestSize(ctx))
	}
	if parseErr != nil {
		errorpage.Render(req, resp, errorpage.Project(parseErr, true), ctx.ErrorPage)
		return false
	}

	installDefaultHeaders(ctx, req, resp)

	info, handlerFailed := invokeHandler(ctx, req, resp)
	if handlerFailed {
		if resp.HeaderWritten() {
			ctx.Log().Errorw("handler failed after headers were sent",
				"path", req.Path, "error", info.Err)
			return true
		}
		errorpage.Render(req, resp, info, ctx.ErrorPage)
		drainBody(req)
		return false
	}

	if !resp.HeaderWritten() {
		errorpage.Render(req, resp, reqres.ErrorInfo{
			Code:    404,
			Message: "no response written for path '" + req.Path + "'",
		}, ctx.ErrorPage)
	}

	drainBody(req)
	return false
}

func drainBody(req *reqres.Request) {
	if body, err := req.Body(); err == nil && body != nil {
		_, _ = streamio.Drain(body)
	}
}

// invokeHandler runs the user handler, converting a panic into the error
// taxonomy: a panicked HTTPStatusError keeps its status, anything else
// becomes a 500.
func invokeHandler(ctx *registry.Context, req *reqres.Request, resp *reqres.Response) (info reqres.ErrorInfo, failed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			withStack := ctx.Flags.Has(reqres.ErrorStackTraces) || ctx.Flags == 0
			info = errorpage.ProjectPanic(rec, withStack)
			failed = true
		}
	}()
	req.Timer.StartHandler()
	defer req.Timer.EndHandler()
	if ctx.Handler != nil {
		ctx.Handler(req, resp)
	}
	return reqres.ErrorInfo{}, false
}

func installDefaultHeaders(ctx *registry.Context, req *reqres.Request, resp *reqres.Response) {
	banner := ctx.Banner
	if banner == "" {
		banner = constants.DefaultServerBanner
	}
	_ = resp.SetHeader("Server", banner)
	_ = resp.SetHeader("Date", httpwire.FormatDate(time.Now()))
	if req.Persistent && req.HTTPVersion != "HTTP/2.0" {
		_ = resp.SetHeader("Keep-Alive", "timeout="+strconv.Itoa(keepAliveSeconds(ctx)))
	}
}

func negotiateEncoding(ctx *registry.Context, req *reqres.Request) streamio.Encoding {
	if !ctx.Compression {
		return streamio.EncodingIdentity
	}
	return streamio.NegotiateEncoding(req.Header("Accept-Encoding"))
}

func keepAliveSeconds(ctx *registry.Context) int {
	t := ctx.KeepAliveTimeout
	if t <= 0 {
		t = constants.DefaultKeepAliveTimeout
	}
	return int(t / time.Second)
}

func maxRequestSize(ctx *registry.Context) int64 {
	if ctx.MaxRequestSize > 0 {
		return ctx.MaxRequestSize
	}
	return constants.DefaultMaxRequestSize
}

// openBody assembles the request body decode chain: the wall-clock budget
// first, then either a length-limited reader (Content-Length) or a chunked
// decoder capped at the body size limit, or an empty body when the request
// declares neither.
func openBody(br *bufio.Reader, conn net.Conn, headers map[string][]string, ctx *registry.Context, req *reqres.Request) (io.ReadCloser, error) {
	maxBody := maxRequestSize(ctx)

	var src io.Reader = streamio.NewTimeoutReader(br, conn, keepAliveIdle(ctx))
	if ctx.MaxRequestTime > 0 {
		src = streamio.NewWallClockReader(src, req.CreatedAt, ctx.MaxRequestTime)
	}

	if te := strings.ToLower(httpwire.GetHeader(headers, "Transfer-Encoding")); te != "" {
		if te != "chunked" {
			return nil, rherrors.NewBadRequestError("transfer-encoding", "unsupported transfer coding: "+te, nil)
		}
		// The chunked source needs the bufio.Reader for line framing; the
		// timeout wrappers sit outside the decoder, re-arming the read
		// deadline before every decoded read.
		var decoded io.Reader = streamio.NewTimeoutReader(streamio.NewChunkedReader(br), conn, keepAliveIdle(ctx))
		if ctx.MaxRequestTime > 0 {
			decoded = streamio.NewWallClockReader(decoded, req.CreatedAt, ctx.MaxRequestTime)
		}
		return io.NopCloser(streamio.NewLimitedReader(decoded, maxBody, "request body")), nil
	}

	cl := httpwire.GetHeader(headers, "Content-Length")
	if cl == "" {
		return io.NopCloser(noBody{}), nil
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 || n > constants.MaxContentLength {
		return nil, rherrors.NewBadRequestError("content-length", "invalid Content-Length: "+cl, err)
	}
	if n > maxBody {
		return nil, rherrors.NewOversizeError("request body", maxBody)
	}
	return io.NopCloser(io.LimitReader(src, n)), nil
}

type noBody struct{}

func (noBody) Read([]byte) (int, error) { return 0, io.EOF }

func keepAliveIdle(ctx *registry.Context) time.Duration {
	if ctx.KeepAliveTimeout > 0 {
		return ctx.KeepAliveTimeout
	}
	return constants.DefaultKeepAliveTimeout
}

// hostName strips an optional :port (and brackets from an IPv6 literal)
// from a Host header value.
func hostName(hostHeader string) string {
	if strings.HasPrefix(hostHeader, "[") {
		if idx := strings.LastIndexByte(hostHeader, ']'); idx >= 0 {
			return hostHeader[1:idx]
		}
		return hostHeader
	}
	if idx := strings.LastIndexByte(hostHeader, ':'); idx >= 0 {
		return hostHeader[:idx]
	}
	return hostHeader
}

func wantsKeepAlive(httpVersion string, headers map[string][]string) bool {
	conn := strings.ToLower(httpwire.GetHeader(headers, "Connection"))
	if httpVersion == "HTTP/1.0" {
		return headerTokenPresent(conn, "keep-alive")
	}
	return !headerTokenPresent(conn, "close")
}

func headerTokenPresent(csv, token string) bool {
	for _, field := range strings.Split(csv, ",") {
		if strings.TrimSpace(field) == token {
			return true
		}
	}
	return false
}

func isH2CUpgrade(headers map[string][]string) bool {
	conn := strings.ToLower(httpwire.GetHeader(headers, "Connection"))
	upgrade := strings.ToLower(httpwire.GetHeader(headers, "Upgrade"))
	return headerTokenPresent(conn, "upgrade") &&
		headerTokenPresent(conn, "http2-settings") &&
		upgrade == "h2c" &&
		httpwire.GetHeader(headers, "Http2-Settings") != ""
}

// buildH2CUpgrade re-shapes the upgrade request for HTTP/2 stream 1,
// buffering any body already in flight so the stream can replay it.
func buildH2CUpgrade(req *reqres.Request, headers map[string][]string) (*H2CUpgrade, error) {
	body, err := req.Body()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	h2req := &http2.RequestHeaders{
		Method:    req.Method,
		Path:      req.RawURL,
		Scheme:    "http",
		Authority: req.Host,
		Headers:   make(map[string][]string),
	}
	for name, values := range headers {
		lower := strings.ToLower(name)
		switch lower {
		case "host", "connection", "upgrade", "http2-settings", "keep-alive", "transfer-encoding", "te":
			continue
		}
		h2req.Headers[lower] = append(h2req.Headers[lower], values...)
	}

	return &H2CUpgrade{
		Settings: httpwire.GetHeader(headers, "Http2-Settings"),
		Request:  h2req,
		Body:     data,
	}, nil
}

// newHeadWriter builds the HTTP/1 head emitter for one response. The
// framing decision happens here, at first-body-byte time: an explicit
// Content-Length goes straight through, an unbounded HTTP/1.1 body gets
// chunked, and an unbounded HTTP/1.0 body falls back to close-delimited
// framing (reported through closeDelimited).
func newHeadWriter(conn net.Conn, httpVersion string, persistent bool, closeDelimited *bool) reqres.HeadWriter {
	return func(r *reqres.Response) (io.Writer, bool, error) {
		length, hasLength := r.ContentLength()
		useChunked := false
		switch {
		case r.Status == 101 || r.Status == 204 || r.Status == 304:
			// No body framing headers on these.
		case hasLength:
		case httpVersion == "HTTP/1.1":
			useChunked = true
		default:
			*closeDelimited = true
		}

		phrase := r.StatusPhrase
		if phrase == "" {
			phrase = errorpage.StatusText(r.Status)
		}

		var b strings.Builder
		b.WriteString(httpVersion)
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(r.Status))
		b.WriteByte(' ')
		b.WriteString(phrase)
		b.WriteString("\r\n")

		for name, values := range r.Headers {
			for _, v := range values {
				b.WriteString(name)
				b.WriteString(": ")
				b.WriteString(v)
				b.WriteString("\r\n")
			}
		}

		switch {
		case r.Status == 101:
			// The handler supplied Upgrade/Connection itself.
		case useChunked:
			b.WriteString("Transfer-Encoding: chunked\r\n")
		case hasLength && len(r.Headers["Content-Length"]) == 0:
			b.WriteString("Content-Length: ")
			b.WriteString(strconv.FormatInt(length, 10))
			b.WriteString("\r\n")
		}

		if r.Status != 101 && len(r.Headers["Connection"]) == 0 {
			if persistent && !*closeDelimited && !statusJustifiesClose(r.Status) {
				b.WriteString("Connection: keep-alive\r\n")
			} else {
				b.WriteString("Connection: close\r\n")
			}
		}
		b.WriteString("\r\n")

		if _, err := conn.Write([]byte(b.String())); err != nil {
			return nil, false, rherrors.NewIOError("writing response head", err)
		}
		return conn, useChunked, nil
	}
}

func statusJustifiesClose(status int) bool {
	switch status {
	case 400, 408, 413, 414, 431, 497, 500, 502, 503:
		return true
	}
	return false
}

// writeRawError emits a minimal error response for failures that happen
// before a Response object exists (parse errors, missing Host).
func writeRawError(conn net.Conn, httpVersion string, info reqres.ErrorInfo) {
	if httpVersion != "HTTP/1.0" {
		httpVersion = "HTTP/1.1"
	}
	body := errorpage.DefaultPage(info)
	head := httpVersion + " " + strconv.Itoa(info.Code) + " " + errorpage.StatusText(info.Code) + "\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: close\r\n\r\n"
	_, _ = conn.Write([]byte(head + body))
}
