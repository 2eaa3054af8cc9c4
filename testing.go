package rawhttpd

import (
	"bytes"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/WhileEndless/rawhttpd/internal/errorpage"
	"github.com/WhileEndless/rawhttpd/internal/reqres"
	"github.com/WhileEndless/rawhttpd/internal/streamio"
)

// CreateTestRequest builds a Request for exercising a handler without a
// connection. headers may be nil; body may be empty. URL parsing, query
// parsing, and cookie parsing run with the default options so the request
// looks exactly like one produced by the engine.
func CreateTestRequest(method, rawURL string, headers map[string][]string, body string) *Request {
	canonical := make(map[string][]string, len(headers))
	for name, values := range headers {
		canonical[textproto.CanonicalMIMEHeaderKey(name)] = values
	}

	req := reqres.NewRequest(method, rawURL, "HTTP/1.1", canonical, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	})
	req.Host = "localhost"
	if h := req.Header("Host"); h != "" {
		req.Host = h
	}
	req.Persistent = true
	_ = req.ParseTarget(DefaultOptions)
	req.ParseCookies()
	return req
}

// TestResponseRecorder captures everything a handler writes.
type TestResponseRecorder struct {
	// Wire receives the response exactly as an HTTP/1.1 connection would:
	// status line, headers, then the (possibly chunked) body.
	Wire bytes.Buffer
}

// CreateTestResponse builds a Response wired to an in-memory recorder, for
// exercising a handler without a connection.
func CreateTestResponse() (*Response, *TestResponseRecorder) {
	rec := &TestResponseRecorder{}
	resp := reqres.NewResponse()
	resp.Bind(reqres.BindConfig{
		HeadWriter: func(r *Response) (io.Writer, bool, error) {
			length, hasLength := r.ContentLength()
			useChunked := !hasLength

			rec.Wire.WriteString("HTTP/1.1 ")
			rec.Wire.WriteString(statusLine(r))
			rec.Wire.WriteString("\r\n")
			for name, values := range r.Headers {
				for _, v := range values {
					rec.Wire.WriteString(name + ": " + v + "\r\n")
				}
			}
			if useChunked {
				rec.Wire.WriteString("Transfer-Encoding: chunked\r\n")
			} else if len(r.Headers["Content-Length"]) == 0 {
				rec.Wire.WriteString("Content-Length: " + strconv.FormatInt(length, 10) + "\r\n")
			}
			rec.Wire.WriteString("\r\n")
			return &rec.Wire, useChunked, nil
		},
		Encoding: streamio.EncodingIdentity,
	})
	return resp, rec
}

func statusLine(r *Response) string {
	phrase := r.StatusPhrase
	if phrase == "" {
		phrase = errorpage.StatusText(r.Status)
	}
	return strconv.Itoa(r.Status) + " " + phrase
}
