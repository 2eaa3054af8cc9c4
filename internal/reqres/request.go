// Package reqres defines the protocol-neutral Request/Response pair the
// engine hands to user handlers. The same handler code runs unmodified over
// an HTTP/1 connection or an HTTP/2 stream: the protocol-specific parts are
// injected as a lazy body opener on the Request and a head writer on the
// Response, so neither object knows which wire format is underneath.
package reqres

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/WhileEndless/rawhttpd/internal/httpwire"
	"github.com/WhileEndless/rawhttpd/pkg/buffer"
	rherrors "github.com/WhileEndless/rawhttpd/pkg/errors"
	"github.com/WhileEndless/rawhttpd/pkg/session"
	"github.com/WhileEndless/rawhttpd/pkg/timing"
	"github.com/WhileEndless/rawhttpd/pkg/transport"
)

// CookiePair is one name/value pair from the Cookie header. Cookies form an
// ordered multimap: the same name may appear more than once, and first
// insertion wins on single-key access.
type CookiePair struct {
	Name  string
	Value string
}

// UploadedFile describes one file part of a multipart form, spooled to a
// temporary file that is deleted when the request is finalized.
type UploadedFile struct {
	FieldName   string
	FileName    string
	ContentType string
	TempPath    string
	Size        int64
}

// Request is the protocol-neutral view of an inbound HTTP request.
type Request struct {
	Method      string
	RawURL      string // request target exactly as received
	HTTPVersion string // "HTTP/1.0", "HTTP/1.1", "HTTP/2.0"
	Headers     map[string][]string
	Host        string

	// Populated by ParseTarget per the context's option flags.
	Path     string
	Query    url.Values
	Username string
	Password string

	// Populated by ParseCookies / the session lookup.
	Cookies []CookiePair
	Session *session.Session

	// Populated by ParseBody per the context's option flags.
	Form  url.Values
	Files []*UploadedFile
	JSON  interface{}

	// Connection identity, shared by every request on one connection.
	ConnectionID uuid.UUID
	Conn         *transport.ConnectionMetadata

	PeerAddr net.Addr
	PeerIP   string // normalized: ::ffff:-mapped IPv4 rendered as plain IPv4
	TLS      bool

	// Persistent records the keep-alive decision made at parse time:
	// HTTP/1.1 without Connection: close, or HTTP/1.0 with keep-alive.
	Persistent bool

	CreatedAt time.Time
	Timer     *timing.Timer

	bodyOpener func() (io.ReadCloser, error)
	body       io.ReadCloser
	bodyErr    error
	bodyOpened bool

	arena *buffer.Buffer
}

// NewRequest constructs a Request whose Body() lazily invokes opener.
func NewRequest(method, rawURL, httpVersion string, headers map[string][]string, opener func() (io.ReadCloser, error)) *Request {
	return &Request{
		Method:      method,
		RawURL:      rawURL,
		Path:        rawURL,
		HTTPVersion: httpVersion,
		Headers:     headers,
		bodyOpener:  opener,
		CreatedAt:   time.Now(),
		Timer:       timing.NewTimer(),
	}
}

// Body returns the request body reader, building the decode chain on first
// call and returning the same object on every subsequent call.
func (r *Request) Body() (io.ReadCloser, error) {
	if !r.bodyOpened {
		r.bodyOpened = true
		if r.bodyOpener != nil {
			r.body, r.bodyErr = r.bodyOpener()
		} else {
			r.body, r.bodyErr = io.NopCloser(noBody{}), nil
		}
	}
	return r.body, r.bodyErr
}

type noBody struct{}

func (noBody) Read([]byte) (int, error) { return 0, io.EOF }

// Header returns the first value of the named header.
func (r *Request) Header(name string) string {
	return httpwire.GetHeader(r.Headers, name)
}

// Cookie returns the first value recorded for name, honoring insertion
// order when a name repeats.
func (r *Request) Cookie(name string) (string, bool) {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// SetPeer records the peer address, normalizing ::ffff: IPv4-in-IPv6
// addresses down to plain IPv4.
func (r *Request) SetPeer(addr net.Addr) {
	r.PeerAddr = addr
	if addr == nil {
		return
	}
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			host = v4.String()
		}
	}
	r.PeerIP = host
}

// ParseTarget applies the ParseURL/ParseQueryString option flags to the raw
// request target.
func (r *Request) ParseTarget(opts Options) error {
	if !opts.Has(ParseURL) && !opts.Has(ParseQueryString) {
		return nil
	}

	u, err := url.ParseRequestURI(r.RawURL)
	if err != nil {
		// Absolute-form and asterisk-form targets are passed through
		// unparsed rather than rejected.
		return nil
	}
	r.Path = u.Path
	if u.User != nil {
		r.Username = u.User.Username()
		r.Password, _ = u.User.Password()
	}
	if opts.Has(ParseQueryString) {
		q, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			return rherrors.NewBadRequestError("query", "malformed query string", err)
		}
		r.Query = q
	}
	return nil
}

// ParseCookies splits every Cookie header into the ordered Cookies list.
func (r *Request) ParseCookies() {
	for _, headerVal := range r.Headers["Cookie"] {
		for _, pair := range httpwire.ParseCookieHeader(headerVal) {
			r.Cookies = append(r.Cookies, CookiePair{Name: pair.Name, Value: pair.Value})
		}
	}
}

// OpenSession resolves the session cookie against store, attaching the
// first cookie value that maps to a live session.
func (r *Request) OpenSession(store session.Store) {
	if store == nil {
		return
	}
	for _, c := range r.Cookies {
		if c.Name != session.CookieName {
			continue
		}
		if s, ok := store.Open(c.Value); ok {
			r.Session = s
			return
		}
	}
}

// ParseBody drains the request body into Form/Files/JSON according to the
// Content-Type and the enabled option flags. A body that is neither form
// nor JSON is left unread for the handler.
func (r *Request) ParseBody(opts Options, maxJSONBytes int64) error {
	ctype := r.Header("Content-Type")
	if ctype == "" {
		return nil
	}
	mediaType, params, err := mime.ParseMediaType(ctype)
	if err != nil {
		return nil
	}

	switch {
	case mediaType == "application/x-www-form-urlencoded" && opts.Has(ParseFormBody):
		return r.parseURLEncodedForm(maxJSONBytes)
	case mediaType == "multipart/form-data" && opts.Has(ParseFormBody) && opts.Has(ParseMultiPartBody):
		return r.parseMultipartForm(params["boundary"])
	case mediaType == "application/json" && opts.Has(ParseJSONBody):
		return r.parseJSONBody(maxJSONBytes)
	}
	return nil
}

func (r *Request) parseURLEncodedForm(maxBytes int64) error {
	body, err := r.Body()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(body, maxBytes))
	if err != nil {
		return err
	}
	form, err := url.ParseQuery(string(data))
	if err != nil {
		return rherrors.NewBadRequestError("form", "malformed urlencoded body", err)
	}
	r.Form = form
	return nil
}

func (r *Request) parseMultipartForm(boundary string) error {
	if boundary == "" {
		return rherrors.NewBadRequestError("multipart", "missing multipart boundary", nil)
	}
	body, err := r.Body()
	if err != nil {
		return err
	}

	if r.Form == nil {
		r.Form = make(url.Values)
	}
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return rherrors.NewBadRequestError("multipart", "malformed multipart body", err)
		}

		if part.FileName() == "" {
			data, err := io.ReadAll(part)
			if err != nil {
				return rherrors.NewIOError("reading form field", err)
			}
			r.Form.Add(part.FormName(), string(data))
			continue
		}

		tmp, err := os.CreateTemp("", "rawhttpd-upload-*")
		if err != nil {
			return rherrors.NewIOError("creating upload temp file", err)
		}
		size, err := io.Copy(tmp, part)
		closeErr := tmp.Close()
		if err != nil {
			os.Remove(tmp.Name())
			return rherrors.NewIOError("spooling upload", err)
		}
		if closeErr != nil {
			os.Remove(tmp.Name())
			return rherrors.NewIOError("closing upload temp file", closeErr)
		}
		r.Files = append(r.Files, &UploadedFile{
			FieldName:   part.FormName(),
			FileName:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			TempPath:    tmp.Name(),
			Size:        size,
		})
	}
}

func (r *Request) parseJSONBody(maxBytes int64) error {
	body, err := r.Body()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(body, maxBytes))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return rherrors.NewBadRequestError("json", "malformed JSON body", err)
	}
	r.JSON = parsed
	return nil
}

// Arena lazily allocates the request's spill-to-disk scratch buffer, which
// Close releases. The engine's own body handling does not use it: h2c
// upgrade bodies are read into memory and multipart files go to their own
// temp files.
func (r *Request) Arena(memLimit int64) *buffer.Buffer {
	if r.arena == nil {
		r.arena = buffer.New(memLimit)
	}
	return r.arena
}

// Close releases the request body, arena storage, and uploaded temp files.
// Safe to call multiple times.
func (r *Request) Close() error {
	var firstErr error
	if r.body != nil {
		if err := r.body.Close(); err != nil {
			firstErr = err
		}
		r.body = nil
	}
	if r.arena != nil {
		if err := r.arena.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.arena = nil
	}
	for _, f := range r.Files {
		if err := os.Remove(f.TempPath); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	r.Files = nil
	return firstErr
}
