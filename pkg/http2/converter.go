package http2

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/WhileEndless/rawhttpd/pkg/errors"
)

// Converter owns the HPACK encoder/decoder pair for one session. Request
// header blocks decode into RequestHeaders; response status/header sets
// encode into the header block fragment a HEADERS frame carries. Not safe
// for concurrent use; the session serializes access.
type Converter struct {
	encoder *hpack.Encoder
	decoder *hpack.Decoder
	encBuf  bytes.Buffer
}

// NewConverter creates a Converter with the given dynamic table size.
func NewConverter(tableSize uint32) *Converter {
	c := &Converter{}
	c.encoder = hpack.NewEncoder(&c.encBuf)
	c.encoder.SetMaxDynamicTableSize(tableSize)
	c.decoder = hpack.NewDecoder(tableSize, nil)
	return c
}

// DecodeRequestHeaders decodes one header block fragment into the
// pseudo-header fields and regular-header multimap of an inbound request.
func (c *Converter) DecodeRequestHeaders(block []byte) (*RequestHeaders, error) {
	fields, err := c.decoder.DecodeFull(block)
	if err != nil {
		return nil, errors.NewProtocolError("decoding header block", err)
	}
	return RequestFromFields(fields)
}

// RequestFromFields assembles decoded HPACK fields into RequestHeaders,
// validating pseudo-header placement per RFC 7540 §8.1.2.1.
func RequestFromFields(fields []hpack.HeaderField) (*RequestHeaders, error) {
	req := &RequestHeaders{Headers: make(map[string][]string)}
	pseudoDone := false
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			if pseudoDone {
				return nil, errors.NewProtocolError("pseudo-header after regular header", nil)
			}
			switch f.Name {
			case ":method":
				req.Method = f.Value
			case ":path":
				req.Path = f.Value
			case ":scheme":
				req.Scheme = f.Value
			case ":authority":
				req.Authority = f.Value
			default:
				return nil, errors.NewProtocolError("unknown pseudo-header "+f.Name, nil)
			}
			continue
		}
		pseudoDone = true
		if isConnectionSpecificHeader(f.Name) {
			return nil, errors.NewProtocolError("connection-specific header "+f.Name+" in HTTP/2 request", nil)
		}
		req.Headers[f.Name] = append(req.Headers[f.Name], f.Value)
	}

	if req.Method == "" || req.Path == "" {
		return nil, errors.NewProtocolError("missing :method or :path", nil)
	}
	return req, nil
}

// EncodeResponseHeaders encodes a response's :status pseudo-header plus
// headers into one header block fragment. Header names are lowercased on
// the way out; connection-specific headers are dropped since HTTP/2 frames
// carry their meaning natively.
func (c *Converter) EncodeResponseHeaders(status int, headers map[string][]string) ([]byte, error) {
	c.encBuf.Reset()

	if err := c.encoder.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)}); err != nil {
		return nil, errors.NewProtocolError("encoding :status", err)
	}

	for name, values := range headers {
		lower := strings.ToLower(name)
		if isConnectionSpecificHeader(lower) {
			continue
		}
		for _, v := range values {
			if err := c.encoder.WriteField(hpack.HeaderField{Name: lower, Value: v}); err != nil {
				return nil, errors.NewProtocolError("encoding header "+lower, err)
			}
		}
	}

	// Copy out: encBuf is reused by the next EncodeResponseHeaders call.
	out := make([]byte, c.encBuf.Len())
	copy(out, c.encBuf.Bytes())
	return out, nil
}

// isConnectionSpecificHeader reports whether name (lowercase) is one of the
// hop-by-hop headers RFC 7540 §8.1.2.2 forbids in HTTP/2.
func isConnectionSpecificHeader(name string) bool {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade", "te":
		return true
	}
	return false
}
