// Package httpwire parses and serializes the RFC 7230 wire format: request
// lines, header blocks, cookies, and HTTP dates. Parsing enforces both a
// per-line byte cap and a caller-supplied total-header budget.
package httpwire

import (
	"bufio"
	"net/textproto"
	"strings"

	"github.com/WhileEndless/rawhttpd/pkg/constants"
	rherrors "github.com/WhileEndless/rawhttpd/pkg/errors"
)

// RequestLine is the parsed first line of an HTTP request.
type RequestLine struct {
	Method      string
	Target      string
	HTTPVersion string // "HTTP/1.0" or "HTTP/1.1"
}

// ReadRequestLine reads and parses one request line from r, enforcing the
// per-line byte cap before the line can even be split.
func ReadRequestLine(r *bufio.Reader) (RequestLine, error) {
	line, err := readCappedLine(r, constants.MaxHeaderLineBytes, "request-line")
	if err != nil {
		return RequestLine{}, err
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return RequestLine{}, rherrors.NewBadRequestError("request-line", "malformed request line: "+line, nil)
	}

	return RequestLine{
		Method:      parts[0],
		Target:      parts[1],
		HTTPVersion: parts[2],
	}, nil
}

// readCappedLine reads one LF-terminated line byte by byte, aborting the
// moment the cap is exceeded: a client dripping bytes with no newline is
// cut off at the cap, not after an unbounded line finally completes.
// The trailing CR, if any, is stripped.
func readCappedLine(r *bufio.Reader, max int, op string) (string, error) {
	var b strings.Builder
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", rherrors.NewProtocolError("reading "+op, err)
		}
		if c == '\n' {
			return strings.TrimSuffix(b.String(), "\r"), nil
		}
		if b.Len() >= max {
			return "", rherrors.NewOversizeError(op, int64(max))
		}
		b.WriteByte(c)
	}
}

// ReadHeaders reads a CRLF-terminated header block, enforcing the per-line
// cap (constants.MaxHeaderLineBytes) and a total-bytes cap as the bytes
// arrive, folding obs-fold continuation lines per RFC 7230 §3.2.4.
func ReadHeaders(r *bufio.Reader, maxTotal int64) (map[string][]string, error) {
	headers := make(map[string][]string)
	var total int64
	var lastKey string

	for {
		// Never read past the total budget: the per-line cap shrinks to
		// whatever remains of it.
		lineCap := int64(constants.MaxHeaderLineBytes)
		if remaining := maxTotal - total; remaining < lineCap {
			lineCap = remaining
		}
		if lineCap <= 0 {
			return nil, rherrors.NewOversizeError("request-headers", maxTotal)
		}
		line, err := readCappedLine(r, int(lineCap), "header-line")
		if err != nil {
			if rherrors.IsOversizeError(err) && int64(constants.MaxHeaderLineBytes) > lineCap {
				return nil, rherrors.NewOversizeError("request-headers", maxTotal)
			}
			return nil, err
		}

		total += int64(len(line)) + 2
		if total > maxTotal {
			return nil, rherrors.NewOversizeError("request-headers", maxTotal)
		}

		if line == "" {
			break
		}

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if lastKey == "" {
				continue
			}
			idx := len(headers[lastKey]) - 1
			headers[lastKey][idx] = headers[lastKey][idx] + " " + strings.TrimSpace(line)
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, rherrors.NewBadRequestError("header", "malformed header line: "+line, nil)
		}

		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		headers[key] = append(headers[key], value)
		lastKey = key
	}

	return headers, nil
}

// GetHeader returns the first value for key, canonicalizing key the way
// the headers map itself is keyed.
func GetHeader(headers map[string][]string, key string) string {
	if values, ok := headers[textproto.CanonicalMIMEHeaderKey(key)]; ok && len(values) > 0 {
		return values[0]
	}
	return ""
}
