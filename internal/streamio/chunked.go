// Package streamio provides the body decode/encode filter chain: chunked
// transfer-coding, length limiting, read timeouts, content-coding
// compressors, a counting writer, and a null sink. Each filter is a thin
// io.Reader/io.Writer over an underlying byte stream, composed per request
// by the body opener and per response by the head writer.
package streamio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/WhileEndless/rawhttpd/pkg/constants"
	rherrors "github.com/WhileEndless/rawhttpd/pkg/errors"
)

// ChunkedReader decodes an RFC 7230 §4.1 chunked transfer-coded body.
type ChunkedReader struct {
	r       *bufio.Reader
	remain  int64 // bytes left in the current chunk
	done    bool
	trailer map[string][]string
}

// NewChunkedReader wraps r, decoding chunked framing as bytes are read.
func NewChunkedReader(r *bufio.Reader) *ChunkedReader {
	return &ChunkedReader{r: r}
}

func (c *ChunkedReader) Read(p []byte) (int, error) {
	if c.done {
		return 0, io.EOF
	}

	if c.remain == 0 {
		if err := c.readChunkHeader(); err != nil {
			return 0, err
		}
		if c.done {
			if err := c.readTrailer(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
	}

	max := int64(len(p))
	if max > c.remain {
		max = c.remain
	}
	n, err := c.r.Read(p[:max])
	c.remain -= int64(n)
	if err != nil {
		return n, rherrors.NewProtocolError("reading chunk body", err)
	}

	if c.remain == 0 {
		// consume trailing CRLF after the chunk data
		if _, err := c.r.Discard(2); err != nil {
			return n, rherrors.NewIOError("reading chunk CRLF", err)
		}
	}

	return n, nil
}

// maxChunkHeaderBytes bounds a chunk-size line (hex size plus extensions);
// maxTrailerLineBytes matches the header-line cap for trailer fields.
const (
	maxChunkHeaderBytes = 256
	maxTrailerLineBytes = constants.MaxHeaderLineBytes
)

func (c *ChunkedReader) readChunkHeader() error {
	line, err := readCappedChunkLine(c.r, maxChunkHeaderBytes, "chunk-size")
	if err != nil {
		return err
	}
	sizeStr := strings.SplitN(line, ";", 2)[0]

	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
	if err != nil || size < 0 {
		return rherrors.NewBadRequestError("chunked", fmt.Sprintf("invalid chunk size %q", sizeStr), err)
	}

	if size == 0 {
		c.done = true
		return nil
	}
	c.remain = size
	return nil
}

func (c *ChunkedReader) readTrailer() error {
	for {
		line, err := readCappedChunkLine(c.r, maxTrailerLineBytes, "chunk-trailer")
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

// readCappedChunkLine reads one LF-terminated line byte by byte, aborting
// as soon as the cap is exceeded so a newline-less drip feed cannot grow
// the line unbounded. The trailing CR, if any, is stripped.
func readCappedChunkLine(r *bufio.Reader, max int, op string) (string, error) {
	var b strings.Builder
	for {
		ch, err := r.ReadByte()
		if err != nil {
			return "", rherrors.NewProtocolError("reading "+op, err)
		}
		if ch == '\n' {
			return strings.TrimSuffix(b.String(), "\r"), nil
		}
		if b.Len() >= max {
			return "", rherrors.NewOversizeError(op, int64(max))
		}
		b.WriteByte(ch)
	}
}

// ChunkedWriter encodes writes as RFC 7230 §4.1 chunked transfer-coding.
type ChunkedWriter struct {
	w      io.Writer
	closed bool
}

// NewChunkedWriter wraps w, emitting chunk framing around every Write.
func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

func (c *ChunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, rherrors.NewIOError("writing chunk size", err)
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, rherrors.NewIOError("writing chunk body", err)
	}
	if _, err := c.w.Write([]byte("\r\n")); err != nil {
		return n, rherrors.NewIOError("writing chunk CRLF", err)
	}
	return n, nil
}

// Close writes the terminating zero-length chunk. Idempotent.
func (c *ChunkedWriter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_, err := c.w.Write([]byte("0\r\n\r\n"))
	if err != nil {
		return rherrors.NewIOError("writing final chunk", err)
	}
	return nil
}
