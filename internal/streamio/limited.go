package streamio

import (
	"io"

	rherrors "github.com/WhileEndless/rawhttpd/pkg/errors"
)

// LimitedReader reads at most limit bytes from the wrapped reader. A body
// that ends exactly at the limit reads cleanly to EOF; the first byte past
// it raises an oversize error instead of a silent truncation.
type LimitedReader struct {
	r     io.Reader
	limit int64
	read  int64
	op    string
}

// NewLimitedReader wraps r, rejecting reads past limit bytes with an
// oversize error tagged with op (used in logs, e.g. "request body").
func NewLimitedReader(r io.Reader, limit int64, op string) *LimitedReader {
	return &LimitedReader{r: r, limit: limit, op: op}
}

func (l *LimitedReader) Read(p []byte) (int, error) {
	if l.read >= l.limit {
		// Probe one byte to tell an exactly-at-limit body (EOF) from an
		// oversize one.
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			return 0, rherrors.NewOversizeError(l.op, l.limit)
		}
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	max := l.limit - l.read
	if int64(len(p)) > max {
		p = p[:max]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	return n, err
}

// N reports how many bytes have been read so far.
func (l *LimitedReader) N() int64 {
	return l.read
}
