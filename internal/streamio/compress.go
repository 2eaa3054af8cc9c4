package streamio

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"strings"

	rherrors "github.com/WhileEndless/rawhttpd/pkg/errors"
)

// Encoding names the content-coding negotiated via Accept-Encoding.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingGzip     Encoding = "gzip"
	EncodingDeflate  Encoding = "deflate"
)

// NegotiateEncoding scans an Accept-Encoding header left to right and
// returns the first coding this engine supports, so the client's
// preference order decides between gzip and deflate.
func NegotiateEncoding(acceptEncoding string) Encoding {
	for _, part := range strings.Split(acceptEncoding, ",") {
		name := part
		if idx := strings.IndexByte(part, ';'); idx >= 0 {
			name = part[:idx]
		}
		switch strings.TrimSpace(name) {
		case "gzip", "x-gzip":
			return EncodingGzip
		case "deflate":
			return EncodingDeflate
		}
	}
	return EncodingIdentity
}

// CompressWriteCloser is the common surface of the two supported
// content-coding encoders.
type CompressWriteCloser interface {
	io.WriteCloser
}

// NewCompressWriter wraps w with the encoder for enc, or, for
// EncodingIdentity, passes writes straight to w behind a no-op Close.
func NewCompressWriter(w io.Writer, enc Encoding) (CompressWriteCloser, error) {
	switch enc {
	case EncodingGzip:
		return gzip.NewWriter(w), nil
	case EncodingDeflate:
		fw, err := flate.NewWriter(w, flate.DefaultCompression)
		if err != nil {
			return nil, rherrors.NewIOError("opening deflate writer", err)
		}
		return fw, nil
	case EncodingIdentity, "":
		return nopWriteCloser{w}, nil
	default:
		return nil, rherrors.NewValidationError("unsupported content-coding: " + string(enc))
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
