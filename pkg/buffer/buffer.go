// Package buffer provides the per-request arena: a byte store that lives
// in memory up to the configured body-memory threshold and spools to a
// temporary file beyond it, with an absolute cap so no request can buffer
// unbounded data. Request.Arena hands out one per request and
// Request.Close releases it; the engine's h2c and multipart paths do not
// stage data here.
package buffer

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/WhileEndless/rawhttpd/pkg/constants"
	"github.com/WhileEndless/rawhttpd/pkg/errors"
)

// Buffer stores data in memory until it crosses memLimit, then
// transparently moves everything to a temp file; writes past hardCap are
// rejected outright. The mutex makes Close safe against a finalizer
// racing a late writer.
type Buffer struct {
	buf      bytes.Buffer
	file     *os.File
	path     string
	size     int64
	memLimit int64
	hardCap  int64
	mu       sync.Mutex
	closed   bool
}

// New creates a Buffer that spills past memLimit bytes and refuses writes
// past the engine-wide buffered-body cap. memLimit <= 0 selects the
// default body-memory threshold.
func New(memLimit int64) *Buffer {
	return NewWithLimits(memLimit, constants.MaxRawBufferSize)
}

// NewWithLimits creates a Buffer with an explicit spill threshold and
// absolute size cap. hardCap <= 0 means uncapped.
func NewWithLimits(memLimit, hardCap int64) *Buffer {
	if memLimit <= 0 {
		memLimit = constants.DefaultBodyMemLimit
	}
	return &Buffer{memLimit: memLimit, hardCap: hardCap}
}

// NewWithData creates a Buffer pre-filled with data.
func NewWithData(data []byte) *Buffer {
	b := NewWithLimits(0, constants.MaxRawBufferSize)
	b.size = int64(len(data))
	b.buf.Write(data)
	return b
}

// Write appends p, spilling to disk once the memory threshold is crossed.
// A write that would push the total past the hard cap fails whole, before
// any byte of it is stored.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.NewIOError("buffer is closed", nil)
	}
	if b.hardCap > 0 && b.size+int64(len(p)) > b.hardCap {
		return 0, errors.NewOversizeError("buffered body", b.hardCap)
	}

	b.size += int64(len(p))

	if b.file == nil && int64(b.buf.Len()+len(p)) <= b.memLimit {
		return b.buf.Write(p)
	}

	if b.file == nil {
		tmp, err := os.CreateTemp("", "rawhttpd-body-*.tmp")
		if err != nil {
			return 0, errors.NewIOError("creating temp file", err)
		}
		// Record the file before the first write so Close always cleans up.
		b.file = tmp
		b.path = tmp.Name()

		if b.buf.Len() > 0 {
			if _, err := tmp.Write(b.buf.Bytes()); err != nil {
				b.closed = true
				_ = b.closeLocked()
				return 0, errors.NewIOError("writing to temp file", err)
			}
		}
		b.buf.Reset()
	}

	n, err := b.file.Write(p)
	if err != nil {
		return n, errors.NewIOError("writing to temp file", err)
	}
	return n, nil
}

// Remaining reports how many more bytes fit under the hard cap, or -1
// when uncapped. Callers can use it to size reads into the buffer
// without tripping the cap mid-copy.
func (b *Buffer) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hardCap <= 0 {
		return -1
	}
	if b.size >= b.hardCap {
		return 0
	}
	return b.hardCap - b.size
}

// Bytes returns the in-memory data; nil once the payload spilled to disk.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		return nil
	}
	return b.buf.Bytes()
}

// Path returns the filesystem path backing a spilled payload, "" while
// the data is still in memory.
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Size returns the total bytes written.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsSpilled reports whether the payload moved to disk.
func (b *Buffer) IsSpilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file != nil
}

// Reader returns a fresh reader over the stored data.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewIOError("buffer is closed", nil)
	}

	if b.file != nil {
		if err := b.file.Sync(); err != nil {
			return nil, errors.NewIOError("syncing temp file", err)
		}
		f, err := os.Open(b.path)
		if err != nil {
			return nil, errors.NewIOError("opening temp file for reading", err)
		}
		return f, nil
	}

	return io.NopCloser(bytes.NewReader(b.buf.Bytes())), nil
}

// Close releases the backing file, if any, and removes it. Idempotent and
// safe for concurrent calls.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.closeLocked()
}

func (b *Buffer) closeLocked() error {
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	if removeErr := os.Remove(b.path); removeErr != nil && err == nil {
		err = removeErr
	}
	b.file = nil
	b.path = ""
	if err != nil {
		return errors.NewIOError("closing temp file", err)
	}
	return nil
}

// Reset clears the buffer for reuse, releasing any spilled file first.
func (b *Buffer) Reset() error {
	if err := b.Close(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	b.size = 0
	b.closed = false
	return nil
}
