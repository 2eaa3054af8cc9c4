package http2

import (
	"io"
	"sync"

	"golang.org/x/net/http2"

	"github.com/WhileEndless/rawhttpd/pkg/errors"
)

// FrameHandler serializes frame writes from concurrent stream goroutines
// onto one Framer. Reads stay unguarded: only the session loop reads.
type FrameHandler struct {
	framer *http2.Framer

	wmu sync.Mutex
}

// NewFrameHandler wraps rw with a Framer sized to opts.
func NewFrameHandler(rw io.ReadWriter, opts Options) *FrameHandler {
	framer := http2.NewFramer(rw, rw)
	framer.SetMaxReadFrameSize(opts.MaxFrameSize)
	return &FrameHandler{framer: framer}
}

// ReadFrame reads the next frame off the connection. Session-loop only.
func (h *FrameHandler) ReadFrame() (http2.Frame, error) {
	return h.framer.ReadFrame()
}

// WriteSettings sends the server's SETTINGS frame.
func (h *FrameHandler) WriteSettings(settings []http2.Setting) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if err := h.framer.WriteSettings(settings...); err != nil {
		return errors.NewIOError("writing SETTINGS", err)
	}
	return nil
}

// WriteSettingsAck acknowledges the peer's SETTINGS frame.
func (h *FrameHandler) WriteSettingsAck() error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if err := h.framer.WriteSettingsAck(); err != nil {
		return errors.NewIOError("writing SETTINGS ack", err)
	}
	return nil
}

// WriteHeaders sends one HEADERS frame carrying an already-encoded block.
func (h *FrameHandler) WriteHeaders(streamID uint32, block []byte, endStream bool) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	err := h.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     endStream,
	})
	if err != nil {
		return errors.NewIOError("writing HEADERS", err)
	}
	return nil
}

// WriteData sends one DATA frame.
func (h *FrameHandler) WriteData(streamID uint32, data []byte, endStream bool) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if err := h.framer.WriteData(streamID, endStream, data); err != nil {
		return errors.NewIOError("writing DATA", err)
	}
	return nil
}

// WritePing sends a PING frame, or a PING ack when ack is set.
func (h *FrameHandler) WritePing(ack bool, data [8]byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if err := h.framer.WritePing(ack, data); err != nil {
		return errors.NewIOError("writing PING", err)
	}
	return nil
}

// WriteRSTStream aborts one stream.
func (h *FrameHandler) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if err := h.framer.WriteRSTStream(streamID, code); err != nil {
		return errors.NewIOError("writing RST_STREAM", err)
	}
	return nil
}

// WriteGoAway tells the peer no streams above lastStreamID will be
// processed, then the connection can wind down.
func (h *FrameHandler) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debug []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if err := h.framer.WriteGoAway(lastStreamID, code, debug); err != nil {
		return errors.NewIOError("writing GOAWAY", err)
	}
	return nil
}

// WriteWindowUpdate returns flow-control credit to the peer. streamID 0
// credits the connection window.
func (h *FrameHandler) WriteWindowUpdate(streamID, increment uint32) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if err := h.framer.WriteWindowUpdate(streamID, increment); err != nil {
		return errors.NewIOError("writing WINDOW_UPDATE", err)
	}
	return nil
}
