package http2

import (
	"encoding/base64"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/WhileEndless/rawhttpd/pkg/errors"
)

// StreamHandler is invoked once per inbound stream, on its own goroutine.
// The handler owns the stream exclusively until it returns.
type StreamHandler func(*Stream)

// Session drives one HTTP/2 connection: the preface and SETTINGS exchange,
// the frame read loop, and the stream table. One Session per connection,
// owned by the connection driver's goroutine; stream handlers run
// concurrently and funnel their writes through the session's FrameHandler.
type Session struct {
	frames    *FrameHandler
	converter *Converter
	opts      Options
	handler   StreamHandler

	encMu sync.Mutex // serializes HPACK encode + HEADERS write as one unit

	mu           sync.Mutex
	streams      map[uint32]*Stream
	lastStreamID uint32
	goingAway    bool

	// Written by the frame loop on SETTINGS, read by stream goroutines
	// when chunking DATA writes.
	peerMaxFrameSize atomic.Uint32

	wg sync.WaitGroup
}

// NewSession creates a session over rw (the raw or TLS connection, possibly
// pre-buffered by the caller). handler is invoked per stream.
func NewSession(rw io.ReadWriter, opts Options, handler StreamHandler) *Session {
	if opts.MaxFrameSize == 0 {
		opts = DefaultOptions()
	}
	s := &Session{
		frames:    NewFrameHandler(rw, opts),
		converter: NewConverter(opts.HeaderTableSize),
		opts:      opts,
		handler:   handler,
		streams:   make(map[uint32]*Stream),
	}
	s.peerMaxFrameSize.Store(16384)
	s.frames.framer.ReadMetaHeaders = hpack.NewDecoder(opts.HeaderTableSize, nil)
	return s
}

// Serve reads the client preface, sends the server SETTINGS, and runs the
// frame loop until the connection ends. It returns only when the session is
// over; the caller closes the connection afterwards.
func (s *Session) Serve(r io.Reader) error {
	preface := make([]byte, len(ClientPreface))
	if _, err := io.ReadFull(r, preface); err != nil {
		return errors.NewProtocolError("reading connection preface", err)
	}
	if string(preface) != ClientPreface {
		return errors.NewProtocolError("bad connection preface", nil)
	}

	if err := s.frames.WriteSettings(settingsFromOptions(s.opts)); err != nil {
		return err
	}

	err := s.frameLoop()
	s.closeAllStreams()
	s.wg.Wait()
	return err
}

// ServeUpgraded runs the session for a connection promoted from HTTP/1.1
// via h2c Upgrade: the base64url HTTP2-Settings value seeds the peer's
// settings, and the already-parsed request becomes stream 1 with its body
// pre-buffered. The 101 response must already be on the wire; the response
// to the upgraded request goes out over stream 1. r must be positioned at
// the client preface that follows the upgrade request.
func (s *Session) ServeUpgraded(r io.Reader, settingsB64 string, req *RequestHeaders, body []byte) error {
	if err := s.applyEncodedSettings(settingsB64); err != nil {
		return err
	}

	if err := s.frames.WriteSettings(settingsFromOptions(s.opts)); err != nil {
		return err
	}

	st := newStream(1, req, s)
	st.pushData(body, true)
	s.mu.Lock()
	s.streams[1] = st
	s.lastStreamID = 1
	s.mu.Unlock()
	s.dispatch(st)

	preface := make([]byte, len(ClientPreface))
	if _, err := io.ReadFull(r, preface); err != nil {
		s.closeAllStreams()
		s.wg.Wait()
		return errors.NewProtocolError("reading post-upgrade preface", err)
	}
	if string(preface) != ClientPreface {
		s.closeAllStreams()
		s.wg.Wait()
		return errors.NewProtocolError("bad post-upgrade preface", nil)
	}

	err := s.frameLoop()
	s.closeAllStreams()
	s.wg.Wait()
	return err
}

// closeAllStreams wakes every handler still blocked on its body after the
// frame loop ends, so wg.Wait cannot hang on a dead connection.
func (s *Session) closeAllStreams() {
	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		st.closeRemote(errors.NewIOError("connection closed", nil))
	}
}

func (s *Session) frameLoop() error {
	for {
		frame, err := s.frames.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			if err := s.handleHeaders(f); err != nil {
				return err
			}
		case *http2.DataFrame:
			s.handleData(f)
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			s.applySettings(f)
			if err := s.frames.WriteSettingsAck(); err != nil {
				return err
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				if err := s.frames.WritePing(true, f.Data); err != nil {
					return err
				}
			}
		case *http2.RSTStreamFrame:
			if st := s.stream(f.StreamID); st != nil {
				st.closeRemote(errors.NewIOError("stream reset by peer", nil))
				s.removeStream(f.StreamID)
			}
		case *http2.GoAwayFrame:
			s.mu.Lock()
			s.goingAway = true
			n := len(s.streams)
			s.mu.Unlock()
			if n == 0 {
				return nil
			}
		case *http2.WindowUpdateFrame, *http2.PriorityFrame:
			// Flow-control credit and priority hints from the peer are
			// accepted and not tracked.
		}
	}
}

func (s *Session) handleHeaders(f *http2.MetaHeadersFrame) error {
	req, err := RequestFromFields(f.Fields)
	if err != nil {
		return s.frames.WriteRSTStream(f.StreamID, http2.ErrCodeProtocol)
	}

	s.mu.Lock()
	if s.goingAway || uint32(len(s.streams)) >= s.opts.MaxConcurrentStreams {
		s.mu.Unlock()
		return s.frames.WriteRSTStream(f.StreamID, http2.ErrCodeRefusedStream)
	}
	if f.StreamID <= s.lastStreamID || f.StreamID%2 == 0 {
		s.mu.Unlock()
		return s.frames.WriteGoAway(s.lastStreamID, http2.ErrCodeProtocol, nil)
	}
	st := newStream(f.StreamID, req, s)
	if f.StreamEnded() {
		st.bodyEOF = true
		st.state = StreamHalfClosedRemote
	}
	s.streams[f.StreamID] = st
	s.lastStreamID = f.StreamID
	s.mu.Unlock()

	s.dispatch(st)
	return nil
}

func (s *Session) handleData(f *http2.DataFrame) {
	st := s.stream(f.StreamID)
	if st == nil {
		_ = s.frames.WriteRSTStream(f.StreamID, http2.ErrCodeStreamClosed)
		return
	}
	data := make([]byte, len(f.Data()))
	copy(data, f.Data())
	st.pushData(data, f.StreamEnded())
}

func (s *Session) dispatch(st *Stream) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer st.Close()
		s.handler(st)
	}()
}

func (s *Session) stream(id uint32) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

func (s *Session) removeStream(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// writeHeaders encodes and writes one response HEADERS frame. Encode order
// must match wire order (the HPACK dynamic table is shared), so both happen
// under one lock.
func (s *Session) writeHeaders(streamID uint32, status int, headers map[string][]string, endStream bool) error {
	s.encMu.Lock()
	defer s.encMu.Unlock()

	block, err := s.converter.EncodeResponseHeaders(status, headers)
	if err != nil {
		return err
	}
	return s.frames.WriteHeaders(streamID, block, endStream)
}

// writeData chunks p to the peer's advertised max frame size.
func (s *Session) writeData(streamID uint32, p []byte, endStream bool) error {
	max := int(s.peerMaxFrameSize.Load())
	for len(p) > max {
		if err := s.frames.WriteData(streamID, p[:max], false); err != nil {
			return err
		}
		p = p[max:]
	}
	return s.frames.WriteData(streamID, p, endStream)
}

// returnCredit hands consumed body bytes back to the peer as WINDOW_UPDATE
// credit on both the stream and the connection.
func (s *Session) returnCredit(streamID, n uint32) {
	if n == 0 {
		return
	}
	_ = s.frames.WriteWindowUpdate(0, n)
	_ = s.frames.WriteWindowUpdate(streamID, n)
}

func (s *Session) applySettings(f *http2.SettingsFrame) {
	_ = f.ForeachSetting(func(setting http2.Setting) error {
		if setting.ID == http2.SettingMaxFrameSize && setting.Val >= 16384 {
			s.peerMaxFrameSize.Store(setting.Val)
		}
		return nil
	})
}

// applyEncodedSettings decodes an HTTP2-Settings header value: the
// base64url-encoded payload of a SETTINGS frame (RFC 7540 §3.2.1).
func (s *Session) applyEncodedSettings(b64 string) error {
	raw, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		// Tolerate padded values from sloppy clients.
		raw, err = base64.URLEncoding.DecodeString(b64)
		if err != nil {
			return errors.NewBadRequestError("h2c", "invalid HTTP2-Settings value", err)
		}
	}
	if len(raw)%6 != 0 {
		return errors.NewBadRequestError("h2c", "malformed HTTP2-Settings payload", nil)
	}
	for off := 0; off < len(raw); off += 6 {
		id := http2.SettingID(binary.BigEndian.Uint16(raw[off : off+2]))
		val := binary.BigEndian.Uint32(raw[off+2 : off+6])
		if id == http2.SettingMaxFrameSize && val >= 16384 {
			s.peerMaxFrameSize.Store(val)
		}
	}
	return nil
}
