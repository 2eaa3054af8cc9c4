package http2

import (
	"io"
	"sync"

	"github.com/WhileEndless/rawhttpd/pkg/errors"
)

// Stream is one server-side HTTP/2 stream: the decoded request headers, an
// io.Reader over the inbound DATA frames, and the response header/data
// write path. The session loop feeds the body buffer; the stream's handler
// goroutine reads it and writes the response.
type Stream struct {
	ID      uint32
	Request *RequestHeaders

	session *Session

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	bodyEOF bool
	bodyErr error
	state   StreamState

	respHeadersSent bool
	respClosed      bool
}

func newStream(id uint32, req *RequestHeaders, sess *Session) *Stream {
	s := &Stream{
		ID:      id,
		Request: req,
		session: sess,
		state:   StreamOpen,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// State reports the stream's current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// pushData is called by the session loop with one DATA frame's payload.
func (s *Stream) pushData(p []byte, endStream bool) {
	s.mu.Lock()
	s.buf = append(s.buf, p...)
	if endStream {
		s.bodyEOF = true
		if s.state == StreamOpen {
			s.state = StreamHalfClosedRemote
		}
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// closeRemote marks the inbound side finished without more data (END_STREAM
// on the HEADERS frame, or a stream reset).
func (s *Stream) closeRemote(err error) {
	s.mu.Lock()
	s.bodyEOF = true
	s.bodyErr = err
	if s.state == StreamOpen {
		s.state = StreamHalfClosedRemote
	}
	if err != nil {
		s.state = StreamClosed
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Read implements io.Reader over the request body, blocking until DATA
// arrives or the inbound side ends. Returning consumed bytes also returns
// flow-control credit to the peer.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	for len(s.buf) == 0 && !s.bodyEOF {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		err := s.bodyErr
		s.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	s.mu.Unlock()

	s.session.returnCredit(s.ID, uint32(n))
	return n, nil
}

// WriteHeaders emits the response HEADERS frame for this stream: :status
// plus the header multimap, structured rather than textual. endStream marks
// a bodyless response.
func (s *Stream) WriteHeaders(status int, headers map[string][]string, endStream bool) error {
	s.mu.Lock()
	if s.respHeadersSent {
		s.mu.Unlock()
		return errors.NewProtocolError("response headers already sent", nil)
	}
	s.respHeadersSent = true
	if endStream {
		s.respClosed = true
		s.transitionLocalClosedLocked()
	}
	s.mu.Unlock()

	return s.session.writeHeaders(s.ID, status, headers, endStream)
}

// Write sends one DATA frame carrying p. Headers must already be on the
// wire.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if !s.respHeadersSent {
		s.mu.Unlock()
		return 0, errors.NewProtocolError("DATA before response headers", nil)
	}
	if s.respClosed {
		s.mu.Unlock()
		return 0, errors.NewIOError("write on closed stream", nil)
	}
	s.mu.Unlock()

	if err := s.session.writeData(s.ID, p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite ends the response with an empty END_STREAM DATA frame.
// Idempotent.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	if s.respClosed {
		s.mu.Unlock()
		return nil
	}
	if !s.respHeadersSent {
		s.mu.Unlock()
		return errors.NewProtocolError("closing stream before response headers", nil)
	}
	s.respClosed = true
	s.transitionLocalClosedLocked()
	s.mu.Unlock()

	return s.session.writeData(s.ID, nil, true)
}

func (s *Stream) transitionLocalClosedLocked() {
	switch s.state {
	case StreamHalfClosedRemote:
		s.state = StreamClosed
	case StreamOpen:
		s.state = StreamHalfClosedLocal
	}
}

// Close tears the stream down and removes it from the session's table.
func (s *Stream) Close() error {
	s.closeRemote(nil)
	s.mu.Lock()
	s.state = StreamClosed
	s.mu.Unlock()
	s.session.removeStream(s.ID)
	return nil
}
