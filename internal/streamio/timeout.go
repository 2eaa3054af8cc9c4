package streamio

import (
	"io"
	"net"
	"time"

	rherrors "github.com/WhileEndless/rawhttpd/pkg/errors"
)

// deadlineConn is the minimal surface TimeoutReader needs from the
// underlying connection. net.Conn satisfies it directly.
type deadlineConn interface {
	SetReadDeadline(t time.Time) error
}

// TimeoutReader resets the connection's read deadline before every Read,
// enforcing an idle-read timeout on a per-call basis rather than across the
// whole body transfer, so a slow-but-steady client is never penalized for
// total transfer time.
type TimeoutReader struct {
	r       io.Reader
	conn    deadlineConn
	timeout time.Duration
}

// NewTimeoutReader wraps r, re-arming conn's read deadline to timeout ahead
// of every Read call.
func NewTimeoutReader(r io.Reader, conn net.Conn, timeout time.Duration) *TimeoutReader {
	return &TimeoutReader{r: r, conn: conn, timeout: timeout}
}

func (t *TimeoutReader) Read(p []byte) (int, error) {
	if t.conn != nil && t.timeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.timeout))
	}
	return t.r.Read(p)
}

// WallClockReader bounds the total wall-clock time a request may spend
// reading its body: every Read checks the elapsed time since the request
// was created and raises a timeout error once the budget is spent. A zero
// max disables the check.
type WallClockReader struct {
	r     io.Reader
	start time.Time
	max   time.Duration
}

// NewWallClockReader wraps r with a total-transfer time budget measured
// from start.
func NewWallClockReader(r io.Reader, start time.Time, max time.Duration) *WallClockReader {
	return &WallClockReader{r: r, start: start, max: max}
}

func (w *WallClockReader) Read(p []byte) (int, error) {
	if w.max > 0 && time.Since(w.start) > w.max {
		return 0, rherrors.NewTimeoutError("request body read", w.max)
	}
	return w.r.Read(p)
}
