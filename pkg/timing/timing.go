// Package timing provides per-request latency measurement for access logging.
package timing

import (
	"fmt"
	"time"
)

// Metrics captures per-request timing information surfaced to access loggers.
type Metrics struct {
	// TLSHandshake is the time spent performing the accept-side TLS handshake
	// (0 for cleartext connections or connections reusing an existing handshake).
	TLSHandshake time.Duration `json:"tls_handshake"`

	// HandlerTime is the time spent inside the user handler.
	HandlerTime time.Duration `json:"handler_time"`

	// TotalTime is the time from request-line read to response finalization.
	TotalTime time.Duration `json:"total_time"`
}

// Timer measures the phases of one request/response cycle.
type Timer struct {
	start        time.Time
	tlsStart     time.Time
	tlsEnd       time.Time
	handlerStart time.Time
	handlerEnd   time.Time
}

// NewTimer creates a new timing measurement session, starting the clock now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// StartTLS marks the beginning of the TLS handshake.
func (t *Timer) StartTLS() {
	t.tlsStart = time.Now()
}

// EndTLS marks the end of the TLS handshake.
func (t *Timer) EndTLS() {
	t.tlsEnd = time.Now()
}

// StartHandler marks entry into the user handler.
func (t *Timer) StartHandler() {
	t.handlerStart = time.Now()
}

// EndHandler marks return from the user handler.
func (t *Timer) EndHandler() {
	t.handlerEnd = time.Now()
}

// GetMetrics returns the calculated timing metrics as of now.
func (t *Timer) GetMetrics() Metrics {
	m := Metrics{TotalTime: time.Since(t.start)}

	if !t.tlsStart.IsZero() && !t.tlsEnd.IsZero() {
		m.TLSHandshake = t.tlsEnd.Sub(t.tlsStart)
	}
	if !t.handlerStart.IsZero() && !t.handlerEnd.IsZero() {
		m.HandlerTime = t.handlerEnd.Sub(t.handlerStart)
	}
	return m
}

// String provides a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("TLSHandshake: %v, HandlerTime: %v, TotalTime: %v",
		m.TLSHandshake, m.HandlerTime, m.TotalTime)
}
