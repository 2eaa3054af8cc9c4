package rawhttpd

import (
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/WhileEndless/rawhttpd/internal/httpwire"
	"github.com/WhileEndless/rawhttpd/internal/registry"
	"github.com/WhileEndless/rawhttpd/internal/reqres"
)

// CombinedLogFormat is the Apache combined format, usable as
// ServerSettings.AccessLogFormat.
const CombinedLogFormat = `%h - - [%t] "%m %U %H" %s %b "%{Referer}i" "%{User-Agent}i"`

// CommonLogFormat is the Apache common format.
const CommonLogFormat = `%h - - [%t] "%m %U %H" %s %b`

func buildAccessLoggers(settings ServerSettings) []registry.AccessLogger {
	var out []registry.AccessLogger
	if settings.AccessLogSink != nil {
		format := settings.AccessLogFormat
		if format == "" {
			format = CommonLogFormat
		}
		out = append(out, &formatLogger{format: format, sink: settings.AccessLogSink})
	}
	if settings.AccessLogger != nil {
		out = append(out, &zapLogger{log: settings.AccessLogger})
	}
	return out
}

// formatLogger renders one line per request from an Apache-style format
// string. Supported directives: %h (peer IP), %t (completion time),
// %m (method), %U (path), %H (protocol), %s (status), %b (body bytes,
// "-" when zero), %T (handler seconds), %{Name}i (request header).
type formatLogger struct {
	format string

	mu   sync.Mutex
	sink io.Writer
}

func (l *formatLogger) Log(req *reqres.Request, resp *reqres.Response) {
	line := expandFormat(l.format, req, resp)
	l.mu.Lock()
	_, _ = io.WriteString(l.sink, line+"\n")
	l.mu.Unlock()
}

func expandFormat(format string, req *reqres.Request, resp *reqres.Response) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 == len(format) {
			b.WriteByte(format[i])
			continue
		}
		i++
		switch format[i] {
		case 'h':
			if req.PeerIP != "" {
				b.WriteString(req.PeerIP)
			} else {
				b.WriteByte('-')
			}
		case 't':
			b.WriteString(time.Now().Format("02/Jan/2006:15:04:05 -0700"))
		case 'm':
			b.WriteString(req.Method)
		case 'U':
			b.WriteString(req.Path)
		case 'H':
			b.WriteString(req.HTTPVersion)
		case 's':
			b.WriteString(strconv.Itoa(resp.Status))
		case 'b':
			if n := resp.BytesWritten(); n > 0 {
				b.WriteString(strconv.FormatInt(n, 10))
			} else {
				b.WriteByte('-')
			}
		case 'T':
			m := req.Timer.GetMetrics()
			b.WriteString(strconv.FormatFloat(m.HandlerTime.Seconds(), 'f', 3, 64))
		case '{':
			end := strings.IndexByte(format[i:], '}')
			if end < 0 || i+end+1 >= len(format) || format[i+end+1] != 'i' {
				b.WriteByte('%')
				b.WriteByte(format[i])
				continue
			}
			name := format[i+1 : i+end]
			i += end + 1
			if v := httpwire.GetHeader(req.Headers, name); v != "" {
				b.WriteString(v)
			} else {
				b.WriteByte('-')
			}
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}
	return b.String()
}

// zapLogger emits one structured entry per request.
type zapLogger struct {
	log *zap.SugaredLogger
}

func (l *zapLogger) Log(req *reqres.Request, resp *reqres.Response) {
	m := req.Timer.GetMetrics()
	l.log.Infow("request",
		"peer", req.PeerIP,
		"method", req.Method,
		"path", req.Path,
		"proto", req.HTTPVersion,
		"status", resp.Status,
		"bytes", resp.BytesWritten(),
		"handler_time", m.HandlerTime,
		"total_time", m.TotalTime,
	)
}
