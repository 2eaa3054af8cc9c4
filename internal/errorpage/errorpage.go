// Package errorpage maps errors raised during request processing onto wire
// status codes and renders the error response, either through the context's
// custom error page handler or the default plaintext page.
package errorpage

import (
	"runtime/debug"
	"strconv"
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/WhileEndless/rawhttpd/internal/reqres"
	rherrors "github.com/WhileEndless/rawhttpd/pkg/errors"
)

// Project classifies err into a wire status code plus the user-facing and
// debug messages. parsed reports whether the request was successfully
// parsed before the error; unparsed failures map to 400 instead of 500.
func Project(err error, parsed bool) reqres.ErrorInfo {
	if se, ok := rherrors.AsHTTPStatusError(err); ok {
		return reqres.ErrorInfo{Code: se.Status, Message: se.Message, DebugMessage: se.Debug, Err: err}
	}

	switch rherrors.GetErrorType(err) {
	case rherrors.ErrorTypeBadRequest:
		return reqres.ErrorInfo{Code: 400, Message: "Bad Request", DebugMessage: err.Error(), Err: err}
	case rherrors.ErrorTypeOversize:
		code, msg := 413, "Payload Too Large"
		if e, ok := err.(*rherrors.Error); ok {
			if strings.Contains(e.Op, "header") || strings.Contains(e.Op, "request-line") {
				code, msg = 431, "Request Header Fields Too Large"
			}
		}
		return reqres.ErrorInfo{Code: code, Message: msg, DebugMessage: err.Error(), Err: err}
	case rherrors.ErrorTypeTimeout:
		return reqres.ErrorInfo{Code: 408, Message: "Request Timeout", DebugMessage: err.Error(), Err: err}
	case rherrors.ErrorTypeTLSMismatch:
		return reqres.ErrorInfo{Code: 497, Message: "HTTP Request Sent to HTTPS Port", DebugMessage: err.Error(), Err: err}
	}

	if rherrors.IsTimeoutError(err) {
		return reqres.ErrorInfo{Code: 408, Message: "Request Timeout", DebugMessage: err.Error(), Err: err}
	}

	code := 500
	if !parsed {
		code = 400
	}
	return reqres.ErrorInfo{Code: code, Message: StatusText(code), DebugMessage: err.Error(), Err: err}
}

// ProjectPanic classifies a recovered handler panic.
func ProjectPanic(rec interface{}, withStack bool) reqres.ErrorInfo {
	msg := "Internal Server Error"
	dbg := ""
	if err, ok := rec.(error); ok {
		if se, ok := rherrors.AsHTTPStatusError(err); ok {
			info := reqres.ErrorInfo{Code: se.Status, Message: se.Message, DebugMessage: se.Debug, Err: err}
			if withStack {
				info.DebugMessage = appendStack(info.DebugMessage)
			}
			return info
		}
		dbg = err.Error()
	} else if s, ok := rec.(string); ok {
		dbg = s
	}
	if withStack {
		dbg = appendStack(dbg)
	}
	return reqres.ErrorInfo{Code: 500, Message: msg, DebugMessage: dbg}
}

func appendStack(dbg string) string {
	if dbg != "" {
		dbg += "\n"
	}
	return dbg + string(debug.Stack())
}

// Render produces the error response for info: the context's custom handler
// when present, the default plaintext page otherwise. Headers must not be
// on the wire yet.
func Render(req *reqres.Request, resp *reqres.Response, info reqres.ErrorInfo, custom reqres.ErrorPageHandler) {
	if err := resp.SetStatus(info.Code); err != nil {
		return
	}
	if custom != nil {
		custom(req, resp, info)
		return
	}
	_ = resp.WriteBody([]byte(DefaultPage(info)))
}

// DefaultPage renders the default plaintext error body.
func DefaultPage(info reqres.ErrorInfo) string {
	page := strconv.Itoa(info.Code) + " - " + StatusText(info.Code) + "\n\n" + Sanitize(info.Message)
	if info.DebugMessage != "" {
		page += "\n\nInternal error information:\n" + Sanitize(info.DebugMessage)
	}
	return page
}

// Sanitize replaces ill-formed UTF-8 in debug text so an error message can
// never corrupt the response encoding.
func Sanitize(s string) string {
	out, _, err := transform.String(runes.ReplaceIllFormed(), s)
	if err != nil {
		return strconv.Quote(s)
	}
	return out
}

// StatusText returns the reason phrase for code, falling back to a generic
// phrase for unknown codes.
func StatusText(code int) string {
	if t, ok := statusText[code]; ok {
		return t
	}
	return "Status " + strconv.Itoa(code)
}

var statusText = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	408: "Request Timeout",
	409: "Conflict",
	410: "Gone",
	411: "Length Required",
	413: "Payload Too Large",
	414: "URI Too Long",
	415: "Unsupported Media Type",
	417: "Expectation Failed",
	418: "I'm a teapot",
	426: "Upgrade Required",
	429: "Too Many Requests",
	431: "Request Header Fields Too Large",
	497: "HTTP Request Sent to HTTPS Port",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}
