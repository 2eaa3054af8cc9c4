package httpwire

import "time"

// httpDateLayout is the RFC 1123 fixed-GMT form mandated by RFC 7231 §7.1.1.1
// for Date, Last-Modified, and Expires headers.
const httpDateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// FormatDate renders t in the wire format required for HTTP date headers.
func FormatDate(t time.Time) string {
	return t.UTC().Format(httpDateLayout)
}

// ParseDate parses an HTTP date header value, accepting the two obsolete
// formats RFC 7231 §7.1.1.1 requires recipients to still understand.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{
		httpDateLayout,
		"Monday, 02-Jan-06 15:04:05 GMT", // RFC 850
		"Mon Jan  2 15:04:05 2006",       // asctime
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &timeParseError{s}
}

type timeParseError struct{ s string }

func (e *timeParseError) Error() string { return "httpwire: invalid HTTP date: " + e.s }
