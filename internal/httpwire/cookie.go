package httpwire

import (
	"fmt"
	"strings"
	"time"
)

// Cookie mirrors the RFC 6265 attribute set the session layer needs;
// SameSite and Secure are tracked as plain fields rather than net/http's
// enum so this package has no net/http dependency.
type Cookie struct {
	Name     string
	Value    string
	Path     string
	Domain   string
	Expires  time.Time
	MaxAge   int
	Secure   bool
	HTTPOnly bool
	SameSite string // "Strict", "Lax", "None", or "" for unset
}

// CookiePair is one name/value pair from a Cookie header, order-preserving.
type CookiePair struct {
	Name  string
	Value string
}

// ParseCookieHeader splits a request's Cookie header into pairs, keeping
// the order they appeared in so first-wins semantics survive duplicates.
func ParseCookieHeader(header string) []CookiePair {
	var out []CookiePair
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out = append(out, CookiePair{
			Name:  strings.TrimSpace(kv[0]),
			Value: strings.TrimSpace(kv[1]),
		})
	}
	return out
}

// String renders c as a Set-Cookie header value.
func (c Cookie) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s", c.Name, c.Value)
	if c.Path != "" {
		fmt.Fprintf(&b, "; Path=%s", c.Path)
	}
	if c.Domain != "" {
		fmt.Fprintf(&b, "; Domain=%s", c.Domain)
	}
	if !c.Expires.IsZero() {
		fmt.Fprintf(&b, "; Expires=%s", FormatDate(c.Expires))
	}
	if c.MaxAge > 0 {
		fmt.Fprintf(&b, "; Max-Age=%d", c.MaxAge)
	} else if c.MaxAge < 0 {
		// Deletion cookie: expire immediately.
		b.WriteString("; Max-Age=0")
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	if c.SameSite != "" {
		fmt.Fprintf(&b, "; SameSite=%s", c.SameSite)
	}
	return b.String()
}
