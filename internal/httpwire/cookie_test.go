package httpwire

import (
	"testing"
	"time"
)

func TestParseCookieHeader(t *testing.T) {
	got := ParseCookieHeader("session=abc123; theme=dark")
	if len(got) != 2 {
		t.Fatalf("got %d pairs", len(got))
	}
	if got[0].Name != "session" || got[0].Value != "abc123" {
		t.Fatalf("got %+v", got[0])
	}
	if got[1].Name != "theme" || got[1].Value != "dark" {
		t.Fatalf("got %+v", got[1])
	}
}

func TestParseCookieHeaderKeepsDuplicateOrder(t *testing.T) {
	got := ParseCookieHeader("id=first; id=second")
	if len(got) != 2 || got[0].Value != "first" || got[1].Value != "second" {
		t.Fatalf("got %+v", got)
	}
}

func TestCookieString(t *testing.T) {
	c := Cookie{Name: "session", Value: "abc123", Path: "/", HTTPOnly: true, Secure: true, SameSite: "Lax"}
	got := c.String()
	want := "session=abc123; Path=/; Secure; HttpOnly; SameSite=Lax"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCookieStringDeletion(t *testing.T) {
	c := Cookie{Name: "a", Value: "", Path: "/", MaxAge: -1, Expires: time.Unix(0, 0)}
	got := c.String()
	want := "a=; Path=/; Expires=Thu, 01 Jan 1970 00:00:00 GMT; Max-Age=0"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
