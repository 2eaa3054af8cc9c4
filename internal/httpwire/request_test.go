package httpwire

import (
	"bufio"
	"strings"
	"testing"

	rherrors "github.com/WhileEndless/rawhttpd/pkg/errors"
)

func TestReadRequestLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("GET /index.html HTTP/1.1\r\n"))
	rl, err := ReadRequestLine(r)
	if err != nil {
		t.Fatalf("ReadRequestLine: %v", err)
	}
	if rl.Method != "GET" || rl.Target != "/index.html" || rl.HTTPVersion != "HTTP/1.1" {
		t.Fatalf("got %+v", rl)
	}
}

func TestReadRequestLineMalformed(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("GET /index.html\r\n"))
	_, err := ReadRequestLine(r)
	if err == nil {
		t.Fatal("expected error for malformed request line")
	}
	if !rherrors.IsBadRequestError(err) {
		t.Fatalf("expected bad request error, got %v", err)
	}
}

func TestReadRequestLineOversize(t *testing.T) {
	huge := strings.Repeat("a", 5000)
	r := bufio.NewReader(strings.NewReader("GET /" + huge + " HTTP/1.1\r\n"))
	_, err := ReadRequestLine(r)
	if err == nil {
		t.Fatal("expected oversize error")
	}
	if !rherrors.IsOversizeError(err) {
		t.Fatalf("expected oversize error, got %v", err)
	}
}

func TestReadRequestLineOversizeWithoutNewline(t *testing.T) {
	// No terminator at all: the cap must trip on its own rather than
	// waiting for a newline that never comes.
	r := bufio.NewReader(strings.NewReader(strings.Repeat("a", 8000)))
	_, err := ReadRequestLine(r)
	if err == nil {
		t.Fatal("expected oversize error")
	}
	if !rherrors.IsOversizeError(err) {
		t.Fatalf("expected oversize error, got %v", err)
	}
}

func TestReadHeadersOversizeLineWithoutNewline(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("X-Drip: " + strings.Repeat("b", 8000)))
	_, err := ReadHeaders(r, 16*1024)
	if err == nil {
		t.Fatal("expected oversize error")
	}
	if !rherrors.IsOversizeError(err) {
		t.Fatalf("expected oversize error, got %v", err)
	}
}

func TestReadHeaders(t *testing.T) {
	raw := "Host: example.com\r\nX-Foo: bar\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	headers, err := ReadHeaders(r, 16*1024)
	if err != nil {
		t.Fatalf("ReadHeaders: %v", err)
	}
	if GetHeader(headers, "host") != "example.com" {
		t.Fatalf("got %q", GetHeader(headers, "host"))
	}
	if GetHeader(headers, "X-Foo") != "bar" {
		t.Fatalf("got %q", GetHeader(headers, "X-Foo"))
	}
}

func TestReadHeadersFoldedContinuation(t *testing.T) {
	raw := "X-Long: part1\r\n  part2\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	headers, err := ReadHeaders(r, 16*1024)
	if err != nil {
		t.Fatalf("ReadHeaders: %v", err)
	}
	if GetHeader(headers, "X-Long") != "part1 part2" {
		t.Fatalf("got %q", GetHeader(headers, "X-Long"))
	}
}

func TestReadHeadersOversizeTotal(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("X-Pad: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\r\n")
	}
	b.WriteString("\r\n")
	r := bufio.NewReader(strings.NewReader(b.String()))
	_, err := ReadHeaders(r, 1024)
	if err == nil {
		t.Fatal("expected oversize error")
	}
	if !rherrors.IsOversizeError(err) {
		t.Fatalf("expected oversize error, got %v", err)
	}
}

func TestReadHeadersMalformedLine(t *testing.T) {
	raw := "not-a-header-line\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	_, err := ReadHeaders(r, 16*1024)
	if err == nil {
		t.Fatal("expected bad request error")
	}
	if !rherrors.IsBadRequestError(err) {
		t.Fatalf("expected bad request error, got %v", err)
	}
}
