package streamio

import (
	"io"
	"strings"
	"testing"

	rherrors "github.com/WhileEndless/rawhttpd/pkg/errors"
)

func TestLimitedReaderAllowsUnderLimit(t *testing.T) {
	lr := NewLimitedReader(strings.NewReader("hello"), 10, "request body")
	got, err := io.ReadAll(lr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestLimitedReaderRejectsOverLimit(t *testing.T) {
	lr := NewLimitedReader(strings.NewReader("hello world"), 5, "request body")
	_, err := io.ReadAll(lr)
	if err == nil {
		t.Fatal("expected oversize error")
	}
	if !rherrors.IsOversizeError(err) {
		t.Fatalf("expected oversize error, got %v", err)
	}
}

func TestLimitedReaderTracksN(t *testing.T) {
	lr := NewLimitedReader(strings.NewReader("hello"), 10, "request body")
	_, _ = io.ReadAll(lr)
	if lr.N() != 5 {
		t.Fatalf("expected N()==5, got %d", lr.N())
	}
}
