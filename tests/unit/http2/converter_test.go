package http2_test

import (
	"bytes"
	"testing"

	"golang.org/x/net/http2/hpack"

	"github.com/WhileEndless/rawhttpd/pkg/http2"
)

func encodeFields(t *testing.T, fields []hpack.HeaderField) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	for _, f := range fields {
		if err := enc.WriteField(f); err != nil {
			t.Fatalf("WriteField(%v): %v", f, err)
		}
	}
	return buf.Bytes()
}

func TestDecodeRequestHeaders(t *testing.T) {
	c := http2.NewConverter(4096)
	block := encodeFields(t, []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/api"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "api.example.com"},
		{Name: "content-type", Value: "application/json"},
		{Name: "x-custom", Value: "one"},
		{Name: "x-custom", Value: "two"},
	})

	req, err := c.DecodeRequestHeaders(block)
	if err != nil {
		t.Fatalf("DecodeRequestHeaders: %v", err)
	}
	if req.Method != "POST" || req.Path != "/api" || req.Scheme != "https" || req.Authority != "api.example.com" {
		t.Fatalf("pseudo-headers: %+v", req)
	}
	if got := req.Headers["content-type"]; len(got) != 1 || got[0] != "application/json" {
		t.Fatalf("content-type: %v", got)
	}
	if got := req.Headers["x-custom"]; len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("multi-value header lost: %v", got)
	}
}

func TestRequestFromFieldsValidation(t *testing.T) {
	tests := []struct {
		name   string
		fields []hpack.HeaderField
	}{
		{
			name: "pseudo-header after regular header",
			fields: []hpack.HeaderField{
				{Name: ":method", Value: "GET"},
				{Name: "accept", Value: "*/*"},
				{Name: ":path", Value: "/"},
			},
		},
		{
			name: "connection-specific header",
			fields: []hpack.HeaderField{
				{Name: ":method", Value: "GET"},
				{Name: ":path", Value: "/"},
				{Name: "connection", Value: "keep-alive"},
			},
		},
		{
			name: "unknown pseudo-header",
			fields: []hpack.HeaderField{
				{Name: ":method", Value: "GET"},
				{Name: ":path", Value: "/"},
				{Name: ":bogus", Value: "x"},
			},
		},
		{
			name: "missing method",
			fields: []hpack.HeaderField{
				{Name: ":path", Value: "/"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := http2.RequestFromFields(tt.fields); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEncodeResponseHeaders(t *testing.T) {
	c := http2.NewConverter(4096)
	block, err := c.EncodeResponseHeaders(418, map[string][]string{
		"Content-Type": {"text/plain"},
		"Set-Cookie":   {"a=1", "b=2"},
		"Connection":   {"keep-alive"}, // hop-by-hop, must be dropped
	})
	if err != nil {
		t.Fatalf("EncodeResponseHeaders: %v", err)
	}

	dec := hpack.NewDecoder(4096, nil)
	fields, err := dec.DecodeFull(block)
	if err != nil {
		t.Fatalf("DecodeFull: %v", err)
	}

	if fields[0].Name != ":status" || fields[0].Value != "418" {
		t.Fatalf("first field = %+v, want :status 418", fields[0])
	}
	var cookies []string
	for _, f := range fields {
		switch f.Name {
		case "connection":
			t.Fatal("connection header must not cross into HTTP/2")
		case "Content-Type":
			t.Fatal("header names must be lowercased")
		case "set-cookie":
			cookies = append(cookies, f.Value)
		}
	}
	if len(cookies) != 2 {
		t.Fatalf("set-cookie values = %v", cookies)
	}
}

func TestEncodeResponseHeadersReusableAcrossCalls(t *testing.T) {
	c := http2.NewConverter(4096)
	first, err := c.EncodeResponseHeaders(200, nil)
	if err != nil {
		t.Fatalf("first encode: %v", err)
	}
	firstCopy := string(first)
	if _, err := c.EncodeResponseHeaders(404, map[string][]string{"x": {"y"}}); err != nil {
		t.Fatalf("second encode: %v", err)
	}
	if string(first) != firstCopy {
		t.Fatal("first block mutated by second encode; blocks must be copies")
	}
}
