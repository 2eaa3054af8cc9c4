package http2adapter_test

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	xhttp2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/WhileEndless/rawhttpd/internal/connserver"
	"github.com/WhileEndless/rawhttpd/internal/registry"
	"github.com/WhileEndless/rawhttpd/internal/reqres"
	"github.com/WhileEndless/rawhttpd/pkg/http2"
	"github.com/WhileEndless/rawhttpd/pkg/transport"
)

// dialH2 stands up a connection driver on a TCP listener and returns a
// handshaken client framer speaking cleartext HTTP/2 to it.
func dialH2(t *testing.T, reg *registry.Registry) (net.Conn, *xhttp2.Framer, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	driver := connserver.NewDriver(reg, transport.NewTracker(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		driver.Serve(conn, "test", 80, nil)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = client.SetDeadline(time.Now().Add(5 * time.Second))

	fr := xhttp2.NewFramer(client, client)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	if _, err := client.Write([]byte(http2.ClientPreface)); err != nil {
		t.Fatalf("preface: %v", err)
	}
	if err := fr.WriteSettings(); err != nil {
		t.Fatalf("client settings: %v", err)
	}
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if sf, ok := frame.(*xhttp2.SettingsFrame); ok && !sf.IsAck() {
			_ = fr.WriteSettingsAck()
			break
		}
	}

	cleanup := func() {
		client.Close()
		ln.Close()
		<-done
	}
	return client, fr, cleanup
}

func sendRequest(t *testing.T, fr *xhttp2.Framer, streamID uint32, endStream bool, fields ...hpack.HeaderField) {
	t.Helper()
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	for _, f := range fields {
		if err := enc.WriteField(f); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	if err := fr.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID: streamID, BlockFragment: buf.Bytes(), EndHeaders: true, EndStream: endStream,
	}); err != nil {
		t.Fatalf("WriteHeaders: %v", err)
	}
}

type h2Response struct {
	headers map[string]string
	body    bytes.Buffer
}

func readResponse(t *testing.T, fr *xhttp2.Framer, streamID uint32) h2Response {
	t.Helper()
	resp := h2Response{headers: make(map[string]string)}
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if frame.Header().StreamID != streamID {
			continue
		}
		switch f := frame.(type) {
		case *xhttp2.MetaHeadersFrame:
			for _, hf := range f.Fields {
				resp.headers[hf.Name] = hf.Value
			}
			if f.StreamEnded() {
				return resp
			}
		case *xhttp2.DataFrame:
			resp.body.Write(f.Data())
			if f.StreamEnded() {
				return resp
			}
		}
	}
}

func TestStreamDispatchedThroughSharedPipeline(t *testing.T) {
	reg := registry.New()
	reg.Register(&registry.Context{
		Addr: "test", Port: 80,
		Handler: func(req *reqres.Request, resp *reqres.Response) {
			if req.HTTPVersion != "HTTP/2.0" {
				t.Errorf("HTTPVersion = %q", req.HTTPVersion)
			}
			if req.Host != "example.com" {
				t.Errorf("Host = %q", req.Host)
			}
			if req.Path != "/widget" || req.Query.Get("id") != "9" {
				t.Errorf("target = %q %v", req.Path, req.Query)
			}
			_ = resp.WriteBody([]byte("over h2"))
		},
	})

	_, fr, cleanup := dialH2(t, reg)
	defer cleanup()

	sendRequest(t, fr, 1, true,
		hpack.HeaderField{Name: ":method", Value: "GET"},
		hpack.HeaderField{Name: ":path", Value: "/widget?id=9"},
		hpack.HeaderField{Name: ":scheme", Value: "http"},
		hpack.HeaderField{Name: ":authority", Value: "example.com"},
	)

	resp := readResponse(t, fr, 1)
	if resp.headers[":status"] != "200" {
		t.Fatalf("status = %q", resp.headers[":status"])
	}
	if resp.headers["content-type"] != "text/plain; charset=UTF-8" {
		t.Fatalf("content-type = %q", resp.headers["content-type"])
	}
	if resp.body.String() != "over h2" {
		t.Fatalf("body = %q", resp.body.String())
	}
}

func TestStreamRequestBodyReachesHandler(t *testing.T) {
	bodyCh := make(chan string, 1)
	reg := registry.New()
	reg.Register(&registry.Context{
		Addr: "test", Port: 80,
		Handler: func(req *reqres.Request, resp *reqres.Response) {
			body, err := req.Body()
			if err != nil {
				t.Errorf("Body: %v", err)
				return
			}
			data, _ := io.ReadAll(body)
			bodyCh <- string(data)
			_ = resp.WriteBody([]byte("got it"))
		},
	})

	_, fr, cleanup := dialH2(t, reg)
	defer cleanup()

	sendRequest(t, fr, 1, false,
		hpack.HeaderField{Name: ":method", Value: "POST"},
		hpack.HeaderField{Name: ":path", Value: "/in"},
		hpack.HeaderField{Name: ":scheme", Value: "http"},
		hpack.HeaderField{Name: ":authority", Value: "example.com"},
	)
	if err := fr.WriteData(1, true, []byte("h2 payload")); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	resp := readResponse(t, fr, 1)
	if resp.headers[":status"] != "200" || resp.body.String() != "got it" {
		t.Fatalf("resp = %+v %q", resp.headers, resp.body.String())
	}
	select {
	case got := <-bodyCh:
		if got != "h2 payload" {
			t.Fatalf("body = %q", got)
		}
	default:
		t.Fatal("handler never reported a body")
	}
}

func TestStreamVirtualHostByAuthority(t *testing.T) {
	reg := registry.New()
	reg.Register(&registry.Context{Addr: "test", Port: 80, Handler: func(req *reqres.Request, resp *reqres.Response) {
		_ = resp.WriteBody([]byte("default"))
	}})
	reg.Register(&registry.Context{Addr: "test", Port: 80, Host: "vip.example.com", Handler: func(req *reqres.Request, resp *reqres.Response) {
		_ = resp.WriteBody([]byte("vip"))
	}})

	_, fr, cleanup := dialH2(t, reg)
	defer cleanup()

	sendRequest(t, fr, 1, true,
		hpack.HeaderField{Name: ":method", Value: "GET"},
		hpack.HeaderField{Name: ":path", Value: "/"},
		hpack.HeaderField{Name: ":scheme", Value: "http"},
		hpack.HeaderField{Name: ":authority", Value: "vip.example.com"},
	)
	if got := readResponse(t, fr, 1); got.body.String() != "vip" {
		t.Fatalf("body = %q", got.body.String())
	}
}

func TestStreamNoResponseBecomes404(t *testing.T) {
	reg := registry.New()
	reg.Register(&registry.Context{Addr: "test", Port: 80, Handler: func(req *reqres.Request, resp *reqres.Response) {}})

	_, fr, cleanup := dialH2(t, reg)
	defer cleanup()

	sendRequest(t, fr, 1, true,
		hpack.HeaderField{Name: ":method", Value: "GET"},
		hpack.HeaderField{Name: ":path", Value: "/nothing"},
		hpack.HeaderField{Name: ":scheme", Value: "http"},
		hpack.HeaderField{Name: ":authority", Value: "example.com"},
	)
	if got := readResponse(t, fr, 1); got.headers[":status"] != "404" {
		t.Fatalf("status = %q", got.headers[":status"])
	}
}
