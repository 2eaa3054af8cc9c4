package rawhttpd

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestCreateTestRequestParsesTarget(t *testing.T) {
	req := CreateTestRequest("GET", "/items?id=42", map[string][]string{
		"host":   {"shop.example.com"},
		"cookie": {"cart=abc"},
	}, "")

	if req.Path != "/items" || req.Query.Get("id") != "42" {
		t.Fatalf("target = %q %v", req.Path, req.Query)
	}
	if req.Host != "shop.example.com" {
		t.Fatalf("Host = %q", req.Host)
	}
	if v, ok := req.Cookie("cart"); !ok || v != "abc" {
		t.Fatalf("Cookie = %q %v", v, ok)
	}
}

func TestCreateTestResponseRecordsWire(t *testing.T) {
	resp, rec := CreateTestResponse()
	if err := resp.WriteBody([]byte("unit")); err != nil {
		t.Fatalf("WriteBody: %v", err)
	}
	if err := resp.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	wire := rec.Wire.String()
	if !strings.HasPrefix(wire, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("wire = %q", wire)
	}
	if !strings.HasSuffix(wire, "\r\n\r\nunit") {
		t.Fatalf("wire = %q", wire)
	}
}

func TestStaticRedirectHandler(t *testing.T) {
	resp, rec := CreateTestResponse()
	req := CreateTestRequest("GET", "/old", nil, "")

	StaticRedirect("http://x/new", 301)(req, resp)
	if err := resp.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	wire := rec.Wire.String()
	if !strings.HasPrefix(wire, "HTTP/1.1 301 Moved Permanently\r\n") {
		t.Fatalf("wire = %q", wire)
	}
	if !strings.Contains(wire, "Location: http://x/new\r\n") {
		t.Fatalf("wire = %q", wire)
	}
	if !strings.HasSuffix(wire, "redirecting...") {
		t.Fatalf("wire = %q", wire)
	}
}

func TestAccessLogFormatExpansion(t *testing.T) {
	req := CreateTestRequest("GET", "/page", map[string][]string{
		"host":       {"h"},
		"user-agent": {"unit-agent"},
	}, "")
	req.PeerIP = "192.0.2.1"
	resp, _ := CreateTestResponse()
	_ = resp.WriteBody([]byte("12345"))
	_ = resp.Finalize()

	line := expandFormat(`%h "%m %U %H" %s %b "%{User-Agent}i"`, req, resp)
	want := `192.0.2.1 "GET /page HTTP/1.1" 200 5 "unit-agent"`
	if line != want {
		t.Fatalf("line = %q, want %q", line, want)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()
	return port
}

func TestListenServesAndKeepsAlive(t *testing.T) {
	port := freePort(t)
	handle, err := Listen(ServerSettings{
		BindAddresses: []string{"127.0.0.1"},
		Port:          port,
	}, func(req *Request, resp *Response) {
		_ = resp.WriteBody([]byte("pong:" + req.Path))
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer handle.StopListening()

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(conn)

	readOne := func(wantBody string) {
		t.Helper()
		status, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("status read: %v", err)
		}
		if !strings.HasPrefix(status, "HTTP/1.1 200 OK") {
			t.Fatalf("status = %q", status)
		}
		length := -1
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				t.Fatalf("header read: %v", err)
			}
			if line == "\r\n" {
				break
			}
			if strings.HasPrefix(line, "Content-Length: ") {
				length, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Content-Length: ")))
			}
		}
		if length < 0 {
			t.Fatal("missing Content-Length")
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(br, body); err != nil {
			t.Fatalf("body read: %v", err)
		}
		if string(body) != wantBody {
			t.Fatalf("body = %q, want %q", body, wantBody)
		}
	}

	if _, err := conn.Write([]byte("GET /one HTTP/1.1\r\nHost: h\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readOne("pong:/one")

	// Second request on the same connection: keep-alive reuse.
	if _, err := conn.Write([]byte("GET /two HTTP/1.1\r\nHost: h\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readOne("pong:/two")

	stats := GetStats()
	if stats.Contexts == 0 {
		t.Fatal("expected a registered context in stats")
	}
	if stats.Connections.TotalAccepted == 0 {
		t.Fatal("expected accepted connections in stats")
	}
}

func TestListenVirtualHostsShareBind(t *testing.T) {
	port := freePort(t)

	a, err := Listen(ServerSettings{
		BindAddresses: []string{"127.0.0.1"}, Port: port, HostName: "a.example.com",
	}, func(req *Request, resp *Response) { _ = resp.WriteBody([]byte("A")) })
	if err != nil {
		t.Fatalf("Listen a: %v", err)
	}
	defer a.StopListening()

	b, err := Listen(ServerSettings{
		BindAddresses: []string{"127.0.0.1"}, Port: port, HostName: "b.example.com",
	}, func(req *Request, resp *Response) { _ = resp.WriteBody([]byte("B")) })
	if err != nil {
		t.Fatalf("Listen b: %v", err)
	}
	defer b.StopListening()

	fetch := func(host string) string {
		conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 2*time.Second)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: " + host + "\r\nConnection: close\r\n\r\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		data, _ := io.ReadAll(conn)
		return string(data)
	}

	if got := fetch("a.example.com"); !strings.HasSuffix(got, "A") {
		t.Fatalf("host a response: %q", got)
	}
	if got := fetch("b.example.com"); !strings.HasSuffix(got, "B") {
		t.Fatalf("host b response: %q", got)
	}
}
