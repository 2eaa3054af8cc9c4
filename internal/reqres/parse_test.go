package reqres

import (
	"io"
	"net"
	"strings"
	"testing"
)

func TestParseTargetSplitsPathAndQuery(t *testing.T) {
	req := NewRequest("GET", "/a%20b?x=1&x=2&y=z", "HTTP/1.1", nil, nil)
	if err := req.ParseTarget(DefaultOptions); err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if req.Path != "/a b" {
		t.Fatalf("Path = %q", req.Path)
	}
	if got := req.Query["x"]; len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("Query[x] = %v", got)
	}
	if req.Query.Get("y") != "z" {
		t.Fatalf("Query[y] = %q", req.Query.Get("y"))
	}
}

func TestParseTargetWithoutFlagsLeavesRawPath(t *testing.T) {
	req := NewRequest("GET", "/a%20b?x=1", "HTTP/1.1", nil, nil)
	if err := req.ParseTarget(0); err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if req.Path != "/a%20b?x=1" {
		t.Fatalf("Path = %q", req.Path)
	}
	if req.Query != nil {
		t.Fatal("query must stay unparsed without the flag")
	}
}

func TestParseCookiesFirstInsertionWins(t *testing.T) {
	req := NewRequest("GET", "/", "HTTP/1.1", map[string][]string{
		"Cookie": {"id=first; theme=dark", "id=second"},
	}, nil)
	req.ParseCookies()

	if len(req.Cookies) != 3 {
		t.Fatalf("got %d cookies", len(req.Cookies))
	}
	if v, ok := req.Cookie("id"); !ok || v != "first" {
		t.Fatalf("Cookie(id) = %q, %v", v, ok)
	}
}

func TestSetPeerNormalizesMappedIPv4(t *testing.T) {
	req := NewRequest("GET", "/", "HTTP/1.1", nil, nil)
	req.SetPeer(&net.TCPAddr{IP: net.ParseIP("::ffff:192.0.2.7"), Port: 9999})
	if req.PeerIP != "192.0.2.7" {
		t.Fatalf("PeerIP = %q", req.PeerIP)
	}
}

func TestParseBodyURLEncodedForm(t *testing.T) {
	req := NewRequest("POST", "/", "HTTP/1.1", map[string][]string{
		"Content-Type": {"application/x-www-form-urlencoded"},
	}, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("a=1&b=two+words")), nil
	})
	if err := req.ParseBody(DefaultOptions, 1<<20); err != nil {
		t.Fatalf("ParseBody: %v", err)
	}
	if req.Form.Get("a") != "1" || req.Form.Get("b") != "two words" {
		t.Fatalf("Form = %v", req.Form)
	}
}

func TestParseBodyMultipartStoresUploads(t *testing.T) {
	body := "--BOUND\r\n" +
		"Content-Disposition: form-data; name=\"note\"\r\n\r\n" +
		"hello\r\n" +
		"--BOUND\r\n" +
		"Content-Disposition: form-data; name=\"file\"; filename=\"a.txt\"\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"file-contents\r\n" +
		"--BOUND--\r\n"
	req := NewRequest("POST", "/", "HTTP/1.1", map[string][]string{
		"Content-Type": {`multipart/form-data; boundary=BOUND`},
	}, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	})
	if err := req.ParseBody(DefaultOptions, 1<<20); err != nil {
		t.Fatalf("ParseBody: %v", err)
	}
	defer req.Close()

	if req.Form.Get("note") != "hello" {
		t.Fatalf("Form[note] = %q", req.Form.Get("note"))
	}
	if len(req.Files) != 1 {
		t.Fatalf("got %d files", len(req.Files))
	}
	f := req.Files[0]
	if f.FileName != "a.txt" || f.Size != int64(len("file-contents")) {
		t.Fatalf("file = %+v", f)
	}
}

func TestParseBodyJSON(t *testing.T) {
	req := NewRequest("POST", "/", "HTTP/1.1", map[string][]string{
		"Content-Type": {"application/json"},
	}, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(`{"k":"v","n":3}`)), nil
	})
	if err := req.ParseBody(DefaultOptions, 1<<20); err != nil {
		t.Fatalf("ParseBody: %v", err)
	}
	obj, ok := req.JSON.(map[string]interface{})
	if !ok {
		t.Fatalf("JSON = %T", req.JSON)
	}
	if obj["k"] != "v" {
		t.Fatalf("JSON[k] = %v", obj["k"])
	}
}

func TestParseBodyJSONDisabledByFlag(t *testing.T) {
	req := NewRequest("POST", "/", "HTTP/1.1", map[string][]string{
		"Content-Type": {"application/json"},
	}, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(`{}`)), nil
	})
	flags := DefaultOptions &^ ParseJSONBody
	if err := req.ParseBody(flags, 1<<20); err != nil {
		t.Fatalf("ParseBody: %v", err)
	}
	if req.JSON != nil {
		t.Fatal("JSON parsed despite flag being cleared")
	}
}
