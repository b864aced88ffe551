package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"flow-hq/domains/pkg/domainerr"
	"flow-hq/domains/pkg/routes"
)

func reader(s string) *bufio.Reader {
	return bufio.NewReaderSize(strings.NewReader(s), 64)
}

func TestReadRequestHead(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		max       int
		wantErr   bool
		wantEmpty bool
		method    string
		target    string
		host      string
	}{
		{
			name:   "simple get",
			input:  "GET /a?b=1 HTTP/1.1\r\nHost: a.localhost\r\n\r\n",
			method: "GET", target: "/a?b=1", host: "a.localhost",
		},
		{
			name:   "leading blank lines",
			input:  "\r\n\r\nPOST / HTTP/1.0\r\nHost: b.localhost\r\n\r\n",
			method: "POST", target: "/", host: "b.localhost",
		},
		{
			name:   "bare LF",
			input:  "GET / HTTP/1.1\nHost: c.localhost\n\n",
			method: "GET", target: "/", host: "c.localhost",
		},
		{name: "empty", input: "", wantEmpty: true},
		{name: "http2 preface", input: "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n", wantErr: true},
		{name: "http/0.9 style", input: "GET /\r\n\r\n", wantErr: true},
		{name: "unknown version", input: "GET / HTTP/3.0\r\n\r\n", wantErr: true},
		{name: "folded header", input: "GET / HTTP/1.1\r\nHost: a\r\n  folded\r\n\r\n", wantErr: true},
		{name: "header without colon", input: "GET / HTTP/1.1\r\nHost a\r\n\r\n", wantErr: true},
		{name: "truncated head", input: "GET / HTTP/1.1\r\nHost: a", wantErr: true},
		{
			name:    "too large",
			input:   "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("x", 200) + "\r\n\r\n",
			max:     128,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			max := tt.max
			if max == 0 {
				max = 1 << 20
			}
			req, err := readRequestHead(reader(tt.input), max)

			if tt.wantEmpty {
				if !errors.Is(err, errEmptyHead) {
					t.Fatalf("expected errEmptyHead, got %v", err)
				}
				return
			}
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got request %+v", req)
				}
				if errors.Is(err, errEmptyHead) {
					t.Fatalf("expected a real error, got errEmptyHead")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.method != tt.method || req.target != tt.target {
				t.Errorf("got %s %s, want %s %s", req.method, req.target, tt.method, tt.target)
			}
			if got := req.headers.get("host"); got != tt.host {
				t.Errorf("Host = %q, want %q", got, tt.host)
			}
		})
	}
}

func TestReadRequestHead_TooLargeIsProtocolError(t *testing.T) {
	input := "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("x", 4096) + "\r\n\r\n"
	_, err := readRequestHead(reader(input), 1024)

	var protoErr *domainerr.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if domainerr.StatusCode(err) != 400 {
		t.Errorf("expected status 400, got %d", domainerr.StatusCode(err))
	}
}

func TestRequestHead_KeepAlive(t *testing.T) {
	tests := []struct {
		version    string
		connection string
		want       bool
	}{
		{"HTTP/1.1", "", true},
		{"HTTP/1.1", "close", false},
		{"HTTP/1.1", "Keep-Alive", true},
		{"HTTP/1.0", "", false},
		{"HTTP/1.0", "keep-alive", true},
		{"HTTP/1.0", "close", false},
	}

	for _, tt := range tests {
		req := &requestHead{method: "GET", target: "/", version: tt.version}
		if tt.connection != "" {
			req.headers.add("Connection", tt.connection)
		}
		if got := req.keepAlive(); got != tt.want {
			t.Errorf("%s Connection=%q: keepAlive = %v, want %v", tt.version, tt.connection, got, tt.want)
		}
	}
}

func TestRequestHead_Upgrade(t *testing.T) {
	req := &requestHead{version: "HTTP/1.1"}
	req.headers.add("Connection", "keep-alive, Upgrade")
	req.headers.add("Upgrade", "websocket")
	if got := req.upgrade(); got != "websocket" {
		t.Errorf("upgrade = %q, want websocket", got)
	}

	plain := &requestHead{version: "HTTP/1.1"}
	plain.headers.add("Upgrade", "websocket")
	if got := plain.upgrade(); got != "" {
		t.Errorf("upgrade without Connection token = %q, want empty", got)
	}
}

func TestStripHopByHop(t *testing.T) {
	var h headers
	h.add("Host", "a.localhost")
	h.add("Connection", "X-Private, Upgrade")
	h.add("X-Private", "secret")
	h.add("Keep-Alive", "timeout=5")
	h.add("Proxy-Authorization", "Basic Zm9v")
	h.add("Upgrade", "websocket")
	h.add("Accept", "*/*")

	plain := append(headers(nil), h...)
	plain.stripHopByHop("")
	for _, name := range []string{"Connection", "X-Private", "Keep-Alive", "Proxy-Authorization", "Upgrade"} {
		if plain.has(name) {
			t.Errorf("expected %s to be removed", name)
		}
	}
	for _, name := range []string{"Host", "Accept"} {
		if !plain.has(name) {
			t.Errorf("expected %s to survive", name)
		}
	}

	upgrade := append(headers(nil), h...)
	upgrade.stripHopByHop("Upgrade")
	if upgrade.get("Upgrade") != "websocket" {
		t.Error("expected Upgrade to survive on upgrade requests")
	}
	if upgrade.has("X-Private") {
		t.Error("expected X-Private to be removed")
	}
}

func TestRequestFraming(t *testing.T) {
	tests := []struct {
		name    string
		fields  [][2]string
		framing bodyFraming
		length  int64
		wantErr bool
	}{
		{name: "no body", framing: bodyNone},
		{name: "content length", fields: [][2]string{{"Content-Length", "42"}}, framing: bodyLength, length: 42},
		{name: "zero length", fields: [][2]string{{"Content-Length", "0"}}, framing: bodyNone},
		{name: "chunked", fields: [][2]string{{"Transfer-Encoding", "chunked"}}, framing: bodyChunked},
		{
			name:    "chunked wins over length",
			fields:  [][2]string{{"Content-Length", "10"}, {"Transfer-Encoding", "gzip, chunked"}},
			framing: bodyChunked,
		},
		{name: "repeated equal lengths", fields: [][2]string{{"Content-Length", "5"}, {"Content-Length", "5"}}, framing: bodyLength, length: 5},
		{name: "conflicting lengths", fields: [][2]string{{"Content-Length", "5"}, {"Content-Length", "6"}}, wantErr: true},
		{name: "negative length", fields: [][2]string{{"Content-Length", "-1"}}, wantErr: true},
		{name: "signed length", fields: [][2]string{{"Content-Length", "+5"}}, wantErr: true},
		{name: "non chunked encoding", fields: [][2]string{{"Transfer-Encoding", "gzip"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h headers
			for _, f := range tt.fields {
				h.add(f[0], f[1])
			}
			framing, length, err := requestFraming(h)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got framing %d", framing)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if framing != tt.framing || length != tt.length {
				t.Errorf("got (%d, %d), want (%d, %d)", framing, length, tt.framing, tt.length)
			}
		})
	}
}

func TestResponseFraming(t *testing.T) {
	resp := func(status int, fields ...string) *responseHead {
		r := &responseHead{version: "HTTP/1.1", status: status}
		for i := 0; i+1 < len(fields); i += 2 {
			r.headers.add(fields[i], fields[i+1])
		}
		return r
	}

	tests := []struct {
		name    string
		method  string
		resp    *responseHead
		framing bodyFraming
	}{
		{"head request", "HEAD", resp(200, "Content-Length", "10"), bodyNone},
		{"no content", "GET", resp(204), bodyNone},
		{"not modified", "GET", resp(304, "Content-Length", "10"), bodyNone},
		{"length", "GET", resp(200, "Content-Length", "10"), bodyLength},
		{"chunked", "GET", resp(200, "Transfer-Encoding", "chunked"), bodyChunked},
		{"until close", "GET", resp(200), bodyUntilClose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framing, _, err := responseFraming(tt.method, tt.resp)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if framing != tt.framing {
				t.Errorf("framing = %d, want %d", framing, tt.framing)
			}
		})
	}
}

func TestReadResponseHead_KeepsRaw(t *testing.T) {
	input := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\nFRAME"
	br := reader(input)

	resp, err := readResponseHead(br, 1<<20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.status != 101 || resp.reason != "Switching Protocols" {
		t.Errorf("got %d %q", resp.status, resp.reason)
	}
	if want := strings.TrimSuffix(input, "FRAME"); string(resp.raw) != want {
		t.Errorf("raw = %q, want %q", resp.raw, want)
	}
	if resp.interim() {
		t.Error("101 must not be treated as interim")
	}

	rest, _ := br.ReadString(0)
	if rest != "FRAME" {
		t.Errorf("expected tunnel bytes to remain buffered, got %q", rest)
	}
}

func TestCopyChunked_Verbatim(t *testing.T) {
	body := "5;ext=1\r\nhello\r\n6\r\n world\r\n0\r\nX-Checksum: abc\r\n\r\n"
	src := reader(body + "NEXT")

	var dst bytes.Buffer
	n, err := copyChunked(&dst, src)
	if err != nil {
		t.Fatalf("copyChunked failed: %v", err)
	}
	if n != 11 {
		t.Errorf("expected 11 payload bytes, got %d", n)
	}
	if dst.String() != body {
		t.Errorf("framing not preserved:\n got %q\nwant %q", dst.String(), body)
	}

	rest, _ := src.ReadString(0)
	if rest != "NEXT" {
		t.Errorf("expected following bytes untouched, got %q", rest)
	}
}

func TestCopyChunked_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"bad size", "zz\r\nhello\r\n0\r\n\r\n"},
		{"missing crlf", "5\r\nhelloXX0\r\n\r\n"},
		{"truncated", "5\r\nhel"},
		{"long chunk line", strings.Repeat("1", maxChunkLine+10) + "\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst bytes.Buffer
			if _, err := copyChunked(&dst, reader(tt.input)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestUpstreamHost(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:3000":    "localhost:3000",
		"[::1]:8080":        "localhost:8080",
		"localhost:5173":    "localhost:5173",
		"192.168.1.20:9000": "192.168.1.20:9000",
		"api.internal:80":   "api.internal:80",
	}
	for target, want := range tests {
		if got := upstreamHost(target); got != want {
			t.Errorf("upstreamHost(%q) = %q, want %q", target, got, want)
		}
	}
}

func TestForwardHead_Framing(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		notWant []string
	}{
		{
			name:    "chunked drops content length",
			input:   "POST /upload HTTP/1.1\r\nHost: a.localhost\r\nContent-Length: 4\r\nTransfer-Encoding: chunked\r\n\r\n",
			want:    []string{"Transfer-Encoding: chunked\r\n", "Host: localhost:3000\r\n"},
			notWant: []string{"Content-Length"},
		},
		{
			name:  "length only is kept",
			input: "POST /upload HTTP/1.1\r\nHost: a.localhost\r\nContent-Length: 4\r\n\r\n",
			want:  []string{"Content-Length: 4\r\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := readRequestHead(reader(tt.input), 8192)
			if err != nil {
				t.Fatalf("readRequestHead failed: %v", err)
			}
			frame, length, err := requestFraming(req.headers)
			if err != nil {
				t.Fatalf("requestFraming failed: %v", err)
			}

			x := &exchange{
				ctx:       context.Background(),
				req:       req,
				reqFrame:  frame,
				reqLength: length,
				route:     routes.Route{Host: "a.localhost", Target: "127.0.0.1:3000"},
			}
			c := &clientConn{client: "127.0.0.1:50000"}
			head := string(c.forwardHead(x, ""))

			for _, w := range tt.want {
				if !strings.Contains(head, w) {
					t.Errorf("expected %q in forwarded head:\n%s", w, head)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(head, nw) {
					t.Errorf("did not expect %q in forwarded head:\n%s", nw, head)
				}
			}
		})
	}
}
