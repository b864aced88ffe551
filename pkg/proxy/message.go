package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"flow-hq/domains/pkg/domainerr"
)

// header is one header field as received. Name casing is preserved so
// forwarded messages stay close to what the peer sent.
type header struct {
	name  string
	value string
}

// headers is an ordered header list. Lookups are case-insensitive.
type headers []header

func (h headers) get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.name, name) {
			return f.value
		}
	}
	return ""
}

func (h headers) has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.name, name) {
			return true
		}
	}
	return false
}

func (h headers) values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.name, name) {
			out = append(out, f.value)
		}
	}
	return out
}

// tokens returns the lower-cased comma-separated tokens of every name field.
func (h headers) tokens(name string) []string {
	var out []string
	for _, v := range h.values(name) {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.ToLower(strings.TrimSpace(tok)); tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}

func (h headers) hasToken(name, token string) bool {
	for _, tok := range h.tokens(name) {
		if tok == token {
			return true
		}
	}
	return false
}

func (h *headers) del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

func (h *headers) add(name, value string) {
	*h = append(*h, header{name: name, value: value})
}

func (h *headers) set(name, value string) {
	h.del(name)
	h.add(name, value)
}

// Get, Set and Keys make headers a propagation.TextMapCarrier.

func (h *headers) Get(key string) string { return h.get(key) }

func (h *headers) Set(key, value string) { h.set(key, value) }

func (h *headers) Keys() []string {
	keys := make([]string, 0, len(*h))
	for _, f := range *h {
		keys = append(keys, strings.ToLower(f.name))
	}
	return keys
}

func (h headers) writeTo(b *bytes.Buffer) {
	for _, f := range h {
		b.WriteString(f.name)
		b.WriteString(": ")
		b.WriteString(f.value)
		b.WriteString("\r\n")
	}
}

// hopByHop are removed from forwarded messages in addition to the tokens
// listed in Connection.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Upgrade",
}

// stripHopByHop removes hop-by-hop fields. keep names a field that
// survives, used for Upgrade on upgrade requests.
func (h *headers) stripHopByHop(keep string) {
	for _, tok := range h.tokens("Connection") {
		if !strings.EqualFold(tok, keep) {
			h.del(tok)
		}
	}
	for _, name := range hopByHop {
		if !strings.EqualFold(name, keep) {
			h.del(name)
		}
	}
}

// requestHead is a parsed request line and header block.
type requestHead struct {
	method  string
	target  string
	version string
	headers headers
}

func (r *requestHead) http10() bool { return r.version == "HTTP/1.0" }

// keepAlive reports whether the client allows another request on the
// connection. HTTP/1.0 needs an explicit keep-alive.
func (r *requestHead) keepAlive() bool {
	if r.headers.hasToken("Connection", "close") {
		return false
	}
	if r.http10() {
		return r.headers.hasToken("Connection", "keep-alive")
	}
	return true
}

// upgrade returns the requested protocol when the request asks to switch.
func (r *requestHead) upgrade() string {
	if !r.headers.hasToken("Connection", "upgrade") {
		return ""
	}
	return r.headers.get("Upgrade")
}

func (r *requestHead) expectContinue() bool {
	return r.headers.hasToken("Expect", "100-continue")
}

// responseHead is a parsed status line and header block.
type responseHead struct {
	version string
	status  int
	reason  string
	headers headers

	// raw is the head exactly as received.
	raw []byte
}

// keepAlive reports whether the upstream allows connection reuse.
func (r *responseHead) keepAlive() bool {
	if r.headers.hasToken("Connection", "close") {
		return false
	}
	if r.version == "HTTP/1.0" {
		return r.headers.hasToken("Connection", "keep-alive")
	}
	return true
}

func (r *responseHead) interim() bool {
	return r.status >= 100 && r.status < 200 && r.status != 101
}

var (
	errHeadTooLarge = &domainerr.ProtocolError{Reason: "request header block too large"}
	errEmptyHead    = errors.New("connection closed or idle before request")
)

// headReader reads CRLF-terminated lines with a shared byte budget.
type headReader struct {
	br     *bufio.Reader
	budget int
	raw    []byte
	keep   bool
}

func (hr *headReader) line() (string, error) {
	var line []byte
	for {
		chunk, err := hr.br.ReadSlice('\n')
		hr.budget -= len(chunk)
		if hr.budget < 0 {
			return "", errHeadTooLarge
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	if hr.keep {
		hr.raw = append(hr.raw, line...)
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return string(line), nil
}

func (hr *headReader) fields() (headers, error) {
	var h headers
	for {
		line, err := hr.line()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, &domainerr.ProtocolError{Reason: "obsolete header line folding"}
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !validToken(name) {
			return nil, &domainerr.ProtocolError{Reason: fmt.Sprintf("malformed header line %q", truncate(line, 64))}
		}
		h = append(h, header{name: name, value: strings.TrimSpace(value)})
	}
}

// readRequestHead parses one request head. It returns errEmptyHead when the
// peer closed the connection before sending anything.
func readRequestHead(br *bufio.Reader, maxBytes int) (*requestHead, error) {
	hr := &headReader{br: br, budget: maxBytes}

	// Tolerate empty lines between keep-alive requests.
	var line string
	for {
		var err error
		line, err = hr.line()
		if err != nil && hr.budget == maxBytes {
			return nil, errEmptyHead
		}
		if err != nil {
			return nil, err
		}
		if line != "" {
			break
		}
	}

	if strings.HasPrefix(line, "PRI * HTTP/2") {
		return nil, &domainerr.ProtocolError{Reason: "HTTP/2 is not supported; use HTTP/1.1"}
	}

	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || !validToken(parts[0]) {
		return nil, &domainerr.ProtocolError{Reason: fmt.Sprintf("malformed request line %q", truncate(line, 64))}
	}
	if parts[2] != "HTTP/1.1" && parts[2] != "HTTP/1.0" {
		return nil, &domainerr.ProtocolError{Reason: fmt.Sprintf("unsupported protocol version %q", truncate(parts[2], 16))}
	}

	h, err := hr.fields()
	if err != nil {
		return nil, err
	}

	return &requestHead{
		method:  parts[0],
		target:  parts[1],
		version: parts[2],
		headers: h,
	}, nil
}

// readResponseHead parses one response head, keeping the raw bytes.
func readResponseHead(br *bufio.Reader, maxBytes int) (*responseHead, error) {
	hr := &headReader{br: br, budget: maxBytes, keep: true}

	line, err := hr.line()
	if err != nil {
		return nil, err
	}

	version, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(version, "HTTP/1.") {
		return nil, fmt.Errorf("malformed status line %q", truncate(line, 64))
	}
	code, reason, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || status < 100 {
		return nil, fmt.Errorf("malformed status code %q", truncate(code, 16))
	}

	h, err := hr.fields()
	if err != nil {
		return nil, err
	}

	return &responseHead{
		version: version,
		status:  status,
		reason:  reason,
		headers: h,
		raw:     hr.raw,
	}, nil
}

// bodyFraming is how a message body is delimited.
type bodyFraming int

const (
	bodyNone bodyFraming = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

// requestFraming determines the request body framing. Transfer-Encoding
// wins over Content-Length.
func requestFraming(h headers) (bodyFraming, int64, error) {
	if h.has("Transfer-Encoding") {
		if !chunkedLast(h) {
			return 0, 0, &domainerr.ProtocolError{Reason: "unsupported transfer encoding"}
		}
		return bodyChunked, 0, nil
	}
	n, ok, err := contentLength(h)
	if err != nil {
		return 0, 0, err
	}
	if !ok || n == 0 {
		return bodyNone, 0, nil
	}
	return bodyLength, n, nil
}

// responseFraming determines the response body framing.
func responseFraming(method string, resp *responseHead) (bodyFraming, int64, error) {
	if method == "HEAD" || resp.status < 200 || resp.status == 204 || resp.status == 304 {
		return bodyNone, 0, nil
	}
	if resp.headers.has("Transfer-Encoding") {
		if chunkedLast(resp.headers) {
			return bodyChunked, 0, nil
		}
		return bodyUntilClose, 0, nil
	}
	n, ok, err := contentLength(resp.headers)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return bodyUntilClose, 0, nil
	}
	if n == 0 {
		return bodyNone, 0, nil
	}
	return bodyLength, n, nil
}

func chunkedLast(h headers) bool {
	toks := h.tokens("Transfer-Encoding")
	return len(toks) > 0 && toks[len(toks)-1] == "chunked"
}

// contentLength parses Content-Length. Repeated fields must agree.
func contentLength(h headers) (int64, bool, error) {
	vals := h.values("Content-Length")
	if len(vals) == 0 {
		return 0, false, nil
	}
	var n int64 = -1
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			parsed, err := strconv.ParseInt(part, 10, 64)
			if err != nil || parsed < 0 || (part != "" && part[0] == '+') {
				return 0, false, &domainerr.ProtocolError{Reason: fmt.Sprintf("invalid Content-Length %q", truncate(v, 32))}
			}
			if n >= 0 && parsed != n {
				return 0, false, &domainerr.ProtocolError{Reason: "conflicting Content-Length values"}
			}
			n = parsed
		}
	}
	return n, true, nil
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
