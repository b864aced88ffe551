package routes

import (
	"net"
	"strconv"
	"strings"
	"time"

	"flow-hq/domains/pkg/domainerr"
)

// Suffix is the only top-level domain routes may use.
const Suffix = ".localhost"

// Route maps one host to one upstream.
type Route struct {
	Host      string    `json:"host"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// NormalizeHost canonicalizes a route host and validates it.
//
// The host is trimmed and lower-cased, and a pasted http:// prefix or
// trailing slash is dropped. It must be a subdomain of .localhost made of
// valid DNS labels, so "App.Localhost" becomes "app.localhost" while
// "localhost" and "app.example.com" are rejected with a
// *domainerr.ValidationError.
func NormalizeHost(raw string) (string, error) {
	host := strings.ToLower(trimURLish(raw))

	if host == "" {
		return "", &domainerr.ValidationError{Field: "host", Value: raw, Message: "host is required"}
	}
	if strings.ContainsAny(host, "/: \t\r\n") {
		return "", &domainerr.ValidationError{Field: "host", Value: raw, Message: "must be a bare host name without path or port"}
	}
	if !strings.HasSuffix(host, Suffix) || host == Suffix {
		return "", &domainerr.ValidationError{Field: "host", Value: raw, Message: "must be a subdomain of .localhost, e.g. app.localhost"}
	}

	for _, label := range strings.Split(host, ".") {
		if !validLabel(label) {
			return "", &domainerr.ValidationError{Field: "host", Value: raw, Message: "labels must be 1-63 letters, digits or hyphens"}
		}
	}

	return host, nil
}

// NormalizeTarget canonicalizes an upstream "host:port" and validates it.
//
// An http:// or https:// prefix and trailing slashes are tolerated, so
// "http://localhost:5173/" becomes "localhost:5173". Paths, queries, a
// missing port or a port outside 1..65535 are rejected with a
// *domainerr.ValidationError.
func NormalizeTarget(raw string) (string, error) {
	target := trimURLish(raw)

	if target == "" {
		return "", &domainerr.ValidationError{Field: "target", Value: raw, Message: "target is required"}
	}
	if strings.ContainsAny(target, "/?# \t\r\n") {
		return "", &domainerr.ValidationError{Field: "target", Value: raw, Message: "must be host:port without path or query"}
	}

	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return "", &domainerr.ValidationError{Field: "target", Value: raw, Message: "must be host:port, e.g. 127.0.0.1:3000"}
	}
	if host == "" {
		return "", &domainerr.ValidationError{Field: "target", Value: raw, Message: "upstream host is required"}
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return "", &domainerr.ValidationError{Field: "target", Value: raw, Message: "port must be between 1 and 65535"}
	}

	return net.JoinHostPort(strings.ToLower(host), strconv.Itoa(p)), nil
}

// HostFromHeader extracts the lookup key from a Host header value: the
// port suffix and a trailing dot are dropped and the result is lower-cased.
func HostFromHeader(value string) string {
	host := strings.TrimSpace(value)

	if strings.HasPrefix(host, "[") {
		if end := strings.IndexByte(host, ']'); end > 0 {
			host = host[1:end]
		}
	} else if i := strings.LastIndexByte(host, ':'); i >= 0 {
		if _, err := strconv.Atoi(host[i+1:]); err == nil || i == len(host)-1 {
			host = host[:i]
		}
	}

	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// IsLoopback reports whether the target's host is a loopback address or
// "localhost".
func IsLoopback(target string) bool {
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func trimURLish(raw string) string {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(lower, scheme) {
			s = s[len(scheme):]
			break
		}
	}
	return strings.TrimRight(s, "/")
}

func validLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}
