package intercept

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/phact/agentsitter/internal/clock"
)

// Request is an immutable snapshot of one intercepted agent request. It is
// taken before classification so that a later forward replays exactly what
// the agent sent, regardless of what happened to the live connection in
// between.
type Request struct {
	Method     string      `json:"method"`
	Scheme     string      `json:"scheme"`
	Host       string      `json:"host"`
	Port       string      `json:"port,omitempty"`
	Path       string      `json:"path"`
	Query      string      `json:"query,omitempty"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	RemoteAddr string      `json:"remoteAddr,omitempty"`
	ReceivedAt time.Time   `json:"receivedAt"`
}

// MaxBodySnapshot bounds how much request body is captured. Bodies above the
// limit fail the snapshot rather than truncate, so a forwarded request is
// never silently incomplete.
const MaxBodySnapshot = 10 << 20

// Snapshot captures an immutable copy of r. The body is fully read; r.Body is
// replaced so the caller can still use the original request.
func Snapshot(r *http.Request, scheme string) (*Request, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, MaxBodySnapshot+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		if len(body) > MaxBodySnapshot {
			return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodySnapshot)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	host, port := splitHostPort(r.Host)
	return &Request{
		Method:     r.Method,
		Scheme:     scheme,
		Host:       host,
		Port:       port,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		Header:     r.Header.Clone(),
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		ReceivedAt: clock.Now(),
	}, nil
}

// URL reconstructs the absolute target URL of the snapshot.
func (r *Request) URL() string {
	hostport := r.Host
	if r.Port != "" && !isDefaultPort(r.Scheme, r.Port) {
		hostport = r.Host + ":" + r.Port
	}
	u := r.Scheme + "://" + hostport + r.Path
	if r.Query != "" {
		u += "?" + r.Query
	}
	return u
}

// Summary returns a short human-readable description used in ticket events,
// e.g. "POST https://example.com/submit (142 bytes)".
func (r *Request) Summary() string {
	if len(r.Body) == 0 {
		return fmt.Sprintf("%s %s", r.Method, r.URL())
	}
	return fmt.Sprintf("%s %s (%d bytes)", r.Method, r.URL(), len(r.Body))
}

// NewUpstream builds a fresh outbound http.Request replaying the snapshot.
func (r *Request) NewUpstream() (*http.Request, error) {
	req, err := http.NewRequest(r.Method, r.URL(), bytes.NewReader(r.Body))
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	return req, nil
}

func splitHostPort(hostport string) (host, port string) {
	for i := len(hostport) - 1; i >= 0; i-- {
		switch hostport[i] {
		case ':':
			return hostport[:i], hostport[i+1:]
		case ']':
			return hostport, ""
		}
		if hostport[i] < '0' || hostport[i] > '9' {
			return hostport, ""
		}
	}
	return hostport, ""
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}
