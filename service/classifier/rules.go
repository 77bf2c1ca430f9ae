package classifier

import (
	"fmt"
	"path"
	"strings"

	"github.com/phact/agentsitter/service/intercept"
)

// MethodRule votes review when the request method is in Methods.
// Matching is case-insensitive.
type MethodRule struct {
	Methods []string
}

func (MethodRule) Name() string { return "method" }

func (m MethodRule) Review(r *intercept.Request) (string, bool) {
	for _, method := range m.Methods {
		if strings.EqualFold(r.Method, method) {
			return fmt.Sprintf("method %s requires approval", r.Method), true
		}
	}
	return "", false
}

// HostRule votes review when the request host matches any of the Patterns
// (glob syntax, e.g. "*.internal.example.com"). An exact hostname is a valid
// pattern.
type HostRule struct {
	Patterns []string
}

func (HostRule) Name() string { return "host" }

func (h HostRule) Review(r *intercept.Request) (string, bool) {
	host := strings.ToLower(r.Host)
	for _, pattern := range h.Patterns {
		if ok, _ := path.Match(strings.ToLower(pattern), host); ok {
			return fmt.Sprintf("host %s requires approval", r.Host), true
		}
	}
	return "", false
}

// PathRule votes review when the URL path matches any of the Patterns
// (glob syntax, e.g. "/admin/*").
type PathRule struct {
	Patterns []string
}

func (PathRule) Name() string { return "path" }

func (p PathRule) Review(r *intercept.Request) (string, bool) {
	for _, pattern := range p.Patterns {
		if ok, _ := path.Match(pattern, r.Path); ok {
			return fmt.Sprintf("path %s requires approval", r.Path), true
		}
	}
	return "", false
}

// Func adapts a plain predicate into a Rule so callers can register ad-hoc
// rules without declaring a type.
type Func struct {
	ID        string
	Predicate func(r *intercept.Request) (string, bool)
}

func (f Func) Name() string { return f.ID }

func (f Func) Review(r *intercept.Request) (string, bool) { return f.Predicate(r) }
