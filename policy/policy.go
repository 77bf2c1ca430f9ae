// Package policy provides a coarse, optional supervision layer evaluated
// before the rule classifier. It is deliberately decoupled from the rest of
// the proxy so that using it is entirely opt-in; a nil *Policy keeps the
// classifier in full control.
package policy

import (
	"context"
	"path"
	"strings"
)

// Supervision modes.
const (
	ModeAsk  = "ask"  // classify each request, hold risky ones (default)
	ModeAuto = "auto" // forward everything not block-listed
	ModeDeny = "deny" // hold every request for approval
)

// Policy represents the supervision settings for an agent's traffic.
//
//   - Mode controls the high-level behaviour (ask / auto / deny).
//   - AllowList, BlockList filter by destination host regardless of Mode;
//     entries are glob patterns ("*.internal.example.com").
//
// A nil *Policy means "classify everything normally" and is therefore the
// zero-cost default.
type Policy struct {
	Mode      string
	AllowList []string // empty => all hosts reachable
	BlockList []string
}

// Config is the serialisable form of a Policy.
type Config struct {
	Mode      string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	AllowList []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	BlockList []string `json:"block,omitempty" yaml:"block,omitempty"`
}

// FromConfig converts a stored Config into a runtime Policy.
func FromConfig(c *Config) *Policy {
	if c == nil {
		return nil
	}
	return &Policy{
		Mode:      c.Mode,
		AllowList: append([]string(nil), c.AllowList...),
		BlockList: append([]string(nil), c.BlockList...),
	}
}

// ToConfig converts a runtime Policy into a persistable Config.
func ToConfig(p *Policy) *Config {
	if p == nil {
		return nil
	}
	return &Config{
		Mode:      p.Mode,
		AllowList: append([]string(nil), p.AllowList...),
		BlockList: append([]string(nil), p.BlockList...),
	}
}

// HostAllowed evaluates AllowList / BlockList against the destination host.
// Matching is case-insensitive glob comparison; BlockList has priority.
func (p *Policy) HostAllowed(host string) bool {
	if p == nil {
		return true
	}
	normalized := strings.ToLower(host)

	for _, pattern := range p.BlockList {
		if ok, _ := path.Match(strings.ToLower(pattern), normalized); ok {
			return false
		}
	}
	if len(p.AllowList) == 0 {
		return true
	}
	for _, pattern := range p.AllowList {
		if ok, _ := path.Match(strings.ToLower(pattern), normalized); ok {
			return true
		}
	}
	return false
}

type ctxKeyT struct{}

var ctxKey ctxKeyT

// WithPolicy embeds the policy in ctx.
func WithPolicy(ctx context.Context, p *Policy) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey, p)
}

// FromContext extracts the policy, nil when absent.
func FromContext(ctx context.Context) *Policy {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxKey).(*Policy); ok {
		return v
	}
	return nil
}
