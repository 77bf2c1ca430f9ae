// Package classifier decides whether an intercepted request may pass through
// unattended or must wait for a human decision. Rules are pure predicates
// over the request snapshot; any review vote wins and evaluation stops at the
// first match.
package classifier

import (
	"github.com/phact/agentsitter/service/intercept"
)

// Verdict represents the classification outcome for a request.
type Verdict int

const (
	// Review indicates the request must be held for human approval. It is
	// the zero value, so an uninitialized Result defaults to the safest
	// outcome.
	Review Verdict = iota

	// Allow indicates the request is safe to forward immediately.
	Allow
)

// String returns the string representation of a Verdict.
func (v Verdict) String() string {
	switch v {
	case Review:
		return "review"
	case Allow:
		return "allow"
	default:
		return "unknown"
	}
}

// Result holds the outcome of request classification.
type Result struct {
	// Verdict is the classification decision.
	Verdict Verdict

	// Reason is a human-readable explanation of why this decision was made.
	Reason string

	// Rule is the identifier of the rule that matched, if any.
	Rule string
}

// Rule is a single risk predicate. Review returns (reason, true) when the
// request needs human approval. Implementations must be side-effect free,
// bounded in latency and must not perform I/O.
type Rule interface {
	Name() string
	Review(r *intercept.Request) (reason string, review bool)
}

// Chain evaluates an ordered set of rules; the first rule voting review
// short-circuits the remainder. An empty chain allows everything.
type Chain struct {
	rules []Rule
}

// NewChain creates a classifier from the given ordered rules.
func NewChain(rules ...Rule) *Chain {
	return &Chain{rules: rules}
}

// Default returns the stock classifier: state-changing methods require
// review, everything else passes.
func Default() *Chain {
	return NewChain(MethodRule{Methods: []string{"POST"}})
}

// Append registers additional rules after the existing ones.
func (c *Chain) Append(rules ...Rule) *Chain {
	c.rules = append(c.rules, rules...)
	return c
}

// Classify maps a request snapshot to a verdict.
func (c *Chain) Classify(r *intercept.Request) Result {
	for _, rule := range c.rules {
		if reason, review := rule.Review(r); review {
			return Result{Verdict: Review, Reason: reason, Rule: rule.Name()}
		}
	}
	return Result{Verdict: Allow}
}
