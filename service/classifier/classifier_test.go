package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phact/agentsitter/service/intercept"
)

func snapshot(method, host, reqPath string) *intercept.Request {
	return &intercept.Request{Method: method, Scheme: "https", Host: host, Path: reqPath}
}

func TestDefaultChain(t *testing.T) {
	type testCase struct {
		name    string
		request *intercept.Request
		verdict Verdict
	}

	tests := []testCase{
		{name: "GET passes", request: snapshot("GET", "example.com", "/"), verdict: Allow},
		{name: "HEAD passes", request: snapshot("HEAD", "example.com", "/"), verdict: Allow},
		{name: "POST held", request: snapshot("POST", "example.com", "/submit"), verdict: Review},
		{name: "lowercase post held", request: snapshot("post", "example.com", "/submit"), verdict: Review},
	}

	chain := Default()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := chain.Classify(tc.request)
			assert.Equal(t, tc.verdict, result.Verdict)
			if tc.verdict == Review {
				assert.Equal(t, "method", result.Rule)
				assert.NotEmpty(t, result.Reason)
			}
		})
	}
}

func TestChainFirstMatchWins(t *testing.T) {
	evaluated := []string{}
	spy := func(id string, review bool) Rule {
		return Func{ID: id, Predicate: func(*intercept.Request) (string, bool) {
			evaluated = append(evaluated, id)
			return id, review
		}}
	}

	chain := NewChain(spy("first", false), spy("second", true), spy("third", true))
	result := chain.Classify(snapshot("GET", "example.com", "/"))

	assert.Equal(t, Review, result.Verdict)
	assert.Equal(t, "second", result.Rule)
	assert.Equal(t, []string{"first", "second"}, evaluated, "later rules must be short-circuited")
}

func TestHostAndPathRules(t *testing.T) {
	chain := NewChain(
		HostRule{Patterns: []string{"*.internal.example.com"}},
		PathRule{Patterns: []string{"/admin/*"}},
	)

	result := chain.Classify(snapshot("GET", "db.internal.example.com", "/"))
	assert.Equal(t, Review, result.Verdict)
	assert.Equal(t, "host", result.Rule)

	result = chain.Classify(snapshot("GET", "example.com", "/admin/users"))
	assert.Equal(t, Review, result.Verdict)
	assert.Equal(t, "path", result.Rule)

	result = chain.Classify(snapshot("GET", "example.com", "/index.html"))
	assert.Equal(t, Allow, result.Verdict)
}

func TestEmptyChainAllows(t *testing.T) {
	chain := NewChain()
	assert.Equal(t, Allow, chain.Classify(snapshot("POST", "example.com", "/submit")).Verdict)
}
