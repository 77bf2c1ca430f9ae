package intercept

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotAndReplay(t *testing.T) {
	original := httptest.NewRequest("POST", "https://api.example.com/v1/orders?dry=1", strings.NewReader(`{"n":1}`))
	original.Header.Set("Authorization", "Bearer token")

	snapshot, err := Snapshot(original, "https")
	assert.NoError(t, err)
	assert.Equal(t, "POST", snapshot.Method)
	assert.Equal(t, "api.example.com", snapshot.Host)
	assert.Equal(t, "https://api.example.com/v1/orders?dry=1", snapshot.URL())
	assert.Equal(t, []byte(`{"n":1}`), snapshot.Body)

	// The original request stays readable after the snapshot.
	rest, err := io.ReadAll(original.Body)
	assert.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(rest))

	upstream, err := snapshot.NewUpstream()
	assert.NoError(t, err)
	assert.Equal(t, "Bearer token", upstream.Header.Get("Authorization"))
	body, _ := io.ReadAll(upstream.Body)
	assert.Equal(t, `{"n":1}`, string(body))
}

func TestURLOmitsDefaultPort(t *testing.T) {
	type testCase struct {
		name     string
		request  Request
		expected string
	}
	testCases := []testCase{
		{
			name:     "default https port dropped",
			request:  Request{Scheme: "https", Host: "example.com", Port: "443", Path: "/"},
			expected: "https://example.com/",
		},
		{
			name:     "custom port kept",
			request:  Request{Scheme: "https", Host: "example.com", Port: "8443", Path: "/x"},
			expected: "https://example.com:8443/x",
		},
		{
			name:     "default http port dropped",
			request:  Request{Scheme: "http", Host: "example.com", Port: "80", Path: "/"},
			expected: "http://example.com/",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.request.URL())
		})
	}
}

func TestSummary(t *testing.T) {
	request := &Request{Method: "POST", Scheme: "https", Host: "example.com", Path: "/submit", Body: []byte("abc")}
	assert.Equal(t, "POST https://example.com/submit (3 bytes)", request.Summary())

	empty := &Request{Method: "GET", Scheme: "https", Host: "example.com", Path: "/"}
	assert.Equal(t, "GET https://example.com/", empty.Summary())
}

func TestSnapshotRejectsOversizedBody(t *testing.T) {
	oversized := strings.NewReader(strings.Repeat("a", MaxBodySnapshot+1))
	request := httptest.NewRequest("POST", "https://example.com/upload", oversized)
	_, err := Snapshot(request, "https")
	assert.Error(t, err)
}
