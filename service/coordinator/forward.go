package coordinator

import (
	"io"
	"net/http"
	"strings"

	"github.com/phact/agentsitter/service/intercept"
)

// hopByHop headers are connection-scoped and must not cross the proxy in
// either direction (RFC 9110 §7.6.1).
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHop(header http.Header) {
	for _, name := range header.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			if field = strings.TrimSpace(field); field != "" {
				header.Del(field)
			}
		}
	}
	for _, name := range hopByHop {
		header.Del(name)
	}
}

// forward replays the snapshot upstream and copies the response back to the
// agent. Returns the upstream status code, or an error when the upstream was
// unreachable (in which case nothing has been written to w).
func (c *Coordinator) forward(w http.ResponseWriter, request *intercept.Request) (int, error) {
	upstream, err := request.NewUpstream()
	if err != nil {
		return 0, err
	}
	stripHopByHop(upstream.Header)

	response, err := c.client.Do(upstream)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	stripHopByHop(response.Header)
	for name, values := range response.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(response.StatusCode)
	if _, err := io.Copy(w, response.Body); err != nil {
		c.logger.Warn("response copy interrupted", "url", request.URL(), "error", err)
	}
	return response.StatusCode, nil
}
