package coordinator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Response headers the proxy synthesizes. Agents distinguish proxy-originated
// responses from upstream ones by their presence.
const (
	HeaderTicket   = "X-Agentsitter-Ticket"
	HeaderDecision = "X-Agentsitter-Decision"
)

// marker is the JSON body of every synthesized response.
type marker struct {
	Agentsitter string `json:"agentsitter"`
	Ticket      string `json:"ticket,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RetryAfter  int    `json:"retryAfterSeconds,omitempty"`
}

func writeMarker(w http.ResponseWriter, status int, m marker) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(m)
}

// writeDenied synthesizes the blocked-request response. The decision header
// lets an agent tell a proxy denial apart from an upstream 403.
func writeDenied(w http.ResponseWriter, ticketID, decision, reason string) {
	w.Header().Set(HeaderDecision, decision)
	if ticketID != "" {
		w.Header().Set(HeaderTicket, ticketID)
	}
	writeMarker(w, http.StatusForbidden, marker{Agentsitter: "denied", Ticket: ticketID, Reason: reason})
}

// writePending tells the agent its request is parked behind a ticket and may
// be retried with the ticket header once a decision lands.
func writePending(w http.ResponseWriter, ticketID string, retryAfter time.Duration) {
	seconds := int(retryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set(HeaderTicket, ticketID)
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeMarker(w, http.StatusAccepted, marker{Agentsitter: "pending", Ticket: ticketID, RetryAfter: seconds})
}

// writeUpstreamError reports a connectivity failure toward the real server,
// distinct from a denial.
func writeUpstreamError(w http.ResponseWriter, reason string) {
	writeMarker(w, http.StatusBadGateway, marker{Agentsitter: "upstream-error", Reason: reason})
}
