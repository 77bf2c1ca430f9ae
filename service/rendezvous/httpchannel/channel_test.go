package httpchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/phact/agentsitter/service/rendezvous"
)

func TestPublishRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var event rendezvous.TicketCreated
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		assert.Equal(t, "t-1", event.ID)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	config := DefaultConfig(server.URL)
	config.BaseDelay = time.Millisecond
	channel := New(config)

	err := channel.Publish(context.Background(), &rendezvous.TicketCreated{ID: "t-1", CreatedAt: time.Now()})
	assert.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPublishUndeliverable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	config := DefaultConfig(server.URL)
	config.MaxAttempts = 2
	config.BaseDelay = time.Millisecond
	channel := New(config)

	err := channel.Publish(context.Background(), &rendezvous.TicketCreated{ID: "t-2"})
	assert.ErrorIs(t, err, rendezvous.ErrUndeliverable)
}

func TestDecisionIntake(t *testing.T) {
	channel := New(DefaultConfig("http://unused.invalid"))
	intake := httptest.NewServer(channel.DecisionHandler())
	defer intake.Close()

	body, _ := json.Marshal(rendezvous.TicketDecided{ID: "t-3", Decision: rendezvous.DecisionDenied, DecidedBy: "bob"})
	resp, err := http.Post(intake.URL, "application/json", bytes.NewReader(body))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	decision, err := channel.NextDecision(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "t-3", decision.ID)
	assert.Equal(t, rendezvous.DecisionDenied, decision.Decision)
	assert.False(t, decision.DecidedAt.IsZero(), "intake stamps missing DecidedAt")
}

func TestDecisionIntakeRejectsGarbage(t *testing.T) {
	channel := New(DefaultConfig("http://unused.invalid"))
	intake := httptest.NewServer(channel.DecisionHandler())
	defer intake.Close()

	resp, err := http.Post(intake.URL, "application/json", bytes.NewReader([]byte("{not json")))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	body, _ := json.Marshal(rendezvous.TicketDecided{ID: "t-4", Decision: "maybe"})
	resp, err = http.Post(intake.URL, "application/json", bytes.NewReader(body))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(intake.URL)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	_ = resp.Body.Close()
}
