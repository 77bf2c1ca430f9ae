package agentsitter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phact/agentsitter/service/audit"
	"github.com/phact/agentsitter/service/coordinator"
	"github.com/phact/agentsitter/service/rendezvous"
	rmem "github.com/phact/agentsitter/service/rendezvous/memory"
)

// startService boots a full service against mem:// CA material and returns a
// client that trusts the interception CA and routes through the proxy.
func startService(t *testing.T, channel *rmem.Channel, options ...Option) (*Service, *http.Client) {
	t.Helper()
	ctx := context.Background()

	config := DefaultConfig()
	config.Server.Addr = "127.0.0.1:0"
	config.CA.CertURL = "mem://localhost/service-test/" + t.Name() + "/ca-cert.pem"
	config.CA.KeyURL = "mem://localhost/service-test/" + t.Name() + "/ca-key.pem"
	config.Approval.HoldTimeout = Duration(2 * time.Second)
	config.Approval.PollInterval = Duration(5 * time.Millisecond)
	config.Approval.SweepInterval = Duration(20 * time.Millisecond)
	config.Audit.URL = "mem://localhost/service-test/" + t.Name() + "/audit"

	base := []Option{WithConfig(config), WithChannel(channel)}
	service, err := New(append(base, options...)...)
	require.NoError(t, err)

	require.NoError(t, service.Runtime().Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = service.Runtime().Shutdown(shutdownCtx)
	})

	caPEM, err := service.CACertPEM(ctx)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caPEM))

	proxyURL := &url.URL{Scheme: "http", Host: service.Runtime().Addr()}
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
		Timeout: 5 * time.Second,
	}
	return service, client
}

func TestServiceEndToEndApproval(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte("got " + string(body)))
	}))
	defer upstream.Close()

	channel := rmem.New()
	service, client := startService(t, channel, WithUpstreamClient(upstream.Client()))

	// Approve whatever ticket shows up, the way the approval app would.
	go func() {
		ctx := context.Background()
		created, err := channel.NextCreated(ctx)
		if err != nil {
			return
		}
		_ = channel.Deliver(ctx, &rendezvous.TicketDecided{
			ID:        created.ID,
			Decision:  rendezvous.DecisionApproved,
			DecidedBy: "reviewer",
		})
	}()

	response, err := client.Post(upstream.URL+"/submit", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer response.Body.Close()

	body, _ := io.ReadAll(response.Body)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "got payload", string(body))

	// The audit trail saw creation and decision.
	events, err := service.trail.List(context.Background())
	assert.NoError(t, err)
	kinds := make([]audit.Kind, 0, len(events))
	for _, event := range events {
		kinds = append(kinds, event.Kind)
	}
	assert.Contains(t, kinds, audit.KindCreated)
	assert.Contains(t, kinds, audit.KindDecided)
}

func TestServiceEndToEndDenial(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("denied request must not reach upstream")
	}))
	defer upstream.Close()

	channel := rmem.New()
	_, client := startService(t, channel, WithUpstreamClient(upstream.Client()))

	go func() {
		ctx := context.Background()
		created, err := channel.NextCreated(ctx)
		if err != nil {
			return
		}
		_ = channel.Deliver(ctx, &rendezvous.TicketDecided{
			ID:        created.ID,
			Decision:  rendezvous.DecisionDenied,
			DecidedBy: "reviewer",
		})
	}()

	response, err := client.Post(upstream.URL+"/submit", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer response.Body.Close()

	assert.Equal(t, http.StatusForbidden, response.StatusCode)
	assert.Equal(t, "denied", response.Header.Get(coordinator.HeaderDecision))
}

func TestServiceStartIntakeFailureStartsNothing(t *testing.T) {
	// Occupy a port so the decision intake cannot bind to it.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	config := DefaultConfig()
	config.Server.Addr = "127.0.0.1:0"
	config.CA.CertURL = "mem://localhost/service-test/intake/ca-cert.pem"
	config.CA.KeyURL = "mem://localhost/service-test/intake/ca-key.pem"
	config.Rendezvous.Endpoint = "http://127.0.0.1:1/tickets"
	config.Rendezvous.IntakeAddr = occupied.Addr().String()

	service, err := New(WithConfig(config))
	require.NoError(t, err)

	err = service.Runtime().Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision intake")

	// Nothing was bound or started, so a later Start succeeds cleanly.
	assert.Empty(t, service.Runtime().Addr())
	assert.NoError(t, service.Runtime().Shutdown(context.Background()))

	config.Rendezvous.IntakeAddr = "127.0.0.1:0"
	require.NoError(t, service.Runtime().Start(context.Background()))
	assert.NotEmpty(t, service.Runtime().Addr())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, service.Runtime().Shutdown(shutdownCtx))
}

func TestServiceStartRejectsChannelWithoutIntake(t *testing.T) {
	config := DefaultConfig()
	config.Server.Addr = "127.0.0.1:0"
	config.CA.CertURL = "mem://localhost/service-test/no-intake/ca-cert.pem"
	config.CA.KeyURL = "mem://localhost/service-test/no-intake/ca-key.pem"
	config.Rendezvous.IntakeAddr = "127.0.0.1:0"

	service, err := New(WithConfig(config), WithChannel(rmem.New()))
	require.NoError(t, err)

	err = service.Runtime().Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no decision intake")
	assert.Empty(t, service.Runtime().Addr())
}

func TestServiceExpiryDeniesWaiter(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("expired request must not reach upstream")
	}))
	defer upstream.Close()

	config := DefaultConfig()
	config.Server.Addr = "127.0.0.1:0"
	config.CA.CertURL = "mem://localhost/service-test/expiry/ca-cert.pem"
	config.CA.KeyURL = "mem://localhost/service-test/expiry/ca-key.pem"
	config.Approval.HoldTimeout = Duration(2 * time.Second)
	config.Approval.PendingTTL = Duration(50 * time.Millisecond)
	config.Approval.SweepInterval = Duration(20 * time.Millisecond)
	config.Approval.PollInterval = Duration(5 * time.Millisecond)

	service, err := New(WithConfig(config), WithChannel(rmem.New()), WithUpstreamClient(upstream.Client()))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, service.Runtime().Start(ctx))
	defer func() { _ = service.Runtime().Shutdown(context.Background()) }()

	caPEM, err := service.CACertPEM(ctx)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caPEM))
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(&url.URL{Scheme: "http", Host: service.Runtime().Addr()}),
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
		Timeout: 5 * time.Second,
	}

	// Nobody decides; the reaper expires the ticket and the held connection
	// gets a denial.
	response, err := client.Post(upstream.URL+"/submit", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer response.Body.Close()

	assert.Equal(t, http.StatusForbidden, response.StatusCode)
	assert.Equal(t, "expired", response.Header.Get(coordinator.HeaderDecision))
}
