package agentsitter

import (
	"log/slog"
	"net/http"

	"github.com/viant/afs"

	"github.com/phact/agentsitter/policy"
	"github.com/phact/agentsitter/service/audit"
	"github.com/phact/agentsitter/service/authority"
	"github.com/phact/agentsitter/service/classifier"
	"github.com/phact/agentsitter/service/rendezvous"
	"github.com/phact/agentsitter/service/ticket"
	"github.com/phact/agentsitter/tracing"
)

// Option customises the service.
type Option func(s *Service)

// WithConfig sets the configuration.
func WithConfig(config *Config) Option {
	return func(s *Service) { s.config = config }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithFileService sets the abstract file service used for CA material and
// the audit trail.
func WithFileService(fs afs.Service) Option {
	return func(s *Service) { s.fs = fs }
}

// WithClassifier sets the risk classifier chain.
func WithClassifier(chain *classifier.Chain) Option {
	return func(s *Service) { s.chain = chain }
}

// WithTicketService sets the ticket store.
func WithTicketService(svc ticket.Service) Option {
	return func(s *Service) { s.tickets = svc }
}

// WithChannel sets the rendezvous channel.
func WithChannel(channel rendezvous.Channel) Option {
	return func(s *Service) { s.channel = channel }
}

// WithAuthority sets the certificate authority manager.
func WithAuthority(manager *authority.Manager) Option {
	return func(s *Service) { s.authority = manager }
}

// WithAuditTrail sets the audit trail.
func WithAuditTrail(trail *audit.Trail) Option {
	return func(s *Service) { s.trail = trail }
}

// WithUpstreamClient sets the client used for re-encrypted upstream calls.
func WithUpstreamClient(client *http.Client) Option {
	return func(s *Service) { s.upstream = client }
}

// WithPolicy sets the supervision policy evaluated before the classifier.
func WithPolicy(p *policy.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithTracing configures OpenTelemetry tracing for the service. If outputFile
// is empty the stdout exporter is used; otherwise traces are written to the
// supplied file path. Safe to call multiple times; the first successful
// initialisation wins.
func WithTracing(serviceName, serviceVersion, outputFile string) Option {
	return func(s *Service) {
		_ = tracing.Init(serviceName, serviceVersion, outputFile)
	}
}
