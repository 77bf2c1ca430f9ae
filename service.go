package agentsitter

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/viant/afs"

	"github.com/phact/agentsitter/policy"
	"github.com/phact/agentsitter/progress"
	"github.com/phact/agentsitter/service/audit"
	"github.com/phact/agentsitter/service/authority"
	"github.com/phact/agentsitter/service/classifier"
	"github.com/phact/agentsitter/service/rendezvous"
	rhttp "github.com/phact/agentsitter/service/rendezvous/httpchannel"
	rmem "github.com/phact/agentsitter/service/rendezvous/memory"
	"github.com/phact/agentsitter/service/ticket"
	tmem "github.com/phact/agentsitter/service/ticket/memory"
)

// Service wires the interception stack together.
type Service struct {
	config    *Config
	logger    *slog.Logger
	fs        afs.Service
	chain     *classifier.Chain
	tickets   ticket.Service
	channel   rendezvous.Channel
	authority *authority.Manager
	trail     *audit.Trail
	upstream  *http.Client
	policy    *policy.Policy
	stats     *progress.Progress
	runtime   *Runtime
}

// New creates a service from options; unset dependencies get defaults derived
// from the configuration.
func New(options ...Option) (*Service, error) {
	ret := &Service{}
	for _, option := range options {
		option(ret)
	}
	if ret.config == nil {
		ret.config = DefaultConfig()
	}
	if err := ret.config.Validate(); err != nil {
		return nil, err
	}
	ret.ensureBaseSetup()
	ret.runtime = &Runtime{service: ret}
	return ret, nil
}

func (s *Service) ensureBaseSetup() {
	if s.logger == nil {
		s.logger = newLogger(s.config.Logging)
	}
	if s.fs == nil {
		s.fs = afs.New()
	}
	if s.chain == nil {
		s.chain = newChain(s.config.Classifier)
	}
	if s.tickets == nil {
		s.tickets = tmem.New(
			tmem.WithPendingTTL(s.config.Approval.PendingTTL.AsDuration(0)),
			tmem.WithRetention(s.config.Approval.Retention.AsDuration(0)))
	}
	if s.channel == nil {
		s.channel = newChannel(s.config.Rendezvous, s.logger)
	}
	if s.trail == nil && s.config.Audit.URL != "" {
		s.trail = audit.New(s.fs, s.config.Audit.URL, s.logger)
	}
	if s.upstream == nil {
		s.upstream = newUpstreamClient(s.config.Upstream)
	}
	if s.policy == nil {
		s.policy = policy.FromConfig(s.config.Policy)
	}
	if s.stats == nil {
		s.stats = progress.New()
	}
}

// Runtime returns the start/stop surface of the service.
func (s *Service) Runtime() *Runtime {
	return s.runtime
}

// Progress returns the live traffic counters.
func (s *Service) Progress() *progress.Progress {
	return s.stats
}

// CACertPEM makes sure the root CA exists and returns its PEM-encoded public
// certificate for trust-store installation.
func (s *Service) CACertPEM(ctx context.Context) ([]byte, error) {
	if err := s.ensureAuthority(ctx); err != nil {
		return nil, err
	}
	return s.authority.CACertPEM(), nil
}

func (s *Service) ensureAuthority(ctx context.Context) error {
	if s.authority != nil {
		return nil
	}
	root, err := authority.LoadOrGenerate(ctx, s.fs,
		s.config.CA.CertURL, s.config.CA.KeyURL,
		s.config.CA.CommonName, s.config.CA.Validity.AsDuration(0))
	if err != nil {
		return err
	}
	s.authority = authority.New(root, authority.WithLeafTTL(s.config.CA.LeafTTL.AsDuration(0)))
	return nil
}

func newLogger(config LoggingConfig) *slog.Logger {
	var level slog.Level
	switch config.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if config.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newChain(config ClassifierConfig) *classifier.Chain {
	if len(config.ReviewMethods) == 0 && len(config.ReviewHosts) == 0 && len(config.ReviewPaths) == 0 {
		return classifier.Default()
	}
	chain := classifier.NewChain()
	if len(config.ReviewMethods) > 0 {
		chain.Append(classifier.MethodRule{Methods: config.ReviewMethods})
	}
	if len(config.ReviewHosts) > 0 {
		chain.Append(classifier.HostRule{Patterns: config.ReviewHosts})
	}
	if len(config.ReviewPaths) > 0 {
		chain.Append(classifier.PathRule{Patterns: config.ReviewPaths})
	}
	return chain
}

func newChannel(config RendezvousConfig, logger *slog.Logger) rendezvous.Channel {
	if config.Endpoint == "" {
		return rmem.New()
	}
	return rhttp.New(rhttp.Config{
		Endpoint:    config.Endpoint,
		MaxAttempts: config.MaxAttempts,
		BaseDelay:   config.BaseDelay.AsDuration(0),
		Timeout:     config.Timeout.AsDuration(0),
	}, rhttp.WithLogger(logger))
}

// newUpstreamClient builds the pooled client for re-encrypted upstream calls.
// It validates server certificates against the system trust roots; the local
// interception CA plays no role on this side.
func newUpstreamClient(config UpstreamConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: config.DialTimeout.AsDuration(0),
		}).DialContext,
		TLSHandshakeTimeout:   config.TLSTimeout.AsDuration(0),
		ResponseHeaderTimeout: config.ResponseTimeout.AsDuration(0),
		MaxIdleConns:          config.MaxIdleConns,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport}
}
