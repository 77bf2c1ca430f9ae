package agentsitter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"

	"github.com/phact/agentsitter/policy"
)

// Duration wraps time.Duration so YAML configs can use "30s" style values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// AsDuration returns the wrapped value, or fallback when unset.
func (d Duration) AsDuration(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// Config is the serialisable service configuration. The zero value is usable;
// all nested fields inherit their package defaults.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	CA         CAConfig         `json:"ca" yaml:"ca"`
	Policy     *policy.Config   `json:"policy,omitempty" yaml:"policy,omitempty"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
	Approval   ApprovalConfig   `json:"approval" yaml:"approval"`
	Rendezvous RendezvousConfig `json:"rendezvous" yaml:"rendezvous"`
	Upstream   UpstreamConfig   `json:"upstream" yaml:"upstream"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

type ServerConfig struct {
	// Addr is the proxy listen address, e.g. ":8080".
	Addr string `json:"addr" yaml:"addr"`
}

type CAConfig struct {
	// CertURL/KeyURL locate the root CA PEM material (any afs scheme).
	// Missing material is generated and persisted on first start.
	CertURL    string   `json:"certUrl" yaml:"certUrl"`
	KeyURL     string   `json:"keyUrl" yaml:"keyUrl"`
	CommonName string   `json:"commonName" yaml:"commonName"`
	Validity   Duration `json:"validity" yaml:"validity"`
	LeafTTL    Duration `json:"leafTtl" yaml:"leafTtl"`
}

type ClassifierConfig struct {
	// ReviewMethods lists HTTP methods that always require approval.
	ReviewMethods []string `json:"reviewMethods" yaml:"reviewMethods"`
	// ReviewHosts / ReviewPaths are glob patterns that force approval.
	ReviewHosts []string `json:"reviewHosts" yaml:"reviewHosts"`
	ReviewPaths []string `json:"reviewPaths" yaml:"reviewPaths"`
}

type ApprovalConfig struct {
	// HoldTimeout bounds how long an agent connection is held open while its
	// ticket awaits a decision.
	HoldTimeout Duration `json:"holdTimeout" yaml:"holdTimeout"`
	// PendingTTL is the approval deadline; overdue tickets expire.
	PendingTTL Duration `json:"pendingTtl" yaml:"pendingTtl"`
	// Retention keeps decided tickets queryable for late retries.
	Retention     Duration `json:"retention" yaml:"retention"`
	SweepInterval Duration `json:"sweepInterval" yaml:"sweepInterval"`
	PollInterval  Duration `json:"pollInterval" yaml:"pollInterval"`
}

type RendezvousConfig struct {
	// Endpoint receives ticket-created events; empty selects the in-process
	// channel.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// IntakeAddr, when set, exposes the decision intake handler.
	IntakeAddr  string   `json:"intakeAddr" yaml:"intakeAddr"`
	MaxAttempts int      `json:"maxAttempts" yaml:"maxAttempts"`
	BaseDelay   Duration `json:"baseDelay" yaml:"baseDelay"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
}

type UpstreamConfig struct {
	DialTimeout     Duration `json:"dialTimeout" yaml:"dialTimeout"`
	TLSTimeout      Duration `json:"tlsTimeout" yaml:"tlsTimeout"`
	ResponseTimeout Duration `json:"responseTimeout" yaml:"responseTimeout"`
	MaxIdleConns    int      `json:"maxIdleConns" yaml:"maxIdleConns"`
}

type AuditConfig struct {
	// URL is the audit trail base location (any afs scheme); empty disables
	// auditing.
	URL string `json:"url" yaml:"url"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug|info|warn|error
	Format string `json:"format" yaml:"format"` // text|json
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		CA: CAConfig{
			CertURL:    "file://localhost/var/lib/agentsitter/ca-cert.pem",
			KeyURL:     "file://localhost/var/lib/agentsitter/ca-key.pem",
			CommonName: "agentsitter root CA",
			Validity:   Duration(10 * 365 * 24 * time.Hour),
			LeafTTL:    Duration(24 * time.Hour),
		},
		Classifier: ClassifierConfig{ReviewMethods: []string{"POST"}},
		Approval: ApprovalConfig{
			HoldTimeout:   Duration(60 * time.Second),
			PendingTTL:    Duration(5 * time.Minute),
			Retention:     Duration(time.Hour),
			SweepInterval: Duration(time.Second),
			PollInterval:  Duration(50 * time.Millisecond),
		},
		Rendezvous: RendezvousConfig{
			MaxAttempts: 4,
			BaseDelay:   Duration(250 * time.Millisecond),
			Timeout:     Duration(5 * time.Second),
		},
		Upstream: UpstreamConfig{
			DialTimeout:     Duration(10 * time.Second),
			TLSTimeout:      Duration(10 * time.Second),
			ResponseTimeout: Duration(30 * time.Second),
			MaxIdleConns:    100,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads YAML config from URL (any afs scheme) on top of defaults
// and applies environment overrides.
func LoadConfig(ctx context.Context, URL string) (*Config, error) {
	config := DefaultConfig()
	if URL != "" {
		data, err := afs.New().DownloadWithURL(ctx, URL)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", URL, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", URL, err)
		}
	}
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv lets deployment environments override file settings without
// editing the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTSITTER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("AGENTSITTER_CA_CERT_URL"); v != "" {
		c.CA.CertURL = v
	}
	if v := os.Getenv("AGENTSITTER_CA_KEY_URL"); v != "" {
		c.CA.KeyURL = v
	}
	if v := os.Getenv("AGENTSITTER_APPROVAL_ENDPOINT"); v != "" {
		c.Rendezvous.Endpoint = v
	}
	if v := os.Getenv("AGENTSITTER_AUDIT_URL"); v != "" {
		c.Audit.URL = v
	}
	if v := os.Getenv("AGENTSITTER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate returns an aggregated error describing invalid settings, or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.CA.CertURL == "" || c.CA.KeyURL == "" {
		errs = append(errs, errors.New("ca.certUrl and ca.keyUrl must not be empty"))
	}
	if c.Approval.PendingTTL < 0 || c.Approval.HoldTimeout < 0 {
		errs = append(errs, errors.New("approval timeouts must not be negative"))
	}
	if c.Rendezvous.MaxAttempts < 0 {
		errs = append(errs, errors.New("rendezvous.maxAttempts must not be negative"))
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	if c.Policy != nil {
		switch c.Policy.Mode {
		case "", policy.ModeAsk, policy.ModeAuto, policy.ModeDeny:
		default:
			errs = append(errs, fmt.Errorf("unknown policy.mode %q", c.Policy.Mode))
		}
	}
	return errors.Join(errs...)
}
