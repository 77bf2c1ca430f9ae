// Package authority issues per-hostname leaf certificates signed by the
// configured root CA. Leaves are cached for a bounded TTL and regenerated
// wholesale on expiry; concurrent first requests for the same hostname are
// coalesced into a single issuance.
package authority

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/phact/agentsitter/internal/clock"
)

// ErrIssuance is wrapped around any failure to synthesize a leaf
// certificate. The connection that triggered issuance must be aborted;
// traffic is never served without valid TLS.
var ErrIssuance = errors.New("authority: certificate issuance failed")

// entry is one cached leaf. Entries are replaced wholesale on expiry, never
// mutated in place.
type entry struct {
	certificate *tls.Certificate
	notAfter    time.Time
}

type issueCall struct {
	done        chan struct{}
	certificate *tls.Certificate
	err         error
}

// Manager caches leaf certificates per hostname.
type Manager struct {
	root    *RootCA
	leafTTL time.Duration

	mu       sync.Mutex
	cache    map[string]*entry
	inflight map[string]*issueCall
}

// Option customises the manager.
type Option func(*Manager)

// WithLeafTTL bounds how long an issued leaf is reused.
func WithLeafTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.leafTTL = ttl
		}
	}
}

// New creates a manager signing with the given root.
func New(root *RootCA, options ...Option) *Manager {
	ret := &Manager{
		root:     root,
		leafTTL:  24 * time.Hour,
		cache:    map[string]*entry{},
		inflight: map[string]*issueCall{},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Leaf returns a certificate for hostname, issuing one on first use and
// after expiry. Concurrent first calls for the same hostname single-flight:
// later callers block on the first issuance instead of duplicating it.
func (m *Manager) Leaf(ctx context.Context, hostname string) (*tls.Certificate, error) {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	if hostname == "" {
		return nil, fmt.Errorf("%w: empty hostname", ErrIssuance)
	}

	m.mu.Lock()
	if cached, ok := m.cache[hostname]; ok && clock.Now().Before(cached.notAfter) {
		m.mu.Unlock()
		return cached.certificate, nil
	}
	if call, ok := m.inflight[hostname]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.certificate, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &issueCall{done: make(chan struct{})}
	m.inflight[hostname] = call
	m.mu.Unlock()

	certificate, notAfter, err := m.issue(hostname)

	m.mu.Lock()
	delete(m.inflight, hostname)
	if err == nil {
		m.cache[hostname] = &entry{certificate: certificate, notAfter: notAfter}
	}
	m.mu.Unlock()

	call.certificate, call.err = certificate, err
	close(call.done)
	return certificate, err
}

// issue synthesizes one leaf signed by the root.
func (m *Manager) issue(hostname string) (*tls.Certificate, time.Time, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrIssuance, err)
	}

	now := clock.Now()
	notAfter := now.Add(m.leafTTL)
	if rootNotAfter := m.root.Certificate.NotAfter; notAfter.After(rootNotAfter) {
		notAfter = rootNotAfter
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.root.Certificate, &key.PublicKey, m.root.Key)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrIssuance, err)
	}

	certificate := &tls.Certificate{
		Certificate: [][]byte{der, m.root.Certificate.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return certificate, notAfter, nil
}

// TLSConfig builds a server-side TLS config that fetches leaves by SNI,
// falling back to fallbackHost when the client sent no server name.
func (m *Manager) TLSConfig(fallbackHost string) *tls.Config {
	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			hostname := hello.ServerName
			if hostname == "" {
				hostname = fallbackHost
			}
			ctx := context.Background()
			if hello.Context() != nil {
				ctx = hello.Context()
			}
			return m.Leaf(ctx, hostname)
		},
	}
}

// CACertPEM exposes the root certificate for trust-store installation.
func (m *Manager) CACertPEM() []byte {
	return m.root.CertPEM()
}
