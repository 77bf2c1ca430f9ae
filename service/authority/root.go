package authority

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"

	"github.com/phact/agentsitter/internal/clock"
)

// RootCA holds the signing root. Its public certificate is what operators
// install into the agent's trust store; the private key never leaves the
// proxy host.
type RootCA struct {
	Certificate *x509.Certificate
	Key         *ecdsa.PrivateKey
	certPEM     []byte
}

// LoadOrGenerate loads root CA material from certURL/keyURL or, when absent,
// generates a self-signed ECDSA P-256 root valid for validity and persists
// it.
func LoadOrGenerate(ctx context.Context, fs afs.Service, certURL, keyURL, commonName string, validity time.Duration) (*RootCA, error) {
	certExists, _ := fs.Exists(ctx, certURL)
	keyExists, _ := fs.Exists(ctx, keyURL)
	if certExists && keyExists {
		return load(ctx, fs, certURL, keyURL)
	}
	return generate(ctx, fs, certURL, keyURL, commonName, validity)
}

func load(ctx context.Context, fs afs.Service, certURL, keyURL string) (*RootCA, error) {
	certPEM, err := fs.DownloadWithURL(ctx, certURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	keyPEM, err := fs.DownloadWithURL(ctx, keyURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("CA certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("certificate at %s is not a CA", certURL)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("CA key is not valid PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA key: %w", err)
	}

	return &RootCA{Certificate: cert, Key: key, certPEM: certPEM}, nil
}

func generate(ctx context.Context, fs afs.Service, certURL, keyURL, commonName string, validity time.Duration) (*RootCA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA serial: %w", err)
	}

	now := clock.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to self-sign CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := fs.Upload(ctx, certURL, file.DefaultFileOsMode, bytes.NewReader(certPEM)); err != nil {
		return nil, fmt.Errorf("failed to persist CA certificate: %w", err)
	}
	// Key material gets owner-only permissions.
	if err := fs.Upload(ctx, keyURL, 0600, bytes.NewReader(keyPEM)); err != nil {
		return nil, fmt.Errorf("failed to persist CA key: %w", err)
	}

	return &RootCA{Certificate: cert, Key: key, certPEM: certPEM}, nil
}

// CertPEM returns the PEM-encoded public certificate for external trust
// installation.
func (r *RootCA) CertPEM() []byte {
	return append([]byte(nil), r.certPEM...)
}
