// Package mtls builds the client TLS configuration used to reach the
// control plane.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/breeze-rmm/meetbot/internal/logging"
)

var log = logging.L("mtls")

// ErrNoCertificates means the CA file held no PEM certificates.
var ErrNoCertificates = errors.New("mtls: no certificates found in CA file")

// LoadClientCert parses a PEM-encoded certificate and private key pair.
func LoadClientCert(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mTLS key pair: %w", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
			cert.Leaf = leaf
		}
	}
	return &cert, nil
}

// BuildTLSConfig returns a TLS config carrying the client certificate and,
// when caFile is set, a private root pool. Returns nil when no file is
// configured so callers keep the dialer defaults.
func BuildTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" && caFile == "" {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if certFile != "" || keyFile != "" {
		certPEM, err := os.ReadFile(certFile)
		if err != nil {
			return nil, fmt.Errorf("read client certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read client key: %w", err)
		}
		cert, err := LoadClientCert(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
		if cert.Leaf != nil && IsExpired(cert.Leaf.NotAfter) {
			log.Warn("mTLS client certificate has expired", "notAfter", cert.Leaf.NotAfter)
		} else if cert.Leaf != nil && NeedsRenewal(cert.Leaf.NotBefore, cert.Leaf.NotAfter) {
			log.Warn("mTLS client certificate is past two thirds of its lifetime", "notAfter", cert.Leaf.NotAfter)
		}
		cfg.Certificates = []tls.Certificate{*cert}
	}

	if caFile != "" {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, ErrNoCertificates
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// ClientCertExpiry returns the NotAfter of the first client certificate in
// cfg, or the zero time when there is none.
func ClientCertExpiry(cfg *tls.Config) time.Time {
	if cfg == nil || len(cfg.Certificates) == 0 || cfg.Certificates[0].Leaf == nil {
		return time.Time{}
	}
	return cfg.Certificates[0].Leaf.NotAfter
}

// IsExpired reports whether notAfter has passed. The zero time means no
// certificate and is never expired.
func IsExpired(notAfter time.Time) bool {
	if notAfter.IsZero() {
		return false
	}
	return time.Now().After(notAfter)
}

// NeedsRenewal checks if the cert has passed 2/3 of its lifetime.
func NeedsRenewal(notBefore, notAfter time.Time) bool {
	if notBefore.IsZero() || notAfter.IsZero() || !notAfter.After(notBefore) {
		return false
	}
	lifetime := notAfter.Sub(notBefore)
	threshold := notBefore.Add(lifetime * 2 / 3)
	return time.Now().After(threshold)
}
