// -------------------------------------------------------------------------------
// CertReloader - TLS Certificate Hot-Reload
//
// Author: Alex Freidah
//
// Holds the API listener's TLS certificate behind an atomic pointer so SIGHUP
// can swap in a rotated pair without dropping connections. A failed reload
// keeps serving the previous certificate.
// -------------------------------------------------------------------------------

package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// CertReloader serves the current certificate to TLS handshakes.
type CertReloader struct {
	certFile string
	keyFile  string
	cert     atomic.Pointer[tls.Certificate]
}

// NewCertReloader loads the initial key pair from disk.
func NewCertReloader(certFile, keyFile string) (*CertReloader, error) {
	cr := &CertReloader{certFile: certFile, keyFile: keyFile}
	cert, err := cr.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	cr.cert.Store(cert)
	return cr, nil
}

// GetCertificate is the tls.Config.GetCertificate callback.
func (cr *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cr.cert.Load(), nil
}

// Expiry returns the NotAfter time of the certificate being served.
func (cr *CertReloader) Expiry() time.Time {
	if c := cr.cert.Load(); c != nil && c.Leaf != nil {
		return c.Leaf.NotAfter
	}
	return time.Time{}
}

// Reload re-reads the key pair and swaps it in. On error the current
// certificate stays in place.
func (cr *CertReloader) Reload() error {
	cert, err := cr.load()
	if err != nil {
		return fmt.Errorf("failed to reload TLS certificate: %w", err)
	}
	cr.cert.Store(cert)
	slog.Info("TLS certificate reloaded",
		"cert_file", cr.certFile,
		"not_after", cr.Expiry(),
	)
	return nil
}

func (cr *CertReloader) load() (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(cr.certFile, cr.keyFile)
	if err != nil {
		return nil, err
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse leaf certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	if cert.Leaf != nil && time.Now().After(cert.Leaf.NotAfter) {
		slog.Warn("TLS certificate is expired", "cert_file", cr.certFile, "not_after", cert.Leaf.NotAfter)
	}
	return &cert, nil
}
