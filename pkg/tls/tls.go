// Package tls builds the mutual-TLS configurations used between the
// retraining service and its data collaborators. Both directions pin TLS 1.3
// and verify the peer against a private CA.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Config holds the certificate material paths for one side of a connection.
type Config struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// Validate rejects an enabled configuration whose certificate files are
// missing or unreadable. A disabled configuration is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	return checkFiles(c.CertFile, c.KeyFile, c.CAFile)
}

// ServerConfig builds the server-side mTLS configuration: clients must
// present a certificate signed by the CA, and TLS 1.3 is the floor.
func ServerConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if err := checkFiles(certFile, keyFile, caFile); err != nil {
		return nil, err
	}

	pool, err := loadCertPool(caFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
		CipherSuites: suites(),
	}, nil
}

// ClientConfig builds the client-side mTLS configuration: present our
// certificate and trust only servers signed by the CA.
func ClientConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if err := checkFiles(certFile, keyFile, caFile); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	pool, err := loadCertPool(caFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
		CipherSuites: suites(),
	}, nil
}

// suites lists the TLS 1.3 AEAD suites.
func suites() []uint16 {
	return []uint16{
		tls.TLS_AES_128_GCM_SHA256,
		tls.TLS_AES_256_GCM_SHA384,
		tls.TLS_CHACHA20_POLY1305_SHA256,
	}
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("CA file contains no parsable certificates")
	}
	return pool, nil
}

func checkFiles(certFile, keyFile, caFile string) error {
	if certFile == "" || keyFile == "" || caFile == "" {
		return errors.New("cert, key, and CA file paths are all required")
	}
	for _, path := range []string{certFile, keyFile, caFile} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("certificate file %q: %w", path, err)
		}
	}
	return nil
}
