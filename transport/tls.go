package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig describes the client side of a TLS session to a broker.
type TLSConfig struct {
	// CertFile and KeyFile hold an optional client certificate.
	CertFile string
	KeyFile  string

	// CAFile replaces the system root pool with the CA certificates it
	// holds.
	CAFile string

	// ServerName overrides the SNI name; defaults to the dialed host.
	ServerName string

	MinVersion         uint16
	MaxVersion         uint16
	CipherSuites       []uint16
	InsecureSkipVerify bool
}

// DefaultTLSConfig returns a configuration suitable for most brokers.
func DefaultTLSConfig() *TLSConfig {
	return &TLSConfig{
		MinVersion: tls.VersionTLS12,
	}
}

// Build translates the configuration into a *tls.Config.
func (tc *TLSConfig) Build() (*tls.Config, error) {
	config := &tls.Config{
		ServerName:         tc.ServerName,
		MinVersion:         tc.MinVersion,
		MaxVersion:         tc.MaxVersion,
		CipherSuites:       tc.CipherSuites,
		InsecureSkipVerify: tc.InsecureSkipVerify,
	}

	if (tc.CertFile == "") != (tc.KeyFile == "") {
		return nil, ErrInvalidTLSConfig
	}

	if tc.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if tc.CAFile != "" {
		caCert, err := os.ReadFile(tc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		config.RootCAs = caCertPool
	}

	return config, nil
}
