package signalservice

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
)

// TLSConfig returns a *tls.Config that trusts the CA certificates in
// caPEM. Signal's servers use their own CA ("Signal Messenger, LLC")
// rather than a public one.
func TLSConfig(caPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("signalservice: no certificates in CA bundle")
	}
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// LoadTLSConfig reads a PEM CA bundle from path. An empty path returns a
// nil config, which means the system roots.
func LoadTLSConfig(path string) (*tls.Config, error) {
	if path == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return TLSConfig(pem)
}
