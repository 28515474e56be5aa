package identity

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfigFromPaths builds a mutual-TLS config from a certificate/key
// pair and a CA bundle used both to verify peers and (via RootCAs) to
// trust the peer's server certificate. There is no ecosystem library in
// play here beyond crypto/tls itself: static file-based mTLS is exactly
// the case the standard library's certificate loader already covers, and
// every library alternative in the stack (go-spiffe) addresses workload
// identity sourcing, not static file loading, which is why SPIFFESource
// above is the preferred path and this is the fallback for environments
// without a SPIRE agent.
func TLSConfigFromPaths(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("identity: load key pair: %w", err)
	}

	caBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("identity: read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("identity: no certificates parsed from CA bundle %s", caFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
