// Package identity sources VSTP peer identity for mutual TLS, either from
// a SPIRE workload API or from static certificate files.
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// SPIFFESource holds a live connection to the local SPIRE agent and hands
// out *tls.Config values kept current as the workload's SVID rotates.
type SPIFFESource struct {
	source *workloadapi.X509Source
}

// NewSPIFFESource connects to the SPIRE agent at socketPath. The connect
// attempt is bounded so a missing SPIRE agent fails startup quickly rather
// than hanging.
func NewSPIFFESource(socketPath string) (*SPIFFESource, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("identity: connect to SPIRE agent at %s: %w", socketPath, err)
	}

	slog.Info("identity: connected to SPIRE agent", "socket_path", socketPath)
	return &SPIFFESource{source: source}, nil
}

// VerifyPeerID confirms the source's own SVID matches the expected SPIFFE
// ID and returns a short fingerprint of the leaf certificate, useful for
// correlating identity in logs and admission decisions without printing
// the full certificate.
func (s *SPIFFESource) VerifyPeerID(expected string) (uint64, error) {
	id, err := spiffeid.FromString(expected)
	if err != nil {
		return 0, fmt.Errorf("identity: invalid SPIFFE ID %q: %w", expected, err)
	}

	svid, err := s.source.GetX509SVID()
	if err != nil {
		return 0, fmt.Errorf("identity: fetch SVID: %w", err)
	}

	if svid.ID.String() != id.String() {
		return 0, fmt.Errorf("identity: SPIFFE ID mismatch: expected %s, got %s", id, svid.ID)
	}

	return fingerprint(svid.Certificates[0].Raw), nil
}

func fingerprint(certDER []byte) uint64 {
	sum := sha256.Sum256(certDER)
	var result uint64
	for i := 0; i < 8; i++ {
		result = (result << 8) | uint64(sum[i])
	}
	return result
}

// ServerTLSConfig returns a TLS config for a stream server that requires
// and verifies client SVIDs from authorizedIDs. An empty authorizedIDs
// authorizes any presented SVID.
func (s *SPIFFESource) ServerTLSConfig(authorizedIDs ...string) *tls.Config {
	authorizer := tlsconfig.AuthorizeAny()
	if len(authorizedIDs) > 0 {
		ids := make([]spiffeid.ID, 0, len(authorizedIDs))
		for _, raw := range authorizedIDs {
			if id, err := spiffeid.FromString(raw); err == nil {
				ids = append(ids, id)
			}
		}
		authorizer = tlsconfig.AuthorizeOneOf(ids...)
	}
	return tlsconfig.MTLSServerConfig(s.source, s.source, authorizer)
}

// ClientTLSConfig returns a TLS config for a stream client dialing a
// server whose SVID must satisfy authorizer; AuthorizeAny if none given.
func (s *SPIFFESource) ClientTLSConfig(authorizedIDs ...string) *tls.Config {
	authorizer := tlsconfig.AuthorizeAny()
	if len(authorizedIDs) > 0 {
		ids := make([]spiffeid.ID, 0, len(authorizedIDs))
		for _, raw := range authorizedIDs {
			if id, err := spiffeid.FromString(raw); err == nil {
				ids = append(ids, id)
			}
		}
		authorizer = tlsconfig.AuthorizeOneOf(ids...)
	}
	return tlsconfig.MTLSClientConfig(s.source, s.source, authorizer)
}

// Close releases the workload API connection.
func (s *SPIFFESource) Close() error {
	return s.source.Close()
}

// SPIFFEID formats a VSTP peer's SPIFFE ID within trustDomain.
func SPIFFEID(trustDomain, peerID string) string {
	return fmt.Sprintf("spiffe://%s/vstp-peer/%s", trustDomain, peerID)
}
