package transport

import (
	"context"
	"crypto/tls"
	"net"
)

// ListenTCP opens a plain TCP listener. TLS, if desired, is layered by
// passing the result through tls.NewListener with a *tls.Config built by
// identity.TLSConfigFromPaths or identity.SPIFFESource.ServerTLSConfig.
func ListenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// ListenTLS opens a TCP listener that terminates TLS inline.
func ListenTLS(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	return tls.Listen("tcp", addr, tlsConfig)
}

// DialTCP dials a plain TCP connection.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// DialTLS dials and completes a TLS handshake.
func DialTLS(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	d := tls.Dialer{Config: tlsConfig}
	return d.DialContext(ctx, "tcp", addr)
}
