package streamconn

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"

	"github.com/vishurizz/vstp/internal/transport"
	"github.com/vishurizz/vstp/internal/vstp"
)

// Dial opens network/addr and performs the client side of the
// HELLO/WELCOME handshake, returning a Conn in StateActive carrying the
// session ID the server assigned. Callers typically run conn.Run in its
// own goroutine afterward to service PING/PONG/DATA/BYE.
func Dial(ctx context.Context, network, addr string, cfg Config, logger *slog.Logger) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &vstp.Error{Kind: vstp.KindIO, Err: err}
	}
	return handshakeDial(raw, cfg, logger)
}

// DialTLS opens a TLS connection to addr (typically carrying a SPIFFE SVID
// via tlsConfig, see internal/identity.ClientTLSConfig) and performs the
// client side of the HELLO/WELCOME handshake over it.
func DialTLS(ctx context.Context, addr string, tlsConfig *tls.Config, cfg Config, logger *slog.Logger) (*Conn, error) {
	raw, err := transport.DialTLS(ctx, addr, tlsConfig)
	if err != nil {
		return nil, &vstp.Error{Kind: vstp.KindIO, Err: err}
	}
	return handshakeDial(raw, cfg, logger)
}

func handshakeDial(raw net.Conn, cfg Config, logger *slog.Logger) (*Conn, error) {
	session := NewSession(vstp.SessionID{}, cfg.IdleTimeout)
	conn := newConn(raw, session, cfg, logger)

	if err := conn.Send(vstp.New(vstp.TypeHello, nil, nil)); err != nil {
		conn.Close()
		return nil, err
	}

	frame, err := conn.readFrame()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if frame.Type != vstp.TypeWelcome {
		conn.Close()
		return nil, vstp.ErrUnexpectedFrameType
	}

	idRaw, ok := frame.HeaderValue(headerSessionID)
	if !ok {
		conn.Close()
		return nil, &vstp.Error{Kind: vstp.KindProtocolLimit, Msg: "welcome frame missing session-id header"}
	}
	decoded, err := hex.DecodeString(string(idRaw))
	if err != nil || len(decoded) != 16 {
		conn.Close()
		return nil, &vstp.Error{Kind: vstp.KindProtocolLimit, Msg: fmt.Sprintf("welcome frame carries malformed session-id: %q", idRaw)}
	}
	copy(session.ID[:], decoded)

	if err := session.Activate(); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// Run drives the connection's steady-state loop (PING/PONG, DATA
// delivery, BYE) and heartbeat until ctx is canceled, the peer sends BYE,
// or the connection errors. It blocks.
func (c *Conn) Run(ctx context.Context, handler Handler) error {
	go c.heartbeat(ctx)
	return c.serve(ctx, handler)
}

// Bye sends a BYE frame and marks the session closing. The caller is still
// responsible for calling Close once finished draining.
func (c *Conn) Bye() error {
	c.Session.BeginClose()
	return c.Send(vstp.New(vstp.TypeBye, nil, nil))
}
