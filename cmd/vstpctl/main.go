// Command vstpctl is a thin command-line client for exercising a VSTP
// stream server: it dials, runs the HELLO/WELCOME handshake, optionally
// sends one DATA frame, and sends BYE.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/vishurizz/vstp/internal/identity"
	"github.com/vishurizz/vstp/internal/streamconn"
	"github.com/vishurizz/vstp/internal/vstp"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	addr := os.Getenv("VSTP_ADDR")
	if addr == "" {
		addr = "localhost:7443"
	}

	switch os.Args[1] {
	case "send":
		cmdSend(addr)
	case "ping":
		cmdPing(addr)
	case "version":
		fmt.Printf("vstpctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`vstpctl v` + version + `

Usage: vstpctl <command> [flags]

Commands:
  send      Connect, send one DATA frame with --payload, disconnect
  ping      Connect, exchange one PING/PONG round trip, disconnect
  version   Print version
  help      Show this help

Environment:
  VSTP_ADDR   Server address (default: localhost:7443)

Examples:
  vstpctl send --payload 'hello'
  VSTP_ADDR=vstp.example.com:7443 vstpctl ping`)
}

func cmdSend(addr string) {
	payload := ""
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--payload" || args[i] == "-p" {
			i++
			if i < len(args) {
				payload = args[i]
			}
		}
	}

	conn, err := dial(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vstpctl: dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Printf("connected, session=%s\n", conn.Session.IDString())

	correlationID := uuid.New().String()
	frame := vstp.New(vstp.TypeData, nil, []byte(payload))
	frame.AddHeader("correlation-id", correlationID)
	if err := conn.Send(frame); err != nil {
		fmt.Fprintf(os.Stderr, "vstpctl: send failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("sent %d byte payload (correlation-id=%s)\n", len(payload), correlationID)

	if err := conn.Bye(); err != nil {
		fmt.Fprintf(os.Stderr, "vstpctl: bye failed: %v\n", err)
		os.Exit(1)
	}
}

func cmdPing(addr string) {
	conn, err := dial(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vstpctl: dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Printf("connected, session=%s\n", conn.Session.IDString())

	start := time.Now()
	if err := conn.Send(vstp.New(vstp.TypePing, nil, nil)); err != nil {
		fmt.Fprintf(os.Stderr, "vstpctl: ping failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.Run(ctx, func(ctx context.Context, conn *streamconn.Conn, frame *vstp.Frame) {})
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	fmt.Printf("round trip after %s\n", time.Since(start))

	conn.Bye()
}

// dial connects to addr, over plain TCP by default. If VSTP_SPIFFE_SOCKET
// is set, it instead sources a client SVID from the local SPIRE agent,
// self-checks it against VSTP_SPIFFE_SELF_ID (when given), and dials over
// mutual TLS authorizing the server's SPIFFE ID from VSTP_SPIFFE_SERVER_ID
// (any server SVID, if unset).
func dial(addr string) (*streamconn.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := streamconn.DefaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	socketPath := os.Getenv("VSTP_SPIFFE_SOCKET")
	if socketPath == "" {
		return streamconn.Dial(ctx, "tcp", addr, cfg, logger)
	}

	source, err := identity.NewSPIFFESource(socketPath)
	if err != nil {
		return nil, fmt.Errorf("vstpctl: spiffe source: %w", err)
	}
	defer source.Close()

	trustDomain := os.Getenv("VSTP_SPIFFE_TRUST_DOMAIN")
	if selfID := os.Getenv("VSTP_SPIFFE_SELF_ID"); selfID != "" {
		if _, err := source.VerifyPeerID(identity.SPIFFEID(trustDomain, selfID)); err != nil {
			return nil, fmt.Errorf("vstpctl: identity self-check failed: %w", err)
		}
	}

	var tlsConfig = source.ClientTLSConfig()
	if serverID := os.Getenv("VSTP_SPIFFE_SERVER_ID"); serverID != "" {
		tlsConfig = source.ClientTLSConfig(identity.SPIFFEID(trustDomain, serverID))
	}

	return streamconn.DialTLS(ctx, addr, tlsConfig, cfg, logger)
}
