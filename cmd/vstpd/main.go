// Command vstpd is the VSTP daemon: it terminates the stream transport
// (TCP, optionally TLS or WebSocket-bridged) and the reliable-datagram
// transport (UDP) side by side, behind a shared admin HTTP surface.
package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vishurizz/vstp/internal/adminhttp"
	"github.com/vishurizz/vstp/internal/identity"
	"github.com/vishurizz/vstp/internal/metrics"
	"github.com/vishurizz/vstp/internal/reliableudp"
	"github.com/vishurizz/vstp/internal/resilience"
	"github.com/vishurizz/vstp/internal/streamconn"
	"github.com/vishurizz/vstp/internal/transport"
	"github.com/vishurizz/vstp/internal/vstp"
	"github.com/vishurizz/vstp/internal/vstpconfig"
)

func main() {
	cfg := vstpconfig.Get()

	logLevel := slog.LevelInfo
	if cfg.IsProduction() {
		logLevel = slog.LevelWarn
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("vstpd starting", "env", cfg.Server.Env, "stream_addr", cfg.Server.StreamAddr, "datagram_addr", cfg.Server.DatagramAddr)

	// 1. Metrics and per-peer circuit breakers.
	m := metrics.New()
	breakers := resilience.NewPeerBreakers(logger)

	// 2. Peer identity, if configured. A nil tlsConfig leaves the stream
	// listener running in plaintext.
	tlsConfig, identitySource, err := loadIdentity(cfg, logger)
	if err != nil {
		logger.Error("vstpd: identity setup failed", "err", err)
		os.Exit(1)
	}
	if identitySource != nil {
		defer identitySource.Close()
	}

	// 3. Stream transport: session table, listener, HELLO/WELCOME server.
	sessions := streamconn.NewManager(cfg.Stream.MaxSessions, time.Duration(cfg.Stream.SessionCleanupSec)*time.Second)
	defer sessions.Stop()

	streamCfg := streamconn.Config{
		MaxFrameSize:     cfg.Stream.MaxFrameSizeBytes,
		PingInterval:     cfg.Stream.PingInterval(),
		IdleTimeout:      cfg.Stream.IdleTimeout(),
		HandshakeTimeout: time.Duration(cfg.Stream.HandshakeTimeoutSec) * time.Second,
	}

	listener, err := listenStream(cfg, tlsConfig)
	if err != nil {
		logger.Error("vstpd: failed to open stream listener", "err", err)
		os.Exit(1)
	}

	dataHandler := func(ctx context.Context, conn *streamconn.Conn, frame *vstp.Frame) {
		m.RecordDecoded("stream", frame.Type.String())
		logger.Debug("vstpd: data frame received", "session", conn.Session.IDString(), "payload_len", len(frame.Payload))
	}

	streamServer := streamconn.NewServer(listener, streamCfg, sessions, logger, dataHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := streamServer.Serve(ctx); err != nil {
			logger.Info("vstpd: stream server stopped", "err", err)
		}
	}()

	// 4. Reliable-datagram transport over UDP.
	packetConn, err := net.ListenPacket("udp", cfg.Server.DatagramAddr)
	if err != nil {
		logger.Error("vstpd: failed to open datagram socket", "err", err)
		os.Exit(1)
	}

	datagramCfg := reliableudp.Config{
		MaxRetries:        cfg.Datagram.MaxRetries,
		InitialRetryDelay: time.Duration(cfg.Datagram.InitialRetryDelayMs) * time.Millisecond,
		MaxRetryDelay:     time.Duration(cfg.Datagram.MaxRetryDelayMs) * time.Millisecond,
		AckTimeout:        time.Duration(cfg.Datagram.AckTimeoutMs) * time.Millisecond,
		UseCRC:            cfg.Datagram.UseCRC,
		AllowFrag:         cfg.Datagram.AllowFrag,
		DatagramBudget:    cfg.Fragment.DatagramBudgetBytes,
		MaxFrameSize:      cfg.Stream.MaxFrameSizeBytes,
	}
	datagramClient := reliableudp.NewClient(packetConn, datagramCfg, logger)
	datagramClient.SetBreaker(breakers.Get(cfg.Server.DatagramAddr))
	defer datagramClient.Close()

	go func() {
		handler := func(ctx context.Context, peer net.Addr, frame *vstp.Frame) {
			m.RecordDecoded("datagram", frame.Type.String())
			logger.Debug("vstpd: datagram frame received", "peer", peer.String(), "payload_len", len(frame.Payload))
		}
		if err := datagramClient.Serve(ctx, handler); err != nil {
			logger.Info("vstpd: datagram server stopped", "err", err)
		}
	}()

	// 5. Admin HTTP surface: health, readiness, metrics, debug views.
	var adminServer *adminhttp.Server
	if cfg.Admin.Enabled || cfg.Admin.Addr != "" {
		adminServer = adminhttp.NewServer(cfg.Admin.Addr, adminhttp.Dependencies{
			StreamSessions: sessions,
			Breakers:       breakers,
		}, logger)
		go func() {
			if err := adminServer.Serve(ctx); err != nil {
				logger.Info("vstpd: admin server stopped", "err", err)
			}
		}()
	}

	// 6. Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("vstpd: shutdown signal received")
	cancel()

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second
	done := make(chan struct{})
	go func() {
		streamServer.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("vstpd: shutdown timed out waiting for stream connections to drain")
	}

	logger.Info("vstpd: stopped")
}

// loadIdentity resolves cfg.Identity.Mode into a server-side *tls.Config
// and, for the spiffe mode, the live source backing it (closed by the
// caller on shutdown so the workload API connection is released cleanly).
func loadIdentity(cfg *vstpconfig.Config, logger *slog.Logger) (*tls.Config, *identity.SPIFFESource, error) {
	switch cfg.Identity.Mode {
	case "", "none":
		return nil, nil, nil
	case "static":
		tc, err := identity.TLSConfigFromPaths(cfg.Identity.CertFile, cfg.Identity.KeyFile, cfg.Identity.CAFile)
		if err != nil {
			return nil, nil, err
		}
		return tc, nil, nil
	case "spiffe":
		source, err := identity.NewSPIFFESource(cfg.Identity.SPIFFESocket)
		if err != nil {
			return nil, nil, err
		}
		return source.ServerTLSConfig(), source, nil
	default:
		logger.Warn("vstpd: unknown identity mode, running without mTLS", "mode", cfg.Identity.Mode)
		return nil, nil, nil
	}
}

func listenStream(cfg *vstpconfig.Config, tc *tls.Config) (net.Listener, error) {
	if tc != nil {
		return transport.ListenTLS(cfg.Server.StreamAddr, tc)
	}
	return transport.ListenTCP(cfg.Server.StreamAddr)
}
