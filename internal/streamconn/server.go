package streamconn

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/vishurizz/vstp/internal/vstp"
)

// Server accepts stream connections, performs the HELLO/WELCOME handshake,
// and runs each accepted connection's PING/PONG/DATA/BYE loop on its own
// goroutine.
type Server struct {
	listener net.Listener
	cfg      Config
	logger   *slog.Logger
	sessions *Manager
	idGen    *vstp.SessionIDGenerator
	handler  Handler

	wg sync.WaitGroup
}

// NewServer wraps an already-listening net.Listener (TCP, TLS, or a
// WebSocket-to-stream bridge) with the VSTP stream handshake.
func NewServer(listener net.Listener, cfg Config, sessions *Manager, logger *slog.Logger, handler Handler) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if sessions == nil {
		sessions = NewManager(0, 0)
	}
	return &Server{
		listener: listener,
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		idGen:    vstp.NewSessionIDGenerator(),
		handler:  handler,
	}
}

// Serve accepts connections until ctx is canceled or the listener is
// closed. It blocks; callers typically run it in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return vstp.ErrConnectionClosed
			}
			s.logger.Warn("streamconn: accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, raw)
		}()
	}
}

// Wait blocks until every in-flight connection goroutine has returned,
// for graceful shutdown after Serve's context has been canceled.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) handleConn(ctx context.Context, raw io.ReadWriteCloser) {
	id := s.idGen.Next()
	session := NewSession(id, s.cfg.IdleTimeout)
	conn := newConn(raw, session, s.cfg, s.logger)
	defer conn.Close()

	if err := s.handshake(conn); err != nil {
		s.logger.Debug("streamconn: handshake failed", "err", err)
		return
	}

	if err := s.sessions.Register(session); err != nil {
		s.logger.Warn("streamconn: session rejected", "err", err)
		conn.Send(errFrame(err))
		return
	}
	defer s.sessions.Remove(id)

	go conn.heartbeat(ctx)

	if err := conn.serve(ctx, s.handler); err != nil && !errors.Is(err, vstp.ErrConnectionClosed) {
		s.logger.Debug("streamconn: connection ended", "session", session.IDString(), "err", err)
	}
}

// handshake performs the server side of HELLO/WELCOME: read HELLO, reply
// WELCOME carrying the assigned session ID, activate the session.
func (s *Server) handshake(conn *Conn) error {
	frame, err := conn.readFrame()
	if err != nil {
		return err
	}
	if frame.Type != vstp.TypeHello {
		return vstp.ErrUnexpectedFrameType
	}

	welcome := vstp.New(vstp.TypeWelcome, nil, nil)
	welcome.AddHeader(headerSessionID, hex.EncodeToString(conn.Session.ID[:]))
	if err := conn.Send(welcome); err != nil {
		return err
	}
	return conn.Session.Activate()
}
