package streamconn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vishurizz/vstp/internal/vstp"
)

// headerSessionID is the WELCOME frame header carrying the hex-encoded
// session ID the server assigns to a newly accepted connection.
const headerSessionID = "session-id"

// headerReason is the ERR frame header carrying a length-prefixed
// human-readable description of why the connection is being terminated.
const headerReason = "reason"

// errFrame builds an ERR frame whose reason header is encoded with the
// vstp package's length-prefixed string helper, truncating to fit the
// 255-byte header value cap.
func errFrame(cause error) *vstp.Frame {
	msg := cause.Error()
	if len(msg) > 255 {
		msg = msg[:255]
	}
	encoded, err := vstp.PutString(msg)
	if err != nil {
		encoded = nil
	}
	f := vstp.New(vstp.TypeErr, nil, nil)
	f.Headers = append(f.Headers, vstp.Header{Key: []byte(headerReason), Value: encoded})
	return f
}

// errReason decodes the reason header of an ERR frame, falling back to a
// generic message if the header is absent or malformed.
func errReason(f *vstp.Frame) string {
	raw, ok := f.HeaderValue(headerReason)
	if !ok {
		return "peer sent ERR"
	}
	msg, _, err := vstp.String(raw)
	if err != nil {
		return "peer sent ERR (malformed reason)"
	}
	return msg
}

// Config holds the stream transport's tuning knobs.
type Config struct {
	MaxFrameSize int
	PingInterval time.Duration
	IdleTimeout  time.Duration
	// HandshakeTimeout holds the configured HELLO/WELCOME timeout. Dial,
	// DialTLS and the Server handshake do not read it: no deadline is set
	// on the HELLO/WELCOME exchange from this value.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns reasonable stream transport defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:     vstp.DefaultMaxFrameSize,
		PingInterval:     30 * time.Second,
		IdleTimeout:      2 * time.Minute,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Conn is one VSTP connection over a framed byte stream: a TCP connection,
// a TLS connection, or a WebSocket bridged to io.ReadWriteCloser.
type Conn struct {
	rwc     io.ReadWriteCloser
	cfg     Config
	logger  *slog.Logger
	Session *Session

	writeMu sync.Mutex

	readMu  sync.Mutex
	readBuf []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(rwc io.ReadWriteCloser, session *Session, cfg Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		rwc:     rwc,
		cfg:     cfg,
		logger:  logger,
		Session: session,
		closed:  make(chan struct{}),
	}
}

// Send encodes and writes one frame. Safe for concurrent use.
func (c *Conn) Send(f *vstp.Frame) error {
	buf, err := vstp.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	_, err = c.rwc.Write(buf)
	c.writeMu.Unlock()
	if err != nil {
		c.Session.RecordError(err)
		return &vstp.Error{Kind: vstp.KindIO, Err: err}
	}
	c.Session.RecordMessage(true, len(buf))
	return nil
}

// readFrame blocks until one complete frame has been read from the
// underlying stream, growing its internal buffer as needed. On
// InvalidMagic it drops the offending byte and keeps reading, so a
// corrupted stream resynchronizes at the next valid magic sequence instead
// of killing the connection outright.
func (c *Conn) readFrame() (*vstp.Frame, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	chunk := make([]byte, 4096)
	maxFrameSize := c.cfg.MaxFrameSize
	if maxFrameSize <= 0 {
		maxFrameSize = vstp.DefaultMaxFrameSize
	}

	for {
		frame, consumed, err := vstp.Decode(c.readBuf, maxFrameSize)
		if err == nil {
			c.readBuf = c.readBuf[consumed:]
			return frame, nil
		}

		var vErr *vstp.Error
		if errors.As(err, &vErr) {
			switch vErr.Kind {
			case vstp.KindIncomplete:
				// fall through to read more bytes
			case vstp.KindInvalidMagic:
				c.readBuf = c.readBuf[1:]
				continue
			default:
				return nil, err
			}
		} else {
			return nil, err
		}

		n, rerr := c.rwc.Read(chunk)
		if n > 0 {
			c.readBuf = append(c.readBuf, chunk[:n]...)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil, vstp.ErrConnectionClosed
			}
			return nil, &vstp.Error{Kind: vstp.KindIO, Err: rerr}
		}
	}
}

// Close closes the underlying stream and marks the session closed.
// Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.Session.Close()
	})
	return c.rwc.Close()
}

// Handler processes one inbound DATA frame on an active connection.
type Handler func(ctx context.Context, conn *Conn, frame *vstp.Frame)

// serve runs the steady-state loop after the handshake has completed:
// PING answered with PONG, BYE ends the connection, DATA is delivered to
// handler. Any other frame type is a protocol violation and ends the loop.
func (c *Conn) serve(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return vstp.ErrConnectionClosed
		default:
		}

		frame, err := c.readFrame()
		if err != nil {
			return err
		}
		c.Session.RecordMessage(false, 0)

		switch frame.Type {
		case vstp.TypePing:
			if err := c.Send(vstp.New(vstp.TypePong, nil, nil)); err != nil {
				return err
			}
		case vstp.TypePong:
			// liveness only, no action required
		case vstp.TypeData:
			handler(ctx, c, frame)
		case vstp.TypeBye:
			c.Session.BeginClose()
			return nil
		case vstp.TypeErr:
			peerErr := &vstp.Error{Kind: vstp.KindConnectionClosed, Msg: errReason(frame)}
			c.Session.RecordError(peerErr)
			return peerErr
		default:
			c.Session.RecordError(vstp.ErrUnexpectedFrameType)
			return vstp.ErrUnexpectedFrameType
		}
	}
}

// heartbeat periodically sends PING until the connection closes.
func (c *Conn) heartbeat(ctx context.Context) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.Send(vstp.New(vstp.TypePing, nil, nil)); err != nil {
				c.logger.Debug("streamconn: heartbeat send failed", "session", c.Session.IDString(), "err", err)
				return
			}
		}
	}
}
