// Package transport adapts concrete network carriers — raw TCP and
// WebSocket — to the io.ReadWriteCloser the stream transport's Conn speaks,
// and offers TLS listen/dial helpers that take a *tls.Config built
// elsewhere (internal/identity).
package transport

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
)

// NewOriginChecker builds a websocket.Upgrader.CheckOrigin function. If
// env is "production", only origins in allowedOrigins (comma-separated)
// are accepted; any other env allows all origins, logging a warning once
// if production mode was requested without an allowlist.
func NewOriginChecker(env string, allowedOrigins string, logger *slog.Logger) func(r *http.Request) bool {
	if logger == nil {
		logger = slog.Default()
	}

	if env == "production" && allowedOrigins != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedOrigins, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			logger.Warn("transport: rejected websocket connection from disallowed origin", "origin", origin)
			return false
		}
	}

	if env == "production" && allowedOrigins == "" {
		logger.Warn("transport: no origin allowlist configured in production, accepting all origins")
	}
	return func(r *http.Request) bool { return true }
}

// NewUpgrader builds a websocket.Upgrader with the given origin checker
// and VSTP-sized buffers (the stream codec handles its own framing, so the
// buffers only need to amortize syscalls).
func NewUpgrader(checkOrigin func(r *http.Request) bool) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
}

// WSConn bridges a *websocket.Conn to io.ReadWriteCloser by carrying VSTP's
// byte stream inside binary WebSocket messages, with a maintained
// WebSocket-level ping/pong keepalive distinct from VSTP's own PING/PONG
// frame exchange (the former keeps NAT/proxy state alive; the latter is
// the application-level liveness check the state machine defines).
type WSConn struct {
	conn *websocket.Conn

	readBuf []byte
	done    chan struct{}
}

// NewWSConn wraps conn, arming the read deadline and pong handler, and
// starts a background ping ticker that stops when the connection closes.
func NewWSConn(conn *websocket.Conn) *WSConn {
	w := &WSConn{conn: conn, done: make(chan struct{})}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go w.pingLoop()
	return w
}

func (w *WSConn) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}

// Read implements io.Reader by draining binary WebSocket messages into p,
// buffering any excess for the next call.
func (w *WSConn) Read(p []byte) (int, error) {
	for len(w.readBuf) == 0 {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		w.readBuf = data
	}
	n := copy(p, w.readBuf)
	w.readBuf = w.readBuf[n:]
	return n, nil
}

// Write implements io.Writer by sending p as one binary WebSocket message.
func (w *WSConn) Write(p []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close stops the ping loop and closes the underlying connection.
// Idempotent is not guaranteed by gorilla/websocket, so callers should
// call Close exactly once.
func (w *WSConn) Close() error {
	close(w.done)
	return w.conn.Close()
}

var _ io.ReadWriteCloser = (*WSConn)(nil)

// EnvOrDefault reads an environment variable, falling back to def if unset
// — the origin-allowlist/env-override idiom used throughout configuration.
func EnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
