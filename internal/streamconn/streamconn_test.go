package streamconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vishurizz/vstp/internal/vstp"
)

// ============================================================================
// HANDSHAKE AND DATA DELIVERY
// ============================================================================

func TestServer_HandshakeAndDataDelivery(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()

	sessions := NewManager(0, 0)
	defer sessions.Stop()

	received := make(chan *vstp.Frame, 1)
	handler := func(ctx context.Context, conn *Conn, frame *vstp.Frame) {
		received <- frame
	}
	server := NewServer(nil, DefaultConfig(), sessions, nil, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.handleConn(ctx, serverRaw)

	clientConn := newConn(clientRaw, NewSession(vstp.SessionID{}, time.Minute), DefaultConfig(), nil)
	require.NoError(t, clientConn.Send(vstp.New(vstp.TypeHello, nil, nil)))

	welcome, err := clientConn.readFrame()
	require.NoError(t, err)
	assert.Equal(t, vstp.TypeWelcome, welcome.Type)
	_, ok := welcome.HeaderValue("session-id")
	assert.True(t, ok)

	require.NoError(t, clientConn.Send(vstp.New(vstp.TypeData, nil, []byte("hi"))))

	select {
	case frame := <-received:
		assert.Equal(t, []byte("hi"), frame.Payload)
	case <-time.After(time.Second):
		t.Fatal("server never delivered the data frame")
	}

	assert.Equal(t, 1, sessions.Count())

	require.NoError(t, clientConn.Send(vstp.New(vstp.TypeBye, nil, nil)))
	clientConn.Close()
}

func TestConn_PingAnsweredWithPong(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()

	sessions := NewManager(0, 0)
	defer sessions.Stop()
	server := NewServer(nil, DefaultConfig(), sessions, nil, func(ctx context.Context, conn *Conn, frame *vstp.Frame) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.handleConn(ctx, serverRaw)

	clientConn := newConn(clientRaw, NewSession(vstp.SessionID{}, time.Minute), DefaultConfig(), nil)
	defer clientConn.Close()

	require.NoError(t, clientConn.Send(vstp.New(vstp.TypeHello, nil, nil)))
	_, err := clientConn.readFrame()
	require.NoError(t, err)

	require.NoError(t, clientConn.Send(vstp.New(vstp.TypePing, nil, nil)))
	pong, err := clientConn.readFrame()
	require.NoError(t, err)
	assert.Equal(t, vstp.TypePong, pong.Type)
}

// ============================================================================
// ERR FRAME REASON ENCODING
// ============================================================================

func TestErrFrameAndReason_RoundTrip(t *testing.T) {
	f := errFrame(vstp.ErrUnexpectedFrameType)
	assert.Equal(t, vstp.TypeErr, f.Type)
	assert.Equal(t, vstp.ErrUnexpectedFrameType.Error(), errReason(f))
}

func TestErrReason_MissingHeaderFallsBack(t *testing.T) {
	f := vstp.New(vstp.TypeErr, nil, nil)
	assert.Equal(t, "peer sent ERR", errReason(f))
}

func TestServer_SessionAtCapacity_SendsErrFrame(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()

	sessions := NewManager(1, 0)
	defer sessions.Stop()
	full := NewSession(vstp.SessionID{1}, 0)
	require.NoError(t, sessions.Register(full))

	server := NewServer(nil, DefaultConfig(), sessions, nil, func(ctx context.Context, conn *Conn, frame *vstp.Frame) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.handleConn(ctx, serverRaw)

	clientConn := newConn(clientRaw, NewSession(vstp.SessionID{}, time.Minute), DefaultConfig(), nil)
	defer clientConn.Close()

	require.NoError(t, clientConn.Send(vstp.New(vstp.TypeHello, nil, nil)))
	_, err := clientConn.readFrame() // WELCOME, handshake completes before registration is checked
	require.NoError(t, err)

	rejection, err := clientConn.readFrame()
	require.NoError(t, err)
	assert.Equal(t, vstp.TypeErr, rejection.Type)
	assert.NotEmpty(t, errReason(rejection))
}

// ============================================================================
// SESSION LIFECYCLE
// ============================================================================

func TestSession_ActivateTwice_Errors(t *testing.T) {
	s := NewSession(vstp.SessionID{}, time.Minute)
	require.NoError(t, s.Activate())
	assert.Error(t, s.Activate())
}

func TestSession_IsIdle(t *testing.T) {
	s := NewSession(vstp.SessionID{}, 10*time.Millisecond)
	assert.False(t, s.IsIdle())
	time.Sleep(20 * time.Millisecond)
	assert.True(t, s.IsIdle())
	s.Touch()
	assert.False(t, s.IsIdle())
}

func TestManager_RegisterRejectsAtCapacity(t *testing.T) {
	m := NewManager(1, 0)
	defer m.Stop()

	s1 := NewSession(vstp.SessionID{1}, 0)
	s2 := NewSession(vstp.SessionID{2}, 0)

	require.NoError(t, m.Register(s1))
	assert.Error(t, m.Register(s2))
	assert.Equal(t, 1, m.Count())
}

func TestManager_PruneRemovesIdleAndClosedSessions(t *testing.T) {
	m := NewManager(0, 5*time.Millisecond)
	defer m.Stop()

	idle := NewSession(vstp.SessionID{9}, time.Millisecond)
	require.NoError(t, m.Register(idle))
	closed := NewSession(vstp.SessionID{10}, 0)
	closed.Close()
	require.NoError(t, m.Register(closed))

	assert.Eventually(t, func() bool {
		return m.Count() == 0
	}, time.Second, 5*time.Millisecond)
}
