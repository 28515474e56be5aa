package reliableudp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vishurizz/vstp/internal/vstp"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// ============================================================================
// SEND / SERVE ROUND TRIP
// ============================================================================

func TestSendWithAck_DeliversAndAcks(t *testing.T) {
	serverConn := listenLoopback(t)
	clientConn := listenLoopback(t)

	server := NewClient(serverConn, DefaultConfig(), nil)
	defer server.Close()
	client := NewClient(clientConn, DefaultConfig(), nil)
	defer client.Close()

	received := make(chan *vstp.Frame, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.Serve(ctx, func(ctx context.Context, peer net.Addr, frame *vstp.Frame) {
		received <- frame
	})
	// The client's own receive loop routes the returning ACK to SendWithAck.
	go client.Serve(ctx, func(ctx context.Context, peer net.Addr, frame *vstp.Frame) {})

	frame := vstp.New(vstp.TypeData, nil, []byte("payload"))
	err := client.SendWithAck(ctx, serverConn.LocalAddr(), frame)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, []byte("payload"), got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

// ============================================================================
// AT-MOST-ONCE DELIVERY UNDER DUPLICATE TRANSMISSION
// ============================================================================

func TestServe_DuplicateDatagram_DeliveredOnce(t *testing.T) {
	serverConn := listenLoopback(t)
	clientConn := listenLoopback(t)

	server := NewClient(serverConn, DefaultConfig(), nil)
	defer server.Close()
	client := NewClient(clientConn, DefaultConfig(), nil)
	defer client.Close()

	var mu sync.Mutex
	deliveries := 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.Serve(ctx, func(ctx context.Context, peer net.Addr, frame *vstp.Frame) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	})

	frame := vstp.New(vstp.TypeData, nil, []byte("dup"))
	frame.Headers = append(frame.Headers, vstp.Header{Key: []byte(headerMsgID), Value: encodeMsgID(77)})
	frame.SetFlag(vstp.FlagReqAck)
	buf, err := vstp.Encode(frame)
	require.NoError(t, err)

	_, err = clientConn.WriteToUDP(buf, serverConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	_, err = clientConn.WriteToUDP(buf, serverConn.LocalAddr().(*net.UDPAddr)) // retransmit of the identical datagram
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, deliveries, "a duplicate message-id must be delivered at most once")
}

// ============================================================================
// RETRY BUDGET
// ============================================================================

func TestSendWithAck_ExhaustsRetryBudget_NoPeerListening(t *testing.T) {
	clientConn := listenLoopback(t)
	// unreachable: the address of a UDP socket that has been closed, so
	// datagrams are sent but never acked.
	deadConn := listenLoopback(t)
	deadAddr := deadConn.LocalAddr()
	deadConn.Close()

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.InitialRetryDelay = 5 * time.Millisecond
	cfg.MaxRetryDelay = 10 * time.Millisecond
	cfg.AckTimeout = 20 * time.Millisecond

	client := NewClient(clientConn, cfg, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	err := client.SendWithAck(ctx, deadAddr, vstp.New(vstp.TypeData, nil, []byte("x")))
	elapsed := time.Since(start)

	require.Error(t, err)
	var vErr *vstp.Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, vstp.KindTimeout, vErr.Kind)
	// MaxRetries=2 means 3 total attempts, so at least 2 backoff waits
	// (5ms + 10ms) plus 3 ack-timeout waits (20ms each) elapse.
	assert.GreaterOrEqual(t, elapsed, 3*cfg.AckTimeout)
}
