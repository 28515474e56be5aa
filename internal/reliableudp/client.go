package reliableudp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vishurizz/vstp/internal/fragment"
	"github.com/vishurizz/vstp/internal/vstp"
)

// headerMsgID is the application header carrying the message-id a
// SendWithAck call assigns to a logical frame. It rides on every fragment
// produced from that frame, since fragment.Split duplicates application
// headers onto each piece, so the receiver can ACK the whole logical
// message once reassembly completes without needing a separate per-message
// control channel.
const headerMsgID = "msg-id"

// encodeMsgID packs id as a LEB128 varint via the vstp package's
// length-prefix-free integer helper, rather than decimal ASCII text: unlike
// the fragment control headers, a message-id header is never expected to be
// read by a human inspecting captured traffic.
func encodeMsgID(id uint64) []byte {
	buf := make([]byte, 10) // binary.MaxVarintLen64
	n := vstp.PutUvarint(buf, id)
	return buf[:n]
}

// Breaker is the subset of a circuit breaker a Client can wrap its send
// attempts with. It matches the Execute signature already used across the
// codebase, so a resilience breaker built on that pattern plugs in directly.
type Breaker interface {
	Execute(req func() (interface{}, error)) (interface{}, error)
}

// pendingAck tracks one in-flight SendWithAck call awaiting its ACK.
type pendingAck struct {
	datagrams [][]byte
	addr      net.Addr
	done      chan struct{}
	acked     atomic.Bool
}

// Client is a reliable-datagram endpoint: it sends frames over a
// net.PacketConn with optional at-least-once-transmission/at-most-once-
// delivery semantics, and serves inbound frames to a Handler.
type Client struct {
	conn    net.PacketConn
	cfg     Config
	logger  *slog.Logger
	breaker Breaker

	msgIDCounter atomic.Uint64
	fragIDCtr    atomic.Uint32

	mu      sync.Mutex
	pending map[uint64]*pendingAck

	dedup *dedupLRU
	frag  *fragment.Engine

	closeOnce sync.Once
	closed    chan struct{}
}

// Handler processes one fully reassembled, de-duplicated inbound frame.
type Handler func(ctx context.Context, peer net.Addr, frame *vstp.Frame)

// NewClient wraps conn with the reliable-datagram layer. cfg's zero value is
// not usable; pass DefaultConfig() or a copy of it with overrides.
func NewClient(conn net.PacketConn, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[uint64]*pendingAck),
		dedup:   newDedupLRU(0, 0),
		frag:    fragment.NewEngine(0, 0),
		closed:  make(chan struct{}),
	}
}

// SetBreaker installs a circuit breaker that SendWithAck consults before
// each transmission attempt, including retries.
func (c *Client) SetBreaker(b Breaker) {
	c.breaker = b
}

// Send transmits frame to addr without requesting an ACK: at most one
// attempt, no retry, no delivery guarantee. Oversized payloads are split by
// the fragmentation engine when cfg.AllowFrag is set.
func (c *Client) Send(ctx context.Context, addr net.Addr, frame *vstp.Frame) error {
	datagrams, err := c.prepare(frame)
	if err != nil {
		return err
	}
	return c.writeAll(datagrams, addr)
}

// SendWithAck transmits frame to addr, assigning it a message-id and
// requesting an ACK, retrying with exponential backoff until the peer
// acknowledges or cfg.MaxRetries is exhausted. It returns a *vstp.Error of
// KindTimeout if no ACK arrives within the retry budget, or whatever error
// the circuit breaker (if installed) reports.
func (c *Client) SendWithAck(ctx context.Context, addr net.Addr, frame *vstp.Frame) error {
	msgID := c.msgIDCounter.Add(1)
	frame.Headers = append(frame.Headers, vstp.Header{Key: []byte(headerMsgID), Value: encodeMsgID(msgID)})
	frame.SetFlag(vstp.FlagReqAck)
	if c.cfg.UseCRC {
		frame.SetFlag(vstp.FlagCRC)
	}

	datagrams, err := c.prepare(frame)
	if err != nil {
		return err
	}

	pa := &pendingAck{datagrams: datagrams, addr: addr, done: make(chan struct{})}
	c.mu.Lock()
	c.pending[msgID] = pa
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msgID)
		c.mu.Unlock()
	}()

	delay := c.cfg.InitialRetryDelay
	if delay <= 0 {
		delay = DefaultConfig().InitialRetryDelay
	}
	maxDelay := c.cfg.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = DefaultConfig().MaxRetryDelay
	}
	ackTimeout := c.cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultConfig().AckTimeout
	}
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultConfig().MaxRetries
	}

	attempts := maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}

		if err := c.sendAttempt(pa); err != nil {
			return err
		}

		select {
		case <-pa.done:
			return nil
		case <-time.After(ackTimeout):
			continue
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return vstp.ErrConnectionClosed
		}
	}

	return &vstp.Error{Kind: vstp.KindTimeout, Msg: fmt.Sprintf("no ack for message %d after %d attempt(s)", msgID, attempts)}
}

func (c *Client) sendAttempt(pa *pendingAck) error {
	send := func() (interface{}, error) {
		return nil, c.writeAll(pa.datagrams, pa.addr)
	}
	if c.breaker != nil {
		_, err := c.breaker.Execute(send)
		return err
	}
	_, err := send()
	return err
}

// prepare fragments frame if needed and encodes every resulting piece.
func (c *Client) prepare(frame *vstp.Frame) ([][]byte, error) {
	budget := c.cfg.DatagramBudget
	if budget <= 0 {
		budget = fragment.DatagramBudget
	}

	pieces := []*vstp.Frame{frame}
	if c.cfg.AllowFrag {
		fragID := byte(c.fragIDCtr.Add(1))
		split, err := fragment.Split(frame, fragID, budget)
		if err != nil {
			return nil, err
		}
		pieces = split
	}

	datagrams := make([][]byte, 0, len(pieces))
	for _, p := range pieces {
		buf, err := vstp.Encode(p)
		if err != nil {
			return nil, err
		}
		if !c.cfg.AllowFrag && len(buf) > budget {
			return nil, vstp.ProtocolLimitErr("frame exceeds datagram budget and fragmentation is disabled")
		}
		datagrams = append(datagrams, buf)
	}
	return datagrams, nil
}

func (c *Client) writeAll(datagrams [][]byte, addr net.Addr) error {
	for _, d := range datagrams {
		if _, err := c.conn.WriteTo(d, addr); err != nil {
			return wrapIOErr(err)
		}
	}
	return nil
}

// Close stops any in-flight SendWithAck calls and closes the underlying
// connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

func wrapIOErr(err error) error {
	return &vstp.Error{Kind: vstp.KindIO, Err: err}
}
