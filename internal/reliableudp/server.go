package reliableudp

import (
	"context"
	"errors"
	"net"

	"github.com/vishurizz/vstp/internal/vstp"
)

// maxDatagramReadSize is the receive buffer size: large enough for any
// datagram this layer would ever produce, including the rare peer that
// exceeds the configured budget.
const maxDatagramReadSize = 65507

// Serve runs the receive loop until ctx is canceled or the connection is
// closed, delivering each fully reassembled, de-duplicated frame to
// handler. ACK frames are consumed internally and never reach handler.
// Frames requesting an ACK (FlagReqAck, carrying a msg-id header) are
// acknowledged before handler is invoked. Malformed datagrams are logged
// and dropped; Serve does not return on a per-datagram decode error.
func (c *Client) Serve(ctx context.Context, handler Handler) error {
	buf := make([]byte, maxDatagramReadSize)
	maxFrameSize := c.cfg.MaxFrameSize
	if maxFrameSize <= 0 {
		maxFrameSize = vstp.DefaultMaxFrameSize
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return vstp.ErrConnectionClosed
		default:
		}

		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.closed:
				return vstp.ErrConnectionClosed
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return vstp.ErrConnectionClosed
			}
			c.logger.Warn("reliableudp: read failed", "err", err)
			continue
		}

		frame, consumed, err := vstp.Decode(buf[:n], maxFrameSize)
		if err != nil {
			c.logger.Debug("reliableudp: dropping malformed datagram", "peer", addr, "err", err)
			continue
		}
		if consumed != n {
			c.logger.Debug("reliableudp: datagram had trailing bytes past one frame", "peer", addr, "consumed", consumed, "n", n)
		}

		c.handleInbound(ctx, addr, frame, handler)
	}
}

func (c *Client) handleInbound(ctx context.Context, addr net.Addr, frame *vstp.Frame, handler Handler) {
	peer := addr.String()

	if frame.Type == vstp.TypeAck {
		c.completeAck(frame)
		return
	}

	if frame.HasFlag(vstp.FlagFrag) {
		assembled, err := c.frag.Arrive(peer, frame)
		if err != nil {
			c.logger.Debug("reliableudp: fragment rejected", "peer", peer, "err", err)
			return
		}
		if assembled == nil {
			return // awaiting further fragments
		}
		frame = assembled
	}

	msgIDRaw, hasMsgID := frame.HeaderValue(headerMsgID)
	var duplicate bool
	if hasMsgID {
		if msgID, n := vstp.Uvarint(msgIDRaw); n > 0 {
			duplicate = c.dedup.seenOrMark(peer, msgID)
		}
	}

	if frame.HasFlag(vstp.FlagReqAck) && hasMsgID {
		c.sendAck(addr, msgIDRaw)
	}

	if duplicate {
		return
	}

	handler(ctx, addr, frame)
}

func (c *Client) sendAck(addr net.Addr, msgIDRaw []byte) {
	ack := vstp.New(vstp.TypeAck, nil, nil)
	ack.Headers = append(ack.Headers, vstp.Header{Key: []byte(headerMsgID), Value: append([]byte(nil), msgIDRaw...)})
	buf, err := vstp.Encode(ack)
	if err != nil {
		c.logger.Error("reliableudp: failed to encode ack", "err", err)
		return
	}
	if _, err := c.conn.WriteTo(buf, addr); err != nil {
		c.logger.Warn("reliableudp: failed to send ack", "peer", addr, "err", err)
	}
}

func (c *Client) completeAck(frame *vstp.Frame) {
	raw, ok := frame.HeaderValue(headerMsgID)
	if !ok {
		return
	}
	msgID, n := vstp.Uvarint(raw)
	if n <= 0 {
		return
	}

	c.mu.Lock()
	pa, ok := c.pending[msgID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if pa.acked.CompareAndSwap(false, true) {
		close(pa.done)
	}
}

// LiveReassemblySessions reports the number of fragment-reassembly sessions
// currently in flight for this client, for diagnostics and metrics.
func (c *Client) LiveReassemblySessions() int {
	return c.frag.LiveSessions()
}
