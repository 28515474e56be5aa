package vstp

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
)

// SessionID is the 128-bit, process-unique identifier the stream server
// assigns to each accepted connection.
type SessionID [16]byte

// String renders the session ID as lowercase hex, matching the teacher's
// IDString() idiom for its 128-bit session identifiers.
func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// SessionIDGenerator hands out monotonically increasing SessionIDs scoped
// to the generator's lifetime (in practice, one per server process). The
// high 8 bytes are a random per-process salt fixed at construction time;
// the low 8 bytes are a strictly increasing counter, so two generators
// started in the same process-lifetime window still can't collide, and
// within one generator every ID compares greater than the last.
type SessionIDGenerator struct {
	salt    [8]byte
	counter uint64
}

// NewSessionIDGenerator creates a generator with a fresh random salt.
func NewSessionIDGenerator() *SessionIDGenerator {
	g := &SessionIDGenerator{}
	_, _ = rand.Read(g.salt[:])
	return g
}

// Next returns the next SessionID in sequence.
func (g *SessionIDGenerator) Next() SessionID {
	n := atomic.AddUint64(&g.counter, 1)
	var id SessionID
	copy(id[:8], g.salt[:])
	binary.BigEndian.PutUint64(id[8:], n)
	return id
}
