// Package fragment implements the datagram fragmentation and reassembly
// engine: splitting an oversized logical frame's payload into bounded
// datagrams on send, and reassembling it from arbitrarily reordered
// fragments on receive.
package fragment

import (
	"strconv"
	"sync"
	"time"

	"github.com/vishurizz/vstp/internal/vstp"
)

// DatagramBudget is the maximum size, in bytes, of a transmitted datagram
// including codec overhead.
const DatagramBudget = 1200

// MaxSessions bounds the number of concurrent reassembly sessions held by
// an Engine. When adding a session would exceed this, the oldest (by
// creation time) is evicted.
const MaxSessions = 1000

// ReassemblyTimeout is the default lifetime of a reassembly session that
// has not yet received every fragment.
const ReassemblyTimeout = 30 * time.Second

// Control header keys. Values are encoded as decimal ASCII text (not raw
// bytes) — chosen so fragment metadata stays human-legible in captured
// traffic and in structured log fields without a hex-dump helper.
const (
	headerFragID    = "frag-id"
	headerFragIndex = "frag-index"
	headerFragTotal = "frag-total"
)

// fragHeaderOverhead is the worst-case encoded size of the three control
// headers (2-byte length prefix + key + up to 3 decimal digits, since
// frag-id/frag-index/frag-total never exceed 255). Used to size the
// per-fragment payload budget conservatively; real frames are usually a
// little smaller than this once small indices encode to fewer digits.
const fragHeaderOverhead = (2 + len(headerFragID) + 3) + (2 + len(headerFragIndex) + 3) + (2 + len(headerFragTotal) + 3)

// Split divides f into 1-255 fragment frames, each within the datagram
// wire budget. Application headers are duplicated onto every fragment (not
// just fragment 0): the round-trip property only requires headers to come
// back once after reassembly, and carrying them on every wire frame keeps
// each fragment independently well-formed and makes a lost-then-resent
// fragment 0 never cost the application its headers. fragID is chosen by
// the caller and must be new per logical frame per peer.
//
// If N == 1, the original frame is returned unmodified (no FRAG flag, no
// control headers) per the wire contract: a logical frame that already
// fits in one datagram is transmitted directly.
func Split(f *vstp.Frame, fragID byte, datagramBudget int) ([]*vstp.Frame, error) {
	if datagramBudget <= 0 {
		datagramBudget = DatagramBudget
	}

	appHeaderBytes := 0
	for _, h := range f.Headers {
		appHeaderBytes += 2 + len(h.Key) + len(h.Value)
	}

	payloadBudget := datagramBudget - vstp.FixedHeaderSize - appHeaderBytes - fragHeaderOverhead - vstp.TrailerSize
	if payloadBudget < 1 {
		return nil, vstp.ProtocolLimitErr("fragment payload budget below 1 byte")
	}

	n := 1
	if len(f.Payload) > 0 {
		n = (len(f.Payload) + payloadBudget - 1) / payloadBudget
	}
	if n == 0 {
		n = 1
	}
	if n > 255 {
		return nil, vstp.ProtocolLimitErr("payload requires more than 255 fragments")
	}

	if n == 1 {
		cp := *f
		cp.Headers = append([]vstp.Header(nil), f.Headers...)
		return []*vstp.Frame{&cp}, nil
	}

	frames := make([]*vstp.Frame, 0, n)
	for i := 0; i < n; i++ {
		start := i * payloadBudget
		end := start + payloadBudget
		if end > len(f.Payload) {
			end = len(f.Payload)
		}
		headers := make([]vstp.Header, 0, len(f.Headers)+3)
		headers = append(headers, f.Headers...)
		headers = append(headers,
			vstp.Header{Key: []byte(headerFragID), Value: []byte(strconv.Itoa(int(fragID)))},
			vstp.Header{Key: []byte(headerFragIndex), Value: []byte(strconv.Itoa(i))},
			vstp.Header{Key: []byte(headerFragTotal), Value: []byte(strconv.Itoa(n))},
		)
		frag := &vstp.Frame{
			Version: f.Version,
			Type:    f.Type,
			Flags:   f.Flags | vstp.FlagFrag,
			Headers: headers,
			Payload: append([]byte(nil), f.Payload[start:end]...),
		}
		frames = append(frames, frag)
	}
	return frames, nil
}

// sessionKey identifies a reassembly session by peer address and the
// sender-chosen 8-bit fragment id.
type sessionKey struct {
	peer   string
	fragID byte
}

// session accumulates fragments for one logical frame until it is complete
// or expires.
type session struct {
	total     int
	chunks    map[int][]byte
	headers   []vstp.Header
	flags     vstp.Flags
	typ       vstp.Type
	createdAt time.Time
	deadline  time.Time
}

// Engine is the per-process reassembly table, shared across all receive
// tasks on a socket and mutated under a single lock. Critical sections hold
// only enough to update or remove one session entry; the lock is never
// held across I/O.
type Engine struct {
	mu       sync.Mutex
	sessions map[sessionKey]*session
	maxLive  int
	timeout  time.Duration
}

// NewEngine creates a reassembly engine with the given session cap and
// per-session timeout. A zero maxLive/timeout falls back to the spec
// defaults (MaxSessions, ReassemblyTimeout).
func NewEngine(maxLive int, timeout time.Duration) *Engine {
	if maxLive <= 0 {
		maxLive = MaxSessions
	}
	if timeout <= 0 {
		timeout = ReassemblyTimeout
	}
	return &Engine{
		sessions: make(map[sessionKey]*session),
		maxLive:  maxLive,
		timeout:  timeout,
	}
}

// LiveSessions returns the current number of in-flight reassembly
// sessions. Always <= the engine's configured cap.
func (e *Engine) LiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Arrive feeds one fragment frame from peer into the engine. It returns the
// assembled frame once every fragment in [0, frag-total) has arrived, or
// (nil, nil) if the fragment was accepted but the logical frame is still
// incomplete, or was silently dropped for being malformed or mismatched.
// frag must already have FlagFrag set and carry the three control headers;
// callers should not hand Arrive a frame that Split chose to leave
// unfragmented (N == 1).
func (e *Engine) Arrive(peer string, frag *vstp.Frame) (*vstp.Frame, error) {
	fragID, index, total, ok := parseControlHeaders(frag)
	if !ok || index >= total {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.evictExpiredLocked(now)

	key := sessionKey{peer: peer, fragID: fragID}
	s, exists := e.sessions[key]
	if !exists {
		if len(e.sessions) >= e.maxLive {
			e.evictOldestLocked()
		}
		s = &session{
			total:     total,
			chunks:    make(map[int][]byte),
			createdAt: now,
			deadline:  now.Add(e.timeout),
		}
		if index == 0 {
			s.headers = stripControlHeaders(frag.Headers)
			s.flags = frag.Flags &^ vstp.FlagFrag
			s.typ = frag.Type
		}
		e.sessions[key] = s
	}

	if s.total != total {
		// Disagreement about the total fragment count for this frag-id:
		// treat as a transport error and drop the session entirely.
		delete(e.sessions, key)
		return nil, nil
	}

	// Duplicate indices are idempotent; last writer wins, which is safe
	// because a correct sender's duplicate carries identical bytes.
	s.chunks[index] = append([]byte(nil), frag.Payload...)
	if index == 0 && s.headers == nil {
		s.headers = stripControlHeaders(frag.Headers)
		s.flags = frag.Flags &^ vstp.FlagFrag
		s.typ = frag.Type
	}

	if len(s.chunks) < s.total {
		return nil, nil
	}
	for i := 0; i < s.total; i++ {
		if _, ok := s.chunks[i]; !ok {
			return nil, nil
		}
	}

	size := 0
	for i := 0; i < s.total; i++ {
		size += len(s.chunks[i])
	}
	payload := make([]byte, 0, size)
	for i := 0; i < s.total; i++ {
		payload = append(payload, s.chunks[i]...)
	}

	assembled := &vstp.Frame{
		Version: vstp.Version,
		Type:    s.typ,
		Flags:   s.flags,
		Headers: s.headers,
		Payload: payload,
	}
	delete(e.sessions, key)
	return assembled, nil
}

// evictExpiredLocked removes every session whose deadline has passed.
// Callers must hold e.mu.
func (e *Engine) evictExpiredLocked(now time.Time) {
	for k, s := range e.sessions {
		if now.After(s.deadline) {
			delete(e.sessions, k)
		}
	}
}

// evictOldestLocked removes the session with the earliest creation time.
// Callers must hold e.mu.
func (e *Engine) evictOldestLocked() {
	var oldestKey sessionKey
	var oldestTime time.Time
	first := true
	for k, s := range e.sessions {
		if first || s.createdAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = s.createdAt
			first = false
		}
	}
	if !first {
		delete(e.sessions, oldestKey)
	}
}

// parseControlHeaders extracts frag-id, frag-index, and frag-total from a
// fragment's headers. ok is false if any are missing or malformed.
func parseControlHeaders(f *vstp.Frame) (fragID byte, index, total int, ok bool) {
	idRaw, hasID := f.HeaderValue(headerFragID)
	idxRaw, hasIdx := f.HeaderValue(headerFragIndex)
	totRaw, hasTot := f.HeaderValue(headerFragTotal)
	if !hasID || !hasIdx || !hasTot {
		return 0, 0, 0, false
	}
	idVal, err := strconv.Atoi(string(idRaw))
	if err != nil || idVal < 0 || idVal > 255 {
		return 0, 0, 0, false
	}
	idxVal, err := strconv.Atoi(string(idxRaw))
	if err != nil || idxVal < 0 {
		return 0, 0, 0, false
	}
	totVal, err := strconv.Atoi(string(totRaw))
	if err != nil || totVal < 1 || totVal > 255 {
		return 0, 0, 0, false
	}
	return byte(idVal), idxVal, totVal, true
}

// stripControlHeaders returns headers with the three fragment-control
// entries removed, recovering the application's original header list.
func stripControlHeaders(headers []vstp.Header) []vstp.Header {
	out := make([]vstp.Header, 0, len(headers))
	for _, h := range headers {
		switch string(h.Key) {
		case headerFragID, headerFragIndex, headerFragTotal:
			continue
		default:
			out = append(out, h)
		}
	}
	return out
}
