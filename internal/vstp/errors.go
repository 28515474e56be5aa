package vstp

import "fmt"

// Kind is the closed taxonomy of VSTP failure modes. Every core operation
// fails with one of these; there is no escape hatch for ad-hoc error
// strings, because several variants carry typed fields callers need to
// inspect (expected/got, size/limit).
type Kind int

const (
	// KindIO reports a failure surfaced by the underlying transport.
	KindIO Kind = iota
	// KindInvalidMagic means the first two bytes of a decode did not
	// match the protocol magic.
	KindInvalidMagic
	// KindInvalidVersion means the version byte did not match the one
	// version this decoder accepts.
	KindInvalidVersion
	// KindInvalidFrameType means the type byte did not map to a known
	// frame type.
	KindInvalidFrameType
	// KindProtocolLimit means a length field or header key/value
	// exceeded its encoded bound.
	KindProtocolLimit
	// KindFrameTooLarge means the total encoded frame size exceeds the
	// configured maximum.
	KindFrameTooLarge
	// KindCrcMismatch means the trailing integrity check did not match
	// the recomputed CRC-32.
	KindCrcMismatch
	// KindIncomplete is a decoder advisory, not a failure: the buffer
	// does not yet hold a complete frame.
	KindIncomplete
	// KindTimeout means a pending-ACK budget was exhausted, or an
	// explicit deadline expired.
	KindTimeout
	// KindConnectionClosed means the peer closed the underlying
	// transport.
	KindConnectionClosed
	// KindUnexpectedFrameType means a handler received a frame type
	// disallowed by its current state.
	KindUnexpectedFrameType
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "Io"
	case KindInvalidMagic:
		return "InvalidMagic"
	case KindInvalidVersion:
		return "InvalidVersion"
	case KindInvalidFrameType:
		return "InvalidFrameType"
	case KindProtocolLimit:
		return "ProtocolLimit"
	case KindFrameTooLarge:
		return "FrameTooLarge"
	case KindCrcMismatch:
		return "CrcMismatch"
	case KindIncomplete:
		return "Incomplete"
	case KindTimeout:
		return "Timeout"
	case KindConnectionClosed:
		return "ConnectionClosed"
	case KindUnexpectedFrameType:
		return "UnexpectedFrameType"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the single error type used across the VSTP core. Typed fields
// are populated only for the Kind values that need them; zero values are
// harmless for the rest.
type Error struct {
	Kind Kind

	// InvalidVersion
	ExpectedVersion byte
	GotVersion      byte

	// InvalidFrameType
	GotType byte

	// FrameTooLarge
	Size  int
	Limit int

	// CrcMismatch
	ExpectedCRC uint32
	GotCRC      uint32

	// Incomplete
	Needed int

	// Msg carries a short human-readable cause, e.g. for wrapping an
	// underlying I/O error or annotating a ProtocolLimit violation.
	Msg string
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidVersion:
		return fmt.Sprintf("vstp: invalid version: expected 0x%02x, got 0x%02x", e.ExpectedVersion, e.GotVersion)
	case KindInvalidFrameType:
		return fmt.Sprintf("vstp: invalid frame type: 0x%02x", e.GotType)
	case KindFrameTooLarge:
		return fmt.Sprintf("vstp: frame too large: %d exceeds limit %d", e.Size, e.Limit)
	case KindCrcMismatch:
		return fmt.Sprintf("vstp: crc mismatch: expected 0x%08x, got 0x%08x", e.ExpectedCRC, e.GotCRC)
	case KindIncomplete:
		return fmt.Sprintf("vstp: incomplete frame: need %d more byte(s)", e.Needed)
	default:
		if e.Msg != "" {
			return fmt.Sprintf("vstp: %s: %s", e.Kind, e.Msg)
		}
		if e.Err != nil {
			return fmt.Sprintf("vstp: %s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("vstp: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match against a bare Kind sentinel value wrapped as an
// *Error, e.g. errors.Is(err, ErrTimeout).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind) *Error { return &Error{Kind: kind} }

func wrapIO(err error) *Error {
	return &Error{Kind: KindIO, Err: err}
}

// Sentinel errors for errors.Is comparisons where no typed field is needed.
var (
	ErrInvalidMagic        = &Error{Kind: KindInvalidMagic}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrConnectionClosed    = &Error{Kind: KindConnectionClosed}
	ErrUnexpectedFrameType = &Error{Kind: KindUnexpectedFrameType}
)

// NeedMore reports an *Error of KindIncomplete, used by the decoder as a
// non-failure advisory that the caller must read more bytes before retrying.
func NeedMore(needed int) *Error {
	return &Error{Kind: KindIncomplete, Needed: needed}
}

// ProtocolLimitErr annotates a ProtocolLimit violation with a short cause.
func ProtocolLimitErr(msg string) *Error {
	return &Error{Kind: KindProtocolLimit, Msg: msg}
}
