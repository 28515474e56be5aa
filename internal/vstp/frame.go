// Package vstp implements the VSTP wire codec: the frame model, flag bits,
// frame-type taxonomy, and the bit-exact encoder/decoder for the binary
// frame format shared by the stream and datagram transports.
package vstp

import "fmt"

// Magic is the two-byte protocol signature at the start of every frame.
var Magic = [2]byte{0x56, 0x54}

// Version is the only protocol version this codec accepts on decode.
const Version byte = 0x01

// Type identifies the kind of a frame. The taxonomy is closed: receivers of
// an unknown type byte reject the frame rather than forwarding it.
type Type byte

const (
	TypeHello   Type = 1
	TypeWelcome Type = 2
	TypeData    Type = 3
	TypePing    Type = 4
	TypePong    Type = 5
	TypeBye     Type = 6
	TypeAck     Type = 7
	TypeErr     Type = 8
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeWelcome:
		return "WELCOME"
	case TypeData:
		return "DATA"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeBye:
		return "BYE"
	case TypeAck:
		return "ACK"
	case TypeErr:
		return "ERR"
	default:
		return fmt.Sprintf("Type(0x%02x)", byte(t))
	}
}

// Valid reports whether t is one of the eight known frame types.
func (t Type) Valid() bool {
	return t >= TypeHello && t <= TypeErr
}

// Priority returns the scheduling priority induced by the frame-type
// taxonomy. Higher values should be serviced first by implementations that
// choose to prioritize queued frames; correctness never depends on this
// ordering being honored.
func (t Type) Priority() int {
	switch t {
	case TypeErr:
		return 255
	case TypeAck:
		return 200
	case TypeHello, TypeWelcome, TypeBye:
		return 150
	case TypePing, TypePong:
		return 100
	case TypeData:
		return 50
	default:
		return 0
	}
}

// Flags is a bit set over the known VSTP flag bits. Bits outside
// knownFlagMask are opaque future flags: Decode drops them (Frame keeps no
// residual of them), an encoder of this version never emits them, and no
// core logic acts on them.
type Flags uint8

const (
	FlagReqAck Flags = 0x01
	FlagCRC    Flags = 0x02
	FlagFrag   Flags = 0x10
	FlagComp   Flags = 0x20
)

// knownFlagMask covers every flag bit this version of the codec assigns
// meaning to. Bits outside the mask are the "opaque future flags" named in
// the wire contract.
const knownFlagMask Flags = FlagReqAck | FlagCRC | FlagFrag | FlagComp

// Has reports whether every bit in want is set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Known returns f with only the bits this version assigns meaning to.
func (f Flags) Known() Flags { return f & knownFlagMask }

// Header is one (key, value) pair inside a frame's header section. Keys and
// values are arbitrary byte strings of 0-255 bytes each; order within a
// Frame's Headers slice is preserved and observable, and duplicate keys are
// permitted.
type Header struct {
	Key   []byte
	Value []byte
}

// Frame is the in-memory representation of one VSTP message: version, type,
// flags, an ordered header list, and a payload. Frames are values owned by
// their producer until handed to Encode.
type Frame struct {
	Version byte
	Type    Type
	Flags   Flags
	Headers []Header
	Payload []byte
}

// New builds a frame with the current protocol version and no flags set.
func New(t Type, headers []Header, payload []byte) *Frame {
	return &Frame{
		Version: Version,
		Type:    t,
		Headers: headers,
		Payload: payload,
	}
}

// HeaderValue returns the value of the first header with the given key, and
// whether it was present. Per the wire contract, when a control field
// appears more than once the first occurrence wins.
func (f *Frame) HeaderValue(key string) ([]byte, bool) {
	for _, h := range f.Headers {
		if string(h.Key) == key {
			return h.Value, true
		}
	}
	return nil, false
}

// AddHeader appends a header pair, encoded as plain bytes.
func (f *Frame) AddHeader(key, value string) {
	f.Headers = append(f.Headers, Header{Key: []byte(key), Value: []byte(value)})
}

// SetFlag ORs flag into f.Flags.
func (f *Frame) SetFlag(flag Flags) { f.Flags |= flag }

// HasFlag reports whether flag is set.
func (f *Frame) HasFlag(flag Flags) bool { return f.Flags.Has(flag) }

// Equal reports whether two frames are wire-equivalent: same version, type,
// flags, header sequence (order and bytes), and payload. Used by the
// codec's round-trip tests.
func (f *Frame) Equal(other *Frame) bool {
	if f == nil || other == nil {
		return f == other
	}
	if f.Version != other.Version || f.Type != other.Type || f.Flags != other.Flags {
		return false
	}
	if len(f.Headers) != len(other.Headers) {
		return false
	}
	for i, h := range f.Headers {
		oh := other.Headers[i]
		if string(h.Key) != string(oh.Key) || string(h.Value) != string(oh.Value) {
			return false
		}
	}
	return bytesEqual(f.Payload, other.Payload)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
