package vstp

import "encoding/binary"

// PutUvarint and Uvarint are thin, VSTP-local re-exports of the standard
// LEB128 varint codec, so callers packing integers into header values don't
// have to reach into encoding/binary directly. Mirrors the teacher's own
// habit of re-exposing a control-flow sentinel under a package-local name
// rather than making callers import the underlying package.

// PutUvarint encodes x into buf (which must be at least binary.MaxVarintLen64
// bytes) and returns the number of bytes written.
func PutUvarint(buf []byte, x uint64) int {
	return binary.PutUvarint(buf, x)
}

// Uvarint decodes a uint64 from the start of buf, returning the value and
// the number of bytes consumed. A return of n <= 0 means buf did not hold a
// complete varint (n == 0: too short; n < 0: value overflows uint64).
func Uvarint(buf []byte) (uint64, int) {
	return binary.Uvarint(buf)
}

// PutString encodes s as a 1-byte length prefix followed by its bytes. It
// fails with ProtocolLimit if s is longer than 255 bytes, since header
// values themselves are bounded to 255 bytes by the wire format.
func PutString(s string) ([]byte, error) {
	if len(s) > 255 {
		return nil, ProtocolLimitErr("string exceeds 255 bytes")
	}
	buf := make([]byte, 1+len(s))
	buf[0] = byte(len(s))
	copy(buf[1:], s)
	return buf, nil
}

// String decodes a 1-byte-length-prefixed string from the start of buf,
// returning the string and the number of bytes consumed. Returns
// Incomplete if buf does not yet hold the full prefix and string.
func String(buf []byte) (string, int, error) {
	if len(buf) < 1 {
		return "", 0, NeedMore(1)
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return "", 0, NeedMore(1 + n - len(buf))
	}
	return string(buf[1 : 1+n]), 1 + n, nil
}
