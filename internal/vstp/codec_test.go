package vstp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// ROUND-TRIP
// ============================================================================

func TestEncodeDecode_RoundTrip(t *testing.T) {
	f := New(TypeData, []Header{{Key: []byte("x"), Value: []byte("y")}}, []byte("hello world"))
	f.SetFlag(FlagCRC)

	buf, err := Encode(f)
	require.NoError(t, err)

	got, consumed, err := Decode(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.True(t, f.Equal(got), "decoded frame must equal the original")
}

func TestEncodeDecode_RoundTrip_NoHeadersNoPayload(t *testing.T) {
	f := New(TypePing, nil, nil)
	buf, err := Encode(f)
	require.NoError(t, err)

	got, consumed, err := Decode(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.True(t, f.Equal(got))
}

func TestEncode_HeaderOrderPreserved(t *testing.T) {
	f := New(TypeData, []Header{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("a"), Value: []byte("3")}, // duplicate key, permitted
	}, nil)

	buf, err := Encode(f)
	require.NoError(t, err)

	got, _, err := Decode(buf, 0)
	require.NoError(t, err)
	require.Len(t, got.Headers, 3)
	assert.Equal(t, "a", string(got.Headers[0].Key))
	assert.Equal(t, "1", string(got.Headers[0].Value))
	assert.Equal(t, "3", string(got.Headers[2].Value))

	v, ok := got.HeaderValue("a")
	require.True(t, ok)
	assert.Equal(t, "1", string(v), "first occurrence wins")
}

// ============================================================================
// PARTIAL READ TOLERANCE
// ============================================================================

func TestDecode_PartialFixedHeader(t *testing.T) {
	f := New(TypeData, nil, []byte("payload"))
	buf, err := Encode(f)
	require.NoError(t, err)

	_, consumed, err := Decode(buf[:5], 0)
	assert.Zero(t, consumed)
	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, KindIncomplete, vErr.Kind)
}

func TestDecode_PartialBody(t *testing.T) {
	f := New(TypeData, nil, []byte("a fairly long payload to split mid-frame"))
	buf, err := Encode(f)
	require.NoError(t, err)

	_, _, err = Decode(buf[:len(buf)-3], 0)
	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, KindIncomplete, vErr.Kind)
}

func TestDecode_FeedByteByByte(t *testing.T) {
	f := New(TypeData, []Header{{Key: []byte("k"), Value: []byte("v")}}, []byte("streamed"))
	buf, err := Encode(f)
	require.NoError(t, err)

	var acc []byte
	var got *Frame
	for i, b := range buf {
		acc = append(acc, b)
		frame, consumed, err := Decode(acc, 0)
		if err == nil {
			got = frame
			assert.Equal(t, i+1, consumed)
			break
		}
		var vErr *Error
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, KindIncomplete, vErr.Kind)
	}
	require.NotNil(t, got)
	assert.True(t, f.Equal(got))
}

func TestDecode_TrailingBytesNotConsumed(t *testing.T) {
	f := New(TypePing, nil, nil)
	buf, err := Encode(f)
	require.NoError(t, err)

	extra := append(append([]byte{}, buf...), []byte("next-frame-bytes")...)
	_, consumed, err := Decode(extra, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
}

// ============================================================================
// MAGIC REJECTION
// ============================================================================

func TestDecode_InvalidMagic(t *testing.T) {
	buf := make([]byte, FixedHeaderSize+TrailerSize)
	buf[0] = 0xFF
	buf[1] = 0xFF

	_, consumed, err := Decode(buf, 0)
	assert.Equal(t, 1, consumed, "invalid magic advances exactly one byte for resync")
	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, KindInvalidMagic, vErr.Kind)
}

func TestDecode_InvalidVersion(t *testing.T) {
	f := New(TypeData, nil, nil)
	buf, err := Encode(f)
	require.NoError(t, err)
	buf[2] = 0x99

	_, _, err = Decode(buf, 0)
	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, KindInvalidVersion, vErr.Kind)
	assert.Equal(t, byte(0x99), vErr.GotVersion)
}

func TestDecode_InvalidFrameType(t *testing.T) {
	f := New(TypeData, nil, nil)
	buf, err := Encode(f)
	require.NoError(t, err)
	buf[3] = 0x00 // below TypeHello
	// Recompute the trailer so the integrity check passes and the type
	// check is reached.
	binary.BigEndian.PutUint32(buf[len(buf)-TrailerSize:], crc32Checksum(buf[:len(buf)-TrailerSize]))

	_, _, err = Decode(buf, 0)
	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, KindInvalidFrameType, vErr.Kind)
}

// ============================================================================
// CRC SENSITIVITY
// ============================================================================

func TestDecode_CRCMismatch_PayloadBitFlip(t *testing.T) {
	f := New(TypeData, nil, []byte("important bytes"))
	buf, err := Encode(f)
	require.NoError(t, err)

	buf[FixedHeaderSize] ^= 0x01

	_, _, err = Decode(buf, 0)
	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, KindCrcMismatch, vErr.Kind)
}

func TestDecode_CRCMismatch_TrailerBitFlip(t *testing.T) {
	f := New(TypeData, nil, []byte("important bytes"))
	buf, err := Encode(f)
	require.NoError(t, err)

	buf[len(buf)-1] ^= 0x01

	_, _, err = Decode(buf, 0)
	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, KindCrcMismatch, vErr.Kind)
}

// ============================================================================
// SIZE CAP: NO OVER-ALLOCATION BEFORE BOUNDING
// ============================================================================

func TestDecode_OversizedDeclaredPayload_RejectsWithoutAllocating(t *testing.T) {
	buf := make([]byte, FixedHeaderSize)
	buf[0], buf[1] = Magic[0], Magic[1]
	buf[2] = Version
	buf[3] = byte(TypeData)
	buf[4] = 0
	binary.LittleEndian.PutUint16(buf[5:7], 0)
	binary.BigEndian.PutUint32(buf[7:11], 0xFFFFFFF0) // declares ~4GiB payload

	_, consumed, err := Decode(buf, DefaultMaxFrameSize)
	assert.Zero(t, consumed)
	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, KindFrameTooLarge, vErr.Kind)
	assert.Greater(t, vErr.Size, vErr.Limit)
}

func TestDecode_RespectsMaxFrameSize(t *testing.T) {
	f := New(TypeData, nil, make([]byte, 100))
	buf, err := Encode(f)
	require.NoError(t, err)

	_, _, err = Decode(buf, len(buf)-1)
	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, KindFrameTooLarge, vErr.Kind)
}

// ============================================================================
// MIXED ENDIANNESS ON THE WIRE
// ============================================================================

func TestEncode_MixedEndianLengths(t *testing.T) {
	f := New(TypeData, []Header{{Key: []byte("k"), Value: []byte("v")}}, make([]byte, 300))
	buf, err := Encode(f)
	require.NoError(t, err)

	headerLen := binary.LittleEndian.Uint16(buf[5:7])
	payloadLen := binary.BigEndian.Uint32(buf[7:11])
	assert.Equal(t, uint16(2+1+1), headerLen)
	assert.Equal(t, uint32(300), payloadLen)
}

// ============================================================================
// PROTOCOL LIMITS ON ENCODE
// ============================================================================

func TestEncode_HeaderValueTooLong(t *testing.T) {
	f := New(TypeData, []Header{{Key: []byte("k"), Value: make([]byte, 256)}}, nil)
	_, err := Encode(f)
	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, KindProtocolLimit, vErr.Kind)
}

// ============================================================================
// FLAGS
// ============================================================================

func TestFlags_UnknownBitsStrippedOnEncode(t *testing.T) {
	f := New(TypeData, nil, nil)
	f.Flags = Flags(0xFF) // sets every bit, including unassigned ones

	buf, err := Encode(f)
	require.NoError(t, err)

	got, _, err := Decode(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, knownFlagMask, got.Flags)
}
