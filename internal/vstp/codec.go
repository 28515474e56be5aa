package vstp

import (
	"encoding/binary"
	"hash/crc32"
)

// FixedHeaderSize is the size, in bytes, of the fixed-layout prefix that
// precedes the header section: magic(2) + version(1) + type(1) + flags(1)
// + header_length(2) + payload_length(4).
const FixedHeaderSize = 11

// TrailerSize is the size of the trailing integrity check.
const TrailerSize = 4

const fixedHeaderSize = FixedHeaderSize
const trailerSize = TrailerSize

// DefaultMaxFrameSize is the default value of the codec's one tuning knob:
// the largest total encoded frame size a Decoder will accept.
const DefaultMaxFrameSize = 8 * 1024 * 1024 // 8 MiB

// crc32Checksum computes the IEEE 802.3 CRC-32 (reflected, init/xor
// 0xFFFFFFFF) over data — bit-identical to zlib's crc32.
func crc32Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Encode serializes f to its wire representation. It never performs I/O and
// is deterministic: equal input (including header order) always produces
// byte-identical output. It fails with ProtocolLimit if any header key or
// value exceeds 255 bytes, if the encoded header section would exceed
// 65,535 bytes, or if the payload exceeds 2^32-1 bytes.
func Encode(f *Frame) ([]byte, error) {
	headerBytes, err := encodeHeaders(f.Headers)
	if err != nil {
		return nil, err
	}
	if len(headerBytes) > 0xFFFF {
		return nil, ProtocolLimitErr("header section exceeds 65535 bytes")
	}
	if uint64(len(f.Payload)) > 0xFFFFFFFF {
		return nil, ProtocolLimitErr("payload exceeds 2^32-1 bytes")
	}

	total := fixedHeaderSize + len(headerBytes) + len(f.Payload) + trailerSize
	buf := make([]byte, total)

	buf[0], buf[1] = Magic[0], Magic[1]
	buf[2] = f.Version
	buf[3] = byte(f.Type)
	buf[4] = byte(f.Flags.Known())
	binary.LittleEndian.PutUint16(buf[5:7], uint16(len(headerBytes)))
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(f.Payload)))

	off := fixedHeaderSize
	off += copy(buf[off:], headerBytes)
	off += copy(buf[off:], f.Payload)

	sum := crc32Checksum(buf[:off])
	binary.BigEndian.PutUint32(buf[off:off+trailerSize], sum)

	return buf, nil
}

// encodeHeaders serializes an ordered header list as a tight concatenation
// of key_len(u8) | value_len(u8) | key | value entries.
func encodeHeaders(headers []Header) ([]byte, error) {
	size := 0
	for _, h := range headers {
		if len(h.Key) > 255 || len(h.Value) > 255 {
			return nil, ProtocolLimitErr("header key or value exceeds 255 bytes")
		}
		size += 2 + len(h.Key) + len(h.Value)
	}
	buf := make([]byte, size)
	off := 0
	for _, h := range headers {
		buf[off] = byte(len(h.Key))
		buf[off+1] = byte(len(h.Value))
		off += 2
		off += copy(buf[off:], h.Key)
		off += copy(buf[off:], h.Value)
	}
	return buf, nil
}

// Decode attempts to extract exactly one frame from the front of data.
//
// Returns:
//   - frame consumed: frame != nil, consumed is the number of bytes of data
//     the frame occupied (caller should drop data[:consumed]), err == nil.
//   - need more: frame == nil, consumed == 0, err is an *Error of
//     KindIncomplete carrying an advisory byte count; data is untouched.
//   - error: frame == nil, err is a non-Incomplete *Error. data is left
//     untouched except on InvalidMagic, where consumed == 1 so a caller
//     resynchronizing a byte stream can skip the bad leading byte and
//     retry; any other error is fatal to the connection per the
//     propagation policy and the buffer is not expected to be reused.
//
// Decode never allocates a buffer proportional to the declared header or
// payload length until step 5 below has bounded the total frame size
// against maxFrameSize.
func Decode(data []byte, maxFrameSize int) (frame *Frame, consumed int, err error) {
	// 1. Need at least the fixed prefix.
	if len(data) < fixedHeaderSize {
		return nil, 0, NeedMore(fixedHeaderSize - len(data))
	}

	// 2. Magic.
	if data[0] != Magic[0] || data[1] != Magic[1] {
		return nil, 1, newErr(KindInvalidMagic)
	}

	// 3. Version.
	if data[2] != Version {
		return nil, 0, &Error{Kind: KindInvalidVersion, ExpectedVersion: Version, GotVersion: data[2]}
	}

	// 4. Lengths: header_length is little-endian, payload_length is
	// big-endian — the mixed endianness is part of the wire contract.
	headerLen := int(binary.LittleEndian.Uint16(data[5:7]))
	payloadLen := int64(binary.BigEndian.Uint32(data[7:11]))

	// 5. Bound total size against maxFrameSize before trusting declared
	// lengths enough to allocate or index with them.
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	total64 := int64(fixedHeaderSize) + int64(headerLen) + payloadLen + int64(trailerSize)
	if total64 > int64(maxFrameSize) {
		return nil, 0, &Error{Kind: KindFrameTooLarge, Size: int(total64), Limit: maxFrameSize}
	}
	total := int(total64)
	if len(data) < total {
		return nil, 0, NeedMore(total - len(data))
	}

	// 6. Integrity check over everything but the trailer itself.
	body := data[:total-trailerSize]
	expected := binary.BigEndian.Uint32(data[total-trailerSize : total])
	got := crc32Checksum(body)
	if expected != got {
		return nil, 0, &Error{Kind: KindCrcMismatch, ExpectedCRC: expected, GotCRC: got}
	}

	// 7. Frame type.
	t := Type(data[3])
	if !t.Valid() {
		return nil, 0, &Error{Kind: KindInvalidFrameType, GotType: data[3]}
	}

	// 8. Walk the header section.
	headerSection := data[fixedHeaderSize : fixedHeaderSize+headerLen]
	headers, herr := decodeHeaders(headerSection)
	if herr != nil {
		return nil, 0, herr
	}

	// 9. Payload, and flags masked to the known set. Unassigned bits are
	// dropped here rather than retained on Frame: this decoder does not
	// support verbatim re-forwarding of an unrecognized-flag frame.
	payloadStart := fixedHeaderSize + headerLen
	payload := make([]byte, payloadLen)
	copy(payload, data[payloadStart:payloadStart+int(payloadLen)])

	f := &Frame{
		Version: data[2],
		Type:    t,
		Flags:   Flags(data[4]).Known(),
		Headers: headers,
		Payload: payload,
	}
	return f, total, nil
}

// decodeHeaders parses a tight concatenation of key_len|value_len|key|value
// entries, stopping exactly when section is exhausted. A trailing partial
// header is a ProtocolLimit error.
func decodeHeaders(section []byte) ([]Header, error) {
	var headers []Header
	pos := 0
	for pos < len(section) {
		if pos+2 > len(section) {
			return nil, ProtocolLimitErr("truncated header length prefix")
		}
		keyLen := int(section[pos])
		valLen := int(section[pos+1])
		pos += 2
		if pos+keyLen+valLen > len(section) {
			return nil, ProtocolLimitErr("truncated header key/value")
		}
		key := make([]byte, keyLen)
		copy(key, section[pos:pos+keyLen])
		pos += keyLen
		val := make([]byte, valLen)
		copy(val, section[pos:pos+valLen])
		pos += valLen
		headers = append(headers, Header{Key: key, Value: val})
	}
	return headers, nil
}
