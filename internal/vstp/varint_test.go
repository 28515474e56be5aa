package vstp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPutUvarintUvarint_RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 40, ^uint64(0)} {
		buf := make([]byte, 10)
		n := PutUvarint(buf, v)
		got, m := Uvarint(buf[:n])
		assert.Equal(t, v, got)
		assert.Equal(t, n, m)
	}
}

func TestUvarint_IncompleteReportsZero(t *testing.T) {
	buf := make([]byte, 10)
	n := PutUvarint(buf, 1<<40)
	_, m := Uvarint(buf[:n-1])
	assert.Equal(t, 0, m)
}

func TestPutStringString_RoundTrip(t *testing.T) {
	encoded, err := PutString("hello")
	assert.NoError(t, err)

	decoded, n, err := String(encoded)
	assert.NoError(t, err)
	assert.Equal(t, "hello", decoded)
	assert.Equal(t, len(encoded), n)
}

func TestPutString_RejectsOversizedInput(t *testing.T) {
	_, err := PutString(string(make([]byte, 256)))
	assert.Error(t, err)
}

func TestString_NeedsMoreOnTruncatedInput(t *testing.T) {
	encoded, err := PutString("hello")
	assert.NoError(t, err)

	_, _, err = String(encoded[:2])
	assert.Error(t, err)
}
