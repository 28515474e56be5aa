package reliableudp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupLRU_SuppressesRepeatedMessageID(t *testing.T) {
	d := newDedupLRU(0, 0)

	assert.False(t, d.seenOrMark("peer-1", 1), "first delivery is not a duplicate")
	assert.True(t, d.seenOrMark("peer-1", 1), "redelivery of the same id is a duplicate")
	assert.False(t, d.seenOrMark("peer-1", 2), "a different id from the same peer is new")
	assert.False(t, d.seenOrMark("peer-2", 1), "the same id from a different peer is new")
}

func TestDedupLRU_EvictsByCapacity(t *testing.T) {
	d := newDedupLRU(2, time.Minute)

	assert.False(t, d.seenOrMark("p", 1))
	assert.False(t, d.seenOrMark("p", 2))
	assert.False(t, d.seenOrMark("p", 3)) // evicts id 1, the least recently seen

	assert.False(t, d.seenOrMark("p", 1), "id 1 was evicted, so it is treated as new again")
}

func TestDedupLRU_ExpiresByTTL(t *testing.T) {
	d := newDedupLRU(0, 10*time.Millisecond)

	assert.False(t, d.seenOrMark("p", 1))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, d.seenOrMark("p", 1), "entry expired, so it is treated as new again")
}

func TestDedupLRU_RecencyUpdatesOnRepeat(t *testing.T) {
	d := newDedupLRU(2, time.Minute)

	assert.False(t, d.seenOrMark("p", 1))
	assert.False(t, d.seenOrMark("p", 2))
	assert.True(t, d.seenOrMark("p", 1)) // touches id 1, moving it to the front
	assert.False(t, d.seenOrMark("p", 3)) // must evict id 2, now the least recently seen

	assert.True(t, d.seenOrMark("p", 1), "id 1 survived eviction because it was touched last")
	assert.False(t, d.seenOrMark("p", 2), "id 2 was evicted")
}
