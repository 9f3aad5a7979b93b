package shield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClockNextWriteStampMonotonic(t *testing.T) {
	c := newClock()
	assert.Equal(t, uint64(0), c.Current())

	a := c.NextWriteStamp()
	b := c.NextWriteStamp()
	assert.Equal(t, uint64(1), a)
	assert.Equal(t, uint64(2), b)
	assert.Equal(t, uint64(2), c.Current())
}

func TestClockMinOpenWithNoOpenTransactions(t *testing.T) {
	c := newClock()
	c.NextWriteStamp()
	c.NextWriteStamp()
	assert.Equal(t, c.Current(), c.MinOpen())
}

func TestClockMinOpenTracksSmallestRegisteredStamp(t *testing.T) {
	c := newClock()
	c.registerOpen(5)
	c.registerOpen(3)
	c.registerOpen(7)
	assert.Equal(t, uint64(3), c.MinOpen())

	c.unregisterOpen(3)
	assert.Equal(t, uint64(5), c.MinOpen())

	c.unregisterOpen(5)
	c.unregisterOpen(7)
	assert.Equal(t, c.Current(), c.MinOpen())
}

func TestClockRegisterOpenDeduplicatesSameStamp(t *testing.T) {
	c := newClock()
	c.registerOpen(1)
	c.registerOpen(1)
	c.unregisterOpen(1)
	// One registration remains pending; MinOpen must still report 1, not
	// fall back to Current().
	assert.Equal(t, uint64(1), c.MinOpen())
	c.unregisterOpen(1)
	assert.Equal(t, c.Current(), c.MinOpen())
}
