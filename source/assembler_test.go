package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagtrace/tagstream/tag"
)

func TestPushReturnsReadyAtMaxEvents(t *testing.T) {
	a := newAssembler(Policy{MaxEvents: 2, MaxLatency: time.Hour, IdleGap: time.Hour})
	require.False(t, a.push(tag.Tag{Type: tag.TimeTag, Channel: 1, TimePs: 1}))
	require.True(t, a.push(tag.Tag{Type: tag.TimeTag, Channel: 1, TimePs: 2}))
}

func TestFlushResetsPendingAndTracksLastEnd(t *testing.T) {
	a := newAssembler(DefaultPolicy())
	a.push(tag.Tag{Type: tag.TimeTag, Channel: 1, TimePs: 10})
	a.push(tag.Tag{Type: tag.TimeTag, Channel: 2, TimePs: 20})

	block := a.flush(100)
	assert.Equal(t, int64(10), block.TBegin)
	assert.Equal(t, int64(100), block.TEnd)
	assert.Len(t, block.Tags, 2)
	assert.Equal(t, 0, a.pendingLen())

	empty := a.flush(150)
	assert.True(t, empty.Empty())
	assert.Equal(t, int64(100), empty.TBegin)
	assert.Equal(t, int64(150), empty.TEnd)
}

func TestFlushClampsTEndToTBeginIfEarlier(t *testing.T) {
	a := newAssembler(DefaultPolicy())
	a.push(tag.Tag{Type: tag.TimeTag, Channel: 1, TimePs: 100})
	block := a.flush(50)
	assert.Equal(t, int64(100), block.TBegin)
	assert.Equal(t, int64(100), block.TEnd)
}

func TestRequestFenceIncrementsAndPersistsAcrossFlush(t *testing.T) {
	a := newAssembler(DefaultPolicy())
	assert.Equal(t, uint32(1), a.requestFence())
	assert.Equal(t, uint32(2), a.requestFence())

	a.push(tag.Tag{Type: tag.TimeTag, Channel: 1, TimePs: 5})
	block := a.flush(10)
	assert.Equal(t, uint32(2), block.Fence)
}

func TestOldestPendingTimeReportsFirstTagTime(t *testing.T) {
	a := newAssembler(DefaultPolicy())
	_, ok := a.oldestPendingTime()
	assert.False(t, ok)

	a.push(tag.Tag{Type: tag.TimeTag, Channel: 1, TimePs: 42})
	begin, ok := a.oldestPendingTime()
	require.True(t, ok)
	assert.Equal(t, int64(42), begin)
}
