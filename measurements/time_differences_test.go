package measurements

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagtrace/tagstream/channelspace"
	"github.com/tagtrace/tagstream/tag"
)

func TestTimeDifferencesRollsHistogramIndexOnNextChannel(t *testing.T) {
	td, err := NewTimeDifferences("td", 2, 1, 3, channelspace.Unused(), 1, 100, 3, 16, 0)
	require.NoError(t, err)
	require.NoError(t, td.Start())

	_, err = td.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 2, TimePs: 0},   // start
		{Type: tag.TimeTag, Channel: 1, TimePs: 10},  // click -> histogram 0, bin 10
		{Type: tag.TimeTag, Channel: 3, TimePs: 10},  // next -> histogram 1
		{Type: tag.TimeTag, Channel: 2, TimePs: 100}, // start
		{Type: tag.TimeTag, Channel: 1, TimePs: 115}, // click -> histogram 1, bin 15
		{Type: tag.TimeTag, Channel: 3, TimePs: 115}, // next -> histogram 2
		{Type: tag.TimeTag, Channel: 2, TimePs: 200}, // start
		{Type: tag.TimeTag, Channel: 1, TimePs: 225}, // click -> histogram 2, bin 25
		{Type: tag.TimeTag, Channel: 3, TimePs: 225}, // next -> wraps to histogram 0, rollover
		{Type: tag.TimeTag, Channel: 2, TimePs: 300}, // start
		{Type: tag.TimeTag, Channel: 1, TimePs: 310}, // click -> histogram 0, bin 10
	}, 0, 400)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), td.Histogram(0)[10])
	assert.Equal(t, uint64(1), td.Histogram(1)[15])
	assert.Equal(t, uint64(1), td.Histogram(2)[25])
	assert.Equal(t, 1, td.Rollovers())
	assert.False(t, td.Finished())
}

func TestTimeDifferencesSyncChannelResetsIndexWithoutCountingRollover(t *testing.T) {
	td, err := NewTimeDifferences("td", 2, 1, 3, 4, 1, 100, 3, 16, 0)
	require.NoError(t, err)
	require.NoError(t, td.Start())

	_, err = td.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 3, TimePs: 0}, // next -> histogram 1
		{Type: tag.TimeTag, Channel: 4, TimePs: 1}, // sync -> back to histogram 0
		{Type: tag.TimeTag, Channel: 2, TimePs: 5}, // start
		{Type: tag.TimeTag, Channel: 1, TimePs: 15}, // click -> histogram 0, bin 10
	}, 0, 100)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), td.Histogram(0)[10])
	assert.Equal(t, 0, td.Rollovers())
}

func TestTimeDifferencesStopsAcceptingEventsAfterRolloverCap(t *testing.T) {
	td, err := NewTimeDifferences("td", 2, 1, 3, channelspace.Unused(), 1, 100, 2, 16, 1)
	require.NoError(t, err)
	require.NoError(t, td.Start())

	_, err = td.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 3, TimePs: 0},   // next -> histogram 1
		{Type: tag.TimeTag, Channel: 3, TimePs: 1},   // next -> wraps, rollover 1, finished
		{Type: tag.TimeTag, Channel: 2, TimePs: 5},   // start, ignored: finished
		{Type: tag.TimeTag, Channel: 1, TimePs: 15},  // click, ignored: finished
	}, 0, 100)
	require.NoError(t, err)

	assert.True(t, td.Finished())
	for i := 0; i < 2; i++ {
		for _, n := range td.Histogram(i) {
			assert.Equal(t, uint64(0), n)
		}
	}
}

func TestNewTimeDifferencesRejectsOverlappingChannels(t *testing.T) {
	_, err := NewTimeDifferences("td", 1, 1, 3, channelspace.Unused(), 1, 100, 3, 16, 0)
	require.Error(t, err)
}
