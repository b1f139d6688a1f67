package virtualchannel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagtrace/tagstream/tag"
)

func TestCoincidencesFiresWhenAllChannelsWithinWindow(t *testing.T) {
	c, err := NewCoincidences("coinc", [][]int32{{1, 2}}, 10, Last)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	// Reproduces the single-group Last-policy worked example: ch1={100,130},
	// ch2={105,200}, window 10 -> exactly one coincidence, at 105.
	_, err = c.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 1, TimePs: 100},
		{Type: tag.TimeTag, Channel: 2, TimePs: 105},
		{Type: tag.TimeTag, Channel: 1, TimePs: 130},
		{Type: tag.TimeTag, Channel: 2, TimePs: 200},
	}, 0, 300)
	require.NoError(t, err)

	produced := c.TakeProduced()
	require.Len(t, produced, 1)
	assert.Equal(t, c.Output(), produced[0].Channel)
	assert.Equal(t, int64(105), produced[0].TimePs)
}

func TestCoincidencesDoesNotFireOutsideWindow(t *testing.T) {
	c, err := NewCoincidences("coinc", [][]int32{{1, 2}}, 10, Last)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	_, err = c.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 1, TimePs: 0},
		{Type: tag.TimeTag, Channel: 2, TimePs: 50},
	}, 0, 100)
	require.NoError(t, err)

	assert.Empty(t, c.TakeProduced())
}

// A stale arrival must not re-fire a group once it has already contributed
// to a fire: each member's arrival only counts once, until it arrives
// again.
func TestCoincidencesDoesNotDoubleFireOnStaleArrival(t *testing.T) {
	c, err := NewCoincidences("coinc", [][]int32{{1, 2}}, 10, Last)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	_, err = c.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 1, TimePs: 100},
		{Type: tag.TimeTag, Channel: 2, TimePs: 105}, // fires at 105
		{Type: tag.TimeTag, Channel: 1, TimePs: 110}, // within 10 of stale lastSeen[2]=105
	}, 0, 200)
	require.NoError(t, err)

	produced := c.TakeProduced()
	require.Len(t, produced, 1)
	assert.Equal(t, int64(105), produced[0].TimePs)
}

func TestCoincidencesMultipleGroupsFireInDeclarationOrder(t *testing.T) {
	c, err := NewCoincidences("coinc", [][]int32{{1, 2}, {3, 4}}, 10, Last)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	// Group {1,2} completes at 3 and group {3,4} at 4, so {1,2}'s output
	// comes first; here declaration order and timestamp order coincide.
	_, err = c.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 3, TimePs: 1},
		{Type: tag.TimeTag, Channel: 1, TimePs: 2},
		{Type: tag.TimeTag, Channel: 2, TimePs: 3},
		{Type: tag.TimeTag, Channel: 4, TimePs: 4},
	}, 0, 100)
	require.NoError(t, err)

	produced := c.TakeProduced()
	require.Len(t, produced, 2)
	assert.Equal(t, int64(3), produced[0].TimePs)
	assert.Equal(t, int64(4), produced[1].TimePs)
}

func TestCoincidencesAveragePolicyUsesIntegerMean(t *testing.T) {
	c, err := NewCoincidences("coinc", [][]int32{{1, 2}}, 10, Average)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	_, err = c.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 1, TimePs: 100},
		{Type: tag.TimeTag, Channel: 2, TimePs: 105},
	}, 0, 200)
	require.NoError(t, err)

	produced := c.TakeProduced()
	require.Len(t, produced, 1)
	assert.Equal(t, int64(102), produced[0].TimePs) // (100+105)/2 truncated
}

func TestCoincidencesFirstPolicyUsesEarliestArrival(t *testing.T) {
	c, err := NewCoincidences("coinc", [][]int32{{1, 2}}, 10, First)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	_, err = c.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 1, TimePs: 100},
		{Type: tag.TimeTag, Channel: 2, TimePs: 105},
	}, 0, 200)
	require.NoError(t, err)

	produced := c.TakeProduced()
	require.Len(t, produced, 1)
	assert.Equal(t, int64(100), produced[0].TimePs)
}

func TestCoincidencesListedFirstPolicyUsesDeclaredFirstChannel(t *testing.T) {
	c, err := NewCoincidences("coinc", [][]int32{{2, 1}}, 10, ListedFirst)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	_, err = c.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 1, TimePs: 100},
		{Type: tag.TimeTag, Channel: 2, TimePs: 105},
	}, 0, 200)
	require.NoError(t, err)

	produced := c.TakeProduced()
	require.Len(t, produced, 1)
	assert.Equal(t, int64(105), produced[0].TimePs) // channel 2 is listed first
}

func TestNewCoincidencesRequiresAtLeastTwoChannelsPerGroup(t *testing.T) {
	_, err := NewCoincidences("coinc", [][]int32{{1}}, 10, Last)
	require.Error(t, err)
}

func TestNewCoincidencesRequiresAtLeastOneGroup(t *testing.T) {
	_, err := NewCoincidences("coinc", nil, 10, Last)
	require.Error(t, err)
}
