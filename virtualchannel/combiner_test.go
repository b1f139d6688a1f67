package virtualchannel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagtrace/tagstream/tag"
)

func TestCombinerRelabelsOntoVirtualChannel(t *testing.T) {
	c, err := NewCombiner("c", []int32{1, 2})
	require.NoError(t, err)
	require.NoError(t, c.Start())

	produced, err := c.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 1, TimePs: 0},
		{Type: tag.TimeTag, Channel: 2, TimePs: 10},
	}, 0, 100)
	require.NoError(t, err)
	_ = produced

	out := c.TakeProduced()
	require.Len(t, out, 2)
	assert.Equal(t, c.Output(), out[0].Channel)
	assert.Equal(t, c.Output(), out[1].Channel)
	assert.Equal(t, int64(0), out[0].TimePs)
	assert.Equal(t, int64(10), out[1].TimePs)
}

func TestNewCombinerRejectsUnusedSentinelChannel(t *testing.T) {
	_, err := NewCombiner("c", []int32{-1})
	require.Error(t, err)
}
