package virtualchannel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagtrace/tagstream/tag"
)

func TestTriggerOnCountrateFiresOnceOnRisingEdge(t *testing.T) {
	// window 1e9 ps = 1ms; threshold 3000 Hz means >=3 events per window.
	tr, err := NewTriggerOnCountrate("trig", 1, 1_000_000_000, 3000, 64)
	require.NoError(t, err)
	require.NoError(t, tr.Start())

	_, err = tr.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 1, TimePs: 0},
		{Type: tag.TimeTag, Channel: 1, TimePs: 100_000},
		{Type: tag.TimeTag, Channel: 1, TimePs: 200_000},
		{Type: tag.TimeTag, Channel: 1, TimePs: 300_000},
	}, 0, 1_000_000)
	require.NoError(t, err)

	out := tr.TakeProduced()
	require.Len(t, out, 1)
	assert.Equal(t, tr.Output(), out[0].Channel)
}

func TestNewTriggerOnCountrateRejectsNonPositiveThreshold(t *testing.T) {
	_, err := NewTriggerOnCountrate("trig", 1, 100, 0, 64)
	require.Error(t, err)
}
