package measurements

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagtrace/tagstream/channelspace"
	"github.com/tagtrace/tagstream/tag"
)

func TestFlimBinsClicksRelativeToActivePixelStart(t *testing.T) {
	f, err := NewFlim("flim", 1, 2, channelspace.Unused(), 3, 10, 5)
	require.NoError(t, err)
	require.NoError(t, f.Start())

	_, err = f.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 2, TimePs: 0},  // pixel_begin
		{Type: tag.TimeTag, Channel: 1, TimePs: 25}, // click, dt=25 -> bin 2
		{Type: tag.TimeTag, Channel: 2, TimePs: 100}, // pixel_begin advances to pixel 1
		{Type: tag.TimeTag, Channel: 1, TimePs: 105}, // click, dt=5 -> bin 0
	}, 0, 200)
	require.NoError(t, err)

	frame := f.CurrentFrame()
	require.Len(t, frame, 2)
	assert.Equal(t, uint64(1), frame[0][2])
	assert.Equal(t, uint64(1), frame[1][0])
}

func TestFlimIgnoresClicksBeforeFirstPixelBegin(t *testing.T) {
	f, err := NewFlim("flim", 1, 2, channelspace.Unused(), 3, 10, 5)
	require.NoError(t, err)
	require.NoError(t, f.Start())

	_, err = f.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 1, TimePs: 5},
	}, 0, 100)
	require.NoError(t, err)

	assert.Empty(t, f.CurrentFrame())
}

func TestFlimPixelEndChannelClosesPixelWithoutAdvancing(t *testing.T) {
	f, err := NewFlim("flim", 1, 2, 4, 3, 10, 5)
	require.NoError(t, err)
	require.NoError(t, f.Start())

	_, err = f.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 2, TimePs: 0},   // pixel_begin -> pixel 0
		{Type: tag.TimeTag, Channel: 4, TimePs: 10},  // pixel_end -> pixel_gap
		{Type: tag.TimeTag, Channel: 1, TimePs: 15},  // click while gapped: dropped
	}, 0, 100)
	require.NoError(t, err)

	frame := f.CurrentFrame()
	require.Len(t, frame, 1)
	var total uint64
	for _, n := range frame[0] {
		total += n
	}
	assert.Equal(t, uint64(0), total)
}

func TestFlimFrameBeginPublishesPriorFrameAndResetsPixelIndex(t *testing.T) {
	var published []Frame
	f, err := NewFlim("flim", 1, 2, channelspace.Unused(), 3, 10, 5,
		WithFrameReady(func(fr Frame) { published = append(published, fr) }))
	require.NoError(t, err)
	require.NoError(t, f.Start())

	_, err = f.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 2, TimePs: 0},
		{Type: tag.TimeTag, Channel: 1, TimePs: 25},
		{Type: tag.TimeTag, Channel: 3, TimePs: 50}, // frame_begin: publish frame 1, reset
		{Type: tag.TimeTag, Channel: 2, TimePs: 60},
		{Type: tag.TimeTag, Channel: 1, TimePs: 65},
	}, 0, 200)
	require.NoError(t, err)

	require.Len(t, published, 1)
	require.Len(t, published[0].Pixels, 1)
	assert.Equal(t, uint64(1), published[0].Pixels[0][2])

	frame := f.CurrentFrame()
	require.Len(t, frame, 1)
	assert.Equal(t, uint64(1), frame[0][0])
}

func TestFlimMaxPixelsPerFrameCapsHistogramCount(t *testing.T) {
	f, err := NewFlim("flim", 1, 2, channelspace.Unused(), 3, 10, 5, WithMaxPixelsPerFrame(1))
	require.NoError(t, err)
	require.NoError(t, f.Start())

	_, err = f.Dispatch([]tag.Tag{
		{Type: tag.TimeTag, Channel: 2, TimePs: 0},
		{Type: tag.TimeTag, Channel: 2, TimePs: 10},
		{Type: tag.TimeTag, Channel: 2, TimePs: 20},
	}, 0, 100)
	require.NoError(t, err)

	assert.Len(t, f.CurrentFrame(), 1)
}

func TestNewFlimRejectsDuplicateChannels(t *testing.T) {
	_, err := NewFlim("flim", 1, 1, channelspace.Unused(), 3, 10, 5)
	require.Error(t, err)
}

func TestNewFlimRejectsInvalidBinning(t *testing.T) {
	_, err := NewFlim("flim", 1, 2, channelspace.Unused(), 3, 0, 5)
	require.Error(t, err)
}
