package dispatcher

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/tag"
)

func newRunningMeasurement(t *testing.T, channels []int32, next measurement.Hooks) *measurement.Base {
	t.Helper()
	b := measurement.NewBase("m", next)
	require.NoError(t, b.Start())
	for _, ch := range channels {
		require.NoError(t, b.RegisterChannel(ch))
	}
	return b
}

func TestDispatchBlockFiltersPerMeasurement(t *testing.T) {
	d := New(slog.Default(), nil)

	var seen []tag.Tag
	m1 := newRunningMeasurement(t, []int32{1}, measurement.Hooks{
		NextImpl: func(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
			seen = append(seen, tags...)
			return nil, nil
		},
	})
	d.Attach(m1, false)

	block := tag.Block{
		Tags: []tag.Tag{
			{Type: tag.TimeTag, Channel: 1, TimePs: 10},
			{Type: tag.TimeTag, Channel: 2, TimePs: 20},
		},
		TBegin: 0, TEnd: 100,
	}
	d.DispatchBlock(block)

	require.Len(t, seen, 1)
	assert.Equal(t, int32(1), seen[0].Channel)
}

func TestDispatchBlockMergesVirtualOutputForLaterConsumers(t *testing.T) {
	d := New(slog.Default(), nil)

	var virtualCh int32
	producer := measurement.NewBase("producer", measurement.Hooks{
		NextImpl: func(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
			return []tag.Tag{{Type: tag.TimeTag, Channel: virtualCh, TimePs: 15}}, nil
		},
	})
	require.NoError(t, producer.Start())
	require.NoError(t, producer.RegisterChannel(1))
	virtualCh = producer.AllocateVirtualChannel()

	var consumerSaw []tag.Tag
	consumer := newRunningMeasurement(t, []int32{virtualCh}, measurement.Hooks{
		NextImpl: func(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
			consumerSaw = append(consumerSaw, tags...)
			return nil, nil
		},
	})

	d.Attach(producer, true)
	d.Attach(consumer, false)

	d.DispatchBlock(tag.Block{
		Tags:   []tag.Tag{{Type: tag.TimeTag, Channel: 1, TimePs: 10}},
		TBegin: 0, TEnd: 100,
	})

	require.Len(t, consumerSaw, 1)
	assert.Equal(t, virtualCh, consumerSaw[0].Channel)
	assert.Equal(t, int64(15), consumerSaw[0].TimePs)
}

func TestDispatchBlockDetachesMeasurementOnFatalError(t *testing.T) {
	d := New(slog.Default(), nil)

	m := newRunningMeasurement(t, []int32{1}, measurement.Hooks{
		NextImpl: func(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
			return nil, assertErr{}
		},
	})
	d.Attach(m, false)

	d.DispatchBlock(tag.Block{
		Tags:   []tag.Tag{{Type: tag.TimeTag, Channel: 1, TimePs: 10}},
		TBegin: 0, TEnd: 100,
	})
	assert.False(t, m.IsRunning())

	// Second block: detach should have taken effect, and nothing panics on
	// an already-empty attachment list.
	d.DispatchBlock(tag.Block{TBegin: 100, TEnd: 200})
}

func TestRunSynchronizedFansOutToAllAttached(t *testing.T) {
	d := New(slog.Default(), nil)
	m1 := newRunningMeasurement(t, nil, measurement.Hooks{})
	m2 := newRunningMeasurement(t, nil, measurement.Hooks{})
	d.Attach(m1, false)
	d.Attach(m2, false)
	d.DispatchBlock(tag.Block{TBegin: 0, TEnd: 1}) // drain pending attachments

	var count int
	err := d.RunSynchronized(context.Background(), func(ctx context.Context, base *measurement.Base) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
