// Package virtualchannel implements the reference virtual-channel producers:
// Measurements that allocate a virtual output channel and emit derived tags
// for downstream consumers to register against, the same "attach as a
// producer, fold output back into the block" shape the Dispatcher's merge
// step exists to support.
package virtualchannel

import (
	"github.com/tagtrace/tagstream/channelspace"
	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/tag"
)

// Combiner merges several input channels into one virtual output channel
//, preserving time order. Input tags already
// arrive time-ordered from the Dispatcher's per-block filter, so no
// resorting is needed; only the channel label changes.
type Combiner struct {
	*measurement.Base

	inputs []int32
	output int32
}

// NewCombiner constructs a Combiner relabeling events on inputs onto a fresh
// virtual channel, returned as Output.
func NewCombiner(name string, inputs []int32) (*Combiner, error) {
	for _, ch := range inputs {
		if channelspace.IsUnused(ch) {
			return nil, errors.WrapConfig(errors.ErrConfigError, "virtualchannel", "NewCombiner", "channels")
		}
	}

	c := &Combiner{inputs: append([]int32(nil), inputs...)}
	base := measurement.NewBase(name, measurement.Hooks{NextImpl: c.next})
	base.SetKind("combiner")
	c.Base = base
	for _, ch := range inputs {
		if err := base.RegisterChannel(ch); err != nil {
			return nil, err
		}
	}
	c.output = base.AllocateVirtualChannel()
	return c, nil
}

// Output returns the allocated virtual channel id downstream Measurements
// register against.
func (c *Combiner) Output() int32 {
	return c.output
}

func (c *Combiner) next(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	produced := make([]tag.Tag, len(tags))
	for i, t := range tags {
		produced[i] = tag.Tag{Type: t.Type, Channel: c.output, TimePs: t.TimePs, MissedEvents: t.MissedEvents}
	}
	return produced, nil
}
