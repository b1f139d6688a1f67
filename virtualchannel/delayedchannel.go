package virtualchannel

import (
	"fmt"
	"sync"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/pkg/buffer"
	"github.com/tagtrace/tagstream/tag"
)

// DelayedChannel re-emits an input channel's events on a virtual output
// channel, shifted forward by a configurable delay. Pending delayed
// tags sit in a FIFO; a delayed tag is only safe to release once tEnd has
// advanced past its shifted timestamp, since a later block could otherwise
// still deliver an earlier-timestamped tag.
//
// Shortening the delay while tags are queued is lossy: the tags already
// pending under the old, longer delay are dropped rather than re-timed,
// matching the upstream SDK's documented setDelay behavior.
type DelayedChannel struct {
	*measurement.Base

	input  int32
	output int32

	mu      sync.Mutex
	delayPs int64
	pending buffer.Buffer[tag.Tag]
}

// NewDelayedChannel constructs a DelayedChannel replaying input delayed by
// delayPs, retaining at most maxPending undelivered tags.
func NewDelayedChannel(name string, input int32, delayPs int64, maxPending int) (*DelayedChannel, error) {
	if delayPs < 0 {
		return nil, errors.WrapConfig(fmt.Errorf("delay_ps must be non-negative"), "virtualchannel", "NewDelayedChannel", "delay_ps")
	}

	pending, err := buffer.NewCircularBuffer[tag.Tag](maxPending, buffer.WithOverflowPolicy[tag.Tag](buffer.DropOldest))
	if err != nil {
		return nil, errors.WrapConfig(err, "virtualchannel", "NewDelayedChannel", "pending buffer")
	}

	d := &DelayedChannel{input: input, delayPs: delayPs, pending: pending}
	base := measurement.NewBase(name, measurement.Hooks{
		ClearImpl: d.clear,
		NextImpl:  d.next,
	})
	base.SetKind("delayed_channel")
	d.Base = base
	if err := base.RegisterChannel(input); err != nil {
		return nil, err
	}
	d.output = base.AllocateVirtualChannel()
	return d, nil
}

// Output returns the allocated virtual channel id.
func (d *DelayedChannel) Output() int32 {
	return d.output
}

// SetDelay changes the applied delay. Shortening it flushes all pending
// tags, which would otherwise need to be released earlier than their
// already-queued position allows for (see the type doc comment).
func (d *DelayedChannel) SetDelay(delayPs int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if delayPs < d.delayPs {
		d.pending.Clear()
	}
	d.delayPs = delayPs
}

func (d *DelayedChannel) next(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, t := range tags {
		if t.Channel != d.input {
			continue
		}
		shifted := tag.Tag{Type: t.Type, Channel: d.output, TimePs: t.TimePs + d.delayPs, MissedEvents: t.MissedEvents}
		if err := d.pending.Write(shifted); err != nil {
			return nil, errors.WrapOverflow(err, "virtualchannel", "DelayedChannel.next", "pending buffer")
		}
	}

	var produced []tag.Tag
	for {
		item, ok := d.pending.Peek()
		if !ok || item.TimePs >= tEnd {
			break
		}
		d.pending.Read()
		produced = append(produced, item)
	}
	return produced, nil
}

func (d *DelayedChannel) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending.Clear()
}
