package virtualchannel

import (
	"fmt"
	"sync"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/tag"
)

// Combinations generalizes Coincidences: rather than requiring every
// channel to fire, it emits one virtual event per incoming tag carrying a
// bitmask of which channels (up to 16, the width of tag.Tag.MissedEvents)
// were seen within windowPs of it. The bitmask is encoded
// in the produced tag's MissedEvents field, reused here as a plain bit
// vector rather than its usual overflow-count meaning.
type Combinations struct {
	*measurement.Base

	channels []int32
	bit      map[int32]uint
	windowPs int64
	output   int32

	mu       sync.Mutex
	lastSeen map[int32]int64
}

// NewCombinations constructs a Combinations detector over at most 16
// channels within windowPs.
func NewCombinations(name string, channels []int32, windowPs int64) (*Combinations, error) {
	if len(channels) == 0 || len(channels) > 16 {
		return nil, errors.WrapConfig(fmt.Errorf("combinations supports 1-16 channels"), "virtualchannel", "NewCombinations", "channels")
	}
	if windowPs <= 0 {
		return nil, errors.WrapConfig(fmt.Errorf("window_ps must be positive"), "virtualchannel", "NewCombinations", "window_ps")
	}

	c := &Combinations{
		channels: append([]int32(nil), channels...),
		bit:      make(map[int32]uint, len(channels)),
		windowPs: windowPs,
		lastSeen: make(map[int32]int64, len(channels)),
	}
	for i, ch := range channels {
		c.bit[ch] = uint(i)
	}

	base := measurement.NewBase(name, measurement.Hooks{
		ClearImpl: c.clear,
		NextImpl:  c.next,
	})
	base.SetKind("combinations")
	c.Base = base
	for _, ch := range channels {
		if err := base.RegisterChannel(ch); err != nil {
			return nil, err
		}
	}
	c.output = base.AllocateVirtualChannel()
	return c, nil
}

// Output returns the allocated virtual channel id.
func (c *Combinations) Output() int32 {
	return c.output
}

func (c *Combinations) next(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var produced []tag.Tag
	for _, t := range tags {
		c.lastSeen[t.Channel] = t.TimePs

		var mask uint16
		for _, ch := range c.channels {
			ts, ok := c.lastSeen[ch]
			if ok && t.TimePs-ts <= c.windowPs {
				mask |= 1 << c.bit[ch]
			}
		}
		produced = append(produced, tag.Tag{Type: tag.TimeTag, Channel: c.output, TimePs: t.TimePs, MissedEvents: mask})
	}
	return produced, nil
}

func (c *Combinations) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = make(map[int32]int64, len(c.channels))
}
