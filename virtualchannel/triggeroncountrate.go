package virtualchannel

import (
	"fmt"
	"sync"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/pkg/buffer"
	"github.com/tagtrace/tagstream/tag"
)

// TriggerOnCountrate emits a virtual event on the rising edge of an input
// channel's instantaneous countrate crossing a threshold, e.g. flagging the onset of a bright burst. The rate is
// estimated as the count of events in the trailing windowPs.
type TriggerOnCountrate struct {
	*measurement.Base

	input       int32
	windowPs    int64
	thresholdHz float64
	output      int32

	mu      sync.Mutex
	window  buffer.Buffer[int64]
	aboveThreshold bool
}

// NewTriggerOnCountrate constructs a TriggerOnCountrate watching input's
// rate over windowPs, firing once the rate crosses thresholdHz from below.
func NewTriggerOnCountrate(name string, input int32, windowPs int64, thresholdHz float64, maxPending int) (*TriggerOnCountrate, error) {
	if windowPs <= 0 {
		return nil, errors.WrapConfig(fmt.Errorf("window_ps must be positive"), "virtualchannel", "NewTriggerOnCountrate", "window_ps")
	}
	if thresholdHz <= 0 {
		return nil, errors.WrapConfig(fmt.Errorf("threshold_hz must be positive"), "virtualchannel", "NewTriggerOnCountrate", "threshold_hz")
	}

	window, err := buffer.NewCircularBuffer[int64](maxPending, buffer.WithOverflowPolicy[int64](buffer.DropOldest))
	if err != nil {
		return nil, errors.WrapConfig(err, "virtualchannel", "NewTriggerOnCountrate", "window buffer")
	}

	t := &TriggerOnCountrate{input: input, windowPs: windowPs, thresholdHz: thresholdHz, window: window}
	base := measurement.NewBase(name, measurement.Hooks{
		ClearImpl: t.clear,
		NextImpl:  t.next,
	})
	base.SetKind("trigger_on_countrate")
	t.Base = base
	if err := base.RegisterChannel(input); err != nil {
		return nil, err
	}
	t.output = base.AllocateVirtualChannel()
	return t, nil
}

// Output returns the allocated virtual channel id.
func (t *TriggerOnCountrate) Output() int32 {
	return t.output
}

func (t *TriggerOnCountrate) next(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var produced []tag.Tag
	for _, tg := range tags {
		if tg.Channel != t.input {
			continue
		}
		if err := t.window.Write(tg.TimePs); err != nil {
			return nil, errors.WrapOverflow(err, "virtualchannel", "TriggerOnCountrate.next", "window buffer")
		}
		n := t.evictExpiredLocked(tg.TimePs)

		rateHz := float64(n) / (float64(t.windowPs) / 1e12)
		if rateHz >= t.thresholdHz {
			if !t.aboveThreshold {
				produced = append(produced, tag.Tag{Type: tag.TimeTag, Channel: t.output, TimePs: tg.TimePs})
			}
			t.aboveThreshold = true
		} else {
			t.aboveThreshold = false
		}
	}
	return produced, nil
}

// evictExpiredLocked drops window entries older than windowPs relative to
// now and returns the remaining count. Must hold t.mu.
func (t *TriggerOnCountrate) evictExpiredLocked(now int64) int {
	entries := t.window.ReadBatch(t.window.Capacity())
	kept := entries[:0]
	for _, ts := range entries {
		if now-ts <= t.windowPs {
			kept = append(kept, ts)
		}
	}
	for _, ts := range kept {
		t.window.Write(ts)
	}
	return len(kept)
}

func (t *TriggerOnCountrate) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window.Clear()
	t.aboveThreshold = false
}
