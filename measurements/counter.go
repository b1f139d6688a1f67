// Package measurements implements the reference Measurement types: terminal
// consumers that accumulate statistics over a filtered tag view and expose
// them through plain accessor methods, a "consume a filtered view, expose
// results" contract.
package measurements

import (
	"fmt"
	"math"
	"sync"

	"github.com/tagtrace/tagstream/channelspace"
	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/fastbinning"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/tag"
)

// Counter accumulates per-channel event counts into a shared rolling window
// of fixed-width time bins. The window holds nBins bins per channel, oldest
// first; whenever the covering interval reaches the current bin's end, the
// oldest bin is rotated out, every channel's bin set shifts left, and a fresh
// zeroed bin opens at the end. It produces no virtual-channel output;
// callers read Bins/BinsNormalized after stopping, or periodically while
// running.
type Counter struct {
	*measurement.Base

	mu         sync.Mutex
	channels   []int32
	binWidthPs int64
	nBins      int
	binning    fastbinning.FastBinning

	started  bool
	binEndPs int64 // exclusive end of the current (rightmost, still-filling) bin
	bins     map[int32][]uint64
	invalid  map[int32][]bool // parallel to bins: true where an OverflowBegin/End bracket touched the bin
	overflow map[int32]bool   // channel currently inside an OverflowBegin/End bracket
}

// NewCounter constructs a Counter observing channels, tallying into nBins
// bins of binWidthPs each.
func NewCounter(name string, channels []int32, binWidthPs int64, nBins int) (*Counter, error) {
	if binWidthPs <= 0 {
		return nil, errors.WrapConfig(fmt.Errorf("bin_width_ps must be positive"), "measurements", "NewCounter", "bin_width_ps")
	}
	if nBins <= 0 {
		return nil, errors.WrapConfig(fmt.Errorf("n_bins must be positive"), "measurements", "NewCounter", "n_bins")
	}
	for _, ch := range channels {
		if channelspace.IsUnused(ch) {
			return nil, errors.WrapConfig(fmt.Errorf("channel is the unused sentinel"), "measurements", "NewCounter", "channels")
		}
	}

	c := &Counter{
		channels:   append([]int32(nil), channels...),
		binWidthPs: binWidthPs,
		nBins:      nBins,
		binning:    fastbinning.New(uint64(binWidthPs), uint64(binWidthPs)*uint64(nBins)),
		bins:       make(map[int32][]uint64, len(channels)),
		invalid:    make(map[int32][]bool, len(channels)),
		overflow:   make(map[int32]bool, len(channels)),
	}
	for _, ch := range channels {
		c.bins[ch] = make([]uint64, nBins)
		c.invalid[ch] = make([]bool, nBins)
	}

	base := measurement.NewBase(name, measurement.Hooks{
		ClearImpl: c.clear,
		NextImpl:  c.next,
	})
	base.SetKind("counter")
	c.Base = base
	for _, ch := range channels {
		if err := base.RegisterChannel(ch); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Counter) next(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		c.binEndPs = tBegin + c.binWidthPs
		c.started = true
	}

	for _, t := range tags {
		for t.TimePs >= c.binEndPs {
			c.rotateLocked()
		}

		row, ok := c.bins[t.Channel]
		if !ok {
			continue
		}
		switch t.Type {
		case tag.TimeTag:
			row[len(row)-1]++
		case tag.OverflowBegin:
			c.overflow[t.Channel] = true
			c.invalid[t.Channel][c.nBins-1] = true
		case tag.OverflowEnd:
			c.invalid[t.Channel][c.nBins-1] = true
			c.overflow[t.Channel] = false
		}
	}

	// A quiet block still advances the window past any bin boundary it
	// spans, even with no tag present to trigger the per-tag check above.
	for tEnd > c.binEndPs {
		c.rotateLocked()
	}
	return nil, nil
}

// rotateLocked drops the oldest bin for every channel, shifts the rest left,
// and opens a fresh bin at the end, inheriting invalid=true if that
// channel's overflow bracket is still open. Must hold c.mu.
func (c *Counter) rotateLocked() {
	for _, ch := range c.channels {
		row := c.bins[ch]
		copy(row, row[1:])
		row[len(row)-1] = 0

		inv := c.invalid[ch]
		copy(inv, inv[1:])
		inv[len(inv)-1] = c.overflow[ch]
	}
	c.binEndPs += c.binWidthPs
}

func (c *Counter) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	for ch := range c.bins {
		c.bins[ch] = make([]uint64, c.nBins)
		c.invalid[ch] = make([]bool, c.nBins)
		c.overflow[ch] = false
	}
}

// Bins returns a copy of the accumulated per-bin counts for ch, oldest
// first, or nil if ch is not observed by this Counter.
func (c *Counter) Bins(ch int32) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.bins[ch]
	if !ok {
		return nil
	}
	return append([]uint64(nil), row...)
}

// BinsNormalized returns the per-bin event rate for ch (counts divided by
// bin duration in seconds), with NaN in place of any bin an
// OverflowBegin/End bracket touched. Returns nil if ch is not observed.
func (c *Counter) BinsNormalized(ch int32) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.bins[ch]
	if !ok {
		return nil
	}
	inv := c.invalid[ch]
	binSeconds := float64(c.binWidthPs) * 1e-12
	out := make([]float64, len(row))
	for i, n := range row {
		if inv[i] {
			out[i] = math.NaN()
			continue
		}
		out[i] = float64(n) / binSeconds
	}
	return out
}

// Total returns the sum of all bins for ch.
func (c *Counter) Total(ch int32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, n := range c.bins[ch] {
		total += n
	}
	return total
}
