package measurements

import (
	"fmt"
	"sync"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/fastbinning"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/pkg/buffer"
	"github.com/tagtrace/tagstream/tag"
)

// Correlation computes a start-stop time-difference histogram, e.g. a g2
// correlation measurement. Pending start timestamps are held in a bounded
// ring buffer; a stop event bins the delta to every pending start still
// inside the window and drops the rest.
//
// The histogram is signed and symmetric about zero: bins [0, nBins) hold
// magnitudes of negative delta, ordered most-negative first, and bins
// [nBins, 2*nBins) hold magnitudes of non-negative delta, ordered from zero
// outward. Cross-channel correlation (start_channel != stop_channel) only
// ever populates the non-negative half, since a start always precedes the
// stops matched against it. Autocorrelation (start_channel == stop_channel)
// treats every arriving tag as both a stop against earlier pending starts
// and a new start for later arrivals, and records each match symmetrically
// in both halves, since there is no preferred direction between two clicks
// on the same channel.
type Correlation struct {
	*measurement.Base

	startChannel int32
	stopChannel  int32
	autocorr     bool
	binWidthPs   int64
	nBins        int
	windowPs     int64
	binning      fastbinning.FastBinning

	mu        sync.Mutex
	starts    buffer.Buffer[int64]
	histogram []uint64
}

// NewCorrelation constructs a Correlation binning start/stop deltas into
// nBins bins of binWidthPs each, retaining at most maxPendingStarts
// unmatched start timestamps (oldest dropped first). startChannel and
// stopChannel may be equal, which selects autocorrelation.
func NewCorrelation(name string, startChannel, stopChannel int32, binWidthPs int64, nBins, maxPendingStarts int) (*Correlation, error) {
	if binWidthPs <= 0 || nBins <= 0 {
		return nil, errors.WrapConfig(fmt.Errorf("bin_width_ps and n_bins must be positive"), "measurements", "NewCorrelation", "binning")
	}

	starts, err := buffer.NewCircularBuffer[int64](maxPendingStarts, buffer.WithOverflowPolicy[int64](buffer.DropOldest))
	if err != nil {
		return nil, errors.WrapConfig(err, "measurements", "NewCorrelation", "pending start buffer")
	}

	c := &Correlation{
		startChannel: startChannel,
		stopChannel:  stopChannel,
		autocorr:     startChannel == stopChannel,
		binWidthPs:   binWidthPs,
		nBins:        nBins,
		windowPs:     binWidthPs * int64(nBins),
		binning:      fastbinning.New(uint64(binWidthPs), uint64(binWidthPs)*uint64(nBins)),
		starts:       starts,
		histogram:    make([]uint64, 2*nBins),
	}

	base := measurement.NewBase(name, measurement.Hooks{
		ClearImpl: c.clear,
		NextImpl:  c.next,
	})
	base.SetKind("correlation")
	c.Base = base
	if err := base.RegisterChannel(startChannel); err != nil {
		return nil, err
	}
	if !c.autocorr {
		if err := base.RegisterChannel(stopChannel); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Correlation) next(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range tags {
		if c.autocorr {
			if t.Channel != c.startChannel {
				continue
			}
			c.matchLocked(t.TimePs)
			_ = c.starts.Write(t.TimePs) // DropOldest never errors
			continue
		}
		switch t.Channel {
		case c.startChannel:
			_ = c.starts.Write(t.TimePs) // DropOldest never errors
		case c.stopChannel:
			c.matchLocked(t.TimePs)
		}
	}
	return nil, nil
}

// matchLocked bins the delta from stopPs to every pending start still
// within the window and re-queues them; expired starts are dropped. Must
// hold c.mu.
func (c *Correlation) matchLocked(stopPs int64) {
	pending := c.starts.ReadBatch(c.starts.Capacity())
	for _, startPs := range pending {
		dt := stopPs - startPs
		if dt < 0 || dt >= c.windowPs {
			continue
		}
		idx := c.binning.Divide(uint64(dt))
		if idx < uint64(c.nBins) {
			c.histogram[c.nBins+int(idx)]++
			if c.autocorr && dt > 0 {
				c.histogram[c.nBins-1-int(idx)]++
			}
		}
		_ = c.starts.Write(startPs) // DropOldest never errors
	}
}

func (c *Correlation) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts.Clear()
	c.histogram = make([]uint64, 2*c.nBins)
}

// Histogram returns a copy of the accumulated signed delta histogram; see
// the Correlation doc comment for its layout.
func (c *Correlation) Histogram() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.histogram...)
}
