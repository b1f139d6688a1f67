package measurements

import (
	"fmt"
	"sync"

	"github.com/tagtrace/tagstream/channelspace"
	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/fastbinning"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/pkg/buffer"
	"github.com/tagtrace/tagstream/tag"
)

// TimeDifferences is Correlation's multi-histogram counterpart: the same
// start/click delta binning, but spread across nHistograms histograms
// selected by a rotating index. nextChannel advances the index, wrapping
// back to zero and counting a rollover; syncChannel (optional) resets the
// index to zero directly. A configured rollover cap stops accepting new
// events once reached, leaving the accumulated histograms in place.
type TimeDifferences struct {
	*measurement.Base

	startChannel int32
	clickChannel int32
	nextChannel  int32
	syncChannel  int32
	hasSync      bool
	binWidthPs   int64
	nBins        int
	windowPs     int64
	binning      fastbinning.FastBinning
	maxRollovers int // 0 means unbounded

	mu         sync.Mutex
	starts     buffer.Buffer[int64]
	histograms [][]uint64
	histIdx    int
	rollovers  int
	finished   bool
}

// NewTimeDifferences constructs a TimeDifferences binning startChannel/
// clickChannel deltas into nHistograms histograms of nBins bins each,
// binWidthPs wide, retaining at most maxPendingStarts unmatched starts.
// syncChannel may be channelspace.Unused() to mean "no sync channel".
// maxRollovers of 0 means the index wraps indefinitely.
func NewTimeDifferences(name string, startChannel, clickChannel, nextChannel, syncChannel int32, binWidthPs int64, nBins, nHistograms, maxPendingStarts, maxRollovers int) (*TimeDifferences, error) {
	if startChannel == clickChannel || startChannel == nextChannel || clickChannel == nextChannel {
		return nil, errors.WrapConfig(fmt.Errorf("start_channel, click_channel, and next_channel must all differ"), "measurements", "NewTimeDifferences", "channels")
	}
	if binWidthPs <= 0 || nBins <= 0 || nHistograms <= 0 {
		return nil, errors.WrapConfig(fmt.Errorf("bin_width_ps, n_bins, and n_histograms must be positive"), "measurements", "NewTimeDifferences", "binning")
	}

	starts, err := buffer.NewCircularBuffer[int64](maxPendingStarts, buffer.WithOverflowPolicy[int64](buffer.DropOldest))
	if err != nil {
		return nil, errors.WrapConfig(err, "measurements", "NewTimeDifferences", "pending start buffer")
	}

	histograms := make([][]uint64, nHistograms)
	for i := range histograms {
		histograms[i] = make([]uint64, nBins)
	}

	td := &TimeDifferences{
		startChannel: startChannel,
		clickChannel: clickChannel,
		nextChannel:  nextChannel,
		syncChannel:  syncChannel,
		hasSync:      !channelspace.IsUnused(syncChannel),
		binWidthPs:   binWidthPs,
		nBins:        nBins,
		windowPs:     binWidthPs * int64(nBins),
		binning:      fastbinning.New(uint64(binWidthPs), uint64(binWidthPs)*uint64(nBins)),
		maxRollovers: maxRollovers,
		starts:       starts,
		histograms:   histograms,
	}

	base := measurement.NewBase(name, measurement.Hooks{
		ClearImpl: td.clear,
		NextImpl:  td.next,
	})
	base.SetKind("time_differences")
	td.Base = base
	if err := base.RegisterChannel(startChannel); err != nil {
		return nil, err
	}
	if err := base.RegisterChannel(clickChannel); err != nil {
		return nil, err
	}
	if err := base.RegisterChannel(nextChannel); err != nil {
		return nil, err
	}
	if td.hasSync {
		if err := base.RegisterChannel(syncChannel); err != nil {
			return nil, err
		}
	}
	return td, nil
}

func (td *TimeDifferences) next(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
	td.mu.Lock()
	defer td.mu.Unlock()

	for _, t := range tags {
		if td.finished {
			break
		}
		switch {
		case t.Channel == td.startChannel:
			_ = td.starts.Write(t.TimePs) // DropOldest never errors
		case t.Channel == td.clickChannel:
			td.matchLocked(t.TimePs)
		case t.Channel == td.nextChannel:
			td.advanceLocked()
		case td.hasSync && t.Channel == td.syncChannel:
			td.histIdx = 0
		}
	}
	return nil, nil
}

// matchLocked bins the delta from clickPs to every pending start still
// within the window, into the currently selected histogram, and re-queues
// them; expired starts are dropped. Must hold td.mu.
func (td *TimeDifferences) matchLocked(clickPs int64) {
	pending := td.starts.ReadBatch(td.starts.Capacity())
	for _, startPs := range pending {
		dt := clickPs - startPs
		if dt < 0 || dt >= td.windowPs {
			continue
		}
		idx := td.binning.Divide(uint64(dt))
		if idx < uint64(td.nBins) {
			td.histograms[td.histIdx][idx]++
		}
		_ = td.starts.Write(startPs) // DropOldest never errors
	}
}

// advanceLocked moves to the next histogram, wrapping and counting a
// rollover when it runs off the end. Once maxRollovers is reached, further
// events are ignored. Must hold td.mu.
func (td *TimeDifferences) advanceLocked() {
	td.histIdx++
	if td.histIdx >= len(td.histograms) {
		td.histIdx = 0
		td.rollovers++
		if td.maxRollovers > 0 && td.rollovers >= td.maxRollovers {
			td.finished = true
		}
	}
}

func (td *TimeDifferences) clear() {
	td.mu.Lock()
	defer td.mu.Unlock()
	td.starts.Clear()
	for i := range td.histograms {
		td.histograms[i] = make([]uint64, td.nBins)
	}
	td.histIdx = 0
	td.rollovers = 0
	td.finished = false
}

// Histogram returns a copy of histogram idx, or nil if idx is out of range.
func (td *TimeDifferences) Histogram(idx int) []uint64 {
	td.mu.Lock()
	defer td.mu.Unlock()
	if idx < 0 || idx >= len(td.histograms) {
		return nil
	}
	return append([]uint64(nil), td.histograms[idx]...)
}

// Rollovers returns how many times the histogram index has wrapped back to
// zero via nextChannel.
func (td *TimeDifferences) Rollovers() int {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.rollovers
}

// Finished reports whether the configured rollover cap has been reached.
func (td *TimeDifferences) Finished() bool {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.finished
}
