package measurements

import (
	"fmt"
	"math"
	"sync"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/pkg/buffer"
	"github.com/tagtrace/tagstream/tag"
)

// HistogramLogBins is Correlation's log-spaced-bin counterpart, used when the delta distribution spans orders of magnitude and
// a linear bin width would either blow up bin count or lose resolution near
// zero. Bin 0 covers [0, minPs); bin k>0 covers [2^(k-1)*minPs, 2^k*minPs).
type HistogramLogBins struct {
	*measurement.Base

	startChannel int32
	stopChannel  int32
	minPs        float64
	nBins        int

	mu        sync.Mutex
	starts    buffer.Buffer[int64]
	histogram []uint64
}

// NewHistogramLogBins constructs a HistogramLogBins with nBins log-spaced
// bins starting at minPs, retaining at most maxPendingStarts unmatched start
// timestamps.
func NewHistogramLogBins(name string, startChannel, stopChannel int32, minPs int64, nBins, maxPendingStarts int) (*HistogramLogBins, error) {
	if startChannel == stopChannel {
		return nil, errors.WrapConfig(fmt.Errorf("start_channel and stop_channel must differ"), "measurements", "NewHistogramLogBins", "channels")
	}
	if minPs <= 0 || nBins <= 0 {
		return nil, errors.WrapConfig(fmt.Errorf("min_ps and n_bins must be positive"), "measurements", "NewHistogramLogBins", "binning")
	}

	starts, err := buffer.NewCircularBuffer[int64](maxPendingStarts, buffer.WithOverflowPolicy[int64](buffer.DropOldest))
	if err != nil {
		return nil, errors.WrapConfig(err, "measurements", "NewHistogramLogBins", "pending start buffer")
	}

	h := &HistogramLogBins{
		startChannel: startChannel,
		stopChannel:  stopChannel,
		minPs:        float64(minPs),
		nBins:        nBins,
		starts:       starts,
		histogram:    make([]uint64, nBins),
	}

	base := measurement.NewBase(name, measurement.Hooks{
		ClearImpl: h.clear,
		NextImpl:  h.next,
	})
	base.SetKind("histogram_log_bins")
	h.Base = base
	if err := base.RegisterChannel(startChannel); err != nil {
		return nil, err
	}
	if err := base.RegisterChannel(stopChannel); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *HistogramLogBins) next(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range tags {
		switch t.Channel {
		case h.startChannel:
			if err := h.starts.Write(t.TimePs); err != nil {
				return nil, errors.WrapOverflow(err, "measurements", "HistogramLogBins.next", "pending start buffer")
			}
		case h.stopChannel:
			h.matchLocked(t.TimePs)
		}
	}
	return nil, nil
}

func (h *HistogramLogBins) matchLocked(stopPs int64) {
	pending := h.starts.ReadBatch(h.starts.Capacity())
	for _, startPs := range pending {
		dt := stopPs - startPs
		if dt < 0 {
			continue
		}
		h.histogram[h.binIndex(dt)]++
		h.starts.Write(startPs)
	}
}

func (h *HistogramLogBins) binIndex(dt int64) int {
	fdt := float64(dt)
	if fdt < h.minPs {
		return 0
	}
	idx := 1 + int(math.Log2(fdt/h.minPs))
	if idx >= h.nBins {
		return h.nBins - 1
	}
	return idx
}

func (h *HistogramLogBins) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts.Clear()
	h.histogram = make([]uint64, h.nBins)
}

// Histogram returns a copy of the accumulated log-bin histogram.
func (h *HistogramLogBins) Histogram() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.histogram...)
}
