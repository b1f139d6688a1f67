package measurements

import (
	"fmt"
	"sync"

	"github.com/tagtrace/tagstream/channelspace"
	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/fastbinning"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/tag"
)

type flimState int

const (
	flimFrameIdle flimState = iota
	flimPixelActive
	flimPixelGap
)

// Frame is an ordered collection of per-pixel decay histograms completed by
// one frame_begin_channel cycle, published through the frameReady callback.
type Frame struct {
	Pixels [][]uint64
}

// Option configures optional Flim behavior.
type Option func(*Flim)

// WithFrameReady registers a callback invoked with the just-completed Frame
// every time frame_begin_channel fires again. It runs under Flim's lock, so
// it must not call back into this Flim.
func WithFrameReady(cb func(Frame)) Option {
	return func(f *Flim) { f.frameReady = cb }
}

// WithMaxPixelsPerFrame bounds how many pixels a single frame accumulates
// before further pixel_begin_channel events stop opening new histograms
// (clicks during the overrun are silently dropped, same as clicks outside
// pixel_active). 0 (the default) means unbounded.
func WithMaxPixelsPerFrame(n int) Option {
	return func(f *Flim) { f.maxPixelsPerFrame = n }
}

// Flim accumulates per-pixel fluorescence-lifetime decay histograms for a
// raster-scanned acquisition. It runs a {frame_idle, pixel_active, pixel_gap}
// state machine: pixel_begin_channel opens (or re-opens) a pixel and starts
// binning photonChannel clicks relative to it; the optional
// pixel_end_channel closes the pixel without opening the next one;
// frame_begin_channel resets the pixel index to zero and publishes the
// frame just completed.
type Flim struct {
	*measurement.Base

	photonChannel     int32
	pixelBeginChannel int32
	pixelEndChannel   int32
	hasPixelEnd       bool
	frameBeginChannel int32
	binWidthPs        int64
	nBins             int
	binning           fastbinning.FastBinning
	maxPixelsPerFrame int
	frameReady        func(Frame)

	mu           sync.Mutex
	state        flimState
	pixelStartPs int64
	frame        [][]uint64
}

// NewFlim constructs a Flim. pixelEndChannel may be channelspace.Unused() to
// mean "no end channel": pixels then close only by the next
// pixel_begin_channel event, same as CountBetweenMarkers with no end
// channel.
func NewFlim(name string, photonChannel, pixelBeginChannel, pixelEndChannel, frameBeginChannel int32, binWidthPs int64, nBins int, opts ...Option) (*Flim, error) {
	if binWidthPs <= 0 || nBins <= 0 {
		return nil, errors.WrapConfig(fmt.Errorf("bin_width_ps and n_bins must be positive"), "measurements", "NewFlim", "binning")
	}
	required := map[string]int32{
		"photon_channel":      photonChannel,
		"pixel_begin_channel": pixelBeginChannel,
		"frame_begin_channel": frameBeginChannel,
	}
	for field, ch := range required {
		if channelspace.IsUnused(ch) {
			return nil, errors.WrapConfig(fmt.Errorf("%s is required", field), "measurements", "NewFlim", field)
		}
	}
	seen := make(map[int32]string, 4)
	for field, ch := range required {
		if other, ok := seen[ch]; ok {
			return nil, errors.WrapConfig(fmt.Errorf("%s and %s must differ", field, other), "measurements", "NewFlim", "channels")
		}
		seen[ch] = field
	}
	hasPixelEnd := !channelspace.IsUnused(pixelEndChannel)
	if hasPixelEnd {
		if other, ok := seen[pixelEndChannel]; ok {
			return nil, errors.WrapConfig(fmt.Errorf("pixel_end_channel and %s must differ", other), "measurements", "NewFlim", "channels")
		}
	}

	f := &Flim{
		photonChannel:     photonChannel,
		pixelBeginChannel: pixelBeginChannel,
		pixelEndChannel:   pixelEndChannel,
		hasPixelEnd:       hasPixelEnd,
		frameBeginChannel: frameBeginChannel,
		binWidthPs:        binWidthPs,
		nBins:             nBins,
		binning:           fastbinning.New(uint64(binWidthPs), uint64(binWidthPs)*uint64(nBins)),
	}
	for _, opt := range opts {
		opt(f)
	}

	base := measurement.NewBase(name, measurement.Hooks{
		ClearImpl: f.clear,
		NextImpl:  f.next,
	})
	base.SetKind("flim")
	f.Base = base
	if err := base.RegisterChannel(photonChannel); err != nil {
		return nil, err
	}
	if err := base.RegisterChannel(pixelBeginChannel); err != nil {
		return nil, err
	}
	if err := base.RegisterChannel(frameBeginChannel); err != nil {
		return nil, err
	}
	if hasPixelEnd {
		if err := base.RegisterChannel(pixelEndChannel); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *Flim) next(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range tags {
		switch {
		case t.Channel == f.frameBeginChannel:
			f.publishFrameLocked()
			f.frame = nil
			f.state = flimFrameIdle
		case t.Channel == f.pixelBeginChannel:
			f.beginPixelLocked(t.TimePs)
		case f.hasPixelEnd && t.Channel == f.pixelEndChannel:
			if f.state == flimPixelActive {
				f.state = flimPixelGap
			}
		case t.Channel == f.photonChannel:
			f.binClickLocked(t.TimePs)
		}
	}
	return nil, nil
}

// beginPixelLocked opens a fresh pixel histogram and enters pixel_active,
// whether arriving from frame_idle, pixel_gap, or another pixel_active
// (which simply advances the index, mirroring CountBetweenMarkers'
// no-end-channel behavior). Once the frame holds maxPixelsPerFrame pixels it
// enters pixel_gap instead, so clicks are dropped until the next
// frame_begin. Must hold f.mu.
func (f *Flim) beginPixelLocked(startPs int64) {
	if f.maxPixelsPerFrame > 0 && len(f.frame) >= f.maxPixelsPerFrame {
		f.state = flimPixelGap
		return
	}
	f.frame = append(f.frame, make([]uint64, f.nBins))
	f.pixelStartPs = startPs
	f.state = flimPixelActive
}

// binClickLocked bins a photon relative to the active pixel's start time.
// Clicks outside pixel_active, or landing past the histogram range, are
// dropped. Must hold f.mu.
func (f *Flim) binClickLocked(clickPs int64) {
	if f.state != flimPixelActive || len(f.frame) == 0 {
		return
	}
	dt := clickPs - f.pixelStartPs
	if dt < 0 {
		return
	}
	idx := f.binning.Divide(uint64(dt))
	if idx < uint64(f.nBins) {
		f.frame[len(f.frame)-1][idx]++
	}
}

// publishFrameLocked hands the completed frame to frameReady as a
// defensive copy. A frame with no pixels (frame_begin fired twice with no
// pixel_begin between) is not published. Must hold f.mu.
func (f *Flim) publishFrameLocked() {
	if f.frameReady == nil || len(f.frame) == 0 {
		return
	}
	pixels := make([][]uint64, len(f.frame))
	for i, row := range f.frame {
		pixels[i] = append([]uint64(nil), row...)
	}
	f.frameReady(Frame{Pixels: pixels})
}

func (f *Flim) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = flimFrameIdle
	f.frame = nil
}

// CurrentFrame returns a copy of the in-progress frame's pixel histograms,
// for callers polling state without waiting for the next frameReady call.
func (f *Flim) CurrentFrame() [][]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]uint64, len(f.frame))
	for i, row := range f.frame {
		out[i] = append([]uint64(nil), row...)
	}
	return out
}
