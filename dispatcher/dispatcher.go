// Package dispatcher implements the single-threaded fan-out engine: it owns
// the ordered list of attached Measurements, advances the fence on every
// block pulled from the Source, filters and delivers tags to each eligible
// Measurement in registration order, and folds virtual-channel output back
// into the block for consumers registered after the producer.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/metric"
	"github.com/tagtrace/tagstream/tag"
)

// BlockSource is the Dispatcher's view of a Source.
// Reference Sources (device, file replay, network) all implement it.
type BlockSource interface {
	PullBlock(ctx context.Context) (tag.Block, error)
	ConfigureTransportedChannels(channels map[int32]struct{})
}

// attachment binds a Measurement to its Dispatcher-owned channel view.
type attachment struct {
	base       *measurement.Base
	isProducer bool
}

// Dispatcher fans blocks out to an ordered list of Measurements.
// A single instance serves one Source; it is not safe to share a Dispatcher
// across Sources.
type Dispatcher struct {
	runID  string
	logger *slog.Logger
	metric *metric.Metrics

	mu          sync.Mutex
	attachments []*attachment
	fence       uint32

	pendingMu sync.Mutex
	pending   []func() // attach/detach mutations drained between blocks
}

// New returns a Dispatcher with a fresh run id, ready to have Measurements
// attached before Run is called.
func New(logger *slog.Logger, metrics *metric.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runID:  uuid.NewString(),
		logger: logger,
		metric: metrics,
	}
}

// RunID returns the dispatcher instance's diagnostic identifier, used as a
// metrics label.
func (d *Dispatcher) RunID() string {
	return d.runID
}

// Attach registers a Measurement for fan-out, binding it to the Dispatcher's
// fence-request callback. The mutation is queued and applied at the next
// block boundary.
func (d *Dispatcher) Attach(base *measurement.Base, isVirtualChannelProducer bool) {
	base.BindDispatcher(d.requestFence)
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pending = append(d.pending, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.attachments = append(d.attachments, &attachment{base: base, isProducer: isVirtualChannelProducer})
	})
}

// Detach removes a Measurement from fan-out, applied at the next block
// boundary.
func (d *Dispatcher) Detach(base *measurement.Base) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pending = append(d.pending, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, a := range d.attachments {
			if a.base == base {
				d.attachments = append(d.attachments[:i], d.attachments[i+1:]...)
				return
			}
		}
	})
}

// requestFence bumps the dispatcher's monotonic fence counter and returns
// the new value; called by a Measurement's channel-registration mutations.
func (d *Dispatcher) requestFence() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fence++
	return d.fence
}

// CurrentFence returns the dispatcher's fence counter: the highest of the
// fences handed out by requestFence and the fence ids of dispatched blocks.
func (d *Dispatcher) CurrentFence() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fence
}

// drainPending applies queued attach/detach mutations. Must be called
// between blocks, never while iterating d.attachments.
func (d *Dispatcher) drainPending() {
	d.pendingMu.Lock()
	pending := d.pending
	d.pending = nil
	d.pendingMu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// DispatchBlock performs one full fan-out pass over block: fence advancement, per-Measurement filtering and dispatch in
// registration order, virtual-channel merge for subsequent consumers, and
// telemetry.
func (d *Dispatcher) DispatchBlock(block tag.Block) {
	d.drainPending()

	d.mu.Lock()
	if block.Fence > d.fence {
		d.fence = block.Fence
	}
	attachments := append([]*attachment(nil), d.attachments...)
	d.mu.Unlock()

	mergedTags := append([]tag.Tag(nil), block.Tags...)

	var detach []*measurement.Base
	for _, a := range attachments {
		if !a.base.IsRunning() {
			continue
		}
		if block.Fence < a.base.MinFenceToObserve() {
			continue
		}

		view := tag.Block{Tags: mergedTags, TBegin: block.TBegin, TEnd: block.TEnd, Fence: block.Fence}
		filtered := view.Filter(a.base.RegisteredChannels())
		if len(filtered) == 0 && !crossesFence(block) {
			continue
		}

		start := time.Now()
		_, err := a.base.Dispatch(filtered, block.TBegin, block.TEnd)
		elapsed := time.Since(start)

		if d.metric != nil {
			d.metric.RecordMeasurementCPU(a.base.Name(), a.base.Kind(), elapsed)
			d.metric.RecordMeasurementTags(a.base.Name(), a.base.Kind(), len(filtered))
		}

		if err != nil {
			if errors.IsAbortRequested(err) {
				d.logger.Info("measurement aborted", "measurement", a.base.Name(), "run_id", d.runID)
			} else {
				d.logger.Error("measurement failed, detaching", "measurement", a.base.Name(), "error", err, "run_id", d.runID)
			}
			detach = append(detach, a.base)
			continue
		}

		if a.isProducer {
			if produced := a.base.TakeProduced(); len(produced) > 0 {
				mergedTags = tag.MergeSorted(mergedTags, produced)
			}
		}
	}

	for _, base := range detach {
		d.Detach(base)
	}

	if d.metric != nil {
		d.metric.RecordFenceAdvanced()
		d.metric.RecordBlockDispatched(d.runID)
		for tagType, n := range countByType(block.Tags) {
			d.metric.RecordTagsDispatched(tagType.String(), n)
		}
	}
}

// countByType tallies tags by Type for the tags_dispatched_total metric.
func countByType(tags []tag.Tag) map[tag.Type]int {
	counts := make(map[tag.Type]int)
	for _, t := range tags {
		counts[t.Type]++
	}
	return counts
}

// crossesFence reports whether block carries zero tags but still represents
// a fence boundary worth delivering as a keep-alive.
func crossesFence(block tag.Block) bool {
	return block.Empty() && block.Fence > 0
}

// Run drains src until ctx is cancelled or the Source returns a non-transient
// error, dispatching every pulled block. A transient PullBlock error (e.g. a
// reconnecting network source) is logged and retried, rate-limited so a
// persistently failing Source cannot spin the loop hot.
func (d *Dispatcher) Run(ctx context.Context, src BlockSource) error {
	retryLimiter := rate.NewLimiter(rate.Limit(5), 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		block, err := src.PullBlock(ctx)
		if err != nil {
			class := errors.Classify(err)
			if d.metric != nil {
				d.metric.RecordSourceError(d.runID, class.String())
			}
			if class == errors.ErrorTransient {
				d.logger.Warn("transient source error, retrying", "error", err, "run_id", d.runID)
				if werr := retryLimiter.Wait(ctx); werr != nil {
					return nil
				}
				continue
			}
			return errors.WrapStream(err, "dispatcher", "Run", "pull block")
		}
		d.DispatchBlock(block)
	}
}

// RunSynchronized fans a callback out across every currently attached
// Measurement concurrently over the same block and blocks until every
// callback returns.
func (d *Dispatcher) RunSynchronized(ctx context.Context, fn func(ctx context.Context, base *measurement.Base) error) error {
	d.mu.Lock()
	attachments := append([]*attachment(nil), d.attachments...)
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range attachments {
		a := a
		g.Go(func() error {
			return fn(gctx, a.base)
		})
	}
	return g.Wait()
}
