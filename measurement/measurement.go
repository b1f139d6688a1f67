// Package measurement provides Base, the embeddable Measurement framework:
// lifecycle state, exclusive lock, fence tracking, and the
// channel-registration bookkeeping every concrete measurement type shares.
// Concrete measurements embed Base and supply the
// NextImpl/OnStart/OnStop/ClearImpl hooks.
package measurement

import (
	"sync"
	"time"

	"github.com/tagtrace/tagstream/channelspace"
	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/tag"
)

// State mirrors the lifecycle states a Measurement passes through.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopped
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Hooks are the implementation callbacks a concrete Measurement supplies.
// Each is invoked by the Dispatcher under Base's exclusive lock.
type Hooks struct {
	// OnStart runs once when the Measurement transitions into the running
	// state.
	OnStart func() error
	// OnStop runs once when the Measurement transitions out of the running
	// state, including when max_capture_duration_ps is reached.
	OnStop func() error
	// ClearImpl resets accumulated state (bins, queues) without changing
	// the running state.
	ClearImpl func()
	// NextImpl receives the filtered tag view for one dispatch step. It
	// returns any virtual-channel output produced during the call, already
	// sorted by time, and an error, which must be errors.ErrAbortRequested to
	// unwind cleanly or any other error to be classified fatal and detach the
	// Measurement.
	NextImpl func(tags []tag.Tag, tBegin, tEnd int64) (produced []tag.Tag, err error)
}

// Base implements the lifecycle, locking, fence-tracking, and channel
// registration contract shared by every concrete Measurement. It
// is embedded, not used standalone; concrete types supply Hooks at
// construction.
type Base struct {
	mu   sync.Mutex
	cond *sync.Cond

	name  string
	kind  string
	hooks Hooks

	state    State
	aborting bool

	channels *channelspace.Registration
	virtual  *channelspace.Allocator

	minFenceToObserve uint32

	captureDurationPs    int64
	maxCaptureDurationPs int64 // 0 means unbounded
	startTimePs          int64 // tag-time pinned when this running period began, clipping the first dispatched block
	deadline             int64 // startTimePs + maxCaptureDurationPs once start()-relative accounting begins; -1 if unset
	cursor               int64 // last observed t_end, for the abutting-interval invariant

	requestFence func() uint32 // set by the owning Dispatcher at attach time
	produced     []tag.Tag     // virtual-channel output from the most recent Dispatch call, pending TakeProduced
}

// NewBase constructs a Base with the given hooks, ready to be embedded by a
// concrete Measurement and attached to a Dispatcher.
func NewBase(name string, hooks Hooks) *Base {
	b := &Base{
		name:     name,
		hooks:    hooks,
		state:    StateCreated,
		channels: channelspace.NewRegistration(),
		virtual:  channelspace.NewAllocator(),
		deadline: -1,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// BindDispatcher supplies the fence-request callback used by
// RegisterChannel/UnregisterChannel/AllocateVirtualChannel to publish a
// configuration fence. Called once by the Dispatcher when the Measurement is
// attached.
func (b *Base) BindDispatcher(requestFence func() uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestFence = requestFence
}

// Name returns the Measurement's diagnostic name, used in telemetry labels.
func (b *Base) Name() string {
	return b.name
}

// Kind returns the concrete measurement type name (e.g. "counter", "flim"),
// used as a telemetry label. Empty unless SetKind was called by the
// embedding concrete type's constructor.
func (b *Base) Kind() string {
	return b.kind
}

// SetKind records the concrete measurement type name. Called once by a
// concrete measurement's constructor right after NewBase.
func (b *Base) SetKind(kind string) {
	b.kind = kind
}

// Start transitions the Measurement into the running state, invoking
// OnStart under the lock. Starting an already-running Measurement is a
// no-op.
func (b *Base) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked(0)
}

// StartFor starts the Measurement bounded to durationPs of accumulated
// capture time, optionally clearing first.
func (b *Base) StartFor(durationPs int64, clearFirst bool) error {
	if clearFirst {
		b.Clear()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked(durationPs)
}

// startLocked performs the common Start/StartFor transition. maxCaptureDurationPs
// of 0 means unbounded. It pins startTimePs to the Measurement's last
// acknowledged tag-time position (cursor), so Dispatch can clip the first
// block it sees against the instant this running period actually began
// instead of crediting it the whole block. Must hold b.mu.
func (b *Base) startLocked(maxCaptureDurationPs int64) error {
	if b.state == StateRunning {
		return nil
	}
	b.aborting = false
	b.maxCaptureDurationPs = maxCaptureDurationPs
	b.startTimePs = b.cursor
	if maxCaptureDurationPs > 0 {
		b.deadline = b.startTimePs + maxCaptureDurationPs
	} else {
		b.deadline = -1
	}
	b.state = StateRunning
	if b.hooks.OnStart != nil {
		if err := b.hooks.OnStart(); err != nil {
			b.state = StateAborted
			return errors.WrapMeasurementFatal(err, b.name, "Start", "on_start")
		}
	}
	return nil
}

// Stop transitions the Measurement out of the running state, invoking
// OnStop under the lock, and wakes any WaitUntilFinished waiters. Stopping
// an already-stopped Measurement is a no-op.
func (b *Base) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopLocked()
}

func (b *Base) stopLocked() error {
	if b.state != StateRunning {
		return nil
	}
	b.state = StateStopped
	defer b.cond.Broadcast()
	if b.hooks.OnStop != nil {
		if err := b.hooks.OnStop(); err != nil {
			return errors.WrapMeasurementFatal(err, b.name, "Stop", "on_stop")
		}
	}
	return nil
}

// Clear resets accumulated state via ClearImpl without changing the running
// state, and resets the abutting-interval cursor.
func (b *Base) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.captureDurationPs = 0
	b.cursor = 0
	if b.hooks.ClearImpl != nil {
		b.hooks.ClearImpl()
	}
}

// Abort requests cancellation. The next Dispatch call observes Aborting()
// true and returns errors.ErrAbortRequested at a safe point; the Dispatcher
// then detaches the Measurement.
func (b *Base) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborting = true
}

// Aborting reports whether Abort has been requested. Concrete NextImpl
// implementations should check this between expensive steps.
func (b *Base) Aborting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborting
}

// IsRunning reports whether the Measurement is in the running state.
func (b *Base) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateRunning
}

// GetCaptureDuration returns accumulated capture time in picoseconds.
func (b *Base) GetCaptureDuration() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.captureDurationPs
}

// WaitUntilFinished blocks until the Measurement leaves the running state or
// timeout elapses (timeout <= 0 means wait forever), returning whether it
// finished before timing out.
func (b *Base) WaitUntilFinished(timeout time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRunning {
		return true
	}
	if timeout <= 0 {
		for b.state == StateRunning {
			b.cond.Wait()
		}
		return true
	}

	deadline := time.Now().Add(timeout)
	done := make(chan struct{})
	go func() {
		<-time.After(time.Until(deadline))
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
		close(done)
	}()
	for b.state == StateRunning && time.Now().Before(deadline) {
		b.cond.Wait()
	}
	return b.state != StateRunning
}

// RegisterChannel adds ch to the set of channels this Measurement observes,
// publishing a configuration fence and raising min_fence_to_observe to it so
// in-flight blocks predating the registration are ignored. ch may
// be a physical channel or another Measurement's virtual output; reject a
// bare unused-sentinel value but otherwise leave physical/virtual validation
// to the caller, since a channel list passed at construction time (not here)
// is where "must be physical" is actually enforced.
func (b *Base) RegisterChannel(ch int32) error {
	if channelspace.IsUnused(ch) {
		return errors.WrapConfig(errors.ErrConfigError, "measurement", "RegisterChannel", "channel is the unused sentinel")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels.Register(ch)
	b.publishFenceLocked()
	return nil
}

// UnregisterChannel removes one reference to ch, publishing a configuration
// fence as with RegisterChannel.
func (b *Base) UnregisterChannel(ch int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels.Unregister(ch)
	b.publishFenceLocked()
}

// AllocateVirtualChannel reserves a fresh virtual channel id for this
// Measurement's output and registers it as observed by the Measurement
// itself (a producer sees its own output like any consumer registered after
// it would).
func (b *Base) AllocateVirtualChannel() int32 {
	ch := b.virtual.Allocate()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels.Register(ch)
	b.publishFenceLocked()
	return ch
}

func (b *Base) publishFenceLocked() {
	if b.requestFence == nil {
		return
	}
	b.minFenceToObserve = b.requestFence()
}

// MinFenceToObserve returns the fence below which the Dispatcher must not
// deliver blocks to this Measurement.
func (b *Base) MinFenceToObserve() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minFenceToObserve
}

// RegisteredChannels returns the current observed channel set, suitable for
// tag.Block.Filter.
func (b *Base) RegisteredChannels() map[int32]struct{} {
	return b.channels.Channels()
}

// TakeProduced returns and clears the virtual-channel output from the most
// recent Dispatch call, for the Dispatcher to merge into the block for
// consumers registered after this Measurement.
func (b *Base) TakeProduced() []tag.Tag {
	b.mu.Lock()
	defer b.mu.Unlock()
	produced := b.produced
	b.produced = nil
	return produced
}

// Dispatch is called by the Dispatcher once per eligible block. It acquires the lock, checks for abort, invokes NextImpl,
// records tEnd as the interval cursor (it does not check that tBegin abuts
// the previous tEnd), and applies capture-duration accounting, returning
// whether the Measurement just transitioned to stopped as a result of
// reaching max_capture_duration_ps.
func (b *Base) Dispatch(tags []tag.Tag, tBegin, tEnd int64) (justStopped bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateRunning {
		return false, nil
	}
	if b.aborting {
		b.state = StateAborted
		b.cond.Broadcast()
		return false, errors.ErrAbortRequested
	}

	if b.hooks.NextImpl != nil {
		produced, nerr := b.hooks.NextImpl(tags, tBegin, tEnd)
		if nerr != nil {
			if errors.IsAbortRequested(nerr) {
				b.state = StateAborted
				b.cond.Broadcast()
				return false, nerr
			}
			b.state = StateAborted
			b.cond.Broadcast()
			return false, errors.WrapMeasurementFatal(nerr, b.name, "Dispatch", "next_impl")
		}
		b.produced = produced
	}
	b.cursor = tEnd

	lo := tBegin
	if b.startTimePs > lo {
		lo = b.startTimePs
	}
	hi := tEnd
	if b.maxCaptureDurationPs > 0 && b.deadline < hi {
		hi = b.deadline
	}
	if hi > lo {
		b.captureDurationPs += hi - lo
	}

	if b.maxCaptureDurationPs > 0 && b.captureDurationPs >= b.maxCaptureDurationPs {
		if serr := b.stopLocked(); serr != nil {
			return true, serr
		}
		return true, nil
	}
	return false, nil
}
