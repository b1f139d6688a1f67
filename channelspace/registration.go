package channelspace

import (
	"sync"

	"github.com/tagtrace/tagstream/errors"
)

// Registration is a reference-counted set of channels that must be
// transported from Source through Dispatcher.
type Registration struct {
	mu   sync.RWMutex
	refs map[int32]int
}

// NewRegistration returns an empty channel registration.
func NewRegistration() *Registration {
	return &Registration{refs: make(map[int32]int)}
}

// Register increments ch's refcount, registering it for transport if this is
// the first reference.
func (r *Registration) Register(ch int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[ch]++
}

// Unregister decrements ch's refcount, removing it from the transported set
// once it reaches zero. Unregistering a channel with no outstanding
// references is a no-op.
func (r *Registration) Unregister(ch int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs[ch] <= 0 {
		return
	}
	r.refs[ch]--
	if r.refs[ch] == 0 {
		delete(r.refs, ch)
	}
}

// Transported reports whether ch currently has a nonzero refcount.
func (r *Registration) Transported(ch int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs[ch] > 0
}

// Channels returns the current set of transported channels as a lookup map,
// suitable for tag.Block.Filter.
func (r *Registration) Channels() map[int32]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int32]struct{}, len(r.refs))
	for ch := range r.refs {
		out[ch] = struct{}{}
	}
	return out
}

// Allocator assigns unique channel identifiers to virtual outputs. Virtual channel numbers are allocated
// outside the physical channel range so they never collide with a hardware
// channel under either numbering Scheme.
type Allocator struct {
	mu   sync.Mutex
	next int32
}

// virtualBase is the first virtual channel id, chosen comfortably above any
// realistic physical channel count for either numbering scheme.
const virtualBase int32 = 1 << 20

// NewAllocator returns a virtual-channel allocator starting at virtualBase.
func NewAllocator() *Allocator {
	return &Allocator{next: virtualBase}
}

// Allocate returns a fresh virtual channel id. The allocating Measurement
// owns the id for at least as long as any dependent consumer remains
// attached.
func (a *Allocator) Allocate() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := a.next
	a.next++
	return ch
}

// ValidatePhysical returns a ConfigError if ch is not a plausible physical
// channel under the frozen scheme: the sentinel "unused" value or a virtual
// channel id are both rejected as construction-time parameters.
func ValidatePhysical(ch int32) error {
	if IsUnused(ch) {
		return errors.WrapConfig(errors.ErrConfigError, "channelspace", "ValidatePhysical", "channel is the unused sentinel")
	}
	if ch >= virtualBase {
		return errors.WrapConfig(errors.ErrConfigError, "channelspace", "ValidatePhysical", "channel is in the virtual-channel range")
	}
	return nil
}
