package source

import (
	"sync"

	"github.com/tagtrace/tagstream/channelspace"
	"github.com/tagtrace/tagstream/tag"
)

// assembler accumulates raw tags into Blocks per Policy. It is
// the shared core of every reference Source; only the raw-tag feed differs
// between device, file replay, and network sources.
type assembler struct {
	mu       sync.Mutex
	policy   Policy
	pending  []tag.Tag
	tBegin   int64
	lastEnd  int64
	fence    uint32
	channels *channelspace.Registration

	overflowOpen map[int32]bool // channels currently inside an OverflowBegin/End bracket
}

func newAssembler(policy Policy) *assembler {
	return &assembler{
		policy:       policy,
		channels:     channelspace.NewRegistration(),
		overflowOpen: make(map[int32]bool),
	}
}

// configure replaces the transported-channel set.
func (a *assembler) configure(channels map[int32]struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channels = channelspace.NewRegistration()
	for ch := range channels {
		a.channels.Register(ch)
	}
}

// push adds t to the pending block, tracking open overflow brackets, and
// reports whether MaxEvents was reached. Every pushed tag is kept; the
// channel set given to configure is not consulted here.
func (a *assembler) push(t tag.Tag) (ready bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch t.Type {
	case tag.OverflowBegin:
		a.overflowOpen[t.Channel] = true
	case tag.OverflowEnd:
		delete(a.overflowOpen, t.Channel)
	}

	if len(a.pending) == 0 {
		a.tBegin = t.TimePs
	}
	a.pending = append(a.pending, t)
	return len(a.pending) >= a.policy.MaxEvents
}

// requestFence bumps the fence counter, to be picked up by the next flush
//.
func (a *assembler) requestFence() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fence++
	return a.fence
}

// flush emits the pending tags as a Block covering [tBegin, tEnd), applying
// the per-Measurement channel registration filter is NOT done here (that is
// the Dispatcher's job); the assembler only ever emits the full transported
// set. tEnd must be >= the time of the last pending tag.
func (a *assembler) flush(tEnd int64) tag.Block {
	a.mu.Lock()
	defer a.mu.Unlock()

	tBegin := a.tBegin
	if len(a.pending) == 0 {
		tBegin = a.lastEnd
	}
	if tEnd < tBegin {
		tEnd = tBegin
	}

	block := tag.Block{
		Tags:   a.pending,
		TBegin: tBegin,
		TEnd:   tEnd,
		Fence:  a.fence,
	}
	a.pending = nil
	a.lastEnd = tEnd
	return block
}

// pendingLen reports the number of tags accumulated so far, used to decide
// whether an idle-gap timer should emit a block.
func (a *assembler) pendingLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// oldestPendingTime returns tBegin of the pending block, used by the
// MaxLatency timer.
func (a *assembler) oldestPendingTime() (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return 0, false
	}
	return a.tBegin, true
}
