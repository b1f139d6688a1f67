package source

import (
	"context"
	"time"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/tag"
)

// Feed is the producer-thread side of a Source: it delivers raw tags as they arrive from hardware,
// disk, or network, and reports a terminal error if the underlying
// transport fails. A transport that is simply exhausted leaves Err nil.
type Feed interface {
	// Tags returns the channel raw tags are delivered on. It is closed when
	// the feed reaches end of stream.
	Tags() <-chan tag.Tag
	// Err returns the feed's terminal error, if any, valid for reading once
	// Tags() is closed.
	Err() error
}

// Source implements the Dispatcher-facing BlockSource contract on top of any Feed, applying the shared block-size Policy regardless
// of where raw tags originate.
type Source struct {
	feed   Feed
	asm    *assembler
	fences chan chan uint32
}

// New wraps feed with the shared block-assembly policy.
func New(feed Feed, policy Policy) *Source {
	return &Source{
		feed:   feed,
		asm:    newAssembler(policy),
		fences: make(chan chan uint32, 1),
	}
}

// ConfigureTransportedChannels updates the transported-channel set (spec
// §4.1 "configure(channels_to_transport)").
func (s *Source) ConfigureTransportedChannels(channels map[int32]struct{}) {
	s.asm.configure(channels)
}

// InjectConfigFence forces the next PullBlock to return immediately with a
// freshly bumped fence id.
func (s *Source) InjectConfigFence() uint32 {
	reply := make(chan uint32, 1)
	s.fences <- reply
	return <-reply
}

// PullBlock blocks until a block is ready per Policy: MaxEvents reached,
// MaxLatency elapsed since the first pending tag, IdleGap elapsed with no
// new tags, or a configuration fence was injected.
func (s *Source) PullBlock(ctx context.Context) (tag.Block, error) {
	latencyTimer := time.NewTimer(s.asm.policy.MaxLatency)
	defer latencyTimer.Stop()
	idleTimer := time.NewTimer(s.asm.policy.IdleGap)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return tag.Block{}, ctx.Err()

		case reply := <-s.fences:
			fence := s.asm.requestFence()
			block := s.asm.flush(nowPs())
			reply <- fence
			return block, nil

		case t, ok := <-s.feed.Tags():
			if !ok {
				if err := s.feed.Err(); err != nil {
					return tag.Block{}, errors.WrapStream(err, "source", "PullBlock", "feed terminated")
				}
				return s.asm.flush(nowPs()), nil
			}
			resetTimer(idleTimer, s.asm.policy.IdleGap)
			if s.asm.pendingLen() == 0 {
				resetTimer(latencyTimer, s.asm.policy.MaxLatency)
			}
			if ready := s.asm.push(t); ready {
				return s.asm.flush(t.TimePs), nil
			}

		case <-latencyTimer.C:
			if begin, ok := s.asm.oldestPendingTime(); ok {
				return s.asm.flush(begin + s.asm.policy.MaxLatency.Nanoseconds()*1000), nil
			}
			resetTimer(latencyTimer, s.asm.policy.MaxLatency)

		case <-idleTimer.C:
			if s.asm.pendingLen() > 0 {
				begin, _ := s.asm.oldestPendingTime()
				return s.asm.flush(begin + s.asm.policy.IdleGap.Nanoseconds()*1000), nil
			}
			resetTimer(idleTimer, s.asm.policy.IdleGap)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// nowPs is a placeholder covering stream boundaries where no tag timestamp
// is available (a pure keep-alive flush). Reference Sources that track a
// genuine hardware or replay clock should flush with that clock's value
// instead of calling PullBlock's default path.
func nowPs() int64 {
	return time.Now().UnixNano() * 1000
}
