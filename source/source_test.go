package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagtrace/tagstream/tag"
)

type fakeFeed struct {
	tags chan tag.Tag
	err  error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{tags: make(chan tag.Tag, 64)}
}

func (f *fakeFeed) Tags() <-chan tag.Tag { return f.tags }
func (f *fakeFeed) Err() error           { return f.err }

func TestPullBlockReturnsAtMaxEvents(t *testing.T) {
	feed := newFakeFeed()
	s := New(feed, Policy{MaxEvents: 2, MaxLatency: time.Hour, IdleGap: time.Hour})

	feed.tags <- tag.Tag{Type: tag.TimeTag, Channel: 1, TimePs: 10}
	feed.tags <- tag.Tag{Type: tag.TimeTag, Channel: 1, TimePs: 20}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	block, err := s.PullBlock(ctx)
	require.NoError(t, err)
	assert.Len(t, block.Tags, 2)
}

func TestPullBlockReturnsOnIdleGap(t *testing.T) {
	feed := newFakeFeed()
	s := New(feed, Policy{MaxEvents: 1000, MaxLatency: time.Hour, IdleGap: 20 * time.Millisecond})

	feed.tags <- tag.Tag{Type: tag.TimeTag, Channel: 1, TimePs: 10}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	block, err := s.PullBlock(ctx)
	require.NoError(t, err)
	assert.Len(t, block.Tags, 1)
}

func TestPullBlockReturnsOnMaxLatency(t *testing.T) {
	feed := newFakeFeed()
	s := New(feed, Policy{MaxEvents: 1000, MaxLatency: 20 * time.Millisecond, IdleGap: time.Hour})

	feed.tags <- tag.Tag{Type: tag.TimeTag, Channel: 1, TimePs: 10}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	block, err := s.PullBlock(ctx)
	require.NoError(t, err)
	assert.Len(t, block.Tags, 1)
}

func TestPullBlockPropagatesFeedError(t *testing.T) {
	feed := newFakeFeed()
	feed.err = assertErr{}
	close(feed.tags)
	s := New(feed, DefaultPolicy())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.PullBlock(ctx)
	require.Error(t, err)
}

func TestInjectConfigFenceReturnsImmediately(t *testing.T) {
	feed := newFakeFeed()
	s := New(feed, Policy{MaxEvents: 1000, MaxLatency: time.Hour, IdleGap: time.Hour})

	done := make(chan struct{})
	var fence uint32
	go func() {
		fence = s.InjectConfigFence()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	block, err := s.PullBlock(ctx)
	require.NoError(t, err)
	<-done
	assert.Equal(t, uint32(1), fence)
	assert.Equal(t, uint32(1), block.Fence)
}

func TestConfigureTransportedChannelsDoesNotPanic(t *testing.T) {
	feed := newFakeFeed()
	s := New(feed, DefaultPolicy())
	s.ConfigureTransportedChannels(map[int32]struct{}{1: {}, 2: {}})
}

type assertErr struct{}

func (assertErr) Error() string { return "feed failed" }
