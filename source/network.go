package source

import (
	"context"
	"sync"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/natsclient"
	"github.com/tagtrace/tagstream/tag"
	"github.com/tagtrace/tagstream/wire"
)

// NetworkFeed decodes tags from a JetStream stream, one or more whole wire records per message, via
// natsclient's circuit-breaker-protected consumer.
type NetworkFeed struct {
	client *natsclient.Client
	tags   chan tag.Tag

	errMu   sync.Mutex
	lastErr error
}

// NewNetworkFeed subscribes to stream/subject on client and begins decoding
// messages as wire-format tag records.
func NewNetworkFeed(ctx context.Context, client *natsclient.Client, stream, subject string) (*NetworkFeed, error) {
	f := &NetworkFeed{client: client, tags: make(chan tag.Tag, 4096)}

	handler := func(data []byte) {
		if len(data) < wire.TagSize {
			f.setErr(errors.WrapStream(errors.ErrStreamError, "source", "NetworkFeed", "short tag record"))
			return
		}
		for i := 0; i+wire.TagSize <= len(data); i += wire.TagSize {
			select {
			case f.tags <- wire.Decode(data[i : i+wire.TagSize]):
			case <-ctx.Done():
				return
			}
		}
	}

	if err := client.ConsumeStream(ctx, stream, subject, handler); err != nil {
		return nil, errors.WrapStream(err, "source", "NewNetworkFeed", "subscribe to stream")
	}

	go func() {
		<-ctx.Done()
		close(f.tags)
	}()

	return f, nil
}

func (f *NetworkFeed) setErr(err error) {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	f.lastErr = err
}

// Tags implements Feed.
func (f *NetworkFeed) Tags() <-chan tag.Tag { return f.tags }

// Err implements Feed.
func (f *NetworkFeed) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.lastErr
}

// NewNetworkSource builds a Source consuming tags published to a JetStream
// stream, applying the shared block-size Policy.
func NewNetworkSource(ctx context.Context, client *natsclient.Client, stream, subject string, policy Policy) (*Source, error) {
	feed, err := NewNetworkFeed(ctx, client, stream, subject)
	if err != nil {
		return nil, err
	}
	return New(feed, policy), nil
}
