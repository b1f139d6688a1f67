package source

import (
	"io"
	"sync"

	"github.com/tagtrace/tagstream/tag"
	"github.com/tagtrace/tagstream/wire"
)

// DeviceFeed reads raw tags off an opaque binary FIFO, such as a hardware time-tagger's device
// file, decoding the shared fixed-width wire record as it arrives.
type DeviceFeed struct {
	r       io.Reader
	tags    chan tag.Tag
	errMu   sync.Mutex
	lastErr error
}

// NewDeviceFeed starts a goroutine pumping decoded tags from r until it
// errors or is closed.
func NewDeviceFeed(r io.Reader) *DeviceFeed {
	f := &DeviceFeed{r: r, tags: make(chan tag.Tag, 4096)}
	go f.pump()
	return f
}

func (f *DeviceFeed) pump() {
	defer close(f.tags)
	for {
		t, err := wire.Read(f.r)
		if err != nil {
			if err != io.EOF {
				f.setErr(err)
			}
			return
		}
		f.tags <- t
	}
}

func (f *DeviceFeed) setErr(err error) {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	f.lastErr = err
}

// Tags implements Feed.
func (f *DeviceFeed) Tags() <-chan tag.Tag { return f.tags }

// Err implements Feed.
func (f *DeviceFeed) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.lastErr
}

// NewDeviceSource builds a Source reading an opaque binary FIFO, applying
// the shared block-size Policy.
func NewDeviceSource(r io.Reader, policy Policy) *Source {
	return New(NewDeviceFeed(r), policy)
}
