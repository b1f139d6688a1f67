package source

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/tagtrace/tagstream/tag"
	"github.com/tagtrace/tagstream/wire"
)

// ReplaySpeed of 0 means play back as fast as possible with no pacing.
type ReplaySpeed float64

// RealTime paces playback at the wall-clock rate the tags were recorded at.
const RealTime ReplaySpeed = 1.0

// FileReplayFeed reads previously recorded tags from an on-disk file (spec
// §6 "file replay source: on-disk codec, treated as external") and paces
// delivery to approximate the original inter-tag timing, scaled by speed.
type FileReplayFeed struct {
	r     io.Reader
	speed ReplaySpeed
	tags  chan tag.Tag

	errMu   sync.Mutex
	lastErr error
}

// NewFileReplayFeed starts a goroutine pumping decoded tags from r, paced by
// speed (RealTime plays back at the recorded rate; 0 disables pacing).
func NewFileReplayFeed(ctx context.Context, r io.Reader, speed ReplaySpeed) *FileReplayFeed {
	f := &FileReplayFeed{r: r, speed: speed, tags: make(chan tag.Tag, 4096)}
	go f.pump(ctx)
	return f
}

func (f *FileReplayFeed) pump(ctx context.Context) {
	defer close(f.tags)

	var streamStart, wallStart int64
	first := true
	for {
		t, err := wire.Read(f.r)
		if err != nil {
			if err != io.EOF {
				f.setErr(err)
			}
			return
		}

		if f.speed > 0 {
			if first {
				streamStart = t.TimePs
				wallStart = time.Now().UnixNano() * 1000
				first = false
			} else {
				elapsedStreamPs := float64(t.TimePs-streamStart) / float64(f.speed)
				targetWallPs := float64(wallStart) + elapsedStreamPs
				nowPs := float64(time.Now().UnixNano() * 1000)
				wait := time.Duration((targetWallPs - nowPs) / 1000)
				if wait > 0 {
					select {
					case <-time.After(wait):
					case <-ctx.Done():
						return
					}
				}
			}
		}

		select {
		case f.tags <- t:
		case <-ctx.Done():
			return
		}
	}
}

func (f *FileReplayFeed) setErr(err error) {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	f.lastErr = err
}

// Tags implements Feed.
func (f *FileReplayFeed) Tags() <-chan tag.Tag { return f.tags }

// Err implements Feed.
func (f *FileReplayFeed) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.lastErr
}

// NewFileReplaySource builds a Source that replays a recorded tag file at
// the given speed, applying the shared block-size Policy.
func NewFileReplaySource(ctx context.Context, r io.Reader, speed ReplaySpeed, policy Policy) *Source {
	return New(NewFileReplayFeed(ctx, r, speed), policy)
}
