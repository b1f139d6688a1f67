package measurements

import (
	"fmt"

	"github.com/tagtrace/tagstream/channelspace"
	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/pkg/buffer"
	"github.com/tagtrace/tagstream/tag"
)

// TimeTagStream is a pass-through recorder: it does no analysis, only
// buffers observed tags for a downstream tap (the feed websocket
// broadcaster, or a persist.FileWriter) to Drain at its own pace. Oldest
// tags are dropped once the tap falls capacity behind.
type TimeTagStream struct {
	*measurement.Base

	buf buffer.Buffer[tag.Tag]
}

// NewTimeTagStream constructs a TimeTagStream observing channels, retaining
// at most capacity undrained tags.
func NewTimeTagStream(name string, channels []int32, capacity int) (*TimeTagStream, error) {
	for _, ch := range channels {
		if channelspace.IsUnused(ch) {
			return nil, errors.WrapConfig(fmt.Errorf("channel is the unused sentinel"), "measurements", "NewTimeTagStream", "channels")
		}
	}

	buf, err := buffer.NewCircularBuffer[tag.Tag](capacity, buffer.WithOverflowPolicy[tag.Tag](buffer.DropOldest))
	if err != nil {
		return nil, errors.WrapConfig(err, "measurements", "NewTimeTagStream", "tap buffer")
	}

	s := &TimeTagStream{buf: buf}
	base := measurement.NewBase(name, measurement.Hooks{
		ClearImpl: s.clear,
		NextImpl:  s.next,
	})
	base.SetKind("time_tag_stream")
	s.Base = base
	for _, ch := range channels {
		if err := base.RegisterChannel(ch); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *TimeTagStream) next(tags []tag.Tag, tBegin, tEnd int64) ([]tag.Tag, error) {
	for _, t := range tags {
		_ = s.buf.Write(t) // DropOldest never errors; overflow is an accepted tap-lag tradeoff
	}
	return nil, nil
}

func (s *TimeTagStream) clear() {
	s.buf.Clear()
}

// Drain removes and returns up to max buffered tags, oldest first.
func (s *TimeTagStream) Drain(max int) []tag.Tag {
	return s.buf.ReadBatch(max)
}

// Pending returns the number of tags currently buffered.
func (s *TimeTagStream) Pending() int {
	return s.buf.Size()
}
