package main

import (
	"bytes"

	"github.com/tagtrace/tagstream/tag"
	"github.com/tagtrace/tagstream/wire"
)

// synthesizeDemoStream builds a small deterministic wire-format tag stream
// standing in for a real instrument recording, used when no --replay-file is
// given. It interleaves three channels at a fixed 1µs spacing so every
// bundled measurement (counter, correlation, tap) sees non-trivial input.
func synthesizeDemoStream() *bytes.Buffer {
	const (
		spacingPs = 1_000_000 // 1 microsecond between events on each channel
		events    = 2000
	)
	var buf bytes.Buffer
	for i := 0; i < events; i++ {
		base := int64(i) * spacingPs
		_ = wire.Write(&buf, tag.Tag{Type: tag.TimeTag, Channel: 1, TimePs: base})
		_ = wire.Write(&buf, tag.Tag{Type: tag.TimeTag, Channel: 2, TimePs: base + spacingPs/4})
		if i%50 == 0 {
			_ = wire.Write(&buf, tag.Tag{Type: tag.TimeTag, Channel: 3, TimePs: base + spacingPs/2})
		}
	}
	return &buf
}
