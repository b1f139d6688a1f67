// Package wire is the fixed-width binary tag record shared by every
// on-the-wire or on-disk encoding in this module: the device and network
// reference Sources decode it as they receive tags, and persist.FileWriter/
// FileReader use the same layout (zstd-compressed) for recorded playback.
// Keeping one codec means a file recorded from a device Source and later
// zstd-compressed by persist decodes identically either way.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tagtrace/tagstream/tag"
)

// TagSize is the fixed width of one binary tag record: 1 byte type, 4 bytes
// channel, 8 bytes time_ps, 2 bytes missed_events, padded to 16 for word
// alignment.
const TagSize = 16

// Encode writes t to buf (must be at least TagSize bytes).
func Encode(buf []byte, t tag.Tag) {
	buf[0] = byte(t.Type)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(t.Channel))
	binary.LittleEndian.PutUint64(buf[5:13], uint64(t.TimePs))
	binary.LittleEndian.PutUint16(buf[13:15], t.MissedEvents)
}

// Decode parses one wire record from buf (must be at least TagSize bytes).
func Decode(buf []byte) tag.Tag {
	return tag.Tag{
		Type:         tag.Type(buf[0]),
		Channel:      int32(binary.LittleEndian.Uint32(buf[1:5])),
		TimePs:       int64(binary.LittleEndian.Uint64(buf[5:13])),
		MissedEvents: binary.LittleEndian.Uint16(buf[13:15]),
	}
}

// Read reads one wire record from r, returning io.EOF unmodified when the
// stream ends exactly on a record boundary.
func Read(r io.Reader) (tag.Tag, error) {
	var buf [TagSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return tag.Tag{}, fmt.Errorf("truncated tag record: %w", io.ErrUnexpectedEOF)
		}
		return tag.Tag{}, err
	}
	return Decode(buf[:]), nil
}

// Write writes one wire record to w.
func Write(w io.Writer, t tag.Tag) error {
	var buf [TagSize]byte
	Encode(buf[:], t)
	_, err := w.Write(buf[:])
	return err
}
