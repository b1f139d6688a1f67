// Package persist round-trips a recorded tag stream to disk, zstd-compressing the same fixed-width
// wire record the device and network Sources decode, in fixed-size blocks
// split across files once a configured size limit is reached.
package persist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/tag"
	"github.com/tagtrace/tagstream/wire"
)

// DefaultMaxFileBytes bounds a single recorded file before FileWriter rolls
// over to the next one in the sequence.
const DefaultMaxFileBytes = 256 << 20 // 256 MiB

// FileWriter persists a tag stream as zstd-compressed wire records, rolling
// over to a new numbered file once MaxFileBytes of uncompressed record data
// has been written to the current one.
type FileWriter struct {
	dir          string
	prefix       string
	maxFileBytes int64

	seq         int
	written     int64
	file        *os.File
	buf         *bufio.Writer
	enc         *zstd.Encoder
}

// NewFileWriter creates a FileWriter rooted at dir, naming files
// "<prefix>-<seq>.tagz". maxFileBytes <= 0 uses DefaultMaxFileBytes.
func NewFileWriter(dir, prefix string, maxFileBytes int64) (*FileWriter, error) {
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	w := &FileWriter{dir: dir, prefix: prefix, maxFileBytes: maxFileBytes}
	if err := w.roll(); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteTag appends one tag to the current file, rolling over to a new file
// first if the current one has reached maxFileBytes.
func (w *FileWriter) WriteTag(t tag.Tag) error {
	if w.written >= w.maxFileBytes {
		if err := w.roll(); err != nil {
			return err
		}
	}
	if err := wire.Write(w.enc, t); err != nil {
		return errors.WrapStream(err, "persist", "WriteTag", "encode record")
	}
	w.written += wire.TagSize
	return nil
}

// WriteBlock appends every tag in tags in order.
func (w *FileWriter) WriteBlock(tags []tag.Tag) error {
	for _, t := range tags {
		if err := w.WriteTag(t); err != nil {
			return err
		}
	}
	return nil
}

func (w *FileWriter) roll() error {
	if w.enc != nil {
		if err := w.closeCurrent(); err != nil {
			return err
		}
	}
	name := filepath.Join(w.dir, fmt.Sprintf("%s-%05d.tagz", w.prefix, w.seq))
	f, err := os.Create(name)
	if err != nil {
		return errors.WrapStream(err, "persist", "roll", "create file")
	}
	buf := bufio.NewWriter(f)
	enc, err := zstd.NewWriter(buf)
	if err != nil {
		f.Close()
		return errors.WrapStream(err, "persist", "roll", "create zstd encoder")
	}
	w.seq++
	w.written = 0
	w.file = f
	w.buf = buf
	w.enc = enc
	return nil
}

func (w *FileWriter) closeCurrent() error {
	if w.enc == nil {
		return nil
	}
	if err := w.enc.Close(); err != nil {
		return errors.WrapStream(err, "persist", "closeCurrent", "close zstd encoder")
	}
	if err := w.buf.Flush(); err != nil {
		return errors.WrapStream(err, "persist", "closeCurrent", "flush file buffer")
	}
	return w.file.Close()
}

// Close flushes and closes the current file.
func (w *FileWriter) Close() error {
	return w.closeCurrent()
}

// FileReader replays tags previously persisted by FileWriter from a single
// file.
type FileReader struct {
	file *os.File
	dec  *zstd.Decoder
}

// NewFileReader opens path for replay.
func NewFileReader(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapStream(err, "persist", "NewFileReader", "open file")
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.WrapStream(err, "persist", "NewFileReader", "create zstd decoder")
	}
	return &FileReader{file: f, dec: dec}, nil
}

// ReadTag returns the next tag, or io.EOF when the file is exhausted.
func (r *FileReader) ReadTag() (tag.Tag, error) {
	return wire.Read(r.dec)
}

// ReadAll drains every remaining tag in the file.
func (r *FileReader) ReadAll() ([]tag.Tag, error) {
	var out []tag.Tag
	for {
		t, err := r.ReadTag()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
}

// Close releases the zstd decoder and underlying file.
func (r *FileReader) Close() error {
	r.dec.Close()
	return r.file.Close()
}
