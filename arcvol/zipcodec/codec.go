// Package zipcodec implements the arcvol archive codec for zip
// containers. It parses the end-of-central-directory footer and the
// central directory through the engine's chunk-backed reader, and
// decodes entry contents with store, deflate, or zstd.
package zipcodec

import (
	"github.com/arcget/arcget/arcvol"
)

// Compression methods supported for entry content.
const (
	methodStore   = 0
	methodDeflate = 8
	methodZstd    = 93
)

// readBufferSize is the buffered span pulled per chunk request while
// decoding an entry. Sequential decoding turns into one chunk request
// per buffer fill.
const readBufferSize = 64 << 10

// Codec parses zip archive structure. It is stateless; all parsed state
// lives in the Index it returns.
type Codec struct{}

// New returns a zip codec.
func New() *Codec {
	return &Codec{}
}

// ParseIndex locates the end-of-central-directory record, follows it to
// the central directory, and returns the parsed entry index. The setup
// needs one footer probe for plain archives and a second, wider probe
// when an archive comment displaces the record.
func (c *Codec) ParseIndex(r arcvol.ArchiveReader) (arcvol.Index, error) {
	dir, err := readDirectory(r)
	if err != nil {
		return nil, err
	}
	return newIndex(dir)
}

// fileEntry carries the per-file facts OpenEntry needs beyond the
// public metadata: where the local header sits and how the content is
// compressed.
type fileEntry struct {
	method           uint16
	compressedSize   int64
	uncompressedSize int64
	headerOffset     int64
}

type index struct {
	entries []*arcvol.Entry
	files   map[string]*fileEntry
}

func newIndex(dir *directory) (*index, error) {
	ix := &index{
		entries: make([]*arcvol.Entry, 0, len(dir.records)),
		files:   make(map[string]*fileEntry, len(dir.records)),
	}
	for _, rec := range dir.records {
		entry := &arcvol.Entry{
			Path:    rec.path,
			Size:    rec.uncompressedSize,
			ModTime: rec.modTime,
			Dir:     rec.dir,
		}
		ix.entries = append(ix.entries, entry)
		if rec.dir {
			continue
		}
		ix.files[rec.path] = &fileEntry{
			method:           rec.method,
			compressedSize:   rec.compressedSize,
			uncompressedSize: rec.uncompressedSize,
			headerOffset:     rec.headerOffset,
		}
	}
	return ix, nil
}

// Entries lists every file and directory found in the central directory.
func (ix *index) Entries() []*arcvol.Entry {
	return ix.entries
}
