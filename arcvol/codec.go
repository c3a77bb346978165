package arcvol

import (
	"io"
	"time"
)

// Entry describes one file or directory in an archive's metadata index.
type Entry struct {
	Path    string
	Size    int64 // uncompressed size, 0 for directories
	ModTime time.Time
	Dir     bool
}

// ArchiveReader gives a codec random access to raw archive bytes. Reads
// block until the host delivers the requested range, so it must only be
// used from a volume's worker goroutine, never from the dispatch path.
type ArchiveReader interface {
	io.ReaderAt

	// Size returns the total byte size of the backing archive as
	// declared by the host.
	Size() int64
}

// EntryReader produces one entry's decoded content sequentially.
type EntryReader interface {
	io.ReadCloser
}

// Index is a parsed archive's metadata, produced by a Codec. It resolves
// paths and prepares decoding of individual entries.
type Index interface {
	// Entries lists every file and directory in the archive.
	Entries() []*Entry

	// OpenEntry prepares sequential decoding of the named entry's
	// content. Reading the archive's per-entry structure (e.g. a local
	// file header) happens here and may pull further chunks through r.
	OpenEntry(r ArchiveReader, path string) (EntryReader, error)
}

// Codec parses an archive format's structural metadata. Implementations
// decide how many bytes of the archive tail they need and pull them
// through the reader, possibly in several rounds.
type Codec interface {
	ParseIndex(r ArchiveReader) (Index, error)
}
