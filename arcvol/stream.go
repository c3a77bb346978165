package arcvol

import "io"

// StreamState tracks the lifecycle of an open file.
type StreamState int

const (
	// StreamOpening means the entry's structural preamble is still
	// being decoded.
	StreamOpening StreamState = iota
	// StreamOpen means the stream serves reads.
	StreamOpen
	// StreamFailed means decoding hit corrupt data; all further reads
	// on this stream fail.
	StreamFailed
	// StreamClosed is terminal; the stream has been removed from its
	// volume.
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpening:
		return "opening"
	case StreamOpen:
		return "open"
	case StreamFailed:
		return "failed"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ReadStream is one open file inside a volume. The id is the open
// request id assigned by the caller. state is guarded by the volume
// lock; reader and cursor are touched only on the volume's worker
// goroutine, where decode work is serialized.
type ReadStream struct {
	id    string
	entry *Entry
	state StreamState

	// reader decodes the entry's content sequentially from the start.
	// nil until the first read and after a reset.
	reader EntryReader
	// cursor is the count of decoded bytes consumed from reader.
	cursor int64
}

// readAt decodes exactly len(buf) bytes of the entry's content starting
// at offset. Reads at or after the cursor continue forward, discarding
// the gap; a read strictly before the cursor restarts decoding from the
// entry's beginning, since there is no seek-back decoded cache.
func (s *ReadStream) readAt(idx Index, ar ArchiveReader, offset int64, buf []byte) error {
	if err := s.seekTo(idx, ar, offset); err != nil {
		return err
	}
	if _, err := io.ReadFull(s.reader, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	s.cursor = offset + int64(len(buf))
	return nil
}

func (s *ReadStream) seekTo(idx Index, ar ArchiveReader, offset int64) error {
	if s.reader != nil && offset < s.cursor {
		s.reader.Close()
		s.reader = nil
	}
	if s.reader == nil {
		r, err := idx.OpenEntry(ar, s.entry.Path)
		if err != nil {
			return err
		}
		s.reader = r
		s.cursor = 0
	}
	if offset > s.cursor {
		if _, err := io.CopyN(io.Discard, s.reader, offset-s.cursor); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		s.cursor = offset
	}
	return nil
}

// resetDecode releases decoder state so the next read starts from a
// clean slate. Used after host-side chunk failures and on close.
func (s *ReadStream) resetDecode() {
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
	s.cursor = 0
}
