package arcvol

import (
	"io"

	verrors "github.com/arcget/arcget/arcvol/errors"
	"github.com/arcget/arcget/arcvol/logger"
)

// chunkFetcher implements ArchiveReader over a volume's chunk protocol.
// Each ReadAt issues one or more chunk requests through the transport
// and blocks on the pending table until the host answers, so it runs
// exclusively on the volume's worker goroutine. streamID names the
// owning stream for cancellation; it is empty for metadata loading.
type chunkFetcher struct {
	vol      *Volume
	streamID string
	size     int64
}

func (f *chunkFetcher) Size() int64 {
	return f.size
}

func (f *chunkFetcher) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, verrors.ErrChunkUnavailable.WithMessage("negative read offset")
	}
	if off >= f.size {
		return 0, io.EOF
	}

	want := len(p)
	if max := f.size - off; int64(want) > max {
		want = int(max)
	}

	filled := 0
	for filled < want {
		n, err := f.fetchOnce(p[filled:want], off+int64(filled))
		filled += n
		if err != nil {
			return filled, err
		}
		if n == 0 {
			return filled, verrors.ErrChunkUnavailable.WithMessage("host returned empty chunk")
		}
	}
	if want < len(p) {
		return filled, io.EOF
	}
	return filled, nil
}

// fetchOnce issues a single chunk request for the start of p and copies
// whatever the host returns. The host may deliver fewer bytes than
// asked; the caller loops for the remainder.
func (f *chunkFetcher) fetchOnce(p []byte, off int64) (int, error) {
	req := f.vol.pending.add(f.streamID, off, int64(len(p)))
	logger.Debug("volume %s: chunk request %s offset=%d length=%d", f.vol.id, req.correlationID, off, len(p))
	f.vol.transport.RequestChunk(f.vol.id, req.correlationID, off, int64(len(p)))

	res := <-req.result
	switch {
	case res.err == errCanceled:
		return 0, errCanceled
	case res.err != nil:
		return 0, verrors.ErrChunkUnavailable.WithDetail("correlationId", req.correlationID).WithCause(res.err)
	case res.offset != off:
		return 0, verrors.ErrChunkUnavailable.
			WithMessage("host returned chunk at wrong offset").
			WithDetail("correlationId", req.correlationID).
			WithDetail("wantOffset", off).
			WithDetail("gotOffset", res.offset)
	}
	return copy(p, res.data), nil
}
