package zipcodec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/arcget/arcget/arcvol"
	verrors "github.com/arcget/arcget/arcvol/errors"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

const (
	localSig = 0x04034b50
	localLen = 30
)

// OpenEntry reads the entry's local file header to locate its compressed
// payload and returns a sequential decoder for the content. The central
// directory records name and extra lengths independently of the local
// header, so the header must be fetched to find where the data starts.
func (ix *index) OpenEntry(r arcvol.ArchiveReader, path string) (arcvol.EntryReader, error) {
	fe, ok := ix.files[path]
	if !ok {
		return nil, verrors.ErrPathNotFound.WithDetail("path", path)
	}
	if fe.headerOffset < 0 || fe.headerOffset >= r.Size() || fe.compressedSize < 0 {
		return nil, verrors.ErrCorruptData.
			WithMessage("local header outside archive bounds").
			WithDetail("path", path).
			WithDetail("headerOffset", fe.headerOffset)
	}

	header := make([]byte, localLen)
	if _, err := r.ReadAt(header, fe.headerOffset); err != nil {
		return nil, fmt.Errorf("read local header: %w", err)
	}
	if binary.LittleEndian.Uint32(header) != localSig {
		return nil, verrors.ErrCorruptData.
			WithMessage("invalid local file header").
			WithDetail("path", path)
	}
	nameLen := int64(binary.LittleEndian.Uint16(header[26:]))
	extraLen := int64(binary.LittleEndian.Uint16(header[28:]))

	dataStart := fe.headerOffset + localLen + nameLen + extraLen
	if dataStart < 0 || dataStart > r.Size()-fe.compressedSize {
		return nil, verrors.ErrCorruptData.
			WithMessage("entry data outside archive bounds").
			WithDetail("path", path)
	}

	section := io.NewSectionReader(r, dataStart, fe.compressedSize)
	br := bufio.NewReaderSize(section, readBufferSize)

	switch fe.method {
	case methodStore:
		return io.NopCloser(br), nil
	case methodDeflate:
		return flate.NewReader(br), nil
	case methodZstd:
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, verrors.ErrCorruptData.WithCause(err).WithDetail("path", path)
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, verrors.ErrCorruptData.
			WithMessage("unsupported compression method").
			WithDetail("path", path).
			WithDetail("method", fe.method)
	}
}
