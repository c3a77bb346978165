package zipcodec

import (
	"encoding/binary"
	"fmt"

	"github.com/arcget/arcget/arcvol"
	verrors "github.com/arcget/arcget/arcvol/errors"
)

const (
	eocdSig        = 0x06054b50
	eocdLen        = 22
	eocd64Sig      = 0x06064b50
	eocd64Len      = 56
	eocdLocatorSig = 0x07064b50
	eocdLocatorLen = 20

	maxCommentLen = 0xffff
)

// directory is the parsed central directory.
type directory struct {
	records []*centralRecord
}

// readDirectory locates and parses the central directory. The footer
// probe starts with the minimal 22-byte record at the archive tail and
// widens once when a trailing comment hides it deeper in the file.
func readDirectory(r arcvol.ArchiveReader) (*directory, error) {
	size := r.Size()
	if size < eocdLen {
		return nil, verrors.ErrCorruptData.
			WithMessage("archive smaller than end-of-directory record").
			WithDetail("archiveSize", size)
	}

	eocd, eocdPos, err := findEOCD(r, size)
	if err != nil {
		return nil, err
	}

	diskNum := binary.LittleEndian.Uint16(eocd[4:])
	cdDisk := binary.LittleEndian.Uint16(eocd[6:])
	if diskNum != 0 || cdDisk != 0 {
		return nil, verrors.ErrCorruptData.WithMessage("multi-disk archives are not supported")
	}
	entryCount := int64(binary.LittleEndian.Uint16(eocd[10:]))
	cdSize := int64(binary.LittleEndian.Uint32(eocd[12:]))
	cdOffset := int64(binary.LittleEndian.Uint32(eocd[16:]))

	if entryCount == 0xffff || cdSize == 0xffffffff || cdOffset == 0xffffffff {
		entryCount, cdSize, cdOffset, err = readEOCD64(r, eocdPos)
		if err != nil {
			return nil, err
		}
	}

	if cdOffset < 0 || cdSize < 0 || cdSize > eocdPos || cdOffset > eocdPos-cdSize {
		return nil, verrors.ErrCorruptData.
			WithMessage("central directory outside archive bounds").
			WithDetail("directoryOffset", cdOffset).
			WithDetail("directorySize", cdSize)
	}
	// Each central record is at least 46 bytes, so the claimed entry
	// count is bounded by the directory size. A corrupt count must fail
	// parsing, not size an allocation.
	if entryCount < 0 || entryCount > cdSize/centralLen {
		return nil, verrors.ErrCorruptData.
			WithMessage("entry count exceeds directory size").
			WithDetail("entryCount", entryCount).
			WithDetail("directorySize", cdSize)
	}

	cd := make([]byte, cdSize)
	if _, err := r.ReadAt(cd, cdOffset); err != nil {
		return nil, fmt.Errorf("read central directory: %w", err)
	}
	return parseDirectory(cd, entryCount)
}

// findEOCD returns the end-of-central-directory record and its absolute
// offset in the archive.
func findEOCD(r arcvol.ArchiveReader, size int64) ([]byte, int64, error) {
	// Most archives have no comment, so the record is exactly the last
	// 22 bytes. Probe that first.
	tail := make([]byte, eocdLen)
	if _, err := r.ReadAt(tail, size-eocdLen); err != nil {
		return nil, 0, fmt.Errorf("read archive tail: %w", err)
	}
	if pos := scanEOCD(tail); pos >= 0 {
		return tail[pos:], size - eocdLen + int64(pos), nil
	}

	// A comment of up to 64 KiB may follow the record. Probe again over
	// the widest possible tail.
	probeLen := int64(eocdLen + maxCommentLen)
	if probeLen > size {
		probeLen = size
	}
	tail = make([]byte, probeLen)
	if _, err := r.ReadAt(tail, size-probeLen); err != nil {
		return nil, 0, fmt.Errorf("read archive tail: %w", err)
	}
	if pos := scanEOCD(tail); pos >= 0 {
		return tail[pos:], size - probeLen + int64(pos), nil
	}
	return nil, 0, verrors.ErrCorruptData.WithMessage("end-of-directory record not found")
}

// scanEOCD finds the last plausible end-of-directory record in block: a
// matching signature whose comment length is consistent with the bytes
// that remain after it.
func scanEOCD(block []byte) int {
	for i := len(block) - eocdLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(block[i:]) != eocdSig {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(block[i+20:]))
		if i+eocdLen+commentLen <= len(block) {
			return i
		}
	}
	return -1
}

// readEOCD64 follows the zip64 locator that precedes the classic record
// and returns the 64-bit entry count, directory size, and offset.
func readEOCD64(r arcvol.ArchiveReader, eocdPos int64) (entryCount, cdSize, cdOffset int64, err error) {
	locPos := eocdPos - eocdLocatorLen
	if locPos < 0 {
		return 0, 0, 0, verrors.ErrCorruptData.WithMessage("zip64 locator missing")
	}
	loc := make([]byte, eocdLocatorLen)
	if _, err := r.ReadAt(loc, locPos); err != nil {
		return 0, 0, 0, fmt.Errorf("read zip64 locator: %w", err)
	}
	if binary.LittleEndian.Uint32(loc) != eocdLocatorSig {
		return 0, 0, 0, verrors.ErrCorruptData.WithMessage("zip64 locator missing")
	}
	recPos := int64(binary.LittleEndian.Uint64(loc[8:]))
	if recPos < 0 || recPos+eocd64Len > locPos+eocdLocatorLen {
		return 0, 0, 0, verrors.ErrCorruptData.WithMessage("zip64 directory record outside archive bounds")
	}

	rec := make([]byte, eocd64Len)
	if _, err := r.ReadAt(rec, recPos); err != nil {
		return 0, 0, 0, fmt.Errorf("read zip64 directory record: %w", err)
	}
	if binary.LittleEndian.Uint32(rec) != eocd64Sig {
		return 0, 0, 0, verrors.ErrCorruptData.WithMessage("invalid zip64 directory record")
	}
	entryCount = int64(binary.LittleEndian.Uint64(rec[32:]))
	cdSize = int64(binary.LittleEndian.Uint64(rec[40:]))
	cdOffset = int64(binary.LittleEndian.Uint64(rec[48:]))
	return entryCount, cdSize, cdOffset, nil
}
