package zipcodec

import (
	"encoding/binary"
	"strings"
	"time"

	verrors "github.com/arcget/arcget/arcvol/errors"
)

const (
	centralSig = 0x02014b50
	centralLen = 46

	zip64ExtraID = 0x0001
)

// centralRecord is one parsed central directory header.
type centralRecord struct {
	path             string
	dir              bool
	method           uint16
	modTime          time.Time
	compressedSize   int64
	uncompressedSize int64
	headerOffset     int64
}

// parseDirectory decodes entryCount central directory headers from cd.
func parseDirectory(cd []byte, entryCount int64) (*directory, error) {
	dir := &directory{records: make([]*centralRecord, 0, entryCount)}
	pos := 0
	for i := int64(0); i < entryCount; i++ {
		if pos+centralLen > len(cd) {
			return nil, verrors.ErrCorruptData.
				WithMessage("central directory truncated").
				WithDetail("entry", i)
		}
		h := cd[pos:]
		if binary.LittleEndian.Uint32(h) != centralSig {
			return nil, verrors.ErrCorruptData.
				WithMessage("invalid central directory header").
				WithDetail("entry", i)
		}

		rec := &centralRecord{
			method:           binary.LittleEndian.Uint16(h[10:]),
			modTime:          msDosTime(binary.LittleEndian.Uint16(h[14:]), binary.LittleEndian.Uint16(h[12:])),
			compressedSize:   int64(binary.LittleEndian.Uint32(h[20:])),
			uncompressedSize: int64(binary.LittleEndian.Uint32(h[24:])),
			headerOffset:     int64(binary.LittleEndian.Uint32(h[42:])),
		}
		nameLen := int(binary.LittleEndian.Uint16(h[28:]))
		extraLen := int(binary.LittleEndian.Uint16(h[30:]))
		commentLen := int(binary.LittleEndian.Uint16(h[32:]))

		recEnd := pos + centralLen + nameLen + extraLen + commentLen
		if recEnd > len(cd) {
			return nil, verrors.ErrCorruptData.
				WithMessage("central directory truncated").
				WithDetail("entry", i)
		}
		name := string(cd[pos+centralLen : pos+centralLen+nameLen])
		extra := cd[pos+centralLen+nameLen : pos+centralLen+nameLen+extraLen]
		if err := applyZip64Extra(rec, extra); err != nil {
			return nil, err
		}

		rec.dir = strings.HasSuffix(name, "/")
		rec.path = strings.TrimSuffix(name, "/")
		if rec.dir {
			rec.uncompressedSize = 0
		}
		dir.records = append(dir.records, rec)
		pos = recEnd
	}
	return dir, nil
}

// applyZip64Extra overrides the 32-bit size and offset fields from the
// zip64 extra block. The block carries 64-bit values only for the
// fields saturated in the fixed header, in a fixed order.
func applyZip64Extra(rec *centralRecord, extra []byte) error {
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra)
		fieldLen := int(binary.LittleEndian.Uint16(extra[2:]))
		if 4+fieldLen > len(extra) {
			return verrors.ErrCorruptData.WithMessage("extra field truncated")
		}
		field := extra[4 : 4+fieldLen]
		extra = extra[4+fieldLen:]
		if id != zip64ExtraID {
			continue
		}

		take := func() (int64, bool) {
			if len(field) < 8 {
				return 0, false
			}
			v := int64(binary.LittleEndian.Uint64(field))
			field = field[8:]
			return v, true
		}
		if rec.uncompressedSize == 0xffffffff {
			v, ok := take()
			if !ok {
				return verrors.ErrCorruptData.WithMessage("zip64 extra field truncated")
			}
			rec.uncompressedSize = v
		}
		if rec.compressedSize == 0xffffffff {
			v, ok := take()
			if !ok {
				return verrors.ErrCorruptData.WithMessage("zip64 extra field truncated")
			}
			rec.compressedSize = v
		}
		if rec.headerOffset == 0xffffffff {
			v, ok := take()
			if !ok {
				return verrors.ErrCorruptData.WithMessage("zip64 extra field truncated")
			}
			rec.headerOffset = v
		}
	}
	return nil
}

// msDosTime converts the DOS date/time pair used by zip headers.
func msDosTime(dosDate, dosTime uint16) time.Time {
	return time.Date(
		int(dosDate>>9)+1980,
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f)*2,
		0,
		time.UTC,
	)
}
