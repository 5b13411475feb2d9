package pool

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"golang.org/x/sys/unix"
)

// FRQ1 file format constants.
const (
	magic = "FRQ1"

	formatVersion = 1

	// HeaderSize is the fixed header size. The heap starts right after it.
	HeaderSize = 128

	layoutNameSize = 16

	// DefaultLayout is the layout name used when [Options.Layout] is empty.
	DefaultLayout = "freq"
)

// Header field offsets (bytes from file start).
const (
	offMagic    = 0x00 // [4]byte
	offVersion  = 0x04 // uint32
	offLayout   = 0x08 // [16]byte, NUL padded
	offCapacity = 0x18 // uint64
	offCRC32C   = 0x20 // uint32, over 0x00..0x20
	offHeapTop  = 0x28 // uint64
	offRoot     = 0x30 // uint64
)

// Allocation granularity. Every reference is a multiple of it.
const allocAlign = 8

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type header struct {
	Layout   string
	Capacity uint64
	HeapTop  uint64
	Root     uint64
}

// encodeHeader serializes h into a HeaderSize buffer, CRC included.
func encodeHeader(h *header) []byte {
	buf := make([]byte, HeaderSize)

	copy(buf[offMagic:], magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], formatVersion)
	copy(buf[offLayout:offLayout+layoutNameSize], h.Layout)
	binary.LittleEndian.PutUint64(buf[offCapacity:], h.Capacity)
	binary.LittleEndian.PutUint32(buf[offCRC32C:], crc32.Checksum(buf[:offCRC32C], castagnoli))
	binary.LittleEndian.PutUint64(buf[offHeapTop:], h.HeapTop)
	binary.LittleEndian.PutUint64(buf[offRoot:], h.Root)

	return buf
}

// decodeHeader checks the static part of the header against the file size
// and the expected layout. HeapTop and Root are validated separately by
// [validateHeap] because a pending redo log may still change them.
func decodeHeader(buf []byte, size int64, layout string) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, fmt.Errorf("file is %d bytes, smaller than header: %w", len(buf), ErrCorrupt)
	}

	if string(buf[offMagic:offMagic+4]) != magic {
		return header{}, fmt.Errorf("bad magic %q: %w", buf[offMagic:offMagic+4], ErrIncompatible)
	}

	if v := binary.LittleEndian.Uint32(buf[offVersion:]); v != formatVersion {
		return header{}, fmt.Errorf("format version %d, want %d: %w", v, formatVersion, ErrIncompatible)
	}

	stored := binary.LittleEndian.Uint32(buf[offCRC32C:])
	if computed := crc32.Checksum(buf[:offCRC32C], castagnoli); stored != computed {
		return header{}, fmt.Errorf("header crc %08x, computed %08x: %w", stored, computed, ErrCorrupt)
	}

	name := string(bytes.TrimRight(buf[offLayout:offLayout+layoutNameSize], "\x00"))
	if name != layout {
		return header{}, fmt.Errorf("layout %q, want %q: %w", name, layout, ErrIncompatible)
	}

	h := header{
		Layout:   name,
		Capacity: binary.LittleEndian.Uint64(buf[offCapacity:]),
		HeapTop:  binary.LittleEndian.Uint64(buf[offHeapTop:]),
		Root:     binary.LittleEndian.Uint64(buf[offRoot:]),
	}

	if size < 0 || h.Capacity != uint64(size) {
		return header{}, fmt.Errorf("capacity %d, file size %d: %w", h.Capacity, size, ErrCorrupt)
	}

	return h, nil
}

// validateHeap checks the mutable header fields.
func validateHeap(h header) error {
	if h.HeapTop < HeaderSize || h.HeapTop > h.Capacity || h.HeapTop%allocAlign != 0 {
		return fmt.Errorf("heap top %d outside [%d, %d]: %w", h.HeapTop, HeaderSize, h.Capacity, ErrCorrupt)
	}

	if h.Root != 0 && (h.Root < HeaderSize || h.Root >= h.HeapTop || h.Root%allocAlign != 0) {
		return fmt.Errorf("root %d outside heap [%d, %d): %w", h.Root, HeaderSize, h.HeapTop, ErrCorrupt)
	}

	return nil
}

func validateLayoutName(layout string) error {
	if layout == "" || len(layout) > layoutNameSize || bytes.IndexByte([]byte(layout), 0) >= 0 {
		return fmt.Errorf("layout name %q must be 1..%d bytes without NUL: %w", layout, layoutNameSize, ErrInvalidInput)
	}

	return nil
}

func align8(n uint64) uint64 {
	return (n + allocAlign - 1) &^ (allocAlign - 1)
}

var pageSize = os.Getpagesize()

// msyncRange flushes the pages covering data[offset:offset+length].
func msyncRange(data []byte, offset, length int) error {
	if length <= 0 {
		return nil
	}

	if offset < 0 || offset >= len(data) {
		return fmt.Errorf("msync offset %d outside mapping of %d bytes: %w", offset, len(data), ErrInvalidInput)
	}

	start := (offset / pageSize) * pageSize
	end := min(((offset+length+pageSize-1)/pageSize)*pageSize, len(data))

	if err := unix.Msync(data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}
