package pool

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/lemon-mint/frameio"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/wordfreq/pkg/fs"
)

// Redo log layout: body followed by a fixed footer.
//
//	body   = u32 record count, then one frameio frame per record
//	record = u64 pool offset, then the bytes to store there
//	footer = magic, body length, ^body length, crc32c(body), ^crc32c(body)
//
// A log whose footer is missing or inconsistent was never committed.
const (
	walMagic      = "FRQWAL01"
	walFooterSize = 32
	walSuffix     = ".wal"
)

type walState uint8

const (
	walEmpty walState = iota
	walUncommitted
	walCommitted
)

func (s walState) String() string {
	switch s {
	case walEmpty:
		return "empty"
	case walUncommitted:
		return "uncommitted"
	case walCommitted:
		return "committed"
	default:
		return fmt.Sprintf("walState(%d)", uint8(s))
	}
}

// walRecord is one redo entry: store data at off.
type walRecord struct {
	off  uint64
	data []byte
}

// encodeWal appends the encoded log (body and footer) for records to dst.
func encodeWal(dst *bytebufferpool.ByteBuffer, records []walRecord) error {
	if uint64(len(records)) > math.MaxUint32 {
		return fmt.Errorf("%d records in one transaction: %w", len(records), ErrInvalidInput)
	}

	dst.B = binary.LittleEndian.AppendUint32(dst.B, uint32(len(records)))

	bw := bufio.NewWriter(dst)
	fw := frameio.NewFrameWriter(bw)

	var frame []byte

	for _, rec := range records {
		frame = binary.LittleEndian.AppendUint64(frame[:0], rec.off)
		frame = append(frame, rec.data...)

		if err := fw.Write(frame); err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	bodyLen := uint64(len(dst.B))
	crc := crc32.Checksum(dst.B, castagnoli)

	dst.B = append(dst.B, walMagic...)
	dst.B = binary.LittleEndian.AppendUint64(dst.B, bodyLen)
	dst.B = binary.LittleEndian.AppendUint64(dst.B, ^bodyLen)
	dst.B = binary.LittleEndian.AppendUint32(dst.B, crc)
	dst.B = binary.LittleEndian.AppendUint32(dst.B, ^crc)

	return nil
}

func decodeWal(body []byte) ([]walRecord, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("wal body of %d bytes: %w", len(body), ErrCorrupt)
	}

	n := binary.LittleEndian.Uint32(body)
	fr := frameio.NewFrameReader(bufio.NewReader(bytes.NewReader(body[4:])))

	records := make([]walRecord, 0, n)

	for i := range n {
		frame, err := fr.Read()
		if err != nil {
			return nil, fmt.Errorf("wal record %d of %d: %w: %w", i+1, n, ErrCorrupt, err)
		}

		if len(frame) < 8 {
			return nil, fmt.Errorf("wal record %d is %d bytes: %w", i+1, len(frame), ErrCorrupt)
		}

		records = append(records, walRecord{
			off:  binary.LittleEndian.Uint64(frame),
			data: bytes.Clone(frame[8:]),
		})
	}

	return records, nil
}

// validateRecords rejects records that would touch the static header or
// reach past the end of the pool.
func validateRecords(records []walRecord, capacity uint64) error {
	for i, rec := range records {
		end := rec.off + uint64(len(rec.data))
		if rec.off < offHeapTop || end < rec.off || end > capacity {
			return fmt.Errorf("wal record %d writes [%d, %d) outside [%d, %d): %w",
				i+1, rec.off, end, offHeapTop, capacity, ErrCorrupt)
		}
	}

	return nil
}

// readWalState inspects the log. A committed log returns its body.
func readWalState(file fs.File) (walState, []byte, error) {
	info, err := file.Stat()
	if err != nil {
		return walEmpty, nil, fmt.Errorf("stat: %w", err)
	}

	size := info.Size()
	if size == 0 {
		return walEmpty, nil, nil
	}

	if size < walFooterSize {
		return walUncommitted, nil, nil
	}

	footer := make([]byte, walFooterSize)

	if _, err := file.Seek(size-walFooterSize, io.SeekStart); err != nil {
		return walEmpty, nil, fmt.Errorf("seek footer: %w", err)
	}

	if _, err := io.ReadFull(file, footer); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return walUncommitted, nil, nil
		}

		return walEmpty, nil, fmt.Errorf("read footer: %w", err)
	}

	if string(footer[:8]) != walMagic {
		return walUncommitted, nil, nil
	}

	bodyLen := binary.LittleEndian.Uint64(footer[8:16])
	if ^bodyLen != binary.LittleEndian.Uint64(footer[16:24]) {
		return walUncommitted, nil, nil
	}

	crc := binary.LittleEndian.Uint32(footer[24:28])
	if ^crc != binary.LittleEndian.Uint32(footer[28:32]) {
		return walUncommitted, nil, nil
	}

	if bodyLen > uint64(size-walFooterSize) {
		return walUncommitted, nil, nil
	}

	body := make([]byte, bodyLen)

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return walEmpty, nil, fmt.Errorf("seek body: %w", err)
	}

	if _, err := io.ReadFull(file, body); err != nil {
		return walEmpty, nil, fmt.Errorf("read body: %w", err)
	}

	if checksum := crc32.Checksum(body, castagnoli); checksum != crc {
		return walCommitted, nil, fmt.Errorf("wal checksum %08x, footer says %08x: %w", checksum, crc, ErrCorrupt)
	}

	return walCommitted, body, nil
}

// writeWal replaces the log content with encoded and optionally fsyncs it.
func writeWal(file fs.File, encoded []byte, sync bool) error {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}

	if _, err := file.Write(encoded); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if !sync {
		return nil
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	return nil
}

// truncateWal empties the log. With sync set the empty state is made
// durable, so a later torn write can never sit behind a stale footer.
func truncateWal(file fs.File, sync bool) error {
	if err := unix.Ftruncate(int(file.Fd()), 0); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}

	if !sync {
		return nil
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	return nil
}
