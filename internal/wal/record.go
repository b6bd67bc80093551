package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// On-disk record framing: [4-byte big-endian body length][body][4-byte CRC32C
// of body]. CRC uses the Castagnoli polynomial.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const (
	recordHeaderLen  = 4
	recordTrailerLen = 4

	// maxRecordLen bounds a single body. A length prefix beyond this is
	// treated as corruption rather than attempted as an allocation.
	maxRecordLen = 16 << 20
)

// ErrCorrupt is returned when a segment contains an invalid record that is
// not attributable to a torn tail write. The engine refuses to start on it.
var ErrCorrupt = errors.New("wal: corrupt segment")

// errTornTail marks an incomplete record at the very end of the tail segment.
// Recovery truncates it and resumes appending at that position.
var errTornTail = errors.New("wal: torn tail record")

func encodeRecord(body []byte) []byte {
	buf := make([]byte, recordHeaderLen+len(body)+recordTrailerLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	copy(buf[4:], body)
	binary.BigEndian.PutUint32(buf[4+len(body):], crc32.Checksum(body, castagnoli))
	return buf
}

// readRecord reads one framed record. Returns io.EOF on a clean segment end,
// errTornTail when the remaining bytes cannot hold a whole record, and
// ErrCorrupt on a CRC mismatch.
func readRecord(r *bufio.Reader) ([]byte, error) {
	var header [recordHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errTornTail
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		// A zero length is what a pre-allocated or partially flushed page
		// looks like; treat as tail, recovery decides if it is acceptable.
		return nil, errTornTail
	}
	if n > maxRecordLen {
		return nil, fmt.Errorf("%w: record length %d exceeds limit", ErrCorrupt, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errTornTail
	}
	var trailer [recordTrailerLen]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return nil, errTornTail
	}
	if got, want := crc32.Checksum(body, castagnoli), binary.BigEndian.Uint32(trailer[:]); got != want {
		return nil, fmt.Errorf("%w: crc mismatch (got %08x want %08x)", ErrCorrupt, got, want)
	}
	return body, nil
}

func recordLen(body []byte) int64 {
	return int64(recordHeaderLen + len(body) + recordTrailerLen)
}
