package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ReadBinarySegment blocks until exactly n bytes are read from r.
// Lengths that are negative or above max are rejected before anything is
// allocated; max <= 0 selects DefaultMaxSegmentSize. A stream that ends
// early yields ErrTransfer.
func ReadBinarySegment(r io.Reader, n, max int64) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxSegmentSize
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrTransfer, n)
	}
	if n > max {
		return nil, fmt.Errorf("%w: length %d exceeds limit of %d", ErrTransfer, n, max)
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	read, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: read %d of %d bytes", ErrTransfer, read, n)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	return buf, nil
}

// Reader reads records and binary segments from one stream. Both kinds
// of read go through the same buffer, so bytes buffered while reading a
// line are not lost to a following segment read.
type Reader struct {
	br         *bufio.Reader
	maxRecord  int
	maxSegment int64
}

// NewReader wraps r. maxRecord <= 0 selects DefaultMaxRecordSize.
func NewReader(r io.Reader, maxRecord int) *Reader {
	if maxRecord <= 0 {
		maxRecord = DefaultMaxRecordSize
	}
	return &Reader{
		br:         bufio.NewReaderSize(r, maxRecord),
		maxRecord:  maxRecord,
		maxSegment: DefaultMaxSegmentSize,
	}
}

// SetMaxSegment changes the largest segment ReadSegment accepts.
// n <= 0 restores DefaultMaxSegmentSize.
func (r *Reader) SetMaxSegment(n int64) {
	if n <= 0 {
		n = DefaultMaxSegmentSize
	}
	r.maxSegment = n
}

// ReadRecord reads and decodes the next line.
//
// I/O errors (including io.EOF) and ErrRecordTooLarge are returned as-is
// and are fatal to the stream. Decode failures wrap ErrMalformed and
// leave the stream positioned at the next record.
func (r *Reader) ReadRecord() (Record, error) {
	line, err := r.br.ReadSlice(Terminator)
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return Record{}, ErrRecordTooLarge
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return Record{}, io.ErrUnexpectedEOF
		}
		return Record{}, err
	}
	return Decode(line)
}

// ReadSegment reads exactly n bytes following a payload record. Lengths
// above the segment limit yield ErrTransfer without consuming anything.
func (r *Reader) ReadSegment(n int64) ([]byte, error) {
	return ReadBinarySegment(r.br, n, r.maxSegment)
}

// DiscardSegment consumes exactly n bytes without keeping them, used to
// stay in sync when a declared payload is refused.
func (r *Reader) DiscardSegment(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative length %d", ErrTransfer, n)
	}
	read, err := io.CopyN(io.Discard, r.br, n)
	if err != nil {
		return fmt.Errorf("%w: discarded %d of %d bytes: %v", ErrTransfer, read, n, err)
	}
	return nil
}
