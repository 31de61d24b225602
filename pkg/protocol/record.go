package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

const (
	// Separator joins the verb and fields of a record. It is reserved and
	// may not appear inside a field value.
	Separator = '|'

	// Terminator ends every record on the wire.
	Terminator = '\n'

	// DefaultMaxRecordSize bounds a single record line (64 KiB)
	DefaultMaxRecordSize = 64 * 1024

	// DefaultMaxSegmentSize bounds a single binary segment (10 MiB)
	DefaultMaxSegmentSize int64 = 10 * 1024 * 1024
)

var (
	// ErrMalformed marks a record that could not be decoded or encoded.
	// Malformed records are recoverable: the stream is still in sync.
	ErrMalformed = errors.New("malformed record")

	// ErrTransfer marks a binary segment that could not be read to its
	// declared length. The stream is desynchronized and the connection
	// must be closed.
	ErrTransfer = errors.New("binary transfer failed")

	// ErrRecordTooLarge is returned when a line exceeds the reader limit.
	// The remainder of the line is unread, so this is connection-fatal.
	ErrRecordTooLarge = errors.New("record exceeds maximum size")
)

// Record is one decoded protocol line: a verb plus its ordered fields.
type Record struct {
	Verb   string
	Fields []string
}

// Field returns the i-th field or "" when absent
func (r Record) Field(i int) string {
	if i < 0 || i >= len(r.Fields) {
		return ""
	}
	return r.Fields[i]
}

// String renders the record without its terminator (for logging)
func (r Record) String() string {
	if len(r.Fields) == 0 {
		return r.Verb
	}
	return r.Verb + string(Separator) + strings.Join(r.Fields, string(Separator))
}

// ValidField reports whether s can be carried as a field value.
func ValidField(s string) bool {
	return !strings.ContainsAny(s, "|\r\n")
}

// Encode renders a verb and fields into one terminated record.
func Encode(verb string, fields ...string) ([]byte, error) {
	if verb == "" {
		return nil, fmt.Errorf("%w: empty verb", ErrMalformed)
	}
	if !ValidField(verb) {
		return nil, fmt.Errorf("%w: verb contains reserved character", ErrMalformed)
	}

	size := len(verb) + 1
	for i, f := range fields {
		if !ValidField(f) {
			return nil, fmt.Errorf("%w: field %d contains reserved character", ErrMalformed, i)
		}
		size += len(f) + 1
	}

	buf := make([]byte, 0, size)
	buf = append(buf, verb...)
	for _, f := range fields {
		buf = append(buf, Separator)
		buf = append(buf, f...)
	}
	buf = append(buf, Terminator)
	return buf, nil
}

// EncodeRecord is Encode for an already assembled Record.
func EncodeRecord(r Record) ([]byte, error) {
	return Encode(r.Verb, r.Fields...)
}

// Decode parses one record. The terminator (and a preceding carriage
// return) may be present or already stripped.
func Decode(line []byte) (Record, error) {
	line = bytes.TrimSuffix(line, []byte{Terminator})
	line = bytes.TrimSuffix(line, []byte{'\r'})

	if len(line) == 0 {
		return Record{}, fmt.Errorf("%w: empty record", ErrMalformed)
	}
	if bytes.IndexByte(line, '\r') >= 0 || bytes.IndexByte(line, Terminator) >= 0 {
		return Record{}, fmt.Errorf("%w: embedded line break", ErrMalformed)
	}

	parts := strings.Split(string(line), string(Separator))
	verb := parts[0]
	if verb == "" {
		return Record{}, fmt.Errorf("%w: empty verb", ErrMalformed)
	}

	return Record{Verb: verb, Fields: parts[1:]}, nil
}

// Sanitize replaces reserved characters so s can be sent as a field.
// Used for free-form error text.
func Sanitize(s string) string {
	if ValidField(s) {
		return s
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case Separator, '\r', Terminator:
			return ' '
		}
		return r
	}, s)
}
