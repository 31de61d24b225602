package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	t.Run("verb only", func(t *testing.T) {
		line, err := Encode(VerbPing)
		require.NoError(t, err)
		assert.Equal(t, "PING\n", string(line))
	})

	t.Run("fields", func(t *testing.T) {
		line, err := Encode(VerbLogin, "alice", "secret")
		require.NoError(t, err)
		assert.Equal(t, "LOGIN|alice|secret\n", string(line))
	})

	t.Run("empty field kept", func(t *testing.T) {
		line, err := Encode(VerbOK, VerbPing, "")
		require.NoError(t, err)
		assert.Equal(t, "OK|PING|\n", string(line))
	})

	t.Run("separator in field rejected", func(t *testing.T) {
		_, err := Encode(VerbSendMessage, "1", "a|b")
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("newline in field rejected", func(t *testing.T) {
		_, err := Encode(VerbSendMessage, "1", "a\nb")
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("empty verb rejected", func(t *testing.T) {
		_, err := Encode("")
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		verb   string
		fields []string
	}{
		{"verb only", "PING\n", "PING", []string{}},
		{"crlf", "LOGIN|bob|pw\r\n", "LOGIN", []string{"bob", "pw"}},
		{"no terminator", "TYPING|7", "TYPING", []string{"7"}},
		{"trailing empty field", "OK|PING|\n", "OK", []string{"PING", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Decode([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.verb, rec.Verb)
			assert.Equal(t, tt.fields, rec.Fields)
		})
	}

	t.Run("empty line", func(t *testing.T) {
		_, err := Decode([]byte("\n"))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("empty verb", func(t *testing.T) {
		_, err := Decode([]byte("|a|b\n"))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestRecordHelpers(t *testing.T) {
	rec := OK(VerbCallStart, "c1", "127.0.0.1:40000")
	assert.Equal(t, "OK|CALL_START|c1|127.0.0.1:40000", rec.String())
	assert.Equal(t, "c1", rec.Field(1))
	assert.Equal(t, "", rec.Field(9))

	errRec := Err(VerbUpload, CodeProtocol, "bad|name\nhere")
	line, err := EncodeRecord(errRec)
	require.NoError(t, err)
	assert.Equal(t, "ERR|UPLOAD|PROTOCOL|bad name here\n", string(line))

	ev := Event(EventTyping, "3", "alice")
	assert.Equal(t, "EVENT|TYPING|3|alice", ev.String())
}

func TestPayloadLength(t *testing.T) {
	t.Run("non payload verb", func(t *testing.T) {
		_, ok, err := PayloadLength(Record{Verb: VerbPing})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("declared length", func(t *testing.T) {
		n, ok, err := PayloadLength(Record{Verb: VerbUpload, Fields: []string{"1", "a.png", "42"}})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(42), n)
	})

	for name, fields := range map[string][]string{
		"missing":  {"1", "a.png"},
		"garbage":  {"1", "a.png", "forty"},
		"negative": {"1", "a.png", "-3"},
	} {
		t.Run(name, func(t *testing.T) {
			_, ok, err := PayloadLength(Record{Verb: VerbUpload, Fields: fields})
			assert.True(t, ok)
			assert.ErrorIs(t, err, ErrTransfer)
		})
	}
}

func TestReadBinarySegment(t *testing.T) {
	t.Run("exact", func(t *testing.T) {
		data, err := ReadBinarySegment(bytes.NewReader([]byte("hello world")), 5, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
	})

	t.Run("zero length", func(t *testing.T) {
		data, err := ReadBinarySegment(bytes.NewReader(nil), 0, 0)
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("short stream", func(t *testing.T) {
		_, err := ReadBinarySegment(bytes.NewReader([]byte("abc")), 10, 0)
		assert.ErrorIs(t, err, ErrTransfer)
	})

	t.Run("empty stream", func(t *testing.T) {
		_, err := ReadBinarySegment(bytes.NewReader(nil), 1, 0)
		assert.ErrorIs(t, err, ErrTransfer)
	})

	t.Run("negative length", func(t *testing.T) {
		_, err := ReadBinarySegment(bytes.NewReader([]byte("abc")), -1, 0)
		assert.ErrorIs(t, err, ErrTransfer)
	})

	t.Run("over limit", func(t *testing.T) {
		_, err := ReadBinarySegment(bytes.NewReader([]byte("abcdef")), 6, 4)
		assert.ErrorIs(t, err, ErrTransfer)
	})

	t.Run("huge length does not allocate", func(t *testing.T) {
		var data []byte
		var err error
		require.NotPanics(t, func() {
			data, err = ReadBinarySegment(bytes.NewReader([]byte("abc")), 1<<62, 0)
		})
		assert.ErrorIs(t, err, ErrTransfer)
		assert.Nil(t, data)
	})
}

func TestReaderSegmentLimit(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("0123456789")), 0)
	r.SetMaxSegment(4)

	_, err := r.ReadSegment(8)
	assert.ErrorIs(t, err, ErrTransfer)

	// Nothing was consumed by the refused read
	data, err := r.ReadSegment(4)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), data)

	r.SetMaxSegment(0)
	data, err = r.ReadSegment(6)
	require.NoError(t, err)
	assert.Equal(t, []byte("456789"), data)
}

func TestReaderInterleavesRecordsAndSegments(t *testing.T) {
	payload := []byte{0x00, '|', '\n', 0xff, 'x'}
	var stream bytes.Buffer
	stream.WriteString("UPLOAD|9|blob.bin|5\n")
	stream.Write(payload)
	stream.WriteString("PING\n")

	r := NewReader(&stream, 0)

	rec, err := r.ReadRecord()
	require.NoError(t, err)
	n, ok, err := PayloadLength(rec)
	require.NoError(t, err)
	require.True(t, ok)

	data, err := r.ReadSegment(n)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	rec, err = r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, VerbPing, rec.Verb)

	_, err = r.ReadRecord()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderDiscardSegment(t *testing.T) {
	r := NewReader(strings.NewReader("0123456789PING\n"), 0)
	require.NoError(t, r.DiscardSegment(10))
	rec, err := r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, VerbPing, rec.Verb)

	short := NewReader(strings.NewReader("abc"), 0)
	assert.ErrorIs(t, short.DiscardSegment(10), ErrTransfer)
}

func TestReaderMalformedIsRecoverable(t *testing.T) {
	r := NewReader(strings.NewReader("|oops\nPING\n"), 0)

	_, err := r.ReadRecord()
	assert.ErrorIs(t, err, ErrMalformed)

	rec, err := r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, VerbPing, rec.Verb)
}

func TestReaderRecordTooLarge(t *testing.T) {
	r := NewReader(strings.NewReader(strings.Repeat("A", 100)+"\n"), 32)
	_, err := r.ReadRecord()
	assert.True(t, errors.Is(err, ErrRecordTooLarge))
}

func TestReaderPartialLineAtEOF(t *testing.T) {
	r := NewReader(strings.NewReader("PIN"), 0)
	_, err := r.ReadRecord()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
