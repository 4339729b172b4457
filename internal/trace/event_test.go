package trace

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSerializeFieldOrder(t *testing.T) {
	begin := time.Unix(1000, 500000000)
	end := time.Unix(1001, 0)
	ev := Event{
		Begin:    begin,
		End:      end,
		ConnID:   42,
		Dir:      Uplink,
		State:    "http",
		Notes:    "a\tb",
		Headings: []byte("hi"),
		Body:     []byte{0xde, 0xad},
	}
	line := string(ev.Serialize())
	fields := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	require.Len(t, fields, 8)
	assert.Equal(t, "1000.500000", fields[0])
	assert.Equal(t, "1001.000000", fields[1])
	assert.Equal(t, "42", fields[2])
	assert.Equal(t, "up", fields[3])
	assert.Equal(t, "http", fields[4])
	assert.Equal(t, "a b", fields[5])
	assert.Equal(t, "6869", fields[6])
	assert.Equal(t, "dead", fields[7])
}

func TestEventSerializeZeroTimestamp(t *testing.T) {
	line := string(Event{Dir: Downlink}.Serialize())
	fields := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	assert.Equal(t, "0", fields[0])
	assert.Equal(t, "0", fields[1])
	assert.Equal(t, "down", fields[3])
}

func TestWriterRetriesPartialWrites(t *testing.T) {
	pw := &partialWriter{chunk: 3}
	w := NewWriter(pw, nil)
	require.NoError(t, w.Write(Event{Notes: "hello"}))
	assert.Equal(t, string(Event{Notes: "hello"}.Serialize()), pw.buf.String())
}

func TestWriterReturnsFatalOnError(t *testing.T) {
	w := NewWriter(&failingWriter{}, nil)
	err := w.Write(Event{Notes: "x"})
	require.Error(t, err)
	var fatal *FatalWriteError
	assert.ErrorAs(t, err, &fatal)
}

// partialWriter accepts at most chunk bytes per Write call, forcing
// Writer.Write's retry loop to run more than once.
type partialWriter struct {
	buf   bytes.Buffer
	chunk int
}

func (p *partialWriter) Write(b []byte) (int, error) {
	n := len(b)
	if n > p.chunk {
		n = p.chunk
	}
	p.buf.Write(b[:n])
	return n, nil
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }
