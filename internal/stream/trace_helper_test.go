package stream

import (
	"bytes"
	"compress/gzip"
	"encoding/hex"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spencertipping/sockpuppet/internal/trace"
)

// gzipBytes compresses data for tests exercising Content-Encoding: gzip.
func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func intStr(n int) string { return strconv.Itoa(n) }

// capturedEvent mirrors trace.Event's fields after a round trip through
// Serialize, used so tests can assert on what actually hit the wire
// format rather than on internal state.
type capturedEvent struct {
	ConnID   int64
	Dir      string
	State    string
	Notes    string
	Headings []byte
	Body     []byte
}

// newCapturingWriter returns a trace.Writer over an in-memory buffer
// plus a function that parses every record written so far.
func newCapturingWriter(t *testing.T) (*trace.Writer, *bytes.Buffer, func() []capturedEvent) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := trace.NewWriter(buf, nil)
	parse := func() []capturedEvent {
		var events []capturedEvent
		for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
			if line == "" {
				continue
			}
			fields := strings.Split(line, "\t")
			require.Len(t, fields, 8)
			connID, err := strconv.ParseInt(fields[2], 10, 64)
			require.NoError(t, err)
			headings, err := hex.DecodeString(fields[6])
			require.NoError(t, err)
			body, err := hex.DecodeString(fields[7])
			require.NoError(t, err)
			events = append(events, capturedEvent{
				ConnID:   connID,
				Dir:      fields[3],
				State:    fields[4],
				Notes:    fields[5],
				Headings: headings,
				Body:     body,
			})
		}
		return events
	}
	return w, buf, parse
}
