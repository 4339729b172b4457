package stream

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spencertipping/sockpuppet/internal/trace"
)

// maskedFrame builds a single masked client->server frame, the form
// RFC 6455 requires for this direction.
func maskedFrame(t *testing.T, fin bool, opcode byte, mask [4]byte, payload []byte) []byte {
	t.Helper()
	var b0 byte = opcode
	if fin {
		b0 |= 0x80
	}
	n := len(payload)
	var header []byte
	switch {
	case n < 126:
		header = []byte{b0, 0x80 | byte(n)}
	case n <= 0xFFFF:
		header = []byte{b0, 0x80 | 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = []byte{b0, 0x80 | 127, 0, 0, 0, 0, 0, 0, 0, 0}
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}
	header = append(header, mask[:]...)
	masked := append([]byte(nil), payload...)
	for i := range masked {
		masked[i] ^= mask[i%4]
	}
	return append(header, masked...)
}

func wsFollower(t *testing.T) (*Follower, func() []capturedEvent) {
	w, _, events := newCapturingWriter(t)
	f := New(w, 1, trace.Uplink, nil)
	f.state = "websocket"
	f.initWebSocketScratch()
	return f, events
}

func TestWebSocketShortFrame(t *testing.T) {
	f, events := wsFollower(t)
	mask := [4]byte{1, 2, 3, 4}
	frame := maskedFrame(t, true, 0x1, mask, []byte("Hi"))

	require.NoError(t, f.Data(frame))

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, "text", got[0].Notes)
	assert.Equal(t, "Hi", string(got[0].Body))
}

func TestWebSocketFragmentationWithInterleavedPing(t *testing.T) {
	f, events := wsFollower(t)
	mask := [4]byte{9, 9, 9, 9}

	initial := maskedFrame(t, false, 0x1, mask, []byte("He"))
	ping := maskedFrame(t, true, 0x9, mask, nil)
	final := maskedFrame(t, true, 0x0, mask, []byte("llo"))

	require.NoError(t, f.Data(initial))
	require.NoError(t, f.Data(ping))
	require.NoError(t, f.Data(final))

	got := events()
	require.Len(t, got, 2)
	assert.Equal(t, "ping", got[0].Notes)
	assert.Equal(t, "text", got[1].Notes)
	assert.Equal(t, "Hello", string(got[1].Body))
}

func TestWebSocketExtendedLength126(t *testing.T) {
	f, events := wsFollower(t)
	mask := [4]byte{5, 5, 5, 5}
	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}
	frame := maskedFrame(t, true, 0x2, mask, payload)

	require.NoError(t, f.Data(frame))

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, "binary", got[0].Notes)
	assert.Equal(t, payload, got[0].Body)
}

func TestWebSocketExtendedLength127(t *testing.T) {
	f, events := wsFollower(t)
	mask := [4]byte{7, 7, 7, 7}
	payload := make([]byte, 70000)
	for i := range payload {
		payload[i] = byte(i)
	}
	frame := maskedFrame(t, true, 0x2, mask, payload)

	require.NoError(t, f.Data(frame))

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, "binary", got[0].Notes)
	assert.Equal(t, payload, got[0].Body)
}

func TestWebSocketCloseTransitionsToEOF(t *testing.T) {
	f, _ := wsFollower(t)
	mask := [4]byte{1, 1, 1, 1}
	frame := maskedFrame(t, true, 0x8, mask, nil)

	require.NoError(t, f.Data(frame))
	assert.Equal(t, "eof", f.State())
}

func TestWebSocketPartialHeaderSetsBeginTime(t *testing.T) {
	f, _ := wsFollower(t)
	require.NoError(t, f.Data([]byte{0x81}))
	assert.False(t, f.wsDataStart.IsZero())
}
