package stream

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseDecoderKnownEncodings(t *testing.T) {
	kind, warn := chooseDecoder([]byte("HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\n"))
	assert.Equal(t, decodeGzip, kind)
	assert.False(t, warn)

	kind, warn = chooseDecoder([]byte("HTTP/1.1 200 OK\r\nContent-Encoding: DEFLATE\r\n"))
	assert.Equal(t, decodeDeflate, kind)
	assert.False(t, warn)

	kind, warn = chooseDecoder([]byte("HTTP/1.1 200 OK\r\n"))
	assert.Equal(t, decodeIdentity, kind)
	assert.False(t, warn)
}

func TestChooseDecoderUnknownWarns(t *testing.T) {
	kind, warn := chooseDecoder([]byte("HTTP/1.1 200 OK\r\nContent-Encoding: br\r\n"))
	assert.Equal(t, decodeIdentity, kind)
	assert.True(t, warn)
}

func TestDecodeBodyGzip(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte("X"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := decodeBody(decodeGzip, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "X", string(out))
}

func TestDecodeBodyIdentityPassesThrough(t *testing.T) {
	out, err := decodeBody(decodeIdentity, []byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, "raw", string(out))
}
