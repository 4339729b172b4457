package proxyloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteHTTPRequestRewritesVersionHostAndStripsExtensions(t *testing.T) {
	req := "GET /path HTTP/2\r\nHost: original.example:80\r\n" +
		"Sec-WebSocket-Extensions: permessage-deflate\r\n" +
		"Accept: */*\r\n\r\nbody-bytes"

	out, found := rewriteHTTPRequest([]byte(req), "upstream.internal:9090")
	require.True(t, found)

	s := string(out)
	assert.Contains(t, s, "GET /path HTTP/1.1\r\n")
	assert.Contains(t, s, "Host: upstream.internal:9090\r\n")
	assert.NotContains(t, s, "Sec-WebSocket-Extensions")
	assert.Contains(t, s, "body-bytes")
}

func TestRewriteHTTPRequestCaseInsensitiveHeaders(t *testing.T) {
	req := "GET / HTTP/1.1\r\nhost: old:1\r\nSEC-WEBSOCKET-EXTENSIONS: x\r\n\r\n"
	out, found := rewriteHTTPRequest([]byte(req), "new:2")
	require.True(t, found)
	s := string(out)
	assert.Contains(t, s, "Host: new:2\r\n")
	assert.NotContains(t, s, "EXTENSIONS")
}

func TestRewriteHTTPRequestLeavesOtherVersionsAlone(t *testing.T) {
	req := "GET / HTTP/1.0\r\nHost: a\r\n\r\n"
	out, found := rewriteHTTPRequest([]byte(req), "b:1")
	require.True(t, found)
	assert.Contains(t, string(out), "GET / HTTP/1.0\r\n")
}

func TestRewriteHTTPRequestNoTerminatorYet(t *testing.T) {
	_, found := rewriteHTTPRequest([]byte("GET / HTTP/1.1\r\nHost: a\r\n"), "b:1")
	assert.False(t, found)
}

func TestForwardingFidelityWhenNoRewritableLines(t *testing.T) {
	req := "GET / HTTP/1.1\r\nAccept: */*\r\n\r\n"
	out, found := rewriteHTTPRequest([]byte(req), "b:1")
	require.True(t, found)
	assert.Equal(t, req, string(out))
}
