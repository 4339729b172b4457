package proxyloop

import (
	"bytes"

	"github.com/spencertipping/sockpuppet/internal/stream"
)

// rewriteHTTPRequest implements spec.md §4.2.1: locate the header
// terminator in buf; if found, rewrite the request-line HTTP version
// to HTTP/1.1, replace any Host header with upstreamHostPort, strip any
// Sec-WebSocket-Extensions header, and reassemble.
//
// Per spec.md §9's Open Question, the HTTP/2 token is replaced with a
// clean `s/HTTP\/2\S*/HTTP\/1.1/` -- not the `^`-prefixed
// replacement the original source's formula produces, which looks like
// a bug rather than intended behavior.
func rewriteHTTPRequest(buf []byte, upstreamHostPort string) (rewritten []byte, found bool) {
	off, termLen, ok := stream.FindHeaderTerminator(buf)
	if !ok {
		return nil, false
	}
	headerBlock := buf[:off]
	body := buf[off+termLen:]

	lines := bytes.Split(headerBlock, []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimSuffix(line, []byte("\r"))
	}
	if len(lines) > 0 {
		lines[0] = rewriteRequestLineVersion(lines[0])
	}

	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		if headerNamed(line, "Host") {
			out = append(out, []byte("Host: "+upstreamHostPort))
			continue
		}
		if headerNamed(line, "Sec-WebSocket-Extensions") {
			continue
		}
		out = append(out, line)
	}

	rebuilt := bytes.Join(out, []byte("\r\n"))
	rebuilt = append(rebuilt, '\r', '\n', '\r', '\n')
	rebuilt = append(rebuilt, body...)
	return rebuilt, true
}

// headerNamed reports whether line is a header line named name
// (case-insensitive, tolerant of horizontal whitespace around ':').
func headerNamed(line []byte, name string) bool {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return false
	}
	key := bytes.TrimSpace(line[:colon])
	return bytes.EqualFold(key, []byte(name))
}

// rewriteRequestLineVersion replaces an "HTTP/2..." version token on
// the request line with "HTTP/1.1", leaving any other version
// (HTTP/1.0, HTTP/1.1) unchanged.
func rewriteRequestLineVersion(line []byte) []byte {
	idx := bytes.Index(line, []byte("HTTP/2"))
	if idx < 0 {
		return line
	}
	end := idx + len("HTTP/2")
	for end < len(line) && !isSpace(line[end]) {
		end++
	}
	out := make([]byte, 0, len(line)-(end-idx)+len("HTTP/1.1"))
	out = append(out, line[:idx]...)
	out = append(out, []byte("HTTP/1.1")...)
	out = append(out, line[end:]...)
	return out
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\r' || b == '\n' }
