package stream

import (
	"bytes"
	"strconv"
	"strings"
)

// findHeaderTerminator locates the first header-block terminator in
// buf, tolerating both "\r\n\r\n" and a bare "\n\n" (spec.md §4.1 and
// §4.3 both specify the regex \r?\n\r?\n). It returns the offset of the
// first byte of the terminator and its length.
// FindHeaderTerminator exposes findHeaderTerminator for callers outside
// this package that need to locate the same \r?\n\r?\n boundary before
// a Follower ever sees the bytes (the uplink request rewrite in
// internal/proxyloop runs before the rewritten request reaches the
// follower).
func FindHeaderTerminator(buf []byte) (offset, length int, found bool) {
	return findHeaderTerminator(buf)
}

func findHeaderTerminator(buf []byte) (offset, length int, found bool) {
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		j := i + 1
		// second line ending must start at j, optionally preceded by
		// nothing else (we're already positioned right after the first
		// \n).
		if j < len(buf) && buf[j] == '\r' {
			if j+1 < len(buf) && buf[j+1] == '\n' {
				start := i
				if i > 0 && buf[i-1] == '\r' {
					start = i - 1
				}
				return start, (j + 2) - start, true
			}
			continue
		}
		if j < len(buf) && buf[j] == '\n' {
			start := i
			if i > 0 && buf[i-1] == '\r' {
				start = i - 1
			}
			return start, (j + 1) - start, true
		}
	}
	return 0, 0, false
}

// headerValue returns the value of the first header named name
// (case-insensitive, tolerant of horizontal whitespace around ':'),
// searching the raw header block (status line + header lines,
// CRLF-or-LF separated, no terminator).
func headerValue(block []byte, name string) (string, bool) {
	lower := strings.ToLower(name)
	lines := splitLines(block)
	for _, line := range lines {
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(string(line[:colon])))
		if key != lower {
			continue
		}
		return strings.TrimSpace(string(line[colon+1:])), true
	}
	return "", false
}

// headerContainsToken reports whether the named header's value contains
// token as a comma-separated element, case-insensitively (used for
// Connection: keep-alive / upgrade, which may list multiple tokens).
func headerContainsToken(block []byte, name, token string) bool {
	v, ok := headerValue(block, name)
	if !ok {
		return false
	}
	token = strings.ToLower(token)
	for _, part := range strings.Split(v, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == token {
			return true
		}
	}
	return false
}

func splitLines(block []byte) [][]byte {
	var lines [][]byte
	for _, raw := range bytes.Split(block, []byte("\n")) {
		line := bytes.TrimSuffix(raw, []byte("\r"))
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// statusLine returns the first line of the header block.
func statusLine(block []byte) string {
	lines := splitLines(block)
	if len(lines) == 0 {
		return ""
	}
	return string(lines[0])
}

// contentLengthOf parses the Content-Length header, if present.
func contentLengthOf(block []byte) (int, bool) {
	v, ok := headerValue(block, "Content-Length")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
