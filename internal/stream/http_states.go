package stream

import (
	"fmt"
	"strconv"
	"strings"
)

// stateHTTP is the initial state for both directions (spec.md §4.3).
// It waits for the header-block terminator, then decides the body
// framing for the message that follows.
func stateHTTP(f *Follower) stepResult {
	off, termLen, found := findHeaderTerminator(f.buf)
	if !found {
		return needMore()
	}

	block := append([]byte(nil), f.buf[:off]...)
	consumed := off + termLen
	status := statusLine(block)

	post := "eof"
	if headerContainsToken(block, "Connection", "keep-alive") {
		post = "http"
	}

	decoder, warn := chooseDecoder(block)
	if warn {
		warnf("unknown content-encoding, falling back to identity")
	}

	if headerContainsToken(block, "Connection", "upgrade") && headerContainsToken(block, "Upgrade", "websocket") {
		f.buf = f.buf[consumed:]
		if err := f.emit(eventFields{Notes: "websocket upgrade", Headings: block}); err != nil {
			return stepResult{err: err}
		}
		f.resetHTTPScratch()
		f.initWebSocketScratch()
		return transition("websocket")
	}

	if n, ok := contentLengthOf(block); ok {
		f.buf = f.buf[consumed:]
		f.statusLine = status
		f.headerBlock = block
		f.postBodyState = post
		f.decoder = decoder
		f.contentLength = n
		if err := f.emit(eventFields{Notes: fmt.Sprintf("content-length: %d", n), Headings: block}); err != nil {
			return stepResult{err: err}
		}
		return transition("http_length")
	}

	if headerContainsToken(block, "Transfer-Encoding", "chunked") {
		f.buf = f.buf[consumed:]
		f.statusLine = status
		f.headerBlock = block
		f.postBodyState = post
		f.decoder = decoder
		f.chunkAccum = nil
		if err := f.emit(eventFields{Notes: "transfer-encoding: chunked", Headings: block}); err != nil {
			return stepResult{err: err}
		}
		return transition("http_chunked")
	}

	f.buf = f.buf[consumed:]
	if err := f.emit(eventFields{Notes: status, Headings: block}); err != nil {
		return stepResult{err: err}
	}
	return transition(post)
}

// stateHTTPLength waits for the declared Content-Length body to fully
// arrive, then emits one event and returns to the post-body state.
func stateHTTPLength(f *Follower) stepResult {
	if len(f.buf) < f.contentLength {
		return needMore()
	}
	raw := f.buf[:f.contentLength]
	f.buf = f.buf[f.contentLength:]

	decoded, err := decodeBody(f.decoder, raw)
	if err != nil {
		warnf("body decode: %v", err)
	}

	status, headers, post := f.statusLine, f.headerBlock, f.postBodyState
	f.resetHTTPScratch()
	if err := f.emit(eventFields{Notes: status, Headings: headers, Body: decoded}); err != nil {
		return stepResult{err: err}
	}
	return transition(post)
}

// stateHTTPChunked iteratively parses chunk-size/body/CRLF triples
// (spec.md §4.3). Intermediate chunks emit nothing; the zero-size
// terminal chunk emits one event with the full decoded accumulator.
func stateHTTPChunked(f *Follower) stepResult {
	for {
		nl := indexByte(f.buf, '\n')
		if nl < 0 {
			return needMore()
		}
		line := f.buf[:nl]
		line = trimCR(line)
		sizeField := line
		if semi := indexByte(line, ';'); semi >= 0 {
			sizeField = line[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(string(sizeField)), 16, 64)
		if err != nil || size < 0 {
			warnf("malformed chunk size %q, aborting to eof", string(sizeField))
			f.buf = nil
			status, headers, post := f.statusLine, f.headerBlock, f.postBodyState
			decoded, _ := decodeBody(f.decoder, f.chunkAccum)
			f.resetHTTPScratch()
			if err := f.emit(eventFields{Notes: status, Headings: headers, Body: decoded}); err != nil {
				return stepResult{err: err}
			}
			return transition(post)
		}

		headerLen := nl + 1
		need := headerLen + int(size) + 2
		if len(f.buf) < need {
			return needMore()
		}

		if size == 0 {
			f.buf = f.buf[need:]
			status, headers, post := f.statusLine, f.headerBlock, f.postBodyState
			decoded, derr := decodeBody(f.decoder, f.chunkAccum)
			if derr != nil {
				warnf("body decode: %v", derr)
			}
			f.resetHTTPScratch()
			if err := f.emit(eventFields{Notes: status, Headings: headers, Body: decoded}); err != nil {
				return stepResult{err: err}
			}
			return transition(post)
		}

		f.chunkAccum = append(f.chunkAccum, f.buf[headerLen:headerLen+int(size)]...)
		f.buf = f.buf[need:]
	}
}

// stateEOF indicates the protocol-level stream has ended (spec.md
// §4.3). Any further bytes are a protocol surprise: warn and discard.
func stateEOF(f *Follower) stepResult {
	if len(f.buf) == 0 {
		return needMore()
	}
	warnf("discarding %d bytes received after eof (conn %d, dir %s)", len(f.buf), f.connID, f.dir)
	f.buf = nil
	return needMore()
}

// stateClosed is terminal: any data arrival here is an invariant
// violation, fatal to this connection's processing (spec.md §3, §7).
func stateClosed(f *Follower) stepResult {
	if len(f.buf) == 0 {
		return needMore()
	}
	return stepResult{err: &ErrDataAfterClose{ConnID: f.connID}}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}
