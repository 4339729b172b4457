package stream

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// wsFrameHeader is the parsed fixed+variable header of one RFC 6455
// frame (spec.md §4.4).
type wsFrameHeader struct {
	fin        bool
	opcode     byte
	masked     bool
	mask       [4]byte
	payloadLen uint64
	headerLen  int
}

const wsContinuationOpcode = 0x0

// parseWSFrame attempts to parse one complete frame (header + payload)
// from buf. ok is false if buf does not yet hold a complete frame.
func parseWSFrame(buf []byte) (hdr wsFrameHeader, ok bool) {
	if len(buf) < 2 {
		return hdr, false
	}
	b0, b1 := buf[0], buf[1]
	hdr.fin = b0&0x80 != 0
	hdr.opcode = b0 & 0x0F
	hdr.masked = b1&0x80 != 0
	length7 := b1 & 0x7F

	pos := 2
	switch {
	case length7 < 126:
		hdr.payloadLen = uint64(length7)
	case length7 == 126:
		if len(buf) < pos+2 {
			return hdr, false
		}
		hdr.payloadLen = uint64(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
	default: // 127
		if len(buf) < pos+8 {
			return hdr, false
		}
		hdr.payloadLen = binary.BigEndian.Uint64(buf[pos : pos+8])
		pos += 8
	}

	if hdr.masked {
		if len(buf) < pos+4 {
			return hdr, false
		}
		copy(hdr.mask[:], buf[pos:pos+4])
		pos += 4
	}
	hdr.headerLen = pos

	if uint64(len(buf)) < uint64(pos)+hdr.payloadLen {
		return hdr, false
	}
	return hdr, true
}

func unmaskInPlace(payload []byte, mask [4]byte) {
	for i := range payload {
		payload[i] ^= mask[i%4]
	}
}

// tileMask repeats mask cyclically to produce n bytes, matching the
// keystream XORed into a masked payload of length n.
func tileMask(mask [4]byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = mask[i%4]
	}
	return out
}

func wsMessageTypeName(opcode byte) string {
	switch opcode {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	default:
		return fmt.Sprintf("unknown %d", opcode)
	}
}

func wsControlNotes(opcode byte) string {
	switch opcode {
	case websocket.CloseMessage:
		return "close"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	default:
		return fmt.Sprintf("unknown op %d", opcode)
	}
}

// stateWebSocket is the RFC 6455 frame reassembler of spec.md §4.4. It
// is invoked once per Data() call for every complete frame currently
// buffered, driven by the outer Follower.Data loop via repeated
// "websocket" -> "websocket" transitions.
func stateWebSocket(f *Follower) stepResult {
	if len(f.buf) == 0 {
		return needMore()
	}

	// Even a partial header (as little as one byte) is enough to know
	// whether this frame is control or data, so the begin-time it
	// contributes to is set before we know whether the frame is
	// complete (spec.md §4.4).
	isControl := f.buf[0]&0x08 != 0
	if isControl {
		if f.wsCtrlStart.IsZero() {
			f.wsCtrlStart = f.end
		}
	} else {
		if f.wsDataStart.IsZero() {
			f.wsDataStart = f.end
		}
	}

	hdr, ok := parseWSFrame(f.buf)
	if !ok {
		return needMore()
	}

	frameTotal := hdr.headerLen + int(hdr.payloadLen)
	headerBytes := append([]byte(nil), f.buf[:hdr.headerLen]...)
	payload := append([]byte(nil), f.buf[hdr.headerLen:frameTotal]...)
	f.buf = f.buf[frameTotal:]

	if hdr.masked {
		unmaskInPlace(payload, hdr.mask)
	}

	if isControl {
		headings := headerBytes
		if hdr.masked {
			headings = append(append([]byte(nil), headerBytes...), tileMask(hdr.mask, len(payload))...)
		}
		begin, end := f.wsCtrlStart, f.end
		f.wsCtrlStart = time.Time{}
		if err := f.emitAt(eventFields{
			Notes:    wsControlNotes(hdr.opcode),
			Headings: headings,
			Body:     payload,
		}, begin, end); err != nil {
			return stepResult{err: err}
		}
		if hdr.opcode == websocket.CloseMessage {
			return transition("eof")
		}
		return transition("websocket")
	}

	if !hdr.fin && hdr.opcode != wsContinuationOpcode {
		// Initial fragment of a fragmented message.
		f.wsFragHeader = headerBytes
		f.wsFragType = wsMessageTypeName(hdr.opcode)
		f.wsAccum = append([]byte(nil), payload...)
		return transition("websocket")
	}

	if !hdr.fin && hdr.opcode == wsContinuationOpcode {
		// Continuation fragment.
		f.wsAccum = append(f.wsAccum, payload...)
		return transition("websocket")
	}

	// FIN=1: either an unfragmented message or the final fragment.
	var typeName string
	var headerForEvent []byte
	var body []byte
	if hdr.opcode != wsContinuationOpcode {
		typeName = wsMessageTypeName(hdr.opcode)
		headerForEvent = headerBytes
		body = payload
	} else {
		typeName = f.wsFragType
		headerForEvent = f.wsFragHeader
		body = append(f.wsAccum, payload...)
	}

	begin, end := f.wsDataStart, f.end
	f.wsAccum = nil
	f.wsFragType = ""
	f.wsFragHeader = nil
	f.wsDataStart = time.Time{}
	if err := f.emitAt(eventFields{Notes: typeName, Headings: headerForEvent, Body: body}, begin, end); err != nil {
		return stepResult{err: err}
	}
	return transition("websocket")
}
