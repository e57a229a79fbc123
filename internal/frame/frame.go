// Package frame implements the on-disk record envelope used by every
// queue (input and analysis): a length-prefixed frame wrapping a tagged
// message payload, plus the scanning logic a reader uses to resume in
// the middle of a log file and resynchronize after corruption.
package frame

import (
	"encoding/binary"
	"errors"
)

const (
	// StartByte marks the beginning of a frame and doubles as the resync
	// marker: if decoding fails partway through, the scanner looks for
	// the next occurrence of this byte rather than giving up.
	StartByte byte = 0x1e
	// Terminator must appear immediately after the header bytes.
	Terminator byte = 0x1f
	// headerTag is the fixed (tag=1, wiretype=varint) key byte that
	// begins every frame header, encoding the payload length.
	headerTag byte = 0x08

	// maxHeaderLen bounds the 1-byte header length field.
	maxHeaderLen = 255
)

// DecodeError reports a structural problem with a frame; callers treat it
// as "skip one byte past the start marker and keep scanning" rather than
// propagating it.
var DecodeError = errors.New("frame: decode error")

// Result describes the outcome of a single Scan call.
type Result int

const (
	// Found indicates a complete, valid frame was decoded.
	Found Result = iota
	// Resync indicates the scanner hit a structural inconsistency and
	// advanced past one start byte; the caller should retry.
	Resync
	// NeedMore indicates a start byte was found but the buffer does not
	// yet contain the full frame; the caller should refill and retry
	// without advancing scanpos.
	NeedMore
	// NotFound indicates no start byte exists at or after the given
	// position; the caller should advance to len(buf) and refill.
	NotFound
)

// Encode writes a complete frame (start byte, header, terminator,
// payload) wrapping the given pre-encoded message payload.
func Encode(payload []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))

	header := make([]byte, 0, 1+n)
	header = append(header, headerTag)
	header = append(header, lenBuf[:n]...)
	if len(header) > maxHeaderLen {
		// payload lengths large enough to need a >254 byte varint would
		// imply multi-petabyte messages; not reachable in practice, but
		// guarded rather than silently truncated.
		panic("frame: header too long to encode in one byte")
	}

	out := make([]byte, 0, 3+len(header)+len(payload))
	out = append(out, StartByte, byte(len(header)))
	out = append(out, header...)
	out = append(out, Terminator)
	out = append(out, payload...)
	return out
}

// Scan looks for one frame in buf[scanpos:readpos]. On Found, it returns
// the payload slice (aliasing buf) and the position just past the frame.
// On Resync, the caller should retry scanning from the returned position
// (one past the rejected start byte). On NeedMore (position of the
// partial frame's start byte) and NotFound (position readpos), the
// caller should refill the buffer.
func Scan(buf []byte, scanpos, readpos int) (payload []byte, next int, result Result) {
	avail := buf[scanpos:readpos]

	start := -1
	for i, b := range avail {
		if b == StartByte {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, readpos, NotFound
	}

	base := scanpos + start
	rel := avail[start:]

	if len(rel) < 2 {
		return nil, base, NeedMore
	}
	headerLen := int(rel[1])
	need := 2 + headerLen + 1 // start + H byte + header + terminator
	if len(rel) < need {
		return nil, base, NeedMore
	}

	header := rel[2 : 2+headerLen]
	if headerLen == 0 || header[0] != headerTag {
		return nil, base + 1, Resync
	}

	payloadLen, n := binary.Uvarint(header[1:])
	if n <= 0 {
		return nil, base + 1, Resync
	}

	if rel[2+headerLen] != Terminator {
		return nil, base + 1, Resync
	}

	payloadStart := need
	payloadEnd := payloadStart + int(payloadLen)
	if payloadLen > uint64(len(rel)-payloadStart) {
		// Payload not fully buffered yet; caller should refill without
		// treating this as corruption.
		if int(payloadLen) > maxReasonablePayload {
			return nil, base + 1, Resync
		}
		return nil, base, NeedMore
	}

	return rel[payloadStart:payloadEnd], base + payloadEnd, Found
}

// maxReasonablePayload rejects absurd varint-decoded lengths (corruption)
// instead of waiting forever for a refill that will never satisfy them.
const maxReasonablePayload = 256 * 1024 * 1024
