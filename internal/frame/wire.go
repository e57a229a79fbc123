package frame

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tag identifies which message field a key byte refers to; wireType
// identifies how its value is laid out. Every field in the payload
// begins with one key byte packing both: tag<<3 | wireType.
type wireType byte

const (
	wireVarint wireType = 0
	wireFixed64 wireType = 1
	wireBytes   wireType = 2
)

const (
	tagUuid       = 1
	tagTimestamp  = 2
	tagType       = 3
	tagLogger     = 4
	tagSeverity   = 5
	tagPayload    = 6
	tagEnvVersion = 7
	tagPid        = 8
	tagHostname   = 9
	tagField      = 10
)

var expectedWireType = map[byte]wireType{
	tagUuid:       wireBytes,
	tagTimestamp:  wireVarint,
	tagType:       wireBytes,
	tagLogger:     wireBytes,
	tagSeverity:   wireVarint,
	tagPayload:    wireBytes,
	tagEnvVersion: wireBytes,
	tagPid:        wireVarint,
	tagHostname:   wireBytes,
	tagField:      wireBytes,
}

func key(tag byte, wt wireType) byte {
	return tag<<3 | byte(wt)
}

func splitKey(k byte) (tag byte, wt wireType) {
	return k >> 3, wireType(k & 0x7)
}

func zigzagEncode(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func zigzagDecode(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// EncodeMessage renders m into its tagged wire payload. Callers pass the
// result to Encode to produce a full on-disk frame.
func EncodeMessage(m *Message) []byte {
	buf := make([]byte, 0, 128)

	buf = appendBytesField(buf, tagUuid, m.Uuid[:])
	buf = appendVarintField(buf, tagTimestamp, m.Timestamp)
	buf = appendStringField(buf, tagType, m.Type)
	buf = appendStringField(buf, tagLogger, m.Logger)
	buf = appendVarintField(buf, tagSeverity, int64(m.Severity))
	buf = appendStringField(buf, tagPayload, m.Payload)
	buf = appendStringField(buf, tagEnvVersion, m.EnvVersion)
	buf = appendVarintField(buf, tagPid, int64(m.Pid))
	buf = appendStringField(buf, tagHostname, m.Hostname)

	for _, f := range m.Fields {
		sub := encodeField(f)
		buf = appendBytesField(buf, tagField, sub)
	}

	return buf
}

// DecodeMessage parses a tagged wire payload back into a Message. It
// validates every (tag, wire-type) pair, rejects unknown tags, and
// requires identifier and timestamp to be present.
func DecodeMessage(payload []byte) (*Message, error) {
	m := &Message{}
	pos := 0
	haveUuid := false
	haveTimestamp := false

	for pos < len(payload) {
		k := payload[pos]
		pos++
		tag, wt := splitKey(k)

		want, known := expectedWireType[tag]
		if !known || want != wt {
			return nil, fmt.Errorf("%w: unknown or mistyped tag %d", DecodeError, tag)
		}

		switch wt {
		case wireVarint:
			v, n, err := readZigzagVarint(payload[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			switch tag {
			case tagTimestamp:
				m.Timestamp = v
				haveTimestamp = true
			case tagSeverity:
				m.Severity = int32(v)
			case tagPid:
				m.Pid = int32(v)
			}

		case wireBytes:
			v, n, err := readLenPrefixed(payload[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			switch tag {
			case tagUuid:
				if len(v) != 16 {
					return nil, fmt.Errorf("%w: uuid field is %d bytes, want 16", DecodeError, len(v))
				}
				copy(m.Uuid[:], v)
				haveUuid = true
			case tagType:
				m.Type = string(v)
			case tagLogger:
				m.Logger = string(v)
			case tagPayload:
				m.Payload = string(v)
			case tagEnvVersion:
				m.EnvVersion = string(v)
			case tagHostname:
				m.Hostname = string(v)
			case tagField:
				f, err := decodeField(v)
				if err != nil {
					return nil, err
				}
				m.Fields = append(m.Fields, f)
			}

		default:
			return nil, fmt.Errorf("%w: fixed64 not used at top level", DecodeError)
		}
	}

	if !haveUuid || !haveTimestamp || !m.Valid() {
		return nil, fmt.Errorf("%w: missing identifier or timestamp", DecodeError)
	}

	return m, nil
}

func appendVarintField(buf []byte, tag byte, v int64) []byte {
	buf = append(buf, key(tag, wireVarint))
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], zigzagEncode(v))
	return append(buf, tmp[:n]...)
}

func appendStringField(buf []byte, tag byte, s string) []byte {
	return appendBytesField(buf, tag, []byte(s))
}

func appendBytesField(buf []byte, tag byte, v []byte) []byte {
	buf = append(buf, key(tag, wireBytes))
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(v)))
	buf = append(buf, tmp[:n]...)
	return append(buf, v...)
}

func readZigzagVarint(b []byte) (int64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, fmt.Errorf("%w: truncated varint", DecodeError)
	}
	return zigzagDecode(v), n, nil
}

func readLenPrefixed(b []byte) ([]byte, int, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, 0, fmt.Errorf("%w: truncated length prefix", DecodeError)
	}
	if l > uint64(len(b)-n) {
		return nil, 0, fmt.Errorf("%w: length-delimited field overruns payload", DecodeError)
	}
	start := n
	end := n + int(l)
	return b[start:end], end, nil
}

// encodeField lays out one user field as:
//
//	[type byte][name: len+bytes][representation: len+bytes][count varint][values...]
//
// Value encoding depends on Type: string/bytes are len+bytes, integer is
// a zigzag varint, double is 8 little-endian bytes, bool is one byte.
func encodeField(f Field) []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(f.Type))
	buf = appendLenPrefixed(buf, []byte(f.Name))
	buf = appendLenPrefixed(buf, []byte(f.Representation))

	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(f.Values)))
	buf = append(buf, tmp[:n]...)

	for _, v := range f.Values {
		switch f.Type {
		case ValueString:
			buf = appendLenPrefixed(buf, []byte(v.Str))
		case ValueBytes:
			buf = appendLenPrefixed(buf, v.Bytes)
		case ValueInteger:
			n := binary.PutUvarint(tmp[:], zigzagEncode(v.Int))
			buf = append(buf, tmp[:n]...)
		case ValueDouble:
			var bits [8]byte
			binary.LittleEndian.PutUint64(bits[:], math.Float64bits(v.Double))
			buf = append(buf, bits[:]...)
		case ValueBool:
			b := byte(0)
			if v.Bool {
				b = 1
			}
			buf = append(buf, b)
		}
	}

	return buf
}

func decodeField(b []byte) (Field, error) {
	if len(b) < 1 {
		return Field{}, fmt.Errorf("%w: empty field payload", DecodeError)
	}
	typ := ValueType(b[0])
	pos := 1

	name, n, err := readLenPrefixed(b[pos:])
	if err != nil {
		return Field{}, err
	}
	pos += n

	repr, n, err := readLenPrefixed(b[pos:])
	if err != nil {
		return Field{}, err
	}
	pos += n

	count, n := binary.Uvarint(b[pos:])
	if n <= 0 {
		return Field{}, fmt.Errorf("%w: truncated field value count", DecodeError)
	}
	pos += n

	f := Field{Name: string(name), Type: typ, Representation: string(repr)}

	for i := uint64(0); i < count; i++ {
		switch typ {
		case ValueString:
			v, n, err := readLenPrefixed(b[pos:])
			if err != nil {
				return Field{}, err
			}
			pos += n
			f.Values = append(f.Values, FieldValue{Str: string(v)})
		case ValueBytes:
			v, n, err := readLenPrefixed(b[pos:])
			if err != nil {
				return Field{}, err
			}
			pos += n
			f.Values = append(f.Values, FieldValue{Bytes: append([]byte(nil), v...)})
		case ValueInteger:
			v, n, err := readZigzagVarint(b[pos:])
			if err != nil {
				return Field{}, err
			}
			pos += n
			f.Values = append(f.Values, FieldValue{Int: v})
		case ValueDouble:
			if pos+8 > len(b) {
				return Field{}, fmt.Errorf("%w: truncated double value", DecodeError)
			}
			bits := binary.LittleEndian.Uint64(b[pos : pos+8])
			pos += 8
			f.Values = append(f.Values, FieldValue{Double: math.Float64frombits(bits)})
		case ValueBool:
			if pos >= len(b) {
				return Field{}, fmt.Errorf("%w: truncated bool value", DecodeError)
			}
			f.Values = append(f.Values, FieldValue{Bool: b[pos] != 0})
			pos++
		default:
			return Field{}, fmt.Errorf("%w: unknown field value type %d", DecodeError, typ)
		}
	}

	return f, nil
}

func appendLenPrefixed(buf, v []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(v)))
	buf = append(buf, tmp[:n]...)
	return append(buf, v...)
}
