package modbus

import (
	"encoding/binary"
	"math"

	"github.com/cuemby/fieldbus/pkg/errcode"
	"github.com/cuemby/fieldbus/pkg/tag"
)

// registerCount returns how many 16-bit Modbus registers t's value
// occupies.
func registerCount(t *tag.Tag) int {
	switch t.Type {
	case tag.TypeInt8, tag.TypeUint8, tag.TypeBool, tag.TypeBit, tag.TypeInt16, tag.TypeUint16, tag.TypeWord:
		return 1
	case tag.TypeInt32, tag.TypeUint32, tag.TypeFloat, tag.TypeDword:
		return 2
	case tag.TypeInt64, tag.TypeUint64, tag.TypeDouble, tag.TypeLword:
		return 4
	case tag.TypeBytes:
		return (t.Option.Bytes.Length + 1) / 2
	case tag.TypeString:
		return (t.Option.String.Length + 1) / 2
	default:
		return 1
	}
}

// decodeValue interprets data — a Modbus register window's raw bytes,
// already big-endian per register as the wire protocol defines — into
// t's declared type, applying the byte-swap option parsed onto t.
func decodeValue(t *tag.Tag, data []byte) (any, error) {
	switch t.Type {
	case tag.TypeBool:
		return data[1] != 0, nil
	case tag.TypeBit:
		word := binary.BigEndian.Uint16(data)
		bit := t.Option.Bit.Bit
		return (word>>uint(bit))&1 == 1, nil
	case tag.TypeInt8:
		return int64(int8(data[1])), nil
	case tag.TypeUint8:
		return int64(data[1]), nil
	case tag.TypeInt16:
		return int64(int16(decode16(data, t.Option.Value16.Endian))), nil
	case tag.TypeUint16, tag.TypeWord:
		return int64(decode16(data, t.Option.Value16.Endian)), nil
	case tag.TypeInt32:
		return int64(int32(decode32(data, t.Option.Value32.Endian))), nil
	case tag.TypeUint32, tag.TypeDword:
		return int64(decode32(data, t.Option.Value32.Endian)), nil
	case tag.TypeFloat:
		return float64(math.Float32frombits(decode32(data, t.Option.Value32.Endian))), nil
	case tag.TypeInt64:
		return int64(decode64(data, t.Option.Value64.Endian)), nil
	case tag.TypeUint64, tag.TypeLword:
		return decode64(data, t.Option.Value64.Endian), nil
	case tag.TypeDouble:
		return math.Float64frombits(decode64(data, t.Option.Value64.Endian)), nil
	case tag.TypeBytes:
		n := t.Option.Bytes.Length
		if n > len(data) {
			n = len(data)
		}
		out := make([]byte, n)
		copy(out, data[:n])
		return out, nil
	case tag.TypeString:
		return decodeString(data, t.Option.String), nil
	default:
		return nil, errcode.New(errcode.TagTypeMismatch, "modbus: unsupported tag type for decode")
	}
}

func decode16(data []byte, endian tag.Endian16) uint16 {
	if endian == tag.Endian16Big {
		return binary.BigEndian.Uint16(data)
	}
	return binary.LittleEndian.Uint16(data[:2])
}

func decode32(data []byte, endian tag.Endian32) uint32 {
	b := append([]byte(nil), data[:4]...)
	switch endian {
	case tag.Endian32BB:
		// registers big-endian, words high-first: wire order already matches.
	case tag.Endian32BL:
		b[0], b[1], b[2], b[3] = b[2], b[3], b[0], b[1]
	case tag.Endian32LB:
		b[0], b[1] = b[1], b[0]
		b[2], b[3] = b[3], b[2]
	case tag.Endian32LL:
		b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	}
	return binary.BigEndian.Uint32(b)
}

func decode64(data []byte, endian tag.Endian64) uint64 {
	b := append([]byte(nil), data[:8]...)
	if endian == tag.Endian64Little {
		for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
			b[i], b[j] = b[j], b[i]
		}
	}
	return binary.BigEndian.Uint64(b)
}

func decodeString(data []byte, opt tag.StringOption) string {
	n := opt.Length
	if n > len(data) {
		n = len(data)
	}
	raw := data[:n]
	out := make([]byte, n)
	switch opt.Encoding {
	case tag.StringLow:
		for i := 0; i+1 < n; i += 2 {
			out[i], out[i+1] = raw[i+1], raw[i]
		}
		if n%2 == 1 {
			out[n-1] = raw[n-1]
		}
	default:
		copy(out, raw)
	}
	return string(out)
}

// encodeValue converts value, typed per t, into the register bytes
// Modbus expects on the wire, applying t's byte-swap option. The
// returned slice length is always registerCount(t)*2.
func encodeValue(t *tag.Tag, value any) ([]byte, error) {
	n := registerCount(t) * 2
	out := make([]byte, n)

	switch t.Type {
	case tag.TypeBool:
		b, ok := value.(bool)
		if !ok {
			return nil, errcode.New(errcode.TagTypeMismatch, "modbus: expected bool")
		}
		if b {
			out[1] = 1
		}
	case tag.TypeInt8, tag.TypeUint8:
		v, err := asInt64(value)
		if err != nil {
			return nil, err
		}
		out[1] = byte(v)
	case tag.TypeInt16, tag.TypeUint16, tag.TypeWord:
		v, err := asInt64(value)
		if err != nil {
			return nil, err
		}
		encode16(out, uint16(v), t.Option.Value16.Endian)
	case tag.TypeInt32, tag.TypeUint32, tag.TypeDword:
		v, err := asInt64(value)
		if err != nil {
			return nil, err
		}
		encode32(out, uint32(v), t.Option.Value32.Endian)
	case tag.TypeFloat:
		f, err := asFloat64(value)
		if err != nil {
			return nil, err
		}
		encode32(out, math.Float32bits(float32(f)), t.Option.Value32.Endian)
	case tag.TypeInt64, tag.TypeUint64, tag.TypeLword:
		v, err := asInt64(value)
		if err != nil {
			return nil, err
		}
		encode64(out, uint64(v), t.Option.Value64.Endian)
	case tag.TypeDouble:
		f, err := asFloat64(value)
		if err != nil {
			return nil, err
		}
		encode64(out, math.Float64bits(f), t.Option.Value64.Endian)
	default:
		return nil, errcode.New(errcode.TagTypeMismatch, "modbus: unsupported tag type for write")
	}
	return out, nil
}

func encode16(out []byte, v uint16, endian tag.Endian16) {
	binary.BigEndian.PutUint16(out, v)
	if endian != tag.Endian16Big {
		out[0], out[1] = out[1], out[0]
	}
}

func encode32(out []byte, v uint32, endian tag.Endian32) {
	binary.BigEndian.PutUint32(out, v)
	switch endian {
	case tag.Endian32BB:
	case tag.Endian32BL:
		out[0], out[1], out[2], out[3] = out[2], out[3], out[0], out[1]
	case tag.Endian32LB:
		out[0], out[1] = out[1], out[0]
		out[2], out[3] = out[3], out[2]
	case tag.Endian32LL:
		out[0], out[1], out[2], out[3] = out[3], out[2], out[1], out[0]
	}
}

func encode64(out []byte, v uint64, endian tag.Endian64) {
	binary.BigEndian.PutUint64(out, v)
	if endian == tag.Endian64Little {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
}

func asInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	default:
		return 0, errcode.New(errcode.TagTypeMismatch, "modbus: value is not numeric")
	}
}

func asFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	default:
		return 0, errcode.New(errcode.TagTypeMismatch, "modbus: value is not numeric")
	}
}
