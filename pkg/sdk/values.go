package sdk

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-faster/errors"

	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/gear6io/polycall/server/protocols/bridge"
)

// ParseArg reads a scalar written as "type:value", for example "int32:42"
// or "string:hello". A bare value without a type is a string.
func ParseArg(s string) (types.Value, error) {
	name, raw, ok := strings.Cut(s, ":")
	if !ok {
		return types.String(s), nil
	}
	tag, err := types.ParseTag(name)
	if err != nil {
		// "host:port" and similar are plain strings
		return types.String(s), nil
	}

	switch tag {
	case types.TagString:
		return types.String(raw), nil
	case types.TagBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return types.Value{}, errors.Wrapf(err, "parse %q", s)
		}
		return types.Bool(b), nil
	case types.TagInt8, types.TagInt16, types.TagInt32, types.TagInt64:
		n, err := strconv.ParseInt(raw, 0, bitSize(tag))
		if err != nil {
			return types.Value{}, errors.Wrapf(err, "parse %q", s)
		}
		switch tag {
		case types.TagInt8:
			return types.Int8(int8(n)), nil
		case types.TagInt16:
			return types.Int16(int16(n)), nil
		case types.TagInt32:
			return types.Int32(int32(n)), nil
		default:
			return types.Int64(n), nil
		}
	case types.TagUint8, types.TagUint16, types.TagUint32, types.TagUint64:
		n, err := strconv.ParseUint(raw, 0, bitSize(tag))
		if err != nil {
			return types.Value{}, errors.Wrapf(err, "parse %q", s)
		}
		switch tag {
		case types.TagUint8:
			return types.Uint8(uint8(n)), nil
		case types.TagUint16:
			return types.Uint16(uint16(n)), nil
		case types.TagUint32:
			return types.Uint32(uint32(n)), nil
		default:
			return types.Uint64(n), nil
		}
	case types.TagFloat:
		f, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return types.Value{}, errors.Wrapf(err, "parse %q", s)
		}
		return types.Float(float32(f)), nil
	case types.TagDouble:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return types.Value{}, errors.Wrapf(err, "parse %q", s)
		}
		return types.Double(f), nil
	default:
		return types.Value{}, errors.Errorf("type %s cannot be written on the command line", tag)
	}
}

// ParseArgs applies ParseArg to each element
func ParseArgs(in []string) ([]types.Value, error) {
	out := make([]types.Value, 0, len(in))
	for _, s := range in {
		v, err := ParseArg(s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// FormatValue renders v as JSON in its textual value form
func FormatValue(v types.Value) (string, error) {
	jv, err := bridge.ToJSONValue(v)
	if err != nil {
		return "", errors.Wrap(err, "render value")
	}
	data, err := json.Marshal(jv)
	if err != nil {
		return "", errors.Wrap(err, "marshal value")
	}
	return string(data), nil
}

func bitSize(tag types.Tag) int {
	switch tag {
	case types.TagInt8, types.TagUint8:
		return 8
	case types.TagInt16, types.TagUint16:
		return 16
	case types.TagInt32, types.TagUint32:
		return 32
	default:
		return 64
	}
}
