package bridge

import (
	"encoding/binary"
	"strconv"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/types"
)

// Envelope wire format:
//
//	envelope := uvarint(count) value*
//	value    := tag:byte uvarint(len) body[len]
//
// Scalar bodies are little-endian and exactly as wide as the tag. Strings
// and callback names are raw UTF-8. Pointers and objects travel as 8-byte
// handles; their meaning is local to the sender.
//
//	struct body := string(name) uvarint(n) (string(field) value)*n
//	array body  := string(name) elemTag:byte string(elemName) uvarint(fixed) uvarint(n) value*n
//
// string(x) is uvarint(len(x)) followed by the bytes.

const maxEnvelopeDepth = 32

// EncodeArgs frames args as a count followed by one record per value
func EncodeArgs(args []types.Value) ([]byte, error) {
	w := NewPacketWriter()
	w.WriteUVarInt(uint64(len(args)))
	for i, v := range args {
		if err := writeValue(w, v, 0); err != nil {
			return nil, errors.AsError(err).AddContext("argument", strconv.Itoa(i))
		}
	}
	return w.Bytes(), nil
}

// DecodeArgs is the inverse of EncodeArgs. Trailing bytes are rejected.
func DecodeArgs(data []byte) ([]types.Value, error) {
	r := NewPacketReader(data)
	n, err := r.ReadUVarInt()
	if err != nil {
		return nil, err
	}
	// every record takes at least two bytes
	if n > uint64(r.Remaining()/2) {
		return nil, errors.New(errors.FFIConversionFailed, "argument count exceeds envelope", nil).
			AddContext("count", strconv.FormatUint(n, 10))
	}

	args := make([]types.Value, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := readValue(r, 0)
		if err != nil {
			return nil, errors.AsError(err).AddContext("argument", strconv.FormatUint(i, 10))
		}
		args = append(args, v)
	}
	if r.Remaining() != 0 {
		return nil, errors.New(errors.FFIConversionFailed, "trailing bytes after envelope", nil).
			AddContext("remaining", strconv.Itoa(r.Remaining()))
	}
	return args, nil
}

// EncodeValue frames a single value (a one-element envelope)
func EncodeValue(v types.Value) ([]byte, error) {
	return EncodeArgs([]types.Value{v})
}

// DecodeValue expects exactly one value
func DecodeValue(data []byte) (types.Value, error) {
	args, err := DecodeArgs(data)
	if err != nil {
		return types.Value{}, err
	}
	if len(args) != 1 {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "expected exactly one value", nil).
			AddContext("count", strconv.Itoa(len(args)))
	}
	return args[0], nil
}

func writeValue(w *PacketWriter, v types.Value, depth int) error {
	if depth > maxEnvelopeDepth {
		return errors.New(errors.FFIConversionFailed, "value nesting too deep", nil)
	}
	if err := v.Validate(); err != nil {
		return err
	}

	body, err := valueBody(v, depth)
	if err != nil {
		return err
	}
	_ = w.WriteByte(byte(v.Tag))
	w.WriteBytes(body)
	return nil
}

func valueBody(v types.Value, depth int) ([]byte, error) {
	if width := scalarWidth(v.Tag); width >= 0 {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v.Bits())
		return buf[:width], nil
	}

	switch v.Tag {
	case types.TagString:
		s, _ := v.AsString()
		return []byte(s), nil
	case types.TagCallback:
		s, _ := v.AsCallback()
		return []byte(s), nil
	case types.TagStruct:
		w := NewPacketWriter()
		info := v.Info()
		fields, _ := v.Fields()
		w.WriteString(info.Name)
		w.WriteUVarInt(uint64(len(fields)))
		for i, f := range fields {
			w.WriteString(info.Struct.Fields[i].Name)
			if err := writeValue(w, f, depth+1); err != nil {
				return nil, errors.AsError(err).AddContext("field", info.Struct.Fields[i].Name)
			}
		}
		return w.Bytes(), nil
	case types.TagArray:
		w := NewPacketWriter()
		info := v.Info()
		items, _ := v.Items()
		elem := info.Array.Elem
		w.WriteString(info.Name)
		_ = w.WriteByte(byte(elem.Tag))
		elemName := ""
		if elem.Info != nil {
			elemName = elem.Info.Name
		}
		w.WriteString(elemName)
		w.WriteUVarInt(uint64(info.Array.Count))
		w.WriteUVarInt(uint64(len(items)))
		for i, item := range items {
			if err := writeValue(w, item, depth+1); err != nil {
				return nil, errors.AsError(err).AddContext("index", strconv.Itoa(i))
			}
		}
		return w.Bytes(), nil
	}
	return nil, errors.New(errors.FFIUnsupportedOperation, "tag cannot be framed", nil).
		AddContext("tag", v.Tag.String())
}

// scalarWidth is the body width of fixed-size tags, -1 otherwise
func scalarWidth(tag types.Tag) int {
	switch tag {
	case types.TagVoid:
		return 0
	case types.TagBool, types.TagChar, types.TagInt8, types.TagUint8:
		return 1
	case types.TagInt16, types.TagUint16:
		return 2
	case types.TagInt32, types.TagUint32, types.TagFloat:
		return 4
	case types.TagInt64, types.TagUint64, types.TagDouble, types.TagPointer, types.TagObject:
		return 8
	}
	return -1
}

func readValue(r *PacketReader, depth int) (types.Value, error) {
	if depth > maxEnvelopeDepth {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "value nesting too deep", nil)
	}

	rawTag, err := r.ReadByte()
	if err != nil {
		return types.Value{}, err
	}
	tag := types.Tag(rawTag)
	if !tag.Valid() {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "unknown value tag", nil).
			AddContext("tag", strconv.Itoa(int(rawTag)))
	}
	body, err := r.ReadBytes()
	if err != nil {
		return types.Value{}, err
	}

	if width := scalarWidth(tag); width >= 0 {
		if len(body) != width {
			return types.Value{}, errors.New(errors.FFIConversionFailed, "scalar body has wrong width", nil).
				AddContext("tag", tag.String()).
				AddContext("want", strconv.Itoa(width)).
				AddContext("have", strconv.Itoa(len(body)))
		}
		buf := make([]byte, 8)
		copy(buf, body)
		v, err := types.FromBits(tag, binary.LittleEndian.Uint64(buf))
		if err != nil {
			return types.Value{}, errors.New(errors.FFIConversionFailed, "invalid scalar payload", err).
				AddContext("tag", tag.String())
		}
		return v, nil
	}

	switch tag {
	case types.TagString:
		return types.String(string(body)), nil
	case types.TagCallback:
		if len(body) == 0 {
			return types.Value{}, errors.New(errors.FFIConversionFailed, "callback without a name", nil)
		}
		return types.CallbackRef(string(body)), nil
	case types.TagStruct:
		return readStruct(NewPacketReader(body), depth)
	case types.TagArray:
		return readArray(NewPacketReader(body), depth)
	}
	return types.Value{}, errors.New(errors.FFIConversionFailed, "tag cannot be framed", nil).
		AddContext("tag", tag.String())
}

func readStruct(r *PacketReader, depth int) (types.Value, error) {
	name, err := r.ReadString()
	if err != nil {
		return types.Value{}, err
	}
	n, err := r.ReadUVarInt()
	if err != nil {
		return types.Value{}, err
	}
	if n > uint64(r.Remaining()) {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "field count exceeds struct body", nil)
	}

	fields := make([]types.Field, 0, n)
	values := make([]types.Value, 0, n)
	for i := uint64(0); i < n; i++ {
		fname, err := r.ReadString()
		if err != nil {
			return types.Value{}, err
		}
		v, err := readValue(r, depth+1)
		if err != nil {
			return types.Value{}, errors.AsError(err).AddContext("field", fname)
		}
		fields = append(fields, types.Field{Name: fname, Type: v.Type()})
		values = append(values, v)
	}
	if r.Remaining() != 0 {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "trailing bytes in struct body", nil)
	}

	v, err := types.StructOf(types.NewStructInfo(name, fields...), values...)
	if err != nil {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "invalid struct payload", err)
	}
	return v, nil
}

func readArray(r *PacketReader, depth int) (types.Value, error) {
	name, err := r.ReadString()
	if err != nil {
		return types.Value{}, err
	}
	rawElem, err := r.ReadByte()
	if err != nil {
		return types.Value{}, err
	}
	elemTag := types.Tag(rawElem)
	if !elemTag.Valid() || elemTag == types.TagVoid {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "invalid array element tag", nil).
			AddContext("tag", strconv.Itoa(int(rawElem)))
	}
	elemName, err := r.ReadString()
	if err != nil {
		return types.Value{}, err
	}
	fixed, err := r.ReadUVarInt()
	if err != nil {
		return types.Value{}, err
	}
	n, err := r.ReadUVarInt()
	if err != nil {
		return types.Value{}, err
	}
	if n > uint64(r.Remaining()) || (fixed != 0 && fixed != n) {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "array count exceeds array body", nil)
	}

	items := make([]types.Value, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := readValue(r, depth+1)
		if err != nil {
			return types.Value{}, errors.AsError(err).AddContext("index", strconv.FormatUint(i, 10))
		}
		items = append(items, v)
	}
	if r.Remaining() != 0 {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "trailing bytes in array body", nil)
	}

	elem := types.Of(elemTag)
	if elemTag.IsComposite() && len(items) > 0 {
		elem = items[0].Type()
	}
	if elem.Info != nil && elem.Info.Name != elemName {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "array element type name mismatch", nil).
			AddContext("want", elemName).
			AddContext("have", elem.Info.Name)
	}

	v, err := types.ArrayOf(types.NewArrayInfo(name, elem, int(fixed)), elem, items...)
	if err != nil {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "invalid array payload", err)
	}
	return v, nil
}
