package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gear6io/polycall/pkg/errors"
)

// Value is the canonical tagged value passed across every bridge. Exactly
// one payload is active and it always matches Tag; construct values with the
// constructors below rather than by hand.
type Value struct {
	Tag Tag

	bits  uint64 // bool, char, integers, float/double bits, pointer, object handle
	str   string // string payload, callback name
	elems []Value
	info  *TypeInfo
}

func VoidValue() Value { return Value{Tag: TagVoid} }

func Bool(b bool) Value {
	v := Value{Tag: TagBool}
	if b {
		v.bits = 1
	}
	return v
}

func Char(c byte) Value      { return Value{Tag: TagChar, bits: uint64(c)} }
func Int8(i int8) Value      { return Value{Tag: TagInt8, bits: uint64(i)} }
func Uint8(u uint8) Value    { return Value{Tag: TagUint8, bits: uint64(u)} }
func Int16(i int16) Value    { return Value{Tag: TagInt16, bits: uint64(i)} }
func Uint16(u uint16) Value  { return Value{Tag: TagUint16, bits: uint64(u)} }
func Int32(i int32) Value    { return Value{Tag: TagInt32, bits: uint64(i)} }
func Uint32(u uint32) Value  { return Value{Tag: TagUint32, bits: uint64(u)} }
func Int64(i int64) Value    { return Value{Tag: TagInt64, bits: uint64(i)} }
func Uint64(u uint64) Value  { return Value{Tag: TagUint64, bits: u} }
func Float(f float32) Value  { return Value{Tag: TagFloat, bits: uint64(math.Float32bits(f))} }
func Double(f float64) Value { return Value{Tag: TagDouble, bits: math.Float64bits(f)} }
func String(s string) Value  { return Value{Tag: TagString, str: s} }

// Pointer wraps a foreign address. Zero is the null pointer.
func Pointer(p uintptr) Value { return Value{Tag: TagPointer, bits: uint64(p)} }

// ObjectRef wraps an opaque runtime object handle. Zero is the null object.
func ObjectRef(handle uint64) Value { return Value{Tag: TagObject, bits: handle} }

// CallbackRef names a callback registered with the owning bridge
func CallbackRef(name string) Value { return Value{Tag: TagCallback, str: name} }

// FromBits rebuilds a scalar from its raw payload bits. Used by codecs.
func FromBits(tag Tag, raw uint64) (Value, error) {
	switch tag {
	case TagBool:
		if raw > 1 {
			return Value{}, errors.New(errors.FFIConversionFailed, "bool payload out of range", nil)
		}
		return Value{Tag: tag, bits: raw}, nil
	case TagChar, TagUint8:
		return Value{Tag: tag, bits: raw & 0xff}, nil
	case TagInt8:
		return Int8(int8(raw)), nil
	case TagInt16:
		return Int16(int16(raw)), nil
	case TagUint16:
		return Value{Tag: tag, bits: raw & 0xffff}, nil
	case TagInt32:
		return Int32(int32(raw)), nil
	case TagUint32, TagFloat:
		return Value{Tag: tag, bits: raw & 0xffffffff}, nil
	case TagInt64, TagUint64, TagDouble, TagPointer, TagObject:
		return Value{Tag: tag, bits: raw}, nil
	case TagVoid:
		return VoidValue(), nil
	default:
		return Value{}, errors.New(errors.FFIInvalidParameters, "tag has no scalar payload", nil).
			AddContext("tag", tag.String())
	}
}

// StructOf builds a struct value. Fields must follow info's layout.
func StructOf(info *TypeInfo, fields ...Value) (Value, error) {
	v := Value{Tag: TagStruct, info: info, elems: append([]Value(nil), fields...)}
	if err := v.Validate(); err != nil {
		return Value{}, err
	}
	return v, nil
}

// ArrayOf builds an array value of elem typed items. info may be nil for an
// anonymous array whose element type is taken from elem.
func ArrayOf(info *TypeInfo, elem Type, items ...Value) (Value, error) {
	if info == nil {
		info = NewArrayInfo("", elem, 0)
	}
	v := Value{Tag: TagArray, info: info, elems: append([]Value(nil), items...)}
	if err := v.Validate(); err != nil {
		return Value{}, err
	}
	return v, nil
}

// Bits returns the raw scalar payload
func (v Value) Bits() uint64 { return v.bits }

// Info returns the composite type info of a struct or array value
func (v Value) Info() *TypeInfo { return v.info }

// Type returns the Type of v
func (v Value) Type() Type {
	return Type{Tag: v.Tag, Info: v.info}
}

// IsNull reports void-equivalent values: void, null pointer and null object
func (v Value) IsNull() bool {
	switch v.Tag {
	case TagVoid:
		return true
	case TagPointer, TagObject:
		return v.bits == 0
	}
	return false
}

func (v Value) mismatch(want Tag) error {
	return errors.New(errors.FFITypeMismatch, "value tag does not match accessor", nil).
		AddContext("want", want.String()).
		AddContext("have", v.Tag.String())
}

func (v Value) AsBool() (bool, error) {
	if v.Tag != TagBool {
		return false, v.mismatch(TagBool)
	}
	return v.bits == 1, nil
}

func (v Value) AsChar() (byte, error) {
	if v.Tag != TagChar {
		return 0, v.mismatch(TagChar)
	}
	return byte(v.bits), nil
}

func (v Value) AsInt8() (int8, error) {
	if v.Tag != TagInt8 {
		return 0, v.mismatch(TagInt8)
	}
	return int8(v.bits), nil
}

func (v Value) AsUint8() (uint8, error) {
	if v.Tag != TagUint8 {
		return 0, v.mismatch(TagUint8)
	}
	return uint8(v.bits), nil
}

func (v Value) AsInt16() (int16, error) {
	if v.Tag != TagInt16 {
		return 0, v.mismatch(TagInt16)
	}
	return int16(v.bits), nil
}

func (v Value) AsUint16() (uint16, error) {
	if v.Tag != TagUint16 {
		return 0, v.mismatch(TagUint16)
	}
	return uint16(v.bits), nil
}

func (v Value) AsInt32() (int32, error) {
	if v.Tag != TagInt32 {
		return 0, v.mismatch(TagInt32)
	}
	return int32(v.bits), nil
}

func (v Value) AsUint32() (uint32, error) {
	if v.Tag != TagUint32 {
		return 0, v.mismatch(TagUint32)
	}
	return uint32(v.bits), nil
}

func (v Value) AsInt64() (int64, error) {
	if v.Tag != TagInt64 {
		return 0, v.mismatch(TagInt64)
	}
	return int64(v.bits), nil
}

func (v Value) AsUint64() (uint64, error) {
	if v.Tag != TagUint64 {
		return 0, v.mismatch(TagUint64)
	}
	return v.bits, nil
}

func (v Value) AsFloat() (float32, error) {
	if v.Tag != TagFloat {
		return 0, v.mismatch(TagFloat)
	}
	return math.Float32frombits(uint32(v.bits)), nil
}

func (v Value) AsDouble() (float64, error) {
	if v.Tag != TagDouble {
		return 0, v.mismatch(TagDouble)
	}
	return math.Float64frombits(v.bits), nil
}

func (v Value) AsString() (string, error) {
	if v.Tag != TagString {
		return "", v.mismatch(TagString)
	}
	return v.str, nil
}

func (v Value) AsPointer() (uintptr, error) {
	if v.Tag != TagPointer {
		return 0, v.mismatch(TagPointer)
	}
	return uintptr(v.bits), nil
}

func (v Value) AsObject() (uint64, error) {
	if v.Tag != TagObject {
		return 0, v.mismatch(TagObject)
	}
	return v.bits, nil
}

func (v Value) AsCallback() (string, error) {
	if v.Tag != TagCallback {
		return "", v.mismatch(TagCallback)
	}
	return v.str, nil
}

// Fields returns a copy of the struct field values
func (v Value) Fields() ([]Value, error) {
	if v.Tag != TagStruct {
		return nil, v.mismatch(TagStruct)
	}
	return append([]Value(nil), v.elems...), nil
}

// Field returns a struct field by name
func (v Value) Field(name string) (Value, error) {
	if v.Tag != TagStruct {
		return Value{}, v.mismatch(TagStruct)
	}
	idx := v.info.FieldIndex(name)
	if idx < 0 {
		return Value{}, errors.New(errors.FFINotFound, "struct has no such field", nil).
			AddContext("struct", v.info.Name).
			AddContext("field", name)
	}
	return v.elems[idx], nil
}

// Items returns a copy of the array elements
func (v Value) Items() ([]Value, error) {
	if v.Tag != TagArray {
		return nil, v.mismatch(TagArray)
	}
	return append([]Value(nil), v.elems...), nil
}

// Len is the element count of a struct or array and 0 otherwise
func (v Value) Len() int {
	return len(v.elems)
}

// Validate checks that the active payload is consistent with the tag
func (v Value) Validate() error {
	if !v.Tag.Valid() {
		return errors.New(errors.FFIInvalidParameters, "invalid value tag", nil).
			AddContext("tag", strconv.Itoa(int(v.Tag)))
	}

	bad := func(msg string) error {
		return errors.New(errors.FFIInvalidParameters, msg, nil).AddContext("tag", v.Tag.String())
	}

	switch v.Tag {
	case TagVoid:
		if v.bits != 0 || v.str != "" || v.elems != nil {
			return bad("void value carries a payload")
		}
	case TagString:
		if v.bits != 0 || v.elems != nil {
			return bad("string value carries a foreign payload")
		}
	case TagCallback:
		if v.str == "" {
			return bad("callback value requires a name")
		}
	case TagStruct:
		if v.info == nil || v.info.Struct == nil {
			return bad("struct value requires struct type info")
		}
		fields := v.info.Struct.Fields
		if len(fields) != len(v.elems) {
			return errors.New(errors.FFITypeMismatch, "struct field count does not match layout", nil).
				AddContext("struct", v.info.Name).
				AddContext("want", strconv.Itoa(len(fields))).
				AddContext("have", strconv.Itoa(len(v.elems)))
		}
		for i, f := range fields {
			if !f.Type.Matches(v.elems[i].Type()) {
				return errors.New(errors.FFITypeMismatch, "struct field type does not match layout", nil).
					AddContext("struct", v.info.Name).
					AddContext("field", f.Name).
					AddContext("want", f.Type.String()).
					AddContext("have", v.elems[i].Type().String())
			}
			if err := v.elems[i].Validate(); err != nil {
				return err
			}
		}
	case TagArray:
		if v.info == nil || v.info.Array == nil {
			return bad("array value requires array type info")
		}
		layout := v.info.Array
		if layout.Count > 0 && layout.Count != len(v.elems) {
			return errors.New(errors.FFITypeMismatch, "array length does not match layout", nil).
				AddContext("want", strconv.Itoa(layout.Count)).
				AddContext("have", strconv.Itoa(len(v.elems)))
		}
		for i, item := range v.elems {
			if !layout.Elem.Matches(item.Type()) {
				return errors.New(errors.FFITypeMismatch, "array element type does not match layout", nil).
					AddContext("index", strconv.Itoa(i)).
					AddContext("want", layout.Elem.String()).
					AddContext("have", item.Type().String())
			}
			if err := item.Validate(); err != nil {
				return err
			}
		}
	default:
		if v.str != "" || v.elems != nil {
			return bad("scalar value carries a composite payload")
		}
	}
	return nil
}

// Equal compares bit-for-bit for scalars (floats by bits, so NaN equals the
// same NaN), by identity for pointers and objects, recursively for
// composites.
func Equal(a, b Value) bool {
	if a.Tag != b.Tag || a.bits != b.bits || a.str != b.str {
		return false
	}
	if a.Tag.IsComposite() {
		if !a.Type().Matches(b.Type()) || len(a.elems) != len(b.elems) {
			return false
		}
		for i := range a.elems {
			if !Equal(a.elems[i], b.elems[i]) {
				return false
			}
		}
	}
	return true
}

// Interface returns the payload as the closest Go type: int8 for TagInt8,
// float32 for TagFloat, []any for arrays and map[string]any for structs.
func (v Value) Interface() any {
	switch v.Tag {
	case TagVoid:
		return nil
	case TagBool:
		return v.bits == 1
	case TagChar:
		return byte(v.bits)
	case TagInt8:
		return int8(v.bits)
	case TagUint8:
		return uint8(v.bits)
	case TagInt16:
		return int16(v.bits)
	case TagUint16:
		return uint16(v.bits)
	case TagInt32:
		return int32(v.bits)
	case TagUint32:
		return uint32(v.bits)
	case TagInt64:
		return int64(v.bits)
	case TagUint64:
		return v.bits
	case TagFloat:
		return math.Float32frombits(uint32(v.bits))
	case TagDouble:
		return math.Float64frombits(v.bits)
	case TagString, TagCallback:
		return v.str
	case TagPointer:
		return uintptr(v.bits)
	case TagObject:
		return v.bits
	case TagArray:
		out := make([]any, len(v.elems))
		for i, e := range v.elems {
			out[i] = e.Interface()
		}
		return out
	case TagStruct:
		out := make(map[string]any, len(v.elems))
		for i, e := range v.elems {
			out[v.info.Struct.Fields[i].Name] = e.Interface()
		}
		return out
	}
	return nil
}

// FromInterface builds a Value from a Go scalar. int and uint map to their
// 64-bit tags.
func FromInterface(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return VoidValue(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int8:
		return Int8(t), nil
	case uint8:
		return Uint8(t), nil
	case int16:
		return Int16(t), nil
	case uint16:
		return Uint16(t), nil
	case int32:
		return Int32(t), nil
	case uint32:
		return Uint32(t), nil
	case int64:
		return Int64(t), nil
	case uint64:
		return Uint64(t), nil
	case int:
		return Int64(int64(t)), nil
	case uint:
		return Uint64(uint64(t)), nil
	case float32:
		return Float(t), nil
	case float64:
		return Double(t), nil
	case string:
		return String(t), nil
	case uintptr:
		return Pointer(t), nil
	}
	return Value{}, errors.New(errors.FFIUnsupportedOperation, "no canonical value for Go type", nil).
		AddContext("go_type", fmt.Sprintf("%T", x))
}

func (v Value) String() string {
	switch v.Tag {
	case TagVoid:
		return "void"
	case TagString:
		return strconv.Quote(v.str)
	case TagChar:
		return strconv.QuoteRune(rune(v.bits))
	case TagPointer:
		return fmt.Sprintf("pointer(0x%x)", v.bits)
	case TagObject:
		return fmt.Sprintf("object(%d)", v.bits)
	case TagCallback:
		return "callback(" + v.str + ")"
	case TagStruct, TagArray:
		parts := make([]string, len(v.elems))
		for i, e := range v.elems {
			parts[i] = e.String()
		}
		if v.Tag == TagStruct {
			return v.info.Name + "{" + strings.Join(parts, ", ") + "}"
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprint(v.Interface())
}
