package types

import (
	"math/bits"
	"strings"

	"github.com/gear6io/polycall/pkg/errors"
)

// Tag identifies the active payload of a Value
type Tag uint8

const (
	TagVoid Tag = iota
	TagBool
	TagChar
	TagInt8
	TagUint8
	TagInt16
	TagUint16
	TagInt32
	TagUint32
	TagInt64
	TagUint64
	TagFloat
	TagDouble
	TagString
	TagPointer
	TagStruct
	TagArray
	TagCallback
	TagObject

	tagCount
)

var tagNames = [...]string{
	TagVoid:     "void",
	TagBool:     "bool",
	TagChar:     "char",
	TagInt8:     "int8",
	TagUint8:    "uint8",
	TagInt16:    "int16",
	TagUint16:   "uint16",
	TagInt32:    "int32",
	TagUint32:   "uint32",
	TagInt64:    "int64",
	TagUint64:   "uint64",
	TagFloat:    "float",
	TagDouble:   "double",
	TagString:   "string",
	TagPointer:  "pointer",
	TagStruct:   "struct",
	TagArray:    "array",
	TagCallback: "callback",
	TagObject:   "object",
}

const pointerSize = bits.UintSize / 8

func (t Tag) String() string {
	if t.Valid() {
		return tagNames[t]
	}
	return "unknown"
}

// Valid reports whether t is a known tag
func (t Tag) Valid() bool {
	return t < tagCount
}

// IsPrimitive is true for scalar tags that carry no TypeInfo
func (t Tag) IsPrimitive() bool {
	return t.Valid() && t != TagStruct && t != TagArray && t != TagCallback
}

// IsComposite is true for struct and array
func (t Tag) IsComposite() bool {
	return t == TagStruct || t == TagArray
}

// ParseTag maps a tag name back to its Tag
func ParseTag(s string) (Tag, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range tagNames {
		if n == name {
			return Tag(i), nil
		}
	}
	return TagVoid, errors.New(errors.FFIInvalidParameters, "unknown type tag", nil).AddContext("tag", s)
}

func (t Tag) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, errors.New(errors.FFIInvalidParameters, "invalid type tag", nil)
	}
	return []byte(t.String()), nil
}

func (t *Tag) UnmarshalText(text []byte) error {
	parsed, err := ParseTag(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// size and alignment of the C representation of a primitive tag
func primitiveLayout(t Tag) (size, align uintptr) {
	switch t {
	case TagVoid:
		return 0, 1
	case TagBool, TagChar, TagInt8, TagUint8:
		return 1, 1
	case TagInt16, TagUint16:
		return 2, 2
	case TagInt32, TagUint32, TagFloat:
		return 4, 4
	case TagInt64, TagUint64, TagDouble:
		return 8, 8
	default:
		// string, pointer, callback and object are all pointer sized
		return pointerSize, pointerSize
	}
}
