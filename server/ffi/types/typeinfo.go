package types

import (
	"fmt"
	"strings"

	"github.com/gear6io/polycall/pkg/errors"
)

// Type names either a primitive tag or a composite described by Info
type Type struct {
	Tag  Tag       `json:"tag" yaml:"tag"`
	Info *TypeInfo `json:"info,omitempty" yaml:"info,omitempty"`
}

// Of returns the Type of a primitive tag
func Of(tag Tag) Type {
	return Type{Tag: tag}
}

// Composite returns the Type described by info
func Composite(info *TypeInfo) Type {
	return Type{Tag: info.Kind, Info: info}
}

var Void = Of(TagVoid)

// Matches reports whether a value of type other may be passed where t is
// expected. Tags must be equal; composites must also agree on the type name.
func (t Type) Matches(other Type) bool {
	if t.Tag != other.Tag {
		return false
	}
	if t.Info == nil || other.Info == nil {
		return true
	}
	return t.Info == other.Info || t.Info.Name == other.Info.Name
}

// Layout returns the C size and alignment of t
func (t Type) Layout() (size, align uintptr) {
	if t.Info != nil && t.Tag.IsComposite() {
		return t.Info.Size(), t.Info.Align()
	}
	return primitiveLayout(t.Tag)
}

func (t Type) String() string {
	if t.Info != nil && t.Info.Name != "" {
		return t.Tag.String() + " " + t.Info.Name
	}
	return t.Tag.String()
}

// Field of a struct layout
type Field struct {
	Name   string  `json:"name"`
	Type   Type    `json:"type"`
	Offset uintptr `json:"offset"`
}

type StructLayout struct {
	Fields []Field `json:"fields"`
	Size   uintptr `json:"size"`
	Align  uintptr `json:"align"`
}

type ArrayLayout struct {
	Elem  Type `json:"elem"`
	Count int  `json:"count"`
}

type CallbackLayout struct {
	Params []Type `json:"params"`
	Return Type   `json:"return"`
}

// TypeInfo describes a composite type. Exactly one layout is set, matching
// Kind.
type TypeInfo struct {
	Name     string          `json:"name"`
	Kind     Tag             `json:"kind"`
	Struct   *StructLayout   `json:"struct,omitempty"`
	Array    *ArrayLayout    `json:"array,omitempty"`
	Callback *CallbackLayout `json:"callback,omitempty"`
}

// NewStructInfo lays out fields using C alignment rules. Offsets given by
// the caller are ignored.
func NewStructInfo(name string, fields ...Field) *TypeInfo {
	layout := &StructLayout{Fields: make([]Field, len(fields)), Align: 1}

	var offset uintptr
	for i, f := range fields {
		size, align := f.Type.Layout()
		offset = alignUp(offset, align)
		f.Offset = offset
		layout.Fields[i] = f
		offset += size
		if align > layout.Align {
			layout.Align = align
		}
	}
	layout.Size = alignUp(offset, layout.Align)

	return &TypeInfo{Name: name, Kind: TagStruct, Struct: layout}
}

// NewArrayInfo describes a fixed array. Count 0 means any length.
func NewArrayInfo(name string, elem Type, count int) *TypeInfo {
	return &TypeInfo{Name: name, Kind: TagArray, Array: &ArrayLayout{Elem: elem, Count: count}}
}

func NewCallbackInfo(name string, ret Type, params ...Type) *TypeInfo {
	return &TypeInfo{Name: name, Kind: TagCallback, Callback: &CallbackLayout{Params: params, Return: ret}}
}

func alignUp(n, align uintptr) uintptr {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// Size of the C representation. Callbacks are function pointers.
func (ti *TypeInfo) Size() uintptr {
	switch {
	case ti.Struct != nil:
		return ti.Struct.Size
	case ti.Array != nil:
		size, align := ti.Array.Elem.Layout()
		return alignUp(size, align) * uintptr(ti.Array.Count)
	default:
		return pointerSize
	}
}

func (ti *TypeInfo) Align() uintptr {
	switch {
	case ti.Struct != nil:
		return ti.Struct.Align
	case ti.Array != nil:
		_, align := ti.Array.Elem.Layout()
		return align
	default:
		return pointerSize
	}
}

// FieldIndex returns the position of a named struct field or -1
func (ti *TypeInfo) FieldIndex(name string) int {
	if ti.Struct == nil {
		return -1
	}
	for i, f := range ti.Struct.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks that the layout agrees with Kind
func (ti *TypeInfo) Validate() error {
	if ti == nil {
		return errors.New(errors.FFIInvalidParameters, "type info is nil", nil)
	}
	if ti.Name == "" {
		return errors.New(errors.FFIInvalidParameters, "type info requires a name", nil)
	}

	fail := func(msg string) error {
		return errors.New(errors.FFIInvalidParameters, msg, nil).
			AddContext("type", ti.Name).
			AddContext("kind", ti.Kind.String())
	}

	switch ti.Kind {
	case TagStruct:
		if ti.Struct == nil || ti.Array != nil || ti.Callback != nil {
			return fail("struct type must carry only a struct layout")
		}
		seen := make(map[string]struct{}, len(ti.Struct.Fields))
		for _, f := range ti.Struct.Fields {
			if _, dup := seen[f.Name]; dup {
				return fail(fmt.Sprintf("duplicate field %q", f.Name))
			}
			seen[f.Name] = struct{}{}
			if f.Type.Tag == TagVoid {
				return fail(fmt.Sprintf("field %q cannot be void", f.Name))
			}
		}
	case TagArray:
		if ti.Array == nil || ti.Struct != nil || ti.Callback != nil {
			return fail("array type must carry only an array layout")
		}
		if ti.Array.Count < 0 {
			return fail("array count cannot be negative")
		}
		if ti.Array.Elem.Tag == TagVoid {
			return fail("array element cannot be void")
		}
	case TagCallback:
		if ti.Callback == nil || ti.Struct != nil || ti.Array != nil {
			return fail("callback type must carry only a callback layout")
		}
	default:
		return fail("type info kind must be struct, array or callback")
	}
	return nil
}

func (ti *TypeInfo) String() string {
	var b strings.Builder
	b.WriteString(ti.Kind.String())
	b.WriteByte(' ')
	b.WriteString(ti.Name)
	switch {
	case ti.Struct != nil:
		b.WriteString(" {")
		for i, f := range ti.Struct.Fields {
			if i > 0 {
				b.WriteString(";")
			}
			fmt.Fprintf(&b, " %s %s", f.Type, f.Name)
		}
		b.WriteString(" }")
	case ti.Array != nil:
		fmt.Fprintf(&b, " [%d]%s", ti.Array.Count, ti.Array.Elem)
	case ti.Callback != nil:
		params := make([]string, len(ti.Callback.Params))
		for i, p := range ti.Callback.Params {
			params[i] = p.String()
		}
		fmt.Fprintf(&b, " (%s) -> %s", strings.Join(params, ", "), ti.Callback.Return)
	}
	return b.String()
}
