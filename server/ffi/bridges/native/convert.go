package native

import (
	"context"
	"reflect"
	"strconv"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/bridge"
	"github.com/gear6io/polycall/server/ffi/types"
)

var (
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	funcType    = reflect.TypeOf(Func(nil))
	valueType   = reflect.TypeOf(types.Value{})
)

// goTypeFor is the Go type a native function receives for a parameter of
// type t
func goTypeFor(t types.Type) reflect.Type {
	switch t.Tag {
	case types.TagBool:
		return reflect.TypeOf(false)
	case types.TagChar, types.TagUint8:
		return reflect.TypeOf(uint8(0))
	case types.TagInt8:
		return reflect.TypeOf(int8(0))
	case types.TagInt16:
		return reflect.TypeOf(int16(0))
	case types.TagUint16:
		return reflect.TypeOf(uint16(0))
	case types.TagInt32:
		return reflect.TypeOf(int32(0))
	case types.TagUint32:
		return reflect.TypeOf(uint32(0))
	case types.TagInt64:
		return reflect.TypeOf(int64(0))
	case types.TagUint64:
		return reflect.TypeOf(uint64(0))
	case types.TagFloat:
		return reflect.TypeOf(float32(0))
	case types.TagDouble:
		return reflect.TypeOf(float64(0))
	case types.TagString:
		return reflect.TypeOf("")
	case types.TagPointer:
		return reflect.TypeOf(uintptr(0))
	case types.TagStruct:
		return reflect.TypeOf(map[string]any(nil))
	case types.TagArray:
		return reflect.TypeOf([]any(nil))
	case types.TagCallback:
		return funcType
	default:
		return anyType
	}
}

// acceptsParam reports whether a Go parameter of type goType can receive a
// value of type t
func acceptsParam(goType reflect.Type, t types.Type) bool {
	if goType == valueType {
		return true
	}
	if t.Tag == types.TagObject {
		// any Go type may sit behind an object handle; checked per call
		return true
	}
	return goType == goTypeFor(t)
}

// ConvertToNative maps v to the Go value a native function receives for dest
func (b *Bridge) ConvertToNative(v types.Value, dest types.Type) (any, error) {
	if err := bridge.CheckConvertible(v, dest); err != nil {
		return nil, err
	}

	switch v.Tag {
	case types.TagObject:
		h, _ := v.AsObject()
		if h == 0 {
			return nil, nil
		}
		obj, ok := b.handles.get(h)
		if !ok {
			return nil, errors.New(errors.FFIConversionFailed, "stale object handle", nil).
				AddContext("handle", strconv.FormatUint(h, 10))
		}
		return obj, nil
	case types.TagCallback:
		name, _ := v.AsCallback()
		return Func(func(ctx context.Context, args []types.Value) (types.Value, error) {
			return b.InvokeCallback(ctx, name, args)
		}), nil
	case types.TagStruct:
		fields, _ := v.Fields()
		layout := v.Info().Struct.Fields
		out := make(map[string]any, len(fields))
		for i, f := range fields {
			native, err := b.ConvertToNative(f, layout[i].Type)
			if err != nil {
				return nil, errors.AsError(err).AddContext("field", layout[i].Name)
			}
			out[layout[i].Name] = native
		}
		return out, nil
	case types.TagArray:
		items, _ := v.Items()
		elem := v.Info().Array.Elem
		out := make([]any, len(items))
		for i, item := range items {
			native, err := b.ConvertToNative(item, elem)
			if err != nil {
				return nil, errors.AsError(err).AddContext("index", strconv.Itoa(i))
			}
			out[i] = native
		}
		return out, nil
	default:
		return v.Interface(), nil
	}
}

// ConvertFromNative wraps a Go value of type srcType. Strings are copied
// through the core allocator.
func (b *Bridge) ConvertFromNative(src any, srcType types.Type) (types.Value, error) {
	if v, ok := src.(types.Value); ok {
		if !srcType.Matches(v.Type()) {
			return types.Value{}, conversionFailed(srcType, src)
		}
		return v, nil
	}

	switch srcType.Tag {
	case types.TagVoid:
		if src != nil {
			return types.Value{}, conversionFailed(srcType, src)
		}
		return types.VoidValue(), nil
	case types.TagObject:
		if src == nil {
			return types.ObjectRef(0), nil
		}
		return types.ObjectRef(b.handles.put(src)), nil
	case types.TagCallback:
		name, ok := src.(string)
		if !ok || name == "" {
			return types.Value{}, conversionFailed(srcType, src)
		}
		return types.CallbackRef(name), nil
	case types.TagString:
		s, ok := src.(string)
		if !ok {
			return types.Value{}, conversionFailed(srcType, src)
		}
		return b.copyString(s)
	case types.TagStruct:
		return b.structFromNative(src, srcType)
	case types.TagArray:
		return b.arrayFromNative(src, srcType)
	}

	if src == nil || reflect.TypeOf(src) != goTypeFor(srcType) {
		return types.Value{}, conversionFailed(srcType, src)
	}
	v, err := types.FromInterface(src)
	if err != nil {
		return types.Value{}, conversionFailed(srcType, src)
	}
	if srcType.Tag == types.TagChar {
		c, _ := v.AsUint8()
		return types.Char(c), nil
	}
	return v, nil
}

func (b *Bridge) copyString(s string) (types.Value, error) {
	alloc := b.Allocator()
	buf, err := alloc.Alloc(len(s))
	if err != nil {
		return types.Value{}, err
	}
	defer alloc.Free(buf)
	copy(buf, s)
	return types.String(string(buf)), nil
}

func (b *Bridge) structFromNative(src any, t types.Type) (types.Value, error) {
	if t.Info == nil || t.Info.Struct == nil {
		return types.Value{}, errors.New(errors.FFIInvalidParameters, "struct conversion requires type info", nil)
	}
	m, ok := src.(map[string]any)
	if !ok {
		return types.Value{}, conversionFailed(t, src)
	}

	fields := make([]types.Value, len(t.Info.Struct.Fields))
	for i, f := range t.Info.Struct.Fields {
		raw, present := m[f.Name]
		if !present {
			return types.Value{}, errors.New(errors.FFIConversionFailed, "struct field missing", nil).
				AddContext("struct", t.Info.Name).
				AddContext("field", f.Name)
		}
		v, err := b.ConvertFromNative(raw, f.Type)
		if err != nil {
			return types.Value{}, errors.AsError(err).AddContext("field", f.Name)
		}
		fields[i] = v
	}
	return types.StructOf(t.Info, fields...)
}

func (b *Bridge) arrayFromNative(src any, t types.Type) (types.Value, error) {
	if t.Info == nil || t.Info.Array == nil {
		return types.Value{}, errors.New(errors.FFIInvalidParameters, "array conversion requires type info", nil)
	}
	rv := reflect.ValueOf(src)
	if src == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return types.Value{}, conversionFailed(t, src)
	}

	items := make([]types.Value, rv.Len())
	for i := range items {
		v, err := b.ConvertFromNative(rv.Index(i).Interface(), t.Info.Array.Elem)
		if err != nil {
			return types.Value{}, errors.AsError(err).AddContext("index", strconv.Itoa(i))
		}
		items[i] = v
	}
	return types.ArrayOf(t.Info, t.Info.Array.Elem, items...)
}

func conversionFailed(t types.Type, src any) error {
	have := "nil"
	if src != nil {
		have = reflect.TypeOf(src).String()
	}
	return errors.New(errors.FFIConversionFailed, "native value does not match type", nil).
		AddContext("want", t.String()).
		AddContext("have", have)
}

// frameSize estimates the scratch bytes an argument list occupies while it
// is marshaled for a call
func frameSize(args []types.Value) int {
	n := 0
	for _, a := range args {
		switch a.Tag {
		case types.TagString:
			s, _ := a.AsString()
			n += len(s) + 1
		case types.TagStruct, types.TagArray:
			size, _ := a.Type().Layout()
			n += int(size)
			if a.Tag == types.TagArray && a.Info().Array.Count == 0 {
				items, _ := a.Items()
				n += frameSize(items)
			}
		default:
			size, _ := a.Type().Layout()
			n += int(size)
		}
	}
	return n
}
