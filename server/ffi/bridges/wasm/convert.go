package wasm

import (
	"math"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/bridge"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/tetratelabs/wazero/api"
)

// valueTypeFor maps a canonical type onto the wasm core type carrying it.
// wasm32 pointers are i32 offsets into linear memory.
func valueTypeFor(t types.Type) (api.ValueType, bool) {
	switch t.Tag {
	case types.TagBool, types.TagChar, types.TagInt8, types.TagUint8,
		types.TagInt16, types.TagUint16, types.TagInt32, types.TagUint32, types.TagPointer:
		return api.ValueTypeI32, true
	case types.TagInt64, types.TagUint64:
		return api.ValueTypeI64, true
	case types.TagFloat:
		return api.ValueTypeF32, true
	case types.TagDouble:
		return api.ValueTypeF64, true
	default:
		return 0, false
	}
}

// ConvertToNative encodes v into the uint64 stack slot wazero passes to a
// guest function
func (b *Bridge) ConvertToNative(v types.Value, dest types.Type) (any, error) {
	if err := bridge.CheckConvertible(v, dest); err != nil {
		return nil, err
	}
	return encode(v)
}

func encode(v types.Value) (uint64, error) {
	switch v.Tag {
	case types.TagBool, types.TagChar, types.TagUint8, types.TagUint16, types.TagUint32:
		return api.EncodeU32(uint32(v.Bits())), nil
	case types.TagInt8, types.TagInt16, types.TagInt32:
		return api.EncodeI32(int32(v.Bits())), nil
	case types.TagInt64, types.TagUint64:
		return v.Bits(), nil
	case types.TagFloat:
		return api.EncodeF32(math.Float32frombits(uint32(v.Bits()))), nil
	case types.TagDouble:
		return api.EncodeF64(math.Float64frombits(v.Bits())), nil
	case types.TagPointer:
		if v.Bits() > math.MaxUint32 {
			return 0, errors.New(errors.FFIConversionFailed, "pointer does not fit wasm32 address space", nil)
		}
		return api.EncodeU32(uint32(v.Bits())), nil
	default:
		return 0, errors.New(errors.FFIUnsupportedOperation, "type cannot cross into wasm", nil).
			AddContext("type", v.Tag.String())
	}
}

// ConvertFromNative decodes a raw wazero result slot. src must be a uint64.
func (b *Bridge) ConvertFromNative(src any, srcType types.Type) (types.Value, error) {
	if srcType.Tag == types.TagVoid {
		if src != nil {
			return types.Value{}, errors.New(errors.FFIConversionFailed, "void result carries a value", nil)
		}
		return types.VoidValue(), nil
	}
	raw, ok := src.(uint64)
	if !ok {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "wasm values are raw uint64 slots", nil).
			AddContext("want", srcType.String())
	}
	return decode(raw, srcType)
}

func decode(raw uint64, t types.Type) (types.Value, error) {
	if _, ok := valueTypeFor(t); !ok {
		return types.Value{}, errors.New(errors.FFIUnsupportedOperation, "type cannot cross out of wasm", nil).
			AddContext("type", t.String())
	}
	switch t.Tag {
	case types.TagBool:
		// any non-zero i32 is true in wasm
		return types.Bool(api.DecodeU32(raw) != 0), nil
	case types.TagFloat:
		return types.Float(api.DecodeF32(raw)), nil
	case types.TagDouble:
		return types.Double(api.DecodeF64(raw)), nil
	case types.TagPointer:
		return types.Pointer(uintptr(api.DecodeU32(raw))), nil
	case types.TagInt64, types.TagUint64:
		return types.FromBits(t.Tag, raw)
	default:
		return types.FromBits(t.Tag, uint64(api.DecodeU32(raw)))
	}
}

// checkShape verifies a guest export has exactly the wasm types sig implies
func checkShape(def api.FunctionDefinition, sig *types.Signature) error {
	if sig.Variadic {
		return errors.New(errors.FFIUnsupportedOperation, "wasm functions cannot be variadic", nil)
	}

	params := def.ParamTypes()
	if len(params) != len(sig.Params) {
		return errors.New(errors.FFITypeMismatch, "wasm parameter count does not match signature", nil).
			AddContext("export", def.Name())
	}
	for i, p := range sig.Params {
		if p.Optional {
			return errors.New(errors.FFIUnsupportedOperation, "wasm functions have no optional parameters", nil).
				AddContext("param", p.Name)
		}
		want, ok := valueTypeFor(p.Type)
		if !ok {
			return errors.New(errors.FFIUnsupportedOperation, "parameter type cannot cross into wasm", nil).
				AddContext("param", p.Name).
				AddContext("type", p.Type.String())
		}
		if params[i] != want {
			return errors.New(errors.FFITypeMismatch, "wasm parameter type does not match signature", nil).
				AddContext("param", p.Name).
				AddContext("want", api.ValueTypeName(want)).
				AddContext("have", api.ValueTypeName(params[i]))
		}
	}

	results := def.ResultTypes()
	if sig.Return.Tag == types.TagVoid {
		if len(results) != 0 {
			return errors.New(errors.FFITypeMismatch, "wasm export returns a value but signature is void", nil)
		}
		return nil
	}
	want, ok := valueTypeFor(sig.Return)
	if !ok {
		return errors.New(errors.FFIUnsupportedOperation, "return type cannot cross out of wasm", nil).
			AddContext("type", sig.Return.String())
	}
	if len(results) != 1 || results[0] != want {
		return errors.New(errors.FFITypeMismatch, "wasm result type does not match signature", nil).
			AddContext("want", api.ValueTypeName(want))
	}
	return nil
}
