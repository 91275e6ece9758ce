package bridge

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/types"
)

// JSONValue is the textual form of a canonical value used by the json, yaml
// and cbor payload formats. 64-bit integers, handles and non-finite floats
// are carried as strings so that no format loses precision.
type JSONValue struct {
	Type   string      `json:"type" yaml:"type"`
	Value  any         `json:"value,omitempty" yaml:"value,omitempty"`
	Name   string      `json:"name,omitempty" yaml:"name,omitempty"`
	Fields []JSONField `json:"fields,omitempty" yaml:"fields,omitempty"`
	Elem   string      `json:"elem,omitempty" yaml:"elem,omitempty"`
	Count  int         `json:"count,omitempty" yaml:"count,omitempty"`
	Items  []JSONValue `json:"items,omitempty" yaml:"items,omitempty"`
}

type JSONField struct {
	Name  string    `json:"name" yaml:"name"`
	Value JSONValue `json:"value" yaml:"value"`
}

// ToJSONValue renders v in its textual form
func ToJSONValue(v types.Value) (JSONValue, error) {
	if err := v.Validate(); err != nil {
		return JSONValue{}, err
	}
	out := JSONValue{Type: v.Tag.String()}

	switch v.Tag {
	case types.TagVoid:
	case types.TagBool:
		out.Value = v.Bits() == 1
	case types.TagInt8, types.TagInt16, types.TagInt32:
		out.Value = int64(int32(v.Bits()))
	case types.TagChar, types.TagUint8, types.TagUint16, types.TagUint32:
		out.Value = v.Bits()
	case types.TagInt64:
		out.Value = strconv.FormatInt(int64(v.Bits()), 10)
	case types.TagUint64, types.TagPointer, types.TagObject:
		out.Value = strconv.FormatUint(v.Bits(), 10)
	case types.TagFloat:
		f, _ := v.AsFloat()
		out.Value = floatJSON(float64(f), 32)
	case types.TagDouble:
		f, _ := v.AsDouble()
		out.Value = floatJSON(f, 64)
	case types.TagString:
		out.Value, _ = v.AsString()
	case types.TagCallback:
		out.Value, _ = v.AsCallback()
	case types.TagStruct:
		info := v.Info()
		fields, _ := v.Fields()
		out.Name = info.Name
		out.Fields = make([]JSONField, len(fields))
		for i, f := range fields {
			jv, err := ToJSONValue(f)
			if err != nil {
				return JSONValue{}, err
			}
			out.Fields[i] = JSONField{Name: info.Struct.Fields[i].Name, Value: jv}
		}
	case types.TagArray:
		info := v.Info()
		items, _ := v.Items()
		out.Name = info.Name
		out.Elem = info.Array.Elem.Tag.String()
		out.Count = info.Array.Count
		out.Items = make([]JSONValue, len(items))
		for i, item := range items {
			jv, err := ToJSONValue(item)
			if err != nil {
				return JSONValue{}, err
			}
			out.Items[i] = jv
		}
	}
	return out, nil
}

func floatJSON(f float64, bits int) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	}
	if bits == 32 {
		// shortest representation that reads back as the same float32
		n, _ := strconv.ParseFloat(strconv.FormatFloat(f, 'g', -1, 32), 64)
		return n
	}
	return f
}

// ToValue converts the textual form back into a canonical value
func (j JSONValue) ToValue() (types.Value, error) {
	tag, err := types.ParseTag(j.Type)
	if err != nil {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "unknown value type", err).
			AddContext("type", j.Type)
	}

	switch tag {
	case types.TagVoid:
		return types.VoidValue(), nil
	case types.TagBool:
		b, ok := j.Value.(bool)
		if !ok {
			return types.Value{}, badJSON(j)
		}
		return types.Bool(b), nil
	case types.TagFloat, types.TagDouble:
		f, err := jsonFloat(j.Value)
		if err != nil {
			return types.Value{}, badJSON(j)
		}
		if tag == types.TagFloat {
			return types.Float(float32(f)), nil
		}
		return types.Double(f), nil
	case types.TagString:
		s, ok := j.Value.(string)
		if !ok {
			return types.Value{}, badJSON(j)
		}
		return types.String(s), nil
	case types.TagCallback:
		s, ok := j.Value.(string)
		if !ok || s == "" {
			return types.Value{}, badJSON(j)
		}
		return types.CallbackRef(s), nil
	case types.TagStruct:
		return j.structValue()
	case types.TagArray:
		return j.arrayValue()
	}

	raw, err := jsonInteger(j.Value, tag)
	if err != nil {
		return types.Value{}, errors.AsError(err).AddContext("type", j.Type)
	}
	return types.FromBits(tag, raw)
}

func (j JSONValue) structValue() (types.Value, error) {
	fields := make([]types.Field, len(j.Fields))
	values := make([]types.Value, len(j.Fields))
	for i, f := range j.Fields {
		v, err := f.Value.ToValue()
		if err != nil {
			return types.Value{}, errors.AsError(err).AddContext("field", f.Name)
		}
		fields[i] = types.Field{Name: f.Name, Type: v.Type()}
		values[i] = v
	}
	v, err := types.StructOf(types.NewStructInfo(j.Name, fields...), values...)
	if err != nil {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "invalid struct value", err)
	}
	return v, nil
}

func (j JSONValue) arrayValue() (types.Value, error) {
	elemTag, err := types.ParseTag(j.Elem)
	if err != nil || elemTag == types.TagVoid {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "invalid array element type", err).
			AddContext("elem", j.Elem)
	}
	items := make([]types.Value, len(j.Items))
	for i, item := range j.Items {
		v, err := item.ToValue()
		if err != nil {
			return types.Value{}, errors.AsError(err).AddContext("index", strconv.Itoa(i))
		}
		items[i] = v
	}
	elem := types.Of(elemTag)
	if elemTag.IsComposite() && len(items) > 0 {
		elem = items[0].Type()
	}
	v, err := types.ArrayOf(types.NewArrayInfo(j.Name, elem, j.Count), elem, items...)
	if err != nil {
		return types.Value{}, errors.New(errors.FFIConversionFailed, "invalid array value", err)
	}
	return v, nil
}

func badJSON(j JSONValue) error {
	return errors.New(errors.FFIConversionFailed, "value does not match its type", nil).
		AddContext("type", j.Type)
}

func jsonFloat(x any) (float64, error) {
	switch t := x.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case json.Number:
		return t.Float64()
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	}
	return 0, errors.New(errors.FFIConversionFailed, "not a number", nil)
}

// jsonInteger parses an integer payload of any numeric representation
// produced by the json, yaml or cbor decoders and range checks it for tag
func jsonInteger(x any, tag types.Tag) (uint64, error) {
	var s string
	switch t := x.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		if t != math.Trunc(t) {
			return 0, errors.New(errors.FFIConversionFailed, "integer value has a fraction", nil)
		}
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case uint64:
		s = strconv.FormatUint(t, 10)
	default:
		return 0, errors.New(errors.FFIConversionFailed, "integer value expected", nil)
	}

	signed, bits := integerShape(tag)
	if signed {
		n, err := strconv.ParseInt(s, 10, bits)
		if err != nil {
			return 0, errors.New(errors.FFIConversionFailed, "integer out of range", err)
		}
		return uint64(n), nil
	}
	n, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, errors.New(errors.FFIConversionFailed, "integer out of range", err)
	}
	return n, nil
}

func integerShape(tag types.Tag) (signed bool, bits int) {
	switch tag {
	case types.TagInt8:
		return true, 8
	case types.TagInt16:
		return true, 16
	case types.TagInt32:
		return true, 32
	case types.TagInt64:
		return true, 64
	case types.TagChar, types.TagUint8:
		return false, 8
	case types.TagUint16:
		return false, 16
	case types.TagUint32:
		return false, 32
	default:
		return false, 64
	}
}

// EncodeJSONArgs renders args as a JSON array of JSONValue
func EncodeJSONArgs(args []types.Value) ([]byte, error) {
	out := make([]JSONValue, len(args))
	for i, a := range args {
		jv, err := ToJSONValue(a)
		if err != nil {
			return nil, errors.AsError(err).AddContext("argument", strconv.Itoa(i))
		}
		out[i] = jv
	}
	return json.Marshal(out)
}

// DecodeJSONArgs parses a JSON array of JSONValue
func DecodeJSONArgs(data []byte) ([]types.Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var in []JSONValue
	if err := dec.Decode(&in); err != nil {
		return nil, errors.New(errors.FFIConversionFailed, "malformed json arguments", err)
	}
	args := make([]types.Value, len(in))
	for i, jv := range in {
		v, err := jv.ToValue()
		if err != nil {
			return nil, errors.AsError(err).AddContext("argument", strconv.Itoa(i))
		}
		args[i] = v
	}
	return args, nil
}
