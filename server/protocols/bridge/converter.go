package bridge

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/gear6io/polycall/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Payload formats understood by the built-in converters
const (
	FormatEnvelope = "envelope"
	FormatJSON     = "json"
	FormatCBOR     = "cbor"
	FormatYAML     = "yaml"
)

// ConverterFunc transcodes a payload from one format to another
type ConverterFunc func(data []byte) ([]byte, error)

type converterKey struct {
	source string
	target string
}

// ConverterRegistry maps (source, target) format pairs to converters.
// Lookup is by exact pair; a format always converts to itself.
type ConverterRegistry struct {
	mu         sync.RWMutex
	converters map[converterKey]ConverterFunc
}

func NewConverterRegistry() *ConverterRegistry {
	return &ConverterRegistry{converters: make(map[converterKey]ConverterFunc)}
}

// NewDefaultConverters returns a registry holding the json, cbor, yaml and
// envelope converters
func NewDefaultConverters() *ConverterRegistry {
	r := NewConverterRegistry()
	builtins := []struct {
		source, target string
		fn             ConverterFunc
	}{
		{FormatJSON, FormatCBOR, jsonToCBOR},
		{FormatCBOR, FormatJSON, cborToJSON},
		{FormatJSON, FormatYAML, jsonToYAML},
		{FormatYAML, FormatJSON, yamlToJSON},
		{FormatJSON, FormatEnvelope, jsonToEnvelope},
		{FormatEnvelope, FormatJSON, envelopeToJSON},
		{FormatCBOR, FormatEnvelope, Chain(cborToJSON, jsonToEnvelope)},
		{FormatEnvelope, FormatCBOR, Chain(envelopeToJSON, jsonToCBOR)},
		{FormatYAML, FormatEnvelope, Chain(yamlToJSON, jsonToEnvelope)},
		{FormatEnvelope, FormatYAML, Chain(envelopeToJSON, jsonToYAML)},
	}
	for _, b := range builtins {
		// the registry is empty, so registration cannot collide
		_ = r.Register(b.source, b.target, b.fn)
	}
	return r
}

func (r *ConverterRegistry) Register(source, target string, fn ConverterFunc) error {
	if source == "" || target == "" || fn == nil {
		return errors.New(errors.FFIInvalidParameters, "converter requires source, target and function", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := converterKey{source, target}
	if _, exists := r.converters[key]; exists {
		return errors.New(errors.FFIAlreadyExists, "converter already registered", nil).
			AddContext("source", source).
			AddContext("target", target)
	}
	r.converters[key] = fn
	return nil
}

func (r *ConverterRegistry) Unregister(source, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := converterKey{source, target}
	if _, ok := r.converters[key]; !ok {
		return errors.New(errors.FFINotFound, "converter not registered", nil).
			AddContext("source", source).
			AddContext("target", target)
	}
	delete(r.converters, key)
	return nil
}

// Lookup finds the converter for the exact pair
func (r *ConverterRegistry) Lookup(source, target string) (ConverterFunc, error) {
	if source == target {
		return identity, nil
	}

	r.mu.RLock()
	fn, ok := r.converters[converterKey{source, target}]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.New(errors.FFINotFound, "no converter for format pair", nil).
			AddContext("source", source).
			AddContext("target", target)
	}
	return fn, nil
}

// Convert runs the converter for (source, target) on data. Converter
// failures are reported as ConversionFailed.
func (r *ConverterRegistry) Convert(source, target string, data []byte) ([]byte, error) {
	fn, err := r.Lookup(source, target)
	if err != nil {
		return nil, err
	}
	out, err := fn(data)
	if err != nil {
		if errors.IsPolycallError(err) {
			return nil, errors.AsError(err).AddContext("source", source).AddContext("target", target)
		}
		return nil, errors.New(errors.FFIConversionFailed, "payload conversion failed", err).
			AddContext("source", source).
			AddContext("target", target)
	}
	return out, nil
}

// Pairs lists registered pairs as "source->target", sorted
func (r *ConverterRegistry) Pairs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.converters))
	for k := range r.converters {
		out = append(out, k.source+"->"+k.target)
	}
	sort.Strings(out)
	return out
}

// Chain composes converters left to right
func Chain(fns ...ConverterFunc) ConverterFunc {
	return func(data []byte) ([]byte, error) {
		var err error
		for _, fn := range fns {
			if data, err = fn(data); err != nil {
				return nil, err
			}
		}
		return data, nil
	}
}

func identity(data []byte) ([]byte, error) { return data, nil }

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("bridge: CBOR decoder initialization failed: " + err.Error())
	}
}

// decodeJSON parses data keeping integers exact: numbers become int64,
// uint64 or float64, whichever holds them without loss
func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.New(errors.FFIConversionFailed, "malformed json payload", err)
	}
	if dec.More() {
		return nil, errors.New(errors.FFIConversionFailed, "trailing data after json payload", nil)
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return n
		}
		if n, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, x := range t {
			t[k] = normalizeNumbers(x)
		}
		return t
	case []any:
		for i, x := range t {
			t[i] = normalizeNumbers(x)
		}
		return t
	}
	return v
}

func jsonToCBOR(data []byte) ([]byte, error) {
	v, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}
	return cborEnc.Marshal(v)
}

func cborToJSON(data []byte) ([]byte, error) {
	var v any
	if err := cborDec.Unmarshal(data, &v); err != nil {
		return nil, errors.New(errors.FFIConversionFailed, "malformed cbor payload", err)
	}
	return json.Marshal(v)
}

func jsonToYAML(data []byte) ([]byte, error) {
	v, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(v)
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, errors.New(errors.FFIConversionFailed, "malformed yaml payload", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		// yaml mappings with non-string keys have no json form
		return nil, errors.New(errors.FFIConversionFailed, "yaml payload has no json form", err)
	}
	return out, nil
}

func jsonToEnvelope(data []byte) ([]byte, error) {
	args, err := DecodeJSONArgs(data)
	if err != nil {
		return nil, err
	}
	return EncodeArgs(args)
}

func envelopeToJSON(data []byte) ([]byte, error) {
	args, err := DecodeArgs(data)
	if err != nil {
		return nil, err
	}
	return EncodeJSONArgs(args)
}
