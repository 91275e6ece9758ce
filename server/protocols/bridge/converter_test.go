package bridge

import (
	"math"
	"strings"
	"testing"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConverterPairs(t *testing.T) {
	pairs := NewDefaultConverters().Pairs()
	for _, want := range []string{
		"json->cbor", "cbor->json",
		"json->yaml", "yaml->json",
		"json->envelope", "envelope->json",
		"cbor->envelope", "envelope->cbor",
		"yaml->envelope", "envelope->yaml",
	} {
		assert.Contains(t, pairs, want)
	}
}

func TestConvertersPreserveValues(t *testing.T) {
	reg := NewDefaultConverters()
	args := sampleArgs(t)
	envelope, err := EncodeArgs(args)
	require.NoError(t, err)

	for _, format := range []string{FormatJSON, FormatCBOR, FormatYAML} {
		t.Run(format, func(t *testing.T) {
			out, err := reg.Convert(FormatEnvelope, format, envelope)
			require.NoError(t, err)

			back, err := reg.Convert(format, FormatEnvelope, out)
			require.NoError(t, err)

			decoded, err := DecodeArgs(back)
			require.NoError(t, err)
			require.Len(t, decoded, len(args))
			for i := range args {
				assert.True(t, types.Equal(args[i], decoded[i]), "argument %d: %s != %s", i, args[i], decoded[i])
			}
		})
	}
}

func TestJSONArgumentsAreReadable(t *testing.T) {
	data, err := EncodeJSONArgs([]types.Value{types.Int32(7), types.Int64(math.MaxInt64), types.String("hi")})
	require.NoError(t, err)
	assert.Equal(t,
		`[{"type":"int32","value":7},{"type":"int64","value":"9223372036854775807"},{"type":"string","value":"hi"}]`,
		string(data))

	args, err := DecodeJSONArgs([]byte(`[{"type":"uint8","value":255},{"type":"double","value":1.5}]`))
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.True(t, types.Equal(types.Uint8(255), args[0]))
	assert.True(t, types.Equal(types.Double(1.5), args[1]))
}

func TestJSONArgumentsRangeChecked(t *testing.T) {
	for _, in := range []string{
		`[{"type":"uint8","value":256}]`,
		`[{"type":"int8","value":-129}]`,
		`[{"type":"int32","value":1.5}]`,
		`[{"type":"bool","value":1}]`,
		`[{"type":"nope","value":1}]`,
		`{"type":"int32"}`,
	} {
		_, err := DecodeJSONArgs([]byte(in))
		assert.True(t, errors.HasCode(err, errors.FFIConversionFailed), "%s: %v", in, err)
	}
}

func TestConverterRegistry(t *testing.T) {
	reg := NewConverterRegistry()
	upper := func(data []byte) ([]byte, error) { return []byte(strings.ToUpper(string(data))), nil }

	require.NoError(t, reg.Register("text", "shout", upper))
	err := reg.Register("text", "shout", upper)
	assert.True(t, errors.HasCode(err, errors.FFIAlreadyExists))

	out, err := reg.Convert("text", "shout", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "HI", string(out))

	// lookup is by exact pair
	_, err = reg.Lookup("shout", "text")
	assert.True(t, errors.HasCode(err, errors.FFINotFound))

	same, err := reg.Convert("anything", "anything", []byte("as is"))
	require.NoError(t, err)
	assert.Equal(t, "as is", string(same))

	require.NoError(t, reg.Unregister("text", "shout"))
	assert.True(t, errors.HasCode(reg.Unregister("text", "shout"), errors.FFINotFound))
}

func TestConverterFailuresAreConversionFailed(t *testing.T) {
	reg := NewDefaultConverters()
	_, err := reg.Convert(FormatCBOR, FormatJSON, []byte{0xff, 0x00})
	assert.True(t, errors.HasCode(err, errors.FFIConversionFailed))

	_, err = reg.Convert(FormatJSON, FormatEnvelope, []byte(`not json`))
	assert.True(t, errors.HasCode(err, errors.FFIConversionFailed))

	require.NoError(t, reg.Register("a", "b", func([]byte) ([]byte, error) {
		return nil, assert.AnError
	}))
	_, err = reg.Convert("a", "b", nil)
	assert.True(t, errors.HasCode(err, errors.FFIConversionFailed))
	assert.ErrorIs(t, err, assert.AnError)
}
