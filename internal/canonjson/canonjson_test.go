package canonjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAndIsCompact(t *testing.T) {
	in := map[string]interface{}{
		"b": 1,
		"a": "two",
		"c": map[string]interface{}{"z": 1, "y": 2},
	}
	out, err := MarshalString(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"two","b":1,"c":{"y":2,"z":1}}`, out)
}

func TestMarshalIsIdempotentRoundTrip(t *testing.T) {
	in := map[string]interface{}{"x": 1, "y": []interface{}{1, 2, 3}}
	first, err := MarshalString(in)
	require.NoError(t, err)

	var reparsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(first), &reparsed))

	second, err := MarshalString(reparsed)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSHA256HexDeterministic(t *testing.T) {
	in := map[string]interface{}{"x": 1}
	h1, err := SHA256Hex(in)
	require.NoError(t, err)
	h2, err := SHA256Hex(in)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}
