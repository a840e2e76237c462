package canonical

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	out, err := Marshal(map[string]interface{}{
		"zebra": 1.0,
		"alpha": "a",
		"mid":   true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a","mid":true,"zebra":1}`, string(out))
}

func TestMarshalNestedAndArrays(t *testing.T) {
	out, err := Marshal(map[string]interface{}{
		"list": []interface{}{3.0, 1.0, 2.0},
		"obj":  map[string]interface{}{"b": nil, "a": "x"},
	})
	require.NoError(t, err)
	// Array order is preserved; only object keys sort.
	assert.Equal(t, `{"list":[3,1,2],"obj":{"a":"x","b":null}}`, string(out))
}

func TestMarshalPreservesNumberText(t *testing.T) {
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(`{"amount": 0.10, "big": 12345678901234567890}`))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&v))

	out, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"amount":0.10,"big":12345678901234567890}`, string(out))
}

func TestMarshalStruct(t *testing.T) {
	type record struct {
		Name  string  `json:"name"`
		Spend float64 `json:"spend"`
		ID    int     `json:"id"`
	}
	out, err := Marshal(record{Name: "p", Spend: 1.5, ID: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"id":7,"name":"p","spend":1.5}`, string(out))
}

func TestMarshalNestedRawMessage(t *testing.T) {
	out, err := Marshal(map[string]interface{}{
		"payload": json.RawMessage(`{"z": 1, "a": "x"}`),
		"id":      "ev-1",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"ev-1","payload":{"a":"x","z":1}}`, string(out))
}

func TestMarshalDeterministic(t *testing.T) {
	v := map[string]interface{}{"b": 2.0, "a": []interface{}{"x", map[string]interface{}{"k": "v"}}}
	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}
