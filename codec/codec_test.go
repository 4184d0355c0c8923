package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "go-json"} {
		c, err := ByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}

	c, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, "go-json", c.Name())

	_, err = ByName("msgpack")
	assert.Error(t, err)
}

func TestCodecsAgreeOnMetadata(t *testing.T) {
	meta := map[string]string{"label": "cat", "source": "doc-1"}

	a := MustMarshal(JSON{}, meta)
	b := MustMarshal(nil, meta)
	assert.JSONEq(t, string(a), string(b))

	var out map[string]string
	require.NoError(t, GoJSON{}.Unmarshal(a, &out))
	assert.Equal(t, meta, out)
}

func TestCanonical(t *testing.T) {
	b, err := Canonical(map[string]any{"b": 1, "a": map[string]any{"z": "<x>", "y": 2.5}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":2.5,"z":"<x>"},"b":1}`, string(b))

	_, err = Canonical(func() {})
	assert.Error(t, err)
}

func TestMustMarshalPanics(t *testing.T) {
	assert.Panics(t, func() { MustMarshal(JSON{}, make(chan int)) })
}
