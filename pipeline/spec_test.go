package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsonSpec = `{
  "name": "demo",
  "version": "1",
  "input_dim": 4,
  "steps": [
    {"transform": "center_scale", "params": {"mean": [1, 1, 1, 1], "scale": 2}},
    {"transform": "truncate", "params": {"width": 2}}
  ]
}`

const yamlSpec = `
name: demo
version: "1"
input_dim: 4
steps:
  - transform: center_scale
    params:
      mean: [1, 1, 1, 1]
      scale: 2
  - transform: truncate
    params:
      width: 2
`

const tomlSpec = `
name = "demo"
version = "1"
input_dim = 4

[[steps]]
transform = "center_scale"
params = { mean = [1, 1, 1, 1], scale = 2 }

[[steps]]
transform = "truncate"
params = { width = 2 }
`

func TestDecodeSpecFormatsShareIdentity(t *testing.T) {
	p := New(nil)

	var ids []string
	for _, tc := range []struct {
		data   string
		format Format
	}{
		{jsonSpec, FormatJSON},
		{yamlSpec, FormatYAML},
		{tomlSpec, FormatTOML},
	} {
		s, err := DecodeSpec([]byte(tc.data), tc.format)
		require.NoError(t, err, tc.format)
		assert.Equal(t, "demo", s.Name)
		assert.Equal(t, 4, s.InputDim)
		require.Len(t, s.Steps, 2)

		cfg, err := p.Build(s)
		require.NoError(t, err, tc.format)
		ids = append(ids, string(cfg.ID()))

		out, err := cfg.Apply([]float32{2, 3, 4, 5})
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 4}, out)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
}

func TestDecodeSpecErrors(t *testing.T) {
	_, err := DecodeSpec([]byte("{"), FormatJSON)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = DecodeSpec([]byte("name: x\nbogus: 1\n"), FormatYAML)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = DecodeSpec([]byte("name = \"x\"\nbogus = 1\n"), FormatTOML)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = DecodeSpec(nil, Format("xml"))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestLoadSpecFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlSpec), 0o600))

	s, err := LoadSpecFile(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", s.Name)

	_, err = LoadSpecFile(filepath.Join(dir, "demo.ini"))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = LoadSpecFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
