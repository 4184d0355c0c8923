package transform

import (
	"errors"
	"testing"

	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryNames(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, []string{
		"center_scale", "linear", "normalize", "random_projection", "random_rotation", "truncate",
	}, r.Names())
	assert.True(t, r.Has("truncate"))
	assert.False(t, r.Has("pca"))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := NewDefaultRegistry()
	b := NewDefaultRegistry()
	require.NoError(t, a.Register("identity", Schema{}, CustomFactory(0, nil, func(dst, src []float32) error {
		copy(dst, src)
		return nil
	})))
	assert.True(t, a.Has("identity"))
	assert.False(t, b.Has("identity"))
}

func TestInstantiateUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Instantiate("truncate", map[string]any{"width": 1})
	assert.ErrorIs(t, err, errs.ErrUnknownTransform)
}

func TestInstantiateInvalid(t *testing.T) {
	r := NewDefaultRegistry()
	for _, params := range []map[string]any{
		{},
		{"width": 0},
		{"width": -1},
		{"width": "four"},
		{"width": 4, "extra": true},
	} {
		_, err := r.Instantiate("truncate", params)
		assert.ErrorIs(t, err, errs.ErrInvalidParameters, "params %v", params)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	noop := func(map[string]any) (Params, error) { return NormalizeParams{}, nil }

	assert.ErrorIs(t, r.Register("", Schema{}, noop), errs.ErrInvalidArgument)
	assert.ErrorIs(t, r.Register("x", Schema{}, nil), errs.ErrInvalidArgument)
	assert.ErrorIs(t, r.Register("x", Schema{Fields: []Field{{Name: "a"}, {Name: "a"}}}, noop), errs.ErrInvalidArgument)

	require.NoError(t, r.Register("x", Schema{}, noop))
	assert.ErrorIs(t, r.Register("x", Schema{}, noop), errs.ErrInvalidArgument)
}

func TestFactoryErrorsBecomeInvalidParameters(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("broken", Schema{}, func(map[string]any) (Params, error) {
		return nil, errors.New("boom")
	}))
	_, err := r.Instantiate("broken", nil)
	assert.ErrorIs(t, err, errs.ErrInvalidParameters)
	assert.Contains(t, err.Error(), "boom")
}

type foreignParams struct{}

func (foreignParams) Kind() Kind { return KindCustom }

func TestInstantiateRejectsForeignParams(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("foreign", Schema{}, func(map[string]any) (Params, error) {
		return foreignParams{}, nil
	}))

	var err error
	assert.NotPanics(t, func() { _, err = r.Instantiate("foreign", nil) })
	assert.ErrorIs(t, err, errs.ErrInvalidParameters)
	assert.Contains(t, err.Error(), "foreignParams")
}
