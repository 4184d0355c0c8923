// Package storetest provides a conformance suite for store.Store backends.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) store.Store

// Run exercises the store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("RawRoundTrip", func(t *testing.T) { testRawRoundTrip(t, newStore(t)) })
	t.Run("PutProjectionIdempotent", func(t *testing.T) { testPutProjectionIdempotent(t, newStore(t)) })
	t.Run("ListIsolatedAndOrdered", func(t *testing.T) { testListIsolatedAndOrdered(t, newStore(t)) })
	t.Run("DeleteTombstones", func(t *testing.T) { testDeleteTombstones(t, newStore(t)) })
	t.Run("MaxProjectionIDTracksLiveSet", func(t *testing.T) { testMaxProjectionID(t, newStore(t)) })
	t.Run("NotFoundNamesOperation", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

const (
	cfgA = model.ConfigID("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	cfgB = model.ConfigID("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func closeStore(t *testing.T, s store.Store) {
	t.Helper()
	assert.NoError(t, s.Close())
}

func putRaw(t *testing.T, s store.Store, vec ...float32) model.RawID {
	t.Helper()
	id, err := s.PutRaw(context.Background(), model.RawVector{Vector: vec})
	require.NoError(t, err)
	require.NotZero(t, id)
	return id
}

// PutProjection resolves the two permitted natural-key behaviours to an id.
func PutProjection(t *testing.T, s store.Store, in store.ProjectionInput) model.RecordID {
	t.Helper()
	id, err := s.PutProjection(context.Background(), in)
	var ce *store.ConflictError
	if errors.As(err, &ce) {
		return ce.Existing
	}
	require.NoError(t, err)
	return id
}

func testRawRoundTrip(t *testing.T, s store.Store) {
	defer closeStore(t, s)
	ctx := context.Background()

	id, err := s.PutRaw(ctx, model.RawVector{Vector: model.Vector{1, 2, 3}, Metadata: model.Metadata{"label": "x"}})
	require.NoError(t, err)

	got, err := s.GetRaw(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, model.Vector{1, 2, 3}, got.Vector)
	assert.Equal(t, "x", got.Metadata["label"])
	assert.False(t, got.CreatedAt.IsZero())
}

func testPutProjectionIdempotent(t *testing.T, s store.Store) {
	defer closeStore(t, s)
	ctx := context.Background()

	src := putRaw(t, s, 1, 2)
	in := store.ProjectionInput{SourceID: src, ConfigID: cfgA, Vector: model.Vector{0.5, 0.25}, Metadata: model.Metadata{"k": "v"}}

	first, err := s.PutProjection(ctx, in)
	require.NoError(t, err)
	require.NotZero(t, first)

	second, err := s.PutProjection(ctx, in)
	var ce *store.ConflictError
	if errors.As(err, &ce) {
		assert.ErrorIs(t, err, store.ErrConflictOnNaturalKey)
		if ce.Existing != 0 {
			assert.Equal(t, first, ce.Existing)
		}
	} else {
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}

	rec, err := s.GetProjection(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first, rec.ID)
	assert.Equal(t, src, rec.SourceID)
	assert.Equal(t, cfgA, rec.ConfigID)
	assert.Equal(t, model.Vector{0.5, 0.25}, rec.Vector)
	assert.Equal(t, "v", rec.Metadata["k"])

	n, err := s.CountProjections(ctx, cfgA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testListIsolatedAndOrdered(t *testing.T, s store.Store) {
	defer closeStore(t, s)
	ctx := context.Background()

	var wantA []model.RecordID
	for i := range 5 {
		src := putRaw(t, s, float32(i), 1)
		wantA = append(wantA, PutProjection(t, s, store.ProjectionInput{SourceID: src, ConfigID: cfgA, Vector: model.Vector{float32(i)}}))
		PutProjection(t, s, store.ProjectionInput{SourceID: src, ConfigID: cfgB, Vector: model.Vector{float32(i), 0}})
	}

	recs, err := s.ListProjections(ctx, cfgA)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i, r := range recs {
		assert.Equal(t, wantA[i], r.ID)
		assert.Equal(t, cfgA, r.ConfigID)
		if i > 0 {
			assert.Less(t, recs[i-1].ID, r.ID)
		}
	}

	n, err := s.CountProjections(ctx, cfgB)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	empty, err := s.ListProjections(ctx, model.ConfigID("none"))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testDeleteTombstones(t *testing.T, s store.Store) {
	defer closeStore(t, s)
	ctx := context.Background()

	src := putRaw(t, s, 3, 4)
	in := store.ProjectionInput{SourceID: src, ConfigID: cfgA, Vector: model.Vector{3, 4}}
	id := PutProjection(t, s, in)
	keep := PutProjection(t, s, store.ProjectionInput{SourceID: putRaw(t, s, 0, 0), ConfigID: cfgA, Vector: model.Vector{0, 0}})

	require.NoError(t, s.Delete(ctx, id))

	_, err := s.GetProjection(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	recs, err := s.ListProjections(ctx, cfgA)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, keep, recs[0].ID)

	n, err := s.CountProjections(ctx, cfgA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, s.Delete(ctx, id), store.ErrNotFound)

	// Re-projecting after deletion creates a new record.
	again := PutProjection(t, s, in)
	assert.NotEqual(t, id, again)
	assert.Greater(t, again, keep)
}

func testMaxProjectionID(t *testing.T, s store.Store) {
	defer closeStore(t, s)
	ctx := context.Background()

	top, err := s.MaxProjectionID(ctx, cfgA)
	require.NoError(t, err)
	assert.Zero(t, top)

	first := PutProjection(t, s, store.ProjectionInput{SourceID: putRaw(t, s, 1, 0), ConfigID: cfgA, Vector: model.Vector{1, 0}})
	second := PutProjection(t, s, store.ProjectionInput{SourceID: putRaw(t, s, 0, 1), ConfigID: cfgA, Vector: model.Vector{0, 1}})
	PutProjection(t, s, store.ProjectionInput{SourceID: putRaw(t, s, 1, 1), ConfigID: cfgB, Vector: model.Vector{1, 1}})

	top, err = s.MaxProjectionID(ctx, cfgA)
	require.NoError(t, err)
	assert.Equal(t, second, top)

	require.NoError(t, s.Delete(ctx, second))
	top, err = s.MaxProjectionID(ctx, cfgA)
	require.NoError(t, err)
	assert.Equal(t, first, top)

	// Same live count as before the delete, different id set.
	third := PutProjection(t, s, store.ProjectionInput{SourceID: putRaw(t, s, 2, 2), ConfigID: cfgA, Vector: model.Vector{2, 2}})
	n, err := s.CountProjections(ctx, cfgA)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	top, err = s.MaxProjectionID(ctx, cfgA)
	require.NoError(t, err)
	assert.Equal(t, third, top)
	assert.Greater(t, third, second)
}

func testNotFound(t *testing.T, s store.Store) {
	defer closeStore(t, s)
	ctx := context.Background()

	_, err := s.GetProjection(ctx, 424242)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, store.OpGetProjection, store.OpName(err))

	_, err = s.GetRaw(ctx, 424242)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, store.OpGetRaw, store.OpName(err))
}
