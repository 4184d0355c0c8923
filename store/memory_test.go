package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/store"
	"github.com/hupe1980/vecproj/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cfg = model.ConfigID("cfg")

func TestMemoryConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return store.NewMemory() })
}

func TestMemoryConformanceReportingConflicts(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return store.NewMemory(store.WithConflictReporting(true)) })
}

func TestMemoryConflictWithoutExistingID(t *testing.T) {
	s := store.NewMemory(store.WithConflictReporting(false))
	ctx := context.Background()

	in := store.ProjectionInput{SourceID: 1, ConfigID: cfg, Vector: model.Vector{1}}
	first, err := s.PutProjection(ctx, in)
	require.NoError(t, err)

	_, err = s.PutProjection(ctx, in)
	require.ErrorIs(t, err, store.ErrConflictOnNaturalKey)
	var ce *store.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Zero(t, ce.Existing)
	assert.Equal(t, store.OpPutProjection, store.OpName(err))

	found, err := s.FindProjection(ctx, in.Key())
	require.NoError(t, err)
	assert.Equal(t, first, found)
}

func TestMemoryRawDeduplication(t *testing.T) {
	ctx := context.Background()

	dedupe := store.NewMemory(store.WithRawDeduplication())
	a, err := dedupe.PutRaw(ctx, model.RawVector{Vector: model.Vector{1, 2}})
	require.NoError(t, err)
	b, err := dedupe.PutRaw(ctx, model.RawVector{Vector: model.Vector{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	plain := store.NewMemory()
	a, err = plain.PutRaw(ctx, model.RawVector{Vector: model.Vector{1, 2}})
	require.NoError(t, err)
	b, err = plain.PutRaw(ctx, model.RawVector{Vector: model.Vector{1, 2}})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMemoryReturnsCopies(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	vec := model.Vector{1, 2}
	id, err := s.PutProjection(ctx, store.ProjectionInput{SourceID: 1, ConfigID: cfg, Vector: vec})
	require.NoError(t, err)
	vec[0] = 99

	rec, err := s.GetProjection(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Vector{1, 2}, rec.Vector)
	rec.Vector[1] = 99

	again, err := s.GetProjection(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Vector{1, 2}, again.Vector)
}

func TestMemoryConcurrentUpsertSingleRecord(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	in := store.ProjectionInput{SourceID: 7, ConfigID: cfg, Vector: model.Vector{1}}

	ids := make([]model.RecordID, 32)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.PutProjection(ctx, in)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	n, err := s.CountProjections(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryClosed(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, s.Close())

	_, err := s.PutRaw(context.Background(), model.RawVector{Vector: model.Vector{1}})
	assert.ErrorIs(t, err, store.ErrStorageUnavailable)
	assert.Equal(t, store.OpPutRaw, store.OpName(err))
}

func TestMemoryValidatesInput(t *testing.T) {
	s := store.NewMemory()
	_, err := s.PutProjection(context.Background(), store.ProjectionInput{SourceID: 1, ConfigID: cfg})
	assert.Error(t, err)
}

func TestMemoryCanceledContext(t *testing.T) {
	s := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ListProjections(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, store.OpListProjections, store.OpName(err))
}
