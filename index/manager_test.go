package index

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/resource"
	"github.com/hupe1980/vecproj/store"
)

const testConfig = model.ConfigID("0123456789abcdef0123456789abcdef")

// gatedSource wraps a store. When armed, ListProjections reads the records
// and then blocks until the gate is released or ctx is done.
type gatedSource struct {
	*store.Memory

	lists   atomic.Int32
	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
	listErr error
}

func newGatedSource() *gatedSource {
	return &gatedSource{Memory: store.NewMemory()}
}

func (g *gatedSource) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	g.entered = make(chan struct{}, 1)
}

func (g *gatedSource) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
}

func (g *gatedSource) failWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listErr = err
}

func (g *gatedSource) ListProjections(ctx context.Context, id model.ConfigID) ([]model.ProjectionRecord, error) {
	g.lists.Add(1)
	g.mu.Lock()
	gate, entered, listErr := g.gate, g.entered, g.listErr
	g.mu.Unlock()
	if listErr != nil {
		return nil, listErr
	}

	recs, err := g.Memory.ListProjections(ctx, id)
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return recs, err
}

func put(t *testing.T, s store.Store, src model.RawID, vec ...float32) model.RecordID {
	t.Helper()
	id, err := s.PutProjection(context.Background(), store.ProjectionInput{
		SourceID: src,
		ConfigID: testConfig,
		Vector:   vec,
	})
	require.NoError(t, err)
	return id
}

func newTestManager(t *testing.T, src Source, optFns ...func(o *Options)) *Manager {
	t.Helper()
	m := NewManager(src, optFns...)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Register(testConfig, 2))
	return m
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := m.Status(testConfig)
		return err == nil && st.State == want
	}, 2*time.Second, time.Millisecond)
}

func TestFirstAcquireBuilds(t *testing.T) {
	src := newGatedSource()
	put(t, src, 1, 0, 0)
	put(t, src, 2, 3, 4)
	m := newTestManager(t, src)

	st, err := m.Status(testConfig)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, st.State)

	snap, stale, err := m.Acquire(context.Background(), testConfig, false)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, 2, snap.Live())
	assert.Equal(t, uint64(1), snap.Generation())

	st, err = m.Status(testConfig)
	require.NoError(t, err)
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, 2, st.Live)
}

func TestUnknownConfig(t *testing.T) {
	m := NewManager(newGatedSource())
	defer m.Close()

	_, _, err := m.Acquire(context.Background(), "missing", false)
	assert.ErrorIs(t, err, errs.ErrUnknownConfig)
	_, err = m.Build(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrUnknownConfig)
	assert.ErrorIs(t, m.NotifyInsert("missing"), errs.ErrUnknownConfig)
	assert.ErrorIs(t, m.Unregister("missing"), errs.ErrUnknownConfig)
}

func TestRegister(t *testing.T) {
	m := NewManager(newGatedSource())
	defer m.Close()

	require.NoError(t, m.Register(testConfig, 4))
	require.NoError(t, m.Register(testConfig, 4))
	assert.ErrorIs(t, m.Register(testConfig, 8), errs.ErrInvalidArgument)
	assert.ErrorIs(t, m.Register("other", 0), errs.ErrInvalidArgument)
	assert.True(t, m.Has(testConfig))

	require.NoError(t, m.Unregister(testConfig))
	assert.False(t, m.Has(testConfig))
}

func TestStrictAcquireRebuildsAfterDelete(t *testing.T) {
	ctx := context.Background()
	src := newGatedSource()
	keep := put(t, src, 1, 0, 0)
	gone := put(t, src, 2, 3, 4)
	m := newTestManager(t, src)

	_, err := m.Build(ctx, testConfig)
	require.NoError(t, err)

	require.NoError(t, src.Delete(ctx, gone))
	require.NoError(t, m.NotifyDelete(testConfig, gone))

	// The tombstone applies at once; the index still turns stale.
	snap, stale, err := m.Acquire(ctx, testConfig, false)
	require.NoError(t, err)
	assert.True(t, stale)
	assert.False(t, snap.Contains(gone))
	assert.True(t, snap.Contains(keep))
	assert.Equal(t, uint64(1), snap.Generation())

	snap, stale, err = m.Acquire(ctx, testConfig, true)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, uint64(2), snap.Generation())
	assert.Equal(t, 1, snap.Live())
	assert.Equal(t, 1, snap.Len())
	assert.False(t, snap.Contains(gone))
}

func TestStrictCallerCancelKeepsRebuild(t *testing.T) {
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src)
	_, err := m.Build(context.Background(), testConfig)
	require.NoError(t, err)

	put(t, src, 2, 2, 2)
	src.arm()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, _, err := m.Acquire(ctx, testConfig, true)
		errc <- err
	}()
	<-src.entered
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	src.release()
	waitForState(t, m, StateReady)
	snap, stale, err := m.Acquire(context.Background(), testConfig, false)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, uint64(2), snap.Generation())
	assert.Equal(t, 2, snap.Live())
}

func TestStalenessThreshold(t *testing.T) {
	ctx := context.Background()
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src, func(o *Options) {
		o.Policy.StalenessThreshold = 2
	})
	_, err := m.Build(ctx, testConfig)
	require.NoError(t, err)

	for i := range 2 {
		put(t, src, model.RawID(10+i), 1, 2)
		require.NoError(t, m.NotifyInsert(testConfig))
	}
	st, _ := m.Status(testConfig)
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, 2, st.Mutations)

	put(t, src, 20, 2, 2)
	require.NoError(t, m.NotifyInsert(testConfig))
	st, _ = m.Status(testConfig)
	assert.Equal(t, StateStale, st.State)
}

func TestStrictAcquireDetectsDrift(t *testing.T) {
	ctx := context.Background()
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src, func(o *Options) {
		o.Policy.StalenessThreshold = 100
	})
	_, err := m.Build(ctx, testConfig)
	require.NoError(t, err)

	// Written behind the manager's back.
	late := put(t, src, 2, 5, 5)

	snap, stale, err := m.Acquire(ctx, testConfig, false)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.False(t, snap.Contains(late))

	snap, stale, err = m.Acquire(ctx, testConfig, true)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.True(t, snap.Contains(late))
}

func TestCheckDrift(t *testing.T) {
	ctx := context.Background()
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src)

	drift, err := m.CheckDrift(ctx, testConfig)
	require.NoError(t, err)
	assert.False(t, drift, "no snapshot, nothing to compare")

	_, err = m.Build(ctx, testConfig)
	require.NoError(t, err)
	drift, err = m.CheckDrift(ctx, testConfig)
	require.NoError(t, err)
	assert.False(t, drift)

	put(t, src, 2, 2, 2)
	drift, err = m.CheckDrift(ctx, testConfig)
	require.NoError(t, err)
	assert.True(t, drift)
	st, _ := m.Status(testConfig)
	assert.Equal(t, StateStale, st.State)
}

func TestCheckDriftSeesReplacedRecord(t *testing.T) {
	ctx := context.Background()
	src := newGatedSource()
	gone := put(t, src, 1, 1, 1)
	put(t, src, 2, 2, 2)
	m := newTestManager(t, src)
	_, err := m.Build(ctx, testConfig)
	require.NoError(t, err)

	require.NoError(t, src.Delete(ctx, gone))
	put(t, src, 3, 3, 3)

	drift, err := m.CheckDrift(ctx, testConfig)
	require.NoError(t, err)
	assert.True(t, drift, "same live count, different ids")
	st, _ := m.Status(testConfig)
	assert.Equal(t, StateStale, st.State)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src)
	_, err := m.Build(ctx, testConfig)
	require.NoError(t, err)

	require.NoError(t, m.Invalidate(testConfig))
	st, _ := m.Status(testConfig)
	assert.Equal(t, StateStale, st.State)
}

func TestInvalidateDuringBuild(t *testing.T) {
	ctx := context.Background()
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src)

	src.arm()
	done := make(chan error, 1)
	go func() {
		_, err := m.Build(ctx, testConfig)
		done <- err
	}()
	<-src.entered
	require.NoError(t, m.Invalidate(testConfig))
	src.release()
	require.NoError(t, <-done)

	st, _ := m.Status(testConfig)
	assert.Equal(t, StateStale, st.State)
}

func TestCancelBuildRevertsState(t *testing.T) {
	ctx := context.Background()
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src)
	first, err := m.Build(ctx, testConfig)
	require.NoError(t, err)

	src.arm()
	done := make(chan error, 1)
	go func() {
		_, err := m.Build(ctx, testConfig)
		done <- err
	}()
	<-src.entered
	waitForState(t, m, StateBuilding)

	cancelled, err := m.CancelBuild(testConfig)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.ErrorIs(t, <-done, context.Canceled)

	st, _ := m.Status(testConfig)
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, uint64(1), st.Generation)
	assert.NotEmpty(t, st.LastError)

	snap, stale, err := m.Acquire(ctx, testConfig, false)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Same(t, first, snap)

	cancelled, err = m.CancelBuild(testConfig)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelFirstBuildReturnsToAbsent(t *testing.T) {
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src)

	src.arm()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Build(ctx, testConfig)
		done <- err
	}()
	<-src.entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	waitForState(t, m, StateAbsent)
	src.release()
}

func TestQueriesDuringRebuildUsePriorSnapshot(t *testing.T) {
	ctx := context.Background()
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src)
	first, err := m.Build(ctx, testConfig)
	require.NoError(t, err)

	put(t, src, 2, 2, 2)
	require.NoError(t, m.NotifyInsert(testConfig))

	src.arm()
	done := make(chan *Snapshot, 1)
	go func() {
		snap, err := m.Build(ctx, testConfig)
		assert.NoError(t, err)
		done <- snap
	}()
	<-src.entered

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, stale, err := m.Acquire(ctx, testConfig, false)
			assert.NoError(t, err)
			assert.True(t, stale)
			assert.Same(t, first, snap)
		}()
	}
	wg.Wait()

	src.release()
	second := <-done
	require.NotNil(t, second)
	assert.Equal(t, uint64(2), second.Generation())
	assert.Equal(t, 2, second.Live())
	assert.Equal(t, int32(2), src.lists.Load())
}

func TestConcurrentBuildsShareOneRun(t *testing.T) {
	ctx := context.Background()
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src)

	src.arm()
	var wg sync.WaitGroup
	snaps := make([]*Snapshot, 4)
	for i := range snaps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := m.Build(ctx, testConfig)
			assert.NoError(t, err)
			snaps[i] = snap
		}()
	}
	<-src.entered
	waitForState(t, m, StateBuilding)
	src.release()
	wg.Wait()

	assert.LessOrEqual(t, src.lists.Load(), int32(4))
	st, _ := m.Status(testConfig)
	assert.Equal(t, uint64(src.lists.Load()), st.Generation)
	for _, s := range snaps {
		require.NotNil(t, s)
	}
}

func TestQueryWaitFailsWithIndexBuilding(t *testing.T) {
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src, func(o *Options) {
		o.Policy.QueryWait = 20 * time.Millisecond
	})

	src.arm()
	_, _, err := m.Acquire(context.Background(), testConfig, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIndexBuilding)
	assert.True(t, IsBuilding(err))

	src.release()
	waitForState(t, m, StateReady)
	snap, stale, err := m.Acquire(context.Background(), testConfig, false)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, 1, snap.Live())
}

func TestDeleteDuringBuildIsCarriedOver(t *testing.T) {
	ctx := context.Background()
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	gone := put(t, src, 2, 2, 2)
	m := newTestManager(t, src)

	src.arm()
	done := make(chan *Snapshot, 1)
	go func() {
		snap, err := m.Build(ctx, testConfig)
		assert.NoError(t, err)
		done <- snap
	}()
	<-src.entered

	require.NoError(t, src.Delete(ctx, gone))
	require.NoError(t, m.NotifyDelete(testConfig, gone))
	src.release()

	snap := <-done
	require.NotNil(t, snap)
	assert.False(t, snap.Contains(gone))
	assert.Equal(t, 1, snap.Live())

	st, _ := m.Status(testConfig)
	assert.Equal(t, StateStale, st.State, "mutation during the build counts toward staleness")
}

func TestBuildFailureKeepsPriorSnapshot(t *testing.T) {
	ctx := context.Background()
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src)
	first, err := m.Build(ctx, testConfig)
	require.NoError(t, err)
	require.NoError(t, m.Invalidate(testConfig))

	boom := store.Unavailable(errors.New("connection refused"))
	src.failWith(boom)
	_, err = m.Build(ctx, testConfig)
	assert.ErrorIs(t, err, errs.ErrStorageUnavailable)

	st, _ := m.Status(testConfig)
	assert.Equal(t, StateStale, st.State)
	assert.Contains(t, st.LastError, "connection refused")

	snap, stale, err := m.Acquire(ctx, testConfig, false)
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Same(t, first, snap)
}

func TestBuildRejectsWrongWidth(t *testing.T) {
	src := newGatedSource()
	put(t, src, 1, 1, 1, 1)
	m := newTestManager(t, src)

	_, err := m.Build(context.Background(), testConfig)
	assert.ErrorIs(t, err, errs.ErrDimensionalityMismatch)
	st, _ := m.Status(testConfig)
	assert.Equal(t, StateAbsent, st.State)
}

func TestBuildTimeout(t *testing.T) {
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src, func(o *Options) {
		o.Policy.BuildTimeout = 10 * time.Millisecond
	})
	src.arm()
	defer src.release()

	_, err := m.Build(context.Background(), testConfig)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackgroundRebuild(t *testing.T) {
	ctx := context.Background()
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src, func(o *Options) {
		o.Policy.BackgroundRebuild = true
	})
	_, err := m.Build(ctx, testConfig)
	require.NoError(t, err)

	put(t, src, 2, 2, 2)
	require.NoError(t, m.NotifyInsert(testConfig))

	_, stale, err := m.Acquire(ctx, testConfig, false)
	require.NoError(t, err)
	assert.True(t, stale)

	require.Eventually(t, func() bool {
		st, _ := m.Status(testConfig)
		return st.State == StateReady && st.Generation == 2
	}, 2*time.Second, time.Millisecond)
}

func TestMemoryAccounting(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 1 << 20})
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	put(t, src, 2, 2, 2)
	m := newTestManager(t, src, func(o *Options) { o.Resources = rc })

	snap, err := m.Build(context.Background(), testConfig)
	require.NoError(t, err)
	assert.Equal(t, snap.SizeBytes(), rc.MemoryUsage())

	_, err = m.Build(context.Background(), testConfig)
	require.NoError(t, err)
	assert.Equal(t, snap.SizeBytes(), rc.MemoryUsage(), "prior snapshot released on swap")

	require.NoError(t, m.Unregister(testConfig))
	assert.Zero(t, rc.MemoryUsage())
}

func TestMemoryLimitFailsBuild(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 8})
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src, func(o *Options) { o.Resources = rc })

	_, err := m.Build(context.Background(), testConfig)
	assert.ErrorIs(t, err, resource.ErrExceedsLimit)
}

func TestOnBuild(t *testing.T) {
	var events []BuildEvent
	var mu sync.Mutex
	src := newGatedSource()
	put(t, src, 1, 1, 1)
	m := newTestManager(t, src, func(o *Options) {
		o.OnBuild = func(ev BuildEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		}
	})
	_, err := m.Build(context.Background(), testConfig)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, testConfig, events[0].ConfigID)
	assert.Equal(t, 1, events[0].Records)
	assert.NoError(t, events[0].Err)
}

func TestStatusAll(t *testing.T) {
	m := NewManager(newGatedSource())
	defer m.Close()
	require.NoError(t, m.Register("b", 2))
	require.NoError(t, m.Register("a", 3))

	all := m.StatusAll()
	require.Len(t, all, 2)
	assert.Equal(t, model.ConfigID("a"), all[0].ConfigID)
	assert.Equal(t, 3, all[0].Dim)
	assert.Equal(t, StateAbsent, all[1].State)
}

func TestClose(t *testing.T) {
	src := newGatedSource()
	m := NewManager(src)
	require.NoError(t, m.Register(testConfig, 2))

	src.arm()
	go func() { _, _ = m.Build(context.Background(), testConfig) }()
	<-src.entered

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, _, err := m.Acquire(context.Background(), testConfig, false)
	assert.ErrorIs(t, err, errs.ErrClosed)
	assert.ErrorIs(t, m.Register("x", 1), errs.ErrClosed)
}
