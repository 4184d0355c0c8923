package index

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/resource"
)

// Source is the part of the record store an index is built from.
type Source interface {
	// ListProjections returns the live records of a config in ascending id order.
	ListProjections(ctx context.Context, configID model.ConfigID) ([]model.ProjectionRecord, error)
	// CountProjections returns the number of live records of a config.
	CountProjections(ctx context.Context, configID model.ConfigID) (int, error)
	// MaxProjectionID returns the highest live record id of a config, or 0.
	MaxProjectionID(ctx context.Context, configID model.ConfigID) (model.RecordID, error)
}

// census identifies a live record set. Record ids are never reused, so a
// delete followed by an insert changes maxID even when live stays put.
type census struct {
	live  int
	maxID model.RecordID
}

func snapshotCensus(s *Snapshot) census {
	return census{live: s.Live(), maxID: s.MaxLive()}
}

// Options configures a Manager.
type Options struct {
	Policy Policy
	Logger *zap.Logger
	// Resources bounds concurrent builds and snapshot memory. May be nil.
	Resources *resource.Controller
	// Persister enables warm starts from saved snapshots. May be nil.
	Persister *Persister
	// OnBuild is called after every build attempt, successful or not.
	OnBuild func(BuildEvent)
}

// Manager owns one index per registered config.
//
// Each index follows Absent → Building → Ready ⇄ Stale → Building → …
// At most one build runs per config. A build reads the full record set,
// builds a Snapshot off to the side and swaps it in atomically, so readers
// holding the prior snapshot are never disturbed.
type Manager struct {
	src  Source
	opts Options

	mu      sync.RWMutex
	entries map[model.ConfigID]*entry
	closed  bool

	// ctx is the parent of background builds; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type entry struct {
	id  model.ConfigID
	dim int

	snap atomic.Pointer[Snapshot]

	mu        sync.Mutex
	state     State
	prevState State
	mutations int
	job       *buildJob
	// Observed while job is running.
	pendingDeletes []model.RecordID
	pendingMuts    int
	dirty          bool

	removed       bool
	generation    uint64
	charged       int64
	lastErr       error
	buildDuration time.Duration

	warm sync.Once
}

type buildJob struct {
	done   chan struct{}
	cancel context.CancelFunc
	snap   *Snapshot
	err    error
}

// NewManager returns a Manager reading from src.
func NewManager(src Source, optFns ...func(o *Options)) *Manager {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		src:     src,
		opts:    opts,
		entries: make(map[model.ConfigID]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Policy returns the staleness policy.
func (m *Manager) Policy() Policy { return m.opts.Policy }

// Register adds an Absent index for id. Registering an existing id with the
// same width is a no-op.
func (m *Manager) Register(id model.ConfigID, dim int) error {
	if id == "" || dim <= 0 {
		return errs.Invalidf("register index %q with width %d", id, dim)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errs.ErrClosed
	}
	if e, ok := m.entries[id]; ok {
		if e.dim != dim {
			return errs.Invalidf("index %s already registered with width %d, not %d", id.Short(), e.dim, dim)
		}
		return nil
	}
	m.entries[id] = &entry{id: id, dim: dim}
	return nil
}

// Unregister drops the index of id, cancelling any build in flight.
// Persisted snapshots are left in place.
func (m *Manager) Unregister(id model.ConfigID) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrUnknownConfig, id)
	}
	e.mu.Lock()
	e.removed = true
	if e.job != nil {
		e.job.cancel()
	}
	charged := e.charged
	e.charged = 0
	e.mu.Unlock()
	m.opts.Resources.ReleaseMemory(charged)
	return nil
}

// Has reports whether id is registered.
func (m *Manager) Has(id model.ConfigID) bool {
	_, err := m.entry(id)
	return err == nil
}

// Dim returns the vector width registered for id.
func (m *Manager) Dim(id model.ConfigID) (int, error) {
	e, err := m.entry(id)
	if err != nil {
		return 0, err
	}
	return e.dim, nil
}

func (m *Manager) entry(id model.ConfigID) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errs.ErrClosed
	}
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownConfig, id)
	}
	return e, nil
}

// Build rebuilds the index of id and returns the new snapshot. If a build is
// already in flight, Build waits for it instead of starting another.
// Cancelling ctx abandons the wait; a build started by this call is cancelled
// too and the index reverts to its pre-build state.
func (m *Manager) Build(ctx context.Context, id model.ConfigID) (*Snapshot, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	m.warmStart(ctx, e)
	job, _, err := m.startBuild(ctx, e)
	if err != nil {
		return nil, err
	}
	return m.wait(ctx, job)
}

func (m *Manager) wait(ctx context.Context, job *buildJob) (*Snapshot, error) {
	select {
	case <-job.done:
		return job.snap, job.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startBuild returns the in-flight job of e or starts a new one whose
// context derives from parent.
func (m *Manager) startBuild(parent context.Context, e *entry) (*buildJob, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job != nil {
		return e.job, false, nil
	}

	m.mu.RLock()
	closed := m.closed
	if !closed {
		m.wg.Add(1)
	}
	m.mu.RUnlock()
	if closed {
		return nil, false, errs.ErrClosed
	}

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(m.ctx, cancel)
	if m.opts.Policy.BuildTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, m.opts.Policy.BuildTimeout)
		prev := cancel
		cancel = func() { cancelTimeout(); prev() }
	}
	job := &buildJob{done: make(chan struct{}), cancel: cancel}

	e.job = job
	e.prevState = e.state
	e.state = StateBuilding
	e.pendingDeletes = nil
	e.pendingMuts = 0
	e.dirty = false

	go func() {
		defer m.wg.Done()
		defer stop()
		defer cancel()
		m.runBuild(ctx, e, job)
	}()
	return job, true, nil
}

func (m *Manager) runBuild(ctx context.Context, e *entry, job *buildJob) {
	start := time.Now()
	snap, charge, err := m.buildSnapshot(ctx, e)
	m.finish(e, job, snap, charge, err, time.Since(start))
	if job.err == nil && m.opts.Persister != nil {
		// Close waits for the save to complete.
		if perr := m.opts.Persister.Save(context.WithoutCancel(ctx), job.snap); perr != nil {
			m.opts.Logger.Warn("index snapshot not persisted",
				zap.String("config", e.id.Short()),
				zap.Error(perr),
			)
		}
	}
}

func (m *Manager) buildSnapshot(ctx context.Context, e *entry) (*Snapshot, int64, error) {
	rc := m.opts.Resources
	if err := rc.AcquireBuild(ctx); err != nil {
		return nil, 0, err
	}
	defer rc.ReleaseBuild()

	records, err := m.src.ListProjections(ctx, e.id)
	if err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	snap, err := newSnapshot(e.id, e.dim, records)
	if err != nil {
		return nil, 0, err
	}
	charge := snap.SizeBytes()
	if err := rc.AcquireMemory(ctx, charge); err != nil {
		return nil, 0, err
	}
	// A cancel that raced the last step still reverts.
	if err := ctx.Err(); err != nil {
		rc.ReleaseMemory(charge)
		return nil, 0, err
	}
	return snap, charge, nil
}

func (m *Manager) finish(e *entry, job *buildJob, snap *Snapshot, charge int64, err error, took time.Duration) {
	e.mu.Lock()
	var released int64
	if err == nil && e.removed {
		released = charge
		err = fmt.Errorf("%w: %s", errs.ErrUnknownConfig, e.id)
	}
	if err != nil {
		e.state = e.prevState
		if e.dirty && e.state == StateReady {
			e.state = StateStale
		}
		e.mutations += e.pendingMuts
		if e.state == StateReady && e.mutations > m.opts.Policy.StalenessThreshold {
			e.state = StateStale
		}
		e.lastErr = err
	} else {
		for _, id := range e.pendingDeletes {
			snap = snap.withTombstone(id)
		}
		e.generation++
		snap.generation = e.generation
		e.snap.Store(snap)
		released, e.charged = e.charged, charge

		e.mutations = e.pendingMuts
		e.state = StateReady
		if e.dirty || e.mutations > m.opts.Policy.StalenessThreshold {
			e.state = StateStale
		}
		e.lastErr = nil
		e.buildDuration = took
	}
	e.job = nil
	e.pendingDeletes = nil
	e.pendingMuts = 0
	e.dirty = false
	state, gen := e.state, e.generation
	job.snap, job.err = snap, err
	if err != nil {
		job.snap = nil
	}
	e.mu.Unlock()

	m.opts.Resources.ReleaseMemory(released)
	close(job.done)

	ev := BuildEvent{ConfigID: e.id, Generation: gen, Duration: took, Err: err}
	if err != nil {
		m.opts.Logger.Warn("index build failed",
			zap.String("config", e.id.Short()),
			zap.Stringer("state", state),
			zap.Duration("took", took),
			zap.Error(err),
		)
	} else {
		ev.Records = snap.Live()
		m.opts.Logger.Info("index build finished",
			zap.String("config", e.id.Short()),
			zap.Stringer("state", state),
			zap.Uint64("generation", gen),
			zap.Int("records", snap.Live()),
			zap.Duration("took", took),
		)
	}
	if m.opts.OnBuild != nil {
		m.opts.OnBuild(ev)
	}
}

// Acquire returns the snapshot queries of id should read and whether it may
// be stale.
//
// A strict acquire first runs a drift check and rebuilds unless the index is
// Ready afterwards. A non-strict acquire returns the current snapshot at
// once, flagged stale unless Ready. Without any snapshot both wait for a
// build for up to Policy.QueryWait and then fail with ErrIndexBuilding.
func (m *Manager) Acquire(ctx context.Context, id model.ConfigID, strict bool) (*Snapshot, bool, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, false, err
	}
	m.warmStart(ctx, e)

	if strict {
		return m.acquireStrict(ctx, e)
	}

	if snap := e.snap.Load(); snap != nil {
		state := e.currentState()
		if state == StateStale && m.opts.Policy.BackgroundRebuild {
			if _, started, err := m.startBuild(m.ctx, e); err == nil && started {
				m.opts.Logger.Debug("background rebuild started", zap.String("config", e.id.Short()))
			}
		}
		return snap, state != StateReady, nil
	}
	return m.awaitFirst(ctx, e)
}

func (m *Manager) acquireStrict(ctx context.Context, e *entry) (*Snapshot, bool, error) {
	if _, err := m.checkDrift(ctx, e); err != nil {
		return nil, false, err
	}
	// A build that was already running may have missed mutations; allow one
	// more round before giving up on Ready. The rebuild outlives ctx so a
	// caller that gives up does not discard it for everyone else.
	for range 2 {
		if e.currentState() == StateReady {
			break
		}
		job, _, err := m.startBuild(m.ctx, e)
		if err != nil {
			return nil, false, err
		}
		if _, err := m.wait(ctx, job); err != nil {
			return nil, false, err
		}
	}
	snap := e.snap.Load()
	if snap == nil {
		return nil, false, fmt.Errorf("%w: %s", errs.ErrIndexBuilding, e.id)
	}
	return snap, e.currentState() != StateReady, nil
}

// awaitFirst starts or joins a build detached from ctx and waits for it for
// at most Policy.QueryWait.
func (m *Manager) awaitFirst(ctx context.Context, e *entry) (*Snapshot, bool, error) {
	job, _, err := m.startBuild(m.ctx, e)
	if err != nil {
		return nil, false, err
	}
	wait := m.opts.Policy.queryWait()
	if wait < 0 {
		return nil, false, fmt.Errorf("%w: %s", errs.ErrIndexBuilding, e.id)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-job.done:
		if job.err != nil {
			return nil, false, job.err
		}
	case <-timer.C:
		return nil, false, fmt.Errorf("%w: %s (waited %s)", errs.ErrIndexBuilding, e.id, wait)
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	snap := e.snap.Load()
	if snap == nil {
		return nil, false, fmt.Errorf("%w: %s", errs.ErrIndexBuilding, e.id)
	}
	return snap, e.currentState() != StateReady, nil
}

func (e *entry) currentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// NotifyInsert records that a record of id was written to the store.
func (m *Manager) NotifyInsert(id model.ConfigID) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.countMutation(e)
	return nil
}

// NotifyDelete tombstones rec in the current snapshot and in the result of
// any build in flight.
func (m *Manager) NotifyDelete(id model.ConfigID, rec model.RecordID) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if snap := e.snap.Load(); snap != nil {
		e.snap.Store(snap.withTombstone(rec))
	}
	if e.job != nil {
		e.pendingDeletes = append(e.pendingDeletes, rec)
	}
	m.countMutation(e)
	return nil
}

// countMutation must be called with e.mu held.
func (m *Manager) countMutation(e *entry) {
	if e.job != nil {
		e.pendingMuts++
		return
	}
	e.mutations++
	if e.state == StateReady && e.mutations > m.opts.Policy.StalenessThreshold {
		e.state = StateStale
	}
}

// Invalidate marks the index of id Stale. If a build is in flight its result
// is marked Stale too.
func (m *Manager) Invalidate(id model.ConfigID) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateReady:
		e.state = StateStale
	case StateBuilding:
		e.dirty = true
	}
	return nil
}

// CheckDrift compares the store's live count and highest live id for id
// with the snapshot and marks the index Stale when either differs. It reports whether drift was found.
func (m *Manager) CheckDrift(ctx context.Context, id model.ConfigID) (bool, error) {
	e, err := m.entry(id)
	if err != nil {
		return false, err
	}
	return m.checkDrift(ctx, e)
}

func (m *Manager) storeCensus(ctx context.Context, id model.ConfigID) (census, error) {
	n, err := m.src.CountProjections(ctx, id)
	if err != nil {
		return census{}, err
	}
	top, err := m.src.MaxProjectionID(ctx, id)
	if err != nil {
		return census{}, err
	}
	return census{live: n, maxID: top}, nil
}

func (m *Manager) checkDrift(ctx context.Context, e *entry) (bool, error) {
	snap := e.snap.Load()
	if snap == nil {
		return false, nil
	}
	got, err := m.storeCensus(ctx, e.id)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// A newer snapshot was swapped in while counting.
	if cur := e.snap.Load(); cur != nil && cur.Generation() != snap.Generation() {
		return false, nil
	}
	want := snapshotCensus(e.snap.Load())
	if got == want {
		return false, nil
	}
	if e.state == StateReady {
		e.state = StateStale
	}
	if e.state == StateBuilding {
		e.dirty = true
	}
	m.opts.Logger.Info("index drift detected",
		zap.String("config", e.id.Short()),
		zap.Int("store", got.live),
		zap.Int("index", want.live),
		zap.Uint64("store_max_id", uint64(got.maxID)),
		zap.Uint64("index_max_id", uint64(want.maxID)),
	)
	return true, nil
}

// CancelBuild cancels the build of id, if any, and reports whether one was
// running. The index reverts to its pre-build state.
func (m *Manager) CancelBuild(id model.ConfigID) (bool, error) {
	e, err := m.entry(id)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	job := e.job
	e.mu.Unlock()
	if job == nil {
		return false, nil
	}
	job.cancel()
	<-job.done
	return true, nil
}

// Status reports on the index of id.
func (m *Manager) Status(id model.ConfigID) (Status, error) {
	e, err := m.entry(id)
	if err != nil {
		return Status{}, err
	}
	return e.status(), nil
}

// StatusAll reports on every index, ordered by config id.
func (m *Manager) StatusAll() []Status {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.status())
	}
	slices.SortFunc(out, func(a, b Status) int {
		switch {
		case a.ConfigID < b.ConfigID:
			return -1
		case a.ConfigID > b.ConfigID:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (e *entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		ConfigID:      e.id,
		Dim:           e.dim,
		State:         e.state,
		Generation:    e.generation,
		Mutations:     e.mutations + e.pendingMuts,
		BuildDuration: e.buildDuration,
	}
	if snap := e.snap.Load(); snap != nil {
		st.Live = snap.Live()
		st.Slots = snap.Len()
		st.BuiltAt = snap.BuiltAt()
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// warmStart loads the persisted snapshot of e once, accepting it only if
// its live count and highest live id match the store.
func (m *Manager) warmStart(ctx context.Context, e *entry) {
	p := m.opts.Persister
	if p == nil {
		return
	}
	e.warm.Do(func() {
		log := m.opts.Logger.With(zap.String("config", e.id.Short()))
		snap, err := p.Load(ctx, e.id)
		if err != nil {
			if !IsNotFound(err) {
				log.Warn("persisted snapshot rejected", zap.Error(err))
			}
			return
		}
		if snap.Dim() != e.dim {
			log.Warn("persisted snapshot rejected", zap.Int("dim", snap.Dim()), zap.Int("want", e.dim))
			return
		}
		got, err := m.storeCensus(ctx, e.id)
		if err != nil {
			log.Warn("persisted snapshot not verified", zap.Error(err))
			return
		}
		if want := snapshotCensus(snap); got != want {
			log.Info("persisted snapshot drifted",
				zap.Int("store", got.live),
				zap.Int("snapshot", want.live),
				zap.Uint64("store_max_id", uint64(got.maxID)),
				zap.Uint64("snapshot_max_id", uint64(want.maxID)),
			)
			return
		}
		charge := snap.SizeBytes()
		if !m.opts.Resources.TryAcquireMemory(charge) {
			log.Warn("persisted snapshot exceeds memory budget", zap.Int64("bytes", charge))
			return
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.state != StateAbsent || e.snap.Load() != nil {
			m.opts.Resources.ReleaseMemory(charge)
			return
		}
		e.generation = snap.Generation()
		e.charged = charge
		e.snap.Store(snap)
		e.state = StateReady
		log.Info("persisted snapshot loaded", zap.Uint64("generation", snap.Generation()), zap.Int("records", snap.Live()))
	})
}

// Close cancels all builds, waits for them to return and releases every
// snapshot. Later calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := m.entries
	m.entries = make(map[model.ConfigID]*entry)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	var charged int64
	for _, e := range entries {
		e.mu.Lock()
		charged += e.charged
		e.charged = 0
		e.mu.Unlock()
	}
	m.opts.Resources.ReleaseMemory(charged)
	return nil
}

// IsBuilding reports whether err means a query gave up waiting for a build.
func IsBuilding(err error) bool {
	return errors.Is(err, errs.ErrIndexBuilding)
}
