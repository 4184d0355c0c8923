package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/hupe1980/vecproj/internal/vecenc"
	"github.com/hupe1980/vecproj/model"
)

// MemoryOption configures a Memory store.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	reportConflicts bool
	conflictID      bool
	dedupeRaw       bool
	now             func() time.Time
}

// WithConflictReporting makes PutProjection fail with *ConflictError instead
// of returning the existing id. includeExisting controls whether the error
// carries that id.
func WithConflictReporting(includeExisting bool) MemoryOption {
	return func(o *memoryOptions) {
		o.reportConflicts = true
		o.conflictID = includeExisting
	}
}

// WithRawDeduplication makes PutRaw return the existing id for a vector
// whose components are bit-identical to an earlier one.
func WithRawDeduplication() MemoryOption {
	return func(o *memoryOptions) { o.dedupeRaw = true }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) { o.now = now }
}

type memoryRecord struct {
	rec     model.ProjectionRecord
	deleted bool
}

// Memory is an in-memory Store. It is the reference implementation of the
// contract and is used by tests and the CLI's ephemeral mode.
type Memory struct {
	opts memoryOptions

	mu       sync.RWMutex
	closed   bool
	nextRaw  model.RawID
	nextRec  model.RecordID
	raws     map[model.RawID]model.RawVector
	rawByKey map[string]model.RawID
	records  map[model.RecordID]*memoryRecord
	live     map[model.NaturalKey]model.RecordID
	byConfig map[model.ConfigID][]model.RecordID
}

var (
	_ Store     = (*Memory)(nil)
	_ KeyFinder = (*Memory)(nil)
	_ Inserter  = (*Memory)(nil)
)

// NewMemory returns an empty in-memory store.
func NewMemory(optFns ...MemoryOption) *Memory {
	opts := memoryOptions{now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Memory{
		opts:     opts,
		raws:     make(map[model.RawID]model.RawVector),
		rawByKey: make(map[string]model.RawID),
		records:  make(map[model.RecordID]*memoryRecord),
		live:     make(map[model.NaturalKey]model.RecordID),
		byConfig: make(map[model.ConfigID][]model.RecordID),
	}
}

// PutRaw stores a raw vector.
func (m *Memory) PutRaw(ctx context.Context, v model.RawVector) (model.RawID, error) {
	if err := ctx.Err(); err != nil {
		return 0, Op("memory", OpPutRaw, err)
	}
	if len(v.Vector) == 0 {
		return 0, Op("memory", OpPutRaw, errs.Invalidf("raw vector is empty"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, Op("memory", OpPutRaw, Unavailable(errs.ErrClosed))
	}

	var key string
	if m.opts.dedupeRaw {
		key = vecenc.ContentKey(v.Vector)
		if id, ok := m.rawByKey[key]; ok {
			return id, nil
		}
	}

	m.nextRaw++
	id := m.nextRaw
	m.raws[id] = model.RawVector{
		ID:        id,
		Vector:    v.Vector.Clone(),
		Metadata:  v.Metadata.Clone(),
		CreatedAt: m.opts.now(),
	}
	if key != "" {
		m.rawByKey[key] = id
	}
	return id, nil
}

// GetRaw returns a raw vector.
func (m *Memory) GetRaw(ctx context.Context, id model.RawID) (model.RawVector, error) {
	if err := ctx.Err(); err != nil {
		return model.RawVector{}, Op("memory", OpGetRaw, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.RawVector{}, Op("memory", OpGetRaw, Unavailable(errs.ErrClosed))
	}

	v, ok := m.raws[id]
	if !ok {
		return model.RawVector{}, Op("memory", OpGetRaw, ErrNotFound)
	}
	v.Vector = v.Vector.Clone()
	v.Metadata = v.Metadata.Clone()
	return v, nil
}

// PutProjection upserts by natural key.
func (m *Memory) PutProjection(ctx context.Context, in ProjectionInput) (model.RecordID, error) {
	id, _, err := m.InsertProjection(ctx, in)
	return id, err
}

// InsertProjection is PutProjection that also reports whether the record
// was created.
func (m *Memory) InsertProjection(ctx context.Context, in ProjectionInput) (model.RecordID, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, Op("memory", OpPutProjection, err)
	}
	if err := Validate(in); err != nil {
		return 0, false, Op("memory", OpPutProjection, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, false, Op("memory", OpPutProjection, Unavailable(errs.ErrClosed))
	}

	key := in.Key()
	if existing, ok := m.live[key]; ok {
		if m.opts.reportConflicts {
			ce := &ConflictError{Key: key}
			if m.opts.conflictID {
				ce.Existing = existing
			}
			return 0, false, Op("memory", OpPutProjection, ce)
		}
		return existing, false, nil
	}

	m.nextRec++
	id := m.nextRec
	m.records[id] = &memoryRecord{rec: model.ProjectionRecord{
		ID:        id,
		SourceID:  in.SourceID,
		ConfigID:  in.ConfigID,
		Vector:    in.Vector.Clone(),
		Metadata:  in.Metadata.Clone(),
		CreatedAt: m.opts.now(),
	}}
	m.live[key] = id
	m.byConfig[in.ConfigID] = append(m.byConfig[in.ConfigID], id)
	return id, true, nil
}

// GetProjection returns a live record.
func (m *Memory) GetProjection(ctx context.Context, id model.RecordID) (model.ProjectionRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.ProjectionRecord{}, Op("memory", OpGetProjection, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.ProjectionRecord{}, Op("memory", OpGetProjection, Unavailable(errs.ErrClosed))
	}

	r, ok := m.records[id]
	if !ok || r.deleted {
		return model.ProjectionRecord{}, Op("memory", OpGetProjection, ErrNotFound)
	}
	return cloneRecord(r.rec), nil
}

// ListProjections returns live records for a config in ascending id order.
func (m *Memory) ListProjections(ctx context.Context, configID model.ConfigID) ([]model.ProjectionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, Op("memory", OpListProjections, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, Op("memory", OpListProjections, Unavailable(errs.ErrClosed))
	}

	ids := m.byConfig[configID]
	out := make([]model.ProjectionRecord, 0, len(ids))
	for _, id := range ids {
		if r := m.records[id]; !r.deleted {
			out = append(out, cloneRecord(r.rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountProjections returns the number of live records for a config.
func (m *Memory) CountProjections(ctx context.Context, configID model.ConfigID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, Op("memory", OpCountProjections, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, Op("memory", OpCountProjections, Unavailable(errs.ErrClosed))
	}

	n := 0
	for _, id := range m.byConfig[configID] {
		if !m.records[id].deleted {
			n++
		}
	}
	return n, nil
}

// MaxProjectionID returns the highest live record id of a config.
func (m *Memory) MaxProjectionID(ctx context.Context, configID model.ConfigID) (model.RecordID, error) {
	if err := ctx.Err(); err != nil {
		return 0, Op("memory", OpMaxProjectionID, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, Op("memory", OpMaxProjectionID, Unavailable(errs.ErrClosed))
	}

	var top model.RecordID
	for _, id := range m.byConfig[configID] {
		if !m.records[id].deleted && id > top {
			top = id
		}
	}
	return top, nil
}

// FindProjection returns the live record id for a natural key.
func (m *Memory) FindProjection(ctx context.Context, key model.NaturalKey) (model.RecordID, error) {
	if err := ctx.Err(); err != nil {
		return 0, Op("memory", OpFindProjection, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.live[key]; ok {
		return id, nil
	}
	return 0, Op("memory", OpFindProjection, ErrNotFound)
}

// Delete tombstones a live record.
func (m *Memory) Delete(ctx context.Context, id model.RecordID) error {
	if err := ctx.Err(); err != nil {
		return Op("memory", OpDelete, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Op("memory", OpDelete, Unavailable(errs.ErrClosed))
	}

	r, ok := m.records[id]
	if !ok || r.deleted {
		return Op("memory", OpDelete, ErrNotFound)
	}
	r.deleted = true
	delete(m.live, r.rec.NaturalKey())
	return nil
}

// Close releases the store. Later calls fail with ErrStorageUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneRecord(r model.ProjectionRecord) model.ProjectionRecord {
	r.Vector = r.Vector.Clone()
	r.Metadata = r.Metadata.Clone()
	return r
}
