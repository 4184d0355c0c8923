// Package qdrant implements store.Store on a Qdrant server.
//
// Projection records for a config live in their own collection
// "<prefix>_p_<config id>"; raw vectors live in "<prefix>_raw_<dim>" so each
// collection keeps a fixed vector size. Point ids are the store's record and
// raw ids. Every point carries the payload fields
//
//	rid         record or raw id (integer index, used to recover counters)
//	source_id   raw id of the source (projections only)
//	config_id   config id (projections only)
//	deleted     tombstone flag
//	created_at  unix nanoseconds
//	metadata    metadata as a JSON string
//
// Qdrant has no conditional writes, so natural-key uniqueness is enforced by
// a per-process writer lock. Record ids come from a process-local counter
// seeded from the highest stored rid. A write re-reads the counters when the
// next id is already taken in its collection, which keeps a second process
// from overwriting records it has not seen. Concurrent writes from two
// processes can still race, so run a single writer per prefix.
package qdrant

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/vecproj/codec"
	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/store"
	"github.com/qdrant/go-client/qdrant"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	backend = "qdrant"

	fieldRID       = "rid"
	fieldSourceID  = "source_id"
	fieldConfigID  = "config_id"
	fieldDeleted   = "deleted"
	fieldCreatedAt = "created_at"
	fieldMetadata  = "metadata"

	pageSize = 256

	maxClaimAttempts = 3
)

// Client is the subset of *qdrant.Client used by Store.
type Client interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	ListCollections(ctx context.Context) ([]string, error)
	CreateFieldIndex(ctx context.Context, request *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Get(ctx context.Context, request *qdrant.GetPoints) ([]*qdrant.RetrievedPoint, error)
	ScrollAndOffset(ctx context.Context, request *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error)
	Count(ctx context.Context, request *qdrant.CountPoints) (uint64, error)
	SetPayload(ctx context.Context, request *qdrant.SetPayloadPoints) (*qdrant.UpdateResult, error)
	Close() error
}

var _ Client = (*qdrant.Client)(nil)

// Options configures a Store.
type Options struct {
	// Prefix namespaces the collections owned by the store. Default "vecproj".
	Prefix string
	// Distance is the collection distance function. It only matters for
	// Qdrant-side search; the engine computes its own distances.
	Distance qdrant.Distance
	// Codec encodes the metadata payload. Default codec.Default.
	Codec codec.Codec
}

// Store is a Qdrant-backed store.Store.
type Store struct {
	client Client
	opts   Options

	mu      sync.Mutex // serializes writers
	nextRaw uint64
	nextRec uint64
	known   map[string]struct{}

	locMu sync.RWMutex
	recAt map[model.RecordID]string
	rawAt map[model.RawID]string
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.KeyFinder = (*Store)(nil)
	_ store.Inserter  = (*Store)(nil)
)

// Dial connects to a Qdrant server and opens a Store on it.
func Dial(ctx context.Context, cfg *qdrant.Config, optFns ...func(*Options)) (*Store, error) {
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, store.Op(backend, "open", store.Unavailable(err))
	}
	s, err := New(ctx, client, optFns...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// New opens a Store on client. Id counters resume from the highest id found
// in the existing collections.
func New(ctx context.Context, client Client, optFns ...func(*Options)) (*Store, error) {
	opts := Options{Prefix: "vecproj", Distance: qdrant.Distance_Euclid, Codec: codec.Default}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Store{
		client: client,
		opts:   opts,
		known:  make(map[string]struct{}),
		recAt:  make(map[model.RecordID]string),
		rawAt:  make(map[model.RawID]string),
	}
	if err := s.recover(ctx); err != nil {
		return nil, store.Op(backend, "open", err)
	}
	return s, nil
}

func (s *Store) rawCollection(dim int) string {
	return s.opts.Prefix + "_raw_" + strconv.Itoa(dim)
}

func (s *Store) projCollection(id model.ConfigID) string {
	return s.opts.Prefix + "_p_" + string(id)
}

func (s *Store) isRaw(name string) bool  { return strings.HasPrefix(name, s.opts.Prefix+"_raw_") }
func (s *Store) isProj(name string) bool { return strings.HasPrefix(name, s.opts.Prefix+"_p_") }

// recover seeds the id counters and the known-collection set.
func (s *Store) recover(ctx context.Context) error {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return classify(err)
	}
	for _, name := range names {
		raw, proj := s.isRaw(name), s.isProj(name)
		if !raw && !proj {
			continue
		}
		s.known[name] = struct{}{}

		pts, _, err := s.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: name,
			Limit:          qdrant.PtrOf(uint32(1)),
			OrderBy: &qdrant.OrderBy{
				Key:       fieldRID,
				Direction: qdrant.Direction_Desc.Enum(),
			},
			WithPayload: qdrant.NewWithPayloadInclude(fieldRID),
		})
		if err != nil {
			return classify(err)
		}
		if len(pts) == 0 {
			continue
		}
		top := pts[0].GetId().GetNum()
		if raw && top > s.nextRaw {
			s.nextRaw = top
		}
		if proj && top > s.nextRec {
			s.nextRec = top
		}
	}
	return nil
}

// ensure creates a collection of the given vector size on first use.
func (s *Store) ensure(ctx context.Context, name string, dim int) error {
	if _, ok := s.known[name]; ok {
		return nil
	}
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return classify(err)
	}
	if !exists {
		if err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: s.opts.Distance,
			}),
		}); err != nil {
			return classify(err)
		}
		for field, typ := range map[string]qdrant.FieldType{
			fieldRID:      qdrant.FieldType_FieldTypeInteger,
			fieldSourceID: qdrant.FieldType_FieldTypeInteger,
			fieldDeleted:  qdrant.FieldType_FieldTypeBool,
		} {
			if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: name,
				Wait:           qdrant.PtrOf(true),
				FieldName:      field,
				FieldType:      typ.Enum(),
			}); err != nil {
				return classify(err)
			}
		}
	}
	s.known[name] = struct{}{}
	return nil
}

func (s *Store) payload(rid uint64, meta model.Metadata) (map[string]*qdrant.Value, error) {
	p := map[string]*qdrant.Value{
		fieldRID:       qdrant.NewValueInt(int64(rid)),
		fieldDeleted:   qdrant.NewValueBool(false),
		fieldCreatedAt: qdrant.NewValueInt(time.Now().UnixNano()),
	}
	if len(meta) > 0 {
		b, err := s.opts.Codec.Marshal(meta)
		if err != nil {
			return nil, err
		}
		p[fieldMetadata] = qdrant.NewValueString(string(b))
	}
	return p, nil
}

// PutRaw stores a raw vector.
func (s *Store) PutRaw(ctx context.Context, v model.RawVector) (model.RawID, error) {
	if len(v.Vector) == 0 {
		return 0, store.Op(backend, store.OpPutRaw, fmt.Errorf("raw vector is empty"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.rawCollection(len(v.Vector))
	if err := s.ensure(ctx, name, len(v.Vector)); err != nil {
		return 0, store.Op(backend, store.OpPutRaw, err)
	}
	n := s.nextRaw + 1
	p, err := s.payload(n, v.Metadata)
	if err != nil {
		return 0, store.Op(backend, store.OpPutRaw, err)
	}
	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDNum(n),
			Vectors: qdrant.NewVectorsDense(v.Vector),
			Payload: p,
		}},
	}); err != nil {
		return 0, store.Op(backend, store.OpPutRaw, classify(err))
	}
	s.nextRaw = n

	id := model.RawID(n)
	s.locMu.Lock()
	s.rawAt[id] = name
	s.locMu.Unlock()
	return id, nil
}

// GetRaw returns a raw vector.
func (s *Store) GetRaw(ctx context.Context, id model.RawID) (model.RawVector, error) {
	s.locMu.RLock()
	hint := s.rawAt[id]
	s.locMu.RUnlock()

	pt, name, err := s.find(ctx, uint64(id), hint, s.isRaw)
	if err != nil {
		return model.RawVector{}, store.Op(backend, store.OpGetRaw, err)
	}
	meta, err := s.readMeta(pt)
	if err != nil {
		return model.RawVector{}, store.Op(backend, store.OpGetRaw, err)
	}
	s.locMu.Lock()
	s.rawAt[id] = name
	s.locMu.Unlock()

	return model.RawVector{
		ID:        id,
		Vector:    denseVector(pt),
		Metadata:  meta,
		CreatedAt: time.Unix(0, pt.GetPayload()[fieldCreatedAt].GetIntegerValue()),
	}, nil
}

// PutProjection upserts by natural key.
func (s *Store) PutProjection(ctx context.Context, in store.ProjectionInput) (model.RecordID, error) {
	id, _, err := s.InsertProjection(ctx, in)
	return id, err
}

// InsertProjection is PutProjection that also reports whether the point
// was written.
func (s *Store) InsertProjection(ctx context.Context, in store.ProjectionInput) (model.RecordID, bool, error) {
	if err := store.Validate(in); err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.projCollection(in.ConfigID)
	if err := s.ensure(ctx, name, len(in.Vector)); err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, err)
	}
	if existing, err := s.findLive(ctx, name, in.SourceID); err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, err)
	} else if existing != 0 {
		return existing, false, nil
	}

	n, err := s.claimRecordID(ctx, name)
	if err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, err)
	}
	p, err := s.payload(n, in.Metadata)
	if err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, err)
	}
	p[fieldSourceID] = qdrant.NewValueInt(int64(in.SourceID))
	p[fieldConfigID] = qdrant.NewValueString(string(in.ConfigID))

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDNum(n),
			Vectors: qdrant.NewVectorsDense(in.Vector),
			Payload: p,
		}},
	}); err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, classify(err))
	}
	s.nextRec = n

	id := model.RecordID(n)
	s.locMu.Lock()
	s.recAt[id] = name
	s.locMu.Unlock()
	return id, true, nil
}

// claimRecordID returns the next record id that is still free in the
// projection collection name. When another writer on the same prefix has
// used it, the counters are re-read from the server first.
func (s *Store) claimRecordID(ctx context.Context, name string) (uint64, error) {
	for range maxClaimAttempts {
		n := s.nextRec + 1
		pts, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: name,
			Ids:            []*qdrant.PointId{qdrant.NewIDNum(n)},
		})
		if err != nil {
			return 0, classify(err)
		}
		if len(pts) == 0 {
			return n, nil
		}
		if err := s.recover(ctx); err != nil {
			return 0, err
		}
		s.nextRec = max(s.nextRec, n)
	}
	return 0, store.Unavailable(fmt.Errorf("record id of %s still taken after %d attempts", name, maxClaimAttempts))
}

// FindProjection returns the live record for key.
func (s *Store) FindProjection(ctx context.Context, key model.NaturalKey) (model.RecordID, error) {
	name := s.projCollection(key.ConfigID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return 0, store.Op(backend, store.OpFindProjection, classify(err))
	}
	if !exists {
		return 0, store.Op(backend, store.OpFindProjection, store.ErrNotFound)
	}
	id, err := s.findLive(ctx, name, key.SourceID)
	if err != nil {
		return 0, store.Op(backend, store.OpFindProjection, err)
	}
	if id == 0 {
		return 0, store.Op(backend, store.OpFindProjection, store.ErrNotFound)
	}
	return id, nil
}

func liveFilter(extra ...*qdrant.Condition) *qdrant.Filter {
	return &qdrant.Filter{
		Must: append([]*qdrant.Condition{qdrant.NewMatchBool(fieldDeleted, false)}, extra...),
	}
}

// findLive returns the live record id for source in collection name, or 0.
func (s *Store) findLive(ctx context.Context, name string, source model.RawID) (model.RecordID, error) {
	pts, _, err := s.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
		CollectionName: name,
		Filter:         liveFilter(qdrant.NewMatchInt(fieldSourceID, int64(source))),
		Limit:          qdrant.PtrOf(uint32(1)),
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return 0, classify(err)
	}
	if len(pts) == 0 {
		return 0, nil
	}
	return model.RecordID(pts[0].GetId().GetNum()), nil
}

// find locates point id, trying hint first and then every collection
// accepted by match.
func (s *Store) find(ctx context.Context, id uint64, hint string, match func(string) bool) (*qdrant.RetrievedPoint, string, error) {
	var names []string
	if hint != "" {
		names = []string{hint}
	} else {
		all, err := s.client.ListCollections(ctx)
		if err != nil {
			return nil, "", classify(err)
		}
		for _, n := range all {
			if match(n) {
				names = append(names, n)
			}
		}
	}
	for _, name := range names {
		pts, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: name,
			Ids:            []*qdrant.PointId{qdrant.NewIDNum(id)},
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return nil, "", classify(err)
		}
		if len(pts) > 0 {
			if pts[0].GetPayload()[fieldDeleted].GetBoolValue() {
				return nil, "", store.ErrNotFound
			}
			return pts[0], name, nil
		}
	}
	return nil, "", store.ErrNotFound
}

func (s *Store) record(pt *qdrant.RetrievedPoint) (model.ProjectionRecord, error) {
	meta, err := s.readMeta(pt)
	if err != nil {
		return model.ProjectionRecord{}, err
	}
	p := pt.GetPayload()
	return model.ProjectionRecord{
		ID:        model.RecordID(pt.GetId().GetNum()),
		SourceID:  model.RawID(p[fieldSourceID].GetIntegerValue()),
		ConfigID:  model.ConfigID(p[fieldConfigID].GetStringValue()),
		Vector:    denseVector(pt),
		Metadata:  meta,
		CreatedAt: time.Unix(0, p[fieldCreatedAt].GetIntegerValue()),
	}, nil
}

// GetProjection returns a live projection record.
func (s *Store) GetProjection(ctx context.Context, id model.RecordID) (model.ProjectionRecord, error) {
	s.locMu.RLock()
	hint := s.recAt[id]
	s.locMu.RUnlock()

	pt, name, err := s.find(ctx, uint64(id), hint, s.isProj)
	if err != nil {
		return model.ProjectionRecord{}, store.Op(backend, store.OpGetProjection, err)
	}
	rec, err := s.record(pt)
	if err != nil {
		return model.ProjectionRecord{}, store.Op(backend, store.OpGetProjection, err)
	}
	s.locMu.Lock()
	s.recAt[id] = name
	s.locMu.Unlock()
	return rec, nil
}

// ListProjections returns live records for a config in ascending id order.
func (s *Store) ListProjections(ctx context.Context, configID model.ConfigID) ([]model.ProjectionRecord, error) {
	name := s.projCollection(configID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, store.Op(backend, store.OpListProjections, classify(err))
	}
	if !exists {
		return nil, nil
	}

	var (
		out    []model.ProjectionRecord
		offset *qdrant.PointId
	)
	for {
		pts, next, err := s.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: name,
			Filter:         liveFilter(),
			Offset:         offset,
			Limit:          qdrant.PtrOf(uint32(pageSize)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return nil, store.Op(backend, store.OpListProjections, classify(err))
		}
		for _, pt := range pts {
			rec, err := s.record(pt)
			if err != nil {
				return nil, store.Op(backend, store.OpListProjections, err)
			}
			out = append(out, rec)
		}
		if next == nil {
			return out, nil
		}
		offset = next
	}
}

// CountProjections returns the number of live records for a config.
func (s *Store) CountProjections(ctx context.Context, configID model.ConfigID) (int, error) {
	name := s.projCollection(configID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return 0, store.Op(backend, store.OpCountProjections, classify(err))
	}
	if !exists {
		return 0, nil
	}
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: name,
		Filter:         liveFilter(),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, store.Op(backend, store.OpCountProjections, classify(err))
	}
	return int(n), nil
}

// MaxProjectionID returns the highest live record id of a config.
func (s *Store) MaxProjectionID(ctx context.Context, configID model.ConfigID) (model.RecordID, error) {
	name := s.projCollection(configID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return 0, store.Op(backend, store.OpMaxProjectionID, classify(err))
	}
	if !exists {
		return 0, nil
	}
	pts, _, err := s.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
		CollectionName: name,
		Filter:         liveFilter(),
		Limit:          qdrant.PtrOf(uint32(1)),
		OrderBy: &qdrant.OrderBy{
			Key:       fieldRID,
			Direction: qdrant.Direction_Desc.Enum(),
		},
		WithPayload: qdrant.NewWithPayloadInclude(fieldRID),
	})
	if err != nil {
		return 0, store.Op(backend, store.OpMaxProjectionID, classify(err))
	}
	if len(pts) == 0 {
		return 0, nil
	}
	return model.RecordID(pts[0].GetId().GetNum()), nil
}

// Delete tombstones a live record.
func (s *Store) Delete(ctx context.Context, id model.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.locMu.RLock()
	hint := s.recAt[id]
	s.locMu.RUnlock()

	_, name, err := s.find(ctx, uint64(id), hint, s.isProj)
	if err != nil {
		return store.Op(backend, store.OpDelete, err)
	}
	if _, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Payload: map[string]*qdrant.Value{
			fieldDeleted: qdrant.NewValueBool(true),
		},
		PointsSelector: qdrant.NewPointsSelector(qdrant.NewIDNum(uint64(id))),
	}); err != nil {
		return store.Op(backend, store.OpDelete, classify(err))
	}
	return nil
}

// Close closes the client connection.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return store.Op(backend, "close", err)
	}
	return nil
}

func (s *Store) readMeta(pt *qdrant.RetrievedPoint) (model.Metadata, error) {
	v, ok := pt.GetPayload()[fieldMetadata]
	if !ok {
		return nil, nil
	}
	var meta model.Metadata
	if err := s.opts.Codec.Unmarshal([]byte(v.GetStringValue()), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

func denseVector(pt *qdrant.RetrievedPoint) model.Vector {
	out := pt.GetVectors().GetVector()
	if d := out.GetDense(); d != nil {
		return d.GetData()
	}
	return out.GetData() //nolint:staticcheck // older servers only fill the flat field
}

// IsTransient reports whether err is a gRPC status worth retrying.
func IsTransient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if IsTransient(err) {
		return store.Unavailable(err)
	}
	return err
}
