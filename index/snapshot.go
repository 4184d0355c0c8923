package index

import (
	"fmt"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/vecproj/distance"
	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/hupe1980/vecproj/model"
)

// Snapshot is an immutable, flat view of every live record of one config at
// build time. Readers may hold a Snapshot for as long as they like; deletes
// after the build produce a new Snapshot with an extra tombstone.
type Snapshot struct {
	configID   model.ConfigID
	dim        int
	generation uint64
	builtAt    time.Time

	ids     []model.RecordID // ascending
	sources []model.RawID
	vectors []float32 // len(ids) * dim
	norms   []float64

	tombstones *roaring64.Bitmap
	live       int
}

func newSnapshot(configID model.ConfigID, dim int, records []model.ProjectionRecord) (*Snapshot, error) {
	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(a, b model.ProjectionRecord) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	s := &Snapshot{
		configID:   configID,
		dim:        dim,
		builtAt:    time.Now().UTC(),
		ids:        make([]model.RecordID, 0, len(sorted)),
		sources:    make([]model.RawID, 0, len(sorted)),
		vectors:    make([]float32, 0, len(sorted)*dim),
		norms:      make([]float64, 0, len(sorted)),
		tombstones: roaring64.New(),
	}
	for _, r := range sorted {
		if r.ConfigID != "" && r.ConfigID != configID {
			return nil, fmt.Errorf("record %d belongs to config %s", r.ID, r.ConfigID.Short())
		}
		if len(r.Vector) != dim {
			return nil, fmt.Errorf("record %d: %w", r.ID, &errs.DimensionMismatchError{Expected: dim, Actual: len(r.Vector)})
		}
		if n := len(s.ids); n > 0 && s.ids[n-1] == r.ID {
			continue
		}
		s.ids = append(s.ids, r.ID)
		s.sources = append(s.sources, r.SourceID)
		s.vectors = append(s.vectors, r.Vector...)
		s.norms = append(s.norms, distance.Norm(r.Vector))
	}
	s.live = len(s.ids)
	return s, nil
}

// ConfigID returns the config the snapshot was built for.
func (s *Snapshot) ConfigID() model.ConfigID { return s.configID }

// Dim returns the vector width.
func (s *Snapshot) Dim() int { return s.dim }

// Generation increases by one with every successful build of a config.
func (s *Snapshot) Generation() uint64 { return s.generation }

// BuiltAt returns the time the snapshot was read from the store.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Len returns the number of slots, including tombstoned ones.
func (s *Snapshot) Len() int { return len(s.ids) }

// Live returns the number of records not tombstoned.
func (s *Snapshot) Live() int { return s.live }

// MaxLive returns the highest record id not tombstoned, or 0 when the
// snapshot holds no live record.
func (s *Snapshot) MaxLive() model.RecordID {
	for i := len(s.ids) - 1; i >= 0; i-- {
		if !s.Deleted(i) {
			return s.ids[i]
		}
	}
	return 0
}

// ID returns the record id at slot i.
func (s *Snapshot) ID(i int) model.RecordID { return s.ids[i] }

// SourceID returns the raw vector id at slot i.
func (s *Snapshot) SourceID(i int) model.RawID { return s.sources[i] }

// Vector returns the vector at slot i. The slice aliases snapshot memory and
// must not be modified.
func (s *Snapshot) Vector(i int) []float32 {
	return s.vectors[i*s.dim : (i+1)*s.dim : (i+1)*s.dim]
}

// Norm returns the precomputed L2 norm of the vector at slot i.
func (s *Snapshot) Norm(i int) float64 { return s.norms[i] }

// Deleted reports whether slot i is tombstoned.
func (s *Snapshot) Deleted(i int) bool {
	return s.live != len(s.ids) && s.tombstones.Contains(uint64(s.ids[i]))
}

// Contains reports whether id is a live record of the snapshot.
func (s *Snapshot) Contains(id model.RecordID) bool {
	_, ok := s.slot(id)
	return ok && !s.tombstones.Contains(uint64(id))
}

func (s *Snapshot) slot(id model.RecordID) (int, bool) {
	return slices.BinarySearch(s.ids, id)
}

// SizeBytes estimates the heap footprint, used for memory accounting.
func (s *Snapshot) SizeBytes() int64 {
	n := int64(len(s.ids)) * (8 + 8 + 8)
	n += int64(len(s.vectors)) * 4
	n += int64(s.tombstones.GetSizeInBytes())
	return n
}

// withTombstone returns a copy of s with id tombstoned, or s itself when id
// is not a live record of s.
func (s *Snapshot) withTombstone(id model.RecordID) *Snapshot {
	if !s.Contains(id) {
		return s
	}
	next := *s
	next.tombstones = s.tombstones.Clone()
	next.tombstones.Add(uint64(id))
	next.live--
	return &next
}
