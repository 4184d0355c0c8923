package index

import (
	"fmt"
	"time"

	"github.com/hupe1980/vecproj/model"
)

// State is the lifecycle state of one config's index.
type State int

const (
	// StateAbsent means no snapshot was ever built.
	StateAbsent State = iota
	// StateBuilding means a build is in flight. A prior snapshot, if any,
	// keeps serving non-strict queries.
	StateBuilding
	// StateReady means the snapshot reflects the store as of the last build
	// plus every mutation seen since.
	StateReady
	// StateStale means the snapshot may miss records. Queries still succeed
	// and are flagged.
	StateStale
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateStale:
		return "stale"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// DefaultQueryWait bounds how long a query waits for a first build.
const DefaultQueryWait = 10 * time.Second

// Policy tunes staleness and blocking behaviour.
type Policy struct {
	// StalenessThreshold is the number of inserts and deletes tolerated since
	// the last build before the index turns Stale. 0 marks it Stale on the
	// first mutation.
	StalenessThreshold int
	// QueryWait bounds how long a query waits for a config that has no
	// snapshot yet. Zero uses DefaultQueryWait; negative fails immediately.
	QueryWait time.Duration
	// BuildTimeout bounds a single build. Zero means no limit.
	BuildTimeout time.Duration
	// BackgroundRebuild starts a rebuild when a non-strict query hits a
	// Stale index.
	BackgroundRebuild bool
}

func (p Policy) queryWait() time.Duration {
	if p.QueryWait == 0 {
		return DefaultQueryWait
	}
	return p.QueryWait
}

// Status is a point-in-time report on one config's index.
type Status struct {
	ConfigID   model.ConfigID `json:"config_id"`
	Dim        int            `json:"dim"`
	State      State          `json:"state"`
	Generation uint64         `json:"generation"`
	Live       int            `json:"live"`
	Slots      int            `json:"slots"`
	// Mutations counts inserts and deletes since the last build.
	Mutations     int           `json:"mutations"`
	BuiltAt       time.Time     `json:"built_at"`
	BuildDuration time.Duration `json:"build_duration"`
	LastError     string        `json:"last_error,omitempty"`
}

// BuildEvent is reported to Options.OnBuild after every build attempt.
type BuildEvent struct {
	ConfigID   model.ConfigID
	Records    int
	Generation uint64
	Duration   time.Duration
	Err        error
}
