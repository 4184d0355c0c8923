// Package sqlite implements store.Store on SQLite (modernc.org/sqlite, no cgo).
//
// The natural key is enforced by a partial unique index over live rows, so
// PutProjection is a single conditional insert. Deletes set deleted_at.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/vecproj/codec"
	"github.com/hupe1980/vecproj/internal/vecenc"
	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/store"
	_ "modernc.org/sqlite"
)

const backend = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS raw_vectors (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	content    TEXT,
	vector     BLOB NOT NULL,
	metadata   TEXT,
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS raw_vectors_content ON raw_vectors(content) WHERE content IS NOT NULL;

CREATE TABLE IF NOT EXISTS projections (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id  INTEGER NOT NULL,
	config_id  TEXT NOT NULL,
	vector     BLOB NOT NULL,
	metadata   TEXT,
	created_at INTEGER NOT NULL,
	deleted_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS projections_natural_key
	ON projections(source_id, config_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS projections_config
	ON projections(config_id, id) WHERE deleted_at IS NULL;
`

// Options configures the SQLite store.
type Options struct {
	// DedupeRaw deduplicates raw vectors by content.
	DedupeRaw bool
	// BusyTimeout is passed to PRAGMA busy_timeout. Default: 5s.
	BusyTimeout time.Duration
	// Codec encodes metadata columns. Default: codec.Default.
	Codec codec.Codec
}

// Store is a SQLite-backed store.Store.
type Store struct {
	db    *sql.DB
	path  string
	opts  Options
	codec codec.Codec
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.KeyFinder = (*Store)(nil)
	_ store.Inserter  = (*Store)(nil)
)

// Open opens (or creates) the database at path. Use ":memory:" for an
// ephemeral database.
func Open(path string, optFns ...func(*Options)) (*Store, error) {
	opts := Options{BusyTimeout: 5 * time.Second, Codec: codec.Default}
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, opts: opts, codec: opts.Codec}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", s.opts.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma failed: %w", err)
		}
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema creation failed: %w", err)
	}
	return nil
}

// PutRaw stores a raw vector.
func (s *Store) PutRaw(ctx context.Context, v model.RawVector) (model.RawID, error) {
	if len(v.Vector) == 0 {
		return 0, store.Op(backend, store.OpPutRaw, fmt.Errorf("raw vector is empty"))
	}
	meta, err := s.encodeMeta(v.Metadata)
	if err != nil {
		return 0, store.Op(backend, store.OpPutRaw, err)
	}

	var content sql.NullString
	if s.opts.DedupeRaw {
		content = sql.NullString{String: vecenc.ContentKey(v.Vector), Valid: true}
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO raw_vectors (content, vector, metadata, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(content) WHERE content IS NOT NULL DO UPDATE SET content = excluded.content
		RETURNING id`,
		content, vecenc.Encode(v.Vector), meta, time.Now().UnixNano(),
	).Scan(&id)
	if err != nil {
		return 0, store.Op(backend, store.OpPutRaw, classify(err))
	}
	return model.RawID(id), nil
}

// GetRaw returns a raw vector.
func (s *Store) GetRaw(ctx context.Context, id model.RawID) (model.RawVector, error) {
	var (
		blob    []byte
		meta    sql.NullString
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT vector, metadata, created_at FROM raw_vectors WHERE id = ?", int64(id),
	).Scan(&blob, &meta, &created)
	if err != nil {
		return model.RawVector{}, store.Op(backend, store.OpGetRaw, classify(err))
	}

	vec, err := vecenc.Decode(blob)
	if err != nil {
		return model.RawVector{}, store.Op(backend, store.OpGetRaw, err)
	}
	md, err := s.decodeMeta(meta)
	if err != nil {
		return model.RawVector{}, store.Op(backend, store.OpGetRaw, err)
	}
	return model.RawVector{ID: id, Vector: vec, Metadata: md, CreatedAt: time.Unix(0, created)}, nil
}

// PutProjection inserts unless a live row holds the natural key, in which
// case the existing id is returned.
func (s *Store) PutProjection(ctx context.Context, in store.ProjectionInput) (model.RecordID, error) {
	id, _, err := s.InsertProjection(ctx, in)
	return id, err
}

// InsertProjection is PutProjection that also reports whether the row was
// inserted.
func (s *Store) InsertProjection(ctx context.Context, in store.ProjectionInput) (model.RecordID, bool, error) {
	if err := store.Validate(in); err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, err)
	}
	meta, err := s.encodeMeta(in.Metadata)
	if err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO projections (source_id, config_id, vector, metadata, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id, config_id) WHERE deleted_at IS NULL DO NOTHING
		RETURNING id`,
		int64(in.SourceID), string(in.ConfigID), vecenc.Encode(in.Vector), meta, time.Now().UnixNano(),
	).Scan(&id)
	created := err == nil
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM projections WHERE source_id = ? AND config_id = ? AND deleted_at IS NULL",
			int64(in.SourceID), string(in.ConfigID),
		).Scan(&id)
	}
	if err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, classify(err))
	}
	if err := tx.Commit(); err != nil {
		return 0, false, store.Op(backend, store.OpPutProjection, classify(err))
	}
	return model.RecordID(id), created, nil
}

// GetProjection returns a live record.
func (s *Store) GetProjection(ctx context.Context, id model.RecordID) (model.ProjectionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, config_id, vector, metadata, created_at
		FROM projections WHERE id = ? AND deleted_at IS NULL`, int64(id))
	rec, err := s.scanRecord(row)
	if err != nil {
		return model.ProjectionRecord{}, store.Op(backend, store.OpGetProjection, classify(err))
	}
	return rec, nil
}

// ListProjections returns live records for a config in ascending id order.
func (s *Store) ListProjections(ctx context.Context, configID model.ConfigID) ([]model.ProjectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, config_id, vector, metadata, created_at
		FROM projections WHERE config_id = ? AND deleted_at IS NULL ORDER BY id`, string(configID))
	if err != nil {
		return nil, store.Op(backend, store.OpListProjections, classify(err))
	}
	defer rows.Close()

	var out []model.ProjectionRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, store.Op(backend, store.OpListProjections, classify(err))
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Op(backend, store.OpListProjections, classify(err))
	}
	return out, nil
}

// CountProjections returns the number of live records for a config.
func (s *Store) CountProjections(ctx context.Context, configID model.ConfigID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM projections WHERE config_id = ? AND deleted_at IS NULL", string(configID),
	).Scan(&n)
	if err != nil {
		return 0, store.Op(backend, store.OpCountProjections, classify(err))
	}
	return n, nil
}

// MaxProjectionID returns the highest live record id of a config.
func (s *Store) MaxProjectionID(ctx context.Context, configID model.ConfigID) (model.RecordID, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM projections WHERE config_id = ? AND deleted_at IS NULL", string(configID),
	).Scan(&id)
	if err != nil {
		return 0, store.Op(backend, store.OpMaxProjectionID, classify(err))
	}
	return model.RecordID(id), nil
}

// FindProjection returns the live record id for a natural key.
func (s *Store) FindProjection(ctx context.Context, key model.NaturalKey) (model.RecordID, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM projections WHERE source_id = ? AND config_id = ? AND deleted_at IS NULL",
		int64(key.SourceID), string(key.ConfigID),
	).Scan(&id)
	if err != nil {
		return 0, store.Op(backend, store.OpFindProjection, classify(err))
	}
	return model.RecordID(id), nil
}

// Delete tombstones a live record.
func (s *Store) Delete(ctx context.Context, id model.RecordID) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE projections SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL",
		time.Now().UnixNano(), int64(id))
	if err != nil {
		return store.Op(backend, store.OpDelete, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Op(backend, store.OpDelete, classify(err))
	}
	if n == 0 {
		return store.Op(backend, store.OpDelete, store.ErrNotFound)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRecord(row scanner) (model.ProjectionRecord, error) {
	var (
		id, src int64
		cfg     string
		blob    []byte
		meta    sql.NullString
		created int64
	)
	if err := row.Scan(&id, &src, &cfg, &blob, &meta, &created); err != nil {
		return model.ProjectionRecord{}, err
	}
	vec, err := vecenc.Decode(blob)
	if err != nil {
		return model.ProjectionRecord{}, err
	}
	md, err := s.decodeMeta(meta)
	if err != nil {
		return model.ProjectionRecord{}, err
	}
	return model.ProjectionRecord{
		ID:        model.RecordID(id),
		SourceID:  model.RawID(src),
		ConfigID:  model.ConfigID(cfg),
		Vector:    vec,
		Metadata:  md,
		CreatedAt: time.Unix(0, created),
	}, nil
}

func (s *Store) encodeMeta(m model.Metadata) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := s.codec.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (s *Store) decodeMeta(ns sql.NullString) (model.Metadata, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m model.Metadata
	if err := s.codec.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// classify maps driver errors onto the store taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, context.DeadlineExceeded):
		return store.Unavailable(err)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is closed") {
		return store.Unavailable(err)
	}
	return err
}
