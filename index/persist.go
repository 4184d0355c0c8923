package index

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hupe1980/vecproj/blobstore"
	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/resource"
)

const (
	currentFileName   = "CURRENT"
	snapshotExtension = ".vps"
)

// Persister stores snapshots in a blob store.
//
// Each config owns the directory <prefix>/<config id>/. Snapshot blobs get
// random names; the CURRENT blob holds the name of the latest one and is
// rewritten only after that blob is complete.
type Persister struct {
	store       blobstore.Store
	prefix      string
	compression Compression
	rc          *resource.Controller
	logger      *zap.Logger
}

// PersisterOptions configures a Persister.
type PersisterOptions struct {
	// Prefix is prepended to every blob name. Default "snapshots".
	Prefix      string
	Compression Compression
	// Resources rate-limits blob IO. May be nil.
	Resources *resource.Controller
	Logger    *zap.Logger
}

// NewPersister returns a Persister writing to store.
func NewPersister(store blobstore.Store, optFns ...func(o *PersisterOptions)) *Persister {
	opts := PersisterOptions{
		Prefix:      "snapshots",
		Compression: CompressionZSTD,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Persister{
		store:       store,
		prefix:      strings.Trim(opts.Prefix, "/"),
		compression: opts.Compression,
		rc:          opts.Resources,
		logger:      opts.Logger,
	}
}

func (p *Persister) dir(id model.ConfigID) string {
	if p.prefix == "" {
		return string(id)
	}
	return path.Join(p.prefix, string(id))
}

// Save writes s and points CURRENT at it. Blobs of earlier saves are removed.
func (p *Persister) Save(ctx context.Context, s *Snapshot) error {
	data, err := EncodeSnapshot(s, p.compression)
	if err != nil {
		return err
	}
	if err := p.rc.AcquireIO(ctx, len(data)); err != nil {
		return err
	}

	dir := p.dir(s.ConfigID())
	name := path.Join(dir, uuid.NewString()+snapshotExtension)
	if err := p.store.Put(ctx, name, data); err != nil {
		return fmt.Errorf("put snapshot %s: %w", name, err)
	}
	if err := p.store.Put(ctx, path.Join(dir, currentFileName), []byte(name)); err != nil {
		return fmt.Errorf("update %s: %w", currentFileName, err)
	}

	p.logger.Debug("snapshot saved",
		zap.String("config", s.ConfigID().Short()),
		zap.String("blob", name),
		zap.Int("bytes", len(data)),
		zap.Uint64("generation", s.Generation()),
	)

	if err := p.prune(ctx, dir, name); err != nil {
		p.logger.Warn("snapshot prune failed", zap.String("config", s.ConfigID().Short()), zap.Error(err))
	}
	return nil
}

// Load returns the latest saved snapshot of id. It returns an error matching
// blobstore.ErrNotFound if none was saved.
func (p *Persister) Load(ctx context.Context, id model.ConfigID) (*Snapshot, error) {
	dir := p.dir(id)
	cur, err := blobstore.ReadAll(ctx, p.store, path.Join(dir, currentFileName))
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(string(cur))
	if path.Dir(name) != dir || path.Ext(name) != snapshotExtension {
		return nil, corruptf("%s points outside %s: %q", currentFileName, dir, name)
	}

	data, err := blobstore.ReadAll(ctx, p.store, name)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", name, err)
	}
	if err := p.rc.AcquireIO(ctx, len(data)); err != nil {
		return nil, err
	}
	s, err := DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", name, err)
	}
	if s.ConfigID() != id {
		return nil, corruptf("snapshot %s belongs to config %s", name, s.ConfigID().Short())
	}
	return s, nil
}

// Remove deletes every blob of id.
func (p *Persister) Remove(ctx context.Context, id model.ConfigID) error {
	dir := p.dir(id)
	names, err := p.store.List(ctx, dir+"/")
	if err != nil {
		return err
	}
	var errList []error
	for _, n := range names {
		if err := p.store.Delete(ctx, n); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// prune deletes snapshot blobs in dir other than keep.
func (p *Persister) prune(ctx context.Context, dir, keep string) error {
	names, err := p.store.List(ctx, dir+"/")
	if err != nil {
		return err
	}
	var errList []error
	for _, n := range names {
		if n == keep || path.Ext(n) != snapshotExtension {
			continue
		}
		if err := p.store.Delete(ctx, n); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// IsNotFound reports whether err means no snapshot was saved.
func IsNotFound(err error) bool {
	return errors.Is(err, blobstore.ErrNotFound)
}
