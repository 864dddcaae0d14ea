// Package repository implements the content-addressed chunk store: a façade
// binding the packing pipeline, the chunk index, the segment store, and the
// manifest behind a storage backend.
//
// Chunks are addressed by the keyed hash of their plaintext; a chunk whose
// id is already present in the index is never written twice. The store is
// strictly append-only.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/crypto"
	"github.com/asuran-backup/asuran/internal/metrics"
)

// Repository provides the high-level chunk-store interface over a backend.
// All methods are safe for concurrent use to the extent the backend's
// subsystem actors serialize their state.
type Repository struct {
	backend  Backend
	settings chunk.Settings
	key      *crypto.Key
	pipeline *chunk.Pipeline
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger used for debug and lifecycle logging.
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Repository) { r.logger = logger }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// WithPipelineWorkers overrides the packing pool size.
func WithPipelineWorkers(n int) Option {
	return func(r *Repository) { r.pipeline = chunk.NewPipelineWithWorkers(n) }
}

// New binds a repository to a backend with the given default chunk settings
// and key material.
func New(backend Backend, settings chunk.Settings, key *crypto.Key, opts ...Option) *Repository {
	r := &Repository{
		backend:  backend,
		settings: settings,
		key:      key,
		pipeline: chunk.NewPipeline(),
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WriteChunk packs data with the repository defaults and stores it, unless a
// chunk with the same plaintext is already present.
//
// Returns the chunk's id and whether it was already present. For a present
// chunk, the freshly packed copy is dropped and the segment store is not
// touched.
func (r *Repository) WriteChunk(ctx context.Context, data []byte) (chunk.ID, bool, error) {
	start := time.Now()
	packed, err := r.pipeline.Process(ctx, data, r.settings, r.key)
	if err != nil {
		return chunk.ID{}, false, err
	}
	r.metrics.ObservePack("pack", time.Since(start))
	return r.WriteRaw(ctx, packed, len(data))
}

// WriteChunkWithID packs data under a caller-chosen id and stores it. The id
// bypasses plaintext hashing, so a careless caller can corrupt
// deduplication; it exists for the legacy manifest-root chunk only.
func (r *Repository) WriteChunkWithID(ctx context.Context, data []byte, id chunk.ID) (chunk.ID, bool, error) {
	packed, err := r.pipeline.ProcessWithID(ctx, data, id, r.settings, r.key)
	if err != nil {
		return chunk.ID{}, false, err
	}
	return r.WriteRaw(ctx, packed, len(data))
}

// WriteUnpackedChunk stores data whose id has already been derived.
func (r *Repository) WriteUnpackedChunk(ctx context.Context, data []byte, id chunk.ID) (chunk.ID, bool, error) {
	return r.WriteChunkWithID(ctx, data, id)
}

// WriteRaw stores an already-packed chunk. The index is consulted before the
// segment store is touched; this ordering is what makes insertion
// at-most-once. The legacy manifest-root id is exempt from the check.
func (r *Repository) WriteRaw(ctx context.Context, packed *chunk.Chunk, plaintextLen int) (chunk.ID, bool, error) {
	id := packed.ID()
	if id != chunk.ManifestID() {
		if _, present, err := r.backend.Index().Lookup(ctx, id); err != nil {
			return chunk.ID{}, false, err
		} else if present {
			r.metrics.ObserveDedupHit()
			r.logger.WithField("id", id).Debug("chunk already present, skipping write")
			return id, true, nil
		}
	}
	descriptor, err := r.backend.WriteChunk(ctx, packed)
	if err != nil {
		return chunk.ID{}, false, err
	}
	if err := r.backend.Index().Set(ctx, id, descriptor); err != nil {
		return chunk.ID{}, false, err
	}
	r.metrics.ObserveChunkWritten(string(packed.Header.Compression.Kind), string(packed.Header.Encryption.Kind), plaintextLen, packed.Len())
	r.logger.WithFields(logrus.Fields{
		"id":      id,
		"segment": descriptor.SegmentID,
		"start":   descriptor.Start,
		"bytes":   packed.Len(),
	}).Debug("wrote chunk")
	return id, false, nil
}

// ReadChunk fetches, verifies, and unpacks the chunk with the given id.
// Returns ErrChunkNotFound for an id the index does not know.
func (r *Repository) ReadChunk(ctx context.Context, id chunk.ID) ([]byte, error) {
	descriptor, present, err := r.backend.Index().Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !present {
		r.metrics.ObserveChunkReadFailure("not_found")
		return nil, fmt.Errorf("reading chunk %s: %w", id, ErrChunkNotFound)
	}
	packed, err := r.backend.ReadChunk(ctx, descriptor)
	if err != nil {
		r.metrics.ObserveChunkReadFailure("backend")
		return nil, err
	}
	start := time.Now()
	data, err := packed.Unpack(r.key)
	packed.Release()
	if err != nil {
		if errors.Is(err, chunk.ErrHMACValidationFailed) {
			r.metrics.ObserveChunkReadFailure("hmac")
		}
		return nil, err
	}
	r.metrics.ObservePack("unpack", time.Since(start))
	r.metrics.ObserveChunkRead()
	return data, nil
}

// HasChunk reports whether id is present, from the index alone.
func (r *Repository) HasChunk(ctx context.Context, id chunk.ID) (bool, error) {
	_, present, err := r.backend.Index().Lookup(ctx, id)
	return present, err
}

// CountChunks returns the number of chunks in the repository.
func (r *Repository) CountChunks(ctx context.Context) (int, error) {
	return r.backend.Index().Count(ctx)
}

// CommitIndex flushes the index to durable storage. Archive commits call
// this implicitly; other writers must call it themselves before relying on
// durability.
func (r *Repository) CommitIndex(ctx context.Context) error {
	r.metrics.ObserveIndexCommit()
	return r.backend.Index().Commit(ctx)
}

// CommitArchive appends a manifest transaction for archive and commits the
// index.
func (r *Repository) CommitArchive(ctx context.Context, archive StoredArchive) error {
	if err := r.backend.Manifest().WriteArchive(ctx, archive); err != nil {
		return err
	}
	r.metrics.ObserveArchiveCommit()
	r.logger.WithFields(logrus.Fields{
		"archive": archive.Name,
		"id":      archive.ID,
	}).Info("committed archive")
	return r.CommitIndex(ctx)
}

// Archives lists committed archives, newest first.
func (r *Repository) Archives(ctx context.Context) ([]StoredArchive, error) {
	return r.backend.Manifest().Archives(ctx)
}

// ChunkSettings returns the repository's default chunk settings.
func (r *Repository) ChunkSettings() chunk.Settings {
	return r.settings
}

// Key returns the repository's key material.
func (r *Repository) Key() *crypto.Key {
	return r.key
}

// Backend exposes the underlying backend, for callers needing backend
// capabilities the façade does not re-export.
func (r *Repository) Backend() Backend {
	return r.backend
}

// Pipeline exposes the packing pipeline, shared with archive ingestion.
func (r *Repository) Pipeline() *chunk.Pipeline {
	return r.pipeline
}

// Close flushes and releases the backend, then stops the packing pool.
func (r *Repository) Close(ctx context.Context) error {
	err := r.backend.Close(ctx)
	r.pipeline.Close()
	if err != nil {
		return fmt.Errorf("closing backend: %w", err)
	}
	r.logger.Debug("repository closed")
	return nil
}
