package repository

import (
	"context"
	"time"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/crypto"
)

// Index is the persistent mapping from chunk identifier to the segment
// descriptor locating its body. Lookups are pure in-memory hash lookups;
// Set buffers a transaction that becomes durable on Commit.
type Index interface {
	// Lookup returns the descriptor for id, and whether one is known.
	Lookup(ctx context.Context, id chunk.ID) (SegmentDescriptor, bool, error)

	// Set records a descriptor for id. It is idempotent with respect to the
	// final on-disk state: an id that already has a descriptor keeps its
	// first one. The flat-file backend makes one exception: for the all-zero
	// manifest id, each new descriptor replaces the previous one.
	Set(ctx context.Context, id chunk.ID, descriptor SegmentDescriptor) error

	// Commit flushes buffered transactions to storage. It is the only
	// durability barrier the index exposes.
	Commit(ctx context.Context) error

	// Count returns the number of chunks known to the index.
	Count(ctx context.Context) (int, error)
}

// Manifest is the tamper-evident log of archive commits, plus the home of
// the repository-default chunk settings.
type Manifest interface {
	// LastModification returns the newest timestamp across the current
	// heads, or the current time if the manifest is empty.
	LastModification(ctx context.Context) (time.Time, error)

	// ChunkSettings returns the repository default chunk settings.
	ChunkSettings(ctx context.Context) (chunk.Settings, error)

	// WriteChunkSettings replaces the repository default chunk settings.
	WriteChunkSettings(ctx context.Context, settings chunk.Settings) error

	// WriteArchive appends a transaction for archive, chained to the
	// current head set.
	WriteArchive(ctx context.Context, archive StoredArchive) error

	// Archives lists the committed archives, newest first.
	Archives(ctx context.Context) ([]StoredArchive, error)
}

// Backend is the capability set every storage backend provides. It is
// object-safe by construction: the CLI holds backends behind this interface,
// while the repository façade uses it directly.
type Backend interface {
	// Index returns the backend's chunk index.
	Index() Index

	// Manifest returns the backend's manifest.
	Manifest() Manifest

	// ReadChunk fetches the packed chunk at the given location.
	ReadChunk(ctx context.Context, descriptor SegmentDescriptor) (*chunk.Chunk, error)

	// WriteChunk persists a packed chunk and returns its location.
	WriteChunk(ctx context.Context, c *chunk.Chunk) (SegmentDescriptor, error)

	// ReadKey reads the repository's encrypted key material.
	ReadKey(ctx context.Context) (*crypto.EncryptedKey, error)

	// WriteKey persists the repository's encrypted key material.
	WriteKey(ctx context.Context, key *crypto.EncryptedKey) error

	// Close flushes and releases all held files in dependency order. The
	// backend may not be used afterwards.
	Close(ctx context.Context) error
}
