// Package multifile implements the on-disk repository backend laid out as a
// directory tree: append-only segment data/header pairs under data/, index
// transaction logs under index/, manifest transaction logs under manifest/,
// the encrypted key at key, and cooperative lock files throughout.
package multifile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/crypto"
	"github.com/asuran-backup/asuran/internal/repository"
)

// Backend is a multifile repository connection. It satisfies
// repository.Backend.
type Backend struct {
	index    *Index
	manifest *Manifest
	segments *segmentStore
	path     string
	// connection uuid; names this connection's readlock file
	uuid         uuid.UUID
	readLockPath string
	logger       *logrus.Logger
}

// Options tune a multifile backend. The zero value selects the defaults.
type Options struct {
	// SegmentSizeLimit is the soft cap on segment data files; defaults to
	// DefaultSegmentSizeLimit.
	SegmentSizeLimit uint64
	// SegmentsPerDirectory controls data/ fan-out; defaults to
	// DefaultSegmentsPerDirectory.
	SegmentsPerDirectory uint64
	// Logger receives debug and lifecycle logs; defaults to the logrus
	// standard logger.
	Logger *logrus.Logger
}

func (o *Options) fill() {
	if o.SegmentSizeLimit == 0 {
		o.SegmentSizeLimit = DefaultSegmentSizeLimit
	}
	if o.SegmentsPerDirectory == 0 {
		o.SegmentsPerDirectory = DefaultSegmentsPerDirectory
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Open opens a repository rooted at path.
//
// A non-nil settings initializes or replaces the repository default chunk
// settings; passing nil requires chunk.settings to already exist. A global
// lock file at the root fails the open with ErrRepositoryGloballyLocked.
// Each successful open registers a readlock file that Close removes.
func Open(path string, settings *chunk.Settings, key *crypto.Key, opts Options) (*Backend, error) {
	opts.fill()

	if _, err := os.Stat(filepath.Join(path, "lock")); err == nil {
		return nil, fmt.Errorf("global lock present at %s: %w", filepath.Join(path, "lock"), repository.ErrRepositoryGloballyLocked)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	index, err := openIndex(path, opts.Logger)
	if err != nil {
		return nil, err
	}
	manifest, err := openManifest(path, settings, key, opts.Logger)
	if err != nil {
		index.close(context.Background())
		return nil, err
	}
	storeSettings, err := manifest.ChunkSettings(context.Background())
	if err != nil {
		manifest.close(context.Background())
		index.close(context.Background())
		return nil, err
	}
	segments, err := openSegmentStore(path, opts.SegmentSizeLimit, opts.SegmentsPerDirectory, storeSettings, key, opts.Logger)
	if err != nil {
		manifest.close(context.Background())
		index.close(context.Background())
		return nil, err
	}

	id := uuid.New()
	readLockDir := filepath.Join(path, "readlocks")
	if err := os.MkdirAll(readLockDir, 0o755); err != nil {
		segments.close(context.Background())
		manifest.close(context.Background())
		index.close(context.Background())
		return nil, err
	}
	readLockPath := filepath.Join(readLockDir, id.String())
	if err := os.WriteFile(readLockPath, nil, 0o644); err != nil {
		segments.close(context.Background())
		manifest.close(context.Background())
		index.close(context.Background())
		return nil, err
	}

	opts.Logger.WithFields(logrus.Fields{
		"path":       path,
		"connection": id,
	}).Debug("opened multifile repository")

	return &Backend{
		index:        index,
		manifest:     manifest,
		segments:     segments,
		path:         path,
		uuid:         id,
		readLockPath: readLockPath,
		logger:       opts.Logger,
	}, nil
}

// Index implements repository.Backend.
func (b *Backend) Index() repository.Index { return b.index }

// Manifest implements repository.Backend.
func (b *Backend) Manifest() repository.Manifest { return b.manifest }

// ManifestInternals exposes the concrete manifest for head inspection.
func (b *Backend) ManifestInternals() *Manifest { return b.manifest }

// ReadChunk implements repository.Backend.
func (b *Backend) ReadChunk(ctx context.Context, descriptor repository.SegmentDescriptor) (*chunk.Chunk, error) {
	return b.segments.readChunk(ctx, descriptor)
}

// WriteChunk implements repository.Backend.
func (b *Backend) WriteChunk(ctx context.Context, c *chunk.Chunk) (repository.SegmentDescriptor, error) {
	return b.segments.writeChunk(ctx, c)
}

// WriteKey implements repository.Backend, writing the encrypted key under
// the key file's lock.
func (b *Backend) WriteKey(_ context.Context, key *crypto.EncryptedKey) error {
	file, err := OpenLockedFile(filepath.Join(b.path, "key"))
	if err != nil {
		return err
	}
	defer file.Close()
	if err := file.Truncate(0); err != nil {
		return err
	}
	if err := json.NewEncoder(file).Encode(key); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	return file.Sync()
}

// ReadKey implements repository.Backend.
func (b *Backend) ReadKey(context.Context) (*crypto.EncryptedKey, error) {
	return ReadKey(b.path)
}

// ReadKey reads the encrypted key from a repository root without opening the
// repository; the CLI uses it to prompt for the passphrase before taking any
// locks.
func ReadKey(path string) (*crypto.EncryptedKey, error) {
	f, err := os.Open(filepath.Join(path, "key"))
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", repository.ErrKey)
	}
	defer f.Close()
	var key crypto.EncryptedKey
	if err := json.NewDecoder(f).Decode(&key); err != nil {
		return nil, fmt.Errorf("key file malformed: %w", repository.ErrKey)
	}
	return &key, nil
}

// Close implements repository.Backend: segment store, then manifest, then
// index, then the readlock.
func (b *Backend) Close(ctx context.Context) error {
	segErr := b.segments.close(ctx)
	manifestErr := b.manifest.close(ctx)
	indexErr := b.index.close(ctx)
	if err := os.Remove(b.readLockPath); err != nil && !os.IsNotExist(err) && segErr == nil && manifestErr == nil && indexErr == nil {
		return err
	}
	b.logger.WithField("path", b.path).Debug("closed multifile repository")
	if segErr != nil {
		return segErr
	}
	if manifestErr != nil {
		return manifestErr
	}
	return indexErr
}

// ReadLockPath returns the path of this connection's readlock file.
func (b *Backend) ReadLockPath() string {
	return b.readLockPath
}
