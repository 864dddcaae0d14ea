// Package memory provides an in-memory storage backend, used by tests and
// benchmarks. It implements the same capability set as the on-disk backends
// without any durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/crypto"
	"github.com/asuran-backup/asuran/internal/repository"
)

// Backend is an in-memory repository backend. The zero value is not usable;
// call New.
type Backend struct {
	mu       sync.Mutex
	chunks   map[repository.SegmentDescriptor]*chunk.Chunk
	next     uint64
	index    map[chunk.ID]repository.SegmentDescriptor
	archives []repository.StoredArchive
	settings chunk.Settings
	key      *crypto.EncryptedKey
}

// New creates an empty in-memory backend with the given default chunk
// settings.
func New(settings chunk.Settings) *Backend {
	return &Backend{
		chunks:   make(map[repository.SegmentDescriptor]*chunk.Chunk),
		index:    make(map[chunk.ID]repository.SegmentDescriptor),
		settings: settings,
	}
}

// Index implements repository.Backend.
func (b *Backend) Index() repository.Index { return (*memIndex)(b) }

// Manifest implements repository.Backend.
func (b *Backend) Manifest() repository.Manifest { return (*memManifest)(b) }

// ReadChunk implements repository.Backend.
func (b *Backend) ReadChunk(_ context.Context, descriptor repository.SegmentDescriptor) (*chunk.Chunk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.chunks[descriptor]
	if !ok {
		return nil, fmt.Errorf("descriptor %+v has no stored chunk: %w", descriptor, repository.ErrSegment)
	}
	// Callers may release a chunk's body back to the buffer pool; hand out a
	// copy so the stored chunk survives.
	body := make([]byte, len(c.Body))
	copy(body, c.Body)
	return chunk.FromParts(c.Header, body), nil
}

// WriteChunk implements repository.Backend.
func (b *Backend) WriteChunk(_ context.Context, c *chunk.Chunk) (repository.SegmentDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	descriptor := repository.SegmentDescriptor{SegmentID: 0, Start: b.next}
	b.next += uint64(c.Len())
	b.chunks[descriptor] = c
	return descriptor, nil
}

// ReadKey implements repository.Backend.
func (b *Backend) ReadKey(context.Context) (*crypto.EncryptedKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.key == nil {
		return nil, fmt.Errorf("no key stored: %w", repository.ErrKey)
	}
	return b.key, nil
}

// WriteKey implements repository.Backend.
func (b *Backend) WriteKey(_ context.Context, key *crypto.EncryptedKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.key = key
	return nil
}

// Close implements repository.Backend. It is a no-op.
func (b *Backend) Close(context.Context) error { return nil }

type memIndex Backend

func (i *memIndex) Lookup(_ context.Context, id chunk.ID) (repository.SegmentDescriptor, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	descriptor, ok := i.index[id]
	return descriptor, ok, nil
}

func (i *memIndex) Set(_ context.Context, id chunk.ID, descriptor repository.SegmentDescriptor) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.index[id]; !exists {
		i.index[id] = descriptor
	}
	return nil
}

func (i *memIndex) Commit(context.Context) error { return nil }

func (i *memIndex) Count(context.Context) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.index), nil
}

type memManifest Backend

func (m *memManifest) LastModification(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.archives) == 0 {
		return time.Now(), nil
	}
	last := m.archives[0].Timestamp
	for _, a := range m.archives[1:] {
		if a.Timestamp.After(last) {
			last = a.Timestamp
		}
	}
	return last, nil
}

func (m *memManifest) ChunkSettings(context.Context) (chunk.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *memManifest) WriteChunkSettings(_ context.Context, settings chunk.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	return nil
}

func (m *memManifest) WriteArchive(_ context.Context, archive repository.StoredArchive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives = append(m.archives, archive)
	return nil
}

func (m *memManifest) Archives(context.Context) ([]repository.StoredArchive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]repository.StoredArchive{}, m.archives...)
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Timestamp.After(out[b].Timestamp)
	})
	return out, nil
}
