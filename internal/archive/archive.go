// Package archive implements the archive object: the logical map from paths
// to ordered chunk locations that turns the flat chunk store into named
// snapshots, including sparse extents and the object listing.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/chunker"
	"github.com/asuran-backup/asuran/internal/repository"
)

// maxOutstandingWrites bounds the number of chunk writes in flight for one
// object put.
const maxOutstandingWrites = 32

// Extent is a populated byte range of a sparse object. Both bounds are
// inclusive.
type Extent struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// ChunkLocation places one chunk within an object: the chunk's id, the byte
// offset of its first byte, and its plaintext length. Locations on a path
// are sorted by Start; gaps between them are sparse holes that read back as
// zeros.
type ChunkLocation struct {
	ID     chunk.ID `json:"id"`
	Start  uint64   `json:"start"`
	Length uint64   `json:"length"`
}

// ExtentReader pairs an extent with the reader supplying its bytes.
type ExtentReader struct {
	Extent Extent
	Reader io.Reader
}

// sharedState is the mutable interior of an archive, shared between
// namespace views of the same archive.
type sharedState struct {
	mu      sync.RWMutex
	objects map[string][]ChunkLocation
	listing Listing
}

// Archive is an open, modifiable archive. Namespace-derived siblings (see
// NamespaceAppend) share the underlying object map, so inserts through any
// view land in the same archive.
//
// The stored representation leaks chunk sizes through the location lists;
// that is a known weakness of the format, acknowledged rather than papered
// over here.
type Archive struct {
	name      string
	timestamp time.Time
	namespace []string
	shared    *sharedState
}

// New creates an empty archive with the given name, stamped now.
func New(name string) *Archive {
	return &Archive{
		name:      name,
		timestamp: time.Now(),
		shared: &sharedState{
			objects: make(map[string][]ChunkLocation),
		},
	}
}

// Name returns the archive's name.
func (a *Archive) Name() string { return a.name }

// Timestamp returns the archive's creation time.
func (a *Archive) Timestamp() time.Time { return a.timestamp }

// CanonicalNamespace returns the colon-joined namespace prefix, always
// ending in ":".
func (a *Archive) CanonicalNamespace() string {
	return strings.Join(a.namespace, ":") + ":"
}

// NamespaceAppend returns a view of the same archive with one more namespace
// component. Paths inserted through different views never collide.
func (a *Archive) NamespaceAppend(name string) *Archive {
	out := *a
	out.namespace = append(append([]string{}, a.namespace...), name)
	return &out
}

func (a *Archive) mangle(path string) string {
	return a.CanonicalNamespace() + strings.TrimSpace(path)
}

// PutObject chunks reader and inserts the chunks at path, as a dense object
// starting at offset zero.
func (a *Archive) PutObject(ctx context.Context, c chunker.Chunker, repo *repository.Repository, path string, reader io.Reader) error {
	// A single extent starting at zero; the chunker runs to the reader's
	// end regardless of the extent's nominal end.
	return a.PutSparseObject(ctx, c, repo, path, []ExtentReader{{Extent: Extent{}, Reader: reader}})
}

// PutSparseObject chunks each extent independently and inserts the combined
// location list at path. Chunk writes are pipelined up to
// maxOutstandingWrites in flight; the final list is sorted by start offset.
func (a *Archive) PutSparseObject(ctx context.Context, c chunker.Chunker, repo *repository.Repository, path string, extents []ExtentReader) error {
	mangled := a.mangle(path)

	var mu sync.Mutex
	var locations []ChunkLocation

	group, groupCtx := errgroup.WithContext(ctx)
	window := semaphore.NewWeighted(maxOutstandingWrites)

	for _, er := range extents {
		it := c.Chunk(er.Reader)
		offset := er.Extent.Start
		for {
			data, err := it.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				// Wait out in-flight writes before reporting; partially
				// written chunks are harmless, unreferenced bodies
				_ = group.Wait()
				return fmt.Errorf("chunking %q: %w", path, err)
			}
			start := offset
			offset += uint64(len(data))

			if err := window.Acquire(groupCtx, 1); err != nil {
				_ = group.Wait()
				return err
			}
			group.Go(func() error {
				defer window.Release(1)
				id, _, err := repo.WriteChunk(groupCtx, data)
				if err != nil {
					return err
				}
				mu.Lock()
				locations = append(locations, ChunkLocation{
					ID:     id,
					Start:  start,
					Length: uint64(len(data)),
				})
				mu.Unlock()
				return nil
			})
		}
	}
	if err := group.Wait(); err != nil {
		return err
	}

	sort.Slice(locations, func(i, j int) bool { return locations[i].Start < locations[j].Start })

	a.shared.mu.Lock()
	a.shared.objects[mangled] = locations
	a.shared.mu.Unlock()
	return nil
}

// PutEmpty inserts path with no data at all.
func (a *Archive) PutEmpty(path string) {
	a.shared.mu.Lock()
	a.shared.objects[a.mangle(path)] = []ChunkLocation{}
	a.shared.mu.Unlock()
}

// locationsFor returns a sorted copy of the locations at the mangled path.
func (a *Archive) locationsFor(path string) ([]ChunkLocation, bool) {
	a.shared.mu.RLock()
	locations, ok := a.shared.objects[a.mangle(path)]
	a.shared.mu.RUnlock()
	if !ok {
		return nil, false
	}
	out := append([]ChunkLocation{}, locations...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, true
}

// GetObject writes the object at path to w densely: chunks in ascending
// start order, holes filled with zeros. An unknown path writes nothing.
func (a *Archive) GetObject(ctx context.Context, repo *repository.Repository, path string, w io.Writer) error {
	locations, ok := a.locationsFor(path)
	if !ok {
		return nil
	}
	var pos uint64
	for _, location := range locations {
		if location.Start > pos {
			if err := writeZeros(w, location.Start-pos); err != nil {
				return err
			}
			pos = location.Start
		}
		data, err := repo.ReadChunk(ctx, location.ID)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		pos += uint64(len(data))
	}
	return nil
}

// GetExtent writes the chunks of path whose start offset lies within extent
// to w, zero-filling interior holes. A chunk that starts before extent.Start
// is not written, even if it runs into the extent.
//
// If the last chunk written runs past the extent's end, its bytes are
// written in full: the write may extend beyond the requested range, and
// callers needing a strict boundary must clamp.
func (a *Archive) GetExtent(ctx context.Context, repo *repository.Repository, path string, extent Extent, w io.Writer) error {
	locations, ok := a.locationsFor(path)
	if !ok {
		return nil
	}
	pos := extent.Start
	for _, location := range locations {
		if location.Start < extent.Start || location.Start > extent.End {
			continue
		}
		if location.Start > pos {
			if err := writeZeros(w, location.Start-pos); err != nil {
				return err
			}
			pos = location.Start
		}
		data, err := repo.ReadChunk(ctx, location.ID)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		pos += uint64(len(data))
	}
	return nil
}

// GetSparseObject writes each requested extent to its writer.
func (a *Archive) GetSparseObject(ctx context.Context, repo *repository.Repository, path string, extents []ExtentWriter) error {
	for _, ew := range extents {
		if err := a.GetExtent(ctx, repo, path, ew.Extent, ew.Writer); err != nil {
			return err
		}
	}
	return nil
}

// ExtentWriter pairs an extent with the writer receiving its bytes.
type ExtentWriter struct {
	Extent Extent
	Writer io.Writer
}

// Listing returns a snapshot of the archive's listing.
func (a *Archive) Listing() Listing {
	a.shared.mu.RLock()
	defer a.shared.mu.RUnlock()
	out := Listing{Root: append([]string{}, a.shared.listing.Root...)}
	if a.shared.listing.Nodes != nil {
		out.Nodes = make(map[string]Node, len(a.shared.listing.Nodes))
		for k, v := range a.shared.listing.Nodes {
			out.Nodes[k] = v
		}
	}
	return out
}

// SetListing replaces the archive's listing.
func (a *Archive) SetListing(listing Listing) {
	a.shared.mu.Lock()
	a.shared.listing = listing
	a.shared.mu.Unlock()
}

// Paths returns the mangled paths present in the archive, sorted.
func (a *Archive) Paths() []string {
	a.shared.mu.RLock()
	defer a.shared.mu.RUnlock()
	out := make([]string, 0, len(a.shared.objects))
	for path := range a.shared.objects {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// archiveRecord is the serialized form of an archive.
type archiveRecord struct {
	Name      string                     `json:"name"`
	Objects   map[string][]ChunkLocation `json:"objects"`
	Namespace []string                   `json:"namespace,omitempty"`
	Timestamp time.Time                  `json:"timestamp"`
	Listing   Listing                    `json:"listing"`
}

// Store serializes the archive, writes it to the repository as one more
// chunk, and commits the index. The returned StoredArchive is what the
// manifest records; committing it is the caller's step.
func (a *Archive) Store(ctx context.Context, repo *repository.Repository) (repository.StoredArchive, error) {
	a.shared.mu.RLock()
	record := archiveRecord{
		Name:      a.name,
		Objects:   a.shared.objects,
		Namespace: a.namespace,
		Timestamp: a.timestamp,
		Listing:   a.shared.listing,
	}
	encoded, err := json.Marshal(record)
	a.shared.mu.RUnlock()
	if err != nil {
		return repository.StoredArchive{}, fmt.Errorf("serializing archive: %w", err)
	}

	id, _, err := repo.WriteChunk(ctx, encoded)
	if err != nil {
		return repository.StoredArchive{}, err
	}
	if err := repo.CommitIndex(ctx); err != nil {
		return repository.StoredArchive{}, err
	}
	return repository.StoredArchive{
		Name:      a.name,
		ID:        id,
		Timestamp: a.timestamp,
	}, nil
}

// Load reads a stored archive's chunk back and reconstructs the archive.
func Load(ctx context.Context, repo *repository.Repository, stored repository.StoredArchive) (*Archive, error) {
	encoded, err := repo.ReadChunk(ctx, stored.ID)
	if err != nil {
		return nil, err
	}
	var record archiveRecord
	if err := json.Unmarshal(encoded, &record); err != nil {
		return nil, fmt.Errorf("deserializing archive: %w", err)
	}
	if record.Objects == nil {
		record.Objects = make(map[string][]ChunkLocation)
	}
	return &Archive{
		name:      record.Name,
		timestamp: record.Timestamp,
		namespace: record.Namespace,
		shared: &sharedState{
			objects: record.Objects,
			listing: record.Listing,
		},
	}, nil
}

var zeroBuf [8192]byte

func writeZeros(w io.Writer, count uint64) error {
	for count > 0 {
		n := count
		if n > uint64(len(zeroBuf)) {
			n = uint64(len(zeroBuf))
		}
		if _, err := w.Write(zeroBuf[:n]); err != nil {
			return err
		}
		count -= n
	}
	return nil
}
