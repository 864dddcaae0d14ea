package multifile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/crypto"
	"github.com/asuran-backup/asuran/internal/repository"
)

const (
	// DefaultSegmentSizeLimit is the soft cap on a segment data file. The
	// segment is released after the first write that exceeds it.
	DefaultSegmentSizeLimit = 2_000_000_000

	// DefaultSegmentsPerDirectory controls how segment files are fanned out
	// into numbered subdirectories of data/.
	DefaultSegmentsPerDirectory = 100

	// readCacheSize caps the number of read-only segment handles kept open.
	readCacheSize = 100
)

// writeSegment pairs the currently locked write segment with its id.
type writeSegment struct {
	id  uint64
	seg *segment
}

// segmentStore owns the data/ directory: it assigns descriptors on write and
// resolves them on read. A single actor goroutine owns all state.
type segmentStore struct {
	act *repository.Actor

	path           string
	sizeLimit      uint64
	perDirectory   uint64
	settings       chunk.Settings
	key            *crypto.Key
	logger         *logrus.Logger
	current        *writeSegment
	highest        uint64
	readCache      *lru.Cache[uint64, *segment]
	evictCloseErrs []error
}

// openSegmentStore opens (creating if needed) the segment store under
// repositoryPath/data.
func openSegmentStore(repositoryPath string, sizeLimit, perDirectory uint64, settings chunk.Settings, key *crypto.Key, logger *logrus.Logger) (*segmentStore, error) {
	dataPath := filepath.Join(repositoryPath, "data")
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, err
	}

	s := &segmentStore{
		act:          repository.NewActor(16),
		path:         dataPath,
		sizeLimit:    sizeLimit,
		perDirectory: perDirectory,
		settings:     settings,
		key:          key,
		logger:       logger,
	}
	cache, err := lru.NewWithEvict[uint64, *segment](readCacheSize, func(id uint64, seg *segment) {
		if err := seg.close(); err != nil {
			s.evictCloseErrs = append(s.evictCloseErrs, err)
			s.logger.WithError(err).WithField("segment", id).Warn("closing evicted segment handle")
		}
	})
	if err != nil {
		return nil, err
	}
	s.readCache = cache

	s.highest = s.scanHighestSegment()

	// Open a write segment eagerly so an unlockable data directory surfaces
	// at open rather than first write.
	var openErr error
	if err := s.act.Do(context.Background(), func() {
		_, openErr = s.openSegmentWrite()
	}); err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, openErr
	}
	return s, nil
}

// scanHighestSegment walks data/ for the highest numeric segment file name.
func (s *segmentStore) scanHighestSegment() uint64 {
	var highest uint64
	_ = filepath.WalkDir(s.path, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if id, parseErr := strconv.ParseUint(d.Name(), 10, 64); parseErr == nil && id > highest {
			highest = id
		}
		return nil
	})
	return highest
}

// segmentPaths returns the data and header file paths for a segment id,
// partitioned into a directory by id/perDirectory.
func (s *segmentStore) segmentPaths(id uint64) (string, string) {
	folder := filepath.Join(s.path, strconv.FormatUint(id/s.perDirectory, 10))
	name := strconv.FormatUint(id, 10)
	return filepath.Join(folder, name), filepath.Join(folder, name+".header")
}

func (s *segmentStore) segmentExists(id uint64) bool {
	dataPath, _ := s.segmentPaths(id)
	info, err := os.Stat(dataPath)
	return err == nil && !info.IsDir()
}

// openSegmentWrite returns the current write segment, selecting one if
// needed: the lowest unlocked segment below the size cap, or a brand new
// segment with id highest+1.
//
// Runs on the actor goroutine.
func (s *segmentStore) openSegmentWrite() (*writeSegment, error) {
	if s.current != nil {
		return s.current, nil
	}

	// Another connection may have created segments since we scanned
	for s.segmentExists(s.highest + 1) {
		s.highest++
	}

	tryOpen := func(id uint64) (*writeSegment, error) {
		dataPath, headerPath := s.segmentPaths(id)
		if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
			return nil, err
		}
		dataFile, err := OpenLockedFile(dataPath)
		if err != nil {
			return nil, err
		}
		headerFile, err := OpenLockedFile(headerPath)
		if err != nil {
			dataFile.Close()
			return nil, err
		}
		seg, err := openSegment(dataFile, headerFile, s.settings, s.key)
		if err != nil {
			dataFile.Close()
			headerFile.Close()
			return nil, err
		}
		return &writeSegment{id: id, seg: seg}, nil
	}

	// Reuse the lowest existing unlocked, non-full segment
	for id := uint64(0); id <= s.highest; id++ {
		if !s.segmentExists(id) {
			continue
		}
		dataPath, headerPath := s.segmentPaths(id)
		if isLocked(dataPath) || isLocked(headerPath) {
			continue
		}
		info, err := os.Stat(dataPath)
		if err != nil || uint64(info.Size()) >= s.sizeLimit {
			continue
		}
		ws, err := tryOpen(id)
		if err != nil {
			// Lost the race for this segment; keep looking
			continue
		}
		// Readers may hold a stale handle to the segment we now own
		s.readCache.Remove(id)
		s.current = ws
		return ws, nil
	}

	// Nothing reusable; create a fresh segment
	for {
		id := s.highest + 1
		if s.segmentExists(id) {
			s.highest++
			continue
		}
		ws, err := tryOpen(id)
		if err != nil {
			return nil, err
		}
		s.highest = id
		s.current = ws
		s.logger.WithField("segment", id).Debug("opened new write segment")
		return ws, nil
	}
}

// openSegmentRead returns a read-only handle for a segment, from the LRU
// cache when possible. If the requested segment is the current write target
// it is flushed and released first, so the reader observes current state.
//
// Runs on the actor goroutine.
func (s *segmentStore) openSegmentRead(id uint64) (*segment, error) {
	if s.current != nil && s.current.id == id {
		if err := s.current.seg.close(); err != nil {
			return nil, err
		}
		s.current = nil
	}
	if seg, ok := s.readCache.Get(id); ok {
		return seg, nil
	}
	dataPath, headerPath := s.segmentPaths(id)
	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("segment %d does not exist: %w", id, repository.ErrSegment)
	}
	headerFile, err := os.Open(headerPath)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("segment %d has no header file: %w", id, repository.ErrSegment)
	}
	seg, err := openSegment(readOnly{dataFile}, readOnly{headerFile}, s.settings, s.key)
	if err != nil {
		dataFile.Close()
		headerFile.Close()
		return nil, err
	}
	s.readCache.Add(id, seg)
	return seg, nil
}

// writeChunk appends a chunk and returns its descriptor. When the write
// pushes the segment past the size cap, the segment is flushed and released.
func (s *segmentStore) writeChunk(ctx context.Context, c *chunk.Chunk) (repository.SegmentDescriptor, error) {
	var descriptor repository.SegmentDescriptor
	var opErr error
	err := s.act.Do(ctx, func() {
		ws, err := s.openSegmentWrite()
		if err != nil {
			opErr = err
			return
		}
		start, err := ws.seg.writeChunk(c)
		if err != nil {
			opErr = err
			return
		}
		descriptor = repository.SegmentDescriptor{SegmentID: ws.id, Start: start}

		size, err := ws.seg.size()
		if err != nil {
			opErr = err
			return
		}
		if size >= s.sizeLimit {
			opErr = ws.seg.close()
			s.current = nil
		}
	})
	if err != nil {
		return repository.SegmentDescriptor{}, err
	}
	return descriptor, opErr
}

// readChunk resolves a descriptor to its packed chunk.
func (s *segmentStore) readChunk(ctx context.Context, descriptor repository.SegmentDescriptor) (*chunk.Chunk, error) {
	var out *chunk.Chunk
	var opErr error
	err := s.act.Do(ctx, func() {
		seg, err := s.openSegmentRead(descriptor.SegmentID)
		if err != nil {
			opErr = err
			return
		}
		out, opErr = seg.readChunk(descriptor.Start)
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// close flushes the write segment and drops every cached read handle.
func (s *segmentStore) close(ctx context.Context) error {
	var opErr error
	err := s.act.Do(ctx, func() {
		if s.current != nil {
			opErr = s.current.seg.close()
			s.current = nil
		}
		s.readCache.Purge()
		if opErr == nil && len(s.evictCloseErrs) > 0 {
			opErr = s.evictCloseErrs[0]
		}
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	return s.act.Close(ctx)
}

// readOnly wraps a read-only file so that segment code cannot accidentally
// write through it; writes fail loudly instead of corrupting data.
type readOnly struct {
	*os.File
}

func (r readOnly) Write([]byte) (int, error) {
	return 0, fmt.Errorf("segment opened read-only: %w", repository.ErrSegment)
}
