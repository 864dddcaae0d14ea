package multifile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/repository"
)

// indexTransaction is the on-disk record of one chunk id -> descriptor
// binding.
type indexTransaction struct {
	ID         chunk.ID                     `json:"id"`
	Descriptor repository.SegmentDescriptor `json:"descriptor"`
}

// Index is the multifile chunk index: an append-only log of transactions
// split across numbered files under index/, exactly one of which is held
// locked for writing by this connection.
type Index struct {
	act *repository.Actor

	entries map[chunk.ID]repository.SegmentDescriptor
	pending []indexTransaction
	file    *LockedFile
	logger  *logrus.Logger
}

// openIndex opens (creating if needed) the index under repositoryPath/index.
// Every existing file is replayed into memory; duplicate ids keep the last
// record. An incomplete trailing record, left by a crash, ends that file's
// replay.
func openIndex(repositoryPath string, logger *logrus.Logger) (*Index, error) {
	indexPath := filepath.Join(repositoryPath, "index")
	if err := os.MkdirAll(indexPath, 0o755); err != nil {
		return nil, err
	}

	files, err := numericFiles(indexPath)
	if err != nil {
		return nil, err
	}

	entries := make(map[chunk.ID]repository.SegmentDescriptor)
	for _, nf := range files {
		f, err := os.Open(nf.path)
		if err != nil {
			return nil, err
		}
		for {
			var tx indexTransaction
			err := repository.ReadRecord(f, &tx)
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("index file %s: %v: %w", nf.path, err, repository.ErrIndex)
			}
			entries[tx.ID] = tx.Descriptor
		}
		f.Close()
	}

	file, err := lockFirstAvailable(indexPath, files)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		act:     repository.NewActor(16),
		entries: entries,
		file:    file,
		logger:  logger,
	}
	return idx, nil
}

// Lookup implements repository.Index.
func (i *Index) Lookup(ctx context.Context, id chunk.ID) (repository.SegmentDescriptor, bool, error) {
	var descriptor repository.SegmentDescriptor
	var present bool
	err := i.act.Do(ctx, func() {
		descriptor, present = i.entries[id]
	})
	return descriptor, present, err
}

// Set implements repository.Index. The first descriptor recorded for an id
// wins; later calls for the same id are dropped.
func (i *Index) Set(ctx context.Context, id chunk.ID, descriptor repository.SegmentDescriptor) error {
	return i.act.Do(ctx, func() {
		if _, exists := i.entries[id]; exists {
			return
		}
		i.entries[id] = descriptor
		i.pending = append(i.pending, indexTransaction{ID: id, Descriptor: descriptor})
	})
}

// Commit implements repository.Index: buffered transactions are appended to
// the held file and synced.
func (i *Index) Commit(ctx context.Context) error {
	var opErr error
	err := i.act.Do(ctx, func() {
		opErr = i.flush()
	})
	if err != nil {
		return err
	}
	return opErr
}

// flush runs on the actor goroutine.
func (i *Index) flush() error {
	if len(i.pending) == 0 {
		return nil
	}
	if _, err := i.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	for _, tx := range i.pending {
		if err := repository.WriteRecord(i.file, tx); err != nil {
			return err
		}
	}
	if err := i.file.Sync(); err != nil {
		return err
	}
	i.logger.WithField("records", len(i.pending)).Debug("committed index transactions")
	i.pending = i.pending[:0]
	return nil
}

// Count implements repository.Index.
func (i *Index) Count(ctx context.Context) (int, error) {
	var count int
	err := i.act.Do(ctx, func() {
		count = len(i.entries)
	})
	return count, err
}

// close flushes and releases the held file.
func (i *Index) close(ctx context.Context) error {
	var opErr error
	err := i.act.Do(ctx, func() {
		opErr = i.flush()
		if closeErr := i.file.Close(); opErr == nil {
			opErr = closeErr
		}
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	return i.act.Close(ctx)
}

// numericFile is a directory entry whose name is a base-10 integer.
type numericFile struct {
	id   uint64
	path string
}

// numericFiles lists the numerically named files in dir, sorted by id.
// Anything else (lock files included) is ignored.
func numericFiles(dir string) ([]numericFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []numericFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, numericFile{id: id, path: filepath.Join(dir, entry.Name())})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out, nil
}

// lockFirstAvailable locks the first unlocked file in files, or creates a
// new one with the next id. Two connections to the same repository thereby
// hold different files.
func lockFirstAvailable(dir string, files []numericFile) (*LockedFile, error) {
	for _, nf := range files {
		file, err := OpenLockedFile(nf.path)
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, repository.ErrFileLock) {
			return nil, err
		}
	}
	next := uint64(0)
	if len(files) > 0 {
		next = files[len(files)-1].id + 1
	}
	for {
		file, err := OpenLockedFile(filepath.Join(dir, strconv.FormatUint(next, 10)))
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, repository.ErrFileLock) {
			return nil, err
		}
		next++
	}
}
