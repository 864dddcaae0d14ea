package multifile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/crypto"
	"github.com/asuran-backup/asuran/internal/repository"
)

// chunkSettingsFile is the sibling file persisting the repository-default
// chunk settings, rewritten in place under its own lock.
const chunkSettingsFile = "chunk.settings"

// Manifest is the multifile manifest: an append-only log of HMAC-chained
// transactions under manifest/, replayed into a DAG on open and verified
// from its heads.
type Manifest struct {
	act *repository.Actor

	known    map[repository.ManifestID]*repository.ManifestTransaction
	verified map[repository.ManifestID]bool
	heads    []repository.ManifestID
	file     *LockedFile
	path     string
	settings chunk.Settings
	key      *crypto.Key
	logger   *logrus.Logger
}

// openManifest opens (creating if needed) the manifest under
// repositoryPath/manifest.
//
// When settings is non-nil it becomes the repository default and is written
// to chunk.settings; otherwise the existing chunk.settings is read, and its
// absence is an ErrManifest (the repository was never initialized).
//
// Every transaction reachable from a head must verify; any failure aborts
// the open with ErrManifest.
func openManifest(repositoryPath string, settings *chunk.Settings, key *crypto.Key, logger *logrus.Logger) (*Manifest, error) {
	manifestPath := filepath.Join(repositoryPath, "manifest")
	if info, err := os.Stat(manifestPath); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("%s is a file, not a directory: %w", manifestPath, repository.ErrManifest)
	}
	if err := os.MkdirAll(manifestPath, 0o755); err != nil {
		return nil, err
	}

	files, err := numericFiles(manifestPath)
	if err != nil {
		return nil, err
	}

	known := make(map[repository.ManifestID]*repository.ManifestTransaction)
	for _, nf := range files {
		f, err := os.Open(nf.path)
		if err != nil {
			return nil, err
		}
		for {
			var tx repository.ManifestTransaction
			err := repository.ReadRecord(f, &tx)
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("manifest file %s: %v: %w", nf.path, err, repository.ErrManifest)
			}
			stored := tx
			known[tx.Tag] = &stored
		}
		f.Close()
	}

	file, err := lockFirstAvailable(manifestPath, files)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		act:      repository.NewActor(16),
		known:    known,
		verified: make(map[repository.ManifestID]bool),
		file:     file,
		path:     manifestPath,
		key:      key,
		logger:   logger,
	}

	if settings != nil {
		if err := m.rewriteChunkSettings(*settings); err != nil {
			file.Close()
			return nil, err
		}
		m.settings = *settings
	} else {
		loaded, err := readChunkSettings(manifestPath)
		if err != nil {
			file.Close()
			return nil, err
		}
		m.settings = loaded
	}

	m.heads = m.computeHeads()
	for _, head := range m.heads {
		if !m.verifyTransaction(head) {
			file.Close()
			return nil, fmt.Errorf("manifest transaction %s failed verification: %w", head, repository.ErrManifest)
		}
	}
	return m, nil
}

// computeHeads finds the transactions no later transaction references: build
// the "references" graph, reverse it, and take the nodes with no outgoing
// edges. With edges held as a referenced-by set, that is exactly the tags
// absent from every transaction's previous-heads list.
func (m *Manifest) computeHeads() []repository.ManifestID {
	referenced := make(map[repository.ManifestID]struct{})
	for _, tx := range m.known {
		for _, parent := range tx.PreviousHeads {
			referenced[parent] = struct{}{}
		}
	}
	var heads []repository.ManifestID
	for tag := range m.known {
		if _, ok := referenced[tag]; !ok {
			heads = append(heads, tag)
		}
	}
	return heads
}

// verifyTransaction checks a transaction's tag and, transitively, all its
// parents. Verification results are memoized.
func (m *Manifest) verifyTransaction(id repository.ManifestID) bool {
	if m.verified[id] {
		return true
	}
	tx, ok := m.known[id]
	if !ok {
		return false
	}
	if !tx.Verify(m.key) {
		return false
	}
	m.verified[id] = true
	for _, parent := range tx.PreviousHeads {
		if !m.verifyTransaction(parent) {
			return false
		}
	}
	return true
}

// LastModification implements repository.Manifest: the maximum timestamp
// across heads, or the current time for an empty manifest.
func (m *Manifest) LastModification(ctx context.Context) (time.Time, error) {
	var out time.Time
	err := m.act.Do(ctx, func() {
		if len(m.heads) == 0 {
			out = time.Now()
			return
		}
		for _, head := range m.heads {
			if tx, ok := m.known[head]; ok && tx.Timestamp.After(out) {
				out = tx.Timestamp
			}
		}
	})
	return out, err
}

// ChunkSettings implements repository.Manifest.
func (m *Manifest) ChunkSettings(ctx context.Context) (chunk.Settings, error) {
	var out chunk.Settings
	err := m.act.Do(ctx, func() {
		out = m.settings
	})
	return out, err
}

// WriteChunkSettings implements repository.Manifest.
func (m *Manifest) WriteChunkSettings(ctx context.Context, settings chunk.Settings) error {
	var opErr error
	err := m.act.Do(ctx, func() {
		if opErr = m.rewriteChunkSettings(settings); opErr == nil {
			m.settings = settings
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// rewriteChunkSettings replaces chunk.settings under its own lock.
func (m *Manifest) rewriteChunkSettings(settings chunk.Settings) error {
	file, err := OpenLockedFile(filepath.Join(m.path, chunkSettingsFile))
	if err != nil {
		return fmt.Errorf("locking chunk.settings: %w", err)
	}
	defer file.Close()
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := json.NewEncoder(file).Encode(settings); err != nil {
		return fmt.Errorf("writing chunk.settings: %w", err)
	}
	return file.Sync()
}

func readChunkSettings(manifestPath string) (chunk.Settings, error) {
	var settings chunk.Settings
	f, err := os.Open(filepath.Join(manifestPath, chunkSettingsFile))
	if err != nil {
		return settings, fmt.Errorf("chunk.settings missing, repository not initialized: %w", repository.ErrManifest)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&settings); err != nil {
		return settings, fmt.Errorf("chunk.settings malformed: %w", repository.ErrManifest)
	}
	return settings, nil
}

// WriteArchive implements repository.Manifest: a new transaction chained to
// the current heads is appended to the held file, and the head set collapses
// to the new transaction alone.
func (m *Manifest) WriteArchive(ctx context.Context, archive repository.StoredArchive) error {
	var opErr error
	err := m.act.Do(ctx, func() {
		tx, err := repository.NewManifestTransaction(m.heads, archive.ID, archive.Timestamp, archive.Name, m.settings.HMAC, m.key)
		if err != nil {
			opErr = err
			return
		}
		if _, err := m.file.Seek(0, io.SeekEnd); err != nil {
			opErr = err
			return
		}
		if err := repository.WriteRecord(m.file, tx); err != nil {
			opErr = err
			return
		}
		if err := m.file.Sync(); err != nil {
			opErr = err
			return
		}
		m.known[tx.Tag] = tx
		m.verified[tx.Tag] = true
		m.heads = []repository.ManifestID{tx.Tag}
		m.logger.WithFields(logrus.Fields{
			"archive": archive.Name,
			"tag":     tx.Tag,
		}).Debug("appended manifest transaction")
	})
	if err != nil {
		return err
	}
	return opErr
}

// Archives implements repository.Manifest, yielding stored archives in
// reverse chronological order.
func (m *Manifest) Archives(ctx context.Context) ([]repository.StoredArchive, error) {
	var out []repository.StoredArchive
	err := m.act.Do(ctx, func() {
		for _, tx := range m.known {
			out = append(out, tx.StoredArchive())
		}
		sort.SliceStable(out, func(a, b int) bool {
			return out[a].Timestamp.After(out[b].Timestamp)
		})
	})
	return out, err
}

// Heads returns the current head tags; tests use this to inspect chaining.
func (m *Manifest) Heads(ctx context.Context) ([]repository.ManifestID, error) {
	var out []repository.ManifestID
	err := m.act.Do(ctx, func() {
		out = append(out, m.heads...)
	})
	return out, err
}

// Transaction returns the known transaction with the given tag, if any.
func (m *Manifest) Transaction(ctx context.Context, id repository.ManifestID) (*repository.ManifestTransaction, bool, error) {
	var out *repository.ManifestTransaction
	var ok bool
	err := m.act.Do(ctx, func() {
		out, ok = m.known[id]
	})
	return out, ok, err
}

// close releases the held transaction file.
func (m *Manifest) close(ctx context.Context) error {
	var opErr error
	err := m.act.Do(ctx, func() {
		opErr = m.file.Close()
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	return m.act.Close(ctx)
}
