package multifile

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/crypto"
	"github.com/asuran-backup/asuran/internal/repository"
)

func quietOptions() Options {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return Options{Logger: logger}
}

func testSettings() chunk.Settings {
	return chunk.LightweightSettings()
}

func openTestBackend(t *testing.T, path string, key *crypto.Key) *Backend {
	t.Helper()
	settings := testSettings()
	backend, err := Open(path, &settings, key, quietOptions())
	require.NoError(t, err)
	return backend
}

func packChunk(t *testing.T, data []byte, key *crypto.Key) *chunk.Chunk {
	t.Helper()
	s := testSettings()
	packed, err := chunk.Pack(data, s.Compression, s.Encryption, s.HMAC, key)
	require.NoError(t, err)
	return packed
}

func randomBlob(t *testing.T, size int, seed int64) []byte {
	t.Helper()
	buf := make([]byte, size)
	_, err := rand.New(rand.NewSource(seed)).Read(buf)
	require.NoError(t, err)
	return buf
}

func TestKeyStoreLoad(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	path := t.TempDir()
	backend := openTestBackend(t, path, &key)

	encKey, err := crypto.EncryptKey(&key, 1024, 1, crypto.NewAES256CTR(), []byte("pw"))
	require.NoError(t, err)
	require.NoError(t, backend.WriteKey(ctx, encKey))

	loaded, err := backend.ReadKey(ctx)
	require.NoError(t, err)
	decrypted, err := loaded.Decrypt([]byte("pw"))
	require.NoError(t, err)
	assert.True(t, key.Equal(decrypted))

	require.NoError(t, backend.Close(ctx))

	// The key remains readable without opening the repository
	loaded, err = ReadKey(path)
	require.NoError(t, err)
	decrypted, err = loaded.Decrypt([]byte("pw"))
	require.NoError(t, err)
	assert.True(t, key.Equal(decrypted))
}

func TestGlobalLockRejectsOpen(t *testing.T) {
	path := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(path, "lock"), nil, 0o644))

	key := crypto.NewRandomKey(32)
	settings := testSettings()
	_, err := Open(path, &settings, &key, quietOptions())
	assert.ErrorIs(t, err, repository.ErrRepositoryGloballyLocked)
}

func TestReadLockLifecycle(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	backend := openTestBackend(t, t.TempDir(), &key)

	lockPath := backend.ReadLockPath()
	_, err := os.Stat(lockPath)
	require.NoError(t, err, "readlock should exist while the connection is open")

	require.NoError(t, backend.Close(ctx))
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err), "readlock should be removed on clean close")
}

func TestTwoConnectionsCoexist(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	path := t.TempDir()

	first := openTestBackend(t, path, &key)
	second := openTestBackend(t, path, &key)

	// Each connection holds a different index file
	assert.NotEqual(t, first.index.file.Path(), second.index.file.Path())
	assert.NotEqual(t, first.readLockPath, second.readLockPath)

	require.NoError(t, second.Close(ctx))
	require.NoError(t, first.Close(ctx))
}

func TestSegmentChunkRoundTrip(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	path := t.TempDir()
	backend := openTestBackend(t, path, &key)

	blobs := [][]byte{
		randomBlob(t, 4096, 1),
		randomBlob(t, 100, 2),
		randomBlob(t, 65536, 3),
	}
	var descriptors []repository.SegmentDescriptor
	for _, blob := range blobs {
		descriptor, err := backend.WriteChunk(ctx, packChunk(t, blob, &key))
		require.NoError(t, err)
		descriptors = append(descriptors, descriptor)
	}

	// Read back through the same connection (flushes the write segment)
	for i, descriptor := range descriptors {
		packed, err := backend.ReadChunk(ctx, descriptor)
		require.NoError(t, err)
		out, err := packed.Unpack(&key)
		require.NoError(t, err)
		assert.Equal(t, blobs[i], out)
	}
	require.NoError(t, backend.Close(ctx))

	// And through a fresh connection
	backend = openTestBackend(t, path, &key)
	for i, descriptor := range descriptors {
		packed, err := backend.ReadChunk(ctx, descriptor)
		require.NoError(t, err)
		out, err := packed.Unpack(&key)
		require.NoError(t, err)
		assert.Equal(t, blobs[i], out)
	}
	require.NoError(t, backend.Close(ctx))
}

func TestSegmentRollover(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	path := t.TempDir()
	settings := testSettings()
	backend, err := Open(path, &settings, &key, Options{
		SegmentSizeLimit: 8 * 1024,
		Logger:           quietOptions().Logger,
	})
	require.NoError(t, err)

	var descriptors []repository.SegmentDescriptor
	for i := 0; i < 8; i++ {
		descriptor, err := backend.WriteChunk(ctx, packChunk(t, randomBlob(t, 4096, int64(i)), &key))
		require.NoError(t, err)
		descriptors = append(descriptors, descriptor)
	}

	segments := map[uint64]bool{}
	for _, d := range descriptors {
		segments[d.SegmentID] = true
	}
	assert.Greater(t, len(segments), 1, "small size cap should force segment rollover")

	for i, descriptor := range descriptors {
		packed, err := backend.ReadChunk(ctx, descriptor)
		require.NoError(t, err)
		out, err := packed.Unpack(&key)
		require.NoError(t, err)
		assert.Equal(t, randomBlob(t, 4096, int64(i)), out)
	}
	require.NoError(t, backend.Close(ctx))
}

func TestReadUnknownDescriptor(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	backend := openTestBackend(t, t.TempDir(), &key)
	defer backend.Close(ctx)

	_, err := backend.WriteChunk(ctx, packChunk(t, []byte("occupy segment one"), &key))
	require.NoError(t, err)

	_, err = backend.ReadChunk(ctx, repository.SegmentDescriptor{SegmentID: 1, Start: 99999})
	assert.ErrorIs(t, err, repository.ErrSegment)
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	path := t.TempDir()
	backend := openTestBackend(t, path, &key)

	id := chunk.NewID(bytes.Repeat([]byte{9}, 32))
	descriptor := repository.SegmentDescriptor{SegmentID: 3, Start: 77}
	require.NoError(t, backend.Index().Set(ctx, id, descriptor))
	require.NoError(t, backend.Index().Commit(ctx))
	require.NoError(t, backend.Close(ctx))

	backend = openTestBackend(t, path, &key)
	got, present, err := backend.Index().Lookup(ctx, id)
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, descriptor, got)

	count, err := backend.Index().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NoError(t, backend.Close(ctx))
}

func TestIndexFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	backend := openTestBackend(t, t.TempDir(), &key)
	defer backend.Close(ctx)

	id := chunk.NewID([]byte{1})
	first := repository.SegmentDescriptor{SegmentID: 1, Start: 1}
	second := repository.SegmentDescriptor{SegmentID: 2, Start: 2}
	require.NoError(t, backend.Index().Set(ctx, id, first))
	require.NoError(t, backend.Index().Set(ctx, id, second))

	got, present, err := backend.Index().Lookup(ctx, id)
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, first, got)
}

func TestIndexFlushesOnClose(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	path := t.TempDir()
	backend := openTestBackend(t, path, &key)

	id := chunk.NewID([]byte{5})
	require.NoError(t, backend.Index().Set(ctx, id, repository.SegmentDescriptor{SegmentID: 1, Start: 1}))
	// No explicit Commit: Close is required to flush pending entries
	require.NoError(t, backend.Close(ctx))

	backend = openTestBackend(t, path, &key)
	_, present, err := backend.Index().Lookup(ctx, id)
	require.NoError(t, err)
	assert.True(t, present)
	require.NoError(t, backend.Close(ctx))
}

func TestManifestChaining(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	path := t.TempDir()
	backend := openTestBackend(t, path, &key)

	base := time.Now()
	var archives []repository.StoredArchive
	for i, name := range []string{"a", "b", "c"} {
		archive := repository.StoredArchive{
			Name:      name,
			ID:        chunk.NewID([]byte{byte(i + 1)}),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		archives = append(archives, archive)
		require.NoError(t, backend.Manifest().WriteArchive(ctx, archive))
	}

	heads, err := backend.ManifestInternals().Heads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1, "a linear history has exactly one head")

	// Walk the chain backwards: c -> b -> a -> empty
	tip, ok, err := backend.ManifestInternals().Transaction(ctx, heads[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", tip.Name)
	require.Len(t, tip.PreviousHeads, 1)

	middle, ok, err := backend.ManifestInternals().Transaction(ctx, tip.PreviousHeads[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", middle.Name)
	require.Len(t, middle.PreviousHeads, 1)

	root, ok, err := backend.ManifestInternals().Transaction(ctx, middle.PreviousHeads[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", root.Name)
	assert.Empty(t, root.PreviousHeads)

	require.NoError(t, backend.Close(ctx))

	// Reopen and verify the DAG replays with the same archives, newest
	// first
	backend = openTestBackend(t, path, &key)
	listed, err := backend.Manifest().Archives(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "c", listed[0].Name)
	assert.Equal(t, "b", listed[1].Name)
	assert.Equal(t, "a", listed[2].Name)
	require.NoError(t, backend.Close(ctx))
}

func TestManifestTamperDetection(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	path := t.TempDir()
	backend := openTestBackend(t, path, &key)
	require.NoError(t, backend.Manifest().WriteArchive(ctx, repository.StoredArchive{
		Name:      "victim",
		ID:        chunk.NewID([]byte{1}),
		Timestamp: time.Now(),
	}))
	require.NoError(t, backend.Close(ctx))

	// Flip one byte inside the manifest transaction log
	manifestFile := filepath.Join(path, "manifest", "0")
	raw, err := os.ReadFile(manifestFile)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0x01
	require.NoError(t, os.WriteFile(manifestFile, raw, 0o644))

	settings := testSettings()
	_, err = Open(path, &settings, &key, quietOptions())
	assert.ErrorIs(t, err, repository.ErrManifest)
}

func TestManifestMissingSettings(t *testing.T) {
	path := t.TempDir()
	key := crypto.NewRandomKey(32)
	// Opening a brand-new repository without settings must fail: there is
	// nothing to read from chunk.settings yet.
	_, err := Open(path, nil, &key, quietOptions())
	assert.ErrorIs(t, err, repository.ErrManifest)
}

func TestManifestLastModification(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	backend := openTestBackend(t, t.TempDir(), &key)
	defer backend.Close(ctx)

	stamp := time.Now().Add(-time.Hour)
	require.NoError(t, backend.Manifest().WriteArchive(ctx, repository.StoredArchive{
		Name:      "old",
		ID:        chunk.NewID([]byte{1}),
		Timestamp: stamp,
	}))
	last, err := backend.Manifest().LastModification(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, stamp, last, time.Second)
}

func TestCrashRecoveryTruncatedIndex(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	path := t.TempDir()
	backend := openTestBackend(t, path, &key)

	ids := make([]chunk.ID, 4)
	for i := range ids {
		ids[i] = chunk.NewID([]byte{byte(i + 1)})
		require.NoError(t, backend.Index().Set(ctx, ids[i], repository.SegmentDescriptor{SegmentID: uint64(i), Start: uint64(i)}))
	}
	require.NoError(t, backend.Index().Commit(ctx))
	require.NoError(t, backend.Close(ctx))

	// Truncate the index log mid-record
	indexFile := filepath.Join(path, "index", "0")
	raw, err := os.ReadFile(indexFile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(indexFile, raw[:len(raw)-17], 0o644))

	backend = openTestBackend(t, path, &key)
	defer backend.Close(ctx)

	// All complete records are visible, the truncated one is gone
	count, err := backend.Index().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	_, present, err := backend.Index().Lookup(ctx, ids[3])
	require.NoError(t, err)
	assert.False(t, present)
}

func TestCrashRecoveryTruncatedManifest(t *testing.T) {
	ctx := context.Background()
	key := crypto.NewRandomKey(32)
	path := t.TempDir()
	backend := openTestBackend(t, path, &key)
	for i, name := range []string{"a", "b"} {
		require.NoError(t, backend.Manifest().WriteArchive(ctx, repository.StoredArchive{
			Name:      name,
			ID:        chunk.NewID([]byte{byte(i + 1)}),
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, backend.Close(ctx))

	manifestFile := filepath.Join(path, "manifest", "0")
	raw, err := os.ReadFile(manifestFile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifestFile, raw[:len(raw)-11], 0o644))

	backend = openTestBackend(t, path, &key)
	defer backend.Close(ctx)
	listed, err := backend.Manifest().Archives(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "a", listed[0].Name)
}

func TestLockedFileExcludes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target")
	first, err := OpenLockedFile(path)
	require.NoError(t, err)

	_, err = OpenLockedFile(path)
	assert.ErrorIs(t, err, repository.ErrFileLock)

	require.NoError(t, first.Close())
	second, err := OpenLockedFile(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
