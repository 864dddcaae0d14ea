package repository_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/crypto"
	"github.com/asuran-backup/asuran/internal/repository"
	"github.com/asuran-backup/asuran/internal/repository/memory"
)

func newMemRepo(t *testing.T) *repository.Repository {
	t.Helper()
	key := crypto.NewRandomKey(32)
	settings := chunk.Settings{
		Compression: crypto.ZStdCompression(1),
		Encryption:  crypto.NewAES256CTR(),
		HMAC:        crypto.HMACBlake2b,
	}
	return repository.New(memory.New(settings), settings, &key)
}

func randomData(t *testing.T, size int, seed int64) []byte {
	t.Helper()
	buf := make([]byte, size)
	rng := rand.New(rand.NewSource(seed))
	_, err := rng.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestRepositoryAddRead(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(t)
	defer repo.Close(ctx)

	blobs := [][]byte{
		randomData(t, 7000, 1),
		randomData(t, 7000, 2),
		randomData(t, 7000, 3),
	}
	var ids []chunk.ID
	for _, blob := range blobs {
		id, present, err := repo.WriteChunk(ctx, blob)
		require.NoError(t, err)
		assert.False(t, present)
		ids = append(ids, id)
	}
	for i, id := range ids {
		out, err := repo.ReadChunk(ctx, id)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(blobs[i], out))
	}
}

func TestRepositoryDeduplicates(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(t)
	defer repo.Close(ctx)

	data := bytes.Repeat([]byte{1}, 8192)

	count, err := repo.CountChunks(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	id1, present1, err := repo.WriteChunk(ctx, data)
	require.NoError(t, err)
	assert.False(t, present1)

	id2, present2, err := repo.WriteChunk(ctx, data)
	require.NoError(t, err)
	assert.True(t, present2)
	assert.Equal(t, id1, id2)

	count, err = repo.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRepositoryReadMissingChunk(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(t)
	defer repo.Close(ctx)

	_, err := repo.ReadChunk(ctx, chunk.NewID([]byte("no such chunk")))
	assert.ErrorIs(t, err, repository.ErrChunkNotFound)

	present, err := repo.HasChunk(ctx, chunk.NewID([]byte("no such chunk")))
	require.NoError(t, err)
	assert.False(t, present)
}

func TestRepositoryWriteChunkWithID(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(t)
	defer repo.Close(ctx)

	// The legacy manifest id is exempt from deduplication: writing it twice
	// stores it twice rather than reporting it present.
	data := []byte("manifest root payload")
	_, present, err := repo.WriteChunkWithID(ctx, data, chunk.ManifestID())
	require.NoError(t, err)
	assert.False(t, present)

	_, present, err = repo.WriteChunkWithID(ctx, []byte("replacement payload"), chunk.ManifestID())
	require.NoError(t, err)
	assert.False(t, present)

	out, err := repo.ReadChunk(ctx, chunk.ManifestID())
	require.NoError(t, err)
	// First descriptor wins in the index
	assert.Equal(t, data, out)
}

func TestManifestTransactionVerify(t *testing.T) {
	key := crypto.NewRandomKey(32)
	pointer := chunk.NewID(bytes.Repeat([]byte{1}, 32))

	tx, err := repository.NewManifestTransaction(nil, pointer, time.Now(), "backup-1", crypto.HMACBlake2b, &key)
	require.NoError(t, err)
	assert.True(t, tx.Verify(&key))

	// Mutating any field invalidates the tag
	tampered := *tx
	tampered.Name = "backup-2"
	assert.False(t, tampered.Verify(&key))

	tampered = *tx
	tampered.PreviousHeads = []repository.ManifestID{{2}}
	assert.False(t, tampered.Verify(&key))

	// Wrong key fails
	other := crypto.NewRandomKey(32)
	assert.False(t, tx.Verify(&other))
}

func TestManifestTransactionChainsToParents(t *testing.T) {
	key := crypto.NewRandomKey(32)
	pointer := chunk.NewID(bytes.Repeat([]byte{7}, 32))

	parent, err := repository.NewManifestTransaction(nil, pointer, time.Now(), "a", crypto.HMACBlake3, &key)
	require.NoError(t, err)
	child, err := repository.NewManifestTransaction([]repository.ManifestID{parent.Tag}, pointer, time.Now(), "b", crypto.HMACBlake3, &key)
	require.NoError(t, err)

	require.Len(t, child.PreviousHeads, 1)
	assert.Equal(t, parent.Tag, child.PreviousHeads[0])
	assert.True(t, child.Verify(&key))
	assert.NotEqual(t, parent.Tag, child.Tag)
}

func TestManifestTransactionSerializeVerify(t *testing.T) {
	key := crypto.NewRandomKey(32)
	tx, err := repository.NewManifestTransaction(nil, chunk.NewID([]byte{9}), time.Now(), "roundtrip", crypto.HMACSHA256, &key)
	require.NoError(t, err)

	// A decoded transaction must still verify against the same key
	encoded, err := json.Marshal(tx)
	require.NoError(t, err)
	var decoded repository.ManifestTransaction
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.True(t, decoded.Verify(&key))

	archive := decoded.StoredArchive()
	assert.Equal(t, "roundtrip", archive.Name)
	assert.Equal(t, tx.Pointer, archive.ID)
}
