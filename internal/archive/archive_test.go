package archive

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/chunker"
	"github.com/asuran-backup/asuran/internal/crypto"
	"github.com/asuran-backup/asuran/internal/repository"
	"github.com/asuran-backup/asuran/internal/repository/memory"
)

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	key := crypto.NewRandomKey(32)
	settings := chunk.Settings{
		Compression: crypto.ZStdCompression(1),
		Encryption:  crypto.NewChaCha20(),
		HMAC:        crypto.HMACBlake2b,
	}
	return repository.New(memory.New(settings), settings, &key)
}

func testChunker() chunker.Chunker {
	return chunker.FastCDC{MinSize: 2048, AvgSize: 4096, MaxSize: 8192}
}

func randomBytes(t *testing.T, size int, seed int64) []byte {
	t.Helper()
	buf := make([]byte, size)
	_, err := rand.New(rand.NewSource(seed)).Read(buf)
	require.NoError(t, err)
	return buf
}

func TestObjectRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	defer repo.Close(ctx)

	data := randomBytes(t, 2*1024*1024, 1)
	a := New("backup")
	require.NoError(t, a.PutObject(ctx, testChunker(), repo, "/a", bytes.NewReader(data)))

	var out bytes.Buffer
	require.NoError(t, a.GetObject(ctx, repo, "/a", &out))
	assert.True(t, bytes.Equal(data, out.Bytes()))
}

func TestObjectRoundTripThroughStore(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	defer repo.Close(ctx)

	data := randomBytes(t, 256*1024, 2)
	a := New("backup")
	require.NoError(t, a.PutObject(ctx, testChunker(), repo, "/a", bytes.NewReader(data)))

	stored, err := a.Store(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, "backup", stored.Name)

	loaded, err := Load(ctx, repo, stored)
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, loaded.GetObject(ctx, repo, "/a", &out))
	assert.True(t, bytes.Equal(data, out.Bytes()))
}

func TestSparseObject(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	defer repo.Close(ctx)

	// The four extents of the specification's sparse scenario
	extents := []Extent{
		{Start: 0, End: 1023},
		{Start: 4096, End: 5119},
		{Start: 16384, End: 17407},
		{Start: 65536, End: 66559},
	}
	fills := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	var readers []ExtentReader
	for i, e := range extents {
		readers = append(readers, ExtentReader{
			Extent: e,
			Reader: bytes.NewReader(bytes.Repeat([]byte{fills[i]}, int(e.End-e.Start+1))),
		})
	}

	a := New("sparse")
	require.NoError(t, a.PutSparseObject(ctx, testChunker(), repo, "/s", readers))

	var dense bytes.Buffer
	require.NoError(t, a.GetObject(ctx, repo, "/s", &dense))
	out := dense.Bytes()
	require.Len(t, out, 66560)

	expected := make([]byte, 66560)
	for i, e := range extents {
		for off := e.Start; off <= e.End; off++ {
			expected[off] = fills[i]
		}
	}
	assert.True(t, bytes.Equal(expected, out))
}

func TestGetExtentReturnsOriginalBytes(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	defer repo.Close(ctx)

	extent := Extent{Start: 8192, End: 8192 + 4095}
	payload := randomBytes(t, 4096, 3)
	a := New("sparse")
	require.NoError(t, a.PutSparseObject(ctx, testChunker(), repo, "/s", []ExtentReader{
		{Extent: extent, Reader: bytes.NewReader(payload)},
	}))

	var out bytes.Buffer
	require.NoError(t, a.GetExtent(ctx, repo, "/s", extent, &out))
	// The last chunk may extend past the requested end; the prefix must
	// match exactly
	require.GreaterOrEqual(t, out.Len(), len(payload))
	assert.True(t, bytes.Equal(payload, out.Bytes()[:len(payload)]))
}

func TestGetSparseObject(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	defer repo.Close(ctx)

	first := randomBytes(t, 1024, 4)
	second := randomBytes(t, 1024, 5)
	a := New("sparse")
	require.NoError(t, a.PutSparseObject(ctx, testChunker(), repo, "/s", []ExtentReader{
		{Extent: Extent{Start: 0, End: 1023}, Reader: bytes.NewReader(first)},
		{Extent: Extent{Start: 65536, End: 66559}, Reader: bytes.NewReader(second)},
	}))

	var bufA, bufB bytes.Buffer
	require.NoError(t, a.GetSparseObject(ctx, repo, "/s", []ExtentWriter{
		{Extent: Extent{Start: 0, End: 1023}, Writer: &bufA},
		{Extent: Extent{Start: 65536, End: 66559}, Writer: &bufB},
	}))
	assert.True(t, bytes.Equal(first, bufA.Bytes()[:len(first)]))
	assert.True(t, bytes.Equal(second, bufB.Bytes()[:len(second)]))
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	defer repo.Close(ctx)

	a := New("backup")
	dataNS := a.NamespaceAppend("data")
	metaNS := a.NamespaceAppend("meta")

	payload := randomBytes(t, 8192, 6)
	require.NoError(t, dataNS.PutObject(ctx, testChunker(), repo, "/x", bytes.NewReader(payload)))

	// Same path under a different namespace is invisible
	var out bytes.Buffer
	require.NoError(t, metaNS.GetObject(ctx, repo, "/x", &out))
	assert.Zero(t, out.Len())

	// And visible under its own
	out.Reset()
	require.NoError(t, dataNS.GetObject(ctx, repo, "/x", &out))
	assert.True(t, bytes.Equal(payload, out.Bytes()))

	// Namespace views share the archive: the root view sees the mangled
	// path
	assert.Contains(t, a.Paths(), "data:/x")
	assert.Equal(t, "data:", dataNS.CanonicalNamespace())
}

func TestPutEmptyObject(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	defer repo.Close(ctx)

	a := New("backup")
	a.PutEmpty("/empty")
	var out bytes.Buffer
	require.NoError(t, a.GetObject(ctx, repo, "/empty", &out))
	assert.Zero(t, out.Len())
}

func TestChunkLocationsSortedAndContiguous(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	defer repo.Close(ctx)

	data := randomBytes(t, 128*1024, 7)
	a := New("backup")
	require.NoError(t, a.PutObject(ctx, testChunker(), repo, "/a", bytes.NewReader(data)))

	locations, ok := a.locationsFor("/a")
	require.True(t, ok)
	require.NotEmpty(t, locations)
	var pos uint64
	for _, loc := range locations {
		assert.Equal(t, pos, loc.Start, "dense object locations must be contiguous")
		pos += loc.Length
	}
	assert.Equal(t, uint64(len(data)), pos)
}

func TestListingRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	defer repo.Close(ctx)

	a := New("backup")
	var listing Listing
	listing.AddChild("", Node{Path: "/", Kind: NodeDirectory})
	listing.AddChild("/", Node{Path: "/a", Kind: NodeFile, TotalLength: 10, TotalSize: 10})
	listing.AddChild("/", Node{Path: "/dir", Kind: NodeDirectory})
	listing.AddChild("/dir", Node{Path: "/dir/b", Kind: NodeLink})
	a.SetListing(listing)

	stored, err := a.Store(ctx, repo)
	require.NoError(t, err)
	loaded, err := Load(ctx, repo, stored)
	require.NoError(t, err)

	got := loaded.Listing()
	walked := got.Walk()
	require.Len(t, walked, 4)
	// Breadth-first: root, then its children, then grandchildren
	assert.Equal(t, "/", walked[0].Path)
	assert.Equal(t, "/dir/b", walked[3].Path)

	node, ok := got.Get("/a")
	require.True(t, ok)
	assert.True(t, node.IsFile())
	assert.Equal(t, uint64(10), node.TotalLength)
}

func TestListingIgnoresBadParent(t *testing.T) {
	var listing Listing
	listing.AddChild("", Node{Path: "/f", Kind: NodeFile})
	// A file cannot take children; the insert is dropped
	listing.AddChild("/f", Node{Path: "/f/child", Kind: NodeFile})
	_, ok := listing.Get("/f/child")
	assert.False(t, ok)
	// Nor can a missing parent
	listing.AddChild("/missing", Node{Path: "/orphan", Kind: NodeFile})
	_, ok = listing.Get("/orphan")
	assert.False(t, ok)
}

func TestDrainChildren(t *testing.T) {
	n := Node{Path: "/d", Kind: NodeDirectory, Children: []string{"/d/a", "/d/b"}}
	drained := n.DrainChildren()
	assert.Empty(t, drained.Children)
	assert.Len(t, n.Children, 2)
}
