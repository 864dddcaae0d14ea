// Package flatfile implements the single-file repository backend: one
// append-only log embedding key material, chunk bodies, and per-session
// footers, so an entire repository can live in (and be shipped as) one file.
//
// The file starts with the magic number, the length-prefixed encrypted key,
// and an entry header. Each entry is a fixed-size header (version triple,
// implementation UUID, footer offset, next header offset), a run of raw
// chunk bodies, and a footer chunk carrying the chunk settings, the chunk
// locations and headers, and the archive list, packed and encrypted like any
// other chunk. The file always terminates with a header whose two offsets
// are zero; the next writing session overwrites it in place.
package flatfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/crypto"
	"github.com/asuran-backup/asuran/internal/repository"
	"github.com/asuran-backup/asuran/internal/repository/multifile"
)

// flatFileMagic identifies asuran flat-file repositories.
var flatFileMagic = [8]byte{'A', 'S', 'U', 'R', 'A', 'N', '_', 'F'}

// entryHeaderSize is the fixed size of an entry header: three big-endian u16
// version components, the 16-byte implementation UUID, and two u64 offsets.
const entryHeaderSize = 6 + 16 + 8 + 8

// entryHeader locates one entry's footer and successor. Offsets of zero mark
// the terminal header a future session overwrites.
type entryHeader struct {
	major        uint16
	minor        uint16
	patch        uint16
	uuid         [16]byte
	footerOffset uint64
	nextHeader   uint64
}

func (h entryHeader) terminal() bool {
	return h.footerOffset == 0 && h.nextHeader == 0
}

func writeEntryHeader(w io.Writer, h entryHeader) error {
	var buf [entryHeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.major)
	binary.BigEndian.PutUint16(buf[2:4], h.minor)
	binary.BigEndian.PutUint16(buf[4:6], h.patch)
	copy(buf[6:22], h.uuid[:])
	binary.BigEndian.PutUint64(buf[22:30], h.footerOffset)
	binary.BigEndian.PutUint64(buf[30:38], h.nextHeader)
	_, err := w.Write(buf[:])
	return err
}

func readEntryHeader(r io.Reader) (entryHeader, error) {
	var buf [entryHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return entryHeader{}, err
	}
	var h entryHeader
	h.major = binary.BigEndian.Uint16(buf[0:2])
	h.minor = binary.BigEndian.Uint16(buf[2:4])
	h.patch = binary.BigEndian.Uint16(buf[4:6])
	copy(h.uuid[:], buf[6:22])
	h.footerOffset = binary.BigEndian.Uint64(buf[22:30])
	h.nextHeader = binary.BigEndian.Uint64(buf[30:38])
	return h, nil
}

func newEntryHeader(footerOffset, nextHeader uint64) entryHeader {
	h := entryHeader{
		major:        repository.VersionMajor,
		minor:        repository.VersionMinor,
		patch:        repository.VersionPatch,
		footerOffset: footerOffset,
		nextHeader:   nextHeader,
	}
	copy(h.uuid[:], repository.ImplementationUUID[:])
	return h
}

// footerLocation records one chunk body written during the session.
type footerLocation struct {
	ID     chunk.ID `json:"id"`
	Start  uint64   `json:"start"`
	Length uint64   `json:"length"`
}

// footerArchive records one archive committed during the session.
type footerArchive struct {
	ID        chunk.ID  `json:"id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// footerData is the plaintext of an entry's footer chunk.
type footerData struct {
	ChunkSettings chunk.Settings            `json:"chunk_settings"`
	Locations     []footerLocation          `json:"chunk_locations"`
	Headers       map[chunk.ID]chunk.Header `json:"chunk_headers"`
	Archives      []footerArchive           `json:"archives"`
}

// Backend is a flat-file repository connection. It satisfies
// repository.Backend. A single actor goroutine owns all state.
type Backend struct {
	act *repository.Actor

	file     *multifile.LockedFile
	path     string
	encKey   *crypto.EncryptedKey
	key      *crypto.Key
	settings chunk.Settings

	index    map[chunk.ID]repository.SegmentDescriptor
	headers  map[repository.SegmentDescriptor]chunk.Header
	lengths  map[repository.SegmentDescriptor]uint64
	archives []repository.StoredArchive

	pending      footerData
	dirty        bool
	headerOffset uint64
	logger       *logrus.Logger
}

// Open opens (or initializes) the flat-file repository at path.
//
// Initializing a new file requires settings and encKey; reopening an
// existing file forbids encKey (the key lives in the file) and ignores a nil
// settings in favour of the stored ones.
func Open(path string, settings *chunk.Settings, encKey *crypto.EncryptedKey, key *crypto.Key, logger *logrus.Logger) (*Backend, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	file, err := multifile.OpenLockedFile(path)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		act:     repository.NewActor(16),
		file:    file,
		path:    path,
		key:     key,
		index:   make(map[chunk.ID]repository.SegmentDescriptor),
		headers: make(map[repository.SegmentDescriptor]chunk.Header),
		lengths: make(map[repository.SegmentDescriptor]uint64),
		logger:  logger,
	}

	end, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, err
	}
	if end == 0 {
		if settings == nil || encKey == nil {
			file.Close()
			return nil, fmt.Errorf("initializing a flat file requires chunk settings and an encrypted key: %w", repository.ErrManifest)
		}
		b.settings = *settings
		b.encKey = encKey
		b.pending = newFooterData(*settings)
		// The settings are new state; the first flush writes a footer even
		// if no chunks follow, so a fresh file always replays
		b.dirty = true
		if err := b.initialize(); err != nil {
			file.Close()
			return nil, err
		}
		return b, nil
	}

	if encKey != nil {
		file.Close()
		return nil, fmt.Errorf("repository at %s is already initialized: %w", path, repository.ErrKey)
	}
	if err := b.replay(); err != nil {
		file.Close()
		return nil, err
	}
	if settings != nil {
		b.settings = *settings
		b.pending.ChunkSettings = *settings
		b.dirty = true
	}
	return b, nil
}

func newFooterData(settings chunk.Settings) footerData {
	return footerData{
		ChunkSettings: settings,
		Headers:       make(map[chunk.ID]chunk.Header),
	}
}

// initialize writes the file preamble and the terminal entry header.
func (b *Backend) initialize() error {
	encodedKey, err := json.Marshal(b.encKey)
	if err != nil {
		return fmt.Errorf("serializing encrypted key: %w", err)
	}
	if len(encodedKey) > 0xFFFF {
		return fmt.Errorf("encrypted key too large to embed: %w", repository.ErrKey)
	}
	var preamble bytes.Buffer
	preamble.Write(flatFileMagic[:])
	var keyLen [2]byte
	binary.BigEndian.PutUint16(keyLen[:], uint16(len(encodedKey)))
	preamble.Write(keyLen[:])
	preamble.Write(encodedKey)

	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := b.file.Write(preamble.Bytes()); err != nil {
		return err
	}
	b.headerOffset = uint64(preamble.Len())
	if err := writeEntryHeader(b.file, entryHeader{}); err != nil {
		return err
	}
	return b.file.Sync()
}

// replay walks every entry to rebuild the index, chunk headers, archive
// list, and chunk settings, leaving headerOffset at the terminal header.
func (b *Backend) replay() error {
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var magic [8]byte
	if _, err := io.ReadFull(b.file, magic[:]); err != nil {
		return fmt.Errorf("reading flat file magic: %w", repository.ErrSegment)
	}
	if !bytes.Equal(magic[:], flatFileMagic[:]) {
		return fmt.Errorf("flat file failed magic number validation: %w", repository.ErrSegment)
	}
	var keyLen [2]byte
	if _, err := io.ReadFull(b.file, keyLen[:]); err != nil {
		return fmt.Errorf("reading key length: %w", repository.ErrKey)
	}
	encodedKey := make([]byte, binary.BigEndian.Uint16(keyLen[:]))
	if _, err := io.ReadFull(b.file, encodedKey); err != nil {
		return fmt.Errorf("reading encrypted key: %w", repository.ErrKey)
	}
	b.encKey = &crypto.EncryptedKey{}
	if err := json.Unmarshal(encodedKey, b.encKey); err != nil {
		return fmt.Errorf("encrypted key malformed: %w", repository.ErrKey)
	}

	offset := uint64(8 + 2 + len(encodedKey))
	sawFooter := false
	for {
		b.headerOffset = offset
		if _, err := b.file.Seek(int64(offset), io.SeekStart); err != nil {
			return err
		}
		header, err := readEntryHeader(b.file)
		if err != nil {
			// A crash can leave the file without its terminal header; treat
			// the missing header as terminal and let the next flush rewrite
			// it at this offset.
			break
		}
		if header.terminal() {
			break
		}
		if _, err := b.file.Seek(int64(header.footerOffset), io.SeekStart); err != nil {
			return err
		}
		var packed chunk.Chunk
		if err := repository.ReadRecord(b.file, &packed); err != nil {
			return fmt.Errorf("entry footer unreadable: %w", repository.ErrManifest)
		}
		plaintext, err := packed.Unpack(b.key)
		if err != nil {
			return fmt.Errorf("entry footer: %w", err)
		}
		var footer footerData
		if err := json.Unmarshal(plaintext, &footer); err != nil {
			return fmt.Errorf("entry footer malformed: %w", repository.ErrManifest)
		}

		b.settings = footer.ChunkSettings
		for _, loc := range footer.Locations {
			descriptor := repository.SegmentDescriptor{SegmentID: 0, Start: loc.Start}
			b.index[loc.ID] = descriptor
			b.lengths[descriptor] = loc.Length
			header, ok := footer.Headers[loc.ID]
			if !ok {
				return fmt.Errorf("chunk %s has no header in footer: %w", loc.ID, repository.ErrManifest)
			}
			b.headers[descriptor] = header
		}
		for _, fa := range footer.Archives {
			b.archives = append(b.archives, repository.StoredArchive{Name: fa.Name, ID: fa.ID, Timestamp: fa.Timestamp})
		}
		sawFooter = true
		offset = header.nextHeader
	}
	if !sawFooter {
		return fmt.Errorf("flat file contains no valid entries: %w", repository.ErrManifest)
	}
	b.pending = newFooterData(b.settings)
	return nil
}

// flushFooter ends the current entry: the footer chunk is appended, the
// entry's header is overwritten in place to point at it, and a fresh
// terminal header starts the next entry.
//
// Runs on the actor goroutine.
func (b *Backend) flushFooter() error {
	if !b.dirty {
		return nil
	}
	plaintext, err := json.Marshal(b.pending)
	if err != nil {
		return fmt.Errorf("serializing footer: %w", err)
	}
	packed, err := chunk.Pack(plaintext, b.settings.Compression, b.settings.Encryption, b.settings.HMAC, b.key)
	if err != nil {
		return fmt.Errorf("packing footer: %w", err)
	}
	footerOffset, err := b.file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if err := repository.WriteRecord(b.file, packed); err != nil {
		return err
	}
	nextHeader, err := b.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if err := writeEntryHeader(b.file, entryHeader{}); err != nil {
		return err
	}
	if _, err := b.file.Seek(int64(b.headerOffset), io.SeekStart); err != nil {
		return err
	}
	if err := writeEntryHeader(b.file, newEntryHeader(uint64(footerOffset), uint64(nextHeader))); err != nil {
		return err
	}
	if err := b.file.Sync(); err != nil {
		return err
	}
	b.headerOffset = uint64(nextHeader)
	b.pending = newFooterData(b.settings)
	b.dirty = false
	b.logger.WithField("path", b.path).Debug("flushed flat file footer")
	return nil
}

// Index implements repository.Backend.
func (b *Backend) Index() repository.Index { return (*ffIndex)(b) }

// Manifest implements repository.Backend.
func (b *Backend) Manifest() repository.Manifest { return (*ffManifest)(b) }

// WriteChunk implements repository.Backend: the body is appended at the end
// of the file and its header is queued for the session footer.
func (b *Backend) WriteChunk(ctx context.Context, c *chunk.Chunk) (repository.SegmentDescriptor, error) {
	var descriptor repository.SegmentDescriptor
	var opErr error
	err := b.act.Do(ctx, func() {
		start, err := b.file.Seek(0, io.SeekEnd)
		if err != nil {
			opErr = err
			return
		}
		header, body := c.Split()
		if _, err := b.file.Write(body); err != nil {
			opErr = err
			return
		}
		descriptor = repository.SegmentDescriptor{SegmentID: 0, Start: uint64(start)}
		b.lengths[descriptor] = uint64(len(body))
		b.headers[descriptor] = header
		b.pending.Locations = append(b.pending.Locations, footerLocation{
			ID:     c.ID(),
			Start:  uint64(start),
			Length: uint64(len(body)),
		})
		b.pending.Headers[c.ID()] = header
		b.dirty = true
	})
	if err != nil {
		return repository.SegmentDescriptor{}, err
	}
	return descriptor, opErr
}

// ReadChunk implements repository.Backend.
func (b *Backend) ReadChunk(ctx context.Context, descriptor repository.SegmentDescriptor) (*chunk.Chunk, error) {
	var out *chunk.Chunk
	var opErr error
	err := b.act.Do(ctx, func() {
		header, ok := b.headers[descriptor]
		if !ok {
			opErr = fmt.Errorf("no header for offset %d: %w", descriptor.Start, repository.ErrSegment)
			return
		}
		length := b.lengths[descriptor]
		body := chunk.GetGlobalBufferPool().Get(int(length))
		if _, err := b.file.Seek(int64(descriptor.Start), io.SeekStart); err != nil {
			opErr = err
			return
		}
		if _, err := io.ReadFull(b.file, body); err != nil {
			opErr = fmt.Errorf("chunk body at %d truncated: %w", descriptor.Start, repository.ErrSegment)
			return
		}
		out = chunk.FromParts(header, body)
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// ReadKey implements repository.Backend.
func (b *Backend) ReadKey(ctx context.Context) (*crypto.EncryptedKey, error) {
	var out *crypto.EncryptedKey
	err := b.act.Do(ctx, func() {
		out = b.encKey
	})
	return out, err
}

// WriteKey implements repository.Backend. The flat-file key is embedded in
// the preamble at initialization and cannot be swapped in place.
func (b *Backend) WriteKey(context.Context, *crypto.EncryptedKey) error {
	return fmt.Errorf("flat file key is fixed at initialization: %w", repository.ErrKey)
}

// Close implements repository.Backend: the session footer is flushed and the
// file lock released.
func (b *Backend) Close(ctx context.Context) error {
	var opErr error
	err := b.act.Do(ctx, func() {
		opErr = b.flushFooter()
		if closeErr := b.file.Close(); opErr == nil {
			opErr = closeErr
		}
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	return b.act.Close(ctx)
}

// ReadKeyFromFile reads the encrypted key from a flat file without opening
// the repository.
func ReadKeyFromFile(path string) (*crypto.EncryptedKey, error) {
	f, err := multifile.OpenLockedFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var magic [8]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil || !bytes.Equal(magic[:], flatFileMagic[:]) {
		return nil, fmt.Errorf("not a flat file repository: %w", repository.ErrKey)
	}
	var keyLen [2]byte
	if _, err := io.ReadFull(f, keyLen[:]); err != nil {
		return nil, fmt.Errorf("reading key length: %w", repository.ErrKey)
	}
	encodedKey := make([]byte, binary.BigEndian.Uint16(keyLen[:]))
	if _, err := io.ReadFull(f, encodedKey); err != nil {
		return nil, fmt.Errorf("reading encrypted key: %w", repository.ErrKey)
	}
	var key crypto.EncryptedKey
	if err := json.Unmarshal(encodedKey, &key); err != nil {
		return nil, fmt.Errorf("encrypted key malformed: %w", repository.ErrKey)
	}
	return &key, nil
}

type ffIndex Backend

func (i *ffIndex) Lookup(ctx context.Context, id chunk.ID) (repository.SegmentDescriptor, bool, error) {
	b := (*Backend)(i)
	var descriptor repository.SegmentDescriptor
	var present bool
	err := b.act.Do(ctx, func() {
		descriptor, present = b.index[id]
	})
	return descriptor, present, err
}

func (i *ffIndex) Set(ctx context.Context, id chunk.ID, descriptor repository.SegmentDescriptor) error {
	b := (*Backend)(i)
	return b.act.Do(ctx, func() {
		if _, exists := b.index[id]; exists && id != chunk.ManifestID() {
			return
		}
		b.index[id] = descriptor
		b.dirty = true
	})
}

func (i *ffIndex) Commit(ctx context.Context) error {
	b := (*Backend)(i)
	var opErr error
	err := b.act.Do(ctx, func() {
		opErr = b.flushFooter()
	})
	if err != nil {
		return err
	}
	return opErr
}

func (i *ffIndex) Count(ctx context.Context) (int, error) {
	b := (*Backend)(i)
	var count int
	err := b.act.Do(ctx, func() {
		count = len(b.index)
	})
	return count, err
}

type ffManifest Backend

func (m *ffManifest) LastModification(ctx context.Context) (time.Time, error) {
	b := (*Backend)(m)
	var out time.Time
	err := b.act.Do(ctx, func() {
		if len(b.archives) == 0 {
			out = time.Now()
			return
		}
		for _, a := range b.archives {
			if a.Timestamp.After(out) {
				out = a.Timestamp
			}
		}
	})
	return out, err
}

func (m *ffManifest) ChunkSettings(ctx context.Context) (chunk.Settings, error) {
	b := (*Backend)(m)
	var out chunk.Settings
	err := b.act.Do(ctx, func() {
		out = b.settings
	})
	return out, err
}

func (m *ffManifest) WriteChunkSettings(ctx context.Context, settings chunk.Settings) error {
	b := (*Backend)(m)
	return b.act.Do(ctx, func() {
		b.settings = settings
		b.pending.ChunkSettings = settings
		b.dirty = true
	})
}

func (m *ffManifest) WriteArchive(ctx context.Context, archive repository.StoredArchive) error {
	b := (*Backend)(m)
	return b.act.Do(ctx, func() {
		b.archives = append(b.archives, archive)
		b.pending.Archives = append(b.pending.Archives, footerArchive{
			ID:        archive.ID,
			Name:      archive.Name,
			Timestamp: archive.Timestamp,
		})
		b.dirty = true
	})
}

func (m *ffManifest) Archives(ctx context.Context) ([]repository.StoredArchive, error) {
	b := (*Backend)(m)
	var out []repository.StoredArchive
	err := b.act.Do(ctx, func() {
		out = append(out, b.archives...)
		sort.SliceStable(out, func(a, c int) bool {
			return out[a].Timestamp.After(out[c].Timestamp)
		})
	})
	return out, err
}
