package multifile

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/crypto"
	"github.com/asuran-backup/asuran/internal/repository"
)

// segmentMagic identifies asuran segment data files. More or less arbitrary,
// but used to reject foreign files.
var segmentMagic = [8]byte{'A', 'S', 'U', 'R', 'A', 'N', '_', 'S'}

// segmentFileHeaderSize is the fixed size of the data-file header: magic (8)
// + implementation UUID (16) + three big-endian u16 version components.
const segmentFileHeaderSize = 8 + 16 + 6

// writeSegmentFileHeader writes the fixed header for this implementation.
func writeSegmentFileHeader(w io.Writer) error {
	var buf [segmentFileHeaderSize]byte
	copy(buf[:8], segmentMagic[:])
	uuidBytes := repository.ImplementationUUID
	copy(buf[8:24], uuidBytes[:])
	binary.BigEndian.PutUint16(buf[24:26], repository.VersionMajor)
	binary.BigEndian.PutUint16(buf[26:28], repository.VersionMinor)
	binary.BigEndian.PutUint16(buf[28:30], repository.VersionPatch)
	_, err := w.Write(buf[:])
	return err
}

// validateSegmentFileHeader reads a header from r and checks the magic
// number. The implementation UUID and version are informational: other
// implementations may share the format.
func validateSegmentFileHeader(r io.Reader) error {
	var buf [segmentFileHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("reading segment header: %w", repository.ErrSegment)
	}
	if !bytes.Equal(buf[:8], segmentMagic[:]) {
		return fmt.Errorf("segment failed magic number validation: %w", repository.ErrSegment)
	}
	return nil
}

// segmentHeaderEntry records one chunk body in a segment: its chunk header
// and the body's byte range in the data file.
type segmentHeaderEntry struct {
	Header      chunk.Header `json:"header"`
	StartOffset uint64       `json:"start_offset"`
	EndOffset   uint64       `json:"end_offset"`
}

// segment is one open data/header file pair. The data file is append-only
// raw chunk bodies behind the fixed header; the companion header file holds
// a single packed chunk whose plaintext is the serialized entry list.
//
// Not safe for concurrent use; the segment store actor serializes access.
type segment struct {
	data     readWriteSeeker
	header   readWriteSeeker
	entries  []segmentHeaderEntry
	byStart  map[uint64]int
	settings chunk.Settings
	key      *crypto.Key
	changed  bool
}

// readWriteSeeker is the handle type segments operate on; *os.File and
// *LockedFile both satisfy it.
type readWriteSeeker interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// openSegment opens a segment over the given handles. An empty data file
// gets the fixed header written; a non-empty one must validate. A non-empty
// header file is unpacked into the in-memory entry list.
func openSegment(data, header readWriteSeeker, settings chunk.Settings, key *crypto.Key) (*segment, error) {
	s := &segment{
		data:     data,
		header:   header,
		byStart:  make(map[uint64]int),
		settings: settings,
		key:      key,
	}

	end, err := data.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if end == 0 {
		if err := writeSegmentFileHeader(data); err != nil {
			return nil, err
		}
	} else {
		if _, err := data.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		if err := validateSegmentFileHeader(data); err != nil {
			return nil, err
		}
	}

	headerEnd, err := header.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if headerEnd > 0 {
		if _, err := header.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		var packed chunk.Chunk
		if err := repository.ReadRecord(header, &packed); err != nil {
			return nil, fmt.Errorf("segment header file unreadable: %w", repository.ErrSegment)
		}
		plaintext, err := packed.Unpack(key)
		if err != nil {
			return nil, fmt.Errorf("segment header chunk: %w", err)
		}
		if err := json.Unmarshal(plaintext, &s.entries); err != nil {
			return nil, fmt.Errorf("segment header entries malformed: %w", repository.ErrSegment)
		}
		for i, entry := range s.entries {
			s.byStart[entry.StartOffset] = i
		}
	}
	return s, nil
}

// size returns the data file's current size in bytes.
func (s *segment) size() (uint64, error) {
	end, err := s.data.Seek(0, io.SeekEnd)
	return uint64(end), err
}

// writeChunk appends the chunk's body to the data file and records its
// header entry, returning the body's start offset.
func (s *segment) writeChunk(c *chunk.Chunk) (uint64, error) {
	start, err := s.data.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	header, body := c.Split()
	if _, err := s.data.Write(body); err != nil {
		return 0, err
	}
	entry := segmentHeaderEntry{
		Header:      header,
		StartOffset: uint64(start),
		EndOffset:   uint64(start) + uint64(len(body)),
	}
	s.byStart[entry.StartOffset] = len(s.entries)
	s.entries = append(s.entries, entry)
	s.changed = true
	return uint64(start), nil
}

// readChunk reassembles the chunk whose body starts at the given offset.
// A start with no header entry reports ErrSegment: the descriptor references
// data this segment never recorded.
func (s *segment) readChunk(start uint64) (*chunk.Chunk, error) {
	i, ok := s.byStart[start]
	if !ok {
		return nil, fmt.Errorf("no header entry for offset %d: %w", start, repository.ErrSegment)
	}
	entry := s.entries[i]
	length := entry.EndOffset - entry.StartOffset
	body := chunk.GetGlobalBufferPool().Get(int(length))
	if _, err := s.data.Seek(int64(entry.StartOffset), io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s.data, body); err != nil {
		return nil, fmt.Errorf("chunk body at %d truncated: %w", start, repository.ErrSegment)
	}
	return chunk.FromParts(entry.Header, body), nil
}

// flush rewrites the header file from the in-memory entry list, packed and
// encrypted like any other chunk. No-op when nothing changed.
func (s *segment) flush() error {
	if !s.changed {
		return nil
	}
	plaintext, err := json.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("serializing segment header entries: %w", err)
	}
	packed, err := chunk.Pack(plaintext, s.settings.Compression, s.settings.Encryption, s.settings.HMAC, s.key)
	if err != nil {
		return fmt.Errorf("packing segment header: %w", err)
	}
	if _, err := s.header.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if t, ok := s.header.(interface{ Truncate(int64) error }); ok {
		if err := t.Truncate(0); err != nil {
			return err
		}
	}
	if err := repository.WriteRecord(s.header, packed); err != nil {
		return err
	}
	if f, ok := s.header.(interface{ Sync() error }); ok {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	s.changed = false
	return nil
}

// close flushes and closes both handles.
func (s *segment) close() error {
	flushErr := s.flush()
	dataErr := s.data.Close()
	headerErr := s.header.Close()
	if flushErr != nil {
		return flushErr
	}
	if dataErr != nil {
		return dataErr
	}
	return headerErr
}

// ensure os.File still satisfies the handle contract
var _ readWriteSeeker = (*os.File)(nil)
var _ readWriteSeeker = (*LockedFile)(nil)
