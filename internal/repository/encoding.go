package repository

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxRecordSize bounds a single log record. Records hold metadata, never
// chunk bodies, so anything larger is corruption.
const maxRecordSize = 64 * 1024 * 1024

// WriteRecord appends one length-prefixed JSON record to w: a u32 big-endian
// length followed by the document. All append-only logs (index, manifest,
// segment headers, flat-file footers) share this framing.
func WriteRecord(w io.Writer, v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(encoded)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	if _, err := w.Write(encoded); err != nil {
		return err
	}
	return nil
}

// ReadRecord reads the next record from r into v.
//
// Returns io.EOF at a clean end of log, and io.ErrUnexpectedEOF when the log
// ends inside a record. Append-only logs recover from crashes by treating an
// incomplete trailing record as the end of the log, so callers stop at
// either; a record that parses as garbage is corruption, not truncation, and
// is reported as an error.
func ReadRecord(r io.Reader, v interface{}) error {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	size := binary.BigEndian.Uint32(length[:])
	if size > maxRecordSize {
		return fmt.Errorf("record length %d exceeds limit: %w", size, ErrIndex)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}
