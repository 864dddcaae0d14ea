package repository

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/crypto"
)

// SegmentDescriptor uniquely locates a chunk body inside the segment store:
// the segment's numeric id and the byte offset of the body within the data
// file. The body's length is recovered from the chunk header, never from
// neighbouring descriptors.
type SegmentDescriptor struct {
	SegmentID uint64 `json:"segment_id"`
	Start     uint64 `json:"start"`
}

// StoredArchive is a light pointer to a committed archive: its name, the id
// of the chunk holding the serialized archive object, and its creation time.
type StoredArchive struct {
	Name      string    `json:"name"`
	ID        chunk.ID  `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// ManifestIDSize is the size of a manifest transaction tag in bytes.
const ManifestIDSize = 32

// ManifestID is the 32-byte HMAC tag naming a manifest transaction.
type ManifestID [ManifestIDSize]byte

func (id ManifestID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ManifestID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ManifestID) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decoding manifest id: %w", err)
	}
	if len(raw) != ManifestIDSize {
		return fmt.Errorf("manifest id must be %d bytes, got %d", ManifestIDSize, len(raw))
	}
	copy(id[:], raw)
	return nil
}

// ManifestTransaction records one archive commit in the tamper-evident
// manifest DAG. Its tag is the HMAC, under the repository integrity key, of
// the transaction's serialization with the tag field zeroed; PreviousHeads
// chains it to the head set it superseded.
type ManifestTransaction struct {
	PreviousHeads []ManifestID    `json:"previous_heads"`
	Pointer       chunk.ID        `json:"pointer"`
	Timestamp     time.Time       `json:"timestamp"`
	Name          string          `json:"name"`
	Nonce         []byte          `json:"nonce"`
	HMAC          crypto.HMACKind `json:"hmac"`
	Tag           ManifestID      `json:"tag"`
}

// NewManifestTransaction builds a transaction chained to previousHeads,
// generates its random 16-byte nonce, and computes its tag.
func NewManifestTransaction(previousHeads []ManifestID, pointer chunk.ID, timestamp time.Time, name string, hmacKind crypto.HMACKind, key *crypto.Key) (*ManifestTransaction, error) {
	tx := &ManifestTransaction{
		PreviousHeads: append([]ManifestID{}, previousHeads...),
		Pointer:       pointer,
		Timestamp:     timestamp,
		Name:          name,
		Nonce:         crypto.RandomBytes(16),
		HMAC:          hmacKind,
	}
	tag, err := tx.computeTag(key)
	if err != nil {
		return nil, err
	}
	tx.Tag = tag
	return tx, nil
}

// computeTag serializes the transaction with a zeroed tag and MACs the
// result with the integrity key.
func (tx *ManifestTransaction) computeTag(key *crypto.Key) (ManifestID, error) {
	clone := *tx
	clone.PreviousHeads = append([]ManifestID{}, tx.PreviousHeads...)
	clone.Tag = ManifestID{}
	encoded, err := json.Marshal(&clone)
	if err != nil {
		return ManifestID{}, fmt.Errorf("serializing manifest transaction: %w", err)
	}
	mac, err := tx.HMAC.MAC(encoded, key.HMACKey)
	if err != nil {
		return ManifestID{}, fmt.Errorf("computing manifest tag: %w", err)
	}
	var id ManifestID
	copy(id[:], mac)
	return id, nil
}

// Verify recomputes the transaction's tag and compares it against the stored
// one. It checks only this transaction, not its parents.
func (tx *ManifestTransaction) Verify(key *crypto.Key) bool {
	tag, err := tx.computeTag(key)
	if err != nil {
		return false
	}
	return tag == tx.Tag
}

// StoredArchive converts the transaction into the archive pointer it
// records.
func (tx *ManifestTransaction) StoredArchive() StoredArchive {
	return StoredArchive{
		Name:      tx.Name,
		ID:        tx.Pointer,
		Timestamp: tx.Timestamp,
	}
}
