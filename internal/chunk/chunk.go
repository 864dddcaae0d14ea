// Package chunk implements the packed chunk model: identifier derivation,
// the pack/unpack transform (HMAC -> compress -> encrypt -> authenticate),
// and the parallel packing pipeline.
package chunk

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/asuran-backup/asuran/internal/crypto"
)

// IDSize is the fixed size of a chunk identifier in bytes.
const IDSize = 32

// ErrHMACValidationFailed is returned by Unpack when the chunk body does not
// match its stored MAC. The chunk must not be used; other chunks in the
// repository are unaffected.
var ErrHMACValidationFailed = errors.New("chunk failed HMAC validation")

// ID is the 32-byte identifier of a chunk, derived as the keyed hash of the
// chunk's plaintext under the repository's identifier key. Two chunks are the
// same chunk exactly when their IDs are equal.
type ID [IDSize]byte

// NewID builds an ID from a hash output. Longer inputs are truncated,
// shorter ones zero-padded.
func NewID(input []byte) ID {
	var id ID
	copy(id[:], input)
	return id
}

// ManifestID returns the reserved all-zero identifier that legacy backends
// use to address the manifest root.
func ManifestID() ID {
	return ID{}
}

// Verify reports whether the first 32 bytes of slice equal this ID.
func (id ID) Verify(slice []byte) bool {
	if len(slice) < IDSize {
		return false
	}
	return subtle.ConstantTimeCompare(id[:], slice[:IDSize]) == 1
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler, so IDs serialize as hex
// strings both as JSON values and as JSON map keys.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decoding chunk id: %w", err)
	}
	if len(raw) != IDSize {
		return fmt.Errorf("chunk id must be %d bytes, got %d", IDSize, len(raw))
	}
	copy(id[:], raw)
	return nil
}

// Settings bundles the compression, encryption, and HMAC selectors applied
// to new chunks. The encryption tag acts as a template; each packed chunk
// receives a fresh IV.
type Settings struct {
	Compression crypto.Compression `json:"compression"`
	Encryption  crypto.Encryption  `json:"encryption"`
	HMAC        crypto.HMACKind    `json:"hmac"`
}

// LightweightSettings returns settings with no compression, no encryption,
// and BLAKE2b identifiers. Useful for tests and throwaway repositories.
func LightweightSettings() Settings {
	return Settings{
		Compression: crypto.NoCompression(),
		Encryption:  crypto.NoEncryption(),
		HMAC:        crypto.HMACBlake2b,
	}
}

// DefaultSettings returns the repository defaults: ZStd level 3, AES-256-CTR,
// and BLAKE3 identifiers.
func DefaultSettings() Settings {
	return Settings{
		Compression: crypto.ZStdCompression(3),
		Encryption:  crypto.NewAES256CTR(),
		HMAC:        crypto.HMACBlake3,
	}
}

// Header carries everything about a packed chunk except its body: the
// selectors used to pack it (the encryption tag includes the IV), the
// integrity MAC over the body, and the chunk's identifier.
type Header struct {
	Compression crypto.Compression `json:"compression"`
	Encryption  crypto.Encryption  `json:"encryption"`
	HMAC        crypto.HMACKind    `json:"hmac"`
	MAC         []byte             `json:"mac"`
	ID          ID                 `json:"id"`
}

// Chunk is a packed chunk: a compressed, encrypted, authenticated body plus
// its header. Chunks are immutable once constructed.
//
// Invariants: MAC == HMAC(integrity key, Body), and decrypting then
// decompressing Body yields a plaintext whose keyed hash is ID.
type Chunk struct {
	Header Header `json:"header"`
	Body   []byte `json:"body"`
}

// Pack derives the chunk's identifier from data, compresses and encrypts it
// (with a freshly generated IV), and authenticates the resulting body.
func Pack(data []byte, compression crypto.Compression, encryption crypto.Encryption, hmacKind crypto.HMACKind, key *crypto.Key) (*Chunk, error) {
	idMAC, err := hmacKind.MAC(data, key.IDKey)
	if err != nil {
		return nil, fmt.Errorf("deriving chunk id: %w", err)
	}
	return packWithID(data, compression, encryption, hmacKind, key, NewID(idMAC))
}

// PackWithID packs data exactly like Pack but records the caller-chosen id
// instead of deriving one from the plaintext.
//
// This exists only for writing the legacy manifest-root chunk. Any other use
// can silently corrupt deduplication, since the repository trusts IDs to be
// plaintext hashes.
func PackWithID(data []byte, id ID, compression crypto.Compression, encryption crypto.Encryption, hmacKind crypto.HMACKind, key *crypto.Key) (*Chunk, error) {
	return packWithID(data, compression, encryption, hmacKind, key, id)
}

func packWithID(data []byte, compression crypto.Compression, encryption crypto.Encryption, hmacKind crypto.HMACKind, key *crypto.Key, id ID) (*Chunk, error) {
	compressed, err := compression.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("compressing chunk: %w", err)
	}
	encryption = encryption.NewIV()
	body, err := encryption.Encrypt(compressed, key.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting chunk: %w", err)
	}
	mac, err := hmacKind.MAC(body, key.HMACKey)
	if err != nil {
		return nil, fmt.Errorf("authenticating chunk: %w", err)
	}
	return &Chunk{
		Header: Header{
			Compression: compression,
			Encryption:  encryption,
			HMAC:        hmacKind,
			MAC:         mac,
			ID:          id,
		},
		Body: body,
	}, nil
}

// FromParts reassembles a chunk from a header and its raw body, as read back
// from a segment.
func FromParts(header Header, body []byte) *Chunk {
	return &Chunk{Header: header, Body: body}
}

// ID returns the chunk's identifier.
func (c *Chunk) ID() ID {
	return c.Header.ID
}

// Len returns the length of the packed body in bytes.
func (c *Chunk) Len() int {
	return len(c.Body)
}

// Split separates the chunk into its header and raw body. The segment store
// persists the two halves separately.
func (c *Chunk) Split() (Header, []byte) {
	return c.Header, c.Body
}

// Unpack verifies the body MAC in constant time, then decrypts and
// decompresses the body, returning the original plaintext.
//
// Returns ErrHMACValidationFailed if the body has been altered.
func (c *Chunk) Unpack(key *crypto.Key) ([]byte, error) {
	if !c.Header.HMAC.Verify(c.Header.MAC, c.Body, key.HMACKey) {
		return nil, ErrHMACValidationFailed
	}
	decrypted, err := c.Header.Encryption.Decrypt(c.Body, key.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting chunk: %w", err)
	}
	plaintext, err := c.Header.Compression.Decompress(decrypted)
	if err != nil {
		return nil, fmt.Errorf("decompressing chunk: %w", err)
	}
	return plaintext, nil
}

// UnpackedID derives the identifier a plaintext would receive under the
// given settings and key, without packing it.
func UnpackedID(data []byte, hmacKind crypto.HMACKind, key *crypto.Key) (ID, error) {
	idMAC, err := hmacKind.MAC(data, key.IDKey)
	if err != nil {
		return ID{}, fmt.Errorf("deriving chunk id: %w", err)
	}
	return NewID(idMAC), nil
}

// Release returns the chunk's body to the shared buffer pool and clears it.
// Callers that are done with a packed chunk read back from storage use this
// to recycle the body scratch buffer; the chunk must not be used afterwards.
func (c *Chunk) Release() {
	GetGlobalBufferPool().Put(c.Body)
	c.Body = nil
}

// Equal reports whether two chunks have the same id, MAC, and body; the
// compression, encryption, and HMAC selectors are not compared. Used by tests.
func (c *Chunk) Equal(other *Chunk) bool {
	return c.Header.ID == other.Header.ID &&
		bytes.Equal(c.Header.MAC, other.Header.MAC) &&
		bytes.Equal(c.Body, other.Body)
}
