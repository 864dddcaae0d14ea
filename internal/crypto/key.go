package crypto

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Default Argon2id parameters for key encryption.
const (
	DefaultArgonMemCost  = 65536 // KiB (64 MiB)
	DefaultArgonTimeCost = 10
	argonLanes           = 1
	keySaltSize          = 32
)

// ErrInvalidPassphrase is returned when the passphrase fails to decrypt the
// repository key material.
var ErrInvalidPassphrase = errors.New("invalid passphrase or corrupted key")

// Key holds the key material used by a repository.
//
// It contains four independent pieces: the cipher key used for
// encryption/decryption, the key used for integrity HMAC tags, the key used
// for chunk identifier derivation, and a random 64-bit nonce mixed into
// chunker hash tables. Keeping the three byte-keys distinct prevents
// cross-purpose key reuse.
type Key struct {
	EncryptionKey []byte `json:"key"`
	HMACKey       []byte `json:"hmac_key"`
	IDKey         []byte `json:"id_key"`
	ChunkerNonce  uint64 `json:"chunker_nonce"`
}

// NewRandomKey securely generates a fresh bundle of key material. Each of the
// three byte-keys is length bytes long.
func NewRandomKey(length int) Key {
	nonce := binary.BigEndian.Uint64(randomBytes(8))
	return Key{
		EncryptionKey: randomBytes(length),
		HMACKey:       randomBytes(length),
		IDKey:         randomBytes(length),
		ChunkerNonce:  nonce,
	}
}

// KeyFromBytes builds a Key by splitting the byte stream round-robin into
// thirds. No padding is performed.
func KeyFromBytes(bytes []byte, chunkerNonce uint64) Key {
	k := Key{ChunkerNonce: chunkerNonce}
	for i, b := range bytes {
		switch i % 3 {
		case 0:
			k.EncryptionKey = append(k.EncryptionKey, b)
		case 1:
			k.HMACKey = append(k.HMACKey, b)
		case 2:
			k.IDKey = append(k.IDKey, b)
		}
	}
	return k
}

// Equal compares two keys in constant time.
func (k *Key) Equal(other *Key) bool {
	eq := subtle.ConstantTimeCompare(k.EncryptionKey, other.EncryptionKey)
	eq &= subtle.ConstantTimeCompare(k.HMACKey, other.HMACKey)
	eq &= subtle.ConstantTimeCompare(k.IDKey, other.IDKey)
	if k.ChunkerNonce != other.ChunkerNonce {
		eq = 0
	}
	return eq == 1
}

// Zero overwrites the key material in place. The Key must not be used
// afterwards.
func (k *Key) Zero() {
	for i := range k.EncryptionKey {
		k.EncryptionKey[i] = 0
	}
	for i := range k.HMACKey {
		k.HMACKey[i] = 0
	}
	for i := range k.IDKey {
		k.IDKey[i] = 0
	}
	k.ChunkerNonce = 0
}

// EncryptedKey is the serialized, passphrase-protected form of a Key. The key
// encryption key is derived from the passphrase with Argon2id using the
// stored salt and cost parameters.
type EncryptedKey struct {
	Ciphertext []byte     `json:"ciphertext"`
	Salt       []byte     `json:"salt"`
	MemCost    uint32     `json:"mem_cost"`
	TimeCost   uint32     `json:"time_cost"`
	Encryption Encryption `json:"encryption"`
}

// EncryptKey encrypts key under a passphrase-derived key with the given
// Argon2id costs and cipher.
func EncryptKey(key *Key, memCost, timeCost uint32, encryption Encryption, passphrase []byte) (*EncryptedKey, error) {
	plaintext, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("serializing key: %w", err)
	}
	salt := randomBytes(keySaltSize)
	derived := argon2.IDKey(passphrase, salt, timeCost, memCost, argonLanes, uint32(kekLength(encryption)))
	ciphertext, err := encryption.Encrypt(plaintext, derived)
	if err != nil {
		return nil, fmt.Errorf("encrypting key: %w", err)
	}
	return &EncryptedKey{
		Ciphertext: ciphertext,
		Salt:       salt,
		MemCost:    memCost,
		TimeCost:   timeCost,
		Encryption: encryption,
	}, nil
}

// EncryptKeyDefaults encrypts key with the default Argon2id parameters.
func EncryptKeyDefaults(key *Key, encryption Encryption, passphrase []byte) (*EncryptedKey, error) {
	return EncryptKey(key, DefaultArgonMemCost, DefaultArgonTimeCost, encryption, passphrase)
}

// Decrypt recovers the Key using the supplied passphrase. Returns
// ErrInvalidPassphrase if derivation or decryption does not yield a valid
// key.
func (e *EncryptedKey) Decrypt(passphrase []byte) (*Key, error) {
	derived := argon2.IDKey(passphrase, e.Salt, e.TimeCost, e.MemCost, argonLanes, uint32(kekLength(e.Encryption)))
	plaintext, err := e.Encryption.Decrypt(e.Ciphertext, derived)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	var key Key
	if err := json.Unmarshal(plaintext, &key); err != nil {
		return nil, ErrInvalidPassphrase
	}
	return &key, nil
}

// kekLength is the length of the passphrase-derived key encryption key. The
// "none" cipher reports a zero key length, which Argon2 rejects, so it is
// floored at 32.
func kekLength(e Encryption) int {
	if l := e.KeyLength(); l > 0 {
		return l
	}
	return 32
}
