package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// EncryptionKind identifies the cipher applied to a chunk body.
type EncryptionKind string

const (
	// EncryptNone stores the body in plaintext.
	EncryptNone EncryptionKind = "none"
	// EncryptAES256CBC uses AES-256 in CBC mode with PKCS#7 padding.
	EncryptAES256CBC EncryptionKind = "aes256cbc"
	// EncryptAES256CTR uses AES-256 in CTR mode.
	EncryptAES256CTR EncryptionKind = "aes256ctr"
	// EncryptChaCha20 uses the unauthenticated ChaCha20 stream cipher.
	EncryptChaCha20 EncryptionKind = "chacha20"
)

// Encryption tags a chunk with the cipher used to encrypt it, and carries the
// IV inline. Each packed chunk gets its own freshly generated IV; NewIV
// produces a sibling tag with the same algorithm and a new IV.
type Encryption struct {
	Kind EncryptionKind `json:"kind"`
	IV   []byte         `json:"iv,omitempty"`
}

// NoEncryption returns a pass-through encryption tag.
func NoEncryption() Encryption {
	return Encryption{Kind: EncryptNone}
}

// NewAES256CBC returns an AES-256-CBC tag with a random 16-byte IV.
func NewAES256CBC() Encryption {
	return Encryption{Kind: EncryptAES256CBC, IV: randomBytes(16)}
}

// NewAES256CTR returns an AES-256-CTR tag with a random 16-byte IV.
func NewAES256CTR() Encryption {
	return Encryption{Kind: EncryptAES256CTR, IV: randomBytes(16)}
}

// NewChaCha20 returns a ChaCha20 tag with a random 12-byte nonce.
func NewChaCha20() Encryption {
	return Encryption{Kind: EncryptChaCha20, IV: randomBytes(12)}
}

// NewIV returns a tag with the same algorithm and a freshly generated IV.
func (e Encryption) NewIV() Encryption {
	switch e.Kind {
	case EncryptAES256CBC:
		return NewAES256CBC()
	case EncryptAES256CTR:
		return NewAES256CTR()
	case EncryptChaCha20:
		return NewChaCha20()
	default:
		return NoEncryption()
	}
}

// KeyLength returns the cipher's key length in bytes.
func (e Encryption) KeyLength() int {
	if e.Kind == EncryptNone {
		return 0
	}
	return 32
}

// Encrypt encrypts data with the tagged cipher and the given key material.
// Keys shorter than the cipher's key length are zero-padded, longer ones are
// truncated.
func (e Encryption) Encrypt(data, key []byte) ([]byte, error) {
	switch e.Kind {
	case EncryptNone:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case EncryptAES256CBC:
		block, err := aes.NewCipher(normalizeKey(key, 32))
		if err != nil {
			return nil, fmt.Errorf("creating aes cipher: %w", err)
		}
		padded := padPKCS7(data, aes.BlockSize)
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, e.IV).CryptBlocks(out, padded)
		return out, nil
	case EncryptAES256CTR:
		block, err := aes.NewCipher(normalizeKey(key, 32))
		if err != nil {
			return nil, fmt.Errorf("creating aes cipher: %w", err)
		}
		out := make([]byte, len(data))
		cipher.NewCTR(block, e.IV).XORKeyStream(out, data)
		return out, nil
	case EncryptChaCha20:
		c, err := chacha20.NewUnauthenticatedCipher(normalizeKey(key, 32), e.IV)
		if err != nil {
			return nil, fmt.Errorf("creating chacha20 cipher: %w", err)
		}
		out := make([]byte, len(data))
		c.XORKeyStream(out, data)
		return out, nil
	default:
		return nil, fmt.Errorf("unknown encryption kind %q", e.Kind)
	}
}

// Decrypt reverses Encrypt with the given key material.
func (e Encryption) Decrypt(data, key []byte) ([]byte, error) {
	switch e.Kind {
	case EncryptNone:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case EncryptAES256CBC:
		block, err := aes.NewCipher(normalizeKey(key, 32))
		if err != nil {
			return nil, fmt.Errorf("creating aes cipher: %w", err)
		}
		if len(data)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("aes-cbc ciphertext length %d is not a multiple of the block size", len(data))
		}
		out := make([]byte, len(data))
		cipher.NewCBCDecrypter(block, e.IV).CryptBlocks(out, data)
		return unpadPKCS7(out, aes.BlockSize)
	case EncryptAES256CTR:
		// CTR is symmetric
		return e.Encrypt(data, key)
	case EncryptChaCha20:
		return e.Encrypt(data, key)
	default:
		return nil, fmt.Errorf("unknown encryption kind %q", e.Kind)
	}
}

// normalizeKey returns key truncated or zero-padded to the requested length.
func normalizeKey(key []byte, length int) []byte {
	out := make([]byte, length)
	copy(out, key)
	return out
}

func padPKCS7(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid pkcs7 padded length %d", len(data))
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize {
		return nil, fmt.Errorf("invalid pkcs7 padding byte %d", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("malformed pkcs7 padding")
		}
	}
	return data[:len(data)-pad], nil
}

// RandomBytes returns n cryptographically random bytes, panicking if the
// system source fails. A broken system RNG is not recoverable here.
func RandomBytes(n int) []byte {
	return randomBytes(n)
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto: reading system randomness: %v", err))
	}
	return buf
}
