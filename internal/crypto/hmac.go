package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// HMACKind identifies the keyed-hash algorithm used for chunk identifiers and
// integrity tags. There is no "none" variant; the repository's structure does
// not make sense without one.
type HMACKind string

const (
	// HMACSHA256 is HMAC-SHA256.
	HMACSHA256 HMACKind = "sha256"
	// HMACBlake2b is BLAKE2b-512 in its native keyed mode.
	HMACBlake2b HMACKind = "blake2b"
	// HMACBlake2bp is the HMAC construction over BLAKE2b-512.
	HMACBlake2bp HMACKind = "blake2bp"
	// HMACBlake3 is the BLAKE3 keyed hash.
	HMACBlake3 HMACKind = "blake3"
	// HMACSHA3 is HMAC-SHA3-256.
	HMACSHA3 HMACKind = "sha3"
)

// MAC computes the keyed hash of data under key using the tagged algorithm.
func (k HMACKind) MAC(data, key []byte) ([]byte, error) {
	switch k {
	case HMACSHA256:
		m := hmac.New(sha256.New, key)
		m.Write(data)
		return m.Sum(nil), nil
	case HMACBlake2b:
		// blake2b's native keyed mode accepts at most 64 key bytes
		h, err := blake2b.New512(truncateKey(key, 64))
		if err != nil {
			return nil, fmt.Errorf("creating keyed blake2b: %w", err)
		}
		h.Write(data)
		return h.Sum(nil), nil
	case HMACBlake2bp:
		m := hmac.New(func() hash.Hash {
			h, _ := blake2b.New512(nil)
			return h
		}, key)
		m.Write(data)
		return m.Sum(nil), nil
	case HMACBlake3:
		h, err := blake3.NewKeyed(normalizeKey(key, 32))
		if err != nil {
			return nil, fmt.Errorf("creating keyed blake3: %w", err)
		}
		h.Write(data)
		return h.Sum(nil), nil
	case HMACSHA3:
		m := hmac.New(sha3.New256, key)
		m.Write(data)
		return m.Sum(nil), nil
	default:
		return nil, fmt.Errorf("unknown hmac kind %q", k)
	}
}

// Verify recomputes the MAC of data under key and compares it against tag in
// constant time.
func (k HMACKind) Verify(tag, data, key []byte) bool {
	computed, err := k.MAC(data, key)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(tag, computed) == 1
}

func truncateKey(key []byte, max int) []byte {
	if len(key) > max {
		return key[:max]
	}
	return key
}
