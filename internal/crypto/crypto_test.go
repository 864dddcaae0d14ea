package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testData() []byte {
	// Repetitive enough that every compressor actually shrinks it
	return bytes.Repeat([]byte("Lorem ipsum dolor sit amet, consectetur adipiscing elit. "), 64)
}

func TestCompressionRoundTrip(t *testing.T) {
	compressions := []Compression{
		NoCompression(),
		ZStdCompression(1),
		ZStdCompression(3),
		LZ4Compression(1),
		LZMACompression(6),
	}
	data := testData()
	for _, c := range compressions {
		t.Run(string(c.Kind), func(t *testing.T) {
			compressed, err := c.Compress(data)
			require.NoError(t, err)
			out, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, data, out)
			if c.Kind != CompressNone {
				assert.Less(t, len(compressed), len(data), "compressible data should shrink")
			}
		})
	}
}

func TestCompressionUnknownKind(t *testing.T) {
	c := Compression{Kind: "snappy"}
	_, err := c.Compress([]byte("data"))
	assert.Error(t, err)
	_, err = c.Decompress([]byte("data"))
	assert.Error(t, err)
}

func TestEncryptionRoundTrip(t *testing.T) {
	encryptions := []Encryption{
		NoEncryption(),
		NewAES256CBC(),
		NewAES256CTR(),
		NewChaCha20(),
	}
	key := randomBytes(32)
	data := testData()
	for _, e := range encryptions {
		t.Run(string(e.Kind), func(t *testing.T) {
			ciphertext, err := e.Encrypt(data, key)
			require.NoError(t, err)
			out, err := e.Decrypt(ciphertext, key)
			require.NoError(t, err)
			assert.Equal(t, data, out)
			if e.Kind != EncryptNone {
				assert.NotEqual(t, data, ciphertext)
			}
		})
	}
}

func TestEncryptionNewIVDiffers(t *testing.T) {
	e := NewAES256CTR()
	fresh := e.NewIV()
	assert.Equal(t, e.Kind, fresh.Kind)
	assert.NotEqual(t, e.IV, fresh.IV)
}

func TestEncryptionShortKeyIsPadded(t *testing.T) {
	e := NewChaCha20()
	data := []byte("short key material")
	ciphertext, err := e.Encrypt(data, []byte("abc"))
	require.NoError(t, err)
	out, err := e.Decrypt(ciphertext, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestHMACAllKinds(t *testing.T) {
	kinds := []HMACKind{HMACSHA256, HMACBlake2b, HMACBlake2bp, HMACBlake3, HMACSHA3}
	key := randomBytes(32)
	data := testData()
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			tag, err := kind.MAC(data, key)
			require.NoError(t, err)
			require.NotEmpty(t, tag)
			assert.True(t, kind.Verify(tag, data, key))

			// Tampered data fails verification
			bad := append([]byte{}, data...)
			bad[0] ^= 0xff
			assert.False(t, kind.Verify(tag, bad, key))

			// Wrong key fails verification
			assert.False(t, kind.Verify(tag, data, randomBytes(32)))
		})
	}
}

func TestHMACKindsDisagree(t *testing.T) {
	key := randomBytes(32)
	data := testData()
	tags := map[string][]byte{}
	for _, kind := range []HMACKind{HMACSHA256, HMACBlake2b, HMACBlake2bp, HMACBlake3, HMACSHA3} {
		tag, err := kind.MAC(data, key)
		require.NoError(t, err)
		for other, otherTag := range tags {
			assert.NotEqual(t, otherTag, tag, "%s and %s produced the same tag", other, kind)
		}
		tags[string(kind)] = tag
	}
}

func TestKeyRandomDistinctMaterial(t *testing.T) {
	key := NewRandomKey(32)
	assert.Len(t, key.EncryptionKey, 32)
	assert.Len(t, key.HMACKey, 32)
	assert.Len(t, key.IDKey, 32)
	assert.NotEqual(t, key.EncryptionKey, key.HMACKey)
	assert.NotEqual(t, key.HMACKey, key.IDKey)
}

func TestKeyFromBytes(t *testing.T) {
	key := KeyFromBytes([]byte{1, 2, 3, 1, 2, 3, 1, 2, 3}, 4)
	assert.Equal(t, []byte{1, 1, 1}, key.EncryptionKey)
	assert.Equal(t, []byte{2, 2, 2}, key.HMACKey)
	assert.Equal(t, []byte{3, 3, 3}, key.IDKey)
	assert.Equal(t, uint64(4), key.ChunkerNonce)
}

func TestKeyZero(t *testing.T) {
	key := NewRandomKey(16)
	key.Zero()
	assert.Equal(t, make([]byte, 16), key.EncryptionKey)
	assert.Equal(t, make([]byte, 16), key.HMACKey)
	assert.Equal(t, make([]byte, 16), key.IDKey)
	assert.Zero(t, key.ChunkerNonce)
}

func TestEncryptedKeyRoundTrip(t *testing.T) {
	key := NewRandomKey(32)
	// Small costs keep the test fast
	enc, err := EncryptKey(&key, 1024, 2, NewAES256CTR(), []byte("a secure passphrase"))
	require.NoError(t, err)

	out, err := enc.Decrypt([]byte("a secure passphrase"))
	require.NoError(t, err)
	assert.True(t, key.Equal(out))
}

func TestEncryptedKeyWrongPassphrase(t *testing.T) {
	key := NewRandomKey(32)
	enc, err := EncryptKey(&key, 1024, 2, NewAES256CTR(), []byte("correct"))
	require.NoError(t, err)

	_, err = enc.Decrypt([]byte("incorrect"))
	assert.ErrorIs(t, err, ErrInvalidPassphrase)
}

func FuzzEncryptionRoundTrip(f *testing.F) {
	f.Add([]byte("seed data"))
	f.Add([]byte{})
	key := randomBytes(32)
	f.Fuzz(func(t *testing.T, data []byte) {
		for _, e := range []Encryption{NewAES256CBC(), NewAES256CTR(), NewChaCha20()} {
			ciphertext, err := e.Encrypt(data, key)
			require.NoError(t, err)
			out, err := e.Decrypt(ciphertext, key)
			require.NoError(t, err)
			require.True(t, bytes.Equal(data, out))
		}
	})
}
