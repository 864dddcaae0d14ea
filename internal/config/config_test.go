package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asuran-backup/asuran/internal/crypto"
)

func TestDefaultSettings(t *testing.T) {
	settings, err := Default().Chunk.Settings()
	require.NoError(t, err)
	assert.Equal(t, crypto.CompressZStd, settings.Compression.Kind)
	assert.Equal(t, 3, settings.Compression.Level)
	assert.Equal(t, crypto.EncryptAES256CTR, settings.Encryption.Kind)
	assert.Equal(t, crypto.HMACBlake3, settings.HMAC)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
repository:
  path: /backups/repo
  type: FlatFile
chunk:
  compression: lz4
  compression_level: 4
  encryption: chacha20
  hmac: blake2b
audit:
  enabled: true
  path: /var/log/asuran.jsonl
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/backups/repo", cfg.Repository.Path)
	assert.Equal(t, RepositoryFlatFile, cfg.Repository.Type)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "debug", cfg.LogLevel)

	settings, err := cfg.Chunk.Settings()
	require.NoError(t, err)
	assert.Equal(t, crypto.CompressLZ4, settings.Compression.Kind)
	assert.Equal(t, crypto.EncryptChaCha20, settings.Encryption.Kind)
	assert.Equal(t, crypto.HMACBlake2b, settings.HMAC)
}

func TestUnknownSelectorsRejected(t *testing.T) {
	for _, c := range []ChunkConfig{
		{Compression: "snappy"},
		{Compression: "zstd", Encryption: "des"},
		{Compression: "zstd", Encryption: "aes256ctr", HMAC: "md5"},
	} {
		_, err := c.Settings()
		assert.Error(t, err)
	}
}
