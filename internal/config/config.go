// Package config loads the CLI configuration file and maps its chunk
// settings onto the repository types.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/crypto"
)

// RepositoryType selects the on-disk backend layout.
type RepositoryType string

const (
	// RepositoryMultiFile is the directory-tree backend.
	RepositoryMultiFile RepositoryType = "MultiFile"
	// RepositoryFlatFile is the single-file backend.
	RepositoryFlatFile RepositoryType = "FlatFile"
)

// Config is the CLI configuration.
type Config struct {
	Repository RepositoryConfig `yaml:"repository"`
	Chunk      ChunkConfig      `yaml:"chunk"`
	Audit      AuditConfig      `yaml:"audit"`
	LogLevel   string           `yaml:"log_level"`
}

// RepositoryConfig locates the repository.
type RepositoryConfig struct {
	Path string         `yaml:"path"`
	Type RepositoryType `yaml:"type"`
}

// ChunkConfig selects the default chunk settings for new repositories.
type ChunkConfig struct {
	Compression      string `yaml:"compression"`
	CompressionLevel int    `yaml:"compression_level"`
	Encryption       string `yaml:"encryption"`
	HMAC             string `yaml:"hmac"`
}

// AuditConfig configures the JSONL operation log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the built-in configuration: a multifile repository with
// ZStd-3, AES-256-CTR, and BLAKE3.
func Default() Config {
	return Config{
		Repository: RepositoryConfig{Type: RepositoryMultiFile},
		Chunk: ChunkConfig{
			Compression:      "zstd",
			CompressionLevel: 3,
			Encryption:       "aes256ctr",
			HMAC:             "blake3",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Settings converts the chunk configuration into chunk.Settings.
func (c ChunkConfig) Settings() (chunk.Settings, error) {
	var settings chunk.Settings

	switch strings.ToLower(c.Compression) {
	case "none":
		settings.Compression = crypto.NoCompression()
	case "zstd", "":
		settings.Compression = crypto.ZStdCompression(c.CompressionLevel)
	case "lz4":
		settings.Compression = crypto.LZ4Compression(c.CompressionLevel)
	case "lzma":
		settings.Compression = crypto.LZMACompression(c.CompressionLevel)
	default:
		return settings, fmt.Errorf("unknown compression %q", c.Compression)
	}

	switch strings.ToLower(c.Encryption) {
	case "none":
		settings.Encryption = crypto.NoEncryption()
	case "aes256cbc":
		settings.Encryption = crypto.NewAES256CBC()
	case "aes256ctr", "":
		settings.Encryption = crypto.NewAES256CTR()
	case "chacha20":
		settings.Encryption = crypto.NewChaCha20()
	default:
		return settings, fmt.Errorf("unknown encryption %q", c.Encryption)
	}

	switch strings.ToLower(c.HMAC) {
	case "sha256":
		settings.HMAC = crypto.HMACSHA256
	case "blake2b":
		settings.HMAC = crypto.HMACBlake2b
	case "blake2bp":
		settings.HMAC = crypto.HMACBlake2bp
	case "blake3", "":
		settings.HMAC = crypto.HMACBlake3
	case "sha3":
		settings.HMAC = crypto.HMACSHA3
	default:
		return settings, fmt.Errorf("unknown hmac %q", c.HMAC)
	}

	return settings, nil
}
