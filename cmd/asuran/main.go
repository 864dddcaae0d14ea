// Command asuran is the command-line front end: a thin adapter driving the
// repository engine for init, store, extract, contents, and list.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/asuran-backup/asuran/internal/audit"
	"github.com/asuran-backup/asuran/internal/chunk"
	"github.com/asuran-backup/asuran/internal/config"
	"github.com/asuran-backup/asuran/internal/crypto"
	"github.com/asuran-backup/asuran/internal/metrics"
	"github.com/asuran-backup/asuran/internal/repository"
	"github.com/asuran-backup/asuran/internal/repository/flatfile"
	"github.com/asuran-backup/asuran/internal/repository/multifile"
)

// passwordEnv supplies the passphrase when the flag is absent.
const passwordEnv = "ASURAN_PASSWORD"

type globalFlags struct {
	repo             string
	password         string
	repositoryType   string
	encryption       string
	compression      string
	compressionLevel int
	hmac             string
	configPath       string
}

var (
	flags  globalFlags
	logger = logrus.New()
	// One metrics instance for the process; every repository handle shares it
	repoMetrics = metrics.New()
)

func main() {
	root := &cobra.Command{
		Use:           "asuran",
		Short:         "Deduplicating, encrypting, tamper-evident archiver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.repo, "repo", "r", "", "path to the repository")
	pf.StringVarP(&flags.password, "password", "p", "", "repository passphrase (or "+passwordEnv+")")
	pf.StringVar(&flags.repositoryType, "repository-type", string(config.RepositoryMultiFile), "repository layout (MultiFile or FlatFile)")
	pf.StringVar(&flags.encryption, "encryption", "aes256ctr", "encryption algorithm for new repositories")
	pf.StringVar(&flags.compression, "compression", "zstd", "compression algorithm for new repositories")
	pf.IntVar(&flags.compressionLevel, "compression-level", 3, "compression level for new repositories")
	pf.StringVar(&flags.hmac, "hmac", "blake3", "hmac algorithm for new repositories")
	pf.StringVar(&flags.configPath, "config", "", "path to a YAML configuration file")

	root.AddCommand(newCmd(), storeCmd(), extractCmd(), contentsCmd(), listCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig merges the optional configuration file with the command line.
// Flags win over the file for everything they cover.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if flags.repo != "" {
		cfg.Repository.Path = flags.repo
	}
	if flags.repositoryType != "" {
		cfg.Repository.Type = config.RepositoryType(flags.repositoryType)
	}
	cfg.Chunk = config.ChunkConfig{
		Compression:      flags.compression,
		CompressionLevel: flags.compressionLevel,
		Encryption:       flags.encryption,
		HMAC:             flags.hmac,
	}
	if cfg.Repository.Path == "" {
		return cfg, fmt.Errorf("no repository given; use --repo")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return cfg, nil
}

func passphrase() ([]byte, error) {
	if flags.password != "" {
		return []byte(flags.password), nil
	}
	if env := os.Getenv(passwordEnv); env != "" {
		return []byte(env), nil
	}
	return nil, fmt.Errorf("no passphrase given; use --password or %s", passwordEnv)
}

func auditLogger(cfg config.Config) *audit.Logger {
	if !cfg.Audit.Enabled || cfg.Audit.Path == "" {
		return audit.NewLogger(64, nil)
	}
	return audit.NewLogger(64, audit.NewFileSink(cfg.Audit.Path))
}

// openRepository decrypts the key and opens an existing repository of the
// configured type.
func openRepository(ctx context.Context, cfg config.Config) (*repository.Repository, error) {
	pass, err := passphrase()
	if err != nil {
		return nil, err
	}

	var encKey *crypto.EncryptedKey
	switch cfg.Repository.Type {
	case config.RepositoryMultiFile:
		encKey, err = multifile.ReadKey(cfg.Repository.Path)
	case config.RepositoryFlatFile:
		encKey, err = flatfile.ReadKeyFromFile(cfg.Repository.Path)
	default:
		return nil, fmt.Errorf("unknown repository type %q", cfg.Repository.Type)
	}
	if err != nil {
		return nil, err
	}
	key, err := encKey.Decrypt(pass)
	if err != nil {
		return nil, err
	}

	var backend repository.Backend
	switch cfg.Repository.Type {
	case config.RepositoryMultiFile:
		backend, err = multifile.Open(cfg.Repository.Path, nil, key, multifile.Options{Logger: logger})
	case config.RepositoryFlatFile:
		backend, err = flatfile.Open(cfg.Repository.Path, nil, nil, key, logger)
	}
	if err != nil {
		return nil, err
	}

	settings, err := backend.Manifest().ChunkSettings(ctx)
	if err != nil {
		backend.Close(ctx)
		return nil, err
	}
	return repository.New(backend, settings, key,
		repository.WithLogger(logger),
		repository.WithMetrics(repoMetrics),
	), nil
}

func defaultChunkSettings(cfg config.Config) (chunk.Settings, error) {
	return cfg.Chunk.Settings()
}
