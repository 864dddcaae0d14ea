package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/asuran-backup/asuran/internal/audit"
	"github.com/asuran-backup/asuran/internal/config"
	"github.com/asuran-backup/asuran/internal/crypto"
	"github.com/asuran-backup/asuran/internal/repository/flatfile"
	"github.com/asuran-backup/asuran/internal/repository/multifile"
)

func newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Initialize a new repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pass, err := passphrase()
			if err != nil {
				return err
			}
			settings, err := defaultChunkSettings(cfg)
			if err != nil {
				return err
			}

			key := crypto.NewRandomKey(32)
			encKey, err := crypto.EncryptKeyDefaults(&key, settings.Encryption.NewIV(), pass)
			if err != nil {
				return err
			}

			auditLog := auditLogger(cfg)
			defer auditLog.Close()

			switch cfg.Repository.Type {
			case config.RepositoryMultiFile:
				backend, err := multifile.Open(cfg.Repository.Path, &settings, &key, multifile.Options{Logger: logger})
				if err != nil {
					return err
				}
				if err := backend.WriteKey(ctx, encKey); err != nil {
					backend.Close(ctx)
					return err
				}
				if err := backend.Close(ctx); err != nil {
					return err
				}
			case config.RepositoryFlatFile:
				backend, err := flatfile.Open(cfg.Repository.Path, &settings, encKey, &key, logger)
				if err != nil {
					return err
				}
				if err := backend.Close(ctx); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown repository type %q", cfg.Repository.Type)
			}

			auditLog.LogOperation(audit.EventInit, cfg.Repository.Path, "", 0, 0, nil, time.Since(start))
			fmt.Printf("Initialized %s repository at %s\n", cfg.Repository.Type, cfg.Repository.Path)
			return nil
		},
	}
}
