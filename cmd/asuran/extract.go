package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/asuran-backup/asuran/internal/archive"
	"github.com/asuran-backup/asuran/internal/audit"
	"github.com/asuran-backup/asuran/internal/repository"
)

func extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <target> <archive>",
		Short: "Restore an archive into a target directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			ctx := context.Background()
			target, archiveName := args[0], args[1]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := openRepository(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close(ctx)

			stored, err := findArchive(ctx, repo, archiveName)
			if err != nil {
				return err
			}
			arch, err := archive.Load(ctx, repo, stored)
			if err != nil {
				return err
			}

			auditLog := auditLogger(cfg)
			defer auditLog.Close()

			files := 0
			for _, mangled := range arch.Paths() {
				// Strip exactly the namespace prefix the archive added;
				// colons inside the original path stay untouched
				rel := strings.TrimPrefix(mangled, arch.CanonicalNamespace())
				dest := filepath.Join(target, filepath.FromSlash(rel))
				if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
					auditLog.LogOperation(audit.EventExtract, cfg.Repository.Path, archiveName, 0, files, err, time.Since(start))
					return err
				}
				f, err := os.Create(dest)
				if err != nil {
					auditLog.LogOperation(audit.EventExtract, cfg.Repository.Path, archiveName, 0, files, err, time.Since(start))
					return err
				}
				restoreErr := arch.GetObject(ctx, repo, rel, f)
				closeErr := f.Close()
				if restoreErr == nil {
					restoreErr = closeErr
				}
				if restoreErr != nil {
					auditLog.LogOperation(audit.EventExtract, cfg.Repository.Path, archiveName, 0, files, restoreErr, time.Since(start))
					return restoreErr
				}
				files++
			}

			auditLog.LogOperation(audit.EventExtract, cfg.Repository.Path, archiveName, 0, files, nil, time.Since(start))
			fmt.Printf("Extracted %q to %s (%d files)\n", archiveName, target, files)
			return nil
		},
	}
}

// findArchive returns the newest committed archive with the given name.
func findArchive(ctx context.Context, repo *repository.Repository, name string) (repository.StoredArchive, error) {
	archives, err := repo.Archives(ctx)
	if err != nil {
		return repository.StoredArchive{}, err
	}
	for _, stored := range archives {
		if stored.Name == name {
			return stored, nil
		}
	}
	return repository.StoredArchive{}, fmt.Errorf("no archive named %q in the repository", name)
}
