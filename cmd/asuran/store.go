package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/asuran-backup/asuran/internal/archive"
	"github.com/asuran-backup/asuran/internal/audit"
	"github.com/asuran-backup/asuran/internal/chunker"
	"github.com/asuran-backup/asuran/internal/repository"
)

func storeCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "store <target>",
		Short: "Archive a file or directory tree into the repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			ctx := context.Background()
			target := args[0]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := openRepository(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close(ctx)

			if name == "" {
				name = filepath.Base(target) + "-" + time.Now().Format("2006-01-02T15:04:05")
			}

			auditLog := auditLogger(cfg)
			defer auditLog.Close()

			arch := archive.New(name)
			bytes, files, err := storeTree(ctx, repo, arch, target)
			if err != nil {
				auditLog.LogOperation(audit.EventStore, cfg.Repository.Path, name, bytes, files, err, time.Since(start))
				return err
			}

			stored, err := arch.Store(ctx, repo)
			if err == nil {
				err = repo.CommitArchive(ctx, stored)
			}
			auditLog.LogOperation(audit.EventStore, cfg.Repository.Path, name, bytes, files, err, time.Since(start))
			if err != nil {
				return err
			}
			fmt.Printf("Stored archive %q (%d files, %d bytes)\n", name, files, bytes)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "archive name (defaults to target plus timestamp)")
	return cmd
}

// storeTree walks target and inserts every regular file, recording the tree
// in the archive listing. It is the CLI's filesystem driver; the engine
// itself never touches the filesystem shape.
func storeTree(ctx context.Context, repo *repository.Repository, arch *archive.Archive, target string) (int64, int, error) {
	cdc := chunker.NewFastCDC()
	var totalBytes int64
	var files int

	info, err := os.Stat(target)
	if err != nil {
		return 0, 0, err
	}
	if !info.IsDir() {
		f, err := os.Open(target)
		if err != nil {
			return 0, 0, err
		}
		defer f.Close()
		path := filepath.Base(target)
		if err := arch.PutObject(ctx, cdc, repo, path, f); err != nil {
			return 0, 0, err
		}
		var listing archive.Listing
		listing.AddChild("", archive.Node{
			Path:        path,
			Kind:        archive.NodeFile,
			TotalLength: uint64(info.Size()),
			TotalSize:   uint64(info.Size()),
		})
		arch.SetListing(listing)
		return info.Size(), 1, nil
	}

	var listing archive.Listing
	listing.AddChild("", archive.Node{Path: ".", Kind: archive.NodeDirectory})

	err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(target, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		parent := filepath.Dir(rel)
		switch {
		case d.IsDir():
			listing.AddChild(parent, archive.Node{Path: rel, Kind: archive.NodeDirectory})
		case d.Type()&fs.ModeSymlink != 0:
			listing.AddChild(parent, archive.Node{Path: rel, Kind: archive.NodeLink})
		case d.Type().IsRegular():
			fileInfo, err := d.Info()
			if err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			putErr := arch.PutObject(ctx, cdc, repo, rel, f)
			f.Close()
			if putErr != nil {
				return putErr
			}
			listing.AddChild(parent, archive.Node{
				Path:        rel,
				Kind:        archive.NodeFile,
				TotalLength: uint64(fileInfo.Size()),
				TotalSize:   uint64(fileInfo.Size()),
			})
			totalBytes += fileInfo.Size()
			files++
		}
		return nil
	})
	if err != nil {
		return totalBytes, files, err
	}
	arch.SetListing(listing)
	return totalBytes, files, nil
}
