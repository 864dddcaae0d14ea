package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asuran-backup/asuran/internal/archive"
)

func contentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contents <archive>",
		Short: "List the objects in an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := openRepository(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close(ctx)

			stored, err := findArchive(ctx, repo, args[0])
			if err != nil {
				return err
			}
			arch, err := archive.Load(ctx, repo, stored)
			if err != nil {
				return err
			}

			listing := arch.Listing()
			nodes := listing.Walk()
			if len(nodes) == 0 {
				// Fall back to the raw object map for archives without a
				// listing
				for _, path := range arch.Paths() {
					fmt.Println(path)
				}
				return nil
			}
			for _, node := range nodes {
				marker := " "
				if node.IsDirectory() {
					marker = "d"
				} else if node.Kind == archive.NodeLink {
					marker = "l"
				}
				fmt.Printf("%s %10d  %s\n", marker, node.TotalLength, node.Path)
			}
			return nil
		},
	}
}
