package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the archives in the repository, newest first",
		Args:  cobra.NoArgs,
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

			archives, err := repo.Archives(ctx)
			if err != nil {
				return err
			}
			if len(archives) == 0 {
				fmt.Println("No archives in the repository.")
				return nil
			}
			for i, stored := range archives {
				fmt.Printf("%3d  %s  %s\n", i, stored.Timestamp.Format("2006-01-02 15:04:05"), stored.Name)
			}
			return nil
		},
	}
}
