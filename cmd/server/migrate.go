package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/country-engine/store/sqlite"
)

func getMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlite.New(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			defer store.Close()

			version, dirty, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s at schema version %d (dirty: %t)\n", cfg.Database.Path, version, dirty)
			return nil
		},
	}
}
