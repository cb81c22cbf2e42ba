package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func getRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh against the configured database and exit",
		Long: `Fetches both upstream datasets, reconciles them into the database in one
transaction, regenerates the summary image and appends an audit row.
Exits non-zero when the refresh fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.engine.Refresh(cmd.Context())
			out := cmd.OutOrStdout()
			if err != nil {
				if result != nil && result.ErrorMessage != "" {
					return errors.New(result.ErrorMessage)
				}
				return err
			}

			fmt.Fprintf(out, "Processed %s countries (%s updated, %s created)\n",
				humanize.Comma(int64(result.CountriesProcessed)),
				humanize.Comma(int64(result.CountriesUpdated)),
				humanize.Comma(int64(result.CountriesCreated)),
			)
			for _, w := range result.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			return nil
		},
	}
}
