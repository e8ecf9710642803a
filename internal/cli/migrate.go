package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-judge-api/internal/database"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Create or update the judge schema",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(rootOpts.DatabaseURL)
			if err != nil {
				return err
			}
			defer closeDB(db)

			if err := database.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
