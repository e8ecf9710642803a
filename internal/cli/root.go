// Package cli implements the reconcile command line tool.
package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/config"
	"github.com/noah-isme/gema-judge-api/internal/database"
)

// ErrDriftFound is returned with --fail-on-drift when a dry run finds drift.
var ErrDriftFound = errors.New("aggregate drift found")

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose     bool
	Format      string // "json" | "text"
	DatabaseURL string
	RedisURL    string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Opener connects to the ledger database.
type Opener func(dsn string) (*gorm.DB, error)

// NewRootCommand creates the reconcile command and its subcommands.
func NewRootCommand(open Opener) *cobra.Command {
	if open == nil {
		open = database.Connect
	}
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild judge aggregates from the submission ledger",
		Long: `Recompute problem counters, user totals and contest standings from the
submission ledger. By default only reports drift; --apply rewrites
drifted aggregates user by user while holding the same locks as the API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.DatabaseURL == "" {
				opts.DatabaseURL = config.DatabaseURL()
			}
			if opts.DatabaseURL == "" {
				return fmt.Errorf("database url required: pass --db or set GEMA_DATABASE_URL")
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "db", "", "database url (defaults to GEMA_DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&opts.RedisURL, "redis", "", "redis url of the API's user locks (defaults to GEMA_REDIS_URL)")

	run := newRunOptions()
	run.bind(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runReconcile(cmd, opts, run, open)
	}

	cmd.AddCommand(NewMigrateCommand(opts, open))
	return cmd
}

// logger writes to stderr so json output on stdout stays parseable.
func (o *RootOptions) logger(w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if o.Verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).Level(level).With().Timestamp().Logger()
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
