package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-judge-api/internal/config"
	"github.com/noah-isme/gema-judge-api/internal/database"
	"github.com/noah-isme/gema-judge-api/internal/lock"
	"github.com/noah-isme/gema-judge-api/internal/reconcile"
	"github.com/noah-isme/gema-judge-api/internal/repository"
)

type runOptions struct {
	Apply       bool
	FailOnDrift bool
}

func newRunOptions() *runOptions {
	return &runOptions{}
}

func (r *runOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&r.Apply, "apply", false, "rewrite drifted aggregates")
	cmd.Flags().BoolVar(&r.FailOnDrift, "fail-on-drift", false, "exit non-zero when a dry run finds drift")
}

func runReconcile(cmd *cobra.Command, opts *RootOptions, run *runOptions, open Opener) error {
	db, err := open(opts.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeDB(db)

	logger := opts.logger(cmd.ErrOrStderr())
	locker, closeLocks, err := userLocks(cmd.Context(), opts.RedisURL, logger)
	if err != nil {
		return err
	}
	defer closeLocks()

	reconciler := reconcile.New(repository.NewStore(db), locker, logger)
	report, err := reconciler.Run(cmd.Context(), run.Apply)
	if err != nil {
		return err
	}

	if err := writeReport(cmd.OutOrStdout(), opts.Format, report); err != nil {
		return err
	}

	if run.FailOnDrift && !report.Clean() && !report.Applied {
		return ErrDriftFound
	}
	return nil
}

// userLocks joins the API's redis user locks when a redis url is known.
func userLocks(ctx context.Context, redisURL string, logger zerolog.Logger) (lock.Locker, func(), error) {
	settings := config.Locks()
	if redisURL == "" {
		redisURL = settings.RedisURL
	}
	if redisURL == "" {
		logger.Warn().Msg("no redis url, locking in process only")
		return lock.NewLocalLocker(), func() {}, nil
	}

	client, err := database.ConnectRedis(ctx, redisURL, "gema-reconcile")
	if err != nil {
		return nil, nil, fmt.Errorf("connect lock redis: %w", err)
	}
	locker := lock.Chain(lock.NewLocalLocker(), lock.NewRedisLocker(client, settings.Prefix, settings.TTL, logger))
	return locker, func() { _ = client.Close() }, nil
}

func writeReport(w io.Writer, format string, report reconcile.Report) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}

	fmt.Fprintf(w, "checked %d submissions, %d problems, %d users, %d contests\n",
		report.Submissions, report.Problems, report.Users, report.Contests)
	for _, drift := range report.Drifts {
		fmt.Fprintf(w, "  drift %s\n", drift)
	}
	for _, id := range report.Orphans {
		fmt.Fprintf(w, "  orphan submission %d\n", id)
	}

	switch {
	case report.Clean():
		fmt.Fprintln(w, "aggregates match the ledger")
	case report.Applied:
		fmt.Fprintf(w, "rewrote aggregates for %d drifts\n", len(report.Drifts))
	default:
		fmt.Fprintf(w, "%d drifts found, rerun with --apply to repair\n", len(report.Drifts))
	}
	return nil
}
