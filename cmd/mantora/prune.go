package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mantora/mantora/internal/retention"
	"github.com/mantora/mantora/internal/store"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sessions outside the retention limits",
	Long:  `Runs one retention pass: sessions older than limits.retention_days go first, then the oldest sessions until the database fits limits.max_db_bytes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		opts := retention.OptionsFrom(loaded)
		if cmd.Flags().Changed("days") {
			opts.RetentionDays, _ = cmd.Flags().GetInt("days")
		}
		opts.LockTimeout, _ = cmd.Flags().GetDuration("wait")

		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			res, err := retention.NewJanitor(st, opts).RunOnce(ctx)
			if errors.Is(err, retention.ErrLocked) {
				return fmt.Errorf("another mantora process is pruning %s", st.Path())
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if res.Total() == 0 {
				fmt.Fprintln(out, "Nothing to prune.")
				return nil
			}
			fmt.Fprintf(out, "✓ Pruned %d session(s) (%d by age, %d by size).\n", res.Total(), res.ByAge, res.BySize)
			return nil
		})
	},
}

func init() {
	pruneCmd.Flags().Int("days", 0, "override limits.retention_days for this run")
	pruneCmd.Flags().Duration("wait", 10*time.Second, "how long to wait for another process's prune")
	rootCmd.AddCommand(pruneCmd)
}
