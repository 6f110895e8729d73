package main

import (
	"context"
	"fmt"

	"github.com/mantora/mantora/internal/store"

	"github.com/spf13/cobra"
)

var stepsCmd = &cobra.Command{
	Use:   "steps [session-id]",
	Short: "List the steps of a session in append order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			if _, err := st.GetSession(ctx, args[0]); err != nil {
				return err
			}
			steps, err := st.ListSteps(ctx, args[0], limit, offset)
			if err != nil {
				return fmt.Errorf("failed to list steps: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, steps)
			}
			if len(steps) == 0 {
				fmt.Fprintln(out, "No steps found.")
				return nil
			}
			fmt.Fprintln(out, renderSteps(out, steps))
			return nil
		})
	},
}

func init() {
	stepsCmd.Flags().Int("limit", 100, "maximum steps to list (0 for all)")
	stepsCmd.Flags().Int("offset", 0, "steps to skip")
	stepsCmd.Flags().Bool("json", false, "print JSON")
	rootCmd.AddCommand(stepsCmd)
}
