package main

import (
	"context"
	"fmt"

	"github.com/mantora/mantora/internal/approval"
	mantoraErrors "github.com/mantora/mantora/internal/errors"
	"github.com/mantora/mantora/internal/store"

	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Review blocked tool calls",
	Long:  `List pending approval requests and allow or deny them. A proxy waiting on a request picks up the decision within its poll interval.`,
}

var pendingLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		var filter store.PendingFilter
		if raw, _ := cmd.Flags().GetString("status"); raw != "" && raw != "all" {
			status, err := store.ParsePendingStatus(raw)
			if err != nil {
				return err
			}
			filter.Status = status
		}
		filter.SessionID, _ = cmd.Flags().GetString("session")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			reqs, err := st.ListPendingRequests(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list pending requests: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, reqs)
			}
			if len(reqs) == 0 {
				fmt.Fprintln(out, "No pending requests.")
				return nil
			}

			rows := make([][]string, 0, len(reqs))
			for _, r := range reqs {
				rows = append(rows, []string{
					r.ID,
					shortID(r.SessionID),
					r.ToolName,
					orDash(r.RiskLevel),
					string(r.Status),
					formatTime(r.CreatedAt),
					truncateString(orDash(r.Reason), 40),
				})
			}
			fmt.Fprintln(out, renderTable(out, []string{"ID", "Session", "Tool", "Risk", "Status", "Created", "Reason"}, rows))
			return nil
		})
	},
}

func decideCmd(use, short string, status store.PendingStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				return decide(ctx, cmd, st, args[0], status)
			})
		},
	}
}

func decide(ctx context.Context, cmd *cobra.Command, st approval.Store, id string, status store.PendingStatus) error {
	gate := approval.NewGate(st, approval.Options{})
	req, err := gate.Decide(ctx, id, status)
	if err != nil {
		if mantoraErrors.IsCategory(err, mantoraErrors.ErrConflict) && req != nil {
			return mantoraErrors.Conflict(fmt.Sprintf("request %s was already %s", id, req.Status))
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %s %s\n", id, req.ToolName, req.Status)
	return nil
}

var (
	pendingAllowCmd = decideCmd("allow", "Allow a blocked call; it is forwarded once with its original arguments", store.PendingAllowed)
	pendingDenyCmd  = decideCmd("deny", "Deny a blocked call", store.PendingDenied)
)

func init() {
	pendingLsCmd.Flags().String("status", string(store.PendingOpen), "filter by status (pending, allowed, denied, timeout, all)")
	pendingLsCmd.Flags().String("session", "", "only requests from this session")
	pendingLsCmd.Flags().Bool("json", false, "print JSON")

	pendingCmd.AddCommand(pendingLsCmd)
	pendingCmd.AddCommand(pendingAllowCmd)
	pendingCmd.AddCommand(pendingDenyCmd)
	rootCmd.AddCommand(pendingCmd)
}
