package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mantora/mantora/internal/approval"
	"github.com/mantora/mantora/internal/policy"
	"github.com/mantora/mantora/internal/store"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Inspect recorded sessions",
	Long:    `List, show, summarize, export and delete sessions in the session database.`,
}

var sessionsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := sessionFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			sessions, err := st.ListSessions(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				fmt.Fprintln(out, "\nRun 'mantora proxy' to record your first session.")
				return nil
			}

			rows := make([][]string, 0, len(sessions))
			for _, s := range sessions {
				state := "active"
				if s.Ended() {
					state = "ended"
				}
				rows = append(rows, []string{
					s.ID,
					truncateString(orDash(s.Title), 30),
					orDash(s.Tag),
					formatTime(s.CreatedAt),
					state,
				})
			}
			fmt.Fprintln(out, renderTable(out, []string{"ID", "Title", "Tag", "Created", "State"}, rows))
			fmt.Fprintf(out, "\nTotal: %d session(s)\n", len(sessions))
			return nil
		})
	},
}

func sessionFilterFromFlags(cmd *cobra.Command) (store.SessionFilter, error) {
	var f store.SessionFilter
	f.Tag, _ = cmd.Flags().GetString("tag")
	f.Query, _ = cmd.Flags().GetString("query")
	f.Limit, _ = cmd.Flags().GetInt("limit")

	if since, _ := cmd.Flags().GetString("since"); since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return f, fmt.Errorf("invalid --since %q: %w", since, err)
		}
		f.Since = time.Now().Add(-d)
	}
	if cmd.Flags().Changed("blocked") {
		v, _ := cmd.Flags().GetBool("blocked")
		f.HasBlocks = &v
	}
	if cmd.Flags().Changed("warnings") {
		v, _ := cmd.Flags().GetBool("warnings")
		f.HasWarnings = &v
	}
	return f, nil
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a session and its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			sess, err := st.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := st.ListSteps(ctx, sess.ID, 0, 0)
			if err != nil {
				return fmt.Errorf("failed to list steps: %w", err)
			}

			out := cmd.OutOrStdout()
			ended := "-"
			if sess.EndedAt != nil {
				ended = formatTime(*sess.EndedAt)
			}
			fmt.Fprintln(out, renderDetail(out, [][]string{
				{"ID", sess.ID},
				{"Title", orDash(sess.Title)},
				{"Tag", orDash(sess.Tag)},
				{"Created", formatTime(sess.CreatedAt)},
				{"Ended", ended},
				{"Repo", orDash(sess.RepoRoot)},
				{"Branch", orDash(sess.Branch)},
				{"Commit", orDash(shortID(sess.Commit))},
				{"Config", orDash(sess.ConfigSource)},
			}))

			if len(steps) == 0 {
				fmt.Fprintln(out, "\nNo steps recorded.")
				return nil
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderSteps(out, steps))
			return nil
		})
	},
}

func renderSteps(out io.Writer, steps []store.Step) string {
	rows := make([][]string, 0, len(steps))
	for _, s := range steps {
		duration := "-"
		if s.DurationMS != nil {
			duration = strconv.FormatInt(*s.DurationMS, 10) + "ms"
		}
		rows = append(rows, []string{
			formatTime(s.CreatedAt),
			string(s.Kind),
			truncateString(s.Name, 24),
			string(s.Status),
			orDash(s.RiskLevel),
			orDash(s.Decision),
			duration,
			truncateString(orDash(s.Summary), 48),
		})
	}
	return renderTable(out, []string{"Time", "Kind", "Tool", "Status", "Risk", "Decision", "Took", "Summary"}, rows)
}

var sessionsSummaryCmd = &cobra.Command{
	Use:   "summary [id]",
	Short: "Show the rollup for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			sum, err := st.Summary(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, sum)
			}
			fmt.Fprintln(out, renderDetail(out, [][]string{
				{"Status", string(sum.Status)},
				{"Tool calls", strconv.Itoa(sum.ToolCalls)},
				{"Queries", strconv.Itoa(sum.Queries)},
				{"Casts", strconv.Itoa(sum.Casts)},
				{"Blocks", strconv.Itoa(sum.Blocks)},
				{"Warnings", strconv.Itoa(sum.Warnings)},
				{"Errors", strconv.Itoa(sum.Errors)},
				{"Tables", orDash(strings.Join(sum.TablesTouched, ", "))},
				{"Duration", (time.Duration(sum.DurationMSTotal) * time.Millisecond).String()},
			}))
			return nil
		})
	},
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm [id]",
	Short: "Delete a session and everything recorded in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			if _, err := st.GetSession(ctx, id); err != nil {
				return err
			}

			// Release any proxy still waiting on this session's requests.
			gate := approval.NewGate(st, approval.Options{})
			if _, err := gate.CancelSession(ctx, id); err != nil {
				return fmt.Errorf("failed to cancel pending requests: %w", err)
			}
			if err := st.DeleteSession(ctx, id); err != nil {
				return fmt.Errorf("failed to delete session: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Session '%s' deleted.\n", id)
			return nil
		})
	},
}

// SessionExport is the document written by `sessions export`.
type SessionExport struct {
	ExportedAt time.Time              `json:"exported_at"`
	Version    string                 `json:"version"`
	Session    *store.Session         `json:"session"`
	Summary    *store.Summary         `json:"summary"`
	Policy     policy.Manifest        `json:"policy"`
	Steps      []store.Step           `json:"steps"`
	Casts      []store.Cast           `json:"casts"`
	Pending    []store.PendingRequest `json:"pending_requests"`
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export [id] [file]",
	Short: "Write a session to a JSON file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, path := args[0], args[1]
		loaded, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			doc, err := buildExport(ctx, st, id, policy.NewEngine(loaded.Policy, loaded.Limits).Manifest())
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode export: %w", err)
			}
			if err := atomic.WriteFile(path, bytes.NewReader(append(data, '\n'))); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Exported %d step(s) to %s\n", len(doc.Steps), path)
			return nil
		})
	},
}

func buildExport(ctx context.Context, st *store.Store, id string, manifest policy.Manifest) (*SessionExport, error) {
	sess, err := st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := st.ListSteps(ctx, id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	casts, err := st.ListCasts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list casts: %w", err)
	}
	pending, err := st.ListPendingRequests(ctx, store.PendingFilter{SessionID: id})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	sum, err := st.Summary(ctx, id)
	if err != nil {
		return nil, err
	}

	return &SessionExport{
		ExportedAt: time.Now().UTC(),
		Version:    version,
		Session:    sess,
		Summary:    sum,
		Policy:     manifest,
		Steps:      steps,
		Casts:      casts,
		Pending:    pending,
	}, nil
}

func init() {
	sessionsLsCmd.Flags().String("tag", "", "only sessions with this tag")
	sessionsLsCmd.Flags().StringP("query", "q", "", "match title, repo, branch or tag")
	sessionsLsCmd.Flags().String("since", "", "only sessions newer than this duration (e.g. 24h)")
	sessionsLsCmd.Flags().Bool("blocked", false, "only sessions with (or, =false, without) blocked calls")
	sessionsLsCmd.Flags().Bool("warnings", false, "only sessions with (or, =false, without) warnings")
	sessionsLsCmd.Flags().IntP("limit", "n", 50, "maximum sessions to list")
	sessionsLsCmd.Flags().Bool("json", false, "print JSON")
	sessionsSummaryCmd.Flags().Bool("json", false, "print JSON")

	sessionsCmd.AddCommand(sessionsLsCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsSummaryCmd)
	sessionsCmd.AddCommand(sessionsRmCmd)
	sessionsCmd.AddCommand(sessionsExportCmd)
	rootCmd.AddCommand(sessionsCmd)
}
