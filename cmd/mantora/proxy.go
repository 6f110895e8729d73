package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mantora/mantora/internal/approval"
	"github.com/mantora/mantora/internal/concurrency"
	"github.com/mantora/mantora/internal/config"
	"github.com/mantora/mantora/internal/connector"
	"github.com/mantora/mantora/internal/metrics"
	"github.com/mantora/mantora/internal/notify"
	"github.com/mantora/mantora/internal/policy"
	"github.com/mantora/mantora/internal/proxy"
	"github.com/mantora/mantora/internal/retention"
	"github.com/mantora/mantora/internal/store"
	"github.com/mantora/mantora/internal/telemetry"

	"github.com/spf13/cobra"
)

const targetStopGrace = 3 * time.Second

var proxyCmd = &cobra.Command{
	Use:   "proxy [-- command args...]",
	Short: "Run the intercepting proxy on stdio",
	Long: `Starts the target tool server and relays JSON-RPC between it and the agent
on stdin/stdout. The target comes from target.command in the config, or from
the arguments after "--".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}
		run := *cfg
		if len(args) > 0 {
			run.Target.Command = ""
			run.Target.Args = args
		}
		return runProxy(cmd.Context(), &run)
	},
}

func runProxy(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	signals := NewSignalHandler(parent)
	signals.Start()
	defer signals.Stop()
	ctx := signals.Context()

	conn, ok := connector.Lookup(cfg.Target.Type)
	if !ok {
		slog.Warn("Unknown target type, using generic connector", "type", cfg.Target.Type)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		concurrency.SafeGo("metrics-listener", func() {
			if err := metrics.Serve(ctx, addr); err != nil {
				slog.Error("Metrics listener stopped", "addr", addr, "error", err)
			}
		}, nil)
	}

	st, err := store.Open(ctx, cfg.Storage.SQLitePath, store.RuntimeConfigFrom(cfg))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	if cfg.Retention.Enabled {
		janitor := retention.NewJanitor(st, retention.OptionsFrom(cfg))
		if _, err := janitor.RunOnce(ctx); err != nil && !errors.Is(err, retention.ErrLocked) {
			slog.Warn("Startup retention pass failed", "error", err)
		}
		if err := janitor.Start(ctx); err != nil {
			return err
		}
		defer janitor.Stop()
	}

	gate := approval.NewGate(st, approval.Options{
		Timeout:       cfg.ApprovalTimeout(),
		PollInterval:  cfg.ApprovalPollInterval(),
		NotifyTimeout: cfg.NotifyTimeout(),
		Notifiers:     notify.FromConfig(cfg.Notify),
	})

	target, err := proxy.StartTarget(ctx, cfg.Target)
	if err != nil {
		return err
	}
	defer func() {
		if err := target.Stop(targetStopGrace); err != nil {
			slog.Warn("Failed to stop target", "error", err)
		}
	}()

	p := proxy.New(proxy.Options{
		Store:     st,
		Gate:      gate,
		Policy:    policy.NewEngine(cfg.Policy, cfg.Limits),
		Connector: conn,
		Limits:    cfg.Limits,
		Session:   sessionDefaults(ctx, cfg),
	})

	slog.Info("Proxy ready",
		"target_type", conn.TargetType(),
		"protective_mode", cfg.Policy.ProtectiveMode,
		"db", st.Path())

	return p.Serve(ctx, os.Stdin, os.Stdout, target.Stdin, target.Stdout)
}

func sessionDefaults(ctx context.Context, cfg *config.Config) proxy.SessionDefaults {
	dir := cfg.Target.Cwd
	if dir == "" {
		dir, _ = os.Getwd()
	}
	root, branch, commit := gitContext(ctx, dir)
	return proxy.SessionDefaults{
		Title:        cfg.Session.Title,
		Tag:          cfg.Session.Tag,
		RepoRoot:     root,
		Branch:       branch,
		Commit:       commit,
		ConfigSource: cfg.Source,
		IdleTimeout:  cfg.SessionIdleTimeout(),
	}
}

func init() {
	proxyCmd.Flags().String("target.type", "", "target type (generic, duckdb, postgres, snowflake, bigquery, databricks)")
	proxyCmd.Flags().String("target.command", "", "target command line")
	proxyCmd.Flags().String("session.title", "", "title for sessions created by this proxy")
	proxyCmd.Flags().String("session.tag", "", "tag for sessions created by this proxy")
	proxyCmd.Flags().String("approval.timeout", "", "how long a blocked call waits for a decision")
	proxyCmd.Flags().Bool("policy.protective_mode", config.DefaultProtectiveMode, "block risky SQL until approved")
	proxyCmd.Flags().String("metrics.listen_addr", "", "serve Prometheus metrics on this address")
	rootCmd.AddCommand(proxyCmd)
}
