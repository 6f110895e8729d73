package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mantora/mantora/internal/config"
	"github.com/mantora/mantora/internal/pathutil"
	"github.com/mantora/mantora/internal/store"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// withStore opens the session database for the duration of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st *store.Store) error) error {
	loaded, err := loadConfigForCommand(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(ctx, loaded.Storage.SQLitePath, store.RuntimeConfigFrom(loaded))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	return fn(ctx, st)
}

func loadConfigForCommand(cmd *cobra.Command) (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	return config.Load(cmd)
}

// resolveConfigPath is the file `policy set` and `config init` write to.
func resolveConfigPath(cmd *cobra.Command) (string, error) {
	if flag := cmd.Flags().Lookup("config"); flag != nil {
		if p := strings.TrimSpace(flag.Value.String()); p != "" {
			return pathutil.Expand(p)
		}
	}
	if cfgFile != "" {
		return pathutil.Expand(cfgFile)
	}
	return pathutil.DefaultConfigPath(), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

var (
	purple    = lipgloss.Color("99")
	gray      = lipgloss.Color("245")
	lightGray = lipgloss.Color("241")
)

// renderTable draws rows under headers. Colors are only used on a terminal.
func renderTable(w io.Writer, headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	oddRowStyle := lipgloss.NewStyle().Padding(0, 1)
	evenRowStyle := lipgloss.NewStyle().Padding(0, 1)
	borderStyle := lipgloss.NewStyle()

	if colorEnabled(w) {
		headerStyle = headerStyle.Foreground(purple)
		oddRowStyle = oddRowStyle.Foreground(gray)
		evenRowStyle = evenRowStyle.Foreground(lightGray)
		borderStyle = borderStyle.Foreground(purple)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return evenRowStyle
			default:
				return oddRowStyle
			}
		}).
		Headers(headers...).
		Rows(rows...)

	return t.String()
}

// renderDetail draws a two column key/value table.
func renderDetail(w io.Writer, rows [][]string) string {
	keyStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	borderStyle := lipgloss.NewStyle()
	if colorEnabled(w) {
		keyStyle = keyStyle.Foreground(purple)
		borderStyle = borderStyle.Foreground(purple)
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return keyStyle
			}
			return cellStyle
		}).
		Rows(rows...)

	return t.String()
}

func truncateString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// gitContext reports the repository root, branch and commit of dir. Any
// field git cannot answer is left empty.
func gitContext(ctx context.Context, dir string) (root, branch, commit string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	run := func(args ...string) string {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		out, err := cmd.Output()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	}

	root = run("rev-parse", "--show-toplevel")
	if root == "" {
		return "", "", ""
	}
	root = filepath.Clean(root)
	branch = run("rev-parse", "--abbrev-ref", "HEAD")
	if branch == "HEAD" {
		branch = ""
	}
	commit = run("rev-parse", "HEAD")
	return root, branch, commit
}
