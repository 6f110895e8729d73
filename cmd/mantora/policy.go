package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	mantoraErrors "github.com/mantora/mantora/internal/errors"
	"github.com/mantora/mantora/internal/policy"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show and change the protective policy",
	Long:  `Display the active policy manifest and update policy or limit settings in the config file.`,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active policy manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		manifest := policy.NewEngine(loaded.Policy, loaded.Limits).Manifest()

		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(out, manifest)
		}

		fmt.Fprintf(out, "Mode: %s\n", manifest.Mode)
		if loaded.Source != "" {
			fmt.Fprintf(out, "Config: %s\n", loaded.Source)
		}

		if len(manifest.ActiveRules) == 0 {
			fmt.Fprintln(out, "\nNo blocking rules are active.")
		} else {
			rows := make([][]string, 0, len(manifest.ActiveRules))
			for _, r := range manifest.ActiveRules {
				rows = append(rows, []string{r.ID, r.Label, r.Description})
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderTable(out, []string{"Rule", "Label", "Description"}, rows))
		}

		l := manifest.Limits
		fmt.Fprintln(out)
		fmt.Fprintln(out, renderDetail(out, [][]string{
			{"Preview rows", strconv.Itoa(l.PreviewRows)},
			{"Preview bytes", strconv.Itoa(l.PreviewBytes)},
			{"Preview columns", strconv.Itoa(l.PreviewColumns)},
			{"Retention days", strconv.Itoa(l.RetentionDays)},
			{"Max DB bytes", strconv.FormatInt(l.MaxDBBytes, 10)},
		}))
		return nil
	},
}

var policySetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a policy or limit value",
	Long: `Writes one setting to the config file. Keys without a section are policy
keys, e.g. "block_ddl false" or "limits.preview_rows 25".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		section, key, value, err := parsePolicySetting(args[0], args[1])
		if err != nil {
			return err
		}

		configPath, err := resolveConfigPath(cmd)
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
		if err := saveSetting(configPath, section, key, value); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s.%s = %v (%s)\n", section, key, value, configPath)
		return nil
	},
}

var (
	policyBoolKeys = map[string]bool{
		"protective_mode":            true,
		"block_ddl":                  true,
		"block_dml":                  true,
		"block_multi_statement":      true,
		"block_delete_without_where": true,
		"block_unknown_tools":        true,
		"block_unclassified_sql":     true,
	}
	limitIntKeys = map[string]bool{
		"preview_rows":    true,
		"preview_bytes":   true,
		"preview_columns": true,
		"retention_days":  true,
		"max_db_bytes":    true,
	}
)

// parsePolicySetting validates key and converts value to its YAML type.
func parsePolicySetting(rawKey, rawValue string) (section, key string, value interface{}, err error) {
	section, key = "policy", strings.ToLower(strings.TrimSpace(rawKey))
	if i := strings.IndexByte(key, '.'); i >= 0 {
		section, key = key[:i], key[i+1:]
	}

	switch {
	case section == "policy" && policyBoolKeys[key]:
		b, perr := strconv.ParseBool(strings.TrimSpace(rawValue))
		if perr != nil {
			return "", "", nil, mantoraErrors.InvalidInput(fmt.Sprintf("%s expects true or false, got %q", key, rawValue))
		}
		return section, key, b, nil
	case section == "limits" && limitIntKeys[key]:
		n, perr := strconv.ParseInt(strings.TrimSpace(rawValue), 10, 64)
		if perr != nil || n < 0 {
			return "", "", nil, mantoraErrors.InvalidInput(fmt.Sprintf("%s expects a non-negative integer, got %q", key, rawValue))
		}
		return section, key, n, nil
	default:
		return "", "", nil, mantoraErrors.InvalidInput(fmt.Sprintf("unknown setting %q", rawKey))
	}
}

// saveSetting rewrites configPath with section.key = value, keeping every
// other key in the file.
func saveSetting(configPath, section, key string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	cfgData := map[string]interface{}{}
	if data, err := os.ReadFile(configPath); err == nil && len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfgData); err != nil {
			return err
		}
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}

	sectionData, _ := cfgData[section].(map[string]interface{})
	if sectionData == nil {
		sectionData = map[string]interface{}{}
	}
	sectionData[key] = value
	cfgData[section] = sectionData

	data, err := yaml.Marshal(cfgData)
	if err != nil {
		return err
	}

	return atomic.WriteFile(configPath, bytes.NewReader(data))
}

func init() {
	policyShowCmd.Flags().Bool("json", false, "print JSON")

	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policySetCmd)
	rootCmd.AddCommand(policyCmd)
}
