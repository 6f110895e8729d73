package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/mantora/mantora/internal/pathutil"

	"github.com/google/shlex"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server    ServerConfig    `koanf:"server" yaml:"server"`
	Target    TargetConfig    `koanf:"target" yaml:"target"`
	Policy    PolicyConfig    `koanf:"policy" yaml:"policy"`
	Limits    LimitsConfig    `koanf:"limits" yaml:"limits"`
	Storage   StorageConfig   `koanf:"storage" yaml:"storage"`
	Approval  ApprovalConfig  `koanf:"approval" yaml:"approval"`
	Session   SessionConfig   `koanf:"session" yaml:"session"`
	Retention RetentionConfig `koanf:"retention" yaml:"retention"`
	Notify    NotifyConfig    `koanf:"notify" yaml:"notify"`
	Telemetry TelemetryConfig `koanf:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `koanf:"metrics" yaml:"metrics"`

	// Source is the config file that was loaded, empty when none was.
	Source string `koanf:"-" yaml:"-"`
}

type ServerConfig struct {
	LogLevel  string `koanf:"log_level" yaml:"log_level"`
	LogFormat string `koanf:"log_format" yaml:"log_format"`
}

type TargetConfig struct {
	Type    string            `koanf:"type" yaml:"type"`
	Command string            `koanf:"command" yaml:"command"`
	Args    []string          `koanf:"args" yaml:"args"`
	Env     map[string]string `koanf:"env" yaml:"env"`
	Cwd     string            `koanf:"cwd" yaml:"cwd"`
}

// Argv splits Command with shell quoting rules and appends Args.
func (t TargetConfig) Argv() ([]string, error) {
	argv, err := shlex.Split(t.Command)
	if err != nil {
		return nil, err
	}
	return append(argv, t.Args...), nil
}

type PolicyConfig struct {
	ProtectiveMode          bool `koanf:"protective_mode" yaml:"protective_mode"`
	BlockDDL                bool `koanf:"block_ddl" yaml:"block_ddl"`
	BlockDML                bool `koanf:"block_dml" yaml:"block_dml"`
	BlockMultiStatement     bool `koanf:"block_multi_statement" yaml:"block_multi_statement"`
	BlockDeleteWithoutWhere bool `koanf:"block_delete_without_where" yaml:"block_delete_without_where"`
	BlockUnknownTools       bool `koanf:"block_unknown_tools" yaml:"block_unknown_tools"`
	BlockUnclassifiedSQL    bool `koanf:"block_unclassified_sql" yaml:"block_unclassified_sql"`
}

type LimitsConfig struct {
	PreviewRows    int   `koanf:"preview_rows" yaml:"preview_rows"`
	PreviewBytes   int   `koanf:"preview_bytes" yaml:"preview_bytes"`
	PreviewColumns int   `koanf:"preview_columns" yaml:"preview_columns"`
	RetentionDays  int   `koanf:"retention_days" yaml:"retention_days"`
	MaxDBBytes     int64 `koanf:"max_db_bytes" yaml:"max_db_bytes"`
}

type StorageConfig struct {
	SQLitePath    string `koanf:"sqlite_path" yaml:"sqlite_path"`
	WriteTimeout  string `koanf:"write_timeout" yaml:"write_timeout"`
	InboxSize     int    `koanf:"inbox_size" yaml:"inbox_size"`
	AppendRetries int    `koanf:"append_retries" yaml:"append_retries"`
	AppendBackoff string `koanf:"append_backoff" yaml:"append_backoff"`
}

type ApprovalConfig struct {
	Timeout      string `koanf:"timeout" yaml:"timeout"`
	PollInterval string `koanf:"poll_interval" yaml:"poll_interval"`
}

type SessionConfig struct {
	Title       string `koanf:"title" yaml:"title"`
	Tag         string `koanf:"tag" yaml:"tag"`
	IdleTimeout string `koanf:"idle_timeout" yaml:"idle_timeout"`
}

type RetentionConfig struct {
	Enabled  bool   `koanf:"enabled" yaml:"enabled"`
	Schedule string `koanf:"schedule" yaml:"schedule"`
}

type NotifyConfig struct {
	Slack    SlackConfig    `koanf:"slack" yaml:"slack"`
	Telegram TelegramConfig `koanf:"telegram" yaml:"telegram"`
	Timeout  string         `koanf:"timeout" yaml:"timeout"`
}

type SlackConfig struct {
	Enabled  bool   `koanf:"enabled" yaml:"enabled"`
	BotToken string `koanf:"bot_token" yaml:"bot_token"`
	Channel  string `koanf:"channel" yaml:"channel"`
	APIURL   string `koanf:"api_url" yaml:"api_url"`
}

type TelegramConfig struct {
	Enabled  bool   `koanf:"enabled" yaml:"enabled"`
	BotToken string `koanf:"bot_token" yaml:"bot_token"`
	ChatID   int64  `koanf:"chat_id" yaml:"chat_id"`
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled" yaml:"enabled"`
	Endpoint    string `koanf:"endpoint" yaml:"endpoint"`
	ServiceName string `koanf:"service_name" yaml:"service_name"`
	Insecure    bool   `koanf:"insecure" yaml:"insecure"`
}

type MetricsConfig struct {
	ListenAddr string `koanf:"listen_addr" yaml:"listen_addr"`
}

const (
	EnvPrefix = "MANTORA_"

	DefaultLogLevel                = "info"
	DefaultLogFormat               = "text"
	DefaultTargetType              = "generic"
	DefaultPreviewRows             = 10
	DefaultPreviewBytes            = 512 * 1024
	DefaultPreviewColumns          = 80
	DefaultRetentionDays           = 14
	DefaultMaxDBBytes              = 0
	DefaultStorageWriteTimeout     = "10s"
	DefaultStorageInboxSize        = 256
	DefaultStorageAppendRetries    = 5
	DefaultStorageAppendBackoff    = "20ms"
	DefaultApprovalTimeout         = "300s"
	DefaultApprovalPollInterval    = "250ms"
	DefaultSessionIdleTimeout      = "30m"
	DefaultRetentionSchedule       = "@every 1h"
	DefaultNotifyTimeout           = "10s"
	DefaultTelemetryServiceName    = "mantora"
	DefaultTelemetryEndpoint       = "localhost:4317"
	DefaultProtectiveMode          = true
	DefaultBlockDDL                = true
	DefaultBlockDML                = true
	DefaultBlockMultiStatement     = true
	DefaultBlockDeleteWithoutWhere = true
	DefaultBlockUnknownTools       = true
	DefaultBlockUnclassifiedSQL    = false
)

// Defaults returns the flattened default key set.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.log_level":                  DefaultLogLevel,
		"server.log_format":                 DefaultLogFormat,
		"target.type":                       DefaultTargetType,
		"policy.protective_mode":            DefaultProtectiveMode,
		"policy.block_ddl":                  DefaultBlockDDL,
		"policy.block_dml":                  DefaultBlockDML,
		"policy.block_multi_statement":      DefaultBlockMultiStatement,
		"policy.block_delete_without_where": DefaultBlockDeleteWithoutWhere,
		"policy.block_unknown_tools":        DefaultBlockUnknownTools,
		"policy.block_unclassified_sql":     DefaultBlockUnclassifiedSQL,
		"limits.preview_rows":               DefaultPreviewRows,
		"limits.preview_bytes":              DefaultPreviewBytes,
		"limits.preview_columns":            DefaultPreviewColumns,
		"limits.retention_days":             DefaultRetentionDays,
		"limits.max_db_bytes":               DefaultMaxDBBytes,
		"storage.sqlite_path":               pathutil.DefaultDBPath(),
		"storage.write_timeout":             DefaultStorageWriteTimeout,
		"storage.inbox_size":                DefaultStorageInboxSize,
		"storage.append_retries":            DefaultStorageAppendRetries,
		"storage.append_backoff":            DefaultStorageAppendBackoff,
		"approval.timeout":                  DefaultApprovalTimeout,
		"approval.poll_interval":            DefaultApprovalPollInterval,
		"session.idle_timeout":              DefaultSessionIdleTimeout,
		"retention.enabled":                 true,
		"retention.schedule":                DefaultRetentionSchedule,
		"notify.timeout":                    DefaultNotifyTimeout,
		"telemetry.service_name":            DefaultTelemetryServiceName,
		"telemetry.endpoint":                DefaultTelemetryEndpoint,
	}
}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	for key, value := range Defaults() {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	source := ""
	if configPath != "" {
		expanded, err := pathutil.Expand(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(expanded), yaml.Parser()); err != nil {
			return nil, err
		}
		source = expanded
	} else {
		globalPath := pathutil.DefaultConfigPath()
		if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
			slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
		} else {
			source = globalPath
		}
	}

	// MANTORA_POLICY__BLOCK_DDL -> policy.block_ddl
	if err := k.Load(env.Provider(EnvPrefix, ".", EnvKey), nil); err != nil {
		return nil, err
	}

	if cmd != nil {
		if err := k.Load(posflag.Provider(cmd.Flags(), ".", k), nil); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	cfg.Source = source

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// EnvKey maps an environment variable name to a koanf key path.
func EnvKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	dbPath, err := pathutil.Expand(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Storage.SQLitePath = dbPath
	}

	cwd, err := pathutil.Expand(cfg.Target.Cwd)
	if err != nil {
		return err
	}
	cfg.Target.Cwd = cwd

	return nil
}

// EnvList flattens Target.Env on top of the current process environment.
func (t TargetConfig) EnvList() []string {
	out := os.Environ()
	for k, v := range t.Env {
		out = append(out, k+"="+v)
	}
	return out
}
