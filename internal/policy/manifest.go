package policy

// Rule ids persisted on blocker steps.
const (
	RuleDDL                = "block_ddl"
	RuleDML                = "block_dml"
	RuleMultiStatement     = "block_multi_statement"
	RuleDeleteWithoutWhere = "block_delete_without_where"
	RuleUnknownTool        = "unknown_tool_requires_approval"
	RuleUnclassifiedSQL    = "unclassified_sql_requires_approval"
)

// Rule is a catalog entry describing one protective rule.
type Rule struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

var catalog = []Rule{
	{ID: RuleDDL, Label: "Block DDL", Description: "Blocks CREATE, ALTER, DROP operations"},
	{ID: RuleDML, Label: "Block DML", Description: "Blocks INSERT, UPDATE, DELETE operations"},
	{ID: RuleMultiStatement, Label: "Block Multi-Statement", Description: "Blocks queries containing multiple SQL statements"},
	{ID: RuleDeleteWithoutWhere, Label: "Block DELETE without WHERE", Description: "Blocks DELETE statements that lack a WHERE clause"},
	{ID: RuleUnknownTool, Label: "Approve Unknown Tools", Description: "Holds calls to tools the connector does not recognize"},
	{ID: RuleUnclassifiedSQL, Label: "Approve Unclassified SQL", Description: "Holds query tool calls whose SQL cannot be classified"},
}

// Catalog lists every rule the engine knows, active or not.
func Catalog() []Rule {
	out := make([]Rule, len(catalog))
	copy(out, catalog)
	return out
}

// LookupRule returns the catalog entry for id.
func LookupRule(id string) (Rule, bool) {
	for _, r := range catalog {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

type ManifestLimits struct {
	PreviewRows    int   `json:"preview_rows"`
	PreviewBytes   int   `json:"preview_bytes"`
	PreviewColumns int   `json:"preview_columns"`
	RetentionDays  int   `json:"retention_days"`
	MaxDBBytes     int64 `json:"max_db_bytes"`
}

// Manifest describes the active posture for display and export.
type Manifest struct {
	Mode        string         `json:"mode"`
	ActiveRules []Rule         `json:"active_rules"`
	Limits      ManifestLimits `json:"limits"`
}

const (
	ModeProtective  = "protective"
	ModeTransparent = "transparent"
)

// Manifest returns the mode, the rules that can currently block and the
// capture limits.
func (e *Engine) Manifest() Manifest {
	m := Manifest{
		Mode:        ModeTransparent,
		ActiveRules: []Rule{},
		Limits: ManifestLimits{
			PreviewRows:    e.limits.PreviewRows,
			PreviewBytes:   e.limits.PreviewBytes,
			PreviewColumns: e.limits.PreviewColumns,
			RetentionDays:  e.limits.RetentionDays,
			MaxDBBytes:     e.limits.MaxDBBytes,
		},
	}
	if !e.cfg.ProtectiveMode {
		return m
	}
	m.Mode = ModeProtective

	enabled := map[string]bool{
		RuleDDL:                e.cfg.BlockDDL,
		RuleDML:                e.cfg.BlockDML,
		RuleMultiStatement:     e.cfg.BlockMultiStatement,
		RuleDeleteWithoutWhere: e.cfg.BlockDeleteWithoutWhere,
		RuleUnknownTool:        e.cfg.BlockUnknownTools,
		RuleUnclassifiedSQL:    e.cfg.BlockUnclassifiedSQL,
	}
	for _, r := range catalog {
		if enabled[r.ID] {
			m.ActiveRules = append(m.ActiveRules, r)
		}
	}
	return m
}
