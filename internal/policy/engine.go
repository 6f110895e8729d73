package policy

import (
	"strings"

	"github.com/mantora/mantora/internal/config"
	"github.com/mantora/mantora/internal/connector"
	"github.com/mantora/mantora/internal/sqlguard"
)

type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// Input is everything the engine needs to judge one tool call.
type Input struct {
	Tool     string
	Category connector.Category
	// SQL is the extracted statement text; empty when the call carried none.
	SQL    string
	Result sqlguard.Result
}

// HasSQL reports whether SQL was extracted from the call.
func (in Input) HasSQL() bool {
	return in.SQL != ""
}

// Verdict is the outcome of Evaluate.
type Verdict struct {
	Action         Action                  `json:"action"`
	Reason         string                  `json:"reason,omitempty"`
	Warnings       []sqlguard.Warning      `json:"warnings"`
	RuleIDs        []string                `json:"rule_ids,omitempty"`
	RiskLevel      sqlguard.RiskLevel      `json:"risk_level"`
	Classification sqlguard.Classification `json:"classification"`
}

func (v Verdict) Blocked() bool {
	return v.Action == ActionBlock
}

// Engine turns classifier output into verdicts. It holds an immutable
// copy of the policy and limits it was built with and is safe for
// concurrent use.
type Engine struct {
	cfg    config.PolicyConfig
	limits config.LimitsConfig
}

func NewEngine(cfg config.PolicyConfig, limits config.LimitsConfig) *Engine {
	return &Engine{cfg: cfg, limits: limits}
}

// Config returns the policy snapshot.
func (e *Engine) Config() config.PolicyConfig {
	return e.cfg
}

type match struct {
	id     string
	reason string
}

// Evaluate applies the rules in priority order. The first matching rule
// supplies the reason; every matching rule contributes its id.
func (e *Engine) Evaluate(in Input) Verdict {
	res := in.Result
	if !in.HasSQL() {
		res = sqlguard.Classify("")
	}

	v := Verdict{
		Action:         ActionAllow,
		Warnings:       res.Warnings,
		RiskLevel:      res.RiskLevel,
		Classification: res.Classification,
	}
	if v.Warnings == nil {
		v.Warnings = []sqlguard.Warning{}
	}

	if !e.cfg.ProtectiveMode {
		return v
	}

	var matched []match

	switch {
	case in.Category == connector.CategoryUnknown && !in.HasSQL():
		if e.cfg.BlockUnknownTools {
			matched = append(matched, match{RuleUnknownTool, "unknown tool requires approval"})
			v.RiskLevel = v.RiskLevel.Max(sqlguard.RiskMedium)
		}
	case in.Category == connector.CategoryQuery && (!in.HasSQL() || res.Classification == sqlguard.Unknown):
		if e.cfg.BlockUnclassifiedSQL {
			matched = append(matched, match{RuleUnclassifiedSQL, "query tool carries SQL that could not be classified; requires approval"})
			v.RiskLevel = v.RiskLevel.Max(sqlguard.RiskMedium)
		}
	}

	if in.HasSQL() {
		if res.Has(sqlguard.Destructive) && e.cfg.BlockDeleteWithoutWhere {
			matched = append(matched, match{RuleDeleteWithoutWhere, "destructive DELETE without WHERE is blocked in protective mode"})
		}
		if res.Has(sqlguard.DDL) && e.cfg.BlockDDL {
			matched = append(matched, match{RuleDDL, "DDL statements are blocked in protective mode"})
		}
		if (res.Has(sqlguard.Mutation) || res.Has(sqlguard.Destructive)) && e.cfg.BlockDML {
			matched = append(matched, match{RuleDML, "DML statements are blocked in protective mode"})
		}
		if res.MultiStatement() && e.cfg.BlockMultiStatement {
			matched = append(matched, match{RuleMultiStatement, "multi-statement SQL is blocked in protective mode"})
		}
	}

	if len(matched) > 0 {
		v.Action = ActionBlock
		v.Reason = matched[0].reason
		for _, m := range matched {
			v.RuleIDs = append(v.RuleIDs, m.id)
		}
		return v
	}

	if len(v.Warnings) > 0 {
		v.Action = ActionWarn
		v.Reason = warningReason(v.Warnings)
	}
	return v
}

func warningReason(ws []sqlguard.Warning) string {
	names := make([]string, len(ws))
	for i, w := range ws {
		names[i] = string(w)
	}
	return "warnings: " + strings.Join(names, ", ")
}
