// Package sqlguard classifies SQL text for the policy engine. Everything
// here is a pure function of its input: no I/O, no panics on malformed SQL.
package sqlguard

import (
	"regexp"
	"strings"
)

type Classification string

const (
	Read        Classification = "read"
	Mutation    Classification = "mutation"
	Destructive Classification = "destructive"
	DDL         Classification = "ddl"
	Unknown     Classification = "unknown"
)

// severity orders classifications for batch aggregation.
func (c Classification) severity() int {
	switch c {
	case Read:
		return 0
	case Unknown:
		return 1
	case Mutation:
		return 2
	case DDL:
		return 3
	case Destructive:
		return 4
	default:
		return 1
	}
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// Max returns the higher of two risk levels.
func (r RiskLevel) Max(o RiskLevel) RiskLevel {
	if o.rank() > r.rank() {
		return o
	}
	return r
}

type Warning string

const (
	WarnMultiStatement Warning = "MULTI_STATEMENT"
	WarnDeleteNoWhere  Warning = "DELETE_NO_WHERE"
	WarnDDL            Warning = "DDL"
	WarnDML            Warning = "DML"
	WarnSelectStar     Warning = "SELECT_STAR"
	WarnNoLimit        Warning = "NO_LIMIT"
	WarnHighRowCount   Warning = "HIGH_ROW_COUNT"
)

// warningOrder fixes the order warnings are reported in.
var warningOrder = []Warning{
	WarnMultiStatement,
	WarnDeleteNoWhere,
	WarnDDL,
	WarnDML,
	WarnSelectStar,
	WarnNoLimit,
	WarnHighRowCount,
}

// Statement is the verdict for one statement of a batch.
type Statement struct {
	Text           string         `json:"text"`
	Keyword        string         `json:"keyword"`
	Classification Classification `json:"classification"`
}

// Result is the classifier output for a whole SQL string.
type Result struct {
	Classification Classification `json:"classification"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Warnings       []Warning      `json:"warnings"`
	Reason         string         `json:"reason,omitempty"`
	Statements     []Statement    `json:"statements,omitempty"`
}

// Has reports whether any statement in the batch classified as c.
func (r Result) Has(c Classification) bool {
	for _, s := range r.Statements {
		if s.Classification == c {
			return true
		}
	}
	return r.Classification == c
}

// HasWarning reports whether w was raised.
func (r Result) HasWarning(w Warning) bool {
	for _, x := range r.Warnings {
		if x == w {
			return true
		}
	}
	return false
}

// MultiStatement reports whether the batch held more than one statement.
func (r Result) MultiStatement() bool {
	return r.HasWarning(WarnMultiStatement)
}

var (
	ddlKeywords = keywordSet(
		"CREATE", "ALTER", "DROP", "TRUNCATE", "REINDEX", "VACUUM",
		"GRANT", "REVOKE", "RENAME", "COMMENT", "CLUSTER", "REFRESH",
	)
	dmlKeywords = keywordSet(
		"INSERT", "UPDATE", "DELETE", "MERGE",
		"UPSERT", "REPLACE", "COPY", "LOAD", "CALL", "EXEC", "EXECUTE",
	)
	readKeywords = keywordSet(
		"SELECT", "WITH", "EXPLAIN", "SHOW", "DESCRIBE", "DESC", "PRAGMA", "VALUES", "TABLE", "USE",
	)
	// Leading keywords whose body may hide a data-modifying statement.
	wrapperKeywords = keywordSet("WITH", "EXPLAIN")
	// Read statements that can return unbounded row sets.
	rowReturning = keywordSet("SELECT", "WITH", "VALUES", "TABLE")

	wordPattern       = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_$]*`)
	selectStarPattern = regexp.MustCompile(`(?i)\bSELECT\s+(?:(?:DISTINCT|ALL)\s+)?\*|,\s*\*\s*(?:,|\bFROM\b|$)`)
)

func keywordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

func has(set map[string]struct{}, w string) bool {
	_, ok := set[w]
	return ok
}

// Classify inspects sql and returns its classification, risk and warnings.
// Empty or non-SQL input is Unknown with LOW risk and no warnings.
func Classify(sql string) Result {
	segs := split(sql)
	if len(segs) == 0 {
		return Result{Classification: Unknown, RiskLevel: RiskLow, Warnings: []Warning{}}
	}

	raised := make(map[Warning]bool)
	overall := Read
	risk := RiskLow
	stmts := make([]Statement, 0, len(segs))

	for i, seg := range segs {
		st, warns := classifyStatement(seg)
		if i == 0 || st.Classification.severity() > overall.severity() {
			overall = st.Classification
		}
		risk = risk.Max(statementRisk(st.Classification))
		for _, w := range warns {
			raised[w] = true
		}
		stmts = append(stmts, st)
	}

	if len(segs) > 1 {
		raised[WarnMultiStatement] = true
		risk = RiskCritical
	}

	warnings := make([]Warning, 0, len(raised))
	for _, w := range warningOrder {
		if raised[w] {
			warnings = append(warnings, w)
		}
	}

	return Result{
		Classification: overall,
		RiskLevel:      risk,
		Warnings:       warnings,
		Reason:         reasonFor(overall, raised),
		Statements:     stmts,
	}
}

func classifyStatement(seg segment) (Statement, []Warning) {
	words := wordPattern.FindAllString(seg.masked, -1)
	for i := range words {
		words[i] = strings.ToUpper(words[i])
	}

	st := Statement{Text: seg.text, Classification: Unknown}
	if len(words) == 0 {
		return st, nil
	}
	st.Keyword = words[0]

	contains := func(set map[string]struct{}) string {
		for _, w := range words {
			if has(set, w) {
				return w
			}
		}
		return ""
	}
	containsWord := func(word string) bool {
		for _, w := range words {
			if w == word {
				return true
			}
		}
		return false
	}

	var warns []Warning
	kw := st.Keyword

	switch {
	case has(ddlKeywords, kw):
		st.Classification = DDL
		warns = append(warns, WarnDDL)

	case has(dmlKeywords, kw):
		st.Classification = Mutation
		warns = append(warns, WarnDML)

	case has(readKeywords, kw):
		st.Classification = Read
		if has(wrapperKeywords, kw) {
			if inner := contains(ddlKeywords); inner != "" {
				st.Classification = DDL
				warns = append(warns, WarnDDL)
			} else if inner := contains(dmlKeywords); inner != "" {
				st.Classification = Mutation
				warns = append(warns, WarnDML)
			}
		}
	}

	// A DELETE statement, bare or under WITH/EXPLAIN, without WHERE
	// outranks DML. DDL that merely mentions DELETE stays DDL.
	if st.Classification == Mutation && (kw == "DELETE" || has(wrapperKeywords, kw)) &&
		containsWord("DELETE") && !containsWord("WHERE") {
		st.Classification = Destructive
		warns = append(warns, WarnDeleteNoWhere)
	}

	if st.Classification == Read && has(rowReturning, kw) {
		if selectStarPattern.MatchString(seg.masked) {
			warns = append(warns, WarnSelectStar)
		}
		if !containsWord("LIMIT") && !containsWord("TOP") && !containsWord("FETCH") {
			warns = append(warns, WarnNoLimit)
		}
	}

	return st, warns
}

func statementRisk(c Classification) RiskLevel {
	switch c {
	case Destructive, DDL:
		return RiskCritical
	case Mutation:
		return RiskHigh
	default:
		return RiskLow
	}
}

func reasonFor(c Classification, raised map[Warning]bool) string {
	switch {
	case raised[WarnMultiStatement]:
		return "multi-statement SQL detected"
	case c == Destructive:
		return "destructive DELETE without WHERE detected"
	case c == DDL:
		return "DDL statement detected"
	case c == Mutation:
		return "DML statement detected"
	case c == Unknown:
		return "unable to classify SQL"
	default:
		return ""
	}
}
