package connector

import (
	"sort"
	"strings"
)

var registry = map[string]func() Connector{
	"generic":        Generic,
	"duckdb":         DuckDB,
	"postgres":       Postgres,
	"postgresql":     Postgres,
	"pg":             Postgres,
	"snowflake":      Snowflake,
	"sf":             Snowflake,
	"bigquery":       BigQuery,
	"bq":             BigQuery,
	"databricks":     Databricks,
	"databricks_sql": Databricks,
}

// Lookup returns the connector for a target type. Unknown types report
// false together with the generic connector.
func Lookup(targetType string) (Connector, bool) {
	normalized := strings.ToLower(strings.TrimSpace(targetType))
	if normalized == "" {
		return Generic(), true
	}
	if ctor, ok := registry[normalized]; ok {
		return ctor(), true
	}
	return Generic(), false
}

// Types lists every accepted target type name, aliases included.
func Types() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
