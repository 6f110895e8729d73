// Package connector maps target tool names to categories and pulls SQL
// and evidence out of tool arguments. One connector is selected per
// session from the configured target type.
package connector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

type Category string

const (
	CategoryQuery   Category = "query"
	CategorySchema  Category = "schema"
	CategoryList    Category = "list"
	CategoryCast    Category = "cast"
	CategorySession Category = "session"
	CategoryUnknown Category = "unknown"
)

// Connector is the capability every target variant provides.
type Connector interface {
	TargetType() string
	Categorize(tool string) Category
	// ExtractSQL returns the SQL a call carries. result may be nil; when
	// the arguments hold no SQL, a tool result echoing it is consulted.
	ExtractSQL(tool string, args map[string]any, result json.RawMessage) (string, bool)
	// Evidence returns the identifying fields of a call (table, schema,
	// list type, project) for the trace.
	Evidence(tool string, args map[string]any) map[string]any
}

// baseSQLKeys are checked for every tool; query tools also accept "command".
var baseSQLKeys = []string{"sql", "query", "statement"}

// table is the shared table-driven implementation behind every variant.
type table struct {
	targetType string
	categories map[string]Category
	aliases    map[string]string
	querySQL   []string
	fields     []field
	listTypes  []listType
}

// field is one evidence entry, read from the first present key, for
// calls in the listed categories.
type field struct {
	name       string
	keys       []string
	categories []Category
}

func (f field) applies(c Category) bool {
	for _, x := range f.categories {
		if x == c {
			return true
		}
	}
	return false
}

// listType tags list calls by the first substring found in the tool name.
type listType struct {
	contains string
	label    string
}

func (t *table) TargetType() string {
	return t.targetType
}

func (t *table) resolve(tool string) string {
	name := strings.TrimSpace(tool)
	if alias, ok := t.aliases[name]; ok {
		return alias
	}
	return name
}

func (t *table) Categorize(tool string) Category {
	if c, ok := t.categories[t.resolve(tool)]; ok {
		return c
	}
	return CategoryUnknown
}

func (t *table) ExtractSQL(tool string, args map[string]any, result json.RawMessage) (string, bool) {
	keys := baseSQLKeys
	if t.Categorize(tool) == CategoryQuery && len(t.querySQL) > 0 {
		keys = t.querySQL
	}
	if sql, ok := firstString(args, keys); ok {
		return sql, true
	}
	if len(result) > 0 {
		for _, path := range []string{"structuredContent.sql", "structuredContent.query", "sql"} {
			if v := gjson.GetBytes(result, path); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
				return v.Str, true
			}
		}
	}
	return "", false
}

func (t *table) Evidence(tool string, args map[string]any) map[string]any {
	ev := make(map[string]any)
	category := t.Categorize(tool)

	if sql, ok := t.ExtractSQL(tool, args, nil); ok {
		ev["sql"] = sql
	}

	for _, f := range t.fields {
		if !f.applies(category) {
			continue
		}
		if v, ok := firstValue(args, f.keys); ok {
			ev[f.name] = v
		}
	}

	if category == CategoryList {
		lowered := strings.ToLower(tool)
		ev["list_type"] = "tables"
		for _, lt := range t.listTypes {
			if strings.Contains(lowered, lt.contains) {
				ev["list_type"] = lt.label
				break
			}
		}
	}

	return ev
}

func firstValue(args map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := args[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func firstString(args map[string]any, keys []string) (string, bool) {
	v, ok := firstValue(args, keys)
	if !ok {
		return "", false
	}
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case fmt.Stringer:
		s = val.String()
	default:
		s = fmt.Sprint(val)
	}
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}
