package sqlguard

import (
	"regexp"
	"sort"
	"strings"
)

var tablePattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN|INTO|UPDATE|TABLE)\s+([a-zA-Z0-9_.$"` + "`" + `]+)`)

// tableStopwords follow FROM/TABLE/UPDATE without naming a table.
var tableStopwords = keywordSet("SELECT", "IF", "EXISTS", "NOT", "ONLY", "LATERAL", "UNNEST", "SET")

// TablesTouched extracts the tables a SQL string reads or writes. The
// result is sorted and free of duplicates; nil when nothing was found.
func TablesTouched(sql string) []string {
	seen := make(map[string]struct{})
	for _, m := range tablePattern.FindAllStringSubmatch(maskLiterals(sql), -1) {
		name := strings.NewReplacer(`"`, "", "`", "").Replace(m[1])
		name = strings.Trim(name, ".")
		if name == "" || has(tableStopwords, strings.ToUpper(name)) {
			continue
		}
		seen[name] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
