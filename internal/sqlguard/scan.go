package sqlguard

import "strings"

// mask returns a copy of sql of identical byte length in which string
// literals, quoted identifiers, dollar-quoted bodies and comments are
// replaced by spaces. Keyword detection and statement splitting run on the
// masked text so nothing inside a literal or comment can influence them.
func mask(sql string) string {
	return maskWith(sql, false)
}

// maskLiterals is mask without blanking quoted identifiers.
func maskLiterals(sql string) string {
	return maskWith(sql, true)
}

func maskWith(sql string, keepIdents bool) string {
	b := []byte(sql)
	n := len(b)
	out := make([]byte, n)
	copy(out, b)

	blank := func(from, to int) {
		if to > n {
			to = n
		}
		for k := from; k < to; k++ {
			out[k] = ' '
		}
	}

	for i := 0; i < n; {
		c := b[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := closeQuote(b, i+1, c)
			if c == '\'' || !keepIdents {
				blank(i, end)
			}
			i = end

		case c == '-' && i+1 < n && b[i+1] == '-':
			end := i + 2
			for end < n && b[end] != '\n' {
				end++
			}
			blank(i, end)
			i = end

		case c == '/' && i+1 < n && b[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				blank(i, n)
				i = n
			} else {
				blank(i, i+2+end+2)
				i = i + 2 + end + 2
			}

		case c == '$':
			if tag, ok := dollarTag(b, i); ok {
				end := strings.Index(sql[i+len(tag):], tag)
				if end < 0 {
					blank(i, n)
					i = n
				} else {
					stop := i + len(tag) + end + len(tag)
					blank(i, stop)
					i = stop
				}
				continue
			}
			i++

		default:
			i++
		}
	}

	return string(out)
}

// closeQuote returns the index just past the quote that closes a literal
// opened before start. A doubled quote is an escaped quote. Unterminated
// literals run to the end of input.
func closeQuote(b []byte, start int, q byte) int {
	for j := start; j < len(b); j++ {
		if b[j] != q {
			continue
		}
		if j+1 < len(b) && b[j+1] == q {
			j++
			continue
		}
		return j + 1
	}
	return len(b)
}

// dollarTag recognizes $$ and $name$ openers. Positional parameters such
// as $1 are not tags.
func dollarTag(b []byte, i int) (string, bool) {
	j := i + 1
	for j < len(b) && isIdentByte(b[j]) {
		j++
	}
	if j >= len(b) || b[j] != '$' {
		return "", false
	}
	if j > i+1 && b[i+1] >= '0' && b[i+1] <= '9' {
		return "", false
	}
	return string(b[i : j+1]), true
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// segment is one statement: its original text and its masked twin.
type segment struct {
	text   string
	masked string
}

// split cuts sql on semicolons that sit outside literals and comments and
// drops statements that are empty once masked.
func split(sql string) []segment {
	m := mask(sql)
	var segs []segment
	start := 0
	for i := 0; i <= len(m); i++ {
		if i < len(m) && m[i] != ';' {
			continue
		}
		if strings.TrimSpace(m[start:i]) != "" {
			segs = append(segs, segment{
				text:   strings.TrimSpace(sql[start:i]),
				masked: m[start:i],
			})
		}
		start = i + 1
	}
	return segs
}

// Split returns the individual statements of sql.
func Split(sql string) []string {
	segs := split(sql)
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		out = append(out, s.text)
	}
	return out
}
