// Package caps bounds everything captured from the wire before it is
// persisted or streamed.
package caps

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	SQLExcerptBytes   = 8 * 1024
	ErrorMessageBytes = 2 * 1024
	PreviewTextBytes  = 1024
	CastMaxRows       = 200
	CastMaxColumns    = 80
	ArgValueMaxLen    = 120
)

// Limits caps tabular data. Zero means unlimited.
type Limits struct {
	Rows    int `json:"rows"`
	Bytes   int `json:"bytes"`
	Columns int `json:"columns"`
}

// Truncation records which caps fired.
type Truncation struct {
	Rows    bool `json:"rows,omitempty"`
	Columns bool `json:"columns,omitempty"`
	Bytes   bool `json:"bytes,omitempty"`
}

func (t Truncation) Any() bool {
	return t.Rows || t.Columns || t.Bytes
}

// Text cuts s to at most maxBytes bytes without splitting a UTF-8 sequence.
func Text(s string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s, false
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

// JSON caps a JSON document: arrays keep their first Rows elements, objects
// keep their first Columns keys in document order, and a document still over
// Bytes is replaced by a JSON string holding its capped text.
func JSON(raw []byte, l Limits) (json.RawMessage, Truncation) {
	var tr Truncation
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, tr
	}
	if !gjson.ValidBytes(raw) {
		text, cut := Text(string(raw), l.Bytes)
		tr.Bytes = cut
		quoted, _ := json.Marshal(text)
		return quoted, tr
	}

	var buf bytes.Buffer
	writeCapped(&buf, gjson.ParseBytes(raw), l, &tr)

	out := buf.Bytes()
	if l.Bytes > 0 && len(out) > l.Bytes {
		text, _ := Text(string(out), l.Bytes)
		tr.Bytes = true
		quoted, _ := json.Marshal(text)
		return quoted, tr
	}
	return json.RawMessage(out), tr
}

func writeCapped(buf *bytes.Buffer, v gjson.Result, l Limits, tr *Truncation) {
	switch {
	case v.IsArray():
		buf.WriteByte('[')
		n := 0
		v.ForEach(func(_, item gjson.Result) bool {
			if l.Rows > 0 && n >= l.Rows {
				tr.Rows = true
				return false
			}
			if n > 0 {
				buf.WriteByte(',')
			}
			writeCapped(buf, item, l, tr)
			n++
			return true
		})
		buf.WriteByte(']')

	case v.IsObject():
		buf.WriteByte('{')
		n := 0
		v.ForEach(func(key, item gjson.Result) bool {
			if l.Columns > 0 && n >= l.Columns {
				tr.Columns = true
				return false
			}
			if n > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(key.Raw)
			buf.WriteByte(':')
			writeCapped(buf, item, l, tr)
			n++
			return true
		})
		buf.WriteByte('}')

	default:
		buf.WriteString(v.Raw)
	}
}

// Rows caps a row set and reports the column order of the first row.
func Rows(raw []byte, l Limits) (rows []map[string]any, columns []string, tr Truncation) {
	arr := gjson.ParseBytes(raw)
	if !arr.IsArray() {
		return nil, nil, tr
	}

	all := arr.Array()
	if l.Rows > 0 && len(all) > l.Rows {
		all = all[:l.Rows]
		tr.Rows = true
	}

	if len(all) > 0 && all[0].IsObject() {
		all[0].ForEach(func(key, _ gjson.Result) bool {
			columns = append(columns, key.String())
			return true
		})
	}
	if l.Columns > 0 && len(columns) > l.Columns {
		columns = columns[:l.Columns]
		tr.Columns = true
	}
	keep := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		keep[c] = struct{}{}
	}

	rows = make([]map[string]any, 0, len(all))
	for _, item := range all {
		row := make(map[string]any)
		item.ForEach(func(key, val gjson.Result) bool {
			if _, ok := keep[key.String()]; ok || !tr.Columns {
				row[key.String()] = val.Value()
			}
			return true
		})
		rows = append(rows, row)
	}
	return rows, columns, tr
}

// SummarizeArgs keeps short scalars and replaces everything else with a
// shape description, for tools whose arguments are not understood.
// Keys listed in keep are copied through untouched.
func SummarizeArgs(args map[string]any, keep ...string) map[string]any {
	out := make(map[string]any, len(args))
	kept := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		kept[k] = struct{}{}
	}

	for k, v := range args {
		if _, ok := kept[k]; ok {
			out[k] = v
			continue
		}
		switch val := v.(type) {
		case nil:
			out[k] = nil
		case string:
			if len(val) <= ArgValueMaxLen {
				out[k] = val
			} else {
				out[k] = "<omitted>"
			}
		case bool, float64, int, int64, json.Number:
			s := fmt.Sprint(val)
			if len(s) <= ArgValueMaxLen {
				out[k] = val
			} else {
				out[k] = "<omitted>"
			}
		case []any:
			out[k] = fmt.Sprintf("<list len=%d>", len(val))
		case map[string]any:
			out[k] = fmt.Sprintf("<object keys=%d>", len(val))
		default:
			out[k] = fmt.Sprintf("<%T>", val)
		}
	}
	return out
}

// RedactRows drops the row payload of a cast call; the cast itself holds
// the capped rows.
func RedactRows(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	if rows, ok := out["rows"]; ok {
		if list, isList := rows.([]any); isList {
			out["rows"] = fmt.Sprintf("<omitted %d rows>", len(list))
		} else {
			out["rows"] = "<omitted>"
		}
	}
	return out
}
