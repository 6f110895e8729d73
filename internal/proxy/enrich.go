package proxy

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mantora/mantora/internal/caps"
	"github.com/mantora/mantora/internal/config"
	"github.com/mantora/mantora/internal/jsonrpc"
	"github.com/mantora/mantora/internal/sqlguard"
	"github.com/mantora/mantora/internal/store"

	"github.com/tidwall/gjson"
)

// resultInfo is what a tool result contributes to its step.
type resultInfo struct {
	status           store.StepStatus
	errorMessage     string
	warnings         []string
	rowsTotal        *int
	rowsShown        *int
	capturedBytes    int
	preview          string
	previewTruncated bool
	result           store.JSON
}

var rowPaths = []string{"structuredContent.rows", "structuredContent.data", "structuredContent.results", "rows"}

func inspectResult(msg *jsonrpc.Message, limits config.LimitsConfig) resultInfo {
	info := resultInfo{status: store.StatusOK, warnings: []string{}}
	l := caps.Limits{Rows: limits.PreviewRows, Bytes: limits.PreviewBytes, Columns: limits.PreviewColumns}

	if msg.Error != nil {
		info.status = store.StatusError
		info.errorMessage, _ = caps.Text(msg.Error.Message, caps.ErrorMessageBytes)
		if raw, err := json.Marshal(msg.Error); err == nil {
			capped, _ := caps.JSON(raw, l)
			info.result = store.JSON(capped)
			info.capturedBytes = len(capped)
		}
		return info
	}

	raw := msg.Result
	text := firstText(raw)
	info.preview, info.previewTruncated = caps.Text(text, caps.PreviewTextBytes)

	if errMsg, failed := resultError(raw, text); failed {
		info.status = store.StatusError
		info.errorMessage, _ = caps.Text(errMsg, caps.ErrorMessageBytes)
	}

	if rows, ok := resultRows(raw, text); ok {
		total := len(rows.Array())
		shown := total
		if limits.PreviewRows > 0 && shown > limits.PreviewRows {
			shown = limits.PreviewRows
			info.warnings = append(info.warnings, string(sqlguard.WarnHighRowCount))
		}
		info.rowsTotal = &total
		info.rowsShown = &shown
	}

	capped, _ := caps.JSON(raw, l)
	info.result = store.JSON(capped)
	info.capturedBytes = len(capped)
	return info
}

// firstText returns the first text item of a tool result's content.
func firstText(raw []byte) string {
	for _, item := range gjson.GetBytes(raw, "content").Array() {
		if item.Get("type").String() == "text" {
			return item.Get("text").String()
		}
	}
	return ""
}

// resultError reports whether a successful JSON-RPC response still
// carries a failed tool execution, and the message describing it.
func resultError(raw []byte, text string) (string, bool) {
	structured := gjson.GetBytes(raw, "structuredContent")
	isError := gjson.GetBytes(raw, "isError").Bool()

	for _, path := range []string{"error", "errors", "message"} {
		v := structured.Get(path)
		if !v.Exists() {
			v = gjson.GetBytes(raw, path)
		}
		if !v.Exists() {
			continue
		}
		msg := errorText(v)
		if msg == "" {
			continue
		}
		// A bare message field is informational unless the result says
		// it failed.
		if path == "message" && !isError {
			continue
		}
		return msg, true
	}

	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), "database error") {
		return text, true
	}
	if isError {
		if text == "" {
			text = "tool reported an error"
		}
		return text, true
	}
	return "", false
}

func errorText(v gjson.Result) string {
	switch {
	case v.Type == gjson.String:
		return v.Str
	case v.IsArray():
		arr := v.Array()
		if len(arr) == 0 {
			return ""
		}
		return errorText(arr[0])
	case v.IsObject():
		if m := v.Get("message"); m.Exists() {
			return m.String()
		}
		return v.Raw
	case v.Type == gjson.Null, v.Type == gjson.False:
		return ""
	default:
		return v.Raw
	}
}

// resultRows finds the row array of a query result, looking at the
// structured content first and then at a JSON text payload.
func resultRows(raw []byte, text string) (gjson.Result, bool) {
	if sc := gjson.GetBytes(raw, "structuredContent"); sc.IsArray() {
		return sc, true
	}
	for _, path := range rowPaths {
		if v := gjson.GetBytes(raw, path); v.IsArray() {
			return v, true
		}
	}

	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 || !gjson.ValidBytes(trimmed) {
		return gjson.Result{}, false
	}
	parsed := gjson.ParseBytes(trimmed)
	if parsed.IsArray() {
		return parsed, true
	}
	for _, key := range []string{"rows", "data", "results"} {
		if v := parsed.Get(key); v.IsArray() {
			return v, true
		}
	}
	return gjson.Result{}, false
}

func capSQL(sql string) (string, bool) {
	return caps.Text(sql, caps.SQLExcerptBytes)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
