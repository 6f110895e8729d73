package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/mantora/mantora/internal/caps"
	"github.com/mantora/mantora/internal/connector"
	mantoraErrors "github.com/mantora/mantora/internal/errors"
	"github.com/mantora/mantora/internal/jsonrpc"
	"github.com/mantora/mantora/internal/logger"
	"github.com/mantora/mantora/internal/store"

	"github.com/tidwall/gjson"
)

// Tools the proxy answers itself. They are appended to the target's
// tools/list and never reach the target or the policy engine.
const (
	ToolSessionStart   = "session_start"
	ToolSessionEnd     = "session_end"
	ToolSessionCurrent = "session_current"
	ToolCastTable      = "cast_table"
)

var observerTools = []json.RawMessage{
	json.RawMessage(`{"name":"session_start","description":"Start a new observed session. Later tool calls are recorded under it.","inputSchema":{"type":"object","properties":{"title":{"type":"string"},"repo_root":{"type":"string"},"tag":{"type":"string"}}}}`),
	json.RawMessage(`{"name":"session_end","description":"End the current observed session.","inputSchema":{"type":"object","properties":{}}}`),
	json.RawMessage(`{"name":"session_current","description":"Return the id and title of the current observed session.","inputSchema":{"type":"object","properties":{}}}`),
	json.RawMessage(`{"name":"cast_table","description":"Publish a table of rows to the session trace.","inputSchema":{"type":"object","properties":{"title":{"type":"string"},"sql":{"type":"string"},"rows":{"type":"array","items":{"type":"object"}},"columns":{"type":"array","items":{"type":"string"}},"origin_step_id":{"type":"string"}},"required":["title","rows"]}}`),
}

func isObserverTool(name string) bool {
	switch name {
	case ToolSessionStart, ToolSessionEnd, ToolSessionCurrent, ToolCastTable:
		return true
	}
	return false
}

func (p *Proxy) handleObserverTool(ctx context.Context, msg *jsonrpc.Message, tc jsonrpc.ToolCall) {
	var (
		out interface{}
		err error
	)
	switch tc.Name {
	case ToolSessionStart:
		out, err = p.toolSessionStart(ctx, tc)
	case ToolSessionEnd:
		id := p.endSession(ctx)
		out = map[string]any{"ended": id != "", "session_id": id}
	case ToolSessionCurrent:
		out, err = p.toolSessionCurrent(ctx)
	case ToolCastTable:
		out, err = p.toolCastTable(ctx, msg, tc)
	}

	if err != nil {
		if mantoraErrors.IsCategory(err, mantoraErrors.ErrInvalidInput) {
			p.replyError(msg.ID, mantoraErrors.CodeInvalidParams, err.Error(), nil)
			return
		}
		p.replyError(msg.ID, mantoraErrors.RPCCode(err), err.Error(), nil)
		return
	}

	result, err := jsonrpc.TextResult(out)
	if err != nil {
		p.replyError(msg.ID, mantoraErrors.CodeInternalError, err.Error(), nil)
		return
	}
	if err := p.reply(msg.ID, result); err != nil {
		logger.FromContext(ctx).Warn("Failed to answer observer tool", "tool", tc.Name, "error", err)
	}
}

func (p *Proxy) toolSessionStart(ctx context.Context, tc jsonrpc.ToolCall) (interface{}, error) {
	title := gjson.GetBytes(tc.Arguments, "title").String()
	tag := gjson.GetBytes(tc.Arguments, "tag").String()
	repoRoot := gjson.GetBytes(tc.Arguments, "repo_root").String()

	sess, err := p.startSession(ctx, title, tag, repoRoot)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": sess.ID, "title": sess.Title}, nil
}

func (p *Proxy) toolSessionCurrent(ctx context.Context) (interface{}, error) {
	id, err := p.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := p.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": sess.ID, "title": sess.Title}, nil
}

func (p *Proxy) toolCastTable(ctx context.Context, msg *jsonrpc.Message, tc jsonrpc.ToolCall) (interface{}, error) {
	rowsArg := gjson.GetBytes(tc.Arguments, "rows")
	if !rowsArg.IsArray() {
		return nil, mantoraErrors.InvalidInput("cast_table requires rows to be an array")
	}
	title := gjson.GetBytes(tc.Arguments, "title").String()
	if title == "" {
		title = "Table"
	}

	rows, columns, tr := caps.Rows([]byte(rowsArg.Raw), caps.Limits{Rows: caps.CastMaxRows, Columns: caps.CastMaxColumns})
	if given := gjson.GetBytes(tc.Arguments, "columns"); given.IsArray() {
		columns = columns[:0]
		for _, c := range given.Array() {
			if name := c.String(); name != "" {
				columns = append(columns, name)
			}
		}
		if len(columns) > caps.CastMaxColumns {
			columns = columns[:caps.CastMaxColumns]
			tr.Columns = true
		}
	}
	total := len(rowsArg.Array())

	sessionID, err := p.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithSessionID(ctx, sessionID)

	args := tc.Args()
	sql := gjson.GetBytes(tc.Arguments, "sql").String()
	step := &store.Step{
		SessionID:    sessionID,
		Kind:         store.KindToolCall,
		Name:         tc.Name,
		Status:       store.StatusOK,
		RequestID:    msg.Key(),
		Summary:      fmt.Sprintf("Cast table %q (%d rows)", title, total),
		TargetType:   p.connector.TargetType(),
		ToolCategory: string(connector.CategoryCast),
		Args:         p.argsPayload(tc.Name, connector.CategoryCast, args),
	}
	if sql != "" {
		step.SQL, step.SQLTruncated = capSQL(sql)
	}
	if err := p.store.AppendStep(ctx, step); err != nil {
		return nil, err
	}

	origins := store.Strings{}
	if origin := gjson.GetBytes(tc.Arguments, "origin_step_id").String(); origin != "" {
		origins = append(origins, origin)
	}
	origins = append(origins, step.ID)

	rowsJSON, err := store.MarshalJSON(rows)
	if err != nil {
		return nil, mantoraErrors.Internal("encode cast rows: " + err.Error())
	}
	cast := &store.Cast{
		SessionID:     sessionID,
		Kind:          "table",
		Title:         title,
		OriginStepIDs: origins,
		SQL:           step.SQL,
		Columns:       store.Strings(columns),
		ColumnTypes:   store.Strings(inferColumnTypes(rows, columns)),
		Rows:          rowsJSON,
		TotalRows:     total,
		Truncated:     tr.Any(),
	}
	if err := p.store.AddCast(ctx, cast); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("Cast recorded", "cast_id", cast.ID, "rows", total, "truncated", cast.Truncated)

	return map[string]any{
		"cast_id":    cast.ID,
		"session_id": sessionID,
		"rows":       len(rows),
		"total_rows": total,
		"truncated":  cast.Truncated,
	}, nil
}

// inferColumnTypes names each column boolean, integer, number or string
// from its first non-null value.
func inferColumnTypes(rows []map[string]any, columns []string) []string {
	types := make([]string, len(columns))
	for i, col := range columns {
		types[i] = "string"
		for _, row := range rows {
			v, ok := row[col]
			if !ok || v == nil {
				continue
			}
			switch val := v.(type) {
			case bool:
				types[i] = "boolean"
			case float64:
				if val == math.Trunc(val) && !math.IsInf(val, 0) {
					types[i] = "integer"
				} else {
					types[i] = "number"
				}
			}
			break
		}
	}
	return types
}
