package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mantora/mantora/internal/approval"
	"github.com/mantora/mantora/internal/caps"
	"github.com/mantora/mantora/internal/concurrency"
	"github.com/mantora/mantora/internal/connector"
	mantoraErrors "github.com/mantora/mantora/internal/errors"
	"github.com/mantora/mantora/internal/jsonrpc"
	"github.com/mantora/mantora/internal/logger"
	"github.com/mantora/mantora/internal/metrics"
	"github.com/mantora/mantora/internal/policy"
	"github.com/mantora/mantora/internal/sqlguard"
	"github.com/mantora/mantora/internal/store"
	"github.com/mantora/mantora/internal/telemetry"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
)

var sqlArgKeys = []string{"sql", "query", "statement", "command"}

func (p *Proxy) handleInbound(ctx context.Context, line []byte) {
	metrics.RecordMessage(metrics.Inbound)

	msg, err := jsonrpc.Parse(line)
	if err != nil {
		p.rejectInbound(ctx, line, err)
		return
	}

	switch msg.Type() {
	case jsonrpc.TypeRequest:
		if p.isDead() {
			p.replyError(msg.ID, mantoraErrors.CodeTargetExited, "target exited; session is closed", nil)
			return
		}
		if msg.Method == jsonrpc.MethodToolsCall {
			p.handleToolCall(ctx, msg)
			return
		}
		p.forward(ctx, msg, &call{id: msg.ID, method: msg.Method, started: time.Now()})
	default:
		if p.isDead() {
			return
		}
		if err := p.toTarget.write(msg.Raw); err != nil {
			logger.FromContext(ctx).Warn("Failed to relay message to target", "error", err)
		}
	}
}

// rejectInbound answers an unparseable agent line with a JSON-RPC error,
// echoing its id when one can be recovered.
func (p *Proxy) rejectInbound(ctx context.Context, line []byte, err error) {
	code := mantoraErrors.CodeInvalidRequest
	if errors.Is(err, jsonrpc.ErrInvalidJSON) {
		code = mantoraErrors.CodeParseError
	}
	var id json.RawMessage
	if v := gjson.GetBytes(line, "id"); v.Exists() && (v.Type == gjson.String || v.Type == gjson.Number) {
		id = json.RawMessage(v.Raw)
	}
	logger.FromContext(ctx).Warn("Rejected malformed agent message", "error", err)
	p.appendNote(ctx, store.StatusError, "Malformed message from agent", err.Error())
	p.replyError(id, code, err.Error(), nil)
}

func (p *Proxy) handleToolCall(ctx context.Context, msg *jsonrpc.Message) {
	tc, ok := msg.ToolCall()
	if !ok {
		p.replyError(msg.ID, mantoraErrors.CodeInvalidParams, "tools/call requires params.name", nil)
		return
	}
	if isObserverTool(tc.Name) {
		p.handleObserverTool(ctx, msg, tc)
		return
	}

	sessionID, err := p.ensureSession(ctx)
	if err != nil {
		p.replyStoreFailure(ctx, msg, err)
		return
	}
	ctx = logger.WithSessionID(ctx, sessionID)
	ctx = logger.WithRequestID(ctx, msg.Key())
	log := logger.FromContext(ctx)

	ctx, span := telemetry.Tracer().Start(ctx, "proxy.tool_call")
	defer span.End()

	args := tc.Args()
	category := p.connector.Categorize(tc.Name)
	sql, _ := p.connector.ExtractSQL(tc.Name, args, nil)
	classified := sqlguard.Classify(sql)
	verdict := p.policy.Evaluate(policy.Input{
		Tool:     tc.Name,
		Category: category,
		SQL:      sql,
		Result:   classified,
	})

	metrics.RecordToolCall(string(verdict.Action), string(category))
	span.SetAttributes(
		attribute.String("mantora.tool", tc.Name),
		attribute.String("mantora.category", string(category)),
		attribute.String("mantora.classification", string(verdict.Classification)),
		attribute.String("mantora.verdict", string(verdict.Action)),
	)
	log.Debug("Tool call evaluated",
		"tool", tc.Name,
		"category", category,
		"verdict", verdict.Action,
		"classification", verdict.Classification,
		"rules", verdict.RuleIDs)

	step := p.callStep(sessionID, msg, tc.Name, category, args, sql, verdict)

	if verdict.Blocked() {
		p.block(ctx, msg, tc, step, verdict)
		return
	}

	if err := p.store.AppendStep(ctx, step); err != nil {
		p.replyStoreFailure(ctx, msg, err)
		return
	}
	if verdict.Action == policy.ActionWarn {
		log.Info("Tool call allowed with warnings", "tool", tc.Name, "warnings", verdict.Warnings)
	}
	p.forward(ctx, msg, &call{
		id:       msg.ID,
		method:   msg.Method,
		tool:     tc.Name,
		category: category,
		args:     args,
		sql:      sql,
		stepID:   step.ID,
		session:  sessionID,
		started:  time.Now(),
	})
}

// callStep builds the tool_call step for a request. The same record,
// with its kind changed by the store, serves as the blocker step.
func (p *Proxy) callStep(sessionID string, msg *jsonrpc.Message, tool string, category connector.Category, args map[string]any, sql string, v policy.Verdict) *store.Step {
	excerpt, truncated := caps.Text(sql, caps.SQLExcerptBytes)
	step := &store.Step{
		SessionID:         sessionID,
		Kind:              store.KindToolCall,
		Name:              tool,
		Status:            store.StatusOK,
		RequestID:         msg.Key(),
		Summary:           callSummary(tool, sql),
		RiskLevel:         string(v.RiskLevel),
		Warnings:          warningStrings(v.Warnings),
		TargetType:        p.connector.TargetType(),
		ToolCategory:      string(category),
		SQL:               excerpt,
		SQLTruncated:      truncated,
		SQLClassification: string(v.Classification),
		PolicyRuleIDs:     store.Strings(v.RuleIDs),
		Args:              p.argsPayload(tool, category, args),
	}
	if sql != "" {
		step.TablesTouched = sqlguard.TablesTouched(sql)
	}
	return step
}

// argsPayload is what a step keeps of a call's arguments: the capped
// arguments plus the connector's evidence.
func (p *Proxy) argsPayload(tool string, category connector.Category, args map[string]any) store.JSON {
	kept := args
	switch category {
	case connector.CategoryUnknown:
		kept = caps.SummarizeArgs(args, sqlArgKeys...)
	case connector.CategoryCast:
		kept = caps.RedactRows(args)
	}
	payload := map[string]any{"arguments": kept}
	if ev := p.connector.Evidence(tool, args); len(ev) > 0 {
		payload["evidence"] = ev
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	capped, _ := caps.JSON(raw, p.capLimits())
	return store.JSON(capped)
}

func (p *Proxy) capLimits() caps.Limits {
	return caps.Limits{
		Rows:    p.limits.PreviewRows,
		Bytes:   p.limits.PreviewBytes,
		Columns: p.limits.PreviewColumns,
	}
}

func callSummary(tool, sql string) string {
	if sql == "" {
		return "Called " + tool
	}
	first := strings.Join(strings.Fields(sql), " ")
	first, cut := caps.Text(first, 120)
	if cut {
		first += "…"
	}
	return fmt.Sprintf("%s: %s", tool, first)
}

func warningStrings(ws []sqlguard.Warning) store.Strings {
	out := make(store.Strings, 0, len(ws))
	for _, w := range ws {
		out = append(out, string(w))
	}
	return out
}

// block parks a call on the approval gate. The blocker step and pending
// request are written before this returns; the wait itself runs in its
// own goroutine so other calls keep flowing.
func (p *Proxy) block(ctx context.Context, msg *jsonrpc.Message, tc jsonrpc.ToolCall, step *store.Step, v policy.Verdict) {
	log := logger.FromContext(ctx)

	argsCapped, _ := caps.JSON(tc.Arguments, p.capLimits())
	req := &store.PendingRequest{
		SessionID:      step.SessionID,
		ToolName:       tc.Name,
		RequestID:      msg.Key(),
		Arguments:      store.JSON(argsCapped),
		Classification: string(v.Classification),
		RiskLevel:      string(v.RiskLevel),
		Reason:         v.Reason,
	}
	blocker := *step
	blocker.Summary = ""
	blocker.Decision = ""

	opened, err := p.gate.Open(ctx, req, &blocker)
	if err != nil {
		p.replyStoreFailure(ctx, msg, err)
		return
	}
	log.Warn("Tool call blocked pending approval",
		"tool", tc.Name,
		"pending_id", opened.ID,
		"reason", v.Reason,
		"rules", v.RuleIDs)

	p.waits.Add(1)
	concurrency.SafeGo("approval-"+opened.ID, func() {
		defer p.waits.Done()
		p.awaitDecision(ctx, msg, tc, step, &blocker, opened, v)
	}, func(interface{}) {
		p.replyError(msg.ID, mantoraErrors.CodeInternalError, "approval wait failed", nil)
	})
}

func (p *Proxy) awaitDecision(ctx context.Context, msg *jsonrpc.Message, tc jsonrpc.ToolCall, step, blocker *store.Step, req *store.PendingRequest, v policy.Verdict) {
	log := logger.FromContext(ctx)

	out, err := p.gate.Wait(ctx, req.ID)
	if err != nil {
		log.Error("Approval wait failed", "pending_id", req.ID, "error", err)
		p.replyError(msg.ID, mantoraErrors.RPCCode(err), "approval wait failed: "+err.Error(), nil)
		return
	}

	if !out.Allowed() {
		log.Info("Blocked call refused", "pending_id", req.ID, "status", out.Status)
		p.replyError(msg.ID, mantoraErrors.CodePolicyBlocked, approval.DenialMessage(out.Status, v.Reason), map[string]any{
			"pending_id": req.ID,
			"status":     out.Status,
			"reason":     v.Reason,
			"rule_ids":   v.RuleIDs,
		})
		return
	}

	if p.isDead() {
		p.replyError(msg.ID, mantoraErrors.CodeTargetExited, "target exited before the approved call could be forwarded", nil)
		return
	}

	// The approved call is recorded and forwarded from the arguments
	// captured when it was blocked.
	wctx := context.WithoutCancel(ctx)
	allowed := *step
	allowed.ID = ""
	allowed.Seq = 0
	allowed.CreatedAt = time.Time{}
	allowed.ParentID = blocker.ID
	allowed.PendingID = req.ID
	allowed.Decision = string(store.PendingAllowed)
	if err := p.store.AppendStep(wctx, &allowed); err != nil {
		p.replyStoreFailure(wctx, msg, err)
		return
	}
	log.Info("Approved call forwarded", "pending_id", req.ID, "tool", tc.Name)

	category := connector.Category(step.ToolCategory)
	sql, _ := p.connector.ExtractSQL(tc.Name, tc.Args(), nil)
	p.forward(wctx, msg, &call{
		id:       msg.ID,
		method:   msg.Method,
		tool:     tc.Name,
		category: category,
		args:     tc.Args(),
		sql:      sql,
		stepID:   allowed.ID,
		session:  step.SessionID,
		started:  time.Now(),
	})
}

// forward relays msg to the target byte for byte and tracks it for
// correlation with the response.
func (p *Proxy) forward(ctx context.Context, msg *jsonrpc.Message, c *call) {
	key := jsonrpc.IDKey(c.id)
	p.mu.Lock()
	if _, dup := p.calls[key]; dup {
		logger.FromContext(ctx).Warn("Duplicate in-flight request id", "id", key)
	}
	p.mu.Unlock()

	p.track(c)
	if err := p.toTarget.write(msg.Raw); err != nil {
		p.untrack(key)
		logger.FromContext(ctx).Error("Failed to forward to target", "error", err)
		p.replyError(msg.ID, mantoraErrors.CodeTargetExited, "failed to reach target: "+err.Error(), nil)
	}
}

func (p *Proxy) replyError(id json.RawMessage, code int, message string, data interface{}) {
	if err := p.toAgent.send(jsonrpc.NewErrorResponse(id, code, message, data)); err != nil {
		logger.FromContext(context.Background()).Warn("Failed to write error response to agent", "error", err)
	}
}

func (p *Proxy) replyStoreFailure(ctx context.Context, msg *jsonrpc.Message, err error) {
	logger.FromContext(ctx).Error("Store write failed; call not forwarded", "error", err)
	p.replyError(msg.ID, mantoraErrors.CodeStoreFailure, "failed to record tool call: "+err.Error(), nil)
}

func (p *Proxy) reply(id json.RawMessage, result interface{}) error {
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		return err
	}
	return p.toAgent.send(resp)
}
