package proxy

import (
	"context"
	"fmt"
	"time"

	mantoraErrors "github.com/mantora/mantora/internal/errors"
	"github.com/mantora/mantora/internal/jsonrpc"
	"github.com/mantora/mantora/internal/logger"
	"github.com/mantora/mantora/internal/metrics"
	"github.com/mantora/mantora/internal/sqlguard"
	"github.com/mantora/mantora/internal/store"
)

func (p *Proxy) handleOutbound(ctx context.Context, line []byte) {
	metrics.RecordMessage(metrics.Outbound)

	msg, err := jsonrpc.Parse(line)
	if err != nil {
		logger.FromContext(ctx).Warn("Dropped malformed target message", "error", err)
		p.appendNote(ctx, store.StatusError, "Malformed message from target", err.Error())
		p.replyError(nil, mantoraErrors.CodeParseError, "target sent an invalid message: "+err.Error(), nil)
		return
	}

	if msg.Type() != jsonrpc.TypeResponse {
		p.relay(ctx, msg.Raw)
		return
	}

	c, ok := p.untrack(msg.Key())
	if !ok {
		p.relay(ctx, msg.Raw)
		return
	}

	switch c.method {
	case jsonrpc.MethodToolsList:
		if msg.Error != nil {
			p.relay(ctx, msg.Raw)
			return
		}
		augmented, err := jsonrpc.AppendTools(msg.Raw, observerTools)
		if err != nil {
			logger.FromContext(ctx).Warn("Failed to advertise observer tools", "error", err)
			augmented = msg.Raw
		}
		p.relay(ctx, augmented)
	case jsonrpc.MethodToolsCall:
		p.recordResult(ctx, c, msg)
		p.relay(ctx, msg.Raw)
	default:
		p.relay(ctx, msg.Raw)
	}
}

func (p *Proxy) relay(ctx context.Context, raw []byte) {
	if err := p.toAgent.write(raw); err != nil {
		logger.FromContext(ctx).Warn("Failed to relay message to agent", "error", err)
	}
}

// recordResult appends the tool_result step for a completed call.
// Failures are logged; the response is relayed either way since the call
// itself was recorded before it was forwarded.
func (p *Proxy) recordResult(ctx context.Context, c *call, msg *jsonrpc.Message) {
	ctx = logger.WithSessionID(ctx, c.session)
	ctx = logger.WithRequestID(ctx, jsonrpc.IDKey(c.id))

	info := inspectResult(msg, p.limits)
	duration := time.Since(c.started).Milliseconds()

	sql := c.sql
	if sql == "" && msg.Error == nil {
		sql, _ = p.connector.ExtractSQL(c.tool, c.args, msg.Result)
	}

	step := &store.Step{
		SessionID:        c.session,
		Kind:             store.KindToolResult,
		Name:             c.tool,
		Status:           info.status,
		RequestID:        jsonrpc.IDKey(c.id),
		ParentID:         c.stepID,
		DurationMS:       &duration,
		Summary:          resultSummary(c.tool, info),
		Warnings:         store.Strings(info.warnings),
		TargetType:       p.connector.TargetType(),
		ToolCategory:     string(c.category),
		ResultRowsShown:  info.rowsShown,
		ResultRowsTotal:  info.rowsTotal,
		CapturedBytes:    info.capturedBytes,
		PreviewText:      info.preview,
		PreviewTruncated: info.previewTruncated,
		ErrorMessage:     info.errorMessage,
		Result:           info.result,
	}
	if sql != "" {
		step.SQL, step.SQLTruncated = capSQL(sql)
		step.SQLClassification = string(sqlguard.Classify(sql).Classification)
		step.TablesTouched = sqlguard.TablesTouched(sql)
	}

	if err := p.store.AppendStep(ctx, step); err != nil {
		logger.FromContext(ctx).Error("Failed to record tool result", "tool", c.tool, "error", err)
		return
	}
	if info.status == store.StatusError {
		logger.FromContext(ctx).Info("Tool call failed", "tool", c.tool, "error_message", info.errorMessage)
	}
}

func resultSummary(tool string, info resultInfo) string {
	switch {
	case info.status == store.StatusError:
		return fmt.Sprintf("%s failed: %s", tool, firstLine(info.errorMessage))
	case info.rowsTotal != nil:
		return fmt.Sprintf("%s returned %d rows", tool, *info.rowsTotal)
	default:
		return tool + " completed"
	}
}

// targetExited handles the target's stdout closing. Unless the agent
// hung up first, this is a failure: open approvals are timed out, an
// error note is recorded, and every unanswered call gets an error.
func (p *Proxy) targetExited(ctx context.Context, cause error) {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return
	}
	p.dead = true
	p.exitErr = cause
	closing := p.closing
	outstanding := make([]*call, 0, len(p.calls))
	for key, c := range p.calls {
		outstanding = append(outstanding, c)
		delete(p.calls, key)
	}
	p.mu.Unlock()

	if closing && len(outstanding) == 0 {
		logger.FromContext(ctx).Debug("Target exited after agent disconnect")
		return
	}

	detail := "target closed its output"
	if cause != nil {
		detail = cause.Error()
	}
	logger.FromContext(ctx).Error("Target exited", "outstanding_calls", len(outstanding), "detail", detail)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if id, err := p.ensureSession(wctx); err == nil {
		if p.gate != nil {
			if _, err := p.gate.CancelSession(wctx, id); err != nil {
				logger.FromContext(ctx).Warn("Failed to cancel pending requests", "session_id", id, "error", err)
			}
		}
		p.appendNote(wctx, store.StatusError, "Target exited", fmt.Sprintf("%s (%d calls unanswered)", detail, len(outstanding)))
	} else {
		logger.FromContext(ctx).Error("No session to record target exit", "error", err)
	}

	for _, c := range outstanding {
		p.replyError(c.id, mantoraErrors.CodeTargetExited, "target exited before responding", nil)
	}
}
