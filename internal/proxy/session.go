package proxy

import (
	"context"
	"time"

	mantoraErrors "github.com/mantora/mantora/internal/errors"
	"github.com/mantora/mantora/internal/logger"
	"github.com/mantora/mantora/internal/store"
)

// ensureSession returns the session new steps belong to, creating one
// when there is none, when the current one was deleted or ended from
// outside, or after the idle timeout.
func (p *Proxy) ensureSession(ctx context.Context) (string, error) {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()

	now := time.Now()
	if p.sessionID != "" {
		switch {
		case p.defaults.IdleTimeout > 0 && now.Sub(p.lastActivity) > p.defaults.IdleTimeout:
			logger.FromContext(ctx).Info("Session idle, rolling over", "session_id", p.sessionID, "idle", now.Sub(p.lastActivity).Round(time.Second))
			p.closeSessionLocked(ctx)
		default:
			sess, err := p.store.GetSession(ctx, p.sessionID)
			switch {
			case mantoraErrors.IsCategory(err, mantoraErrors.ErrNotFound):
				logger.FromContext(ctx).Info("Current session was deleted, starting a new one", "session_id", p.sessionID)
				p.sessionID = ""
			case err != nil:
				return "", err
			case sess.Ended():
				p.sessionID = ""
			}
		}
	}

	if p.sessionID == "" {
		sess, err := p.createSessionLocked(ctx, p.defaults.Title, p.defaults.Tag, p.defaults.RepoRoot)
		if err != nil {
			return "", err
		}
		p.sessionID = sess.ID
	}
	p.lastActivity = now
	return p.sessionID, nil
}

func (p *Proxy) createSessionLocked(ctx context.Context, title, tag, repoRoot string) (*store.Session, error) {
	if title == "" {
		title = "Session " + time.Now().Format("2006-01-02 15:04")
	}
	sess, err := p.store.CreateSession(ctx, store.Session{
		Title:        title,
		Tag:          tag,
		RepoRoot:     repoRoot,
		Branch:       p.defaults.Branch,
		Commit:       p.defaults.Commit,
		ConfigSource: p.defaults.ConfigSource,
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("Session started", "session_id", sess.ID, "title", sess.Title)
	return sess, nil
}

// closeSessionLocked ends the current session and times out its open
// approvals. Callers hold sessMu.
func (p *Proxy) closeSessionLocked(ctx context.Context) {
	id := p.sessionID
	if id == "" {
		return
	}
	p.sessionID = ""
	if p.gate != nil {
		if _, err := p.gate.CancelSession(ctx, id); err != nil {
			logger.FromContext(ctx).Warn("Failed to cancel pending requests", "session_id", id, "error", err)
		}
	}
	if err := p.store.EndSession(ctx, id); err != nil && !mantoraErrors.IsCategory(err, mantoraErrors.ErrNotFound) {
		logger.FromContext(ctx).Warn("Failed to end session", "session_id", id, "error", err)
	}
}

// startSession ends the current session and switches to a new one.
func (p *Proxy) startSession(ctx context.Context, title, tag, repoRoot string) (*store.Session, error) {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()

	p.closeSessionLocked(ctx)
	if tag == "" {
		tag = p.defaults.Tag
	}
	if repoRoot == "" {
		repoRoot = p.defaults.RepoRoot
	}
	sess, err := p.createSessionLocked(ctx, title, tag, repoRoot)
	if err != nil {
		return nil, err
	}
	p.sessionID = sess.ID
	p.lastActivity = time.Now()
	return sess, nil
}

// endSession closes the current session; the next call opens a new one.
func (p *Proxy) endSession(ctx context.Context) string {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()
	id := p.sessionID
	p.closeSessionLocked(ctx)
	return id
}

func (p *Proxy) currentSession() string {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()
	return p.sessionID
}

// SessionID reports the active session, empty before the first call.
func (p *Proxy) SessionID() string {
	return p.currentSession()
}

// appendNote records a note step on the current session, if any.
func (p *Proxy) appendNote(ctx context.Context, status store.StepStatus, summary, detail string) {
	id := p.currentSession()
	if id == "" {
		return
	}
	step := &store.Step{
		SessionID:    id,
		Kind:         store.KindNote,
		Name:         "mantora",
		Status:       status,
		Summary:      summary,
		ErrorMessage: detail,
		TargetType:   p.connector.TargetType(),
	}
	if err := p.store.AppendStep(ctx, step); err != nil {
		logger.FromContext(ctx).Warn("Failed to record note", "summary", summary, "error", err)
	}
}
