// Package proxy sits between an agent and a database tool server, relaying
// newline-delimited JSON-RPC over stdio while recording every tool call and
// holding back the ones policy blocks until a human decides.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mantora/mantora/internal/approval"
	"github.com/mantora/mantora/internal/config"
	"github.com/mantora/mantora/internal/connector"
	"github.com/mantora/mantora/internal/jsonrpc"
	"github.com/mantora/mantora/internal/policy"
	"github.com/mantora/mantora/internal/store"

	"golang.org/x/sync/errgroup"
)

// Store is the part of the session store the proxy writes to.
type Store interface {
	CreateSession(ctx context.Context, sess store.Session) (*store.Session, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
	EndSession(ctx context.Context, id string) error
	AppendStep(ctx context.Context, step *store.Step) error
	AddCast(ctx context.Context, c *store.Cast) error
}

// SessionDefaults seed every session the proxy creates.
type SessionDefaults struct {
	Title        string
	Tag          string
	RepoRoot     string
	Branch       string
	Commit       string
	ConfigSource string
	// IdleTimeout rolls over to a new session after this much inactivity.
	// Zero disables rollover.
	IdleTimeout time.Duration
}

type Options struct {
	Store     Store
	Gate      *approval.Gate
	Policy    *policy.Engine
	Connector connector.Connector
	Limits    config.LimitsConfig
	Session   SessionDefaults
}

// call is an in-flight request forwarded to the target, keyed by its id.
type call struct {
	id       json.RawMessage
	method   string
	tool     string
	category connector.Category
	args     map[string]any
	sql      string
	stepID   string
	session  string
	started  time.Time
}

type Proxy struct {
	store     Store
	gate      *approval.Gate
	policy    *policy.Engine
	connector connector.Connector
	limits    config.LimitsConfig
	defaults  SessionDefaults

	toAgent  *lineWriter
	toTarget *lineWriter

	mu      sync.Mutex
	calls   map[string]*call
	dead    bool
	closing bool
	exitErr error

	sessMu       sync.Mutex
	sessionID    string
	lastActivity time.Time

	waits sync.WaitGroup
}

func New(opts Options) *Proxy {
	conn := opts.Connector
	if conn == nil {
		conn = connector.Generic()
	}
	return &Proxy{
		store:     opts.Store,
		gate:      opts.Gate,
		policy:    opts.Policy,
		connector: conn,
		limits:    opts.Limits,
		defaults:  opts.Session,
		calls:     make(map[string]*call),
	}
}

// lineWriter serializes whole frames onto one stream.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(append([]byte(nil), line...), '\n')
	}
	_, err := l.w.Write(line)
	return err
}

func (l *lineWriter) send(msg *jsonrpc.Message) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	return l.write(data)
}

// readLines feeds non-empty lines from r into the returned channel until
// r fails. The final error (io.EOF on a clean close) is sent on errc.
func readLines(r io.Reader) (<-chan []byte, <-chan error) {
	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		br := bufio.NewReaderSize(r, 64*1024)
		for {
			line, err := br.ReadBytes('\n')
			if len(line) > 0 {
				trimmed := trimNewline(line)
				if len(trimmed) > 0 {
					lines <- trimmed
				}
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()
	return lines, errc
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	return b
}

// Serve relays between the agent (agentIn/agentOut) and the target
// (targetIn/targetOut) until the agent closes its side or ctx ends.
// targetIn is closed when the agent is done so the target can exit.
func (p *Proxy) Serve(ctx context.Context, agentIn io.Reader, agentOut io.Writer, targetIn io.WriteCloser, targetOut io.Reader) error {
	p.toAgent = &lineWriter{w: agentOut}
	p.toTarget = &lineWriter{w: targetIn}

	g, gctx := errgroup.WithContext(ctx)

	targetDone := make(chan struct{})
	g.Go(func() error {
		defer close(targetDone)
		return p.outboundLoop(gctx, targetOut)
	})
	g.Go(func() error {
		defer targetIn.Close()
		return p.inboundLoop(gctx, agentIn)
	})

	err := g.Wait()
	p.shutdown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Proxy) inboundLoop(ctx context.Context, r io.Reader) error {
	lines, errc := readLines(r)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				err := <-errc
				p.mu.Lock()
				p.closing = true
				p.mu.Unlock()
				if errors.Is(err, io.EOF) {
					slog.Debug("Agent closed stdin")
					return nil
				}
				return err
			}
			p.handleInbound(ctx, line)
		}
	}
}

func (p *Proxy) outboundLoop(ctx context.Context, r io.Reader) error {
	lines, errc := readLines(r)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				err := <-errc
				if errors.Is(err, io.EOF) {
					err = nil
				}
				p.targetExited(ctx, err)
				return nil
			}
			p.handleOutbound(ctx, line)
		}
	}
}

// shutdown releases waits still parked on the gate and closes the
// current session.
func (p *Proxy) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.endSession(ctx)
	p.waits.Wait()
}

func (p *Proxy) track(c *call) {
	p.mu.Lock()
	p.calls[jsonrpc.IDKey(c.id)] = c
	p.mu.Unlock()
}

func (p *Proxy) untrack(key string) (*call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[key]
	if ok {
		delete(p.calls, key)
	}
	return c, ok
}

func (p *Proxy) isDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}
