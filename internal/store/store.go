// Package store is the append-only session log backed by a local sqlite
// file. All writes go through one writer goroutine; reads use the pool
// directly and may run concurrently with it.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/mantora/mantora/internal/config"
	mantoraErrors "github.com/mantora/mantora/internal/errors"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

type Operation int

const (
	OpCreateSession Operation = iota
	OpUpdateSession
	OpDeleteSession
	OpAppendStep
	OpCreatePending
	OpResolvePending
	OpAddCast
	OpPrune
	OpVacuum
)

func (o Operation) String() string {
	switch o {
	case OpCreateSession:
		return "create_session"
	case OpUpdateSession:
		return "update_session"
	case OpDeleteSession:
		return "delete_session"
	case OpAppendStep:
		return "append_step"
	case OpCreatePending:
		return "create_pending"
	case OpResolvePending:
		return "resolve_pending"
	case OpAddCast:
		return "add_cast"
	case OpPrune:
		return "prune"
	case OpVacuum:
		return "vacuum"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// txFunc runs inside the writer's transaction and returns the events to
// publish once it commits.
type txFunc func(ctx context.Context, tx *sqlx.Tx) ([]Event, error)

type Request struct {
	Op     Operation
	Fn     txFunc
	Result chan error
}

var ErrClosed = errors.New("store closed")

type RuntimeConfig struct {
	WriteTimeout  time.Duration
	InboxSize     int
	AppendRetries int
	AppendBackoff time.Duration
}

// RuntimeConfigFrom extracts the store settings from a loaded config.
func RuntimeConfigFrom(cfg *config.Config) RuntimeConfig {
	return RuntimeConfig{
		WriteTimeout:  cfg.StorageWriteTimeout(),
		InboxSize:     cfg.Storage.InboxSize,
		AppendRetries: cfg.Storage.AppendRetries,
		AppendBackoff: cfg.StorageAppendBackoff(),
	}
}

type Store struct {
	path    string
	db      *sqlx.DB
	inbox   chan Request
	quit    chan struct{}
	wg      sync.WaitGroup
	running stdatomic.Bool
	once    sync.Once
	feed    *feed
	mapper  *mantoraErrors.DefaultErrorMapper

	writeTimeout  time.Duration
	appendRetries int
	appendBackoff time.Duration
}

// DSN builds the modernc connection string for path.
func DSN(path string) string {
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
}

// Open opens (creating if needed) the database at path, applies pending
// migrations and starts the writer.
func Open(ctx context.Context, path string, runtimeCfg RuntimeConfig) (*Store, error) {
	if path == "" {
		return nil, mantoraErrors.InvalidInput("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dir %s: %w", filepath.Dir(path), err)
	}

	if runtimeCfg.WriteTimeout <= 0 {
		d, err := config.DurationOrDefault("", config.DefaultStorageWriteTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse default write timeout: %w", err)
		}
		runtimeCfg.WriteTimeout = d
	}
	if runtimeCfg.InboxSize <= 0 {
		runtimeCfg.InboxSize = config.DefaultStorageInboxSize
	}
	if runtimeCfg.AppendRetries <= 0 {
		runtimeCfg.AppendRetries = config.DefaultStorageAppendRetries
	}
	if runtimeCfg.AppendBackoff <= 0 {
		d, err := config.DurationOrDefault("", config.DefaultStorageAppendBackoff)
		if err != nil {
			return nil, fmt.Errorf("parse default append backoff: %w", err)
		}
		runtimeCfg.AppendBackoff = d
	}

	db, err := sqlx.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &Store{
		path:          path,
		db:            db,
		inbox:         make(chan Request, runtimeCfg.InboxSize),
		quit:          make(chan struct{}),
		feed:          newFeed(),
		mapper:        mantoraErrors.NewDefaultErrorMapper(),
		writeTimeout:  runtimeCfg.WriteTimeout,
		appendRetries: runtimeCfg.AppendRetries,
		appendBackoff: runtimeCfg.AppendBackoff,
	}

	s.wg.Add(1)
	go s.loop()

	slog.Debug("Store opened", "path", path, "schema_version", SchemaVersion())
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) IsRunning() bool {
	return s.running.Load()
}

func (s *Store) loop() {
	s.running.Store(true)
	defer func() {
		s.running.Store(false)
		s.wg.Done()
	}()

	for {
		select {
		case req := <-s.inbox:
			err := s.handle(req)
			if req.Result != nil {
				req.Result <- err
			}
		case <-s.quit:
			for {
				select {
				case req := <-s.inbox:
					err := s.handle(req)
					if req.Result != nil {
						req.Result <- err
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Store) handle(req Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if req.Op == OpVacuum {
		_, err := s.db.ExecContext(ctx, "VACUUM")
		return s.mapper.MapError(err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.mapper.MapError(err)
	}

	events, err := req.Fn(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		return s.mapper.MapError(err)
	}
	if err := tx.Commit(); err != nil {
		return s.mapper.MapError(err)
	}

	for _, ev := range events {
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		s.feed.publish(ev)
	}
	return nil
}

// submit hands fn to the writer and waits for the outcome. The wait is
// bounded by the write timeout; exceeding it reports ErrStoreStuck.
func (s *Store) submit(ctx context.Context, op Operation, fn txFunc) error {
	if !s.running.Load() {
		return ErrClosed
	}

	timer := time.NewTimer(s.writeTimeout)
	defer timer.Stop()

	res := make(chan error, 1)
	select {
	case s.inbox <- Request{Op: op, Fn: fn, Result: res}:
	case <-timer.C:
		return fmt.Errorf("%s: inbox full after %s: %w", op, s.writeTimeout, mantoraErrors.ErrStoreStuck)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}

	select {
	case err := <-res:
		return err
	case <-timer.C:
		return fmt.Errorf("%s: no result after %s: %w", op, s.writeTimeout, mantoraErrors.ErrStoreStuck)
	}
}

// Close stops the writer and closes the database. Queued writes that were
// already accepted finish first.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		s.wg.Wait()
		s.feed.closeAll()
		err = s.db.Close()
	})
	return err
}

func now() time.Time {
	return time.Now().UTC()
}
