// Package retention prunes old sessions on a schedule. Runs from every
// process share one file lock so two proxies never prune at once.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mantora/mantora/internal/config"
	"github.com/mantora/mantora/internal/store"

	"github.com/robfig/cron/v3"
)

// Pruner is the store operation the janitor drives.
type Pruner interface {
	Prune(ctx context.Context, retentionDays int, maxBytes int64) (store.PruneResult, error)
	Path() string
}

type Options struct {
	RetentionDays int
	MaxDBBytes    int64
	Schedule      string
	// LockTimeout is how long a run waits for another process's prune.
	LockTimeout time.Duration
	// RunTimeout bounds one prune pass.
	RunTimeout time.Duration
}

// OptionsFrom reads the retention settings from a loaded config.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		RetentionDays: cfg.Limits.RetentionDays,
		MaxDBBytes:    cfg.Limits.MaxDBBytes,
		Schedule:      cfg.Retention.Schedule,
	}
}

type Janitor struct {
	store Pruner
	opts  Options

	mu   sync.Mutex
	cron *cron.Cron
}

func NewJanitor(p Pruner, opts Options) *Janitor {
	if opts.Schedule == "" {
		opts.Schedule = config.DefaultRetentionSchedule
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	return &Janitor{store: p, opts: opts}
}

// RunOnce performs one prune pass under the prune lock. When another
// process is pruning it returns ErrLocked without touching the store.
func (j *Janitor) RunOnce(ctx context.Context) (store.PruneResult, error) {
	if j.opts.RetentionDays <= 0 && j.opts.MaxDBBytes <= 0 {
		return store.PruneResult{}, nil
	}

	lock, err := AcquireLock(ctx, LockPath(j.store.Path()), LockConfig{Timeout: j.opts.LockTimeout})
	if err != nil {
		return store.PruneResult{}, err
	}
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, j.opts.RunTimeout)
	defer cancel()

	start := time.Now()
	res, err := j.store.Prune(ctx, j.opts.RetentionDays, j.opts.MaxDBBytes)
	if err != nil {
		return res, fmt.Errorf("prune: %w", err)
	}
	if res.Total() > 0 {
		slog.Debug("Retention pass removed sessions",
			"by_age", res.ByAge,
			"by_size", res.BySize,
			"took", time.Since(start).Round(time.Millisecond))
	} else {
		slog.Debug("Retention pass found nothing to remove")
	}
	return res, nil
}

// Start schedules RunOnce. Overlapping runs are skipped.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return nil
	}

	logger := cronLogger{}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	_, err := c.AddFunc(j.opts.Schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrLocked) {
				slog.Debug("Retention pass skipped; another process is pruning")
				return
			}
			slog.Warn("Retention pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", j.opts.Schedule, err)
	}
	c.Start()
	j.cron = c
	slog.Debug("Retention janitor started", "schedule", j.opts.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running pass.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
