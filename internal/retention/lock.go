package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the prune lock.
var ErrLocked = errors.New("prune lock held by another process")

type LockConfig struct {
	// Timeout bounds how long Acquire retries. Zero tries once.
	Timeout time.Duration
	Retry   time.Duration
}

// Lock is a cross-process advisory lock on a file next to the database.
type Lock struct {
	mu         sync.RWMutex
	fileLock   *flock.Flock
	path       string
	acquiredAt time.Time
}

// LockPath is the lock file used for a database at dbPath.
func LockPath(dbPath string) string {
	return dbPath + ".prune.lock"
}

// AcquireLock takes the lock at path, retrying until cfg.Timeout.
func AcquireLock(ctx context.Context, path string, cfg LockConfig) (*Lock, error) {
	if cfg.Retry <= 0 {
		cfg.Retry = 50 * time.Millisecond
	}
	fl := flock.New(path)

	var (
		locked bool
		err    error
	)
	if cfg.Timeout <= 0 {
		locked, err = fl.TryLock()
	} else {
		lctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		locked, err = fl.TryLockContext(lctx, cfg.Retry)
		cancel()
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to attempt lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrLocked
	}

	l := &Lock{fileLock: fl, path: path, acquiredAt: time.Now()}
	slog.Debug("Prune lock acquired", "path", path)
	return l, nil
}

func (l *Lock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLock == nil {
		return
	}
	if err := l.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release prune lock", "path", l.path, "error", err)
	} else {
		slog.Debug("Prune lock released", "path", l.path, "held_ms", time.Since(l.acquiredAt).Milliseconds())
	}
	l.fileLock = nil
}

func (l *Lock) IsLocked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fileLock != nil
}

func (l *Lock) HeldDuration() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.fileLock == nil {
		return 0
	}
	return time.Since(l.acquiredAt)
}
