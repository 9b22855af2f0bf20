package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"tasklist/domain"
)

const defaultLockRetry = 10 * time.Millisecond

// ErrCorrupted is returned in strict mode when the backing file is not a valid task collection.
var ErrCorrupted = errors.New("task store corrupted")

// Options tunes a Storage instance.
type Options struct {
	// Strict surfaces ErrCorrupted instead of treating an unreadable file as empty.
	Strict bool
	// LockRetry is the polling interval while waiting for the file lock.
	LockRetry time.Duration
	Logger    *log.Logger
	Metrics   *Metrics
}

// Storage keeps the task collection in a single JSON file.
//
// Every Load re-reads the file. Writers are serialised by a process mutex and
// an exclusive lock on "<path>.lock", and each write replaces the file through
// a rename so readers never see a partial array.
type Storage struct {
	path      string
	strict    bool
	lockRetry time.Duration
	logger    *log.Logger
	metrics   *Metrics

	mu  sync.Mutex
	flk *flock.Flock
}

// New creates a Storage backed by the file at path. The file itself is created
// lazily by the first Load.
func New(path string, opts Options) (*Storage, error) {
	if path == "" {
		return nil, errors.New("storage: empty path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}
	if opts.LockRetry <= 0 {
		opts.LockRetry = defaultLockRetry
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Storage{
		path:      path,
		strict:    opts.Strict,
		lockRetry: opts.LockRetry,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		flk:       flock.New(path + ".lock"),
	}, nil
}

// Path returns the backing file location.
func (s *Storage) Path() string { return s.path }

// Load returns the full task collection, seeding the file when it is missing or empty.
func (s *Storage) Load(ctx context.Context) (tasks []domain.Task, err error) {
	defer s.metrics.observe("load", time.Now(), &err)
	err = s.withLock(ctx, func() error {
		tasks, err = s.load()
		return err
	})
	return tasks, err
}

// Save sorts tasks by id and replaces the backing file with them.
func (s *Storage) Save(ctx context.Context, tasks []domain.Task) (err error) {
	defer s.metrics.observe("save", time.Now(), &err)
	return s.withLock(ctx, func() error {
		return s.save(tasks)
	})
}

// Update runs a full read-modify-write cycle while holding the store lock.
// fn receives the current collection and returns the one to persist; an error
// from fn aborts the cycle without writing.
func (s *Storage) Update(ctx context.Context, fn func([]domain.Task) ([]domain.Task, error)) (saved []domain.Task, err error) {
	defer s.metrics.observe("update", time.Now(), &err)
	err = s.withLock(ctx, func() error {
		current, err := s.load()
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		saved = sortedCopy(next)
		return s.write(saved)
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Storage) withLock(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.flk.TryLockContext(ctx, s.lockRetry)
	if err != nil {
		return fmt.Errorf("lock task file: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock task file: %s busy", s.flk.Path())
	}
	defer func() {
		if uerr := s.flk.Unlock(); uerr != nil {
			s.logger.WithError(uerr).WithField("path", s.path).Error("unlock task file")
		}
	}()
	return fn()
}

func (s *Storage) load() ([]domain.Task, error) {
	info, err := os.Stat(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat task file: %w", err)
	}
	if err != nil || info.Size() == 0 {
		seed := domain.Seed()
		if err := s.save(seed); err != nil {
			return nil, err
		}
		s.logger.WithField("path", s.path).Info("seeded task file")
		return seed, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	tasks, err := decodeTasks(data)
	if err != nil {
		if s.strict {
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		s.quarantine(data, err)
		return []domain.Task{}, nil
	}
	return tasks, nil
}

// quarantine keeps a copy of an unreadable file so the next save does not
// destroy the only copy of its contents.
func (s *Storage) quarantine(data []byte, cause error) {
	backup := s.path + ".corrupt"
	entry := s.logger.WithError(cause).WithFields(log.Fields{"path": s.path, "backup": backup})
	var se *schemaError
	if errors.As(cause, &se) {
		entry = entry.WithField("location", se.location)
	}
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		entry.WithField("backup_error", err.Error()).Warn("task file unreadable, treating as empty")
		return
	}
	entry.Warn("task file unreadable, treating as empty")
}

func (s *Storage) save(tasks []domain.Task) error {
	return s.write(sortedCopy(tasks))
}

func (s *Storage) write(tasks []domain.Task) error {
	data, err := encodeTasks(tasks)
	if err != nil {
		return err
	}

	dir, base := filepath.Split(s.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, base+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp task file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write task file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync task file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close task file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod task file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace task file: %w", err)
	}
	return nil
}

func sortedCopy(tasks []domain.Task) []domain.Task {
	out := slices.Clone(tasks)
	if out == nil {
		out = []domain.Task{}
	}
	domain.SortByID(out)
	return out
}
