package settings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"pkt.systems/assetlock/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	defaultLockTimeout = 5 * time.Second
	lockRetryDelay     = 25 * time.Millisecond
	filePerm           = 0o600
)

// FileOption customises a File store.
type FileOption func(*File)

// WithLogger sets the logger used for reloads and writes.
func WithLogger(logger pslog.Logger) FileOption {
	return func(f *File) {
		f.logger = svcfields.WithSubsystem(logger, svcfields.Settings)
	}
}

// WithLockTimeout bounds how long a write waits for the cross-process lock.
func WithLockTimeout(d time.Duration) FileOption {
	return func(f *File) {
		if d > 0 {
			f.lockTimeout = d
		}
	}
}

// File is a Store backed by a YAML document. Writes take an exclusive
// advisory lock on a sibling ".lock" file, merge with the document on disk
// and replace it atomically, so several processes can share one file.
type File struct {
	path        string
	lock        *flock.Flock
	lockTimeout time.Duration
	logger      pslog.Logger

	// ioMu keeps one Flock holder per File; the flock handle is not reentrant.
	ioMu sync.Mutex

	mu     sync.RWMutex
	values map[string]string
}

// OpenFile loads path, creating its directory when missing. A missing file is
// an empty store.
func OpenFile(path string, opts ...FileOption) (*File, error) {
	if path == "" {
		return nil, errors.New("settings: path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("settings: resolve %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("settings: prepare directory: %w", err)
	}
	f := &File{
		path:        abs,
		lock:        flock.New(abs + ".lock"),
		lockTimeout: defaultLockTimeout,
		logger:      svcfields.WithSubsystem(nil, svcfields.Settings),
		values:      map[string]string{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the absolute document path.
func (f *File) Path() string {
	return f.path
}

// Get implements Store.
func (f *File) Get(key string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.values[key], nil
}

// Set implements Store. An empty value deletes the key.
func (f *File) Set(key, value string) error {
	return f.SetMany(map[string]string{key: value})
}

// SetMany applies every update in one locked read-modify-write.
func (f *File) SetMany(updates map[string]string) error {
	if len(updates) == 0 {
		return nil
	}
	f.ioMu.Lock()
	defer f.ioMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), f.lockTimeout)
	defer cancel()
	locked, err := f.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("settings: lock %s: %w", f.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("settings: lock %s: timed out", f.lock.Path())
	}
	defer func() {
		if err := f.lock.Unlock(); err != nil {
			f.logger.Warn("settings.unlock_failed", "path", f.lock.Path(), "error", err)
		}
	}()

	current, err := readDocument(f.path)
	if err != nil {
		return err
	}
	for k, v := range updates {
		if v == "" {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	data, err := yaml.Marshal(current)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("settings: write %s: %w", f.path, err)
	}
	if err := os.Chmod(f.path, filePerm); err != nil {
		return fmt.Errorf("settings: chmod %s: %w", f.path, err)
	}

	f.mu.Lock()
	f.values = current
	f.mu.Unlock()
	f.logger.Debug("settings.write", "path", f.path, "keys", sortedKeys(updates))
	return nil
}

// Reload re-reads the document under a shared lock.
func (f *File) Reload() error {
	f.ioMu.Lock()
	defer f.ioMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), f.lockTimeout)
	defer cancel()
	locked, err := f.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("settings: read lock %s: %w", f.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("settings: read lock %s: timed out", f.lock.Path())
	}
	values, err := readDocument(f.path)
	if uerr := f.lock.Unlock(); uerr != nil {
		f.logger.Warn("settings.unlock_failed", "path", f.lock.Path(), "error", uerr)
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.values = values
	f.mu.Unlock()
	return nil
}

// Keys returns the stored keys in order.
func (f *File) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.values)
}

// Watch reloads the document whenever another writer replaces it and calls
// onChange after each successful reload. It blocks until ctx is done.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: create watcher: %w", err)
	}
	defer watcher.Close()
	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("settings: watch %q: %w", dir, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := f.Reload(); err != nil {
				f.logger.Warn("settings.reload_failed", "path", f.path, "error", err)
				continue
			}
			f.logger.Debug("settings.reloaded", "path", f.path)
			if onChange != nil {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("settings.watch_error", "path", f.path, "error", err)
		}
	}
}

func readDocument(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	values := map[string]string{}
	if len(bytes.TrimSpace(data)) == 0 {
		return values, nil
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("settings: decode %s: %w", path, err)
	}
	if values == nil {
		values = map[string]string{}
	}
	return values, nil
}
