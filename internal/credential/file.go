package credential

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// File reads the token from a mounted secret file. With watching enabled the
// content is held in memory and re-read after the file changes.
type File struct {
	path string

	mu         sync.RWMutex
	token      string
	loaded     bool
	generation uint64

	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	closeOnce sync.Once
}

func NewFile(path string, watch bool) (*File, error) {
	f := &File{path: path, stopCh: make(chan struct{})}
	if !watch {
		return f, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// watch the directory so atomic replaces (rename over) are seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	f.watcher = watcher
	go f.watchLoop()

	slog.Info("credential file watched", "path", path)
	return f, nil
}

func (f *File) Name() string { return "file:" + f.path }

func (f *File) Acquire(ctx context.Context) (Credential, error) {
	var gen uint64
	if f.watcher != nil {
		f.mu.RLock()
		token, loaded := f.token, f.loaded
		gen = f.generation
		f.mu.RUnlock()
		if loaded {
			return Credential{Token: token}, nil
		}
	}

	token, err := f.read()
	if err != nil {
		return Credential{}, err
	}
	if f.watcher != nil {
		f.mu.Lock()
		// a change seen while reading means the content may already be stale
		if f.generation == gen {
			f.token, f.loaded = token, true
		}
		f.mu.Unlock()
	}
	return Credential{Token: token}, nil
}

func (f *File) read() (string, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("credential file not found: %s: %w", f.path, ErrNoCredential)
		}
		return "", fmt.Errorf("failed to stat credential file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("credential path is not a regular file: %s", f.path)
	}
	mode := info.Mode().Perm()
	if mode != 0600 && mode != 0400 {
		return "", fmt.Errorf("insecure permissions on %s: %o (expected 0600 or 0400)", f.path, mode)
	}

	// #nosec G304 - path comes from operator configuration
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("credential file %s is empty: %w", f.path, ErrNoCredential)
	}
	return token, nil
}

// Invalidate forces the next Acquire to re-read the file.
func (f *File) Invalidate() {
	f.mu.Lock()
	f.token, f.loaded = "", false
	f.generation++
	f.mu.Unlock()
}

// Close stops the watcher. It is safe to call more than once.
func (f *File) Close() error {
	if f.watcher == nil {
		return nil
	}
	var err error
	f.closeOnce.Do(func() {
		close(f.stopCh)
		err = f.watcher.Close()
	})
	return err
}

func (f *File) watchLoop() {
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				slog.Debug("credential file changed", "path", f.path, "op", ev.Op.String())
				f.Invalidate()
			}

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("credential file watcher error", "path", f.path, "error", err)

		case <-f.stopCh:
			return
		}
	}
}
