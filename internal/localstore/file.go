package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Change describes one key changed by another writer.
type Change struct {
	Key     string
	Value   string
	Deleted bool
}

// FileStore keeps every key in a single JSON object file. Each operation
// re-reads the file so several processes sharing it see each other's writes;
// writes replace the file atomically.
type FileStore struct {
	path string
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

func WithFileLogger(l *zap.Logger) FileOption {
	return func(s *FileStore) { s.log = l.Named("localstore") }
}

// OpenFile opens the store at path, creating its directory if needed. The
// file itself is created on first write.
func OpenFile(path string, opts ...FileOption) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &FileStore{path: path, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	data, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := data[key]
	return v, ok, nil
}

func (s *FileStore) Set(key, value string) error {
	return s.update(func(data map[string]string) { data[key] = value })
}

func (s *FileStore) Delete(key string) error {
	return s.update(func(data map[string]string) { delete(data, key) })
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *FileStore) update(fn func(map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	data, err := s.load()
	if err != nil {
		return err
	}
	fn(data)
	return s.write(data)
}

func (s *FileStore) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	data := map[string]string{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode store %s: %w", s.path, err)
	}
	return data, nil
}

func (s *FileStore) write(data map[string]string) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".livechat-*.tmp")
	if err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	return nil
}

// Watch reports keys changed in the file by any writer, including this
// process, until ctx is done. It blocks; run it in its own goroutine.
func (s *FileStore) Watch(ctx context.Context, fn func(Change)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: atomic renames replace the file's inode.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch store dir: %w", err)
	}

	s.mu.Lock()
	last, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s.mu.Lock()
			next, err := s.load()
			s.mu.Unlock()
			if err != nil {
				// Half-written by a non-atomic writer; the next event will retry.
				s.log.Warn("store_reload_failed", zap.String("path", s.path), zap.Error(err))
				continue
			}
			for _, c := range diff(last, next) {
				fn(c)
			}
			last = next
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("store_watch_error", zap.Error(err))
		}
	}
}

func diff(before, after map[string]string) []Change {
	var out []Change
	for k, v := range after {
		if old, ok := before[k]; !ok || old != v {
			out = append(out, Change{Key: k, Value: v})
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			out = append(out, Change{Key: k, Deleted: true})
		}
	}
	return out
}
