package commentqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type fileSettingsState struct {
	ReplyMode string    `yaml:"reply_mode"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// FileSettingsStore keeps the reply mode in a small YAML file so operators can
// flip it without database access. Reads and writes take an advisory file
// lock; writes go through a temp file and rename.
type FileSettingsStore struct {
	path        string
	defaultMode ReplyMode

	mu     sync.Mutex
	cached ReplyMode
}

func NewFileSettingsStore(path string, opts Options) (*FileSettingsStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileSettingsStore{
		path:        path,
		defaultMode: opts.defaultMode(),
	}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSettingsStore) Path() string {
	return s.path
}

func (s *FileSettingsStore) GetReplyMode(context.Context) (ReplyMode, error) {
	return s.load()
}

func (s *FileSettingsStore) SetReplyMode(_ context.Context, mode string) (ReplyMode, error) {
	normalized := NormalizeReplyMode(mode)
	data, err := yaml.Marshal(fileSettingsState{
		ReplyMode: string(normalized),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return "", err
	}
	unlock, err := lockFile(s.lockPath(), true)
	if err != nil {
		return "", err
	}
	defer unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.cached = normalized
	s.mu.Unlock()
	return normalized, nil
}

// Watch calls onChange whenever the file's reply mode differs from the last
// value seen. It blocks until ctx is done.
func (s *FileSettingsStore) Watch(ctx context.Context, onChange func(ReplyMode)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	last := s.current()
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			mode, err := s.load()
			if err != nil {
				continue
			}
			if mode != last {
				last = mode
				if onChange != nil {
					onChange(mode)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				return fmt.Errorf("settings watcher: %w", err)
			}
		}
	}
}

func (s *FileSettingsStore) current() ReplyMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == "" {
		return s.defaultMode
	}
	return s.cached
}

func (s *FileSettingsStore) lockPath() string {
	return s.path + ".lock"
}

func (s *FileSettingsStore) load() (ReplyMode, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return "", err
	}
	unlock, err := lockFile(s.lockPath(), false)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.path)
	unlock()
	if errors.Is(err, os.ErrNotExist) {
		return s.remember(s.defaultMode), nil
	}
	if err != nil {
		return "", err
	}
	var state fileSettingsState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return "", fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	if strings.TrimSpace(state.ReplyMode) == "" {
		return s.remember(s.defaultMode), nil
	}
	return s.remember(NormalizeReplyMode(state.ReplyMode)), nil
}

func (s *FileSettingsStore) remember(mode ReplyMode) ReplyMode {
	s.mu.Lock()
	s.cached = mode
	s.mu.Unlock()
	return mode
}
