package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"uploadcast/internal/config"
	logx "uploadcast/pkg/logx"
)

// fileStore keeps the profile in a single file (JSON, or YAML for
// .yaml/.yml).
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	path   string
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) LoadProfile(context.Context) (config.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return config.Profile{}, false, ErrDisabled
	}
	p, err := config.ReadProfile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Profile{}, false, nil
	}
	if err != nil {
		return config.Profile{}, false, err
	}
	return p, true, nil
}

func (s *fileStore) SaveProfile(_ context.Context, p config.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	if err := config.WriteProfile(s.path, p); err != nil {
		return err
	}
	s.log.Debug("profile saved", logx.String("path", s.path), logx.Int("endpoints", len(p.Endpoints)))
	return nil
}
