package capture

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type DirConfig struct {
	Path string `mapstructure:"path"`
	Loop bool   `mapstructure:"loop"`
}

// DirSource replays the image files of a directory in lexical order.
type DirSource struct {
	cfg   DirConfig
	mu    sync.Mutex
	files []string
	next  int
	hints Hints
	open  bool
	now   func() time.Time
}

func NewDirSource(cfg DirConfig) *DirSource {
	return &DirSource{cfg: cfg, now: time.Now}
}

func (s *DirSource) Name() string { return "dir" }

func (s *DirSource) Open(ctx context.Context, hints Hints) error {
	entries, err := os.ReadDir(s.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, s.cfg.Path)
		}
		return fmt.Errorf("open capture dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(s.cfg.Path, e.Name()))
	}
	if len(files) == 0 {
		return fmt.Errorf("open capture dir: no frames in %s", s.cfg.Path)
	}
	sort.Strings(files)
	s.mu.Lock()
	s.files = files
	s.next = 0
	s.hints = hints
	s.open = true
	s.mu.Unlock()
	return nil
}

func (s *DirSource) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return Frame{}, ErrClosed
	}
	if s.next >= len(s.files) {
		if !s.cfg.Loop {
			s.mu.Unlock()
			return Frame{}, ErrClosed
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++
	hints := s.hints
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return Frame{}, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return Frame{}, err
	}
	return Frame{
		Timestamp: s.now().UnixMilli(),
		Width:     hints.Width,
		Height:    hints.Height,
		Data:      data,
		MIME:      mime.TypeByExtension(filepath.Ext(path)),
	}, nil
}

func (s *DirSource) Close() error {
	s.mu.Lock()
	s.open = false
	s.files = nil
	s.mu.Unlock()
	return nil
}
