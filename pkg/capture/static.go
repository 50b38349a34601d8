package capture

import (
	"context"
	"sync"
	"time"
)

// StaticSource serves the same image on every read.
type StaticSource struct {
	mu     sync.Mutex
	data   []byte
	mime   string
	hints  Hints
	open   bool
	now    func() time.Time
	denied bool
}

func NewStaticSource(data []byte, mime string) *StaticSource {
	return &StaticSource{data: data, mime: mime, now: time.Now}
}

// Deny makes subsequent Open calls fail with ErrPermissionDenied.
func (s *StaticSource) Deny(v bool) {
	s.mu.Lock()
	s.denied = v
	s.mu.Unlock()
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Open(ctx context.Context, hints Hints) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied {
		return ErrPermissionDenied
	}
	s.hints = hints
	s.open = true
	return nil
}

func (s *StaticSource) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return Frame{}, ErrClosed
	}
	return Frame{
		Timestamp: s.now().UnixMilli(),
		Width:     s.hints.Width,
		Height:    s.hints.Height,
		Data:      s.data,
		MIME:      s.mime,
	}, nil
}

func (s *StaticSource) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

// IsOpen reports whether the source is currently held by a session.
func (s *StaticSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}
