package capture

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned by Open when the video source refuses access.
var ErrPermissionDenied = errors.New("capture: permission denied")

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("capture: source closed")

// Frame is an opaque image handle. Consumers must not keep it past the call it was passed to.
type Frame struct {
	Timestamp int64
	Width     int
	Height    int
	Data      []byte
	MIME      string
}

// Hints carries the resolution requested at startup.
type Hints struct {
	Width  int
	Height int
}

// Source is a video source exclusively owned by the capture loop while a session is active.
type Source interface {
	Name() string
	Open(ctx context.Context, hints Hints) error
	Read(ctx context.Context) (Frame, error)
	Close() error
}
