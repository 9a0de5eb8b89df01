package downloader

import (
	"errors"
	"fmt"
)

var (
	ErrTaskActive          = errors.New("downloader: a download is already active")
	ErrTimeout             = errors.New("downloader: download timed out")
	ErrInsufficientStorage = errors.New("downloader: lack of space")
	ErrIncompleteChunk     = errors.New("downloader: chunk ended early")
)

type Kind int

const (
	KindFileSystem Kind = iota + 1
	KindStorage
	KindTransport
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindFileSystem:
		return "file system"
	case KindStorage:
		return "storage"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the failure reported for a task. Use errors.As to inspect Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return 0
}
