package download

import (
	"context"

	"github.com/cesargomez89/offlinevault/internal/domain"
)

type TaskState int

const (
	TaskRunning TaskState = iota
	TaskSuspended
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskSuspended:
		return "suspended"
	case TaskCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Task is a handle on one engine download.
type Task interface {
	ID() string
	SourceURL() string
	Suspend()
	Resume()
	Cancel()
	State() TaskState
}

// Engine fetches media in the background and reports through Events.
// Submit returns the task suspended; the transfer begins on Resume.
// Submit returning a nil task and nil error means the engine declined.
type Engine interface {
	SetEvents(events Events)
	Submit(ctx context.Context, sourceURL string, minBitrate int) (Task, error)
	Tasks(ctx context.Context) ([]Task, error)
}

// Events receives engine callbacks. Calls may arrive on any goroutine.
// A suspended task does not report completion until it is resumed.
type Events interface {
	OnProgress(taskID string, loaded []domain.TimeRange, expected domain.TimeRange)
	OnLocalFileReady(taskID, path string)
	OnComplete(taskID string, err error)
}

type KeyProvisioner interface {
	Provision(ctx context.Context, req domain.ProvisionRequest) (string, error)
}
