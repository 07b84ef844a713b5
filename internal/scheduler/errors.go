package scheduler

import "errors"

var (
	// ErrLaneFull is returned when a task is rejected because the lane's
	// backlog is at capacity.
	ErrLaneFull = errors.New("lane backlog is full")

	// ErrLaneStopped is returned when submitting to a stopped lane.
	ErrLaneStopped = errors.New("lane is stopped")

	// ErrNotRunning is returned by operations that need a started scheduler.
	ErrNotRunning = errors.New("scheduler is not running")
)
