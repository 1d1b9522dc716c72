package workerpool

import "errors"

var (
	// ErrInvalidConfig is returned by New for a non-positive pool size.
	ErrInvalidConfig = errors.New("worker pool size must be positive")
	// ErrPoolClosed is returned by Enqueue once Shutdown has begun.
	ErrPoolClosed = errors.New("worker pool is shut down")
	// ErrInvalidTask is returned by Enqueue for a nil task.
	ErrInvalidTask = errors.New("cannot enqueue nil task")
)
