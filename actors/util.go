package actors

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// RunCheck ensures that only one instance of the actor is running at all times.
type RunCheck struct {
	*atomic.Bool
}

func MakeRunCheck() RunCheck {
	return RunCheck{
		&atomic.Bool{},
	}
}

// CheckOrMark atomically checks if its already running, else marks as running, returns a false value if the instance is already running.
func (rc *RunCheck) CheckOrMark() bool {
	return rc.CompareAndSwap(false, true)
}

// L returns a logger tagged with the type of the worker.
func L(a any) *slog.Logger {
	return slog.With("actor", fmt.Sprintf("%T", a))
}
