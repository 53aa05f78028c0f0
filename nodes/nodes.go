// Package nodes manages the long lived resources of a node, relays and the secure channels they run over.
package nodes

import (
	"errors"
	"log/slog"

	"github.com/edup2p/meshwire/types/ifaces"
)

var (
	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")
	// ErrCancelled is returned by work attempted after the owning Manager shut down.
	ErrCancelled = errors.New("node manager shut down")
)

// ReturnTiming decides when CreateRelay returns.
type ReturnTiming uint8

const (
	// Immediately returns right away, connecting in the background.
	Immediately ReturnTiming = iota
	// AfterConnection returns after the first connection attempt, whatever its result.
	AfterConnection
)

func (r ReturnTiming) String() string {
	switch r {
	case Immediately:
		return "immediately"
	case AfterConnection:
		return "after_connection"
	default:
		return "unknown"
	}
}

// LogNotifier reports notifications through slog.
type LogNotifier struct{}

func (LogNotifier) Notify(msg string) {
	slog.Info(msg, "notification", true)
}

var _ ifaces.Notifier = LogNotifier{}
