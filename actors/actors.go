// Package actors is the mailbox runtime; workers registered under addresses, each processing its own
// inbox in order on its own goroutine, with access control checked on every delivery.
package actors

import (
	"errors"

	"github.com/edup2p/meshwire/types/routing"
)

var (
	ErrUnknownAddress = errors.New("no worker registered at address")
	ErrAddressInUse   = errors.New("address already in use")
	ErrNoTransport    = errors.New("no transport registered for address type")
	ErrNodeStopped    = errors.New("node stopped")
	ErrNotDetached    = errors.New("context does not belong to a detached mailbox")
)

// Worker handles messages delivered to its mailboxes, one at a time.
type Worker interface {
	HandleMessage(ctx *Context, msg *routing.RelayMessage) error
}

// Initializer is implemented by workers that need to do something before their first message.
//
// A returned error stops the worker.
type Initializer interface {
	Initialize(ctx *Context) error
}

// Shutdowner is implemented by workers that need to clean up after they're stopped.
type Shutdowner interface {
	Shutdown(ctx *Context) error
}

// WorkerFunc adapts a plain function to Worker.
type WorkerFunc func(ctx *Context, msg *routing.RelayMessage) error

func (f WorkerFunc) HandleMessage(ctx *Context, msg *routing.RelayMessage) error {
	return f(ctx, msg)
}
