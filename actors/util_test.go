package actors

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edup2p/meshwire/types/routing"
	"github.com/stretchr/testify/require"
)

// Test constants
const assertEventuallyTick time.Duration = 1 * time.Millisecond
const assertEventuallyTimeout time.Duration = 100 * assertEventuallyTick

const receiveTimeout = 2 * time.Second

func testNode(t *testing.T) *Node {
	t.Helper()

	n := NewNode(context.Background(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})

	return n
}

func detached(t *testing.T, n *Node, id string) *Context {
	t.Helper()

	d, err := n.NewDetached(Single(AllowAllMailbox(routing.Local(id))))
	require.NoError(t, err)

	return d
}

func receive(t *testing.T, d *Context) *routing.RelayMessage {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), receiveTimeout)
	defer cancel()

	msg, err := d.Receive(ctx)
	require.NoError(t, err)

	return msg
}

func assertNothingReceived(t *testing.T, d *Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	msg, err := d.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected message %v", msg)
}

// echo replies with the same payload to whoever sent it.
type echo struct {
	handled atomic.Int32
}

func (e *echo) HandleMessage(ctx *Context, msg *routing.RelayMessage) error {
	e.handled.Add(1)
	return ctx.Send(msg.ReturnRoute(), msg.Payload())
}
