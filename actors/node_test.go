package actors

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edup2p/meshwire/types/access"
	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoRoundTrip(t *testing.T) {
	n := testNode(t)

	require.NoError(t, n.StartWorker(Single(AllowAllMailbox(routing.Local("echo"))), &echo{}))

	d := detached(t, n, "app")
	require.NoError(t, d.Send(routing.RouteOf("echo"), []byte("hello")))

	msg := receive(t, d)
	assert.Equal(t, []byte("hello"), msg.Payload())
	assert.Equal(t, routing.Local("echo"), msg.Source)
	assert.True(t, msg.ReturnRoute().Equal(routing.RouteOf("echo")))
}

func TestRequest(t *testing.T) {
	n := testNode(t)

	require.NoError(t, n.StartWorker(Single(AllowAllMailbox(routing.Local("echo"))), &echo{}))

	ctx, cancel := context.WithTimeout(context.Background(), receiveTimeout)
	defer cancel()

	msg, err := Request(ctx, n, routing.RouteOf("echo"), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), msg.Payload())

	assert.Eventually(t, func() bool {
		// only the echo worker remains
		return len(n.Addresses()) == 1
	}, assertEventuallyTimeout, assertEventuallyTick)
}

func TestInOrderDelivery(t *testing.T) {
	n := testNode(t)
	d := detached(t, n, "sink")

	forward := WorkerFunc(func(ctx *Context, msg *routing.RelayMessage) error {
		return ctx.Send(routing.RouteOf("sink"), msg.Payload())
	})
	require.NoError(t, n.StartWorker(Single(AllowAllMailbox(routing.Local("fwd"))), forward))

	src := detached(t, n, "src")
	for i := range 100 {
		require.NoError(t, src.Send(routing.RouteOf("fwd"), []byte{byte(i)}))
	}

	for i := range 100 {
		assert.Equal(t, []byte{byte(i)}, receive(t, d).Payload())
	}
}

func TestUnknownAddress(t *testing.T) {
	n := testNode(t)
	d := detached(t, n, "app")

	err := d.Send(routing.RouteOf("nobody"), nil)
	assert.ErrorIs(t, err, ErrUnknownAddress)

	err = d.Send(routing.Route{}, nil)
	assert.ErrorIs(t, err, routing.ErrIncompleteRoute)

	err = d.Send(routing.RouteOf("2#somewhere"), nil)
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestAddressInUse(t *testing.T) {
	n := testNode(t)

	require.NoError(t, n.StartWorker(Single(AllowAllMailbox(routing.Local("echo"))), &echo{}))

	err := n.StartWorker(Mailboxes{
		Primary:    AllowAllMailbox(routing.Local("other")),
		Additional: []Mailbox{AllowAllMailbox(routing.Local("echo"))},
	}, &echo{})
	assert.ErrorIs(t, err, ErrAddressInUse)

	// nothing of the failed registration sticks around
	assert.False(t, n.IsRegistered(routing.Local("other")))
}

func TestIncomingAccessDenied(t *testing.T) {
	n := testNode(t)
	e := &echo{}

	require.NoError(t, n.StartWorker(Single(NewMailbox(
		routing.Local("guarded"),
		access.AllowSourceAddress(routing.Local("friend")),
		access.AllowAll,
	)), e))

	intruder := detached(t, n, "intruder")
	friend := detached(t, n, "friend")

	// dropped, not an error for the sender
	require.NoError(t, intruder.Send(routing.RouteOf("guarded"), []byte("let me in")))
	assertNothingReceived(t, intruder)

	require.NoError(t, friend.Send(routing.RouteOf("guarded"), []byte("hi")))
	assert.Equal(t, []byte("hi"), receive(t, friend).Payload())

	assert.Equal(t, int32(1), e.handled.Load())
}

func TestFlowControlledProducer(t *testing.T) {
	n := testNode(t)
	fc := n.FlowControls()
	id := flowcontrol.NewID()

	producerAddr := routing.Local("producer")
	fc.AddProducer(producerAddr, id, nil, nil)

	producer, err := n.NewDetached(Single(NewMailbox(
		producerAddr,
		access.AllowAll,
		access.NewFlowControlOutgoing(fc, id, nil),
	)))
	require.NoError(t, err)

	consumer := detached(t, n, "consumer")

	require.NoError(t, producer.Send(routing.RouteOf("consumer"), []byte("masquerade")))
	assertNothingReceived(t, consumer)

	fc.AddConsumer(routing.Local("consumer"), id)

	require.NoError(t, producer.Send(routing.RouteOf("consumer"), []byte("plaintext")))
	assert.Equal(t, []byte("plaintext"), receive(t, consumer).Payload())
}

type lifecycle struct {
	echo

	initErr  error
	shutdown chan struct{}
}

func (l *lifecycle) Initialize(*Context) error {
	return l.initErr
}

func (l *lifecycle) Shutdown(*Context) error {
	close(l.shutdown)
	return nil
}

func TestStopAddress(t *testing.T) {
	n := testNode(t)
	fc := n.FlowControls()
	id := flowcontrol.NewID()

	w := &lifecycle{shutdown: make(chan struct{})}
	mbs := Mailboxes{
		Primary:    AllowAllMailbox(routing.Local("primary")),
		Additional: []Mailbox{AllowAllMailbox(routing.Local("secondary"))},
	}
	require.NoError(t, n.StartWorker(mbs, w))

	fc.AddProducer(routing.Local("primary"), id, nil, []routing.Address{routing.Local("secondary")})

	require.NoError(t, n.StopAddress(routing.Local("secondary")))

	assert.False(t, n.IsRegistered(routing.Local("primary")))
	assert.False(t, n.IsRegistered(routing.Local("secondary")))

	select {
	case <-w.shutdown:
	case <-time.After(receiveTimeout):
		t.Fatal("worker shutdown was not called")
	}

	assert.Eventually(t, func() bool {
		_, ok := fc.FindFlowControlID(routing.Local("primary"))
		return !ok
	}, assertEventuallyTimeout, assertEventuallyTick)

	assert.ErrorIs(t, n.StopAddress(routing.Local("primary")), ErrUnknownAddress)
}

func TestInitializeFailure(t *testing.T) {
	n := testNode(t)

	w := &lifecycle{initErr: errors.New("nope"), shutdown: make(chan struct{})}
	require.NoError(t, n.StartWorker(Single(AllowAllMailbox(routing.Local("broken"))), w))

	assert.Eventually(t, func() bool {
		return !n.IsRegistered(routing.Local("broken"))
	}, assertEventuallyTimeout, assertEventuallyTick)
}

func TestPanicStopsOnlyThatWorker(t *testing.T) {
	n := testNode(t)

	boom := WorkerFunc(func(*Context, *routing.RelayMessage) error {
		panic("boom")
	})
	require.NoError(t, n.StartWorker(Single(AllowAllMailbox(routing.Local("boom"))), boom))
	require.NoError(t, n.StartWorker(Single(AllowAllMailbox(routing.Local("echo"))), &echo{}))

	d := detached(t, n, "app")
	require.NoError(t, d.Send(routing.RouteOf("boom"), nil))

	assert.Eventually(t, func() bool {
		return !n.IsRegistered(routing.Local("boom"))
	}, assertEventuallyTimeout, assertEventuallyTick)

	require.NoError(t, d.Send(routing.RouteOf("echo"), []byte("still here")))
	assert.Equal(t, []byte("still here"), receive(t, d).Payload())
}

type fakeRouter struct {
	to routing.Address
}

func (f fakeRouter) Resolve(context.Context, routing.Address) (routing.Address, error) {
	return f.to, nil
}

func TestTransportResolution(t *testing.T) {
	n := testNode(t)
	sender := detached(t, n, "tcp_sender")

	n.RegisterTransport(routing.TCPTransport, fakeRouter{to: routing.Local("tcp_sender")})

	d := detached(t, n, "app")
	require.NoError(t, d.Send(routing.RouteOf("1#10.0.0.1:4000", "echo"), []byte("x")))

	msg := receive(t, sender)
	assert.True(t, msg.OnwardRoute().Equal(routing.RouteOf("tcp_sender", "echo")))
}

func TestShutdown(t *testing.T) {
	n := NewNode(context.Background(), nil)

	w := &lifecycle{shutdown: make(chan struct{})}
	require.NoError(t, n.StartWorker(Single(AllowAllMailbox(routing.Local("w"))), w))
	_, err := n.NewDetachedAllowAll("d")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), receiveTimeout)
	defer cancel()
	require.NoError(t, n.Shutdown(ctx))

	assert.Empty(t, n.Addresses())

	err = n.StartWorker(Single(AllowAllMailbox(routing.Local("late"))), &echo{})
	assert.ErrorIs(t, err, ErrNodeStopped)
}

func TestHandover(t *testing.T) {
	n := testNode(t)
	addr := routing.Local("handover")
	sink := detached(t, n, "sink")

	first, err := n.NewDetached(Single(AllowAllMailbox(addr)))
	require.NoError(t, err)

	src := detached(t, n, "src")
	require.NoError(t, src.Send(routing.RouteOf("handover", "sink"), []byte("early")))

	first.Stop()
	pending := first.Drain()
	require.Len(t, pending, 1)

	forward := WorkerFunc(func(ctx *Context, msg *routing.RelayMessage) error {
		lm, err := msg.Local.PopFrontOnward()
		if err != nil {
			return err
		}
		return ctx.Forward(lm)
	})
	require.NoError(t, n.StartWorker(Single(AllowAllMailbox(addr)), forward))

	for _, msg := range pending {
		require.NoError(t, n.Redeliver(msg))
	}

	assert.Equal(t, []byte("early"), receive(t, sink).Payload())
}

func TestNothingEntersStoppedMailbox(t *testing.T) {
	n := testNode(t)
	addr := routing.Local("closing")

	d, err := n.NewDetached(Single(AllowAllMailbox(addr)))
	require.NoError(t, err)

	const senders = 8
	const perSender = 2 * WorkerInboxChLen / senders

	var wg sync.WaitGroup
	var accepted atomic.Int32

	for range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perSender {
				if n.Send(routing.NewRoute(addr), []byte("x")) == nil {
					accepted.Add(1)
				}
			}
		}()
	}

	// stop while senders are still going, some of them blocked on the full inbox
	time.Sleep(5 * time.Millisecond)
	d.Stop()
	drained := d.Drain()

	wg.Wait()

	assert.Len(t, d.Drain(), 0, "nothing arrived after the first drain")
	assert.Equal(t, int(accepted.Load()), len(drained))
}
