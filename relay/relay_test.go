package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/types/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test constants
const assertEventuallyTick time.Duration = 1 * time.Millisecond
const assertEventuallyTimeout time.Duration = 1000 * assertEventuallyTick

const receiveTimeout = 2 * time.Second

func testNode(t *testing.T) *actors.Node {
	t.Helper()

	n := actors.NewNode(context.Background(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})

	return n
}

func detached(t *testing.T, n *actors.Node, id string) *actors.Context {
	t.Helper()

	d, err := n.NewDetached(actors.Single(actors.AllowAllMailbox(routing.Local(id))))
	require.NoError(t, err)

	return d
}

func receive(t *testing.T, d *actors.Context) *routing.RelayMessage {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), receiveTimeout)
	defer cancel()

	msg, err := d.Receive(ctx)
	require.NoError(t, err)

	return msg
}

func assertNothingReceived(t *testing.T, d *actors.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	msg, err := d.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected message %v", msg)
}

func createRelay(t *testing.T, n *actors.Node, alias string) *RemoteRelayInfo {
	t.Helper()

	info, err := CreateRemoteRelay(context.Background(), n, routing.Route{}, RemoteRelayOptions{
		Alias:             alias,
		HeartbeatInterval: 10 * time.Millisecond,
		Timeout:           receiveTimeout,
	})
	require.NoError(t, err)

	return info
}

func TestRelayForwardsToConsumers(t *testing.T) {
	n := testNode(t)

	_, err := StartService(n, DefaultServiceAddress, ServiceOptions{})
	require.NoError(t, err)

	info := createRelay(t, n, "alice")

	assert.Equal(t, "forward_to_alice", info.RemoteAddress)
	assert.True(t, info.ForwardingRoute.Equal(routing.NewRoute(ForwarderAddress("alice"))), info.ForwardingRoute.String())

	sink := detached(t, n, "sink")
	n.FlowControls().AddConsumer(sink.Address(), info.FlowControlID)

	sender := detached(t, n, "sender")
	require.NoError(t, sender.Send(routing.NewRoute(ForwarderAddress("alice"), sink.Address()), []byte("hello")))

	msg := receive(t, sink)
	assert.Equal(t, []byte("hello"), msg.Payload())
	assert.Equal(t, info.WorkerAddress, msg.Source)
	assert.True(t, msg.ReturnRoute().Equal(routing.NewRoute(sender.Address())), "replies go back to the original sender")

	// heartbeats keep flowing, and never reach consumers
	time.Sleep(50 * time.Millisecond)
	assertNothingReceived(t, sink)
}

func TestRelayDropsForNonConsumers(t *testing.T) {
	n := testNode(t)

	_, err := StartService(n, DefaultServiceAddress, ServiceOptions{})
	require.NoError(t, err)

	createRelay(t, n, "")

	outsider := detached(t, n, "outsider")
	sender := detached(t, n, "sender")

	var fwd routing.Address
	for _, a := range n.Addresses() {
		if strings.HasPrefix(a.Identifier, "forward_to") {
			fwd = a
		}
	}
	require.NotEqual(t, routing.Address{}, fwd)

	require.NoError(t, sender.Send(routing.NewRoute(fwd, outsider.Address()), []byte("nope")))
	assertNothingReceived(t, outsider)
}

func TestRelayReregisterReplacesForwarder(t *testing.T) {
	n := testNode(t)

	s, err := StartService(n, DefaultServiceAddress, ServiceOptions{})
	require.NoError(t, err)

	first := createRelay(t, n, "bob")
	second := createRelay(t, n, "bob")

	assert.Equal(t, []string{"bob"}, s.Aliases())
	assert.Equal(t, first.RemoteAddress, second.RemoteAddress)
	assert.NotEqual(t, first.WorkerAddress, second.WorkerAddress)

	sink := detached(t, n, "sink")
	n.FlowControls().AddConsumer(sink.Address(), second.FlowControlID)

	require.NoError(t, n.Send(second.ForwardingRoute.Modify().Append(sink.Address()).Build(), []byte("x")))

	msg := receive(t, sink)
	assert.Equal(t, second.WorkerAddress, msg.Source)
}

func TestRelayAliasTakenByOtherWorker(t *testing.T) {
	n := testNode(t)

	_, err := StartService(n, DefaultServiceAddress, ServiceOptions{})
	require.NoError(t, err)

	detached(t, n, "forward_to_carol")

	_, err = CreateRemoteRelay(context.Background(), n, routing.Route{}, RemoteRelayOptions{
		Alias:   "carol",
		Timeout: 50 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrRegistration)
}

func TestRelayRegistrationTimeout(t *testing.T) {
	n := testNode(t)

	// swallows registrations without replying
	detached(t, n, DefaultServiceAddress.Identifier)

	before := len(n.Addresses())

	_, err := CreateRemoteRelay(context.Background(), n, routing.Route{}, RemoteRelayOptions{Timeout: 30 * time.Millisecond})
	require.ErrorIs(t, err, ErrRegistration)

	assert.Eventually(t, func() bool {
		return len(n.Addresses()) == before
	}, assertEventuallyTimeout, assertEventuallyTick, "relay worker should be stopped")
}

func TestRelayNoService(t *testing.T) {
	n := testNode(t)

	_, err := CreateRemoteRelay(context.Background(), n, routing.Route{}, RemoteRelayOptions{Timeout: time.Second})
	require.ErrorIs(t, err, ErrRegistration)
	require.ErrorIs(t, err, actors.ErrUnknownAddress)
}

func TestForwarderHeartbeat(t *testing.T) {
	n := testNode(t)

	registrant := detached(t, n, "registrant")
	other := detached(t, n, "other")

	fw := routing.Local("fw")
	require.NoError(t, n.StartWorker(actors.Single(actors.AllowAllMailbox(fw)), &Forwarder{forwardRoute: routing.NewRoute(registrant.Address())}))

	// from the registrant itself, a heartbeat
	require.NoError(t, registrant.Send(routing.NewRoute(fw), nil))
	assertNothingReceived(t, registrant)

	require.NoError(t, other.Send(routing.NewRoute(fw, routing.Local("svc")), []byte("data")))

	msg := receive(t, registrant)
	assert.Equal(t, []byte("data"), msg.Payload())
	assert.True(t, msg.OnwardRoute().Equal(routing.NewRoute(registrant.Address(), routing.Local("svc"))), msg.OnwardRoute().String())
	assert.True(t, msg.ReturnRoute().Equal(routing.NewRoute(other.Address())))
}
