package nodes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/relay"
	"github.com/edup2p/meshwire/securechannel"
	"github.com/edup2p/meshwire/session"
	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/key"
	"github.com/edup2p/meshwire/types/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test constants
const assertEventuallyTick time.Duration = 1 * time.Millisecond
const assertEventuallyTimeout time.Duration = 2000 * assertEventuallyTick

const receiveTimeout = 2 * time.Second

var (
	listenerAddr = routing.Local("api")
	sinkAddr     = routing.Local("sink")
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Notify(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.msgs = append(r.msgs, msg)
}

func (r *recordingNotifier) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.msgs...)
}

type testEnv struct {
	node      *actors.Node
	manager   *Manager
	notifier  *recordingNotifier
	responder *securechannel.SecureChannels
	listener  *securechannel.Listener
	sink      *actors.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	n := actors.NewNode(context.Background(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})

	env := &testEnv{
		node:      n,
		notifier:  &recordingNotifier{},
		responder: securechannel.New(n, securechannel.NewLocalIdentity(key.NewIdentity())),
	}

	var err error
	env.listener, err = env.responder.CreateListener(listenerAddr, securechannel.ListenerOptions{TrustPolicy: securechannel.TrustEveryone})
	require.NoError(t, err)

	require.NoError(t, session.StartEchoService(n, session.DefaultEchoAddress))

	_, err = relay.StartService(n, relay.DefaultServiceAddress, relay.ServiceOptions{
		ForwarderFlows: []flowcontrol.ID{env.listener.FlowControlID()},
	})
	require.NoError(t, err)
	env.listener.AddConsumer(relay.DefaultServiceAddress)

	env.sink, err = n.NewDetached(actors.Single(actors.AllowAllMailbox(sinkAddr)))
	require.NoError(t, err)

	initiator := securechannel.New(n, securechannel.NewLocalIdentity(key.NewIdentity()))

	env.manager = NewManager(n, initiator, ManagerOptions{
		Notifier: env.notifier,
		Session: session.Config{
			ProbeInterval: 10 * time.Millisecond,
			ProbeTimeout:  50 * time.Millisecond,
			Backoff: session.BackoffConfig{
				InitialDelay: 5 * time.Millisecond,
				Multiplier:   2,
				MaxDelay:     50 * time.Millisecond,
			},
		},
		RelayConsumers:         []routing.Address{sinkAddr},
		RelayHeartbeatInterval: 10 * time.Millisecond,
		RelayTimeout:           time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.manager.Shutdown(ctx)
	})

	return env
}

func (env *testEnv) create(t *testing.T, alias string) *RelayInfo {
	t.Helper()

	info, err := env.manager.CreateRelay(context.Background(), CreateRelay{
		Alias:        alias,
		RelayAddress: gonull.NewNullable(alias),
		ReturnTiming: AfterConnection,
	})
	require.NoError(t, err)

	return info
}

func TestCreateRelayDuplicateAlias(t *testing.T) {
	env := newTestEnv(t)

	first := env.create(t, "r1")
	require.Equal(t, session.Connected, first.Status)
	require.True(t, first.RemoteAddress.Valid)
	assert.Equal(t, "forward_to_r1", first.RemoteAddress.Val)

	_, err := env.manager.CreateRelay(context.Background(), CreateRelay{
		Alias:        "r1",
		ReturnTiming: AfterConnection,
	})
	require.ErrorIs(t, err, ErrAlreadyExists)

	shown, err := env.manager.ShowRelay("r1")
	require.NoError(t, err)
	assert.Equal(t, session.Connected, shown.Status)
	assert.Equal(t, first.WorkerAddress.Val, shown.WorkerAddress.Val)
	assert.True(t, env.node.IsRegistered(first.WorkerAddress.Val))
	assert.Len(t, env.manager.Relays(), 1)
}

func TestRelayTrafficReachesConsumers(t *testing.T) {
	env := newTestEnv(t)

	info := env.create(t, "r1")

	route := info.ForwardingRoute.Val.Modify().Append(sinkAddr).Build()
	require.NoError(t, env.node.Send(route, []byte("through the relay")))

	ctx, cancel := context.WithTimeout(context.Background(), receiveTimeout)
	defer cancel()

	msg, err := env.sink.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("through the relay"), msg.Payload())
	assert.Equal(t, info.WorkerAddress.Val, msg.Source)
}

func TestDeleteRelay(t *testing.T) {
	env := newTestEnv(t)

	info := env.create(t, "r1")

	require.NoError(t, env.manager.DeleteRelay(context.Background(), "r1"))
	assert.False(t, env.node.IsRegistered(info.WorkerAddress.Val))

	require.ErrorIs(t, env.manager.DeleteRelay(context.Background(), "r1"), ErrNotFound)

	_, err := env.manager.ShowRelay("r1")
	require.ErrorIs(t, err, ErrNotFound)

	assert.Empty(t, env.manager.Relays())

	// the alias can be used again
	env.create(t, "r1")
}

func TestCreateRelayImmediately(t *testing.T) {
	env := newTestEnv(t)

	for _, alias := range []string{"b", "a"} {
		info, err := env.manager.CreateRelay(context.Background(), CreateRelay{
			Alias:        alias,
			ReturnTiming: Immediately,
		})
		require.NoError(t, err)
		assert.Equal(t, alias, info.Alias)
	}

	assert.Eventually(t, func() bool {
		for _, info := range env.manager.Relays() {
			if info.Status != session.Connected {
				return false
			}
		}
		return true
	}, assertEventuallyTimeout, assertEventuallyTick)

	relays := env.manager.Relays()
	require.Len(t, relays, 2)
	assert.Equal(t, "a", relays[0].Alias)
	assert.Equal(t, "b", relays[1].Alias)
	assert.NotEqual(t, relays[0].RemoteAddress.Val, relays[1].RemoteAddress.Val)
}

func TestRelayOverSecureChannel(t *testing.T) {
	env := newTestEnv(t)

	responderID := env.responder.Identity().Identifier()

	info, err := env.manager.CreateRelay(context.Background(), CreateRelay{
		Address:      routing.NewRoute(listenerAddr),
		Alias:        "secure",
		Authorized:   gonull.NewNullable(responderID),
		RelayAddress: gonull.NewNullable("secure"),
		ReturnTiming: AfterConnection,
	})
	require.NoError(t, err)
	require.Equal(t, session.Connected, info.Status)

	channels := env.manager.SecureChannels().List()
	require.Len(t, channels, 1)
	assert.True(t, env.node.FlowControls().IsConsumer(sinkAddr, channels[0].FlowControlID()))

	fwd := info.ForwardingRoute.Val
	require.Equal(t, 2, fwd.Len())
	assert.Equal(t, channels[0].Addresses().Encryptor, fwd.Hops()[0])
	assert.Equal(t, relay.ForwarderAddress("secure"), fwd.Hops()[1])

	require.NoError(t, env.node.Send(fwd.Modify().Append(sinkAddr).Build(), []byte("sealed")))

	ctx, cancel := context.WithTimeout(context.Background(), receiveTimeout)
	defer cancel()

	msg, err := env.sink.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), msg.Payload())

	require.NoError(t, env.manager.DeleteRelay(context.Background(), "secure"))
	assert.Empty(t, env.manager.SecureChannels().List())
}

func TestRelayWrongIdentity(t *testing.T) {
	env := newTestEnv(t)

	info, err := env.manager.CreateRelay(context.Background(), CreateRelay{
		Address:      routing.NewRoute(listenerAddr),
		Alias:        "impostor",
		Authorized:   gonull.NewNullable(key.NewIdentity().Public()),
		ReturnTiming: AfterConnection,
	})
	require.NoError(t, err)

	assert.Equal(t, session.Disconnected, info.Status)
	assert.False(t, info.RemoteAddress.Valid)
}

func TestRelayRecoversAfterProbeFailure(t *testing.T) {
	env := newTestEnv(t)

	env.create(t, "r1")

	require.NoError(t, env.node.StopAddress(session.DefaultEchoAddress))

	assert.Eventually(t, func() bool {
		return len(env.notifier.messages()) >= 2
	}, assertEventuallyTimeout, assertEventuallyTick)

	msgs := env.notifier.messages()
	assert.Contains(t, msgs[0], "lost the connection")
	assert.Contains(t, msgs[1], "restored the connection")
}

func TestReplacerAfterShutdown(t *testing.T) {
	env := newTestEnv(t)

	info := env.create(t, "r1")

	require.NoError(t, env.manager.Shutdown(context.Background()))
	assert.False(t, env.node.IsRegistered(info.WorkerAddress.Val))

	r := &RelaySessionReplacer{ref: env.manager.ref}
	_, err := r.Create(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	require.NoError(t, r.Close(context.Background()))

	_, err = env.manager.CreateRelay(context.Background(), CreateRelay{Alias: "r2"})
	require.ErrorIs(t, err, ErrCancelled)
}
