package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edup2p/meshwire/types/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test constants
const assertEventuallyTick time.Duration = 1 * time.Millisecond
const assertEventuallyTimeout time.Duration = 1000 * assertEventuallyTick

var errCreate = errors.New("create failed")

// mockReplacer counts calls, and can be made to block or fail Create.
type mockReplacer struct {
	creates  atomic.Int32
	closes   atomic.Int32
	downs    atomic.Int32
	replaced atomic.Int32

	mu      sync.Mutex
	block   chan struct{}
	failFor int
	inCtx   context.Context
}

func (m *mockReplacer) Create(ctx context.Context) (*Outcome, error) {
	m.creates.Add(1)

	m.mu.Lock()
	block := m.block
	fail := m.failFor > 0
	if fail {
		m.failFor--
	}
	m.inCtx = ctx
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail {
		return nil, errCreate
	}

	return &Outcome{PingRoute: routing.RouteOf("remote", "echo"), Kind: "relay"}, nil
}

func (m *mockReplacer) Close(context.Context) error {
	m.closes.Add(1)
	return nil
}

func (m *mockReplacer) OnSessionDown(context.Context) {
	m.downs.Add(1)
}

func (m *mockReplacer) OnSessionReplaced(context.Context) {
	m.replaced.Add(1)
}

func (m *mockReplacer) setBlock(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = ch
}

func (m *mockReplacer) setFail(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFor = n
}

type mockProber struct {
	fail   atomic.Bool
	probes atomic.Int32
}

func (p *mockProber) Probe(context.Context, routing.Route) error {
	p.probes.Add(1)
	if p.fail.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func testConfig() Config {
	return Config{
		ProbeInterval: time.Millisecond,
		ProbeTimeout:  10 * time.Millisecond,
		Backoff: BackoffConfig{
			InitialDelay: time.Millisecond,
			Multiplier:   1,
		},
	}
}

func newTestSession(t *testing.T, r Replacer, p Prober) *Session {
	s := New(context.Background(), t.Name(), r, p, testConfig())
	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})
	return s
}

func TestInitialConnect(t *testing.T) {
	r := &mockReplacer{}
	s := newTestSession(t, r, nil)

	assert.Equal(t, Connecting, s.Status())
	assert.Nil(t, s.LastOutcome())

	require.NoError(t, s.InitialConnect(context.Background()))

	assert.Equal(t, Connected, s.Status())
	require.NotNil(t, s.LastOutcome())
	assert.Equal(t, "relay", s.LastOutcome().Kind)
	assert.Equal(t, int32(1), r.creates.Load())
}

func TestInitialConnectFailure(t *testing.T) {
	r := &mockReplacer{}
	r.setFail(1)
	s := newTestSession(t, r, nil)

	err := s.InitialConnect(context.Background())
	assert.ErrorIs(t, err, errCreate)
	assert.Equal(t, Disconnected, s.Status())

	// no monitoring was started, so nothing retries
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), r.creates.Load())
}

func TestSingleFlightRetry(t *testing.T) {
	r := &mockReplacer{}
	s := newTestSession(t, r, nil)

	require.NoError(t, s.InitialConnect(context.Background()))

	release := make(chan struct{})
	r.setBlock(release)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NotifyDown()
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return r.creates.Load() == 2
	}, assertEventuallyTimeout, assertEventuallyTick)

	s.NotifyDown()
	assert.Equal(t, Connecting, s.Status())
	assert.Equal(t, int32(1), r.downs.Load())

	close(release)

	assert.Eventually(t, func() bool {
		return s.Status() == Connected
	}, assertEventuallyTimeout, assertEventuallyTick)

	assert.Equal(t, int32(2), r.creates.Load())
	assert.Equal(t, int32(1), r.downs.Load())
	assert.Equal(t, int32(1), r.replaced.Load())
}

func TestProbeFailureRecreates(t *testing.T) {
	r := &mockReplacer{}
	p := &mockProber{}
	s := newTestSession(t, r, p)

	require.NoError(t, s.InitialConnect(context.Background()))

	release := make(chan struct{})
	r.setBlock(release)
	p.fail.Store(true)

	s.StartMonitoring()

	assert.Eventually(t, func() bool {
		return r.creates.Load() == 2
	}, assertEventuallyTimeout, assertEventuallyTick)

	// no probing while the retry is outstanding
	probes := p.probes.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, probes, p.probes.Load())
	assert.Equal(t, int32(2), r.creates.Load())

	p.fail.Store(false)
	close(release)

	assert.Eventually(t, func() bool {
		return s.Status() == Connected
	}, assertEventuallyTimeout, assertEventuallyTick)

	assert.Equal(t, int32(1), r.downs.Load())
	assert.Equal(t, int32(1), r.replaced.Load())
}

func TestFailedRetryIsRetried(t *testing.T) {
	r := &mockReplacer{}
	s := newTestSession(t, r, &mockProber{})

	require.NoError(t, s.InitialConnect(context.Background()))
	r.setFail(2)

	s.StartMonitoring()
	s.NotifyDown()

	assert.Eventually(t, func() bool {
		return s.Status() == Connected && r.creates.Load() == 4
	}, assertEventuallyTimeout, assertEventuallyTick)

	assert.Equal(t, int32(1), r.downs.Load())
	assert.Equal(t, int32(1), r.replaced.Load())
}

func TestClose(t *testing.T) {
	r := &mockReplacer{}
	p := &mockProber{}
	s := New(context.Background(), "close", r, p, testConfig())

	require.NoError(t, s.InitialConnect(context.Background()))
	s.StartMonitoring()

	assert.Eventually(t, func() bool {
		return p.probes.Load() > 0
	}, assertEventuallyTimeout, assertEventuallyTick)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, Closed, s.Status())
	assert.Equal(t, int32(1), r.closes.Load())

	probes := p.probes.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, probes, p.probes.Load(), "probing after close")

	s.NotifyDown()
	assert.Equal(t, Closed, s.Status())
	assert.Equal(t, int32(0), r.downs.Load())

	assert.ErrorIs(t, s.InitialConnect(context.Background()), ErrClosed)
}

func TestCloseDuringRetry(t *testing.T) {
	r := &mockReplacer{}
	s := New(context.Background(), "close", r, nil, testConfig())

	require.NoError(t, s.InitialConnect(context.Background()))

	r.setBlock(make(chan struct{}))
	s.NotifyDown()

	assert.Eventually(t, func() bool {
		return r.creates.Load() == 2
	}, assertEventuallyTimeout, assertEventuallyTick)

	// the blocked create is cancelled, and Close waits for it
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, Closed, s.Status())
	assert.Equal(t, int32(1), r.closes.Load())
	assert.Equal(t, int32(0), r.replaced.Load())
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 400*time.Millisecond, NextBackoffDelay(cfg, 3, nil))
	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 10, nil))

	cfg.Jitter = true
	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 2, nil), "jitter without rng is a flat half")

	assert.Equal(t, time.Duration(0), NextBackoffDelay(BackoffConfig{}, 5, nil))
}

func TestPartialConfigDefaults(t *testing.T) {
	r := &mockReplacer{}
	s := New(context.Background(), t.Name(), r, nil, Config{ProbeTimeout: 10 * time.Millisecond})
	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})

	d := DefaultConfig()
	assert.Equal(t, d.ProbeInterval, s.cfg.ProbeInterval)
	assert.Equal(t, 10*time.Millisecond, s.cfg.ProbeTimeout)
	assert.Equal(t, d.Backoff.InitialDelay, s.cfg.Backoff.InitialDelay)
	assert.Equal(t, d.Backoff.MaxDelay, s.cfg.Backoff.MaxDelay)

	require.NoError(t, s.InitialConnect(context.Background()))
	s.StartMonitoring()
	assert.Equal(t, Connected, s.Status())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "closed", Closed.String())
}
