// Package session keeps routed resources (secure channels, relays) alive; it probes them, and recreates
// them through a Replacer when they go down.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/edup2p/meshwire/types"
	"github.com/edup2p/meshwire/types/routing"
)

var ErrClosed = errors.New("session closed")

// Status is the connection status of a session.
type Status uint8

const (
	Connecting Status = iota
	Connected
	Disconnected
	Closed
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome describes a successfully created resource.
type Outcome struct {
	// PingRoute reaches an echo service through the resource.
	PingRoute routing.Route

	// Kind is whatever the replacer wants to remember about what it created.
	Kind any
}

// Replacer creates and tears down the resource a Session keeps alive.
type Replacer interface {
	// Create (re)creates the resource. It may be called again after a failure, and must clean up whatever
	// a previous attempt left behind first; a failing Create rolls back its own partial state.
	Create(ctx context.Context) (*Outcome, error)

	// Close tears the resource down, it is idempotent.
	Close(ctx context.Context) error

	OnSessionDown(ctx context.Context)
	OnSessionReplaced(ctx context.Context)
}

// Config is the probing and retry policy of a session.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	Backoff BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ProbeInterval: 10 * time.Second,
		ProbeTimeout:  5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2,
			MaxDelay:     time.Minute,
			Jitter:       true,
		},
	}
}

// withDefaults fills every zero field of c from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = d.Backoff.MaxDelay
	}

	return c
}

// Session supervises a single resource created by its Replacer.
//
// The owner of a session is the only one calling Close, exactly once; dropping a session does not close
// its resource.
type Session struct {
	name     string
	replacer Replacer
	prober   Prober
	cfg      Config

	ctx    context.Context
	ctxCan context.CancelFunc

	// serializes every call into the replacer
	replacerMu sync.Mutex

	mu         sync.Mutex
	status     Status
	outcome    *Outcome
	retrying   bool
	monitoring bool
	closed     bool
	attempt    int
	nextRetry  time.Time
	rng        *rand.Rand

	wg sync.WaitGroup
}

// New creates a session around replacer. It does nothing until InitialConnect.
//
// Zero fields of cfg take their value from DefaultConfig.
func New(ctx context.Context, name string, replacer Replacer, prober Prober, cfg Config) *Session {
	sCtx, sCan := context.WithCancel(ctx)

	return &Session{
		name:     name,
		replacer: replacer,
		prober:   prober,
		cfg:      cfg.withDefaults(),
		ctx:      sCtx,
		ctxCan:   sCan,
		status:   Connecting,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Session) log() *slog.Logger {
	return slog.With("session", s.name)
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// LastOutcome is the outcome of the most recent successful Create, nil if there never was one.
func (s *Session) LastOutcome() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.outcome
}

// InitialConnect does a single Create attempt, and returns its error.
func (s *Session) InitialConnect(ctx context.Context) error {
	s.replacerMu.Lock()
	defer s.replacerMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.status = Connecting
	s.mu.Unlock()

	outcome, err := s.replacer.Create(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if !s.closed {
			s.status = Disconnected
		}
		return err
	}

	s.outcome = outcome
	if !s.closed {
		s.status = Connected
	}

	return nil
}

// StartMonitoring starts probing the resource in the background, recreating it whenever it goes down.
func (s *Session) StartMonitoring() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.monitoring || s.closed {
		return
	}
	s.monitoring = true

	s.wg.Add(1)
	go s.monitor()
}

func (s *Session) monitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.check()
		}
	}
}

func (s *Session) check() {
	s.mu.Lock()

	switch s.status {
	case Connected:
		var route routing.Route
		if s.outcome != nil {
			route = s.outcome.PingRoute
		}
		s.mu.Unlock()

		if s.prober == nil || route.IsEmpty() {
			return
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ProbeTimeout)
		err := s.prober.Probe(ctx, route)
		cancel()

		if err != nil && !types.IsContextDone(s.ctx) {
			s.log().Info("probe failed", "err", err)
			s.NotifyDown()
		}
	case Disconnected:
		if time.Now().After(s.nextRetry) {
			s.startRetryLocked(false)
		}
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

// NotifyDown reports the resource as unreachable. Only the first report while connected has an effect;
// it fires OnSessionDown and starts a single recreation attempt.
func (s *Session) NotifyDown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.status != Connected {
		return
	}

	s.status = Disconnected
	s.startRetryLocked(true)
}

func (s *Session) startRetryLocked(down bool) {
	if s.retrying || s.closed {
		return
	}

	s.retrying = true

	s.wg.Add(1)
	go s.retry(down)
}

func (s *Session) retry(down bool) {
	defer s.wg.Done()

	s.replacerMu.Lock()
	defer s.replacerMu.Unlock()

	if down {
		s.replacer.OnSessionDown(s.ctx)
	}

	s.mu.Lock()
	if s.closed {
		s.retrying = false
		s.mu.Unlock()
		return
	}
	s.status = Connecting
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	outcome, err := s.replacer.Create(s.ctx)

	s.mu.Lock()
	s.retrying = false

	if s.closed {
		s.mu.Unlock()
		return
	}

	if err != nil {
		delay := NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)
		s.status = Disconnected
		s.nextRetry = time.Now().Add(delay)
		s.mu.Unlock()

		s.log().Warn("could not recreate session", "err", err, "attempt", attempt, "next_in", delay)
		return
	}

	s.status = Connected
	s.outcome = outcome
	s.attempt = 0
	s.mu.Unlock()

	s.log().Info("session recreated", "attempts", attempt)

	s.replacer.OnSessionReplaced(s.ctx)
}

// Close stops monitoring, waits for a running recreation to finish, and closes the resource.
// Only the first call does anything.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.status = Closed
	s.mu.Unlock()

	s.ctxCan()
	s.wg.Wait()

	s.replacerMu.Lock()
	defer s.replacerMu.Unlock()

	return s.replacer.Close(ctx)
}
