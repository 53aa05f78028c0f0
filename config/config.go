// Package config loads node configuration files, in YAML, TOML or JSON.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/meshwire/nodes"
	"github.com/edup2p/meshwire/session"
	"github.com/edup2p/meshwire/types/key"
	"github.com/edup2p/meshwire/types/routing"
	"go4.org/netipx"
)

var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a string, like "1m30s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	PrivateKey key.IdentityPrivate `yaml:"private_key" toml:"private_key" json:"private_key"`

	// LogLevel is one of "trace", "debug", "info", "warn" or "error".
	LogLevel string `yaml:"log_level" toml:"log_level" json:"log_level"`

	TCP            TCPConfig             `yaml:"tcp" toml:"tcp" json:"tcp"`
	SecureChannels []SecureChannelConfig `yaml:"secure_channels" toml:"secure_channels" json:"secure_channels"`
	Services       ServicesConfig        `yaml:"services" toml:"services" json:"services"`
	Session        SessionConfig         `yaml:"session" toml:"session" json:"session"`
	Relays         []RelayConfig         `yaml:"relays" toml:"relays" json:"relays"`
}

type TCPConfig struct {
	Listeners []TCPListenerConfig `yaml:"listeners" toml:"listeners" json:"listeners"`

	// RestrictOutgoing only lets messages arriving on outgoing connections reach consumers of their flow.
	RestrictOutgoing bool     `yaml:"restrict_outgoing" toml:"restrict_outgoing" json:"restrict_outgoing"`
	ConnectTimeout   Duration `yaml:"connect_timeout" toml:"connect_timeout" json:"connect_timeout"`
}

type TCPListenerConfig struct {
	Bind string `yaml:"bind" toml:"bind" json:"bind"`

	// AllowedPeers are IPs or prefixes allowed to connect, everyone if empty.
	AllowedPeers []string `yaml:"allowed_peers" toml:"allowed_peers" json:"allowed_peers"`
}

type SecureChannelConfig struct {
	Address string `yaml:"address" toml:"address" json:"address"`

	// TrustedIdentifiers are the peers allowed to connect, everyone if empty.
	TrustedIdentifiers []key.Identifier `yaml:"trusted_identifiers" toml:"trusted_identifiers" json:"trusted_identifiers"`
	HandshakeTimeout   Duration         `yaml:"handshake_timeout" toml:"handshake_timeout" json:"handshake_timeout"`
}

type ServicesConfig struct {
	Echo  bool `yaml:"echo" toml:"echo" json:"echo"`
	Relay bool `yaml:"relay" toml:"relay" json:"relay"`
}

type SessionConfig struct {
	ProbeInterval Duration `yaml:"probe_interval" toml:"probe_interval" json:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout" toml:"probe_timeout" json:"probe_timeout"`

	BackoffInitial    Duration `yaml:"backoff_initial" toml:"backoff_initial" json:"backoff_initial"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier" toml:"backoff_multiplier" json:"backoff_multiplier"`
	BackoffMax        Duration `yaml:"backoff_max" toml:"backoff_max" json:"backoff_max"`
	BackoffJitter     bool     `yaml:"backoff_jitter" toml:"backoff_jitter" json:"backoff_jitter"`
}

type RelayConfig struct {
	Alias string `yaml:"alias" toml:"alias" json:"alias"`
	// Route to the relay node, like "1#relay.example.org:4000 => api".
	Route string `yaml:"route" toml:"route" json:"route"`
	// Authorized requires a secure channel to a node with this identity.
	Authorized   *key.Identifier `yaml:"authorized" toml:"authorized" json:"authorized"`
	RelayAddress string          `yaml:"relay_address" toml:"relay_address" json:"relay_address"`
	// WaitForConnection makes startup wait for the first connection attempt.
	WaitForConnection bool `yaml:"wait_for_connection" toml:"wait_for_connection" json:"wait_for_connection"`
}

// Default is the configuration used for anything a file leaves out.
func Default() *Config {
	def := session.DefaultConfig()

	return &Config{
		LogLevel: "info",
		TCP: TCPConfig{
			ConnectTimeout: Duration(30 * time.Second),
		},
		Services: ServicesConfig{
			Echo:  true,
			Relay: false,
		},
		Session: SessionConfig{
			ProbeInterval:     Duration(def.ProbeInterval),
			ProbeTimeout:      Duration(def.ProbeTimeout),
			BackoffInitial:    Duration(def.Backoff.InitialDelay),
			BackoffMultiplier: def.Backoff.Multiplier,
			BackoffMax:        Duration(def.Backoff.MaxDelay),
			BackoffJitter:     def.Backoff.Jitter,
		},
	}
}

// Validate checks everything that can be checked without starting anything.
func (c *Config) Validate() error {
	var errs []error

	if c.PrivateKey.IsZero() {
		errs = append(errs, errors.New("private_key is not set"))
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}

	for i, l := range c.TCP.Listeners {
		if l.Bind == "" {
			errs = append(errs, fmt.Errorf("tcp listener %d: bind is empty", i))
		}
		if _, err := l.IPSet(); err != nil {
			errs = append(errs, fmt.Errorf("tcp listener %d: %w", i, err))
		}
	}

	for i, sc := range c.SecureChannels {
		if sc.Address == "" {
			errs = append(errs, fmt.Errorf("secure channel %d: address is empty", i))
		}
	}

	if c.Session.ProbeInterval <= 0 || c.Session.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("session probe_interval and probe_timeout must be positive"))
	}
	if c.Session.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("session backoff_multiplier must be at least 1"))
	}

	aliases := make(map[string]struct{})
	for i, r := range c.Relays {
		if r.Alias == "" {
			errs = append(errs, fmt.Errorf("relay %d: alias is empty", i))
		} else if _, dup := aliases[r.Alias]; dup {
			errs = append(errs, fmt.Errorf("relay %d: duplicate alias %q", i, r.Alias))
		}
		aliases[r.Alias] = struct{}{}

		if _, err := r.Request(); err != nil {
			errs = append(errs, fmt.Errorf("relay %d: %w", i, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// IPSet builds the set of allowed peers, nil if everyone is allowed.
func (l TCPListenerConfig) IPSet() (*netipx.IPSet, error) {
	if len(l.AllowedPeers) == 0 {
		return nil, nil
	}

	var b netipx.IPSetBuilder

	for _, p := range l.AllowedPeers {
		if strings.Contains(p, "/") {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, err
			}
			b.AddPrefix(prefix)
		} else {
			ip, err := netip.ParseAddr(p)
			if err != nil {
				return nil, err
			}
			b.Add(ip)
		}
	}

	return b.IPSet()
}

func (s SessionConfig) Session() session.Config {
	return session.Config{
		ProbeInterval: s.ProbeInterval.Std(),
		ProbeTimeout:  s.ProbeTimeout.Std(),
		Backoff: session.BackoffConfig{
			InitialDelay: s.BackoffInitial.Std(),
			Multiplier:   s.BackoffMultiplier,
			MaxDelay:     s.BackoffMax.Std(),
			Jitter:       s.BackoffJitter,
		},
	}
}

// Request turns the relay configuration into a request for a nodes.Manager.
func (r RelayConfig) Request() (nodes.CreateRelay, error) {
	req := nodes.CreateRelay{
		Alias:        r.Alias,
		ReturnTiming: nodes.Immediately,
	}

	if r.Route != "" {
		route, ok, err := routing.ParseRoute(r.Route)
		if err != nil {
			return nodes.CreateRelay{}, fmt.Errorf("invalid route: %w", err)
		}
		if ok {
			req.Address = route
		}
	}

	if r.Authorized != nil {
		req.Authorized = gonull.NewNullable(*r.Authorized)
	}
	if r.RelayAddress != "" {
		req.RelayAddress = gonull.NewNullable(r.RelayAddress)
	}
	if r.WaitForConnection {
		req.ReturnTiming = nodes.AfterConnection
	}

	return req, nil
}
