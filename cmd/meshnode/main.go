package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abiosoft/ishell/v2"
	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/config"
	"github.com/edup2p/meshwire/nodes"
	"github.com/edup2p/meshwire/relay"
	"github.com/edup2p/meshwire/securechannel"
	"github.com/edup2p/meshwire/session"
	"github.com/edup2p/meshwire/transport/tcp"
	"github.com/edup2p/meshwire/types"
	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/routing"
)

var (
	configPath = flag.String("c", "meshnode.yaml", "config file path (.yaml, .toml or .json), created with a fresh identity if missing")
	noShell    = flag.Bool("no-shell", false, "run without the interactive shell, until interrupted")

	programLevel = new(slog.LevelVar) // Info by default
)

// meshNode is everything running in this process.
type meshNode struct {
	cfg *config.Config

	node      *actors.Node
	transport *tcp.Transport
	channels  *securechannel.SecureChannels
	manager   *nodes.Manager
}

func main() {
	flag.Parse()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel, AddSource: true})
	slog.SetDefault(slog.New(h))

	cfg, err := config.LoadOrCreate(*configPath)
	if err != nil {
		slog.Error("could not load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	setLevel(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mn, err := start(ctx, cfg)
	if err != nil {
		slog.Error("could not start node", "err", err)
		os.Exit(1)
	}
	defer mn.stop()

	slog.Info("node started", "identifier", mn.channels.Identity().Identifier())

	if *noShell {
		<-ctx.Done()
		return
	}

	runShell(mn)
}

func setLevel(level string) {
	switch level {
	case "trace":
		programLevel.Set(types.LevelTrace)
	case "debug":
		programLevel.Set(slog.LevelDebug)
	case "warn":
		programLevel.Set(slog.LevelWarn)
	case "error":
		programLevel.Set(slog.LevelError)
	default:
		programLevel.Set(slog.LevelInfo)
	}
}

func start(ctx context.Context, cfg *config.Config) (*meshNode, error) {
	mn := &meshNode{cfg: cfg}

	mn.node = actors.NewNode(ctx, nil)
	mn.transport = tcp.New(mn.node, tcpConnectOptions(mn))
	mn.channels = securechannel.New(mn.node, securechannel.NewLocalIdentity(cfg.PrivateKey))

	// services every listener hands its traffic to
	var services []routing.Address

	if cfg.Services.Echo {
		if err := session.StartEchoService(mn.node, session.DefaultEchoAddress); err != nil {
			return nil, err
		}
		services = append(services, session.DefaultEchoAddress)
	}

	var tcpListeners []*tcp.Listener
	for _, lc := range cfg.TCP.Listeners {
		set, err := lc.IPSet()
		if err != nil {
			return nil, err
		}

		l, err := mn.transport.Listen(lc.Bind, tcp.ListenOptions{AllowedPeers: set})
		if err != nil {
			return nil, fmt.Errorf("could not listen on %s: %w", lc.Bind, err)
		}
		tcpListeners = append(tcpListeners, l)
	}

	var scListeners []*securechannel.Listener
	for _, sc := range cfg.SecureChannels {
		policy := securechannel.TrustEveryone
		if len(sc.TrustedIdentifiers) > 0 {
			policy = securechannel.TrustIdentifiers(sc.TrustedIdentifiers...)
		}

		addr := routing.Local(sc.Address)

		l, err := mn.channels.CreateListener(addr, securechannel.ListenerOptions{
			TrustPolicy:      policy,
			HandshakeTimeout: sc.HandshakeTimeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		scListeners = append(scListeners, l)

		// handshakes arrive over tcp
		for _, tl := range tcpListeners {
			tl.AddConsumer(addr)
		}
	}

	if cfg.Services.Relay {
		var flows []flowcontrol.ID
		for _, l := range tcpListeners {
			flows = append(flows, l.FlowControlID())
		}
		for _, l := range scListeners {
			flows = append(flows, l.FlowControlID())
		}

		if _, err := relay.StartService(mn.node, relay.DefaultServiceAddress, relay.ServiceOptions{ForwarderFlows: flows}); err != nil {
			return nil, err
		}
		services = append(services, relay.DefaultServiceAddress)
	}

	for _, s := range services {
		for _, l := range tcpListeners {
			l.AddConsumer(s)
		}
		for _, l := range scListeners {
			l.AddConsumer(s)
		}
	}

	mn.manager = nodes.NewManager(mn.node, mn.channels, nodes.ManagerOptions{
		Session:        cfg.Session.Session(),
		RelayConsumers: services,
	})

	for _, rc := range cfg.Relays {
		req, err := rc.Request()
		if err != nil {
			return nil, err
		}

		if _, err := mn.manager.CreateRelay(ctx, req); err != nil {
			return nil, fmt.Errorf("could not create relay %s: %w", rc.Alias, err)
		}
	}

	return mn, nil
}

func (mn *meshNode) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := mn.manager.Shutdown(ctx); err != nil {
		slog.Warn("error shutting down node manager", "err", err)
	}

	mn.transport.Shutdown()

	if err := mn.node.Shutdown(ctx); err != nil {
		slog.Warn("error shutting down node", "err", err)
	}
}

func runShell(mn *meshNode) {
	shell := ishell.New()

	shell.SetHomeHistoryPath(".meshnode_history")

	shell.Println("meshnode interactive shell")

	shell.AddCmd(&ishell.Cmd{
		Name: "trace",
		Help: "set log level to trace",
		Func: func(c *ishell.Context) {
			programLevel.Set(types.LevelTrace)
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "debug",
		Help: "set log level to debug",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelDebug)
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "info",
		Help: "set log level to info",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelInfo)
		},
	})

	shell.AddCmd(idCmd(mn))
	shell.AddCmd(workersCmd(mn))
	shell.AddCmd(sendCmd(mn))
	shell.AddCmd(pingCmd(mn))
	shell.AddCmd(tcpCmd(mn))
	shell.AddCmd(scCmd(mn))
	shell.AddCmd(relayCmd(mn))

	shell.Run()
}

func tcpConnectOptions(mn *meshNode) tcp.ConnectOptions {
	return tcp.ConnectOptions{
		RestrictToConsumers: mn.cfg.TCP.RestrictOutgoing,
		Timeout:             mn.cfg.TCP.ConnectTimeout.Std(),
	}
}
