package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/abiosoft/ishell/v2"
	"github.com/edup2p/meshwire/nodes"
	"github.com/edup2p/meshwire/securechannel"
	"github.com/edup2p/meshwire/session"
	"github.com/edup2p/meshwire/types/key"
	"github.com/edup2p/meshwire/types/routing"
)

const commandTimeout = 30 * time.Second

func commandCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}

// parseRoute reads a route from the arguments, or asks for one.
func parseRoute(c *ishell.Context, args []string) (routing.Route, bool) {
	var line string
	if len(args) == 0 {
		c.Println("enter the route, like '1#127.0.0.1:4000 => api'")
		line = c.ReadLine()
	} else {
		line = strings.Join(args, " ")
	}

	r, ok, err := routing.ParseRoute(line)
	if err != nil {
		c.Err(err)
		return routing.Route{}, false
	}
	if !ok {
		c.Err(errors.New("empty route"))
		return routing.Route{}, false
	}

	return r, true
}

func idCmd(mn *meshNode) *ishell.Cmd {
	return &ishell.Cmd{
		Name: "id",
		Help: "show this node's identifier",
		Func: func(c *ishell.Context) {
			c.Println("identifier:", mn.channels.Identity().Identifier())
		},
	}
}

func workersCmd(mn *meshNode) *ishell.Cmd {
	return &ishell.Cmd{
		Name: "workers",
		Help: "list all registered addresses",
		Func: func(c *ishell.Context) {
			for _, a := range mn.node.Addresses() {
				c.Println(a)
			}
		},
	}
}

func sendCmd(mn *meshNode) *ishell.Cmd {
	return &ishell.Cmd{
		Name: "send",
		Help: "send a message and wait for a reply; send <text> <route...>",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(errors.New("usage: send <text> <route...>"))
				return
			}

			r, ok := parseRoute(c, c.Args[1:])
			if !ok {
				return
			}

			ctx, cancel := commandCtx()
			defer cancel()

			reply, err := mn.node.NewDetachedAllowAll("shell")
			if err != nil {
				c.Err(err)
				return
			}
			defer reply.Stop()

			if err := reply.Send(r, []byte(c.Args[0])); err != nil {
				c.Err(err)
				return
			}

			msg, err := reply.Receive(ctx)
			if err != nil {
				c.Err(err)
				return
			}

			c.Printf("reply from %s: %q\n", msg.ReturnRoute(), msg.Payload())
		},
	}
}

func pingCmd(mn *meshNode) *ishell.Cmd {
	return &ishell.Cmd{
		Name: "ping",
		Help: "ping the echo service at the end of a route",
		Func: func(c *ishell.Context) {
			r, ok := parseRoute(c, c.Args)
			if !ok {
				return
			}

			r = r.Modify().Append(session.DefaultEchoAddress).Build()

			ctx, cancel := commandCtx()
			defer cancel()

			start := time.Now()
			if err := (session.EchoProber{Node: mn.node}).Probe(ctx, r); err != nil {
				c.Err(err)
				return
			}

			c.Println("pong in", time.Since(start))
		},
	}
}

func tcpCmd(mn *meshNode) *ishell.Cmd {
	cmd := &ishell.Cmd{
		Name: "tcp",
		Help: "tcp connections and listeners",
		Func: func(c *ishell.Context) {
			for _, l := range mn.transport.Listeners() {
				c.Printf("listener %s flow=%s\n", l.Addr(), l.FlowControlID())
			}
			for _, conn := range mn.transport.Connections() {
				dir := "out"
				if conn.Inbound() {
					dir = "in"
				}
				c.Printf("%-3s %s sender=%s receiver=%s\n", dir, conn.Peer(), conn.Sender(), conn.Receiver())
			}
		},
	}

	cmd.AddCmd(&ishell.Cmd{
		Name: "connect",
		Help: "connect to host:port",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: tcp connect <host:port>"))
				return
			}

			ctx, cancel := commandCtx()
			defer cancel()

			conn, err := mn.transport.Connect(ctx, c.Args[0], tcpConnectOptions(mn))
			if err != nil {
				c.Err(err)
				return
			}

			c.Println("connected, sender:", conn.Sender())
		},
	})

	cmd.AddCmd(&ishell.Cmd{
		Name: "disconnect",
		Help: "close the connection with the given sender address",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: tcp disconnect <sender>"))
				return
			}

			a, err := routing.ParseAddress(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			if err := mn.transport.Disconnect(a); err != nil {
				c.Err(err)
			}
		},
	})

	return cmd
}

func scCmd(mn *meshNode) *ishell.Cmd {
	cmd := &ishell.Cmd{
		Name: "sc",
		Help: "secure channels",
		Func: func(c *ishell.Context) {
			for _, l := range mn.channels.Listeners() {
				c.Printf("listener %s flow=%s\n", l.Address(), l.FlowControlID())
			}
			for _, sc := range mn.channels.List() {
				c.Printf("%s %s peer=%s route=%s\n", sc.Role(), sc.Addresses().Encryptor, sc.Peer().Debug(), sc.RemoteRoute())
			}
		},
	}

	cmd.AddCmd(&ishell.Cmd{
		Name: "create",
		Help: "create a secure channel; sc create <identifier|*> <route...>",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(errors.New("usage: sc create <identifier|*> <route...>"))
				return
			}

			policy := securechannel.TrustEveryone
			if c.Args[0] != "*" {
				id, err := key.ParseIdentifier(c.Args[0])
				if err != nil {
					c.Err(err)
					return
				}
				policy = securechannel.TrustIdentifiers(*id)
			}

			r, ok := parseRoute(c, c.Args[1:])
			if !ok {
				return
			}

			ctx, cancel := commandCtx()
			defer cancel()

			sc, err := mn.channels.CreateSecureChannel(ctx, r, securechannel.Options{TrustPolicy: policy})
			if err != nil {
				c.Err(err)
				return
			}

			c.Println("secure channel established, route:", sc.Route())
		},
	})

	cmd.AddCmd(&ishell.Cmd{
		Name: "delete",
		Help: "delete the secure channel with the given encryptor address",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: sc delete <encryptor>"))
				return
			}

			a, err := routing.ParseAddress(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			if err := mn.channels.Delete(a); err != nil {
				c.Err(err)
			}
		},
	})

	return cmd
}

func printRelay(c *ishell.Context, info *nodes.RelayInfo) {
	c.Printf("%s -> %s status=%s", info.Alias, info.DestinationAddress, info.Status)
	if info.RemoteAddress.Valid {
		c.Printf(" remote=%s forwarding=%s", info.RemoteAddress.Val, info.ForwardingRoute.Val)
	}
	c.Println()
}

func relayCmd(mn *meshNode) *ishell.Cmd {
	cmd := &ishell.Cmd{
		Name: "relay",
		Help: "relays at other nodes",
		Func: func(c *ishell.Context) {
			for _, info := range mn.manager.Relays() {
				printRelay(c, info)
			}
		},
	}

	cmd.AddCmd(&ishell.Cmd{
		Name: "create",
		Help: "create a relay; relay create <alias> <identifier|-> <route...>",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 3 {
				c.Err(errors.New("usage: relay create <alias> <identifier|-> <route...>"))
				return
			}

			req := nodes.CreateRelay{
				Alias:        c.Args[0],
				RelayAddress: gonull.NewNullable(c.Args[0]),
				ReturnTiming: nodes.AfterConnection,
			}

			if c.Args[1] != "-" {
				id, err := key.ParseIdentifier(c.Args[1])
				if err != nil {
					c.Err(err)
					return
				}
				req.Authorized = gonull.NewNullable(*id)
			}

			r, ok := parseRoute(c, c.Args[2:])
			if !ok {
				return
			}
			req.Address = r

			ctx, cancel := commandCtx()
			defer cancel()

			info, err := mn.manager.CreateRelay(ctx, req)
			if err != nil {
				c.Err(err)
				return
			}

			printRelay(c, info)
		},
	})

	cmd.AddCmd(&ishell.Cmd{
		Name: "show",
		Help: "show a relay",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: relay show <alias>"))
				return
			}

			info, err := mn.manager.ShowRelay(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			printRelay(c, info)
		},
	})

	cmd.AddCmd(&ishell.Cmd{
		Name: "delete",
		Help: "delete a relay",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: relay delete <alias>"))
				return
			}

			ctx, cancel := commandCtx()
			defer cancel()

			if err := mn.manager.DeleteRelay(ctx, c.Args[0]); err != nil {
				c.Err(err)
			}
		},
	})

	return cmd
}
