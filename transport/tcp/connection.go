package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/types"
	"github.com/edup2p/meshwire/types/access"
	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/routing"
)

var errConnectionClosed = errors.New("connection closed")

// Connection is one TCP connection to another node; a sender worker writing frames to it, and a receiver
// reading frames from it into the node.
type Connection struct {
	transport *Transport

	ctx context.Context
	ccc context.CancelCauseFunc

	conn net.Conn
	peer string
	// accepted by a listener, instead of dialed
	inbound bool

	sendMutex sync.Mutex
	writer    *bufio.Writer
	reader    *bufio.Reader

	sender   routing.Address
	receiver *actors.Context
	flow     flowcontrol.ID

	closeOnce sync.Once
}

type connectionParams struct {
	peer    string
	inbound bool
	spawner *flowcontrol.ID
	// restricts the receiver to consumers of its flow, or of spawner
	restricted bool
}

// establish exchanges protocol versions, and starts the sender and receiver of a fresh connection.
func (t *Transport) establish(conn net.Conn, p connectionParams) (*Connection, error) {
	ctx, ccc := context.WithCancelCause(t.node.Ctx())

	c := &Connection{
		transport: t,
		ctx:       ctx,
		ccc:       ccc,
		conn:      conn,
		peer:      p.peer,
		inbound:   p.inbound,
		writer:    bufio.NewWriter(conn),
		reader:    bufio.NewReader(conn),
		sender:    routing.RandomLocal("tcp_sender"),
		flow:      flowcontrol.NewID(),
	}

	if err := conn.SetDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return nil, fmt.Errorf("could not set deadline: %w", err)
	}
	if err := writeVersion(c.writer); err != nil {
		return nil, fmt.Errorf("error sending version: %w", err)
	}
	if err := readVersion(c.reader); err != nil {
		return nil, fmt.Errorf("error receiving version: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("could not reset deadline: %w", err)
	}

	var out access.Control = access.AllowAll
	if p.restricted {
		out = access.NewFlowControlOutgoing(t.node.FlowControls(), c.flow, p.spawner)
	}

	receiverAddr := routing.RandomLocal("tcp_receiver")

	t.node.FlowControls().AddProducer(receiverAddr, c.flow, p.spawner, []routing.Address{c.sender})

	var err error
	c.receiver, err = t.node.NewDetached(actors.Single(actors.NewMailbox(receiverAddr, access.DenyAll, out)))
	if err != nil {
		t.node.FlowControls().Cleanup(receiverAddr)
		return nil, err
	}

	if err = t.node.StartWorker(actors.Single(actors.NewMailbox(c.sender, access.AllowAll, access.DenyAll)), &sender{c: c}); err != nil {
		c.receiver.Stop()
		return nil, err
	}

	go c.runReceive()
	go c.runKeepAlive()

	return c, nil
}

// Peer is the "host:port" this connection was made to, or accepted from.
func (c *Connection) Peer() string {
	return c.peer
}

func (c *Connection) Inbound() bool {
	return c.inbound
}

// Sender is the local address that sends to the other node.
func (c *Connection) Sender() routing.Address {
	return c.sender
}

// Receiver is the local address messages from the other node are sent from.
func (c *Connection) Receiver() routing.Address {
	return c.receiver.Address()
}

// FlowControlID is the flow the receiver produces.
func (c *Connection) FlowControlID() flowcontrol.ID {
	return c.flow
}

func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close tears the connection down, stopping its sender and receiver.
func (c *Connection) Close() {
	c.Cancel(errConnectionClosed)
}

func (c *Connection) Cancel(err error) {
	c.ccc(err)

	c.closeOnce.Do(func() {
		if cErr := c.conn.Close(); cErr != nil {
			slog.Debug("error closing tcp connection", "peer", c.peer, "err", cErr)
		}

		_ = c.transport.node.StopAddress(c.sender)
		c.receiver.Stop()

		c.transport.removeConnection(c)

		slog.Info("tcp connection closed", "peer", c.peer, "cause", context.Cause(c.ctx))
	})
}

func (c *Connection) write(f func(bw *bufio.Writer) error) error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return err
	}

	return f(c.writer)
}

func (c *Connection) runReceive() {
	defer func() {
		if v := recover(); v != nil {
			c.Cancel(fmt.Errorf("receiver panicked: %s", v))
		}
	}()

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
			c.Cancel(err)
			return
		}

		lm, err := readFrame(c.reader)

		if types.IsContextDone(c.ctx) {
			return
		}

		if err != nil {
			c.Cancel(fmt.Errorf("error receiving frame: %w", err))
			return
		}

		if lm == nil {
			// keepalive
			continue
		}

		if err := c.receiver.Forward(lm.PushFrontReturn(c.sender)); err != nil {
			slog.Warn("could not deliver message from tcp connection", "peer", c.peer, "err", err)
		}
	}
}

func (c *Connection) runKeepAlive() {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(writeKeepAlive); err != nil {
				c.Cancel(fmt.Errorf("error writing keepalive: %w", err))
				return
			}
		}
	}
}

// sender writes every message it receives to the connection, minus its own hop.
type sender struct {
	c *Connection
}

func (s *sender) HandleMessage(ctx *actors.Context, msg *routing.RelayMessage) error {
	lm, err := msg.Local.PopFrontOnward()
	if err != nil {
		return err
	}

	if lm.Onward.IsEmpty() {
		return fmt.Errorf("%w: nothing to send to on %s", routing.ErrIncompleteRoute, s.c.peer)
	}

	err = s.c.write(func(bw *bufio.Writer) error {
		return writeMessage(bw, lm)
	})

	if errors.Is(err, ErrMessageLengthExceeded) {
		return err
	} else if err != nil {
		s.c.Cancel(fmt.Errorf("error writing: %w", err))
		return err
	}

	actors.L(s).Log(ctx.Ctx(), types.LevelTrace, "sent", "peer", s.c.peer, "onward", lm.Onward)

	return nil
}
