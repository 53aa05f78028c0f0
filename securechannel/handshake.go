package securechannel

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/types/access"
	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/key"
	"github.com/edup2p/meshwire/types/routing"
)

var timeoutPayload = []byte("handshake timeout")

// HandshakeWorker runs one side of a single handshake, on all four of the channel's addresses.
//
// On success it stops itself and starts an Encryptor and Decryptor on the same addresses; on failure it
// stops, leaving nothing behind.
type HandshakeWorker struct {
	role  Role
	state State

	addrs        Addresses
	flowID       flowcontrol.ID
	decryptedOut access.Control

	identity IdentityProvider
	trust    TrustPolicy
	registry *SecureChannels

	timeout      time.Duration
	timeoutEvent *actors.DelayedEvent

	ephemeral key.ExchangePrivate
	ephPublic key.ExchangePublic
	keys      *handshakeKeys

	// initiator: where the first message goes
	initialRoute routing.Route
	remoteRoute  routing.Route

	peer           key.Identifier
	peerCredential []byte

	// messages that arrived at the channel before it was established
	early []*routing.RelayMessage

	result chan error
}

type handshakeParams struct {
	role         Role
	addrs        Addresses
	flowID       flowcontrol.ID
	decryptedOut access.Control
	identity     IdentityProvider
	trust        TrustPolicy
	registry     *SecureChannels
	timeout      time.Duration
	initialRoute routing.Route
}

func newHandshakeWorker(p handshakeParams) *HandshakeWorker {
	trust := p.trust
	if trust == nil {
		trust = TrustEveryone
	}

	return &HandshakeWorker{
		role:         p.role,
		state:        AwaitingHandshake,
		addrs:        p.addrs,
		flowID:       p.flowID,
		decryptedOut: p.decryptedOut,
		identity:     p.identity,
		trust:        trust,
		registry:     p.registry,
		timeout:      p.timeout,
		initialRoute: p.initialRoute,
		ephemeral:    key.NewExchange(),
		result:       make(chan error, 1),
	}
}

func (h *HandshakeWorker) mailboxes() actors.Mailboxes {
	return h.addrs.handshakeMailboxes(h.decryptedOut)
}

func (h *HandshakeWorker) log() *slog.Logger {
	return actors.L(h).With("role", h.role, "state", h.state, "decryptor", h.addrs.DecryptorRemote)
}

func (h *HandshakeWorker) Initialize(ctx *actors.Context) error {
	h.ephPublic = h.ephemeral.Public()

	if h.timeout > 0 {
		h.timeoutEvent = actors.NewDelayedEvent(ctx, routing.NewRoute(h.addrs.DecryptorInternal), timeoutPayload)
		h.timeoutEvent.Schedule(h.timeout)
	}

	if h.role == Responder {
		return nil
	}

	h.state = KeyExchangeInProgress

	if err := ctx.Send(h.initialRoute, withType(msgKeyExchange1, h.ephPublic[:])); err != nil {
		h.stopTimeout()
		h.state = Failed
		h.ephemeral.Wipe()
		h.result <- fmt.Errorf("%w: %w", ErrHandshakeCrypto, err)
		return err
	}

	return nil
}

func (h *HandshakeWorker) HandleMessage(ctx *actors.Context, msg *routing.RelayMessage) error {
	if h.state == Established || h.state == Failed {
		return nil
	}

	switch msg.Destination {
	case h.addrs.Encryptor:
		// plaintext sent before we were ready
		h.early = append(h.early, msg)
		return nil
	case h.addrs.DecryptorInternal:
		if bytes.Equal(msg.Payload(), timeoutPayload) {
			h.fail(ctx, fmt.Errorf("%w: timed out while %s", ErrHandshakeCrypto, h.state))
		}
		return nil
	case h.addrs.DecryptorRemote:
	default:
		return nil
	}

	t, body, err := splitMessage(msg.Payload())
	if err != nil {
		h.fail(ctx, fmt.Errorf("%w: %w", ErrHandshakeCrypto, err))
		return nil
	}

	switch {
	case t == msgData:
		// the peer finished before we switched over
		h.early = append(h.early, msg)
		return nil
	case h.role == Responder && h.state == AwaitingHandshake && t == msgKeyExchange1:
		err = h.handleKeyExchange1(ctx, msg, body)
	case h.role == Initiator && h.state == KeyExchangeInProgress && t == msgKeyExchange2:
		err = h.handleKeyExchange2(ctx, msg, body)
	case h.role == Responder && h.state == AwaitingIdentityProof && t == msgProof:
		err = h.handleProof(ctx, body)
	case h.role == Initiator && h.state == AwaitingTrustDecision && t == msgFinish:
		err = h.handleFinish(ctx, body)
	default:
		err = fmt.Errorf("%w: unexpected %s message", ErrHandshakeCrypto, t)
	}

	if err != nil {
		h.fail(ctx, err)
	}

	return nil
}

func (h *HandshakeWorker) exchange(peerEph key.ExchangePublic) error {
	shared, err := h.ephemeral.Shared(peerEph)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeCrypto, err)
	}

	if h.role == Initiator {
		h.keys, err = deriveKeys(shared, h.ephPublic, peerEph)
	} else {
		h.keys, err = deriveKeys(shared, peerEph, h.ephPublic)
	}
	shared.Wipe()

	h.ephemeral.Wipe()

	return err
}

// ownProof signs the transcript and seals the result for the peer.
func (h *HandshakeWorker) ownProof() ([]byte, error) {
	sig, err := h.identity.Sign(append(proofTag(h.role), h.keys.transcript[:]...))
	if err != nil {
		return nil, fmt.Errorf("could not sign transcript: %w", err)
	}

	p := &identityProof{Identifier: h.identity.Identifier(), Signature: sig}
	if c, ok := h.identity.CurrentCredential(); ok {
		p.Credential = c
	}

	b, err := p.marshal()
	if err != nil {
		return nil, err
	}

	sendProof, _, _, _ := h.keys.forRole(h.role)

	return seal(sendProof, 0, b, h.keys.transcript[:])
}

// checkProof opens and verifies the peer's proof, then runs it past the trust policy.
func (h *HandshakeWorker) checkProof(sealed []byte) error {
	_, recvProof, _, _ := h.keys.forRole(h.role)

	b, err := open(recvProof, 0, sealed, h.keys.transcript[:])
	if err != nil {
		return err
	}

	p, err := parseIdentityProof(b)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeCrypto, err)
	}

	peerRole := Responder
	if h.role == Responder {
		peerRole = Initiator
	}

	if !h.identity.Verify(p.Identifier, p.Signature, append(proofTag(peerRole), h.keys.transcript[:]...)) {
		return fmt.Errorf("%w: invalid identity signature from %s", ErrHandshakeCrypto, p.Identifier)
	}

	h.peer = p.Identifier
	h.peerCredential = p.Credential

	h.state = AwaitingTrustDecision

	if !h.trust.Evaluate(p.Identifier, p.Credential) {
		return fmt.Errorf("%w: %s", ErrTrustRejected, p.Identifier)
	}

	return nil
}

func (h *HandshakeWorker) handleKeyExchange1(ctx *actors.Context, msg *routing.RelayMessage, body []byte) error {
	h.state = KeyExchangeInProgress

	peerEph, _, err := readEphemeral(body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeCrypto, err)
	}

	h.remoteRoute = msg.ReturnRoute()

	if err := h.exchange(peerEph); err != nil {
		return err
	}

	proof, err := h.ownProof()
	if err != nil {
		return err
	}

	h.state = AwaitingIdentityProof

	return ctx.Send(h.remoteRoute, withType(msgKeyExchange2, h.ephPublic[:], proof))
}

func (h *HandshakeWorker) handleKeyExchange2(ctx *actors.Context, msg *routing.RelayMessage, body []byte) error {
	peerEph, rest, err := readEphemeral(body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeCrypto, err)
	}

	h.remoteRoute = msg.ReturnRoute()

	if err := h.exchange(peerEph); err != nil {
		return err
	}

	h.state = AwaitingIdentityProof

	if err := h.checkProof(rest); err != nil {
		return err
	}

	proof, err := h.ownProof()
	if err != nil {
		return err
	}

	// now waiting on the responder's trust decision
	return ctx.Send(h.remoteRoute, withType(msgProof, proof))
}

func (h *HandshakeWorker) handleProof(ctx *actors.Context, body []byte) error {
	sendProof, _, _, _ := h.keys.forRole(h.role)

	if err := h.checkProof(body); err != nil {
		if errors.Is(err, ErrTrustRejected) {
			// tell the initiator, so it can tell policy apart from an attack
			if f, sErr := seal(sendProof, 1, []byte{finishReject}, h.keys.transcript[:]); sErr == nil {
				_ = ctx.Send(h.remoteRoute, withType(msgFinish, f))
			}
		}
		return err
	}

	f, err := seal(sendProof, 1, []byte{finishAccept}, h.keys.transcript[:])
	if err != nil {
		return err
	}

	if err := ctx.Send(h.remoteRoute, withType(msgFinish, f)); err != nil {
		return err
	}

	return h.establish(ctx)
}

func (h *HandshakeWorker) handleFinish(ctx *actors.Context, body []byte) error {
	_, recvProof, _, _ := h.keys.forRole(h.role)

	b, err := open(recvProof, 1, body, h.keys.transcript[:])
	if err != nil {
		return err
	}

	if len(b) != 1 {
		return fmt.Errorf("%w: bad finish message", ErrHandshakeCrypto)
	}

	if b[0] != finishAccept {
		return fmt.Errorf("%w: by responder", ErrTrustRejected)
	}

	return h.establish(ctx)
}

// establish hands the addresses to a fresh Encryptor and Decryptor.
func (h *HandshakeWorker) establish(ctx *actors.Context) error {
	_, _, sendData, recvData := h.keys.forRole(h.role)

	s, err := newSealer(sendData)
	if err != nil {
		return err
	}
	o, err := newOpener(recvData)
	if err != nil {
		return err
	}

	h.keys.wipe()
	h.keys = nil

	h.stopTimeout()
	h.state = Established

	ch := &SecureChannel{
		addresses:   h.addrs,
		role:        h.role,
		peer:        h.peer,
		credential:  h.peerCredential,
		flowID:      h.flowID,
		remoteRoute: h.remoteRoute,
		createdAt:   time.Now(),
		registry:    h.registry,
	}

	ctx.Stop()
	pending := append(h.early, ctx.Drain()...)
	h.early = nil

	node := ctx.Node()

	if err := node.StartWorker(h.addrs.decryptorMailboxes(h.decryptedOut), &Decryptor{channel: ch, opener: o}); err != nil {
		h.state = Failed
		return err
	}

	if err := node.StartWorker(h.addrs.encryptorMailboxes(), &Encryptor{channel: ch, sealer: s}); err != nil {
		h.state = Failed
		_ = node.StopAddress(h.addrs.DecryptorRemote)
		return err
	}

	h.registry.add(ch)

	for _, msg := range pending {
		if err := node.Redeliver(msg); err != nil {
			h.log().Warn("could not redeliver early message", "err", err)
		}
	}

	h.log().Info("secure channel established", "peer", h.peer, "encryptor", h.addrs.Encryptor)

	h.result <- nil

	return nil
}

func (h *HandshakeWorker) stopTimeout() {
	if h.timeoutEvent != nil {
		h.timeoutEvent.Cancel()
	}
}

func (h *HandshakeWorker) fail(ctx *actors.Context, err error) {
	if h.state == Failed {
		return
	}

	h.log().Warn("handshake failed", "err", err, "peer", h.peer)

	h.state = Failed
	h.stopTimeout()
	h.ephemeral.Wipe()
	if h.keys != nil {
		h.keys.wipe()
		h.keys = nil
	}
	h.early = nil

	select {
	case h.result <- err:
	default:
	}

	ctx.Stop()
}

func (h *HandshakeWorker) Shutdown(*actors.Context) error {
	h.stopTimeout()

	if h.state != Established && h.state != Failed {
		h.state = Failed
		h.ephemeral.Wipe()
		if h.keys != nil {
			h.keys.wipe()
		}

		select {
		case h.result <- fmt.Errorf("%w: handshake worker stopped", ErrHandshakeCrypto):
		default:
		}
	}

	return nil
}
