package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/tee-enclave-rpc/cryptoutils"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

// exchangeFunc delivers one envelope to the peer and returns the reply. The
// direct transport writes to its connection, the bootstrap transport relays
// through the ledger.
type exchangeFunc func(ctx context.Context, env *envelope) (*envelope, error)

// handshaker holds the local identity used for both sides of the handshake.
type handshaker struct {
	creds    *cryptoutils.Credentials
	verifier interfaces.ProofVerifier
	now      func() time.Time
}

func (h *handshaker) hello() (*helloMsg, []byte, error) {
	hello := &helloMsg{Version: protocolVersion, Proof: h.creds.Proof()}
	if _, err := rand.Read(hello.Nonce[:]); err != nil {
		return nil, nil, fmt.Errorf("failed to generate handshake nonce: %w", err)
	}
	encoded, err := rlp.EncodeToBytes(hello)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode hello: %w", err)
	}
	return hello, encoded, nil
}

// initiate runs the initiator side:
//
//	-> hello{proof, nonce}     <- hello{proof, nonce}
//	-> finish{confirm}         <- finish{confirm}
//
// The peer proof must be valid, whitelisted and carry the key of the target
// entity. The channel is established only after both key confirmations check out.
func (h *handshaker) initiate(ctx context.Context, ch *channel, exchange exchangeFunc) error {
	if !ch.transition(interfaces.Unconnected, interfaces.Handshaking) {
		return fmt.Errorf("%w: channel %s already used", interfaces.ErrTransport, ch.id)
	}

	_, helloBytes, err := h.hello()
	if err != nil {
		return err
	}

	reply, err := exchange(ctx, &envelope{Kind: kindHello, Channel: ch.id, Body: helloBytes})
	if err != nil {
		return err
	}
	peerHello, err := decodeHello(reply)
	if err != nil {
		return err
	}
	if err := cryptoutils.VerifyPeerProof(h.verifier, peerHello.Proof, ch.target.Whitelist, h.now()); err != nil {
		return err
	}
	if !ch.target.Binds(peerHello.Proof.PublicKey) {
		return fmt.Errorf("%w: peer key %x does not belong to entity %s", interfaces.ErrHandshake, peerHello.Proof.PublicKey, ch.target.EntityID)
	}

	transcript := cryptoutils.Transcript(helloBytes, reply.Body)
	keys, err := h.deriveKeys(peerHello.Proof, transcript, true)
	if err != nil {
		return err
	}

	finish, err := rlp.EncodeToBytes(&finishMsg{Confirm: keys.Confirmation(transcript)})
	if err != nil {
		keys.Wipe()
		return fmt.Errorf("failed to encode finish: %w", err)
	}
	reply, err = exchange(ctx, &envelope{Kind: kindFinish, Channel: ch.id, Seq: 1, Body: finish})
	if err == nil {
		err = verifyFinish(reply, keys, transcript)
	}
	if err == nil {
		err = ch.establish(peerHello.Proof, keys)
	}
	if err != nil {
		keys.Wipe()
		return err
	}
	return nil
}

func (h *handshaker) deriveKeys(peer interfaces.IdentityProof, transcript [32]byte, initiator bool) (*cryptoutils.SessionKeys, error) {
	shared, err := h.creds.SharedSecret(peer.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrHandshake, err)
	}
	defer clear(shared)

	keys, err := cryptoutils.DeriveSessionKeys(shared, transcript, initiator)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrHandshake, err)
	}
	return keys, nil
}

func decodeHello(env *envelope) (*helloMsg, error) {
	switch env.Kind {
	case kindHello:
	case kindAlert:
		return nil, alertError(env)
	default:
		return nil, fmt.Errorf("%w: expected hello, got %s", interfaces.ErrHandshake, env.Kind)
	}

	hello := new(helloMsg)
	if err := rlp.DecodeBytes(env.Body, hello); err != nil {
		return nil, fmt.Errorf("%w: malformed hello: %v", interfaces.ErrHandshake, err)
	}
	if hello.Version != protocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", interfaces.ErrHandshake, hello.Version)
	}
	return hello, nil
}

func verifyFinish(env *envelope, keys *cryptoutils.SessionKeys, transcript [32]byte) error {
	switch env.Kind {
	case kindFinish:
	case kindAlert:
		return alertError(env)
	default:
		return fmt.Errorf("%w: expected finish, got %s", interfaces.ErrHandshake, env.Kind)
	}

	var finish finishMsg
	if err := rlp.DecodeBytes(env.Body, &finish); err != nil {
		return fmt.Errorf("%w: malformed finish: %v", interfaces.ErrHandshake, err)
	}
	if !keys.VerifyConfirmation(transcript, finish.Confirm) {
		return fmt.Errorf("%w: key confirmation failed", interfaces.ErrHandshake)
	}
	return nil
}

// isSecurityFailure reports errors that must fail a channel permanently.
func isSecurityFailure(err error) bool {
	return errors.Is(err, interfaces.ErrHandshake) || errors.Is(err, interfaces.ErrReplayDetected)
}
