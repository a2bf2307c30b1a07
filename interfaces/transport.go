package interfaces

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TransportVariant is the closed set of channel strategies.
type TransportVariant uint8

const (
	// DirectTransport connects to the enclave over a network socket.
	DirectTransport TransportVariant = iota
	// BootstrapTransport relays requests through the ledger when no direct path exists.
	BootstrapTransport
)

func (v TransportVariant) String() string {
	switch v {
	case DirectTransport:
		return "direct"
	case BootstrapTransport:
		return "bootstrap"
	default:
		return "unknown"
	}
}

func ParseTransportVariant(s string) (TransportVariant, error) {
	switch s {
	case "direct":
		return DirectTransport, nil
	case "bootstrap":
		return BootstrapTransport, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
}

// ChannelState tracks the channel lifecycle:
//
//	Unconnected -> Handshaking -> Established -> {Closed, Failed}
//
// Closed and Failed are terminal.
type ChannelState int32

const (
	Unconnected ChannelState = iota
	Handshaking
	Established
	Closed
	Failed
)

func (s ChannelState) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the channel can no longer be used.
func (s ChannelState) Terminal() bool {
	return s == Closed || s == Failed
}

// Channel is an authenticated session with a peer enclave. A channel has a
// single owner; concurrent Send calls on one channel are not supported.
type Channel interface {
	ID() uuid.UUID
	Variant() TransportVariant
	State() ChannelState
	// PeerProof returns the verified identity proof of the peer.
	PeerProof() IdentityProof
}

// Transport opens authenticated channels and carries request/response exchanges.
type Transport interface {
	// Connect completes the full handshake before returning. It never returns
	// an unauthenticated channel.
	Connect(ctx context.Context, target Target) (Channel, error)

	// Send performs exactly one request/response exchange. It never retries.
	// Cancelling ctx closes the channel.
	Send(ctx context.Context, ch Channel, payload []byte) ([]byte, error)

	// Close is idempotent and safe on failed channels.
	Close(ch Channel) error
}

// ProofVerifier checks the cryptographic validity of an identity proof.
// Whitelist and expiry policy are applied by the caller.
type ProofVerifier interface {
	VerifyProof(proof IdentityProof) error
}

// Handler serves decrypted requests on the enclave side of a channel.
type Handler interface {
	HandleRequest(ctx context.Context, peer IdentityProof, payload []byte) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, peer IdentityProof, payload []byte) ([]byte, error)

func (f HandlerFunc) HandleRequest(ctx context.Context, peer IdentityProof, payload []byte) ([]byte, error) {
	return f(ctx, peer, payload)
}
