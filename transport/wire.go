package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

const (
	protocolVersion = 1

	// MaxFrameSize bounds a single length-prefixed envelope on the wire.
	MaxFrameSize = 16 << 20
)

type envelopeKind uint8

const (
	kindHello envelopeKind = iota + 1
	kindFinish
	kindData
	kindClose
	kindAlert
)

func (k envelopeKind) String() string {
	switch k {
	case kindHello:
		return "hello"
	case kindFinish:
		return "finish"
	case kindData:
		return "data"
	case kindClose:
		return "close"
	case kindAlert:
		return "alert"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type alertCode uint8

const (
	alertHandshake alertCode = iota + 1
	alertIntegrity
	alertReplay
	alertProtocol
)

// envelope is the unit exchanged by both transports. Seq orders envelopes of
// one channel and feeds the relay idempotency key.
type envelope struct {
	Kind    envelopeKind
	Channel [16]byte
	Seq     uint64
	Body    []byte
}

func (e *envelope) channelID() uuid.UUID {
	return uuid.UUID(e.Channel)
}

type helloMsg struct {
	Version uint64
	Proof   interfaces.IdentityProof
	Nonce   [32]byte
}

type finishMsg struct {
	Confirm []byte
}

// replyMsg is the sealed plaintext of a data reply. A non-empty Error reports
// a handler failure.
type replyMsg struct {
	Payload []byte
	Error   string
}

type alertMsg struct {
	Code   alertCode
	Reason string
}

func encodeEnvelope(env *envelope) ([]byte, error) {
	return rlp.EncodeToBytes(env)
}

func decodeEnvelope(data []byte) (*envelope, error) {
	env := new(envelope)
	if err := rlp.DecodeBytes(data, env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", interfaces.ErrTransport, err)
	}
	return env, nil
}

// writeEnvelope writes a uint32 big-endian length prefix followed by the encoded envelope.
func writeEnvelope(w io.Writer, env *envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: envelope of %d bytes exceeds limit", interfaces.ErrTransport, len(data))
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}
	return nil
}

func readEnvelope(r io.Reader) (*envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrTransport, err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: envelope of %d bytes exceeds limit", interfaces.ErrTransport, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrTransport, err)
	}
	return decodeEnvelope(data)
}

func newAlert(channel [16]byte, code alertCode, reason string) *envelope {
	body, _ := rlp.EncodeToBytes(&alertMsg{Code: code, Reason: reason})
	return &envelope{Kind: kindAlert, Channel: channel, Body: body}
}

// alertError converts a received alert into the matching error.
func alertError(env *envelope) error {
	var alert alertMsg
	if err := rlp.DecodeBytes(env.Body, &alert); err != nil {
		return fmt.Errorf("%w: malformed alert", interfaces.ErrTransport)
	}
	switch alert.Code {
	case alertHandshake:
		return fmt.Errorf("%w: peer rejected handshake: %s", interfaces.ErrHandshake, alert.Reason)
	case alertIntegrity, alertReplay:
		return fmt.Errorf("%w: peer rejected frame: %s", interfaces.ErrReplayDetected, alert.Reason)
	default:
		return fmt.Errorf("%w: peer alert: %s", interfaces.ErrTransport, alert.Reason)
	}
}

// ApplicationError is a handler failure reported by the peer inside an
// authenticated reply. It leaves the channel established.
type ApplicationError struct {
	Message string
}

func (e *ApplicationError) Error() string {
	return "remote handler error: " + e.Message
}
