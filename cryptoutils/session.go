package cryptoutils

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"golang.org/x/crypto/chacha20poly1305"
)

// CounterSize is the length of the big-endian frame counter prefix.
const CounterSize = 8

var ErrCounterExhausted = errors.New("frame counter exhausted")

// Session seals and opens channel frames:
//
//	frame = counter (8 bytes, big-endian) || ChaCha20-Poly1305(payload)
//
// The nonce is four zero bytes followed by the counter, and the channel id and
// counter are authenticated as associated data. Send counters start at 1 and
// received counters must strictly increase. A Session has a single owner.
type Session struct {
	channelID []byte
	sealer    cipher.AEAD
	opener    cipher.AEAD
	sent      uint64
	received  uint64
}

func NewSession(channelID []byte, keys *SessionKeys) (*Session, error) {
	sealer, err := chacha20poly1305.New(keys.Send[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create sealer: %w", err)
	}
	opener, err := chacha20poly1305.New(keys.Recv[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create opener: %w", err)
	}
	return &Session{
		channelID: append([]byte(nil), channelID...),
		sealer:    sealer,
		opener:    opener,
	}, nil
}

// Seal encrypts payload under the next send counter.
func (s *Session) Seal(payload []byte) ([]byte, error) {
	if s.sent == math.MaxUint64 {
		return nil, ErrCounterExhausted
	}
	return s.seal(s.sent+1, payload), nil
}

// SealAt encrypts payload under counter, which must be above the last sent
// one. Responders use it to answer a request under the request's counter.
func (s *Session) SealAt(counter uint64, payload []byte) ([]byte, error) {
	if counter <= s.sent {
		return nil, fmt.Errorf("send counter %d not above %d", counter, s.sent)
	}
	return s.seal(counter, payload), nil
}

func (s *Session) seal(counter uint64, payload []byte) []byte {
	s.sent = counter
	frame := make([]byte, CounterSize, CounterSize+len(payload)+chacha20poly1305.Overhead)
	binary.BigEndian.PutUint64(frame, counter)
	return s.sealer.Seal(frame, s.nonce(counter), payload, s.aad(frame[:CounterSize]))
}

// Open authenticates and decrypts a frame. A counter that does not advance
// past the last accepted one, or a frame that fails authentication, returns
// ErrReplayDetected and the payload is never returned.
func (s *Session) Open(frame []byte) ([]byte, error) {
	if len(frame) < CounterSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", interfaces.ErrTransport, len(frame))
	}

	counter := binary.BigEndian.Uint64(frame[:CounterSize])
	if counter <= s.received {
		return nil, fmt.Errorf("%w: counter %d not above %d", interfaces.ErrReplayDetected, counter, s.received)
	}

	payload, err := s.opener.Open(nil, s.nonce(counter), frame[CounterSize:], s.aad(frame[:CounterSize]))
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d failed authentication", interfaces.ErrReplayDetected, counter)
	}
	s.received = counter
	return payload, nil
}

// OpenAt is Open restricted to a frame sealed under counter, binding a reply
// to the request it answers.
func (s *Session) OpenAt(frame []byte, counter uint64) ([]byte, error) {
	if len(frame) >= CounterSize {
		if got := binary.BigEndian.Uint64(frame[:CounterSize]); got != counter {
			return nil, fmt.Errorf("%w: frame %d does not answer request %d", interfaces.ErrReplayDetected, got, counter)
		}
	}
	return s.Open(frame)
}

// Counters returns the last sent and last accepted counters.
func (s *Session) Counters() (sent, received uint64) {
	return s.sent, s.received
}

func (s *Session) nonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

func (s *Session) aad(counter []byte) []byte {
	aad := make([]byte, 0, len(s.channelID)+len(counter))
	aad = append(aad, s.channelID...)
	return append(aad, counter...)
}
