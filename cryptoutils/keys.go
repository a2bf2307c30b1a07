package cryptoutils

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sessionInfo          = "enclave-rpc session v1"
	initiatorTrafficInfo = "enclave-rpc initiator traffic"
	responderTrafficInfo = "enclave-rpc responder traffic"
	initiatorConfirmInfo = "enclave-rpc initiator confirm"
	responderConfirmInfo = "enclave-rpc responder confirm"
)

// SessionKeys is the key schedule of one channel, seen from one side.
type SessionKeys struct {
	// Session is identical on both sides of the channel.
	Session [32]byte

	Send        [32]byte
	Recv        [32]byte
	ConfirmSend [32]byte
	ConfirmRecv [32]byte
}

// Transcript hashes the encoded initiator and responder hellos.
func Transcript(initiatorHello, responderHello []byte) [32]byte {
	h := sha256.New()
	h.Write(initiatorHello)
	h.Write(responderHello)
	return [32]byte(h.Sum(nil))
}

// DeriveSessionKeys expands the X25519 shared secret into the session key and
// directional traffic keys. The transcript is used as the HKDF salt so both
// hellos are bound into every key.
func DeriveSessionKeys(shared []byte, transcript [32]byte, initiator bool) (*SessionKeys, error) {
	if isZero(shared) {
		return nil, fmt.Errorf("key agreement produced an all-zero secret")
	}

	keys := &SessionKeys{}
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, transcript[:], []byte(sessionInfo)), keys.Session[:]); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}

	expand := func(info string, out *[32]byte) error {
		_, err := io.ReadFull(hkdf.Expand(sha256.New, keys.Session[:], []byte(info)), out[:])
		return err
	}

	send, recv := initiatorTrafficInfo, responderTrafficInfo
	confirmSend, confirmRecv := initiatorConfirmInfo, responderConfirmInfo
	if !initiator {
		send, recv = recv, send
		confirmSend, confirmRecv = confirmRecv, confirmSend
	}
	for _, step := range []struct {
		info string
		out  *[32]byte
	}{
		{send, &keys.Send},
		{recv, &keys.Recv},
		{confirmSend, &keys.ConfirmSend},
		{confirmRecv, &keys.ConfirmRecv},
	} {
		if err := expand(step.info, step.out); err != nil {
			keys.Wipe()
			return nil, fmt.Errorf("failed to derive traffic keys: %w", err)
		}
	}
	return keys, nil
}

// Confirmation returns the key confirmation tag this side sends.
func (k *SessionKeys) Confirmation(transcript [32]byte) []byte {
	mac := hmac.New(sha256.New, k.ConfirmSend[:])
	mac.Write(transcript[:])
	return mac.Sum(nil)
}

// VerifyConfirmation checks the tag received from the peer.
func (k *SessionKeys) VerifyConfirmation(transcript [32]byte, tag []byte) bool {
	mac := hmac.New(sha256.New, k.ConfirmRecv[:])
	mac.Write(transcript[:])
	return hmac.Equal(mac.Sum(nil), tag)
}

func (k *SessionKeys) Wipe() {
	clear(k.Session[:])
	clear(k.Send[:])
	clear(k.Recv[:])
	clear(k.ConfirmSend[:])
	clear(k.ConfirmRecv[:])
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
