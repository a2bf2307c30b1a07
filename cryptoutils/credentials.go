package cryptoutils

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"golang.org/x/crypto/curve25519"
)

const SecretKeySize = curve25519.ScalarSize

var ErrCredentialsClosed = errors.New("credentials closed")

// Credentials hold the long-term X25519 secret of a client together with the
// identity proof attesting its public key. The secret never leaves the value;
// callers only get derived material. Close wipes the secret.
type Credentials struct {
	mu     sync.Mutex
	secret [SecretKeySize]byte
	public [32]byte
	proof  interfaces.IdentityProof
	closed bool
}

// NewCredentials copies secret and proof. The proof is checked structurally
// and must attest the public key derived from secret.
func NewCredentials(secret []byte, proof interfaces.IdentityProof) (*Credentials, error) {
	if err := proof.Validate(); err != nil {
		return nil, err
	}
	if len(secret) != SecretKeySize {
		return nil, fmt.Errorf("%w: secret key must be %d bytes, got %d", interfaces.ErrInvalidProof, SecretKeySize, len(secret))
	}

	c := &Credentials{proof: proof.Copy()}
	copy(c.secret[:], secret)

	pub, err := curve25519.X25519(c.secret[:], curve25519.Basepoint)
	if err != nil {
		clear(c.secret[:])
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidProof, err)
	}
	copy(c.public[:], pub)

	if subtle.ConstantTimeCompare(c.public[:], proof.PublicKey) != 1 {
		clear(c.secret[:])
		return nil, fmt.Errorf("%w: proof does not attest the credentials public key", interfaces.ErrInvalidProof)
	}
	return c, nil
}

// WithCredentials constructs credentials, runs fn and wipes the secret on
// every exit path.
func WithCredentials(secret []byte, proof interfaces.IdentityProof, fn func(*Credentials) error) error {
	creds, err := NewCredentials(secret, proof)
	if err != nil {
		return err
	}
	defer creds.Close()
	return fn(creds)
}

// PublicKey returns the X25519 public key of the secret.
func (c *Credentials) PublicKey() [32]byte {
	return c.public
}

// Proof returns a copy of the identity proof.
func (c *Credentials) Proof() interfaces.IdentityProof {
	return c.proof.Copy()
}

// SharedSecret performs X25519 with the peer public key. Low-order peer keys
// are rejected.
func (c *Credentials) SharedSecret(peerPublic []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCredentialsClosed
	}
	if len(peerPublic) != curve25519.PointSize {
		return nil, fmt.Errorf("peer public key must be %d bytes, got %d", curve25519.PointSize, len(peerPublic))
	}
	shared, err := curve25519.X25519(c.secret[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	return shared, nil
}

// Close zeroes the secret. It is safe to call more than once.
func (c *Credentials) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.secret[:])
	c.closed = true
	return nil
}

// GenerateSecretKey returns a fresh X25519 secret.
func GenerateSecretKey() ([]byte, error) {
	secret := make([]byte, SecretKeySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	return secret, nil
}

// PublicKeyOf derives the X25519 public key of secret.
func PublicKeyOf(secret []byte) ([]byte, error) {
	return curve25519.X25519(secret, curve25519.Basepoint)
}
