package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// EntityID is the stable identifier of a registered entity, by convention the
// Keccak-256 hash of its public key.
type EntityID [32]byte

// EntityIDFromPublicKey derives the conventional entity id for a public key.
func EntityIDFromPublicKey(pubkey []byte) EntityID {
	return EntityID(crypto.Keccak256Hash(pubkey))
}

func NewEntityIDFromHex(source string) (EntityID, error) {
	raw, err := decodeHex32(source)
	if err != nil {
		return EntityID{}, fmt.Errorf("invalid entity id: %w", err)
	}
	return EntityID(raw), nil
}

func (id EntityID) String() string {
	return hex.EncodeToString(id[:])
}

func (id EntityID) Bytes() []byte {
	return id[:]
}

// Measurement is the hash of the code and configuration loaded into an enclave.
type Measurement [32]byte

func NewMeasurementFromHex(source string) (Measurement, error) {
	raw, err := decodeHex32(source)
	if err != nil {
		return Measurement{}, fmt.Errorf("invalid measurement: %w", err)
	}
	return Measurement(raw), nil
}

func (m Measurement) String() string {
	return hex.EncodeToString(m[:])
}

func decodeHex32(source string) ([32]byte, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return [32]byte{}, errors.New("hex string must be 64 characters")
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return [32]byte(raw), nil
}

// IdentityProof binds an X25519 public key to an attested enclave measurement.
// Proofs are produced by the attestation runtime; this module only checks their
// shape and verifies them during the handshake.
type IdentityProof struct {
	// AttestationType selects the ProofVerifier, e.g. "authority-signed" or "qemu-tdx".
	AttestationType string
	// PublicKey is the 32-byte X25519 key used for key agreement.
	PublicKey []byte
	// Signature is the authority signature or the raw attestation quote.
	Signature   []byte
	Measurement Measurement
	// ExpiresAt is a unix timestamp in seconds. Zero means the proof does not expire.
	ExpiresAt uint64
}

// Validate performs the structural checks only.
func (p IdentityProof) Validate() error {
	if len(p.PublicKey) == 0 {
		return fmt.Errorf("%w: empty public key", ErrInvalidProof)
	}
	if len(p.Signature) == 0 {
		return fmt.Errorf("%w: empty signature", ErrInvalidProof)
	}
	if len(p.PublicKey) != 32 {
		return fmt.Errorf("%w: public key must be 32 bytes, got %d", ErrInvalidProof, len(p.PublicKey))
	}
	return nil
}

// Expiry returns the expiry time and whether the proof expires at all.
func (p IdentityProof) Expiry() (time.Time, bool) {
	if p.ExpiresAt == 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(p.ExpiresAt), 0), true
}

// Expired reports whether the proof is no longer valid at now.
func (p IdentityProof) Expired(now time.Time) bool {
	expiry, ok := p.Expiry()
	return ok && !now.Before(expiry)
}

func (p IdentityProof) Copy() IdentityProof {
	p.PublicKey = bytes.Clone(p.PublicKey)
	p.Signature = bytes.Clone(p.Signature)
	return p
}

// EntityDescriptor is a registry entry. Descriptors are write-once: once
// observed for an id, the value never changes.
type EntityDescriptor struct {
	ID           EntityID
	PublicKey    []byte
	Addresses    []string
	Whitelist    []Measurement
	RegisteredAt uint64
}

// Target returns the parameters needed to connect to the entity.
func (d EntityDescriptor) Target() Target {
	return Target{
		EntityID:  d.ID,
		PublicKey: bytes.Clone(d.PublicKey),
		Addresses: slices.Clone(d.Addresses),
		Whitelist: slices.Clone(d.Whitelist),
	}
}

func (d EntityDescriptor) Copy() EntityDescriptor {
	d.PublicKey = bytes.Clone(d.PublicKey)
	d.Addresses = slices.Clone(d.Addresses)
	d.Whitelist = slices.Clone(d.Whitelist)
	return d
}

// Equal compares descriptors field by field.
func (d EntityDescriptor) Equal(other EntityDescriptor) bool {
	return d.ID == other.ID &&
		bytes.Equal(d.PublicKey, other.PublicKey) &&
		slices.Equal(d.Addresses, other.Addresses) &&
		slices.Equal(d.Whitelist, other.Whitelist) &&
		d.RegisteredAt == other.RegisteredAt
}

// Target identifies the peer a channel is opened to.
type Target struct {
	EntityID EntityID
	// PublicKey is the key the entity registered. When set, the peer must
	// present exactly this key; otherwise its key must hash to EntityID.
	PublicKey []byte
	// Addresses are tried in order by the direct transport. Entries of the form
	// srv://name are resolved through DNS SRV records.
	Addresses []string
	// Whitelist lists the accepted peer measurements. An empty whitelist accepts nothing.
	Whitelist []Measurement
}

// Binds reports whether a peer presenting pubkey is the entity of t.
func (t Target) Binds(pubkey []byte) bool {
	if len(t.PublicKey) > 0 {
		return bytes.Equal(t.PublicKey, pubkey)
	}
	return EntityIDFromPublicKey(pubkey) == t.EntityID
}

// Allows reports whether m is on the whitelist.
func (t Target) Allows(m Measurement) bool {
	return slices.Contains(t.Whitelist, m)
}
