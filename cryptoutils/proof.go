package cryptoutils

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

// EncodeProof serializes a proof for storage and transmission.
func EncodeProof(proof interfaces.IdentityProof) ([]byte, error) {
	return rlp.EncodeToBytes(&proof)
}

func DecodeProof(data []byte) (interfaces.IdentityProof, error) {
	var proof interfaces.IdentityProof
	if err := rlp.DecodeBytes(data, &proof); err != nil {
		return interfaces.IdentityProof{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidProof, err)
	}
	return proof, nil
}

// GenerateSignedCredentials creates a fresh secret and an authority-signed
// proof for it. Used for local deployments without attestation hardware.
func GenerateSignedCredentials(authority *ecdsa.PrivateKey, measurement interfaces.Measurement, expiresAt uint64) (*Credentials, error) {
	secret, err := GenerateSecretKey()
	if err != nil {
		return nil, err
	}
	defer clear(secret)

	pub, err := PublicKeyOf(secret)
	if err != nil {
		return nil, err
	}

	proof, err := SignProof(interfaces.IdentityProof{
		PublicKey:   pub,
		Measurement: measurement,
		ExpiresAt:   expiresAt,
	}, authority)
	if err != nil {
		return nil, err
	}
	return NewCredentials(secret, proof)
}
