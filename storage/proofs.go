package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-enclave-rpc/cryptoutils"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

// StoreProof publishes an encoded identity proof and returns its content id.
func StoreProof(ctx context.Context, backend interfaces.StorageBackend, proof interfaces.IdentityProof) (interfaces.ContentID, error) {
	data, err := cryptoutils.EncodeProof(proof)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("could not encode proof: %w", err)
	}
	return backend.Store(ctx, data, interfaces.ProofType)
}

// LoadProof fetches the proof stored under id. Content that does not hash to
// id is rejected.
func LoadProof(ctx context.Context, backend interfaces.StorageBackend, id interfaces.ContentID) (interfaces.IdentityProof, error) {
	data, err := backend.Fetch(ctx, id, interfaces.ProofType)
	if err != nil {
		return interfaces.IdentityProof{}, err
	}
	if interfaces.ComputeID(data) != id {
		return interfaces.IdentityProof{}, fmt.Errorf("%w: content does not match id %s", interfaces.ErrInvalidProof, id)
	}

	proof, err := cryptoutils.DecodeProof(data)
	if err != nil {
		return interfaces.IdentityProof{}, err
	}
	if err := proof.Validate(); err != nil {
		return interfaces.IdentityProof{}, err
	}
	return proof, nil
}

// LoadCredentials pairs the proof stored under proofID with the secret key
// found at secretURI. The intermediate copy of the secret is wiped before
// returning.
func LoadCredentials(ctx context.Context, backend interfaces.StorageBackend, proofID interfaces.ContentID, secretURI string, log *slog.Logger) (*cryptoutils.Credentials, error) {
	proof, err := LoadProof(ctx, backend, proofID)
	if err != nil {
		return nil, fmt.Errorf("could not load proof %s: %w", proofID, err)
	}

	secret, err := LoadSecretKey(ctx, secretURI, log)
	if err != nil {
		return nil, err
	}
	defer clear(secret)

	return cryptoutils.NewCredentials(secret, proof)
}
