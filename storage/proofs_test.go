package storage

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-enclave-rpc/cryptoutils"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedProof(t *testing.T) ([]byte, interfaces.IdentityProof) {
	t.Helper()
	authority, err := crypto.GenerateKey()
	require.NoError(t, err)

	secret, err := cryptoutils.GenerateSecretKey()
	require.NoError(t, err)
	pub, err := cryptoutils.PublicKeyOf(secret)
	require.NoError(t, err)

	proof, err := cryptoutils.SignProof(interfaces.IdentityProof{
		PublicKey:   pub,
		Measurement: interfaces.Measurement{0xaa},
	}, authority)
	require.NoError(t, err)
	return secret, proof
}

func TestStoreAndLoadProof(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), quietLogger())
	require.NoError(t, err)
	_, proof := signedProof(t)

	id, err := StoreProof(t.Context(), backend, proof)
	require.NoError(t, err)

	loaded, err := LoadProof(t.Context(), backend, id)
	require.NoError(t, err)
	assert.Equal(t, proof, loaded)

	_, err = LoadProof(t.Context(), backend, interfaces.ContentID{0x01})
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestLoadProofRejectsTamperedContent(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, quietLogger())
	require.NoError(t, err)
	_, proof := signedProof(t)

	id, err := StoreProof(t.Context(), backend, proof)
	require.NoError(t, err)

	proof.Measurement[0] ^= 0xff
	tampered, err := cryptoutils.EncodeProof(proof)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proofs", id.String()), tampered, 0o600))

	_, err = LoadProof(t.Context(), backend, id)
	require.ErrorIs(t, err, interfaces.ErrInvalidProof)
}

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, quietLogger())
	require.NoError(t, err)

	secret, proof := signedProof(t)
	id, err := StoreProof(t.Context(), backend, proof)
	require.NoError(t, err)

	keyPath := filepath.Join(dir, "enclave.key")
	require.NoError(t, os.WriteFile(keyPath, []byte(hex.EncodeToString(secret)+"\n"), 0o600))

	creds, err := LoadCredentials(t.Context(), backend, id, "file://"+keyPath, quietLogger())
	require.NoError(t, err)
	defer creds.Close()

	pub := creds.PublicKey()
	assert.Equal(t, proof.PublicKey, pub[:])
	assert.Equal(t, proof, creds.Proof())

	otherSecret, _ := signedProof(t)
	require.NoError(t, os.WriteFile(keyPath, otherSecret, 0o600))
	_, err = LoadCredentials(t.Context(), backend, id, keyPath, quietLogger())
	require.ErrorIs(t, err, interfaces.ErrInvalidProof)
}
