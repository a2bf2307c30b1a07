package storage

import (
	"net/url"
	"path/filepath"
	"testing"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageBackendFor(t *testing.T) {
	factory := NewStorageBackendFactory(quietLogger())
	dir := t.TempDir()

	tests := []struct {
		uri      string
		wantType interface{}
		wantErr  error
	}{
		{uri: "file://" + dir, wantType: &FileBackend{}},
		{uri: "s3://proofs-bucket/enclaves?region=eu-west-1&endpoint=http://localhost:9000", wantType: &S3Backend{}},
		{uri: "s3://key:secret@proofs-bucket/enclaves", wantType: &S3Backend{}},
		{uri: "ipfs://localhost:5001/enclave-rpc?timeout=5s", wantType: &IPFSBackend{}},
		{uri: "vault://localhost:8200/secret/enclave-rpc?tls=false", wantType: &VaultBackend{}},
		{uri: "github://owner/repo", wantErr: interfaces.ErrInvalidLocationURI},
		{uri: "s3:///no-bucket", wantErr: interfaces.ErrInvalidLocationURI},
		{uri: "ipfs://localhost:5001/?timeout=soon", wantErr: interfaces.ErrInvalidLocationURI},
		{uri: "vault://localhost:8200/", wantErr: interfaces.ErrInvalidLocationURI},
		{uri: "://", wantErr: interfaces.ErrInvalidLocationURI},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			backend, err := factory.StorageBackendFor(tt.uri)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, backend)
		})
	}
}

func TestS3BackendReadOnlyWithoutCredentials(t *testing.T) {
	factory := NewStorageBackendFactory(quietLogger())

	backend, err := factory.StorageBackendFor("s3://public-bucket/proofs")
	require.NoError(t, err)
	s3Backend := backend.(*S3Backend)
	assert.False(t, s3Backend.hasWriteAccess)

	_, err = s3Backend.Store(t.Context(), []byte("data"), interfaces.ProofType)
	require.Error(t, err)
}

func TestVaultLocation(t *testing.T) {
	u, err := url.Parse("vault://vault.internal:8200/kv/enclaves/app?tls=false")
	require.NoError(t, err)

	address, mount, secretPath, err := vaultLocation(u)
	require.NoError(t, err)
	assert.Equal(t, "http://vault.internal:8200", address)
	assert.Equal(t, "kv", mount)
	assert.Equal(t, "enclaves/app", secretPath)

	u, err = url.Parse("vault://vault.internal:8200/kv")
	require.NoError(t, err)
	address, mount, secretPath, err = vaultLocation(u)
	require.NoError(t, err)
	assert.Equal(t, "https://vault.internal:8200", address)
	assert.Equal(t, "kv", mount)
	assert.Empty(t, secretPath)
}

func TestCreateMultiBackend(t *testing.T) {
	factory := NewStorageBackendFactory(quietLogger())
	first, second := t.TempDir(), t.TempDir()

	multi, err := factory.CreateMultiBackend([]string{
		"file://" + first,
		"unknown://skipped",
		"file://" + second,
	})
	require.NoError(t, err)
	assert.Equal(t, "multi:[file://"+first+",file://"+second+"]", multi.LocationURI())

	id, err := multi.Store(t.Context(), []byte("descriptor"), interfaces.DescriptorType)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(first, "descriptors", id.String()))
	assert.FileExists(t, filepath.Join(second, "descriptors", id.String()))

	_, err = factory.CreateMultiBackend([]string{"unknown://a", "github://b/c"})
	require.Error(t, err)
}
