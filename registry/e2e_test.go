package registry

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-enclave-rpc/cryptoutils"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/ruteri/tee-enclave-rpc/rpc"
	"github.com/ruteri/tee-enclave-rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	clientMeasurement   = interfaces.Measurement{0xc1}
	registryMeasurement = interfaces.Measurement{0x4e}
	appMeasurement      = interfaces.Measurement{0xa9}
)

func startEnclave(t *testing.T, creds *cryptoutils.Credentials, verifier interfaces.ProofVerifier, handler interfaces.Handler) *transport.Server {
	t.Helper()
	responder := transport.NewResponder(creds, verifier, handler, transport.ResponderConfig{
		ClientWhitelist: []interfaces.Measurement{clientMeasurement},
	}, newTestLogger())
	srv, err := transport.Listen("127.0.0.1:0", responder, newTestLogger())
	require.NoError(t, err)
	srv.RunInBackground(context.Background())
	t.Cleanup(func() { srv.Close() })
	return srv
}

func signedCredentials(t *testing.T, authority *ecdsa.PrivateKey, m interfaces.Measurement) *cryptoutils.Credentials {
	t.Helper()
	creds, err := cryptoutils.GenerateSignedCredentials(authority, m, 0)
	require.NoError(t, err)
	t.Cleanup(func() { creds.Close() })
	return creds
}

// Registry lookup followed by a direct connection and one exchange with the
// resolved enclave.
func TestLookupConnectExchange(t *testing.T) {
	authority, err := crypto.GenerateKey()
	require.NoError(t, err)
	verifier := cryptoutils.NewSignedProofVerifier(crypto.PubkeyToAddress(authority.PublicKey))

	registryCreds := signedCredentials(t, authority, registryMeasurement)
	appCreds := signedCredentials(t, authority, appMeasurement)
	clientCreds := signedCredentials(t, authority, clientMeasurement)

	entities := NewMemoryRegistry()
	mux := rpc.NewMux(newTestLogger())
	NewService(entities, newTestLogger()).Register(mux)
	registrySrv := startEnclave(t, registryCreds, verifier, mux)

	appSrv := startEnclave(t, appCreds, verifier, interfaces.HandlerFunc(
		func(ctx context.Context, peer interfaces.IdentityProof, payload []byte) ([]byte, error) {
			return append([]byte("app:"), payload...), nil
		}))

	appPub := appCreds.PublicKey()
	appID, err := entities.Register(interfaces.EntityDescriptor{
		PublicKey:    appPub[:],
		Addresses:    []string{appSrv.Addr().String()},
		Whitelist:    []interfaces.Measurement{appMeasurement},
		RegisteredAt: uint64(time.Now().Unix()),
	})
	require.NoError(t, err)

	direct := transport.NewDirect(clientCreds, verifier, transport.DirectConfig{DialTimeout: time.Second}, newTestLogger())
	registryPub := registryCreds.PublicKey()
	client := NewClient(direct, interfaces.Target{
		EntityID:  interfaces.EntityIDFromPublicKey(registryPub[:]),
		Addresses: []string{registrySrv.Addr().String()},
		Whitelist: []interfaces.Measurement{registryMeasurement},
	}, newTestLogger())
	defer client.Close()

	ctx := context.Background()
	ch, err := client.Connect(ctx, appID, direct)
	require.NoError(t, err)
	defer direct.Close(ch)

	assert.Equal(t, appMeasurement, ch.PeerProof().Measurement)
	assert.Equal(t, appPub[:], ch.PeerProof().PublicKey)

	resp, err := direct.Send(ctx, ch, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "app:hello", string(resp))

	_, err = client.Lookup(ctx, interfaces.EntityID{0x01})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
