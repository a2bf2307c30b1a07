package transport

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-enclave-rpc/cryptoutils"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/stretchr/testify/require"
)

var (
	clientMeasurement = interfaces.Measurement{0xc1}
	serverMeasurement = interfaces.Measurement{0x5e}
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testParties holds two signed identities and the verifier trusting their authority.
type testParties struct {
	authority *ecdsa.PrivateKey
	verifier  interfaces.ProofVerifier
	client    *cryptoutils.Credentials
	server    *cryptoutils.Credentials
}

func newTestParties(t *testing.T) *testParties {
	t.Helper()
	authority, err := crypto.GenerateKey()
	require.NoError(t, err)

	client, err := cryptoutils.GenerateSignedCredentials(authority, clientMeasurement, 0)
	require.NoError(t, err)
	server, err := cryptoutils.GenerateSignedCredentials(authority, serverMeasurement, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	return &testParties{
		authority: authority,
		verifier:  cryptoutils.NewSignedProofVerifier(crypto.PubkeyToAddress(authority.PublicKey)),
		client:    client,
		server:    server,
	}
}

func (p *testParties) serverEntity() interfaces.EntityID {
	pub := p.server.PublicKey()
	return interfaces.EntityIDFromPublicKey(pub[:])
}

// echoHandler answers "echo:<payload>" and fails requests starting with "fail".
type echoHandler struct {
	calls atomic.Int32
	block chan struct{}
}

func (h *echoHandler) HandleRequest(ctx context.Context, peer interfaces.IdentityProof, payload []byte) ([]byte, error) {
	h.calls.Add(1)
	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
		}
	}
	if strings.HasPrefix(string(payload), "fail") {
		return nil, errors.New("handler refused request")
	}
	return append([]byte("echo:"), payload...), nil
}

func newTestResponder(p *testParties, handler interfaces.Handler) *Responder {
	return NewResponder(p.server, p.verifier, handler, ResponderConfig{
		ClientWhitelist: []interfaces.Measurement{clientMeasurement},
	}, newTestLogger())
}

// loopback delivers envelopes straight to a responder.
func loopback(r *Responder) exchangeFunc {
	return func(ctx context.Context, env *envelope) (*envelope, error) {
		return r.Handle(ctx, env), nil
	}
}

func generateExpiringServer(p *testParties, expiry time.Time) (*cryptoutils.Credentials, error) {
	return cryptoutils.GenerateSignedCredentials(p.authority, serverMeasurement, uint64(expiry.Unix()))
}
