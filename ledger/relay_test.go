package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T, chain *fakeChain, confirmations uint64) *EthRelay {
	t.Helper()
	relay, err := NewEthRelay(chain, hubAddress, RelayConfig{Confirmations: confirmations}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	relay.SetTransactOpts(newTransactor(t))
	return relay
}

func TestEthRelayRequiresTransactOpts(t *testing.T) {
	relay, err := NewEthRelay(newFakeChain(t), hubAddress, RelayConfig{}, nil)
	require.NoError(t, err)

	err = relay.Submit(context.Background(), interfaces.RelayRequest{Key: interfaces.RelayKey{1}})
	assert.ErrorIs(t, err, ErrNoTransactOpts)
	err = relay.Respond(context.Background(), interfaces.RelayResult{Key: interfaces.RelayKey{1}})
	assert.ErrorIs(t, err, ErrNoTransactOpts)
}

func TestEthRelaySubmitIsIdempotent(t *testing.T) {
	chain := newFakeChain(t)
	relay := newTestRelay(t, chain, 0)
	ctx := context.Background()

	req := interfaces.RelayRequest{Key: interfaces.RelayKey{0xaa}, Target: interfaces.EntityID{0x01}, Payload: []byte("hello")}
	require.NoError(t, relay.Submit(ctx, req))
	require.NoError(t, relay.Submit(ctx, req))
	assert.Equal(t, 1, chain.transactions())
}

func TestEthRelayPendingAppliesConfirmations(t *testing.T) {
	chain := newFakeChain(t)
	relay := newTestRelay(t, chain, 2)
	ctx := context.Background()

	target := interfaces.EntityID{0x01}
	require.NoError(t, relay.Submit(ctx, interfaces.RelayRequest{Key: interfaces.RelayKey{0x01}, Target: target, Payload: []byte("first")}))
	require.NoError(t, relay.Submit(ctx, interfaces.RelayRequest{Key: interfaces.RelayKey{0x02}, Target: interfaces.EntityID{0x02}, Payload: []byte("other")}))

	pending, cursor, err := relay.Pending(ctx, target, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	chain.mine(2)
	pending, cursor, err = relay.Pending(ctx, target, cursor)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, interfaces.RelayKey{0x01}, pending[0].Key)
	assert.Equal(t, target, pending[0].Target)
	assert.Equal(t, []byte("first"), pending[0].Payload)

	pending, _, err = relay.Pending(ctx, target, cursor)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEthRelayResultAfterConfirmations(t *testing.T) {
	chain := newFakeChain(t)
	relay := newTestRelay(t, chain, 1)
	ctx := context.Background()
	key := interfaces.RelayKey{0x42}

	_, ok, err := relay.Result(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, relay.Respond(ctx, interfaces.RelayResult{Key: key, Payload: []byte("answer")}))
	_, ok, err = relay.Result(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "result must not be final before it is confirmed")

	chain.mine(1)
	res, ok, err := relay.Result(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("answer"), res.Payload)

	// a second answer for the same key is not posted
	require.NoError(t, relay.Respond(ctx, interfaces.RelayResult{Key: key, Payload: []byte("other")}))
	assert.Equal(t, 1, chain.transactions())
}
