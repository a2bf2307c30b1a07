package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/ruteri/tee-enclave-rpc/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayWorkerSkipsAnsweredRequestsAfterRestart(t *testing.T) {
	h := newRelayHarness(t)
	bootstrap := h.transport(h.ledger, 5*time.Second)
	ctx := context.Background()

	ch, err := bootstrap.Connect(ctx, h.target())
	require.NoError(t, err)
	_, err = bootstrap.Send(ctx, ch, []byte("one"))
	require.NoError(t, err)
	h.paused.Store(true)

	// a restarted worker without a saved cursor rescans the whole inbox
	fresh := newTestResponder(h.parties, &echoHandler{})
	restarted, err := NewRelayWorker(h.ledger, fresh, RelayWorkerConfig{Entity: h.parties.serverEntity()}, newTestLogger())
	require.NoError(t, err)

	answered, err := restarted.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, answered)
	assert.Zero(t, fresh.Sessions(), "old handshakes must not open sessions")
	assert.Equal(t, uint64(h.ledger.Submissions()), restarted.Cursor())
	assert.Empty(t, restarted.answered)
}

func TestRelayWorkerPersistsCursor(t *testing.T) {
	p := newTestParties(t)
	inbox := ledger.NewMemoryLedger()
	store := FileCursor(filepath.Join(t.TempDir(), "relay.cursor"))
	cfg := RelayWorkerConfig{Entity: p.serverEntity(), Cursor: store}

	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	ctx := context.Background()
	for i := byte(1); i <= 2; i++ {
		require.NoError(t, inbox.Submit(ctx, interfaces.RelayRequest{
			Key:     interfaces.RelayKey{i},
			Target:  p.serverEntity(),
			Payload: []byte("not an envelope"),
		}))
	}

	worker, err := NewRelayWorker(inbox, newTestResponder(p, &echoHandler{}), cfg, newTestLogger())
	require.NoError(t, err)
	_, err = worker.Poll(ctx)
	require.NoError(t, err)

	cursor, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), cursor)

	resumed, err := NewRelayWorker(inbox, newTestResponder(p, &echoHandler{}), cfg, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resumed.Cursor())
}

func TestRelayWorkerRejectsMalformedCursor(t *testing.T) {
	p := newTestParties(t)
	path := filepath.Join(t.TempDir(), "relay.cursor")
	require.NoError(t, os.WriteFile(path, []byte("twelve"), 0o600))

	_, err := NewRelayWorker(ledger.NewMemoryLedger(), newTestResponder(p, &echoHandler{}), RelayWorkerConfig{
		Entity: p.serverEntity(),
		Cursor: FileCursor(path),
	}, newTestLogger())
	require.Error(t, err)
}
