package transport

import (
	"context"
	"testing"
	"time"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handshakeLoopback establishes a client channel against r without a network.
func handshakeLoopback(t *testing.T, p *testParties, r *Responder) *channel {
	t.Helper()
	ch := newChannel(interfaces.DirectTransport, interfaces.Target{
		EntityID:  p.serverEntity(),
		Whitelist: []interfaces.Measurement{serverMeasurement},
	})
	hs := handshaker{creds: p.client, verifier: p.verifier, now: time.Now}
	require.NoError(t, hs.initiate(context.Background(), ch, loopback(r)))
	require.Equal(t, interfaces.Established, ch.State())
	return ch
}

func TestResponderDerivesIdenticalSessionKey(t *testing.T) {
	p := newTestParties(t)
	r := newTestResponder(p, &echoHandler{})

	ch := handshakeLoopback(t, p, r)

	serverKey, ok := r.sessionKey(ch.id)
	require.True(t, ok)
	assert.Equal(t, ch.keys.Session, serverKey)
	assert.Equal(t, serverMeasurement, ch.PeerProof().Measurement)
}

func TestResponderRejectsReplayedFrame(t *testing.T) {
	p := newTestParties(t)
	handler := &echoHandler{}
	r := newTestResponder(p, handler)
	ch := handshakeLoopback(t, p, r)

	frame, err := ch.session.Seal([]byte("transfer"))
	require.NoError(t, err)
	env := &envelope{Kind: kindData, Channel: ch.id, Seq: 1, Body: frame}

	reply := r.Handle(context.Background(), env)
	require.Equal(t, kindData, reply.Kind)
	payload, err := ch.openReply(reply.Body, 1)
	require.NoError(t, err)
	assert.Equal(t, "echo:transfer", string(payload))

	replayed := r.Handle(context.Background(), env)
	require.Equal(t, kindAlert, replayed.Kind)
	assert.ErrorIs(t, alertError(replayed), interfaces.ErrReplayDetected)
	assert.Equal(t, int32(1), handler.calls.Load(), "replayed frame must not reach the handler")
	assert.Equal(t, 0, r.Sessions(), "session is torn down after a replay")
}

func TestResponderRejectsTamperedFrame(t *testing.T) {
	p := newTestParties(t)
	handler := &echoHandler{}
	r := newTestResponder(p, handler)
	ch := handshakeLoopback(t, p, r)

	frame, err := ch.session.Seal([]byte("amount=10"))
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0x01

	reply := r.Handle(context.Background(), &envelope{Kind: kindData, Channel: ch.id, Seq: 1, Body: frame})
	require.Equal(t, kindAlert, reply.Kind)
	assert.ErrorIs(t, alertError(reply), interfaces.ErrReplayDetected)
	assert.Zero(t, handler.calls.Load())
}

func TestResponderRejectsUnknownClient(t *testing.T) {
	p := newTestParties(t)
	r := NewResponder(p.server, p.verifier, &echoHandler{}, ResponderConfig{
		ClientWhitelist: []interfaces.Measurement{{0xff}},
	}, newTestLogger())

	ch := newChannel(interfaces.DirectTransport, interfaces.Target{Whitelist: []interfaces.Measurement{serverMeasurement}})
	hs := handshaker{creds: p.client, verifier: p.verifier, now: time.Now}
	err := hs.initiate(context.Background(), ch, loopback(r))
	require.ErrorIs(t, err, interfaces.ErrHandshake)
	assert.Equal(t, 0, r.Sessions())
}

func TestResponderSealsHandlerFailure(t *testing.T) {
	p := newTestParties(t)
	r := newTestResponder(p, &echoHandler{})
	ch := handshakeLoopback(t, p, r)

	frame, err := ch.session.Seal([]byte("fail loudly"))
	require.NoError(t, err)
	reply := r.Handle(context.Background(), &envelope{Kind: kindData, Channel: ch.id, Seq: 1, Body: frame})
	require.Equal(t, kindData, reply.Kind)
	assert.NotContains(t, string(reply.Body), "handler refused")

	_, err = ch.openReply(reply.Body, 1)
	var appErr *ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "handler refused request", appErr.Message)
	assert.Equal(t, 1, r.Sessions())
}

func TestResponderAnswersUnderRequestCounter(t *testing.T) {
	p := newTestParties(t)
	r := newTestResponder(p, &echoHandler{})
	ch := handshakeLoopback(t, p, r)

	// the first request never reached the enclave
	_, err := ch.session.Seal([]byte("lost"))
	require.NoError(t, err)
	frame, err := ch.session.Seal([]byte("second"))
	require.NoError(t, err)

	reply := r.Handle(context.Background(), &envelope{Kind: kindData, Channel: ch.id, Seq: 2, Body: frame})
	require.Equal(t, kindData, reply.Kind)

	_, err = ch.openReply(reply.Body, 1)
	require.ErrorIs(t, err, interfaces.ErrReplayDetected)
	payload, err := ch.openReply(reply.Body, 2)
	require.NoError(t, err)
	assert.Equal(t, "echo:second", string(payload))
}

func TestResponderRejectsDataBeforeFinish(t *testing.T) {
	p := newTestParties(t)
	r := newTestResponder(p, &echoHandler{})

	reply := r.Handle(context.Background(), &envelope{Kind: kindData, Channel: [16]byte{1}, Seq: 1, Body: make([]byte, 64)})
	require.Equal(t, kindAlert, reply.Kind)
	assert.ErrorIs(t, alertError(reply), interfaces.ErrTransport)
}

func TestResponderDropsIdleSessions(t *testing.T) {
	p := newTestParties(t)
	r := NewResponder(p.server, p.verifier, &echoHandler{}, ResponderConfig{
		ClientWhitelist: []interfaces.Measurement{clientMeasurement},
		SessionTTL:      time.Minute,
	}, newTestLogger())

	now := time.Now()
	r.hs.now = func() time.Time { return now }
	handshakeLoopback(t, p, r)
	require.Equal(t, 1, r.Sessions())

	now = now.Add(2 * time.Minute)
	handshakeLoopback(t, p, r)
	assert.Equal(t, 1, r.Sessions(), "idle session is swept by the next handshake")
}
