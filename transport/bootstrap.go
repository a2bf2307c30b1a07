package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-enclave-rpc/cryptoutils"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

var ErrNothingPending = errors.New("no pending relay request")

const (
	DefaultPollInterval = 2 * time.Second
	DefaultRelayTimeout = 2 * time.Minute
)

type BootstrapConfig struct {
	// PollInterval is the delay between two result queries.
	PollInterval time.Duration
	// Timeout bounds submitting a single relayed envelope and waiting for its result.
	Timeout time.Duration
}

// Bootstrap carries channels through a ledger relay when the enclave cannot
// be reached directly. Every envelope is submitted under an idempotency key
// and its answer is polled for until Timeout.
type Bootstrap struct {
	hs     handshaker
	ledger interfaces.Ledger
	cfg    BootstrapConfig
	log    *slog.Logger
}

type bootstrapChannel struct {
	*channel

	mu      sync.Mutex
	pending *interfaces.RelayRequest
}

func NewBootstrap(creds *cryptoutils.Credentials, verifier interfaces.ProofVerifier, ledger interfaces.Ledger, cfg BootstrapConfig, log *slog.Logger) *Bootstrap {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRelayTimeout
	}
	return &Bootstrap{
		hs:     handshaker{creds: creds, verifier: verifier, now: time.Now},
		ledger: ledger,
		cfg:    cfg,
		log:    log,
	}
}

// RelayKey derives the idempotency key of an envelope. It depends only on the
// channel, the envelope kind and its sequence number, so resubmitting the same
// envelope reuses the key.
func RelayKey(channel [16]byte, kind uint8, seq uint64) interfaces.RelayKey {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return interfaces.RelayKey(crypto.Keccak256Hash(channel[:], []byte{kind}, seqBytes[:]))
}

func (t *Bootstrap) Connect(ctx context.Context, target interfaces.Target) (interfaces.Channel, error) {
	start := time.Now()
	ch := &bootstrapChannel{channel: newChannel(interfaces.BootstrapTransport, target)}

	err := t.hs.initiate(ctx, ch.channel, func(ctx context.Context, env *envelope) (*envelope, error) {
		return t.exchange(ctx, ch, env)
	})
	if err != nil {
		ch.terminate(interfaces.Failed)
		ch.wipe()
		t.log.Warn("Relayed handshake failed", slog.String("entity", target.EntityID.String()), "err", err)
		return nil, err
	}

	ch.mu.Lock()
	ch.pending = nil
	ch.mu.Unlock()

	t.log.Info("Relayed channel established",
		slog.String("channel", ch.id.String()),
		slog.String("entity", target.EntityID.String()),
		slog.String("peer_measurement", ch.peer.Measurement.String()),
		slog.Duration("duration", time.Since(start)))
	return ch, nil
}

// Send relays one sealed request. On Timeout or an ambiguous submission the
// channel stays established and the request stays pending; Resubmit retries
// it under the same key.
func (t *Bootstrap) Send(ctx context.Context, ch interfaces.Channel, payload []byte) ([]byte, error) {
	bc, ok := ch.(*bootstrapChannel)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a bootstrap channel", interfaces.ErrTransport, ch)
	}
	if err := bc.usable(); err != nil {
		return nil, err
	}
	if bc.peer.Expired(t.hs.now()) {
		return nil, t.abort(bc, fmt.Errorf("%w: peer identity proof expired", interfaces.ErrHandshake))
	}

	frame, err := bc.session.Seal(payload)
	if err != nil {
		return nil, t.abort(bc, fmt.Errorf("%w: %v", interfaces.ErrTransport, err))
	}
	seq, _ := bc.session.Counters()

	reply, err := t.exchange(ctx, bc, &envelope{Kind: kindData, Channel: bc.id, Seq: seq, Body: frame})
	return t.finishSend(ctx, bc, reply, err)
}

// Resubmit relays the pending request of ch again, under its original
// idempotency key, and waits for the answer.
func (t *Bootstrap) Resubmit(ctx context.Context, ch interfaces.Channel) ([]byte, error) {
	bc, ok := ch.(*bootstrapChannel)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a bootstrap channel", interfaces.ErrTransport, ch)
	}
	if err := bc.usable(); err != nil {
		return nil, err
	}

	bc.mu.Lock()
	pending := bc.pending
	bc.mu.Unlock()
	if pending == nil {
		return nil, ErrNothingPending
	}

	t.log.Debug("Resubmitting relay request", slog.String("channel", bc.id.String()), slog.String("key", fmt.Sprintf("%x", pending.Key[:8])))
	reply, err := t.relay(ctx, bc, *pending)
	return t.finishSend(ctx, bc, reply, err)
}

// Pending reports whether ch has a request whose outcome is unknown.
func (t *Bootstrap) Pending(ch interfaces.Channel) bool {
	bc, ok := ch.(*bootstrapChannel)
	if !ok {
		return false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.pending != nil
}

// Close submits a best-effort close notice without waiting for its result.
func (t *Bootstrap) Close(ch interfaces.Channel) error {
	bc, ok := ch.(*bootstrapChannel)
	if !ok {
		return fmt.Errorf("%w: %T is not a bootstrap channel", interfaces.ErrTransport, ch)
	}

	wasEstablished := bc.State() == interfaces.Established
	if bc.terminate(interfaces.Closed) && wasEstablished {
		seq, _ := bc.session.Counters()
		env := &envelope{Kind: kindClose, Channel: bc.id, Seq: seq + 1}
		if body, err := encodeEnvelope(env); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.PollInterval+closeNotifyTimeout)
			err = t.ledger.Submit(ctx, interfaces.RelayRequest{
				Key:     RelayKey(bc.id, uint8(kindClose), env.Seq),
				Target:  bc.target.EntityID,
				Payload: body,
			})
			cancel()
			if err != nil {
				t.log.Debug("Failed to relay close notice", slog.String("channel", bc.id.String()), "err", err)
			}
		}
	}
	bc.mu.Lock()
	bc.pending = nil
	bc.mu.Unlock()
	bc.wipe()
	return nil
}

func (t *Bootstrap) finishSend(ctx context.Context, bc *bootstrapChannel, reply *envelope, err error) ([]byte, error) {
	if err != nil {
		if ctx.Err() != nil {
			// the request may still be delivered, it cannot be retracted
			t.Close(bc)
			return nil, err
		}
		if isSecurityFailure(err) {
			return nil, t.abort(bc, err)
		}
		return nil, err
	}

	// only the latest sealed request can be pending, so its counter is the
	// last sent one
	seq, _ := bc.session.Counters()
	switch reply.Kind {
	case kindData:
		response, err := bc.openReply(reply.Body, seq)
		var appErr *ApplicationError
		if errors.As(err, &appErr) {
			return nil, err
		}
		if err != nil {
			return nil, t.abort(bc, err)
		}
		return response, nil
	case kindAlert:
		// anyone may post an alert as the relay result
		return nil, t.teardown(bc, interfaces.Failed, alertError(reply))
	default:
		return nil, t.abort(bc, fmt.Errorf("%w: unexpected %s reply", interfaces.ErrTransport, reply.Kind))
	}
}

func (t *Bootstrap) abort(bc *bootstrapChannel, err error) error {
	return t.teardown(bc, failureState(err), err)
}

func (t *Bootstrap) teardown(bc *bootstrapChannel, state interfaces.ChannelState, err error) error {
	bc.terminate(state)
	bc.mu.Lock()
	bc.pending = nil
	bc.mu.Unlock()
	bc.wipe()

	t.log.Warn("Relayed channel torn down",
		slog.String("channel", bc.id.String()),
		slog.String("state", state.String()),
		"err", err)
	return err
}

// exchange records env as the pending request of bc and relays it.
func (t *Bootstrap) exchange(ctx context.Context, bc *bootstrapChannel, env *envelope) (*envelope, error) {
	body, err := encodeEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}
	req := interfaces.RelayRequest{
		Key:     RelayKey(env.Channel, uint8(env.Kind), env.Seq),
		Target:  bc.target.EntityID,
		Payload: body,
	}

	bc.mu.Lock()
	bc.pending = &req
	bc.mu.Unlock()

	return t.relay(ctx, bc, req)
}

// relay submits req and polls for its result. Timeout bounds the submission
// and the polling together. A request whose result has been observed is no
// longer pending.
func (t *Bootstrap) relay(ctx context.Context, bc *bootstrapChannel, req interfaces.RelayRequest) (*envelope, error) {
	start := time.Now()
	relayCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	if err := t.ledger.Submit(relayCtx, req); err != nil {
		if ctx.Err() == nil && relayCtx.Err() != nil {
			return nil, fmt.Errorf("%w: relay request not submitted after %s: %v", interfaces.ErrTimeout, time.Since(start).Round(time.Millisecond), err)
		}
		return nil, fmt.Errorf("%w: submit relay request: %w", interfaces.ErrTransport, err)
	}

	result, err := t.await(ctx, relayCtx, req.Key, start)
	if err != nil {
		return nil, err
	}

	bc.mu.Lock()
	if bc.pending != nil && bc.pending.Key == req.Key {
		bc.pending = nil
	}
	bc.mu.Unlock()

	reply, err := decodeEnvelope(result.Payload)
	if err != nil {
		return nil, err
	}
	if reply.Channel != bc.id {
		return nil, fmt.Errorf("%w: relayed reply for channel %s", interfaces.ErrTransport, reply.channelID())
	}
	return reply, nil
}

// await polls the ledger until the result for key is finalized, pollCtx
// expires or ctx is cancelled. Read errors are retried until the deadline.
func (t *Bootstrap) await(ctx, pollCtx context.Context, key interfaces.RelayKey, start time.Time) (interfaces.RelayResult, error) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		result, ok, err := t.ledger.Result(pollCtx, key)
		switch {
		case err != nil:
			lastErr = err
			t.log.Debug("Relay result query failed", slog.String("key", fmt.Sprintf("%x", key[:8])), "err", err)
		case ok:
			return result, nil
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return interfaces.RelayResult{}, fmt.Errorf("%w: %w", interfaces.ErrTransport, ctx.Err())
			}
			if lastErr != nil {
				return interfaces.RelayResult{}, fmt.Errorf("%w: no relay result after %s (last error: %v)", interfaces.ErrTimeout, time.Since(start).Round(time.Millisecond), lastErr)
			}
			return interfaces.RelayResult{}, fmt.Errorf("%w: no relay result after %s", interfaces.ErrTimeout, time.Since(start).Round(time.Millisecond))
		case <-ticker.C:
		}
	}
}
