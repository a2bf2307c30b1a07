package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ruteri/tee-enclave-rpc/cryptoutils"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

const closeNotifyTimeout = time.Second

type DirectConfig struct {
	DialTimeout time.Duration
	// HandshakeTimeout bounds Connect after the connection is open. Zero
	// leaves it to the caller context.
	HandshakeTimeout time.Duration
	// Resolver expands srv:// target addresses. Optional.
	Resolver *Resolver
}

// Direct opens channels over TCP connections to the enclave.
type Direct struct {
	hs  handshaker
	cfg DirectConfig
	log *slog.Logger
}

type directChannel struct {
	*channel
	conn      net.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewDirect(creds *cryptoutils.Credentials, verifier interfaces.ProofVerifier, cfg DirectConfig, log *slog.Logger) *Direct {
	if log == nil {
		log = slog.Default()
	}
	return &Direct{
		hs:  handshaker{creds: creds, verifier: verifier, now: time.Now},
		cfg: cfg,
		log: log,
	}
}

// Connect dials the target addresses in order and runs the handshake on the
// first connection that opens.
func (t *Direct) Connect(ctx context.Context, target interfaces.Target) (interfaces.Channel, error) {
	start := time.Now()
	conn, err := t.dial(ctx, target.Addresses)
	if err != nil {
		return nil, err
	}

	ch := &directChannel{channel: newChannel(interfaces.DirectTransport, target), conn: conn}

	hctx := ctx
	if t.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
		defer cancel()
	}

	stop := context.AfterFunc(hctx, ch.closeConn)
	err = t.hs.initiate(hctx, ch.channel, ch.exchange)
	if !stop() && err == nil {
		err = fmt.Errorf("%w: connection closed during handshake", interfaces.ErrTransport)
	}
	if err != nil {
		if cerr := hctx.Err(); cerr != nil && !isSecurityFailure(err) {
			if errors.Is(cerr, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: handshake: %w", interfaces.ErrTimeout, cerr)
			} else {
				err = fmt.Errorf("%w: handshake: %w", interfaces.ErrTransport, cerr)
			}
		}
		ch.terminate(interfaces.Failed)
		ch.closeConn()
		ch.wipe()
		t.log.Warn("Handshake failed",
			slog.String("entity", target.EntityID.String()),
			slog.String("remote", conn.RemoteAddr().String()),
			"err", err)
		return nil, err
	}

	t.log.Info("Channel established",
		slog.String("channel", ch.id.String()),
		slog.String("remote", conn.RemoteAddr().String()),
		slog.String("peer_measurement", ch.peer.Measurement.String()),
		slog.Duration("duration", time.Since(start)))
	return ch, nil
}

// Send seals payload, writes it and waits for the sealed response.
func (t *Direct) Send(ctx context.Context, ch interfaces.Channel, payload []byte) ([]byte, error) {
	dc, ok := ch.(*directChannel)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a direct channel", interfaces.ErrTransport, ch)
	}
	if err := dc.usable(); err != nil {
		return nil, err
	}
	if dc.peer.Expired(t.hs.now()) {
		return nil, t.abort(ctx, dc, fmt.Errorf("%w: peer identity proof expired", interfaces.ErrHandshake))
	}

	frame, err := dc.session.Seal(payload)
	if err != nil {
		return nil, t.abort(ctx, dc, fmt.Errorf("%w: %v", interfaces.ErrTransport, err))
	}
	seq, _ := dc.session.Counters()

	stop := context.AfterFunc(ctx, func() {
		dc.terminate(interfaces.Closed)
		dc.closeConn()
	})
	defer stop()

	reply, err := dc.exchange(ctx, &envelope{Kind: kindData, Channel: dc.id, Seq: seq, Body: frame})
	if err != nil {
		return nil, t.abort(ctx, dc, err)
	}

	switch reply.Kind {
	case kindData:
		response, err := dc.openReply(reply.Body, seq)
		var appErr *ApplicationError
		if errors.As(err, &appErr) {
			return nil, err
		}
		if err != nil {
			return nil, t.abort(ctx, dc, err)
		}
		return response, nil
	case kindAlert:
		// alerts are unauthenticated, the channel cannot be trusted after one
		return nil, t.teardown(dc, interfaces.Failed, alertError(reply))
	default:
		return nil, t.abort(ctx, dc, fmt.Errorf("%w: unexpected %s reply", interfaces.ErrTransport, reply.Kind))
	}
}

// Close notifies the peer if the channel was established and releases the connection.
func (t *Direct) Close(ch interfaces.Channel) error {
	dc, ok := ch.(*directChannel)
	if !ok {
		return fmt.Errorf("%w: %T is not a direct channel", interfaces.ErrTransport, ch)
	}

	wasEstablished := dc.State() == interfaces.Established
	if dc.terminate(interfaces.Closed) && wasEstablished {
		_ = dc.conn.SetDeadline(time.Now().Add(closeNotifyTimeout))
		dc.writeMu.Lock()
		_ = writeEnvelope(dc.conn, &envelope{Kind: kindClose, Channel: dc.id})
		dc.writeMu.Unlock()
		t.log.Debug("Channel closed", slog.String("channel", dc.id.String()))
	}
	dc.closeConn()
	dc.wipe()
	return nil
}

// abort tears the channel down after a failed exchange. Security failures
// fail the channel, anything else closes it.
func (t *Direct) abort(ctx context.Context, dc *directChannel, err error) error {
	if ctx.Err() != nil && !isSecurityFailure(err) {
		err = fmt.Errorf("%w: %w", interfaces.ErrTransport, ctx.Err())
	}
	return t.teardown(dc, failureState(err), err)
}

func (t *Direct) teardown(dc *directChannel, state interfaces.ChannelState, err error) error {
	dc.terminate(state)
	dc.closeConn()
	dc.wipe()

	t.log.Warn("Channel torn down",
		slog.String("channel", dc.id.String()),
		slog.String("state", state.String()),
		"err", err)
	return err
}

func (t *Direct) dial(ctx context.Context, addresses []string) (net.Conn, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("%w: target has no addresses", interfaces.ErrConn)
	}

	var errs []error
	candidates := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !IsSRVAddress(addr) {
			candidates = append(candidates, addr)
			continue
		}
		if t.cfg.Resolver == nil {
			errs = append(errs, fmt.Errorf("%s: no resolver configured", addr))
			continue
		}
		resolved, err := t.cfg.Resolver.Resolve(ctx, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		candidates = append(candidates, resolved...)
	}

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	for _, addr := range candidates {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		t.log.Debug("Dial failed", slog.String("address", addr), "err", err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", interfaces.ErrConn, errors.Join(errs...))
}

// exchange writes env and reads the reply. Cancellation is handled by the
// caller closing the connection from a context.AfterFunc.
func (c *directChannel) exchange(ctx context.Context, env *envelope) (*envelope, error) {
	c.writeMu.Lock()
	err := writeEnvelope(c.conn, env)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	reply, err := readEnvelope(c.conn)
	if err != nil {
		return nil, err
	}
	if reply.Channel != c.id {
		return nil, fmt.Errorf("%w: reply for channel %s", interfaces.ErrTransport, reply.channelID())
	}
	return reply, nil
}

func (c *directChannel) closeConn() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
