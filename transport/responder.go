package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	"github.com/ruteri/tee-enclave-rpc/cryptoutils"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

type ResponderConfig struct {
	// ClientWhitelist lists the client measurements the enclave accepts.
	ClientWhitelist []interfaces.Measurement
	// SessionTTL drops sessions idle for longer than this. Zero keeps them until closed.
	SessionTTL time.Duration
}

// Responder is the enclave side of a channel. It answers handshakes, opens
// request frames, invokes the handler and seals responses. It is shared by
// the TCP server and the ledger relay worker.
type Responder struct {
	hs      handshaker
	handler interfaces.Handler
	cfg     ResponderConfig
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*responderSession
}

type responderSession struct {
	mu          sync.Mutex
	peer        interfaces.IdentityProof
	transcript  [32]byte
	keys        *cryptoutils.SessionKeys
	session     *cryptoutils.Session
	established bool
	lastActive  time.Time
}

func NewResponder(creds *cryptoutils.Credentials, verifier interfaces.ProofVerifier, handler interfaces.Handler, cfg ResponderConfig, log *slog.Logger) *Responder {
	if log == nil {
		log = slog.Default()
	}
	return &Responder{
		hs:       handshaker{creds: creds, verifier: verifier, now: time.Now},
		handler:  handler,
		cfg:      cfg,
		log:      log,
		sessions: make(map[uuid.UUID]*responderSession),
	}
}

// Handle processes one envelope and returns the reply to send back.
func (r *Responder) Handle(ctx context.Context, env *envelope) *envelope {
	switch env.Kind {
	case kindHello:
		return r.onHello(env)
	case kindFinish:
		return r.onFinish(env)
	case kindData:
		return r.onData(ctx, env)
	case kindClose:
		r.Drop(env.channelID())
		return &envelope{Kind: kindClose, Channel: env.Channel, Seq: env.Seq}
	default:
		return newAlert(env.Channel, alertProtocol, fmt.Sprintf("unexpected %s envelope", env.Kind))
	}
}

// Sessions returns the number of live sessions.
func (r *Responder) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Drop forgets the session of a channel and wipes its keys.
func (r *Responder) Drop(id uuid.UUID) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.keys.Wipe()
		s.session = nil
		s.mu.Unlock()
	}
}

func (r *Responder) onHello(env *envelope) *envelope {
	id := env.channelID()
	r.sweep()

	if _, exists := r.lookup(id); exists {
		return newAlert(env.Channel, alertProtocol, "channel id already in use")
	}

	peerHello, err := decodeHello(env)
	if err == nil {
		err = cryptoutils.VerifyPeerProof(r.hs.verifier, peerHello.Proof, r.cfg.ClientWhitelist, r.hs.now())
	}
	if err != nil {
		r.log.Warn("Rejected client handshake", slog.String("channel", id.String()), "err", err)
		return newAlert(env.Channel, alertHandshake, err.Error())
	}

	_, helloBytes, err := r.hs.hello()
	if err != nil {
		return newAlert(env.Channel, alertProtocol, "internal error")
	}
	transcript := cryptoutils.Transcript(env.Body, helloBytes)
	keys, err := r.hs.deriveKeys(peerHello.Proof, transcript, false)
	if err != nil {
		return newAlert(env.Channel, alertHandshake, err.Error())
	}

	r.mu.Lock()
	r.sessions[id] = &responderSession{
		peer:       peerHello.Proof,
		transcript: transcript,
		keys:       keys,
		lastActive: r.hs.now(),
	}
	r.mu.Unlock()

	return &envelope{Kind: kindHello, Channel: env.Channel, Body: helloBytes}
}

func (r *Responder) onFinish(env *envelope) *envelope {
	id := env.channelID()
	s, ok := r.lookup(id)
	if !ok {
		return newAlert(env.Channel, alertProtocol, "unknown channel")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.established || s.keys == nil {
		return newAlert(env.Channel, alertProtocol, "handshake already finished")
	}
	if err := verifyFinish(env, s.keys, s.transcript); err != nil {
		r.forget(id)
		s.keys.Wipe()
		return newAlert(env.Channel, alertHandshake, err.Error())
	}

	session, err := cryptoutils.NewSession(id[:], s.keys)
	if err != nil {
		r.forget(id)
		s.keys.Wipe()
		return newAlert(env.Channel, alertProtocol, "internal error")
	}
	confirm, err := rlp.EncodeToBytes(&finishMsg{Confirm: s.keys.Confirmation(s.transcript)})
	if err != nil {
		r.forget(id)
		s.keys.Wipe()
		return newAlert(env.Channel, alertProtocol, "internal error")
	}
	s.session = session
	s.established = true
	s.lastActive = r.hs.now()

	r.log.Info("Channel established",
		slog.String("channel", id.String()),
		slog.String("peer_measurement", s.peer.Measurement.String()))

	return &envelope{Kind: kindFinish, Channel: env.Channel, Seq: env.Seq, Body: confirm}
}

func (r *Responder) onData(ctx context.Context, env *envelope) *envelope {
	id := env.channelID()
	s, ok := r.lookup(id)
	if !ok {
		return newAlert(env.Channel, alertProtocol, "unknown channel")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.established || s.session == nil {
		return newAlert(env.Channel, alertProtocol, "channel not established")
	}
	if s.peer.Expired(r.hs.now()) {
		r.forget(id)
		s.keys.Wipe()
		s.session = nil
		return newAlert(env.Channel, alertHandshake, "client identity proof expired")
	}

	payload, err := s.session.Open(env.Body)
	if err != nil {
		r.log.Warn("Rejected frame", slog.String("channel", id.String()), "err", err)
		r.forget(id)
		s.keys.Wipe()
		s.session = nil
		if errors.Is(err, interfaces.ErrReplayDetected) {
			return newAlert(env.Channel, alertReplay, err.Error())
		}
		return newAlert(env.Channel, alertIntegrity, err.Error())
	}
	s.lastActive = r.hs.now()

	response, err := r.handler.HandleRequest(ctx, s.peer.Copy(), payload)
	reply := replyMsg{Payload: response}
	if err != nil {
		r.log.Debug("Handler failed", slog.String("channel", id.String()), "err", err)
		reply = replyMsg{Error: err.Error()}
		if reply.Error == "" {
			reply.Error = "handler failed"
		}
	}
	plain, err := rlp.EncodeToBytes(&reply)
	if err != nil {
		return newAlert(env.Channel, alertProtocol, "internal error")
	}

	// the reply is sealed under the request counter, so it cannot be
	// presented as the answer to any other request
	_, counter := s.session.Counters()
	frame, err := s.session.SealAt(counter, plain)
	if err != nil {
		r.forget(id)
		s.keys.Wipe()
		s.session = nil
		return newAlert(env.Channel, alertIntegrity, err.Error())
	}
	return &envelope{Kind: kindData, Channel: env.Channel, Seq: env.Seq, Body: frame}
}

func (r *Responder) lookup(id uuid.UUID) (*responderSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// forget removes a session whose lock the caller already holds.
func (r *Responder) forget(id uuid.UUID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Responder) sweep() {
	if r.cfg.SessionTTL <= 0 {
		return
	}
	cutoff := r.hs.now().Add(-r.cfg.SessionTTL)

	r.mu.Lock()
	var stale []uuid.UUID
	for id, s := range r.sessions {
		if s.mu.TryLock() {
			if s.lastActive.Before(cutoff) {
				stale = append(stale, id)
			}
			s.mu.Unlock()
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.Drop(id)
	}
	if len(stale) > 0 {
		r.log.Debug("Dropped idle sessions", slog.Int("count", len(stale)))
	}
}

func (r *Responder) sessionKey(id uuid.UUID) ([32]byte, bool) {
	s, ok := r.lookup(id)
	if !ok || s.keys == nil {
		return [32]byte{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys.Session, true
}
