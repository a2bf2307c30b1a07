package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

// CursorStore persists the relay scan position across worker restarts.
type CursorStore interface {
	// Load returns false when no cursor was saved yet.
	Load() (uint64, bool, error)
	Save(cursor uint64) error
}

// FileCursor keeps the cursor as a decimal number in a file.
type FileCursor string

func (f FileCursor) Load() (uint64, bool, error) {
	data, err := os.ReadFile(string(f))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	cursor, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed relay cursor in %s: %w", string(f), err)
	}
	return cursor, true, nil
}

// Save replaces the file through a rename so a crash never leaves a partial cursor.
func (f FileCursor) Save(cursor uint64) error {
	tmp := string(f) + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(cursor, 10)+"\n"), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, string(f))
}

type RelayWorkerConfig struct {
	// Entity is the id relayed requests are addressed to.
	Entity interfaces.EntityID
	// Interval is the delay between two inbox polls.
	Interval time.Duration
	// Cursor persists the scan position. Optional; without it a restarted
	// worker rescans the inbox from the start.
	Cursor CursorStore
}

// RelayWorker serves bootstrap channels: it picks up relay requests addressed
// to the enclave entity, hands them to the Responder and posts the replies.
// Requests that already carry a result on the ledger are skipped, so a rescan
// after a restart does not replay old handshakes.
type RelayWorker struct {
	inbox     interfaces.RelayInbox
	responder *Responder
	cfg       RelayWorkerConfig
	log       *slog.Logger

	cursor uint64

	// answered holds keys handled since the cursor last advanced
	answered map[interfaces.RelayKey]struct{}
	// unposted keeps replies whose posting failed, so a retry does not hand
	// the same envelope to the responder twice
	unposted map[interfaces.RelayKey][]byte
}

func NewRelayWorker(inbox interfaces.RelayInbox, responder *Responder, cfg RelayWorkerConfig, log *slog.Logger) (*RelayWorker, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	w := &RelayWorker{
		inbox:     inbox,
		responder: responder,
		cfg:       cfg,
		log:       log,
		answered:  make(map[interfaces.RelayKey]struct{}),
		unposted:  make(map[interfaces.RelayKey][]byte),
	}
	if cfg.Cursor != nil {
		cursor, ok, err := cfg.Cursor.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load relay cursor: %w", err)
		}
		if ok {
			w.cursor = cursor
			log.Info("Resuming relay scan", slog.Uint64("cursor", cursor))
		}
	}
	return w, nil
}

// Cursor returns the position the next poll starts from.
func (w *RelayWorker) Cursor() uint64 {
	return w.cursor
}

// Run polls the inbox until ctx is cancelled.
func (w *RelayWorker) Run(ctx context.Context) error {
	w.log.Info("Starting relay worker", slog.String("entity", w.cfg.Entity.String()), slog.Duration("interval", w.cfg.Interval))
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("Relay poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			w.log.Info("Relay worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll processes the requests available now and returns how many were answered.
// Requests that were already answered are skipped.
func (w *RelayWorker) Poll(ctx context.Context) (int, error) {
	requests, next, err := w.inbox.Pending(ctx, w.cfg.Entity, w.cursor)
	if err != nil {
		return 0, fmt.Errorf("failed to read relay inbox: %w", err)
	}

	answered := 0
	for _, req := range requests {
		if _, done := w.answered[req.Key]; done {
			continue
		}
		if body, ok := w.unposted[req.Key]; ok {
			if err := w.post(ctx, req.Key, body); err != nil {
				return answered, err
			}
			answered++
			continue
		}

		_, done, err := w.inbox.Result(ctx, req.Key)
		if err != nil {
			return answered, fmt.Errorf("failed to check relay result: %w", err)
		}
		if done {
			w.answered[req.Key] = struct{}{}
			continue
		}

		env, err := decodeEnvelope(req.Payload)
		if err != nil {
			w.log.Warn("Dropping malformed relay request", slog.String("key", fmt.Sprintf("%x", req.Key[:8])), "err", err)
			w.answered[req.Key] = struct{}{}
			continue
		}
		if RelayKey(env.Channel, uint8(env.Kind), env.Seq) != req.Key {
			w.log.Warn("Dropping relay request with mismatched key", slog.String("key", fmt.Sprintf("%x", req.Key[:8])))
			w.answered[req.Key] = struct{}{}
			continue
		}

		reply := w.responder.Handle(ctx, env)
		if reply.Kind == kindClose && env.Kind == kindClose {
			// close notices are not awaited by the client
			w.answered[req.Key] = struct{}{}
			continue
		}

		body, err := encodeEnvelope(reply)
		if err != nil {
			return answered, err
		}
		if err := w.post(ctx, req.Key, body); err != nil {
			return answered, err
		}
		answered++
	}

	w.advance(next)
	return answered, nil
}

// advance moves the cursor past a fully processed batch. Keys before the
// cursor are never returned again, so the answered set starts over.
func (w *RelayWorker) advance(next uint64) {
	if next == w.cursor {
		return
	}
	w.cursor = next
	clear(w.answered)

	if w.cfg.Cursor != nil {
		if err := w.cfg.Cursor.Save(next); err != nil {
			w.log.Warn("Failed to persist relay cursor", slog.Uint64("cursor", next), "err", err)
		}
	}
}

// post publishes a reply. On failure the cursor is not advanced, so the
// request shows up again and the stored reply is retried.
func (w *RelayWorker) post(ctx context.Context, key interfaces.RelayKey, body []byte) error {
	if err := w.inbox.Respond(ctx, interfaces.RelayResult{Key: key, Payload: body}); err != nil {
		w.unposted[key] = body
		return fmt.Errorf("failed to post relay result: %w", err)
	}
	delete(w.unposted, key)
	w.answered[key] = struct{}{}
	return nil
}
