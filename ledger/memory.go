package ledger

import (
	"bytes"
	"context"
	"sync"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

// MemoryLedger is an in-process relay with the same idempotency semantics as
// the on-chain relay hub. Results are final as soon as they are posted, unless
// finalization is stalled.
type MemoryLedger struct {
	mu       sync.RWMutex
	requests []interfaces.RelayRequest
	index    map[interfaces.RelayKey]int
	results  map[interfaces.RelayKey]interfaces.RelayResult
	stalled  bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		index:   make(map[interfaces.RelayKey]int),
		results: make(map[interfaces.RelayKey]interfaces.RelayResult),
	}
}

// Submit records req unless its key is already known.
func (l *MemoryLedger) Submit(ctx context.Context, req interfaces.RelayRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.index[req.Key]; exists {
		return nil
	}
	req.Payload = bytes.Clone(req.Payload)
	l.index[req.Key] = len(l.requests)
	l.requests = append(l.requests, req)
	return nil
}

func (l *MemoryLedger) Result(ctx context.Context, key interfaces.RelayKey) (interfaces.RelayResult, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.stalled {
		return interfaces.RelayResult{}, false, nil
	}
	res, ok := l.results[key]
	if !ok {
		return interfaces.RelayResult{}, false, nil
	}
	res.Payload = bytes.Clone(res.Payload)
	return res, true, nil
}

// Pending returns the requests for target at positions cursor and later.
func (l *MemoryLedger) Pending(ctx context.Context, target interfaces.EntityID, cursor uint64) ([]interfaces.RelayRequest, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []interfaces.RelayRequest
	for i := cursor; i < uint64(len(l.requests)); i++ {
		req := l.requests[i]
		if req.Target != target {
			continue
		}
		req.Payload = bytes.Clone(req.Payload)
		out = append(out, req)
	}
	return out, uint64(len(l.requests)), nil
}

// Respond stores the first result posted for a key; later ones are ignored.
func (l *MemoryLedger) Respond(ctx context.Context, res interfaces.RelayResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.results[res.Key]; exists {
		return nil
	}
	res.Payload = bytes.Clone(res.Payload)
	l.results[res.Key] = res
	return nil
}

// Stall withholds results from Result until called again with false.
func (l *MemoryLedger) Stall(stalled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stalled = stalled
}

// Submissions returns the number of distinct requests recorded.
func (l *MemoryLedger) Submissions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.requests)
}
